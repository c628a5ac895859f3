package files

import (
	"bytes"
	"log/slog"
	"slices"
	"time"

	"firestige.xyz/filetrace/internal/analyzer"
	"firestige.xyz/filetrace/internal/core"
	"firestige.xyz/filetrace/internal/eventbus"
	"firestige.xyz/filetrace/internal/metrics"
	"firestige.xyz/filetrace/internal/timer"
)

// bofBuffer collects the beginning of a stream-delivered file for sniffing.
type bofBuffer struct {
	chunks   [][]byte
	size     uint64
	full     bool
	replayed bool
}

// File is one tracked file: its byte accounting, the beginning-of-file
// window, out-of-order buffering and the analyzers its content is fed to.
//
// Data enters through DataIn (ranges at an offset) or StreamIn (in-order
// chunks). EndOfFile is the only terminal path and runs at most once.
type File struct {
	m *Manager

	id       string
	parentID string
	source   string
	isOrig   bool
	conns    []core.ConnKey
	connSet  map[core.ConnKey]struct{}

	lastActive      time.Time
	seen            uint64
	total           uint64
	hasTotal        bool
	missing         uint64
	overflow        uint64
	timeoutInterval time.Duration
	postponeTimeout bool

	bofSize   uint64
	bof       bofBuffer
	bofBytes  []byte
	mimeType  string
	missedBOF bool

	forwardedOffset uint64
	reassembler     *Reassembler
	analyzers       *AnalyzerSet

	firstChunk bool
	didFileNew bool
	done       bool

	// file_over_new_connection events raised before file_new
	fonc []*eventbus.Event
}

func newFile(m *Manager, id string) *File {
	f := &File{
		m:               m,
		id:              id,
		connSet:         make(map[core.ConnKey]struct{}),
		timeoutInterval: m.timeoutInterval,
		bofSize:         m.bofBufferSize,
		firstChunk:      true,
	}
	f.analyzers = NewAnalyzerSet(f, m.registry)
	f.touch()
	return f
}

// ID returns the file identifier.
func (f *File) ID() string { return f.id }

func (f *File) now() time.Time { return f.m.timers.Time() }

func (f *File) touch() { f.lastActive = f.now() }

// LastActive returns when data, a gap or a postponement last touched the file.
func (f *File) LastActive() time.Time { return f.lastActive }

// Source returns the name of the protocol the file was seen over.
func (f *File) Source() string { return f.source }

// SetSource sets the protocol name.
func (f *File) SetSource(s string) { f.source = s }

// SetParent marks the file as extracted from another file.
func (f *File) SetParent(id string) { f.parentID = id }

// TimeoutInterval returns the inactivity timeout.
func (f *File) TimeoutInterval() time.Duration { return f.timeoutInterval }

// SetTimeoutInterval changes the inactivity timeout. The armed timer keeps
// its deadline; the new interval applies when it decides whether to re-arm.
func (f *File) SetTimeoutInterval(d time.Duration) { f.timeoutInterval = d }

// SetTotalBytes records the expected size of the file.
func (f *File) SetTotalBytes(n uint64) {
	f.total = n
	f.hasTotal = true
}

// IsComplete reports whether the expected size is known and reached.
func (f *File) IsComplete() bool {
	return f.hasTotal && f.seen >= f.total
}

// Done reports whether the terminal sequence has run.
func (f *File) Done() bool { return f.done }

// MIMEType returns the sniffed type, empty until sniffing ran.
func (f *File) MIMEType() string { return f.mimeType }

// BOFBuffer returns the sniffed beginning of the file.
func (f *File) BOFBuffer() []byte { return f.bofBytes }

// ForwardedOffset returns the end of the contiguous prefix handed on so far.
func (f *File) ForwardedOffset() uint64 { return f.forwardedOffset }

// SeenBytes, MissingBytes and OverflowBytes return the byte counters.
func (f *File) SeenBytes() uint64     { return f.seen }
func (f *File) MissingBytes() uint64  { return f.missing }
func (f *File) OverflowBytes() uint64 { return f.overflow }

// Buffered returns the bytes held out of order.
func (f *File) Buffered() uint64 {
	if f.reassembler == nil {
		return 0
	}
	return f.reassembler.Buffered()
}

// Analyzers exposes the analyzer set.
func (f *File) Analyzers() *AnalyzerSet { return f.analyzers }

// Info returns an attribute snapshot.
func (f *File) Info() core.FileInfo {
	return core.FileInfo{
		ID:              f.id,
		ParentID:        f.parentID,
		Source:          f.source,
		IsOrig:          f.isOrig,
		Conns:           slices.Clone(f.conns),
		LastActive:      f.lastActive,
		SeenBytes:       f.seen,
		TotalBytes:      f.total,
		HasTotal:        f.hasTotal,
		MissingBytes:    f.missing,
		OverflowBytes:   f.overflow,
		TimeoutInterval: f.timeoutInterval,
		BOFBufferSize:   f.bofSize,
		BOFBuffer:       slices.Clone(f.bofBytes),
		MIMEType:        f.mimeType,
		Analyzers:       f.analyzers.Tags(),
		Done:            f.done,
	}
}

// Emit raises a file event on behalf of an analyzer.
func (f *File) Emit(name string, fields map[string]any) {
	f.fileEvent(name, fields)
}

// UpdateConnection records that the file is carried by conn. The first time
// a connection is seen file_over_new_connection is raised, or held back until
// file_new when that has not fired yet.
func (f *File) UpdateConnection(conn core.ConnInfo, isOrig bool) {
	if _, ok := f.connSet[conn.Key]; ok {
		return
	}
	if len(f.conns) == 0 {
		f.isOrig = isOrig
	}
	f.connSet[conn.Key] = struct{}{}
	f.conns = append(f.conns, conn.Key)

	if !f.eventAvailable(eventbus.FileOverNewConnection) {
		return
	}
	fields := map[string]any{
		"conn":    conn.Key.String(),
		"uid":     conn.UID,
		"is_orig": isOrig,
	}
	if f.didFileNew {
		f.fileEvent(eventbus.FileOverNewConnection, fields)
		return
	}
	f.fonc = append(f.fonc, f.newEvent(eventbus.FileOverNewConnection, fields))
}

// AddAnalyzer queues an analyzer. It fails once the file is done.
func (f *File) AddAnalyzer(tag analyzer.Tag, args analyzer.Args) (bool, error) {
	if f.done {
		return false, core.ErrFileDone
	}
	return f.analyzers.QueueAdd(tag, args)
}

// RemoveAnalyzer queues removal of an analyzer. It fails once the file is
// done.
func (f *File) RemoveAnalyzer(tag analyzer.Tag, args analyzer.Args) bool {
	if f.done {
		return false
	}
	return f.analyzers.QueueRemove(tag, args)
}

// SetExtractionLimit changes the byte cap of the extract analyzer attached
// with args.
func (f *File) SetExtractionLimit(args analyzer.Args, n uint64) bool {
	a, ok := f.analyzers.Find(analyzer.TagExtract, args).(*analyzer.Extract)
	if !ok {
		return false
	}
	a.SetLimit(n)
	return true
}

// ScheduleInactivityTimer arms the inactivity timer. The timer refers to the
// file by id and resolves it when it fires.
func (f *File) ScheduleInactivityTimer() {
	id, m := f.id, f.m
	m.timers.Add(timer.New(timer.FileAnalysisInactivityTimer, f.now().Add(f.timeoutInterval),
		func(now time.Time, final bool) {
			m.inactivityExpired(id, now, final)
		}))
}

// DataIn handles a range at a known offset.
func (f *File) DataIn(data []byte, offset uint64) {
	f.analyzers.Drain()
	f.touch()

	n := uint64(len(data))
	if n == 0 {
		return
	}

	switch {
	case f.reassembler != nil:
		f.reassembler.NewBlock(offset, data)
		f.dropIdleReassembler()
		return
	case offset == f.forwardedOffset:
	case offset < f.forwardedOffset && f.forwardedOffset < offset+n:
		// Overlaps the delivered prefix; keep only the new tail.
		adjust := f.forwardedOffset - offset
		f.countOverflow(adjust)
		data = data[adjust:]
		offset = f.forwardedOffset
	case offset > f.forwardedOffset:
		f.reassembler = newReassembler(f, f.forwardedOffset)
		f.reassembler.NewBlock(offset, data)
		f.dropIdleReassembler()
		return
	default:
		f.countOverflow(n)
		return
	}

	f.deliverContiguous(data, offset)
}

func (f *File) dropIdleReassembler() {
	if f.reassembler != nil && !f.reassembler.HasBlocks() {
		f.reassembler = nil
	}
}

// deliverContiguous hands data that starts at the forwarded offset to the
// analyzers and moves the counters.
func (f *File) deliverContiguous(data []byte, offset uint64) {
	n := uint64(len(data))

	if f.firstChunk {
		f.firstChunk = false
		if f.bofBytes == nil {
			f.bofBytes = bytes.Clone(data[:min(n, f.bofSize)])
		}
		f.detectMIME(data)
		f.emitFileNew()
	}

	if f.IsComplete() {
		f.countOverflow(n)
		f.forwardedOffset = offset + n
		f.EndOfFile()
		return
	}

	if !f.done {
		f.analyzers.Each(func(a analyzer.Analyzer) {
			if !a.DeliverStream(data) {
				f.analyzers.QueueRemove(a.Tag(), a.Args())
			}
		})
		f.analyzers.Drain()
	}

	f.forwardedOffset = offset + n
	f.countSeen(n)

	if f.IsComplete() {
		f.EndOfFile()
	}
}

// skipHole moves the cursor over a declared hole.
func (f *File) skipHole(offset, length uint64) {
	f.forwardedOffset = offset + length
}

// StreamIn handles an in-order chunk without an offset.
func (f *File) StreamIn(data []byte) {
	f.analyzers.Drain()
	f.touch()

	if len(data) == 0 {
		return
	}
	if f.bufferBOF(data) {
		return
	}
	f.deliverStream(data)
}

func (f *File) deliverStream(data []byte) {
	n := uint64(len(data))

	if f.missedBOF {
		f.missedBOF = false
		f.detectMIME(data)
		f.emitFileNew()
	}

	if !f.done {
		f.analyzers.Each(func(a analyzer.Analyzer) {
			if !a.DeliverStream(data) {
				f.analyzers.QueueRemove(a.Tag(), a.Args())
				return
			}
			if !a.DeliverChunk(data, f.seen+f.missing) {
				f.analyzers.QueueRemove(a.Tag(), a.Args())
			}
		})
		f.analyzers.Drain()
	}

	f.forwardedOffset += n
	f.countSeen(n)

	if f.IsComplete() {
		f.EndOfFile()
	}
}

// bufferBOF holds data back until the window is full. It returns false once
// the window has been replayed.
func (f *File) bufferBOF(data []byte) bool {
	if f.bof.full || f.bof.replayed {
		return false
	}
	f.bof.chunks = append(f.bof.chunks, bytes.Clone(data))
	f.bof.size += uint64(len(data))
	if f.bof.size >= f.bofSize {
		f.bof.full = true
		f.replayBOF()
	}
	return true
}

// replayBOF sniffs and delivers what the window collected. It runs at most
// once; with nothing collected the next stream chunk is sniffed instead.
func (f *File) replayBOF() {
	if f.bof.replayed {
		return
	}
	f.bof.replayed = true

	if len(f.bof.chunks) == 0 {
		f.missedBOF = true
		return
	}

	f.bofBytes = bytes.Join(f.bof.chunks, nil)
	f.detectMIME(f.bofBytes)
	f.emitFileNew()

	chunks := f.bof.chunks
	f.bof.chunks = nil
	for _, c := range chunks {
		f.analyzers.Drain()
		f.deliverStream(c)
	}
}

func (f *File) detectMIME(data []byte) {
	if f.mimeType != "" || f.m.classifier == nil {
		return
	}
	f.mimeType = f.m.classifier.Detect(data)
}

// Gap reports that [offset, offset+length) will never be delivered.
func (f *File) Gap(offset, length uint64) {
	f.analyzers.Drain()
	f.touch()

	// Whatever the window holds is all the contiguous beginning there is.
	f.replayBOF()

	if !f.done {
		f.analyzers.Each(func(a analyzer.Analyzer) {
			if !a.Undelivered(offset, length) {
				f.analyzers.QueueRemove(a.Tag(), a.Args())
			}
		})
	}
	if f.eventAvailable(eventbus.FileGap) {
		f.fileEvent(eventbus.FileGap, map[string]any{
			"offset": offset,
			"length": length,
		})
	}
	f.analyzers.Drain()
	f.countMissing(length)

	switch {
	case f.reassembler != nil:
		f.reassembler.NewGap(offset, length)
	case offset == f.forwardedOffset:
		f.forwardedOffset += length
	case offset > f.forwardedOffset:
		f.reassembler = newReassembler(f, f.forwardedOffset)
		f.reassembler.NewGap(offset, length)
	case offset+length > f.forwardedOffset:
		f.forwardedOffset = offset + length
	}
	f.dropIdleReassembler()
}

// EndOfFile runs the terminal sequence once. Later calls do nothing.
func (f *File) EndOfFile() {
	if f.done {
		return
	}
	f.analyzers.Drain()

	// Send along anything buffered but never flushed.
	f.replayBOF()
	if f.done {
		return
	}
	f.done = true

	f.analyzers.Each(func(a analyzer.Analyzer) {
		if !a.EndOfFile() {
			f.analyzers.QueueRemove(a.Tag(), a.Args())
		}
	})
	f.fileEvent(eventbus.FileStateRemove, nil)
	f.analyzers.Drain()

	slog.Debug("file finished", "file_id", f.id, "seen", f.seen, "missing", f.missing, "overflow", f.overflow)
}

// release frees what the file still holds. Called when it leaves the
// registry.
func (f *File) release() {
	if f.reassembler != nil {
		f.reassembler.discard()
		f.reassembler = nil
	}
	f.analyzers.Clear()
	f.fonc = nil
}

func (f *File) countSeen(n uint64) {
	f.seen += n
	metrics.FileBytesTotal.WithLabelValues("seen").Add(float64(n))
}

func (f *File) countMissing(n uint64) {
	f.missing += n
	metrics.FileBytesTotal.WithLabelValues("missing").Add(float64(n))
}

func (f *File) countOverflow(n uint64) {
	f.overflow += n
	metrics.FileBytesTotal.WithLabelValues("overflow").Add(float64(n))
}

func (f *File) emitFileNew() {
	if f.didFileNew {
		return
	}
	f.fileEvent(eventbus.FileNew, nil)
}

func (f *File) eventAvailable(name string) bool {
	return !f.m.IsIgnored(f.id) && f.m.bus.Available(name)
}

func (f *File) newEvent(name string, fields map[string]any) *eventbus.Event {
	return &eventbus.Event{
		Name:   name,
		Time:   f.now(),
		File:   f.Info(),
		Fields: fields,
	}
}

func (f *File) queue(ev *eventbus.Event) {
	if err := f.m.bus.Queue(ev); err != nil {
		slog.Warn("file event dropped", "file_id", f.id, "event", ev.Name, "error", err)
	}
}

// fileEvent queues a named event. file_new releases the held-back
// connection events; file_new, file_timeout and file_extraction_limit are
// drained right away so their handlers run before the caller continues.
func (f *File) fileEvent(name string, fields map[string]any) {
	available := f.eventAvailable(name)
	if available {
		f.queue(f.newEvent(name, fields))
	}

	if name == eventbus.FileNew {
		f.didFileNew = true
		for _, ev := range f.fonc {
			f.queue(ev)
		}
		f.fonc = nil
	} else if !available {
		return
	}

	switch name {
	case eventbus.FileNew, eventbus.FileTimeout, eventbus.FileExtractionLimit:
		f.m.bus.Drain()
		f.analyzers.Drain()
	}
}
