// Package engine runs the single-threaded loop that feeds transport payloads
// into tracked files and advances the timer scheduler.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/filetrace/internal/core"
	"firestige.xyz/filetrace/internal/eventbus"
	"firestige.xyz/filetrace/internal/files"
	"firestige.xyz/filetrace/internal/metrics"
	"firestige.xyz/filetrace/internal/source/pcap"
	"firestige.xyz/filetrace/internal/timer"
)

// Defaults applied to a zero Config.
const (
	DefaultMaxExpirePerCycle     = 100
	DefaultConnInactivityTimeout = 5 * time.Minute
)

// Config tunes the engine loop.
type Config struct {
	MaxExpirePerCycle     int
	ConnInactivityTimeout time.Duration
}

// SegmentSource yields segments until io.EOF.
type SegmentSource interface {
	Next() (pcap.Segment, error)
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Files            int    `json:"files"`
	Flows            int    `json:"flows"`
	Segments         uint64 `json:"segments"`
	TimersPending    int    `json:"timers_pending"`
	TimersPeak       int    `json:"timers_peak"`
	TimersCumulative uint64 `json:"timers_cumulative"`
	TimersDispatched uint64 `json:"timers_dispatched"`
	EventsProcessed  int64  `json:"events_processed"`
}

// direction is one side of a flow; each carries at most one live file.
type direction struct {
	fileID  string
	isn     uint32
	haveISN bool
	ended   bool
}

type flow struct {
	conn     core.ConnInfo
	lastSeen time.Time
	dirs     [2]direction // originator, responder
}

// Engine ties the scheduler, the file registry and the event bus together.
// Every entry point takes one lock, so Stats may be called from another
// goroutine while a replay runs.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	timers *timer.Manager
	files  *files.Manager
	bus    eventbus.EventBus

	flows      *flowTable
	segments   uint64
	dispatched uint64
}

// New creates an engine. The file registry must schedule on timers.
func New(cfg Config, timers *timer.Manager, fm *files.Manager, bus eventbus.EventBus) *Engine {
	if cfg.MaxExpirePerCycle <= 0 {
		cfg.MaxExpirePerCycle = DefaultMaxExpirePerCycle
	}
	if cfg.ConnInactivityTimeout <= 0 {
		cfg.ConnInactivityTimeout = DefaultConnInactivityTimeout
	}
	return &Engine{
		cfg:    cfg,
		timers: timers,
		files:  fm,
		bus:    bus,
		flows:  newFlowTable(),
	}
}

// Process advances the virtual clock to now, dispatching due timers within
// the per-cycle budget, and drains the event bus.
func (e *Engine) Process(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.process(now)
}

func (e *Engine) process(now time.Time) int {
	n := e.timers.Advance(now, e.cfg.MaxExpirePerCycle)
	e.dispatched += uint64(n)
	e.bus.Drain()
	return n
}

// HandleSegment feeds one packet's payload to the file of its flow direction.
func (e *Engine) HandleSegment(seg pcap.Segment) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.process(seg.Time)
	e.segments++

	fl, isOrig := e.flowFor(seg)
	fl.lastSeen = e.timers.Time()

	switch seg.Key.Proto {
	case core.ProtoTCP:
		metrics.SegmentsTotal.WithLabelValues("tcp").Inc()
		e.handleTCP(fl, isOrig, seg)
	case core.ProtoUDP:
		metrics.SegmentsTotal.WithLabelValues("udp").Inc()
		e.handleUDP(fl, isOrig, seg)
	default:
		slog.Debug("ignoring segment", "conn", seg.Key.String(), "error", core.ErrUnsupportedProto)
	}

	e.bus.Drain()
}

// flowFor finds or creates the flow of seg and tells whether seg was sent by
// the originator. A flow first seen through a SYN-ACK is oriented towards the
// sender of the SYN.
func (e *Engine) flowFor(seg pcap.Segment) (*flow, bool) {
	if fl, isOrig, ok := e.flows.lookup(seg.Key); ok {
		return fl, isOrig
	}

	key, isOrig := seg.Key, true
	if seg.Key.Proto == core.ProtoTCP && seg.SYN && seg.ACK {
		key, isOrig = seg.Key.Reverse(), false
	}
	fl := &flow{
		conn: core.ConnInfo{
			Key:       key,
			UID:       uuid.NewString(),
			StartTime: seg.Time,
		},
	}
	e.flows.set(key, fl)
	e.scheduleInactivity(key, e.timers.Time().Add(e.cfg.ConnInactivityTimeout))
	slog.Debug("new flow", "conn", key.String(), "uid", fl.conn.UID)
	return fl, isOrig
}

func (e *Engine) scheduleInactivity(key core.ConnKey, at time.Time) {
	e.timers.Add(timer.New(timer.ConnectionInactivityTimer, at, func(now time.Time, final bool) {
		e.flowInactive(key, now, final)
	}))
}

// flowInactive is the action of a flow's inactivity timer. It runs inside
// Advance or ExpireAll with the engine lock held.
func (e *Engine) flowInactive(key core.ConnKey, now time.Time, final bool) {
	fl, ok := e.flows.get(key)
	if !ok {
		return
	}
	deadline := fl.lastSeen.Add(e.cfg.ConnInactivityTimeout)
	if !final && now.Before(deadline) {
		e.scheduleInactivity(key, deadline)
		return
	}
	e.dropFlow(key, fl)
}

func (e *Engine) dropFlow(key core.ConnKey, fl *flow) {
	for i := range fl.dirs {
		e.endDirection(&fl.dirs[i])
	}
	e.flows.delete(key)
	slog.Debug("flow expired", "conn", key.String(), "uid", fl.conn.UID)
}

func (e *Engine) endDirection(d *direction) {
	if d.fileID != "" {
		if err := e.files.EndOfFile(d.fileID); err != nil && !errors.Is(err, core.ErrFileNotFound) {
			slog.Warn("ending file failed", "file_id", d.fileID, "error", err)
		}
		d.fileID = ""
	}
	d.ended = true
}

// fileFor returns the live file of a direction, starting a new one when the
// previous one completed or timed out.
func (e *Engine) fileFor(fl *flow, isOrig bool, source string) string {
	d := fl.dir(isOrig)
	if d.fileID != "" && e.files.Lookup(d.fileID) != nil {
		return d.fileID
	}
	f := e.files.GetFile("", &fl.conn, source, isOrig)
	if f == nil {
		return ""
	}
	d.fileID = f.ID()
	return d.fileID
}

func (fl *flow) dir(isOrig bool) *direction {
	if isOrig {
		return &fl.dirs[0]
	}
	return &fl.dirs[1]
}

func (e *Engine) handleTCP(fl *flow, isOrig bool, seg pcap.Segment) {
	d := fl.dir(isOrig)

	if seg.SYN {
		d.isn = seg.Seq
		d.haveISN = true
	}
	if len(seg.Payload) > 0 && !d.ended {
		if !d.haveISN {
			// Picked up mid-stream: the first payload byte is offset 0.
			d.isn = seg.Seq - 1
			d.haveISN = true
		}
		if id := e.fileFor(fl, isOrig, "TCP"); id != "" {
			offset := uint64(seg.Seq - d.isn - 1)
			if err := e.files.DataIn(id, seg.Payload, offset); err != nil {
				slog.Debug("payload not delivered", "file_id", id, "error", err)
			}
		}
	}

	switch {
	case seg.RST:
		e.endDirection(&fl.dirs[0])
		e.endDirection(&fl.dirs[1])
	case seg.FIN:
		e.endDirection(d)
	}
}

func (e *Engine) handleUDP(fl *flow, isOrig bool, seg pcap.Segment) {
	if len(seg.Payload) == 0 {
		return
	}
	id := e.fileFor(fl, isOrig, "UDP")
	if id == "" {
		return
	}
	if err := e.files.StreamIn(id, seg.Payload); err != nil {
		slog.Debug("payload not delivered", "file_id", id, "error", err)
	}
}

// Run feeds every segment of src to the engine until the source is exhausted
// or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, src SegmentSource) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		seg, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		e.HandleSegment(seg)
	}
}

// Shutdown fires every pending timer as final and ends the remaining files.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.timers.ExpireAll()
	e.dispatched += uint64(n)
	e.files.Terminate()
	e.bus.Drain()
	slog.Info("engine shut down", "timers_expired", n, "segments", e.segments)
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		Files:            e.files.Len(),
		Flows:            e.flows.count(),
		Segments:         e.segments,
		TimersPending:    e.timers.Size(),
		TimersPeak:       e.timers.PeakSize(),
		TimersCumulative: e.timers.CumulativeNum(),
		TimersDispatched: e.dispatched,
		EventsProcessed:  e.bus.GetStats().ProcessedCount,
	}
}
