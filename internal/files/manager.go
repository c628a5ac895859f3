// Package files tracks reconstructed files: byte accounting, out-of-order
// reassembly, analyzer dispatch and inactivity expiry.
package files

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/filetrace/internal/analyzer"
	"firestige.xyz/filetrace/internal/core"
	"firestige.xyz/filetrace/internal/eventbus"
	"firestige.xyz/filetrace/internal/metrics"
	"firestige.xyz/filetrace/internal/sniff"
	"firestige.xyz/filetrace/internal/timer"
)

// Defaults applied when no option overrides them.
const (
	DefaultTimeoutInterval = 2 * time.Minute
	DefaultBOFBufferSize   = 4096
)

// AnalyzerSpec names an analyzer attached to every new file.
type AnalyzerSpec struct {
	Tag  analyzer.Tag
	Args analyzer.Args
}

// Option configures a Manager.
type Option func(*Manager)

// WithClassifier sets the MIME classifier. nil disables sniffing.
func WithClassifier(c sniff.Classifier) Option {
	return func(m *Manager) { m.classifier = c }
}

// WithRegistry sets the analyzer registry.
func WithRegistry(r *analyzer.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithTimeoutInterval sets the inactivity timeout of new files.
func WithTimeoutInterval(d time.Duration) Option {
	return func(m *Manager) { m.timeoutInterval = d }
}

// WithBOFBufferSize sets the beginning-of-file window of new files.
func WithBOFBufferSize(n uint64) Option {
	return func(m *Manager) { m.bofBufferSize = n }
}

// WithDefaultAnalyzers attaches the given analyzers to every new file.
func WithDefaultAnalyzers(specs ...AnalyzerSpec) Option {
	return func(m *Manager) { m.defaultAnalyzers = append(m.defaultAnalyzers, specs...) }
}

// Manager is the registry of tracked files. Inactivity timers look files up
// here by id, so a removed file turns its pending timer into a no-op.
type Manager struct {
	timers     *timer.Manager
	bus        eventbus.EventBus
	registry   *analyzer.Registry
	classifier sniff.Classifier

	timeoutInterval  time.Duration
	bofBufferSize    uint64
	defaultAnalyzers []AnalyzerSpec

	files       map[string]*File
	ignored     map[string]struct{}
	terminating bool
}

// NewManager creates a file registry scheduling on timers and raising events
// on bus.
func NewManager(timers *timer.Manager, bus eventbus.EventBus, opts ...Option) *Manager {
	m := &Manager{
		timers:          timers,
		bus:             bus,
		registry:        analyzer.NewRegistry(),
		classifier:      sniff.NewMagic(),
		timeoutInterval: DefaultTimeoutInterval,
		bofBufferSize:   DefaultBOFBufferSize,
		files:           make(map[string]*File),
		ignored:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Timers returns the scheduler files arm their timers on.
func (m *Manager) Timers() *timer.Manager { return m.timers }

// GetFile returns the file with the given id, creating it on first use. An
// empty id gets a fresh one. conn, when not nil, is recorded on the file.
// Ignored ids yield nil.
func (m *Manager) GetFile(id string, conn *core.ConnInfo, source string, isOrig bool) *File {
	if id == "" {
		id = uuid.NewString()
	}
	if m.IsIgnored(id) {
		return nil
	}

	f, ok := m.files[id]
	if !ok {
		f = newFile(m, id)
		f.source = source
		m.files[id] = f

		for _, spec := range m.defaultAnalyzers {
			if _, err := f.AddAnalyzer(spec.Tag, spec.Args); err != nil {
				slog.Warn("default analyzer not attached", "file_id", id, "analyzer", spec.Tag, "error", err)
			}
		}
		f.ScheduleInactivityTimer()

		metrics.FilesActive.Inc()
		metrics.FilesTotal.WithLabelValues("created").Inc()
		slog.Debug("tracking new file", "file_id", id, "source", source)
	}

	if conn != nil {
		f.UpdateConnection(*conn, isOrig)
	}
	return f
}

// Lookup returns a tracked file or nil.
func (m *Manager) Lookup(id string) *File {
	return m.files[id]
}

func (m *Manager) lookup(id string) (*File, error) {
	f, ok := m.files[id]
	if !ok {
		if m.IsIgnored(id) {
			return nil, fmt.Errorf("file %s: %w", id, core.ErrFileIgnored)
		}
		return nil, fmt.Errorf("file %s: %w", id, core.ErrFileNotFound)
	}
	return f, nil
}

// Len returns the number of tracked files.
func (m *Manager) Len() int { return len(m.files) }

// IDs returns the tracked file ids in sorted order.
func (m *Manager) IDs() []string {
	ids := make([]string, 0, len(m.files))
	for id := range m.files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DataIn feeds a range at offset. A file that becomes complete is removed.
func (m *Manager) DataIn(id string, data []byte, offset uint64) error {
	f, err := m.lookup(id)
	if err != nil {
		return err
	}
	f.DataIn(data, offset)
	m.removeIfComplete(f)
	return nil
}

// StreamIn feeds an in-order chunk. A file that becomes complete is removed.
func (m *Manager) StreamIn(id string, data []byte) error {
	f, err := m.lookup(id)
	if err != nil {
		return err
	}
	f.StreamIn(data)
	m.removeIfComplete(f)
	return nil
}

// Gap reports a range that will never be delivered.
func (m *Manager) Gap(id string, offset, length uint64) error {
	f, err := m.lookup(id)
	if err != nil {
		return err
	}
	f.Gap(offset, length)
	return nil
}

// SetSize records the expected size. A file already holding that much is
// ended and removed.
func (m *Manager) SetSize(id string, n uint64) error {
	f, err := m.lookup(id)
	if err != nil {
		return err
	}
	f.SetTotalBytes(n)
	m.removeIfComplete(f)
	return nil
}

func (m *Manager) removeIfComplete(f *File) {
	if f.IsComplete() {
		m.RemoveFile(f.id)
	}
}

// EndOfFile runs the terminal sequence of a file and stops tracking it.
func (m *Manager) EndOfFile(id string) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}
	m.RemoveFile(id)
	return nil
}

// RemoveFile ends and forgets a file. It reports whether the file was
// tracked.
func (m *Manager) RemoveFile(id string) bool {
	f, ok := m.files[id]
	if !ok {
		return false
	}
	f.EndOfFile()
	// A handler of file_state_remove may already have removed it.
	if m.files[id] != f {
		return true
	}
	delete(m.files, id)
	delete(m.ignored, id)
	f.release()

	metrics.FilesActive.Dec()
	metrics.FilesTotal.WithLabelValues("removed").Inc()
	return true
}

// IgnoreFile stops events for a file and makes GetFile refuse its id. The
// file stays tracked until it times out.
func (m *Manager) IgnoreFile(id string) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}
	m.ignored[id] = struct{}{}
	metrics.FilesTotal.WithLabelValues("ignored").Inc()
	return nil
}

// IsIgnored reports whether events of id are suppressed.
func (m *Manager) IsIgnored(id string) bool {
	_, ok := m.ignored[id]
	return ok
}

// SetTimeoutInterval changes a file's inactivity timeout.
func (m *Manager) SetTimeoutInterval(id string, d time.Duration) error {
	f, err := m.lookup(id)
	if err != nil {
		return err
	}
	f.SetTimeoutInterval(d)
	return nil
}

// PostponeTimeout keeps a file alive past the timeout being handled. It only
// has an effect from a file_timeout handler and is refused at shutdown.
func (m *Manager) PostponeTimeout(id string) error {
	f, err := m.lookup(id)
	if err != nil {
		return err
	}
	if m.terminating {
		return fmt.Errorf("postpone %s: %w", id, core.ErrFileDone)
	}
	f.postponeTimeout = true
	return nil
}

// AddAnalyzer queues an analyzer on a file.
func (m *Manager) AddAnalyzer(id string, tag analyzer.Tag, args analyzer.Args) (bool, error) {
	f, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	return f.AddAnalyzer(tag, args)
}

// RemoveAnalyzer queues removal of an analyzer from a file.
func (m *Manager) RemoveAnalyzer(id string, tag analyzer.Tag, args analyzer.Args) (bool, error) {
	f, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	return f.RemoveAnalyzer(tag, args), nil
}

// inactivityExpired is the action of a file's inactivity timer.
func (m *Manager) inactivityExpired(id string, now time.Time, final bool) {
	f, ok := m.files[id]
	if !ok {
		return
	}

	var idle time.Duration
	if now.After(f.lastActive) {
		idle = now.Sub(f.lastActive)
	}
	if idle >= f.timeoutInterval {
		m.Timeout(id, final)
		return
	}
	if !final {
		f.ScheduleInactivityTimer()
	}
}

// Timeout raises file_timeout for a file. Unless a handler postponed it (and
// the engine is not shutting down) the file is then ended and removed.
func (m *Manager) Timeout(id string, terminating bool) {
	f, ok := m.files[id]
	if !ok {
		return
	}

	f.postponeTimeout = false
	f.fileEvent(eventbus.FileTimeout, nil)

	if f.postponeTimeout && !terminating {
		slog.Debug("file timeout postponed", "file_id", id)
		f.touch()
		f.ScheduleInactivityTimer()
		return
	}

	metrics.FilesTotal.WithLabelValues("timeout").Inc()
	m.RemoveFile(id)
}

// Terminate times out every tracked file. Postponement is refused.
func (m *Manager) Terminate() {
	m.terminating = true
	defer func() { m.terminating = false }()

	for _, id := range m.IDs() {
		m.Timeout(id, true)
	}
}
