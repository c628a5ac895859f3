package files

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firestige.xyz/filetrace/internal/analyzer"
	"firestige.xyz/filetrace/internal/eventbus"
	"firestige.xyz/filetrace/internal/sniff"
	"firestige.xyz/filetrace/internal/timer"
)

const tagRec analyzer.Tag = "rec"

var epoch = time.Unix(1_700_000_000, 0)

func at(sec float64) time.Time {
	return epoch.Add(time.Duration(sec * float64(time.Second)))
}

// recording is what one rec analyzer instance saw.
type recording struct {
	stream  []byte
	chunks  []uint64 // offsets passed to DeliverChunk
	holes   [][2]uint64
	eofs    int
	done    bool
	calls   int
	failOn  int // fail the nth stream delivery, 1-based; 0 never
	onFirst func(a *recAnalyzer)
}

type recAnalyzer struct {
	analyzer.Base
	rec *recording
}

func (a *recAnalyzer) DeliverStream(data []byte) bool {
	a.rec.calls++
	if a.rec.calls == 1 && a.rec.onFirst != nil {
		a.rec.onFirst(a)
	}
	a.rec.stream = append(a.rec.stream, data...)
	return a.rec.failOn == 0 || a.rec.calls < a.rec.failOn
}

func (a *recAnalyzer) DeliverChunk(_ []byte, offset uint64) bool {
	a.rec.chunks = append(a.rec.chunks, offset)
	return true
}

func (a *recAnalyzer) Undelivered(offset, length uint64) bool {
	a.rec.holes = append(a.rec.holes, [2]uint64{offset, length})
	return true
}

func (a *recAnalyzer) EndOfFile() bool {
	a.rec.eofs++
	return true
}

func (a *recAnalyzer) Done() { a.rec.done = true }

// harness wires a scheduler, a bus and a file registry with a rec analyzer
// factory whose instances are looked up by their "name" argument.
type harness struct {
	t      *testing.T
	timers *timer.Manager
	bus    *eventbus.InMemoryEventBus
	mgr    *Manager
	recs   map[string]*recording
	events []*eventbus.Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	h := &harness{
		t:      t,
		timers: timer.NewManager(),
		bus:    eventbus.New(),
		recs:   make(map[string]*recording),
	}
	h.timers.Advance(epoch, 0)

	reg := analyzer.NewRegistry()
	require.NoError(t, reg.Register(tagRec, func(args analyzer.Args, host analyzer.Host) (analyzer.Analyzer, error) {
		name, _ := args["name"].(string)
		rec, ok := h.recs[name]
		if !ok {
			rec = &recording{}
			h.recs[name] = rec
		}
		return &recAnalyzer{Base: analyzer.NewBase(tagRec, args, host), rec: rec}, nil
	}))

	for _, name := range []string{
		eventbus.FileNew, eventbus.FileOverNewConnection, eventbus.FileGap,
		eventbus.FileStateRemove, eventbus.FileTimeout, eventbus.FileExtractionLimit,
		eventbus.FileHash,
	} {
		h.bus.Subscribe(name, func(ev *eventbus.Event) { h.events = append(h.events, ev) })
	}

	base := []Option{
		WithRegistry(reg),
		WithClassifier(sniff.Func(func(data []byte) string {
			if len(data) == 0 {
				return ""
			}
			return "text/x-" + string(data[:1])
		})),
		WithTimeoutInterval(5 * time.Second),
		WithBOFBufferSize(8),
	}
	h.mgr = NewManager(h.timers, h.bus, append(base, opts...)...)
	return h
}

// file creates a file with rec analyzers of the given names attached.
func (h *harness) file(id string, names ...string) *File {
	f := h.mgr.GetFile(id, nil, "TEST", true)
	require.NotNil(h.t, f)
	for _, n := range names {
		h.rec(n)
		ok, err := f.AddAnalyzer(tagRec, analyzer.Args{"name": n})
		require.NoError(h.t, err)
		require.True(h.t, ok)
	}
	return f
}

func (h *harness) rec(name string) *recording {
	if r, ok := h.recs[name]; ok {
		return r
	}
	r := &recording{}
	h.recs[name] = r
	return r
}

// names drains the bus, as the host loop would, and lists every event seen.
func (h *harness) names() []string {
	h.bus.Drain()
	out := make([]string, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Name
	}
	return out
}

func (h *harness) count(name string) int {
	h.bus.Drain()
	n := 0
	for _, ev := range h.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}
