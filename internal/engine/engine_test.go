package engine

import (
	"context"
	"io"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/filetrace/internal/analyzer"
	"firestige.xyz/filetrace/internal/core"
	"firestige.xyz/filetrace/internal/eventbus"
	"firestige.xyz/filetrace/internal/files"
	"firestige.xyz/filetrace/internal/source/pcap"
	"firestige.xyz/filetrace/internal/timer"
)

var epoch = time.Unix(1_700_000_000, 0)

func at(sec float64) time.Time {
	return epoch.Add(time.Duration(sec * float64(time.Second)))
}

var (
	client = netip.MustParseAddr("10.0.0.1")
	server = netip.MustParseAddr("10.0.0.2")
)

func tcpKey() core.ConnKey {
	return core.ConnKey{OrigIP: client, OrigPort: 40000, RespIP: server, RespPort: 80, Proto: core.ProtoTCP}
}

func udpKey() core.ConnKey {
	return core.ConnKey{OrigIP: client, OrigPort: 5353, RespIP: server, RespPort: 69, Proto: core.ProtoUDP}
}

type testEnv struct {
	eng    *Engine
	fs     afero.Fs
	bus    *eventbus.InMemoryEventBus
	files  *files.Manager
	events []*eventbus.Event
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{fs: afero.NewMemMapFs(), bus: eventbus.New()}

	timers := timer.NewManager()
	timers.Advance(epoch, 0)

	reg := analyzer.NewBuiltinRegistry(analyzer.BuiltinOptions{Fs: env.fs, ExtractDir: "/out"})
	env.files = files.NewManager(timers, env.bus,
		files.WithRegistry(reg),
		files.WithDefaultAnalyzers(files.AnalyzerSpec{Tag: analyzer.TagExtract}),
	)
	for _, name := range []string{eventbus.FileNew, eventbus.FileStateRemove, eventbus.FileTimeout} {
		env.bus.Subscribe(name, func(ev *eventbus.Event) { env.events = append(env.events, ev) })
	}
	env.eng = New(Config{ConnInactivityTimeout: 10 * time.Second}, timers, env.files, env.bus)
	return env
}

func (env *testEnv) removed() []core.FileInfo {
	var out []core.FileInfo
	for _, ev := range env.events {
		if ev.Name == eventbus.FileStateRemove {
			out = append(out, ev.File)
		}
	}
	return out
}

func (env *testEnv) extracted(t *testing.T, id string) string {
	t.Helper()
	out, err := afero.ReadFile(env.fs, filepath.Join("/out", "extract-"+id))
	require.NoError(t, err)
	return string(out)
}

func TestEngine_TCPReordersPayload(t *testing.T) {
	env := newEnv(t)
	k := tcpKey()

	env.eng.HandleSegment(pcap.Segment{Time: at(0), Key: k, Seq: 1000, SYN: true})
	env.eng.HandleSegment(pcap.Segment{Time: at(1), Key: k, Seq: 1006, ACK: true, Payload: []byte("world")})
	env.eng.HandleSegment(pcap.Segment{Time: at(2), Key: k, Seq: 1001, ACK: true, Payload: []byte("hello")})
	assert.Equal(t, 1, env.files.Len())

	env.eng.HandleSegment(pcap.Segment{Time: at(3), Key: k, Seq: 1011, ACK: true, FIN: true})
	assert.Zero(t, env.files.Len())

	removed := env.removed()
	require.Len(t, removed, 1)
	f := removed[0]
	assert.Equal(t, uint64(10), f.SeenBytes)
	assert.True(t, f.IsOrig)
	assert.Equal(t, "TCP", f.Source)
	assert.Equal(t, []core.ConnKey{k}, f.Conns)
	assert.Equal(t, "helloworld", env.extracted(t, f.ID))
}

func TestEngine_DirectionsGetSeparateFiles(t *testing.T) {
	env := newEnv(t)
	k := tcpKey()

	env.eng.HandleSegment(pcap.Segment{Time: at(0), Key: k, Seq: 10, SYN: true})
	env.eng.HandleSegment(pcap.Segment{Time: at(0), Key: k.Reverse(), Seq: 500, SYN: true, ACK: true})
	env.eng.HandleSegment(pcap.Segment{Time: at(1), Key: k, Seq: 11, ACK: true, Payload: []byte("GET /")})
	env.eng.HandleSegment(pcap.Segment{Time: at(2), Key: k.Reverse(), Seq: 501, ACK: true, Payload: []byte("200 OK")})
	assert.Equal(t, 2, env.files.Len())
	assert.Equal(t, 1, env.eng.Stats().Flows)

	env.eng.HandleSegment(pcap.Segment{Time: at(3), Key: k.Reverse(), Seq: 507, RST: true})
	assert.Zero(t, env.files.Len())

	removed := env.removed()
	require.Len(t, removed, 2)
	byDir := map[bool]core.FileInfo{}
	for _, f := range removed {
		byDir[f.IsOrig] = f
	}
	assert.Equal(t, "GET /", env.extracted(t, byDir[true].ID))
	assert.Equal(t, "200 OK", env.extracted(t, byDir[false].ID))
}

func TestEngine_SynAckFirstIsResponder(t *testing.T) {
	env := newEnv(t)
	k := tcpKey()

	env.eng.HandleSegment(pcap.Segment{Time: at(0), Key: k.Reverse(), Seq: 700, SYN: true, ACK: true})
	env.eng.HandleSegment(pcap.Segment{Time: at(1), Key: k.Reverse(), Seq: 701, ACK: true, Payload: []byte("x")})
	env.eng.Shutdown()

	removed := env.removed()
	require.Len(t, removed, 1)
	assert.False(t, removed[0].IsOrig)
	assert.Equal(t, []core.ConnKey{k}, removed[0].Conns)
}

func TestEngine_MidstreamPickup(t *testing.T) {
	env := newEnv(t)
	k := tcpKey()

	env.eng.HandleSegment(pcap.Segment{Time: at(0), Key: k, Seq: 5000, ACK: true, Payload: []byte("abc")})
	env.eng.HandleSegment(pcap.Segment{Time: at(0), Key: k, Seq: 5003, ACK: true, Payload: []byte("def")})
	env.eng.HandleSegment(pcap.Segment{Time: at(1), Key: k, Seq: 5006, FIN: true})

	removed := env.removed()
	require.Len(t, removed, 1)
	assert.Equal(t, "abcdef", env.extracted(t, removed[0].ID))
	assert.Zero(t, removed[0].MissingBytes)
}

func TestEngine_DataAfterFINIsDropped(t *testing.T) {
	env := newEnv(t)
	k := tcpKey()

	env.eng.HandleSegment(pcap.Segment{Time: at(0), Key: k, Seq: 1, SYN: true})
	env.eng.HandleSegment(pcap.Segment{Time: at(0), Key: k, Seq: 2, FIN: true, Payload: []byte("bye")})
	env.eng.HandleSegment(pcap.Segment{Time: at(1), Key: k, Seq: 2, Payload: []byte("bye")})

	assert.Zero(t, env.files.Len())
	assert.Len(t, env.removed(), 1)
}

func TestEngine_UDPStreamAndFlowInactivity(t *testing.T) {
	env := newEnv(t)
	k := udpKey()

	env.eng.HandleSegment(pcap.Segment{Time: at(0), Key: k, Payload: []byte("one,")})
	env.eng.HandleSegment(pcap.Segment{Time: at(4), Key: k, Payload: []byte("two")})
	require.Equal(t, 1, env.files.Len())

	// Last activity at 4: the timer due at 10 re-arms for 14.
	env.eng.Process(at(10))
	assert.Equal(t, 1, env.eng.Stats().Flows)

	env.eng.Process(at(14))
	assert.Zero(t, env.eng.Stats().Flows)
	assert.Zero(t, env.files.Len())

	removed := env.removed()
	require.Len(t, removed, 1)
	assert.Equal(t, "UDP", removed[0].Source)
	assert.Equal(t, "one,two", env.extracted(t, removed[0].ID))
}

type sliceSource struct {
	segs []pcap.Segment
}

func (s *sliceSource) Next() (pcap.Segment, error) {
	if len(s.segs) == 0 {
		return pcap.Segment{}, io.EOF
	}
	seg := s.segs[0]
	s.segs = s.segs[1:]
	return seg, nil
}

func TestEngine_RunAndShutdown(t *testing.T) {
	env := newEnv(t)
	k := tcpKey()
	src := &sliceSource{segs: []pcap.Segment{
		{Time: at(0), Key: k, Seq: 1, SYN: true},
		{Time: at(1), Key: k, Seq: 2, Payload: []byte("open")},
		{Time: at(2), Key: udpKey(), Payload: []byte("dgram")},
	}}

	require.NoError(t, env.eng.Run(context.Background(), src))
	st := env.eng.Stats()
	assert.Equal(t, uint64(3), st.Segments)
	assert.Equal(t, 2, st.Flows)
	assert.Equal(t, 2, st.Files)
	assert.Positive(t, st.TimersPending)

	env.eng.Shutdown()
	st = env.eng.Stats()
	assert.Zero(t, st.Flows)
	assert.Zero(t, st.Files)
	assert.Zero(t, st.TimersPending)
	assert.Len(t, env.removed(), 2)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	env := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &sliceSource{segs: []pcap.Segment{{Time: at(0), Key: udpKey(), Payload: []byte("x")}}}
	assert.ErrorIs(t, env.eng.Run(ctx, src), context.Canceled)
	assert.Zero(t, env.eng.Stats().Segments)
}
