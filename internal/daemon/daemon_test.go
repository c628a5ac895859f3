package daemon

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/filetrace/internal/config"
	"firestige.xyz/filetrace/internal/core"
)

func testConfig(t *testing.T) *config.GlobalConfig {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Log.Level = "error"
	cfg.Events.Log = false
	cfg.Files.Extract.Dir = t.TempDir()
	return cfg
}

func writeTCPCapture(t *testing.T, payloads ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	base := time.Unix(1_700_000_000, 0)
	seq := uint32(1000)
	write := func(i int, tcp *layers.TCP, payload string) {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
			SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		tcp.SrcPort, tcp.DstPort, tcp.Window = 40000, 80, 14600
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))
		ci := gopacket.CaptureInfo{Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}
		require.NoError(t, w.WritePacket(ci, buf.Bytes()))
	}

	write(0, &layers.TCP{Seq: seq, SYN: true}, "")
	seq++
	for i, p := range payloads {
		write(i+1, &layers.TCP{Seq: seq, ACK: true, PSH: true}, p)
		seq += uint32(len(p))
	}
	write(len(payloads)+1, &layers.TCP{Seq: seq, ACK: true, FIN: true}, "")
	return path
}

func TestDaemon_ReplayExtractsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Files.DefaultAnalyzers = []config.AnalyzerConfig{
		{Tag: "extract"},
		{Tag: "hash", Args: map[string]any{"kind": "sha1"}},
	}
	capture := writeTCPCapture(t, "GET / HTTP/1.1\r\n", "Host: example\r\n\r\n")

	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	require.NoError(t, d.Replay(capture))
	d.Stop()

	matches, err := filepath.Glob(filepath.Join(cfg.Files.Extract.Dir, "extract-*"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\nHost: example\r\n\r\n", string(data))

	st := d.Engine().Stats()
	assert.Equal(t, uint64(4), st.Segments)
	assert.Zero(t, st.Files)
	assert.Zero(t, st.Flows)
	assert.Positive(t, st.EventsProcessed)
}

func TestDaemon_UnknownDefaultAnalyzer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Files.DefaultAnalyzers = []config.AnalyzerConfig{{Tag: "x509"}}

	_, err := New(cfg)
	assert.ErrorIs(t, err, core.ErrAnalyzerNotFound)
}

func TestDaemon_NATSUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.NATS.Enabled = true
	cfg.Events.NATS.URL = "nats://127.0.0.1:1"

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestDaemon_MissingCapture(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)
	defer d.Stop()

	assert.Error(t, d.Replay(filepath.Join(t.TempDir(), "absent.pcap")))
}
