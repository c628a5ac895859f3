// Package pcap replays capture files as transport payload segments.
package pcap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/filetrace/internal/core"
)

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Segment is one TCP or UDP packet as seen on the wire, src to dst.
type Segment struct {
	Time    time.Time
	Key     core.ConnKey // oriented from the sender of this packet
	Seq     uint32
	SYN     bool
	ACK     bool
	FIN     bool
	RST     bool
	Payload []byte
}

// Stats counts what the source read.
type Stats struct {
	Packets  uint64
	Segments uint64
	Skipped  uint64
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source reads a pcap or pcapng stream. Not safe for concurrent use.
type Source struct {
	r      packetReader
	closer io.Closer

	parser  *gopacket.DecodingLayerParser
	parser6 *gopacket.DecodingLayerParser // raw links carrying IPv6
	eth     layers.Ethernet
	sll     layers.LinuxSLL
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType
	raw     bool // link type carries bare IP packets

	stats Stats
}

// Open opens a capture file.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	s, err := NewSource(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	s.closer = f
	return s, nil
}

// NewSource reads capture data from r, detecting pcap or pcapng by magic.
func NewSource(r io.Reader) (*Source, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(ngMagic))
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var pr packetReader
	if bytes.Equal(magic, ngMagic) {
		pr, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		pr, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	s := &Source{r: pr}
	var first gopacket.LayerType
	switch lt := pr.LinkType(); lt {
	case layers.LinkTypeEthernet:
		first = layers.LayerTypeEthernet
	case layers.LinkTypeLinuxSLL:
		first = layers.LayerTypeLinuxSLL
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		first = layers.LayerTypeIPv4
		s.raw = true
	default:
		return nil, fmt.Errorf("link type %s: %w", lt, core.ErrUnsupportedLink)
	}

	s.parser = s.newParser(first)
	if s.raw {
		s.parser6 = s.newParser(layers.LayerTypeIPv6)
	}
	return s, nil
}

func (s *Source) newParser(first gopacket.LayerType) *gopacket.DecodingLayerParser {
	p := gopacket.NewDecodingLayerParser(first,
		&s.eth, &s.sll, &s.ip4, &s.ip6, &s.tcp, &s.udp, &s.payload)
	p.IgnoreUnsupported = true
	return p
}

// Next returns the next TCP or UDP segment. Other packets are skipped. It
// returns io.EOF at the end of the capture.
func (s *Source) Next() (Segment, error) {
	for {
		data, ci, err := s.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Segment{}, io.EOF
			}
			return Segment{}, fmt.Errorf("read packet: %w", err)
		}
		s.stats.Packets++

		seg, ok := s.decode(data, ci)
		if !ok {
			s.stats.Skipped++
			continue
		}
		s.stats.Segments++
		return seg, nil
	}
}

func (s *Source) decode(data []byte, ci gopacket.CaptureInfo) (Segment, bool) {
	parser := s.parser
	if s.raw && len(data) > 0 && data[0]>>4 == 6 {
		parser = s.parser6
	}

	s.decoded = s.decoded[:0]
	if err := parser.DecodeLayers(data, &s.decoded); err != nil {
		slog.Debug("skipping undecodable packet", "time", ci.Timestamp, "error", err)
		return Segment{}, false
	}

	seg := Segment{Time: ci.Timestamp}
	var src, dst netip.Addr
	haveIP, haveL4 := false, false

	for _, lt := range s.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			if s.ip4.Flags&layers.IPv4MoreFragments != 0 || s.ip4.FragOffset != 0 {
				return Segment{}, false
			}
			src, _ = netip.AddrFromSlice(s.ip4.SrcIP.To4())
			dst, _ = netip.AddrFromSlice(s.ip4.DstIP.To4())
			haveIP = true
		case layers.LayerTypeIPv6:
			src, _ = netip.AddrFromSlice(s.ip6.SrcIP)
			dst, _ = netip.AddrFromSlice(s.ip6.DstIP)
			haveIP = true
		case layers.LayerTypeTCP:
			seg.Key = core.ConnKey{
				OrigPort: uint16(s.tcp.SrcPort),
				RespPort: uint16(s.tcp.DstPort),
				Proto:    core.ProtoTCP,
			}
			seg.Seq = s.tcp.Seq
			seg.SYN, seg.ACK, seg.FIN, seg.RST = s.tcp.SYN, s.tcp.ACK, s.tcp.FIN, s.tcp.RST
			seg.Payload = bytes.Clone(s.tcp.Payload)
			haveL4 = true
		case layers.LayerTypeUDP:
			seg.Key = core.ConnKey{
				OrigPort: uint16(s.udp.SrcPort),
				RespPort: uint16(s.udp.DstPort),
				Proto:    core.ProtoUDP,
			}
			seg.Payload = bytes.Clone(s.udp.Payload)
			haveL4 = true
		}
	}
	if !haveIP || !haveL4 {
		return Segment{}, false
	}
	seg.Key.OrigIP = src
	seg.Key.RespIP = dst
	return seg, true
}

// Stats returns read counters.
func (s *Source) Stats() Stats { return s.stats }

// Close releases the underlying file, if any.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}
