// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
	"time"
)

// Transport protocol numbers carried in ConnKey.Proto.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// ConnKey identifies a connection by its 5-tuple, oriented from the originator.
type ConnKey struct {
	OrigIP   netip.Addr
	OrigPort uint16
	RespIP   netip.Addr
	RespPort uint16
	Proto    uint8
}

// Reverse returns the key seen from the responder side.
func (k ConnKey) Reverse() ConnKey {
	return ConnKey{
		OrigIP:   k.RespIP,
		OrigPort: k.RespPort,
		RespIP:   k.OrigIP,
		RespPort: k.OrigPort,
		Proto:    k.Proto,
	}
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%s -> %s/%s",
		netip.AddrPortFrom(k.OrigIP, k.OrigPort),
		netip.AddrPortFrom(k.RespIP, k.RespPort),
		protoName(k.Proto))
}

func protoName(p uint8) string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto-%d", p)
	}
}

// ConnInfo is the connection record attached to a file when the file is seen
// over that connection.
type ConnInfo struct {
	Key       ConnKey
	UID       string
	StartTime time.Time
}

// FileInfo is an attribute snapshot of a tracked file. Events carry it by
// value so handlers observe the state at emission time.
type FileInfo struct {
	ID              string
	ParentID        string
	Source          string
	IsOrig          bool
	Conns           []ConnKey
	LastActive      time.Time
	SeenBytes       uint64
	TotalBytes      uint64 // valid only when HasTotal
	HasTotal        bool
	MissingBytes    uint64
	OverflowBytes   uint64
	TimeoutInterval time.Duration
	BOFBufferSize   uint64
	BOFBuffer       []byte
	MIMEType        string
	Analyzers       []string
	Done            bool
}
