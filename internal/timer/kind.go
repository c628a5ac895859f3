package timer

import "fmt"

// Kind tags the callback semantics of a timer. The set is closed.
type Kind uint8

const (
	BackdoorTimer Kind = iota
	BreakpointTimer
	ConnectionDeleteTimer
	ConnectionExpireTimer
	ConnectionInactivityTimer
	ConnectionStatusUpdateTimer
	ConnTupleWeirdTimer
	DNSExpireTimer
	FileAnalysisInactivityTimer
	FlowWeirdTimer
	FragTimer
	InterconnTimer
	IPTunnelInactivityTimer
	NetbiosExpireTimer
	NetWeirdTimer
	NetworkTimer
	NTPExpireTimer
	ProfileTimer
	RotateTimer
	RemoveConnection
	RPCExpireTimer
	ScheduleTimer
	TableValTimer
	TCPConnectionAttemptTimer
	TCPConnectionDeleteTimer
	TCPConnectionExpireTimer
	TCPConnectionPartialClose
	TCPConnectionResetTimer
	TriggerTimer
	ParentProcessIDCheck
	TimerMgrExpireTimer
	ThreadHeartbeat
	UnknownProtocolExpire

	// NumKinds is the number of timer kinds; keep last.
	NumKinds
)

// Same order as the constants above.
var kindNames = [NumKinds]string{
	"BackdoorTimer",
	"BreakpointTimer",
	"ConnectionDeleteTimer",
	"ConnectionExpireTimer",
	"ConnectionInactivityTimer",
	"ConnectionStatusUpdateTimer",
	"ConnTupleWeirdTimer",
	"DNSExpireTimer",
	"FileAnalysisInactivityTimer",
	"FlowWeirdTimer",
	"FragTimer",
	"InterconnTimer",
	"IPTunnelInactivityTimer",
	"NetbiosExpireTimer",
	"NetWeirdTimer",
	"NetworkTimer",
	"NTPExpireTimer",
	"ProfileTimer",
	"RotateTimer",
	"RemoveConnection",
	"RPCExpireTimer",
	"ScheduleTimer",
	"TableValTimer",
	"TCPConnectionAttemptTimer",
	"TCPConnectionDeleteTimer",
	"TCPConnectionExpireTimer",
	"TCPConnectionPartialClose",
	"TCPConnectionResetTimer",
	"TriggerTimer",
	"ParentProcessIDCheck",
	"TimerMgrExpireTimer",
	"ThreadHeartbeat",
	"UnknownProtocolExpire",
}

func (k Kind) String() string {
	if k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}
