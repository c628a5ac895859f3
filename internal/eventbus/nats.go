package eventbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/serialx/hashring"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Headers set on every published message.
const (
	HeaderEvent  = "Filetrace-Event"
	HeaderFileID = "Filetrace-File-Id"
)

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Partitions    int
}

// NATSSink publishes events to NATS. All events of one file go to the same
// partition subject so a consumer group sees them in order.
type NATSSink struct {
	nc             *nats.Conn
	prefix         string
	hashRing       *hashring.HashRing // 一致性哈希环
	partitionNodes []string
}

// NewNATSSink connects to cfg.URL and returns a sink.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("filetrace"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	slog.Info("connected to NATS", "url", cfg.URL, "partitions", cfg.Partitions)
	return newNATSSink(nc, cfg), nil
}

func newNATSSink(nc *nats.Conn, cfg NATSConfig) *NATSSink {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "filetrace.events"
	}

	nodes := make([]string, cfg.Partitions)
	for i := range nodes {
		nodes[i] = fmt.Sprintf("p%d", i)
	}
	return &NATSSink{
		nc:             nc,
		prefix:         cfg.SubjectPrefix,
		hashRing:       hashring.New(nodes),
		partitionNodes: nodes,
	}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject events of fileID are published on.
func (s *NATSSink) Subject(fileID string) string {
	node, ok := s.hashRing.GetNode(fileID)
	if !ok {
		node = s.partitionNodes[0]
	}
	return s.prefix + "." + node
}

func (s *NATSSink) Publish(ev *Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(s.Subject(ev.File.ID))
	msg.Header.Set(HeaderEvent, ev.Name)
	msg.Header.Set(HeaderFileID, ev.File.ID)
	msg.Data = data
	return s.nc.PublishMsg(msg)
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

// Encode serializes ev as a protobuf Struct.
func Encode(ev *Event) ([]byte, error) {
	st, err := structpb.NewStruct(eventMap(ev))
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.Name, err)
	}
	return proto.Marshal(st)
}

// Decode is the inverse of Encode, for consumers and tests.
func Decode(data []byte) (map[string]any, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}

func eventMap(ev *Event) map[string]any {
	f := ev.File
	conns := make([]any, 0, len(f.Conns))
	for _, c := range f.Conns {
		conns = append(conns, c.String())
	}
	analyzers := make([]any, 0, len(f.Analyzers))
	for _, a := range f.Analyzers {
		analyzers = append(analyzers, a)
	}

	file := map[string]any{
		"id":               f.ID,
		"source":           f.Source,
		"is_orig":          f.IsOrig,
		"conns":            conns,
		"last_active":      timestampValue(f.LastActive),
		"seen_bytes":       f.SeenBytes,
		"missing_bytes":    f.MissingBytes,
		"overflow_bytes":   f.OverflowBytes,
		"timeout_interval": f.TimeoutInterval.Seconds(),
		"bof_buffer_size":  f.BOFBufferSize,
		"analyzers":        analyzers,
		"done":             f.Done,
	}
	if f.ParentID != "" {
		file["parent_id"] = f.ParentID
	}
	if f.HasTotal {
		file["total_bytes"] = f.TotalBytes
	}
	if f.MIMEType != "" {
		file["mime_type"] = f.MIMEType
	}

	fields := make(map[string]any, len(ev.Fields))
	for k, v := range ev.Fields {
		fields[k] = normalize(v)
	}

	return map[string]any{
		"name":   ev.Name,
		"time":   timestampValue(ev.Time),
		"file":   file,
		"fields": fields,
	}
}

// timestampValue renders t the way google.protobuf.Timestamp is laid out.
func timestampValue(t time.Time) map[string]any {
	ts := timestamppb.New(t)
	return map[string]any{
		"seconds": ts.GetSeconds(),
		"nanos":   ts.GetNanos(),
	}
}

// normalize converts values structpb cannot represent directly.
func normalize(v any) any {
	switch x := v.(type) {
	case time.Duration:
		return x.Seconds()
	case time.Time:
		return timestampValue(x)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case nil, bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
