package eventbus

import (
	"context"
	"log/slog"
)

// LogSink writes events to a slog logger.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(ev *Event) error {
	attrs := []any{
		"event", ev.Name,
		"file_id", ev.File.ID,
		"seen_bytes", ev.File.SeenBytes,
		"missing_bytes", ev.File.MissingBytes,
		"overflow_bytes", ev.File.OverflowBytes,
	}
	if ev.File.MIMEType != "" {
		attrs = append(attrs, "mime_type", ev.File.MIMEType)
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(context.Background(), s.level, "file event", attrs...)
	return nil
}

func (s *LogSink) Close() error { return nil }
