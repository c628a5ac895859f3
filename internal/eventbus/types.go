package eventbus

import (
	"time"

	"firestige.xyz/filetrace/internal/core"
)

// Event names raised by the file tracking core.
const (
	FileNew               = "file_new"
	FileOverNewConnection = "file_over_new_connection"
	FileGap               = "file_gap"
	FileStateRemove       = "file_state_remove"
	FileTimeout           = "file_timeout"
	FileExtractionLimit   = "file_extraction_limit"
	FileHash              = "file_hash"
)

// Event is one notification about a file.
type Event struct {
	Name   string
	Time   time.Time
	File   core.FileInfo  // snapshot at emission time
	Fields map[string]any // event-specific arguments
}

// Handler reacts to an event. Handlers run synchronously on the engine loop
// and may call back into the file the event is about.
type Handler func(ev *Event)

// Sink receives every drained event, after the handlers.
type Sink interface {
	Name() string
	Publish(ev *Event) error
	Close() error
}

// Stats 统计信息
type Stats struct {
	QueuedCount    int64
	ProcessedCount int64
	SinkErrors     int64
	Pending        int
}
