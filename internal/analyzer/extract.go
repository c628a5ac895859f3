package analyzer

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"firestige.xyz/filetrace/internal/eventbus"
)

// TagExtract writes file content to storage.
const TagExtract Tag = "extract"

// ExtractConfig is the argument record of the extract analyzer.
type ExtractConfig struct {
	Filename string `mapstructure:"filename"`
	Limit    uint64 `mapstructure:"limit"`
}

// Extract writes the stream of a file to a file on an afero.Fs, capped at a
// byte limit that handlers of file_extraction_limit may raise.
type Extract struct {
	Base
	fs    afero.Fs
	path  string
	out   afero.File
	limit uint64
	depth uint64
}

// NewExtractFactory returns a factory writing under dir. defaultLimit applies
// when the args carry no limit.
func NewExtractFactory(fs afero.Fs, dir string, defaultLimit uint64) Factory {
	return func(args Args, host Host) (Analyzer, error) {
		var cfg ExtractConfig
		if err := DecodeArgs(args, &cfg); err != nil {
			return nil, err
		}
		if cfg.Filename == "" {
			cfg.Filename = "extract-" + host.ID()
		}
		if cfg.Limit == 0 {
			cfg.Limit = defaultLimit
		}

		if dir != "" {
			if err := fs.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create extraction dir %q: %w", dir, err)
			}
		}
		path := filepath.Join(dir, filepath.Base(cfg.Filename))
		out, err := fs.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create extraction file %q: %w", path, err)
		}

		return &Extract{
			Base:  NewBase(TagExtract, args, host),
			fs:    fs,
			path:  path,
			out:   out,
			limit: cfg.Limit,
		}, nil
	}
}

// Path returns where the content is written.
func (e *Extract) Path() string { return e.path }

// Limit returns the current byte cap (0 = unlimited).
func (e *Extract) Limit() uint64 { return e.limit }

// SetLimit changes the byte cap.
func (e *Extract) SetLimit(n uint64) { e.limit = n }

// Written returns the number of bytes written so far.
func (e *Extract) Written() uint64 { return e.depth }

// exceeded reports whether writing n more bytes crosses the limit and how many
// of them still fit.
func (e *Extract) exceeded(n uint64) (bool, uint64) {
	switch {
	case e.limit == 0:
		return false, n
	case e.depth >= e.limit:
		return true, 0
	case e.depth+n > e.limit:
		return true, e.limit - e.depth
	default:
		return false, n
	}
}

func (e *Extract) DeliverStream(data []byte) bool {
	if e.out == nil {
		return false
	}

	n := uint64(len(data))
	over, towrite := e.exceeded(n)
	if over {
		e.Host().Emit(eventbus.FileExtractionLimit, map[string]any{
			"analyzer": string(TagExtract),
			"args":     map[string]any(e.Args()),
			"limit":    e.limit,
			"offset":   e.depth,
			"length":   n,
		})
		// A handler may have raised the limit.
		over, towrite = e.exceeded(n)
	}

	if towrite > 0 {
		if _, err := e.out.Write(data[:towrite]); err != nil {
			slog.Error("extraction write failed", "file_id", e.Host().ID(), "path", e.path, "error", err)
			return false
		}
		e.depth += towrite
	}
	return !over
}

// Undelivered fills the hole with zeros so later bytes keep their offsets.
func (e *Extract) Undelivered(_, length uint64) bool {
	if e.out == nil {
		return false
	}
	_, towrite := e.exceeded(length)
	if towrite == 0 {
		return true
	}
	if _, err := e.out.Write(make([]byte, towrite)); err != nil {
		slog.Error("extraction gap fill failed", "file_id", e.Host().ID(), "path", e.path, "error", err)
		return false
	}
	e.depth += towrite
	return true
}

func (e *Extract) EndOfFile() bool {
	e.close()
	return true
}

func (e *Extract) Done() { e.close() }

func (e *Extract) close() {
	if e.out == nil {
		return
	}
	if err := e.out.Close(); err != nil {
		slog.Warn("extraction close failed", "path", e.path, "error", err)
	}
	e.out = nil
}
