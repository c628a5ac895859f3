package analyzer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"firestige.xyz/filetrace/internal/core"
)

// Factory constructs an analyzer for a file.
type Factory func(args Args, host Host) (Analyzer, error)

// Registry maps analyzer tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Tag]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Tag]Factory)}
}

// Register adds a factory for tag.
func (r *Registry) Register(tag Tag, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[tag]; exists {
		return fmt.Errorf("analyzer %q: %w", tag, core.ErrAnalyzerExists)
	}
	r.factories[tag] = f
	return nil
}

// New instantiates the analyzer registered under tag.
func (r *Registry) New(tag Tag, args Args, host Host) (Analyzer, error) {
	r.mu.RLock()
	f, ok := r.factories[tag]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("analyzer %q: %w", tag, core.ErrAnalyzerNotFound)
	}
	a, err := f(args, host)
	if err != nil {
		return nil, fmt.Errorf("analyzer %q: %w", tag, err)
	}
	return a, nil
}

// Tags lists registered tags in sorted order.
func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]Tag, 0, len(r.factories))
	for t := range r.factories {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// BuiltinOptions configures the analyzers shipped with the engine.
type BuiltinOptions struct {
	Fs           afero.Fs // extraction target, defaults to the OS filesystem
	ExtractDir   string
	ExtractLimit uint64 // default per-file byte cap, 0 = unlimited
}

// NewBuiltinRegistry returns a registry holding the extract and hash
// analyzers.
func NewBuiltinRegistry(opts BuiltinOptions) *Registry {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	r := NewRegistry()
	_ = r.Register(TagExtract, NewExtractFactory(opts.Fs, opts.ExtractDir, opts.ExtractLimit))
	_ = r.Register(TagHash, NewHash)
	return r
}
