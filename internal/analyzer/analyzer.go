// Package analyzer defines the content analyzer contract and the registry
// that builds analyzer instances from a tag and an argument record.
package analyzer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/filetrace/internal/core"
)

// Tag names an analyzer kind.
type Tag string

// Args is the argument record an analyzer is constructed with. Together with
// the tag it identifies the instance within a file.
type Args map[string]any

// Key returns a canonical identity for tag+args. Argument order does not
// matter.
func Key(tag Tag, args Args) string {
	if len(args) == 0 {
		return string(tag)
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(tag))
	b.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%v", k, args[k])
	}
	b.WriteByte(')')
	return b.String()
}

// Host is the view an analyzer has of the file it is attached to.
type Host interface {
	ID() string
	Info() core.FileInfo
	// Emit raises a named event for the file with extra fields.
	Emit(name string, fields map[string]any)
}

// Analyzer consumes file content. Every delivery method returns false when the
// analyzer wants no more input; the file then removes it at the next drain
// point.
type Analyzer interface {
	Tag() Tag
	Args() Args

	DeliverStream(data []byte) bool
	DeliverChunk(data []byte, offset uint64) bool
	Undelivered(offset, length uint64) bool
	EndOfFile() bool

	// Done releases resources when the analyzer leaves its file.
	Done()
}

// Base provides identity and permissive defaults for Analyzer
// implementations.
type Base struct {
	tag  Tag
	args Args
	host Host
}

// NewBase creates a Base.
func NewBase(tag Tag, args Args, host Host) Base {
	return Base{tag: tag, args: args, host: host}
}

func (b *Base) Tag() Tag   { return b.tag }
func (b *Base) Args() Args { return b.args }
func (b *Base) Host() Host { return b.host }

func (b *Base) DeliverStream([]byte) bool        { return true }
func (b *Base) DeliverChunk([]byte, uint64) bool { return true }
func (b *Base) Undelivered(uint64, uint64) bool  { return true }
func (b *Base) EndOfFile() bool                  { return true }
func (b *Base) Done()                            {}

// DecodeArgs decodes args into a typed config struct using mapstructure
// tags. Unknown keys are rejected.
func DecodeArgs(args Args, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(args)); err != nil {
		return fmt.Errorf("%w: %v", core.ErrAnalyzerArgs, err)
	}
	return nil
}
