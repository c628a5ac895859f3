// Package sniff classifies content by its leading bytes.
package sniff

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Classifier returns the MIME type of a beginning-of-file sample, or "" when
// it cannot tell.
type Classifier interface {
	Detect(data []byte) string
}

// Magic detects types from magic numbers.
type Magic struct{}

// NewMagic returns a Magic classifier.
func NewMagic() Magic { return Magic{} }

func (Magic) Detect(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	mt := mimetype.Detect(data).String()
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.TrimSpace(mt)
}

// Func adapts a function to Classifier.
type Func func(data []byte) string

func (f Func) Detect(data []byte) string { return f(data) }
