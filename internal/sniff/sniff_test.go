package sniff

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMagic_Detect(t *testing.T) {
	m := NewMagic()

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"empty", nil, ""},
		{"png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), "image/png"},
		{"pdf", []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n"), "application/pdf"},
		{"gzip", []byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00}, "application/gzip"},
		{"plain text drops charset", []byte("hello world\n"), "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Detect(tt.data))
		})
	}
}

func TestFunc(t *testing.T) {
	var c Classifier = Func(func([]byte) string { return "x/y" })
	assert.Equal(t, "x/y", c.Detect([]byte("a")))
}
