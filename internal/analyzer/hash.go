package analyzer

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"firestige.xyz/filetrace/internal/core"
	"firestige.xyz/filetrace/internal/eventbus"
)

// TagHash digests file content.
const TagHash Tag = "hash"

// HashConfig is the argument record of the hash analyzer.
type HashConfig struct {
	Kind string `mapstructure:"kind"` // md5 | sha1 | sha256
}

// Hash computes a digest of the stream and emits file_hash at end of file.
// Any undelivered range invalidates the digest.
type Hash struct {
	Base
	kind      string
	h         hash.Hash
	finalized bool
}

// NewHash is the Factory for TagHash.
func NewHash(args Args, host Host) (Analyzer, error) {
	var cfg HashConfig
	if err := DecodeArgs(args, &cfg); err != nil {
		return nil, err
	}
	if cfg.Kind == "" {
		cfg.Kind = "sha256"
	}

	var h hash.Hash
	switch cfg.Kind {
	case "md5":
		h = md5.New()
	case "sha1":
		h = sha1.New()
	case "sha256":
		h = sha256.New()
	default:
		return nil, fmt.Errorf("%w: unknown hash kind %q", core.ErrAnalyzerArgs, cfg.Kind)
	}

	return &Hash{
		Base: NewBase(TagHash, args, host),
		kind: cfg.Kind,
		h:    h,
	}, nil
}

func (a *Hash) DeliverStream(data []byte) bool {
	if a.finalized {
		return false
	}
	a.h.Write(data)
	return true
}

func (a *Hash) Undelivered(_, _ uint64) bool {
	a.finalized = true
	return false
}

func (a *Hash) EndOfFile() bool {
	if a.finalized {
		return false
	}
	a.finalized = true
	a.Host().Emit(eventbus.FileHash, map[string]any{
		"kind": a.kind,
		"hash": hex.EncodeToString(a.h.Sum(nil)),
	})
	return true
}
