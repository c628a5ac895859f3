// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors following the wrap-with-%w pattern used across the engine.
var (
	// Timer scheduling errors
	ErrUnknownTimer = errors.New("filetrace: timer not owned by manager")

	// File tracking errors
	ErrFileNotFound = errors.New("filetrace: file not found")
	ErrFileDone     = errors.New("filetrace: file already finished")
	ErrFileIgnored  = errors.New("filetrace: file ignored")

	// Analyzer errors
	ErrAnalyzerNotFound = errors.New("filetrace: analyzer not found")
	ErrAnalyzerExists   = errors.New("filetrace: analyzer already registered")
	ErrAnalyzerArgs     = errors.New("filetrace: invalid analyzer arguments")

	// Event bridge errors
	ErrBusClosed = errors.New("filetrace: event bus closed")

	// Traffic source errors
	ErrSourceClosed     = errors.New("filetrace: source closed")
	ErrUnsupportedLink  = errors.New("filetrace: unsupported link type")
	ErrUnsupportedProto = errors.New("filetrace: unsupported protocol")

	// Configuration errors
	ErrConfigInvalid = errors.New("filetrace: invalid configuration")
)
