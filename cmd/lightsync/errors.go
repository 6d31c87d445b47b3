package main

import "errors"

// Error classes shared by the transport, codec and beat pipeline.
// Callers wrap them with fmt.Errorf("...: %w", ...) and test with errors.Is.
var (
	// ErrTransportFailure marks a push socket error/close or a failed poll.
	// It is recovered locally by switching strategy and never surfaced to the renderer.
	ErrTransportFailure = errors.New("transport failure")

	// ErrParseFailure marks a malformed message payload. The message is dropped.
	ErrParseFailure = errors.New("parse failure")

	// ErrPermissionDenied marks an audio source that cannot be opened.
	// Beat sync is disabled; lighting sync is unaffected.
	ErrPermissionDenied = errors.New("audio capture permission denied")

	// ErrInvalidCommand marks a command that had to be normalized (unknown effect,
	// out-of-range numbers). The normalized command is still applied.
	ErrInvalidCommand = errors.New("invalid command")
)
