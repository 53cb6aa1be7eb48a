package engine

import "github.com/openodin/core/internal/wire"

// EngineError carries a wire.Status alongside the underlying error for
// internal plumbing (log lines, wrapping) where a bare wire.Reply would
// lose the cause.
type EngineError struct {
	Status wire.Status
	Err    error
}

func (e *EngineError) Error() string { return e.Status.String() + ": " + e.Err.Error() }
func (e *EngineError) Unwrap() error { return e.Err }

func errReply(status wire.Status, msg string) wire.Reply {
	return wire.Reply{Status: status, Error: msg}
}
