package session

import "errors"

// Session API error taxonomy. Callers match with errors.Is; the HTTP layer
// maps these onto status codes.
var (
	// ErrNotFound means the session does not exist or is not live.
	ErrNotFound = errors.New("session not found")
	// ErrNotReady means the bridge has not finished starting or is closing.
	ErrNotReady = errors.New("session is not ready")
	// ErrBusy means a turn is already in flight.
	ErrBusy = errors.New("session is busy")
	// ErrBadRequest means the caller supplied invalid input.
	ErrBadRequest = errors.New("bad request")
	// ErrStartFailed means the agent process could not be started.
	ErrStartFailed = errors.New("agent start failed")
	// ErrInternal covers persistence and bridge faults that are not the
	// caller's doing.
	ErrInternal = errors.New("internal error")
)
