// Package bridge supervises local agent processes and translates their
// stdio wire protocols into a uniform typed event stream.
//
// A bridge owns exactly one child process. Three variants cover the
// protocols spoken by the supported agents: NDJSON (one streaming JSON
// record per line), RPC (JSON-RPC 2.0 over stdio) and JSONL (line-delimited
// commands and events). All three expose the same contract: Start spawns
// the child and performs any handshake, Send writes one turn's input,
// Abort cancels the active turn best-effort, and Close terminates the
// child within the kill grace period.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

// Protocol kinds implemented by the bridge variants.
const (
	ProtocolNDJSON = "ndjson"
	ProtocolRPC    = "rpc"
	ProtocolJSONL  = "jsonl"
)

// Sentinel errors returned by Send.
var (
	// ErrNotReady is returned when the bridge has not started or is closing.
	ErrNotReady = errors.New("bridge is not ready")
	// ErrBusy is returned when a turn is already in flight.
	ErrBusy = errors.New("bridge is busy")
)

// Bridge is the uniform contract over the three agent protocols.
type Bridge interface {
	// Start spawns the agent process, wires I/O and performs any protocol
	// handshake. The bridge is ready once Start returns nil.
	Start(ctx context.Context) error

	// Send writes one turn's input to the agent. It returns once stdin has
	// accepted the bytes; the turn completes later via the event stream.
	Send(text string) error

	// Abort cancels the active turn best-effort. The turn still terminates
	// through the normal complete or error event.
	Abort()

	// Close terminates the agent process, escalating to SIGKILL after the
	// grace period, and emits the final close event.
	Close()

	IsReady() bool
	IsBusy() bool

	// Events returns the per-bridge event stream.
	Events() *EventStream
}

// Options configures a bridge. Command and Args come from the provider
// registry; SystemPrompt and ResumeHandle come from the session.
type Options struct {
	Command      string
	Args         []string
	Env          map[string]string
	Cwd          string
	SystemPrompt string
	ResumeHandle string
	Logger       *logger.Logger
}

// New constructs a bridge for the given protocol kind.
func New(kind string, opts Options) (Bridge, error) {
	switch kind {
	case ProtocolNDJSON:
		return NewNDJSON(opts), nil
	case ProtocolRPC:
		return NewRPC(opts), nil
	case ProtocolJSONL:
		return NewJSONL(opts), nil
	default:
		return nil, fmt.Errorf("unknown bridge protocol: %q", kind)
	}
}
