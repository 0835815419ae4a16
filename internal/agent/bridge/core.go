package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

// core holds the turn state machine and I/O plumbing shared by all bridge
// variants. Each variant embeds it and supplies its own line handler.
type core struct {
	opts   Options
	logger *logger.Logger
	events *EventStream

	framer *LineFramer
	stdin  io.Writer

	readerStarted chan struct{} // closed when the read loop is pulling stdout
	readerDone    chan struct{} // closed when the read loop has drained and reaped

	sendMu    sync.Mutex
	closeOnce sync.Once

	mu           sync.Mutex
	proc         *process
	ready        bool
	inMessage    bool
	closing      bool
	firstMessage bool
	accumulator  string
}

func newCore(opts Options, component string) core {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return core{
		opts:   opts,
		logger: log.WithFields(zap.String("component", component)),
		events: NewEventStream(log),
		// A resumed agent already carries its own history, so the system
		// prompt is never re-sent.
		firstMessage: opts.ResumeHandle == "",
	}
}

// Events returns the bridge's event stream.
func (c *core) Events() *EventStream { return c.events }

// IsReady reports whether the bridge accepts Sends.
func (c *core) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closing
}

// IsBusy reports whether a turn is in flight.
func (c *core) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inMessage
}

// spawn starts the agent process and the stdout/stderr pumps. onLine
// receives each complete stdout line on the reader goroutine.
func (c *core) spawn(args []string, onLine func([]byte)) error {
	proc, err := startProcess(c.opts.Command, args, c.opts.Env, c.opts.Cwd, c.logger)
	if err != nil {
		return err
	}

	c.framer = NewLineFramer(onLine, c.logger)
	c.readerStarted = make(chan struct{})
	c.readerDone = make(chan struct{})

	c.mu.Lock()
	c.proc = proc
	c.stdin = proc.stdin
	c.mu.Unlock()

	go c.readLoop(proc)
	go c.drainStderr(proc)
	return nil
}

// readLoop pulls stdout into the framer until the pipe closes, then reaps
// the child and runs exit handling. All protocol event emission happens on
// this goroutine, preserving wire order.
func (c *core) readLoop(proc *process) {
	defer close(c.readerDone)
	close(c.readerStarted)

	buf := make([]byte, 32*1024)
	for {
		n, err := proc.stdout.Read(buf)
		if n > 0 {
			_, _ = c.framer.Write(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("stdout read ended", zap.Error(err))
			}
			break
		}
	}

	c.handleExit(proc.reap())
}

// drainStderr logs the agent's stderr at debug level.
func (c *core) drainStderr(proc *process) {
	scanner := bufio.NewScanner(proc.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.logger.Debug("agent stderr", zap.String("line", line))
		}
	}
}

// send marshals msg and writes it to the agent's stdin as one line.
func (c *core) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.sendMu.Lock()
	_, err = c.stdin.Write(data)
	c.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("sent frame", zap.String("data", string(data)))
	return nil
}

// startTurn validates state, marks the turn active, and returns the text
// to write, with the system prompt prepended on the first message of a
// fresh session.
func (c *core) startTurn(text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || !c.ready {
		return "", ErrNotReady
	}
	if c.inMessage {
		return "", ErrBusy
	}
	c.inMessage = true
	c.accumulator = ""
	if c.firstMessage && c.opts.SystemPrompt != "" {
		text = c.opts.SystemPrompt + "\n\n" + text
	}
	return text, nil
}

// turnAccepted is called after stdin accepted the turn's bytes.
func (c *core) turnAccepted() {
	c.mu.Lock()
	c.firstMessage = false
	c.mu.Unlock()
}

// turnRejected clears a turn whose frame never reached the agent.
func (c *core) turnRejected() {
	c.mu.Lock()
	c.inMessage = false
	c.mu.Unlock()
}

// appendDelta accumulates one text fragment and emits it.
func (c *core) appendDelta(text string) {
	c.mu.Lock()
	c.accumulator += text
	c.mu.Unlock()
	c.events.Emit(&Event{Kind: KindDelta, Text: text})
}

// turnText returns the text accumulated so far in the active turn.
func (c *core) turnText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accumulator
}

// finishTurn ends the active turn with a complete event carrying the
// accumulated text. The busy flag clears before the event is dispatched,
// so a Send issued from inside a complete callback is accepted.
func (c *core) finishTurn() {
	c.mu.Lock()
	if !c.inMessage {
		c.mu.Unlock()
		return
	}
	full := c.accumulator
	c.accumulator = ""
	c.inMessage = false
	c.mu.Unlock()
	c.events.Emit(&Event{Kind: KindComplete, FullText: full})
}

// failTurn ends the active turn with an error event. No-op when no turn is
// active, so a stray failure record cannot terminate the next turn.
func (c *core) failTurn(err error) {
	c.mu.Lock()
	if !c.inMessage {
		c.mu.Unlock()
		return
	}
	c.accumulator = ""
	c.inMessage = false
	c.mu.Unlock()
	c.events.Emit(&Event{Kind: KindError, Err: err})
}

// markReady transitions the bridge to the ready state.
func (c *core) markReady() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.events.Emit(&Event{Kind: KindReady})
}

// beginClose marks the bridge as closing. Returns false if it already was.
func (c *core) beginClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.closing = true
	c.ready = false
	return true
}

// shutdown terminates the child, waits for the reader to drain, and makes
// sure the close event has fired.
func (c *core) shutdown() {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()

	if proc != nil {
		proc.stop()
		<-c.readerDone
	}
	c.emitClose()
}

// handleExit runs on the reader goroutine once stdout has drained and the
// child has been reaped. An exit the bridge did not ask for surfaces as an
// error before the final close.
func (c *core) handleExit(exitCode int) {
	c.mu.Lock()
	closing := c.closing
	// The child is gone; the bridge is terminal regardless of who
	// initiated the shutdown.
	c.closing = true
	c.ready = false
	c.inMessage = false
	c.accumulator = ""
	c.mu.Unlock()

	if !closing {
		c.logger.Warn("agent process exited unexpectedly", zap.Int("exit_code", exitCode))
		c.events.Emit(&Event{
			Kind: KindError,
			Err:  fmt.Errorf("agent process exited unexpectedly (exit code %d)", exitCode),
		})
	}
	c.emitClose()
}

// emitClose fires the close event exactly once across the bridge lifetime.
func (c *core) emitClose() {
	c.closeOnce.Do(func() {
		c.events.Emit(&Event{Kind: KindClose})
	})
}
