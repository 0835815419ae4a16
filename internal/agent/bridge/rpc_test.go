package bridge

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a goroutine-safe stdin stand-in for tests that drive the
// bridge from more than one goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func newTestRPC(t *testing.T) (*RPC, *bytes.Buffer) {
	t.Helper()
	b := NewRPC(Options{Logger: newTestLogger(t)})
	buf := &bytes.Buffer{}
	b.stdin = buf
	b.mu.Lock()
	b.ready = true
	b.threadID = "thread-1"
	b.mu.Unlock()
	return b, buf
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRPCSendWritesTurnStart(t *testing.T) {
	b, buf := newTestRPC(t)
	defer b.Close()

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	frames := writtenFrames(t, buf)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	frame := frames[0]
	if frame["jsonrpc"] != "2.0" {
		t.Errorf("every frame must carry jsonrpc 2.0, got %v", frame["jsonrpc"])
	}
	if frame["method"] != "turn/start" {
		t.Errorf("expected turn/start, got %v", frame["method"])
	}
	if frame["id"] == nil {
		t.Error("turn/start must be a request with an id")
	}
	params, ok := frame["params"].(map[string]interface{})
	if !ok {
		t.Fatalf("frame missing params: %v", frame)
	}
	if params["threadId"] != "thread-1" {
		t.Errorf("expected threadId thread-1, got %v", params["threadId"])
	}
	if params["input"] != "Hi" {
		t.Errorf("expected input Hi, got %v", params["input"])
	}
	if params["approvalPolicy"] != "auto-edit" {
		t.Errorf("expected approvalPolicy auto-edit, got %v", params["approvalPolicy"])
	}
}

func TestRPCTurnLifecycle(t *testing.T) {
	b, _ := newTestRPC(t)
	defer b.Close()

	var statuses []string
	var deltas []string
	var completes []string
	b.Events().Subscribe(KindStatus, func(ev *Event) { statuses = append(statuses, ev.Status) })
	b.Events().Subscribe(KindDelta, func(ev *Event) { deltas = append(deltas, ev.Text) })
	b.Events().Subscribe(KindComplete, func(ev *Event) { completes = append(completes, ev.FullText) })

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	b.handleLine([]byte(`{"jsonrpc":"2.0","method":"turn/started","params":{"threadId":"thread-1","turnId":"turn-1"}}`))
	b.handleLine([]byte(`{"jsonrpc":"2.0","method":"item/agentMessage/delta","params":{"threadId":"thread-1","turnId":"turn-1","delta":"Hel"}}`))
	b.handleLine([]byte(`{"jsonrpc":"2.0","method":"item/agentMessage/delta","params":{"threadId":"thread-1","turnId":"turn-1","delta":"lo"}}`))
	b.handleLine([]byte(`{"jsonrpc":"2.0","method":"turn/completed","params":{"threadId":"thread-1","turnId":"turn-1","status":"completed"}}`))

	if len(statuses) != 1 || statuses[0] != StatusWorking {
		t.Errorf("expected one working status, got %v", statuses)
	}
	if got := strings.Join(deltas, ""); got != "Hello" {
		t.Errorf("unexpected delta accumulation: %q", got)
	}
	if len(completes) != 1 || completes[0] != "Hello" {
		t.Errorf("expected one completion with full text, got %v", completes)
	}
	if b.IsBusy() {
		t.Error("busy flag should clear on completion")
	}
}

func TestRPCTurnCompletedFailed(t *testing.T) {
	b, _ := newTestRPC(t)
	defer b.Close()

	var errs []string
	var completes int
	b.Events().Subscribe(KindError, func(ev *Event) { errs = append(errs, ev.Err.Error()) })
	b.Events().Subscribe(KindComplete, func(ev *Event) { completes++ })

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	b.handleLine([]byte(`{"jsonrpc":"2.0","method":"turn/completed","params":{"threadId":"thread-1","turnId":"turn-1","status":"failed","error":"model overloaded"}}`))

	if len(errs) != 1 || !strings.Contains(errs[0], "model overloaded") {
		t.Fatalf("expected failure detail, got %v", errs)
	}
	if completes != 0 {
		t.Fatal("a failed turn must not also complete")
	}
	if b.IsBusy() {
		t.Error("busy flag should clear on failure")
	}
}

func TestRPCTurnStartErrorResponse(t *testing.T) {
	b, _ := newTestRPC(t)
	defer b.Close()

	errCh := make(chan error, 1)
	b.Events().Subscribe(KindError, func(ev *Event) { errCh <- ev.Err })

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	b.handleLine([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"nope"}}`))

	select {
	case err := <-errCh:
		if !strings.Contains(err.Error(), "nope") {
			t.Fatalf("expected turn/start error detail, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
	if b.IsBusy() {
		t.Error("busy flag should clear when turn/start fails")
	}

	// A stray turn/completed for the already-failed turn changes nothing.
	var completes int
	b.Events().Subscribe(KindComplete, func(ev *Event) { completes++ })
	b.handleLine([]byte(`{"jsonrpc":"2.0","method":"turn/completed","params":{"status":"completed"}}`))
	if completes != 0 {
		t.Fatal("stray turn/completed must not complete a terminated turn")
	}
}

func TestRPCTurnStartResultStoresTurnID(t *testing.T) {
	b, buf := newTestRPC(t)
	defer b.Close()

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	b.handleLine([]byte(`{"jsonrpc":"2.0","id":1,"result":{"turn":{"id":"turn-9"}}}`))

	waitFor(t, "turn id", func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.currentTurnID == "turn-9"
	})

	buf.Reset()
	b.Abort()
	frames := writtenFrames(t, buf)
	if len(frames) != 1 {
		t.Fatalf("expected an interrupt frame, got %d", len(frames))
	}
	frame := frames[0]
	if frame["method"] != "turn/interrupt" {
		t.Errorf("expected turn/interrupt, got %v", frame["method"])
	}
	params := frame["params"].(map[string]interface{})
	if params["threadId"] != "thread-1" || params["turnId"] != "turn-9" {
		t.Errorf("unexpected interrupt params: %v", params)
	}
}

func TestRPCLateTurnStartErrorIgnored(t *testing.T) {
	b, _ := newTestRPC(t)
	defer b.Close()

	var errs int
	b.Events().Subscribe(KindError, func(ev *Event) { errs++ })

	if err := b.Send("one"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	b.handleLine([]byte(`{"jsonrpc":"2.0","method":"turn/completed","params":{"status":"completed"}}`))
	if err := b.Send("two"); err != nil {
		t.Fatalf("second send failed: %v", err)
	}

	// The error response for the first turn arrives after its successor
	// started; the sequence guard must drop it.
	b.failTurnIfCurrent(1, fmt.Errorf("late failure"))

	if errs != 0 {
		t.Fatal("late turn/start failure terminated the wrong turn")
	}
	if !b.IsBusy() {
		t.Fatal("second turn should still be active")
	}
}

func TestRPCAbortRequiresTurnID(t *testing.T) {
	b, buf := newTestRPC(t)

	b.Abort()
	if buf.Len() != 0 {
		t.Fatalf("abort without a turn id must not write, got %q", buf.String())
	}
}

func TestRPCApprovalRequestsAutoAccepted(t *testing.T) {
	for _, method := range []string{
		"approval/request",
		"item/commandExecution/requestApproval",
		"item/fileChange/requestApproval",
	} {
		b, buf := newTestRPC(t)
		line := fmt.Sprintf(`{"jsonrpc":"2.0","id":"req-1","method":"%s","params":{}}`, method)
		b.handleLine([]byte(line))

		frames := writtenFrames(t, buf)
		if len(frames) != 1 {
			t.Fatalf("%s: expected a response frame, got %d", method, len(frames))
		}
		frame := frames[0]
		if frame["jsonrpc"] != "2.0" || frame["id"] != "req-1" {
			t.Errorf("%s: unexpected response envelope: %v", method, frame)
		}
		result, ok := frame["result"].(map[string]interface{})
		if !ok || result["decision"] != "accept" {
			t.Errorf("%s: expected accept decision, got %v", method, frame["result"])
		}
	}
}

func TestRPCUnknownRequestMethodNotFound(t *testing.T) {
	b, buf := newTestRPC(t)

	b.handleLine([]byte(`{"jsonrpc":"2.0","id":5,"method":"tool/exotic","params":{}}`))

	frames := writtenFrames(t, buf)
	if len(frames) != 1 {
		t.Fatalf("expected a response frame, got %d", len(frames))
	}
	frame := frames[0]
	if frame["id"] != float64(5) {
		t.Errorf("response must echo the request id, got %v", frame["id"])
	}
	rpcErr, ok := frame["error"].(map[string]interface{})
	if !ok || rpcErr["code"] != float64(-32601) {
		t.Fatalf("expected method-not-found error, got %v", frame["error"])
	}
}

func TestRPCUnknownResponseDropped(t *testing.T) {
	b, buf := newTestRPC(t)

	b.handleLine([]byte(`{"jsonrpc":"2.0","id":99,"result":{}}`))
	if buf.Len() != 0 {
		t.Fatalf("unknown responses must be dropped silently, got %q", buf.String())
	}
}

func TestRPCCloseUnblocksPendingCall(t *testing.T) {
	b := NewRPC(Options{Logger: newTestLogger(t)})
	b.stdin = &syncBuffer{}
	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()

	var closes int
	b.Events().Subscribe(KindClose, func(ev *Event) { closes++ })

	callErr := make(chan error, 1)
	go func() {
		_, err := b.call(context.Background(), methodTurnStart, &turnStartParams{ThreadID: "t"})
		callErr <- err
	}()

	waitFor(t, "pending call", func() bool {
		b.pendingMu.Lock()
		defer b.pendingMu.Unlock()
		return len(b.pending) == 1
	})

	b.Close()
	select {
	case err := <-callErr:
		if err == nil || !strings.Contains(err.Error(), "bridge closed") {
			t.Fatalf("expected bridge closed error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call to unblock")
	}

	b.Close()
	if closes != 1 {
		t.Fatalf("close event must fire exactly once, got %d", closes)
	}
}

func TestRPCHandshake(t *testing.T) {
	b := NewRPC(Options{Logger: newTestLogger(t)})
	sb := &syncBuffer{}
	b.stdin = sb

	var handle string
	b.Events().Subscribe(KindSession, func(ev *Event) { handle = ev.Handle })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.handshake(ctx) }()

	// initialize request
	waitFor(t, "initialize frame", func() bool {
		return strings.Contains(sb.String(), `"initialize"`)
	})
	frames := decodeFrames(t, sb.String())
	init := frames[0]
	if init["method"] != "initialize" || init["jsonrpc"] != "2.0" {
		t.Fatalf("unexpected first frame: %v", init)
	}
	params := init["params"].(map[string]interface{})
	if _, ok := params["clientInfo"].(map[string]interface{}); !ok {
		t.Fatalf("initialize must carry clientInfo, got %v", params)
	}
	b.handleLine([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{}}`, init["id"])))

	// initialized notification, then thread/start request
	waitFor(t, "thread/start frame", func() bool {
		return strings.Contains(sb.String(), `"thread/start"`)
	})
	frames = decodeFrames(t, sb.String())
	if frames[1]["method"] != "initialized" {
		t.Fatalf("expected initialized notification, got %v", frames[1])
	}
	if _, hasID := frames[1]["id"]; hasID {
		t.Fatal("initialized must be a notification without an id")
	}
	start := frames[2]
	if start["method"] != "thread/start" {
		t.Fatalf("expected thread/start, got %v", start)
	}
	b.handleLine([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"thread":{"id":"thread-42"}}}`, start["id"])))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handshake failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}

	b.mu.Lock()
	threadID := b.threadID
	b.mu.Unlock()
	if threadID != "thread-42" {
		t.Errorf("expected thread id thread-42, got %q", threadID)
	}
	if handle != "thread-42" {
		t.Errorf("expected session handle thread-42, got %q", handle)
	}
}

func TestRPCHandshakeResume(t *testing.T) {
	b := NewRPC(Options{Logger: newTestLogger(t), ResumeHandle: "thread-42"})
	sb := &syncBuffer{}
	b.stdin = sb

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.handshake(ctx) }()

	waitFor(t, "initialize frame", func() bool {
		return strings.Contains(sb.String(), `"initialize"`)
	})
	init := decodeFrames(t, sb.String())[0]
	b.handleLine([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{}}`, init["id"])))

	waitFor(t, "thread/resume frame", func() bool {
		return strings.Contains(sb.String(), `"thread/resume"`)
	})
	frames := decodeFrames(t, sb.String())
	resume := frames[len(frames)-1]
	if resume["method"] != "thread/resume" {
		t.Fatalf("expected thread/resume, got %v", resume)
	}
	params := resume["params"].(map[string]interface{})
	if params["threadId"] != "thread-42" {
		t.Fatalf("resume must carry the stored handle, got %v", params)
	}
	b.handleLine([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"thread":{"id":"thread-42"}}}`, resume["id"])))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handshake failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestRPCItemToolEvents(t *testing.T) {
	b, _ := newTestRPC(t)

	var tools []ToolInfo
	b.Events().Subscribe(KindTool, func(ev *Event) { tools = append(tools, *ev.Tool) })

	b.handleLine([]byte(`{"jsonrpc":"2.0","method":"item/started","params":{"item":{"id":"i1","type":"commandExecution","command":"go vet ./..."}}}`))
	b.handleLine([]byte(`{"jsonrpc":"2.0","method":"item/completed","params":{"item":{"id":"i2","type":"mcpToolCall","tool":"search"}}}`))
	b.handleLine([]byte(`{"jsonrpc":"2.0","method":"item/started","params":{"item":{"id":"i3","type":"agentMessage"}}}`))

	if len(tools) != 2 {
		t.Fatalf("expected 2 tool events, got %d: %v", len(tools), tools)
	}
	if tools[0].Status != ToolStart || tools[0].Name != "go vet ./..." {
		t.Errorf("unexpected command event: %+v", tools[0])
	}
	if tools[1].Status != ToolEnd || tools[1].Name != "search" {
		t.Errorf("unexpected tool call event: %+v", tools[1])
	}
}

func TestRPCEmptyDeltaSkipped(t *testing.T) {
	b, _ := newTestRPC(t)
	defer b.Close()

	var deltas int
	b.Events().Subscribe(KindDelta, func(ev *Event) { deltas++ })

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	b.handleLine([]byte(`{"jsonrpc":"2.0","method":"item/agentMessage/delta","params":{"delta":""}}`))

	if deltas != 0 {
		t.Fatal("empty deltas must not be emitted")
	}
}
