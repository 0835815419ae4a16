package bridge

import (
	"bytes"
	"strings"
	"testing"
)

func newTestJSONL(t *testing.T, opts Options) (*JSONL, *bytes.Buffer) {
	t.Helper()
	opts.Logger = newTestLogger(t)
	b := NewJSONL(opts)
	buf := &bytes.Buffer{}
	b.stdin = buf
	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()
	return b, buf
}

func TestJSONLPromptFrame(t *testing.T) {
	b, buf := newTestJSONL(t, Options{})

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got := buf.String(); got != `{"type":"prompt","message":"Hi"}`+"\n" {
		t.Fatalf("unexpected prompt frame: %q", got)
	}
}

func TestJSONLTurnLifecycle(t *testing.T) {
	b, _ := newTestJSONL(t, Options{})

	var deltas []string
	var completes []string
	b.Events().Subscribe(KindDelta, func(ev *Event) { deltas = append(deltas, ev.Text) })
	b.Events().Subscribe(KindComplete, func(ev *Event) { completes = append(completes, ev.FullText) })

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	b.handleLine([]byte(`{"type":"message_start"}`))
	b.handleLine([]byte(`{"type":"message_update","assistantMessageEvent":{"type":"text_start"}}`))
	b.handleLine([]byte(`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"Hello"}}`))
	b.handleLine([]byte(`{"type":"message_end"}`))

	if len(completes) != 0 {
		t.Fatal("message_end must not complete the turn")
	}
	if !b.IsBusy() {
		t.Fatal("turn should stay active until agent_end")
	}

	b.handleLine([]byte(`{"type":"agent_end"}`))

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

func TestJSONLParagraphSeparatorBetweenTextBlocks(t *testing.T) {
	b, _ := newTestJSONL(t, Options{})

	var completes []string
	b.Events().Subscribe(KindComplete, func(ev *Event) { completes = append(completes, ev.FullText) })

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	b.handleLine([]byte(`{"type":"message_update","assistantMessageEvent":{"type":"text_start"}}`))
	b.handleLine([]byte(`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"First."}}`))
	b.handleLine([]byte(`{"type":"message_update","assistantMessageEvent":{"type":"text_start"}}`))
	b.handleLine([]byte(`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"Second."}}`))
	b.handleLine([]byte(`{"type":"agent_end"}`))

	if len(completes) != 1 || completes[0] != "First.\n\nSecond." {
		t.Fatalf("expected paragraph break between text blocks, got %v", completes)
	}
}

func TestJSONLDialogAutoCancelled(t *testing.T) {
	b, buf := newTestJSONL(t, Options{})

	b.handleLine([]byte(`{"type":"extension_ui_request","method":"confirm","id":"r1"}`))

	if got := buf.String(); got != `{"type":"extension_ui_response","id":"r1","cancelled":true}`+"\n" {
		t.Fatalf("unexpected cancel frame: %q", got)
	}
}

func TestJSONLDialogMethods(t *testing.T) {
	for _, method := range []string{"select", "confirm", "input", "editor"} {
		b, buf := newTestJSONL(t, Options{})
		b.handleLine([]byte(`{"type":"dialog_request","method":"` + method + `","id":"d1"}`))

		frames := writtenFrames(t, buf)
		if len(frames) != 1 {
			t.Fatalf("%s: expected a cancel frame, got %d", method, len(frames))
		}
		frame := frames[0]
		if frame["type"] != "dialog_response" || frame["id"] != "d1" || frame["cancelled"] != true {
			t.Errorf("%s: unexpected cancel frame: %v", method, frame)
		}
	}
}

func TestJSONLDialogIgnoredWithoutIDOrMethod(t *testing.T) {
	b, buf := newTestJSONL(t, Options{})

	b.handleLine([]byte(`{"type":"dialog_request","method":"confirm"}`))
	b.handleLine([]byte(`{"type":"dialog_request","method":"progress","id":"d2"}`))

	if buf.Len() != 0 {
		t.Fatalf("non-dialog requests must not be answered, got %q", buf.String())
	}
}

func TestJSONLAssistantError(t *testing.T) {
	b, _ := newTestJSONL(t, Options{})

	var errs []string
	var completes int
	b.Events().Subscribe(KindError, func(ev *Event) { errs = append(errs, ev.Err.Error()) })
	b.Events().Subscribe(KindComplete, func(ev *Event) { completes++ })

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	b.handleLine([]byte(`{"type":"message_update","assistantMessageEvent":{"type":"error","error":"context overflow"}}`))

	if len(errs) != 1 || !strings.Contains(errs[0], "context overflow") {
		t.Fatalf("expected agent error detail, got %v", errs)
	}
	if b.IsBusy() {
		t.Error("busy flag should clear on error")
	}

	// agent_end after the failure must not produce a second terminator.
	b.handleLine([]byte(`{"type":"agent_end"}`))
	if completes != 0 {
		t.Fatal("failed turn must not also complete")
	}
}

func TestJSONLCommandFailureResponse(t *testing.T) {
	b, _ := newTestJSONL(t, Options{})

	var errs []string
	b.Events().Subscribe(KindError, func(ev *Event) { errs = append(errs, ev.Err.Error()) })

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	b.handleLine([]byte(`{"type":"response","success":false,"error":"unknown command"}`))

	if len(errs) != 1 || !strings.Contains(errs[0], "unknown command") {
		t.Fatalf("expected command failure, got %v", errs)
	}

	// A successful response is a plain ack.
	b2, _ := newTestJSONL(t, Options{})
	var errs2 int
	b2.Events().Subscribe(KindError, func(ev *Event) { errs2++ })
	if err := b2.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	b2.handleLine([]byte(`{"type":"response","success":true}`))
	if errs2 != 0 {
		t.Fatal("successful response must not fail the turn")
	}
	if !b2.IsBusy() {
		t.Fatal("ack must not end the turn")
	}
}

func TestJSONLSessionHandle(t *testing.T) {
	b, _ := newTestJSONL(t, Options{})

	var handles []string
	b.Events().Subscribe(KindSession, func(ev *Event) { handles = append(handles, ev.Handle) })

	b.handleLine([]byte(`{"type":"session","sessionFile":"/tmp/a.jsonl"}`))
	b.handleLine([]byte(`{"type":"session","sessionFile":"/tmp/a.jsonl"}`))
	b.handleLine([]byte(`{"type":"session","sessionFile":"/tmp/b.jsonl"}`))

	want := []string{"/tmp/a.jsonl", "/tmp/b.jsonl"}
	if len(handles) != len(want) {
		t.Fatalf("expected handles on change only, got %v", handles)
	}
	for i := range want {
		if handles[i] != want[i] {
			t.Errorf("handle %d: expected %q, got %q", i, want[i], handles[i])
		}
	}
}

func TestJSONLToolEvents(t *testing.T) {
	b, _ := newTestJSONL(t, Options{})

	var tools []ToolInfo
	b.Events().Subscribe(KindTool, func(ev *Event) { tools = append(tools, *ev.Tool) })

	b.handleLine([]byte(`{"type":"tool_execution_start","id":"t1","toolName":"bash"}`))
	b.handleLine([]byte(`{"type":"tool_execution_update","id":"t1","toolName":"bash"}`))
	b.handleLine([]byte(`{"type":"tool_execution_end","id":"t1","toolName":"bash"}`))
	b.handleLine([]byte(`{"type":"tool_execution_start"}`))

	if len(tools) != 3 {
		t.Fatalf("expected 3 tool events, got %d: %v", len(tools), tools)
	}
	statuses := []ToolStatus{ToolStart, ToolUpdate, ToolEnd}
	for i, tool := range tools {
		if tool.ID != "t1" || tool.Name != "bash" || tool.Status != statuses[i] {
			t.Errorf("tool event %d: %+v", i, tool)
		}
	}
}

func TestJSONLAbortFrame(t *testing.T) {
	b, buf := newTestJSONL(t, Options{})

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	buf.Reset()
	b.Abort()

	if got := buf.String(); got != `{"type":"abort"}`+"\n" {
		t.Fatalf("unexpected abort frame: %q", got)
	}

	buf.Reset()
	b.handleLine([]byte(`{"type":"agent_end"}`))
	b.Abort()
	if buf.Len() != 0 {
		t.Fatal("abort without an active turn must not write")
	}
}

func TestJSONLAgentInitiatedTurn(t *testing.T) {
	b, _ := newTestJSONL(t, Options{})

	var completes []string
	b.Events().Subscribe(KindComplete, func(ev *Event) { completes = append(completes, ev.FullText) })

	// The agent speaks without a prompt; its text still forms a turn.
	b.handleLine([]byte(`{"type":"message_start"}`))
	if !b.IsBusy() {
		t.Fatal("unprompted message should open a turn")
	}
	b.handleLine([]byte(`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"Heads up."}}`))
	b.handleLine([]byte(`{"type":"agent_end"}`))

	if len(completes) != 1 || completes[0] != "Heads up." {
		t.Fatalf("expected unprompted completion, got %v", completes)
	}
}
