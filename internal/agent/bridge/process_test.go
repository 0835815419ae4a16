package bridge

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStartFailsWhenCommandMissing(t *testing.T) {
	b := NewNDJSON(Options{
		Command: "/nonexistent/agent-binary",
		Logger:  newTestLogger(t),
	})
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail for a missing binary")
	}
}

func TestProcessExitSurfacesErrorAndClose(t *testing.T) {
	b := NewNDJSON(Options{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
		Logger:  newTestLogger(t),
	})

	errCh := make(chan error, 1)
	closeCh := make(chan struct{}, 1)
	b.Events().Subscribe(KindError, func(ev *Event) { errCh <- ev.Err })
	b.Events().Subscribe(KindClose, func(ev *Event) { closeCh <- struct{}{} })

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !strings.Contains(err.Error(), "exit code 3") {
			t.Errorf("expected exit code in error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit error")
	}
	select {
	case <-closeCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close event")
	}
	if b.IsReady() {
		t.Error("a dead bridge must not report ready")
	}
	if err := b.Send("x"); err != ErrNotReady {
		t.Errorf("expected ErrNotReady after exit, got %v", err)
	}
}

func TestCloseTerminatesProcess(t *testing.T) {
	b := NewJSONL(Options{
		Command: "/bin/cat",
		Logger:  newTestLogger(t),
	})

	var closes int
	closeCh := make(chan struct{}, 2)
	b.Events().Subscribe(KindClose, func(ev *Event) {
		closes++
		closeCh <- struct{}{}
	})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !b.IsReady() {
		t.Fatal("bridge should be ready after start")
	}

	b.Close()
	select {
	case <-closeCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close event")
	}
	b.Close()
	if closes != 1 {
		t.Fatalf("close event must fire exactly once, got %d", closes)
	}
	if b.IsReady() {
		t.Error("closed bridge must not report ready")
	}
}

func TestNDJSONScriptedTurn(t *testing.T) {
	// A stub agent: announce the session, wait for the prompt, stream one
	// delta, finish the turn, then idle until stdin closes.
	script := `printf '{"type":"system","subtype":"init","session_id":"stub-1"}\n'
read line
printf '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello from stub"}}}\n'
printf '{"type":"result","subtype":"success"}\n'
read ignored`

	b := NewNDJSON(Options{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		Logger:  newTestLogger(t),
	})

	sessionCh := make(chan string, 1)
	deltaCh := make(chan string, 8)
	completeCh := make(chan string, 1)
	b.Events().Subscribe(KindSession, func(ev *Event) { sessionCh <- ev.Handle })
	b.Events().Subscribe(KindDelta, func(ev *Event) { deltaCh <- ev.Text })
	b.Events().Subscribe(KindComplete, func(ev *Event) { completeCh <- ev.FullText })

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer b.Close()

	select {
	case handle := <-sessionCh:
		if handle != "stub-1" {
			t.Errorf("expected session handle stub-1, got %q", handle)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session handle")
	}

	if err := b.Send("Hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case full := <-completeCh:
		if full != "Hello from stub" {
			t.Errorf("unexpected completion text: %q", full)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	select {
	case text := <-deltaCh:
		if text != "Hello from stub" {
			t.Errorf("unexpected delta: %q", text)
		}
	default:
		t.Error("expected a delta before completion")
	}
}

func TestJSONLStartHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewJSONL(Options{
		Command: "/bin/cat",
		Logger:  newTestLogger(t),
	})
	err := b.Start(ctx)
	if err == nil {
		// The reader usually wins the race against an already-cancelled
		// context; both outcomes are acceptable as long as the bridge
		// stays consistent.
		b.Close()
		return
	}
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.IsReady() {
		t.Error("cancelled start must not leave the bridge ready")
	}
}
