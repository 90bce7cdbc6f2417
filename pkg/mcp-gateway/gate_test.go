package mcpgateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestModeGateDrainsBeforeSwitching(t *testing.T) {
	t.Parallel()

	g := newModeGate(ModePassthrough)
	mode, _, leave, err := g.enter(context.Background())
	if err != nil || mode != ModePassthrough {
		t.Fatalf("enter = %q, %v", mode, err)
	}

	switched := make(chan error, 1)
	go func() {
		_, err := g.switchTo(context.Background(), ModeDiscovery, time.Minute)
		switched <- err
	}()

	// A call arriving mid-switch waits for the new mode.
	entered := make(chan Mode, 1)
	go func() {
		for {
			g.mu.Lock()
			closed := g.switching != nil
			g.mu.Unlock()
			if closed {
				break
			}
			time.Sleep(time.Millisecond)
		}
		mode, _, leave, err := g.enter(context.Background())
		if err == nil {
			leave()
		}
		entered <- mode
	}()

	select {
	case <-switched:
		t.Fatal("switch finished while a call was running")
	case <-entered:
		t.Fatal("new call admitted during drain")
	case <-time.After(100 * time.Millisecond):
	}

	leave()
	if err := <-switched; err != nil {
		t.Fatalf("switchTo: %v", err)
	}
	if got := <-entered; got != ModeDiscovery {
		t.Fatalf("held call entered in %q, want discovery", got)
	}
	if g.current() != ModeDiscovery {
		t.Fatalf("mode = %q", g.current())
	}
}

func TestModeGateCancelsStragglers(t *testing.T) {
	t.Parallel()

	g := newModeGate(ModePassthrough)
	_, callCtx, leave, err := g.enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	defer leave()

	changed, err := g.switchTo(context.Background(), ModeDiscovery, 20*time.Millisecond)
	if err != nil || !changed {
		t.Fatalf("switchTo = %v, %v", changed, err)
	}
	select {
	case <-callCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("straggler was not cancelled")
	}
	if cause := context.Cause(callCtx); !errors.Is(cause, errModeSwitched) {
		t.Fatalf("cause = %v", cause)
	}
}

func TestModeGateSameModeAndAbort(t *testing.T) {
	t.Parallel()

	g := newModeGate(ModeDiscovery)
	if changed, err := g.switchTo(context.Background(), ModeDiscovery, time.Second); changed || err != nil {
		t.Fatalf("same-mode switch = %v, %v", changed, err)
	}

	_, _, leave, err := g.enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	defer leave()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	changed, err := g.switchTo(ctx, ModePassthrough, time.Minute)
	if changed || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("aborted switch = %v, %v", changed, err)
	}
	if g.current() != ModeDiscovery {
		t.Fatalf("mode after abort = %q", g.current())
	}
	if _, _, leave2, err := g.enter(context.Background()); err != nil {
		t.Fatalf("gate left closed after abort: %v", err)
	} else {
		leave2()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}
