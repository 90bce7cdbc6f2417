package mcpgateway

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errModeSwitched = errors.New("mcpgateway: call cancelled by proxy mode switch")

// modeGate holds new calls while a mode switch drains the calls already
// running. Calls admitted before the switch finish in the old mode.
type modeGate struct {
	switchMu sync.Mutex

	mu        sync.Mutex
	mode      Mode
	switching chan struct{}
	idle      chan struct{}
	seq       uint64
	inflight  map[uint64]context.CancelCauseFunc
}

func newModeGate(mode Mode) *modeGate {
	return &modeGate{mode: mode, inflight: make(map[uint64]context.CancelCauseFunc)}
}

func (g *modeGate) current() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// enter waits out any mode switch and registers a call. The returned
// context is cancelled if the call outlives a later switch's drain window;
// leave must be called when the call ends.
func (g *modeGate) enter(ctx context.Context) (Mode, context.Context, func(), error) {
	for {
		g.mu.Lock()
		if wait := g.switching; wait != nil {
			g.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return "", nil, nil, ctx.Err()
			}
		}
		g.seq++
		id := g.seq
		callCtx, cancel := context.WithCancelCause(ctx)
		g.inflight[id] = cancel
		mode := g.mode
		g.mu.Unlock()

		leave := func() {
			g.mu.Lock()
			delete(g.inflight, id)
			if len(g.inflight) == 0 && g.idle != nil {
				close(g.idle)
				g.idle = nil
			}
			g.mu.Unlock()
			cancel(nil)
		}
		return mode, callCtx, leave, nil
	}
}

func (g *modeGate) running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// switchTo closes the gate, waits up to drain for running calls, cancels
// any that remain, then installs mode and reopens the gate. It reports
// whether the mode changed. If ctx ends first the old mode is kept.
func (g *modeGate) switchTo(ctx context.Context, mode Mode, drain time.Duration) (bool, error) {
	g.switchMu.Lock()
	defer g.switchMu.Unlock()

	g.mu.Lock()
	if g.mode == mode {
		g.mu.Unlock()
		return false, nil
	}
	done := make(chan struct{})
	g.switching = done
	var idle chan struct{}
	if len(g.inflight) > 0 {
		idle = make(chan struct{})
		g.idle = idle
	}
	g.mu.Unlock()

	reopen := func(next Mode) {
		g.mu.Lock()
		g.mode = next
		g.switching = nil
		g.idle = nil
		g.mu.Unlock()
		close(done)
	}

	if idle != nil {
		timer := time.NewTimer(drain)
		defer timer.Stop()
		select {
		case <-idle:
		case <-timer.C:
			g.cancelRunning()
		case <-ctx.Done():
			reopen(g.current())
			return false, ctx.Err()
		}
	}
	reopen(mode)
	return true, nil
}

func (g *modeGate) cancelRunning() {
	g.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(g.inflight))
	for _, cancel := range g.inflight {
		cancels = append(cancels, cancel)
	}
	g.mu.Unlock()
	for _, cancel := range cancels {
		cancel(errModeSwitched)
	}
}
