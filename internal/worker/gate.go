package worker

import (
	"context"
	"sync"

	"agent-queue/internal/models"
)

// pauseGate tracks the latest pause snapshot seen by a running job. Handlers
// call Wait at safe checkpoints; it blocks while workers are quiesced.
type pauseGate struct {
	mu      sync.Mutex
	state   models.PauseState
	changed chan struct{}
}

func newPauseGate(state models.PauseState) *pauseGate {
	return &pauseGate{state: state, changed: make(chan struct{})}
}

func (g *pauseGate) update(state models.PauseState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if state.Version == g.state.Version && state.Paused == g.state.Paused {
		return
	}
	g.state = state
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *pauseGate) snapshot() (models.PauseState, <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.changed
}

// Wait returns once the job may proceed. onHold is called once when the
// gate first blocks.
func (g *pauseGate) Wait(ctx context.Context, onHold func(models.PauseState)) error {
	held := false
	for {
		state, changed := g.snapshot()
		if !state.Quiescing() {
			return nil
		}
		if !held && onHold != nil {
			onHold(state)
		}
		held = true
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
