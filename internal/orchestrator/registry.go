package orchestrator

import (
	"context"
	"sort"
	"sync"
)

// registry tracks in-flight runs so shutdown can drain them.
type registry struct {
	mu   sync.Mutex
	runs map[string]struct{}
	// idle is closed whenever the run count drops to zero and recreated when
	// a new run starts.
	idle chan struct{}
}

func newRegistry() *registry {
	r := &registry{
		runs: make(map[string]struct{}),
		idle: make(chan struct{}),
	}
	close(r.idle)
	return r
}

func (r *registry) add(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.runs) == 0 {
		r.idle = make(chan struct{})
	}
	r.runs[sessionID] = struct{}{}
}

func (r *registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, sessionID)
	if len(r.runs) == 0 {
		close(r.idle)
	}
}

func (r *registry) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// wait blocks until no runs are in flight or ctx expires.
func (r *registry) wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		idle := r.idle
		r.mu.Unlock()

		select {
		case <-idle:
			// Re-check: a new run may have started between the channel read
			// and now; the loop picks up the fresh idle channel.
			r.mu.Lock()
			empty := len(r.runs) == 0
			r.mu.Unlock()
			if empty {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
