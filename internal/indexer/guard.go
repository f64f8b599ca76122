package indexer

import (
	"context"
	"sync"
)

// WatchGuard lets only one live watch run at a time per adapter.
type WatchGuard struct {
	mu       sync.Mutex
	watching bool
	cancel   context.CancelFunc
}

// Begin marks the guard as watching and returns a context cancelled by Stop.
// It returns false when a watch is already running.
func (g *WatchGuard) Begin(ctx context.Context) (context.Context, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.watching {
		return nil, false
	}
	watchCtx, cancel := context.WithCancel(ctx)
	g.watching = true
	g.cancel = cancel
	return watchCtx, true
}

// End releases the guard.
func (g *WatchGuard) End() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	g.watching = false
	g.cancel = nil
}

// Stop cancels the running watch, if any.
func (g *WatchGuard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
}

// Watching reports whether a watch is running.
func (g *WatchGuard) Watching() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.watching
}
