package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketScope/internal/alert"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingSink) Send(_ context.Context, a alert.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func TestSupervisorDisablesAfterMaxAttempts(t *testing.T) {
	sink := &recordingSink{}
	sup := Supervisor{
		Name:   "market:1:0xabc",
		Policy: ReconnectPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Exponential: true},
		Alerts: sink,
	}

	calls := 0
	err := sup.Run(context.Background(), func(ctx context.Context, healthy func()) error {
		calls++
		return errors.New("connection refused")
	})
	if !errors.Is(err, ErrWatcherDisabled) {
		t.Fatalf("expected ErrWatcherDisabled, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 sessions, got %d", calls)
	}
	if len(sink.alerts) != 1 || sink.alerts[0].Severity != alert.SeverityFatal {
		t.Fatalf("expected one fatal alert, got %+v", sink.alerts)
	}
}

func TestSupervisorHealthyResetsAttempts(t *testing.T) {
	sup := Supervisor{
		Name:   "evm",
		Policy: ReconnectPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}

	calls := 0
	err := sup.Run(context.Background(), func(ctx context.Context, healthy func()) error {
		calls++
		if calls <= 6 && calls%2 == 0 {
			healthy()
		}
		return errors.New("dropped")
	})
	if !errors.Is(err, ErrWatcherDisabled) {
		t.Fatalf("expected ErrWatcherDisabled, got %v", err)
	}
	if calls < 7 {
		t.Fatalf("healthy sessions should reset attempts, got %d calls", calls)
	}
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sup := Supervisor{Name: "w", Policy: ReconnectPolicy{MaxAttempts: 1, BaseDelay: time.Hour}}

	err := sup.Run(ctx, func(ctx context.Context, healthy func()) error {
		cancel()
		return errors.New("interrupted")
	})
	if err != nil {
		t.Fatalf("expected nil on cancel, got %v", err)
	}
}

func TestWatchGuardSingleWatcher(t *testing.T) {
	var guard WatchGuard
	ctx, ok := guard.Begin(context.Background())
	if !ok {
		t.Fatalf("first Begin should succeed")
	}
	if _, ok := guard.Begin(context.Background()); ok {
		t.Fatalf("second Begin should be refused")
	}
	if !guard.Watching() {
		t.Fatalf("guard should report watching")
	}

	guard.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("Stop did not cancel the watch context")
	}

	guard.End()
	if guard.Watching() {
		t.Fatalf("guard should be released")
	}
	if _, ok := guard.Begin(context.Background()); !ok {
		t.Fatalf("Begin after End should succeed")
	}
}
