package indexer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		return fmt.Errorf("bad request: %w", ErrPermanent)
	})
	if !errors.Is(err, ErrPermanent) || calls != 1 {
		t.Fatalf("expected one permanent failure, got %d calls, err %v", calls, err)
	}
}

func TestWithRetryExhausts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 failed calls, got %d, err %v", calls, err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt     int
		exponential bool
		limit       time.Duration
		want        time.Duration
	}{
		{attempt: 1, exponential: true, want: 5 * time.Second},
		{attempt: 2, exponential: true, want: 10 * time.Second},
		{attempt: 4, exponential: true, want: 40 * time.Second},
		{attempt: 4, exponential: false, want: 5 * time.Second},
		{attempt: 10, exponential: true, limit: time.Minute, want: time.Minute},
	}
	for _, tt := range tests {
		got := Backoff(5*time.Second, tt.attempt, tt.exponential, tt.limit)
		if got != tt.want {
			t.Fatalf("attempt %d: %s != %s", tt.attempt, got, tt.want)
		}
	}
}

func TestFileStateStore(t *testing.T) {
	ctx := context.Background()
	store := NewFileStateStore(filepath.Join(t.TempDir(), "state", "checkpoints.json"))

	if _, ok, err := store.LoadState(ctx, "market:1:0xabc"); err != nil || ok {
		t.Fatalf("expected empty state, got %v %v", ok, err)
	}
	if err := store.SaveState(ctx, "market:1:0xabc", 120); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.SaveState(ctx, "market:1:0xdef", 7); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, ok, err := store.LoadState(ctx, "market:1:0xabc")
	if err != nil || !ok || got != 120 {
		t.Fatalf("unexpected state: %d %v %v", got, ok, err)
	}
}
