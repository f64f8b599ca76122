package blocksearch

import (
	"context"
	"errors"
	"testing"
)

func linearProbe(base int64, step int64) Probe {
	return func(_ context.Context, n uint64) (int64, error) {
		return base + int64(n)*step, nil
	}
}

func TestFirstAtOrAfter(t *testing.T) {
	probe := linearProbe(1000, 10)
	tests := []struct {
		name   string
		target int64
		want   uint64
		ok     bool
	}{
		{name: "before first", target: 10, want: 0, ok: true},
		{name: "exact first", target: 1000, want: 0, ok: true},
		{name: "exact middle", target: 1500, want: 50, ok: true},
		{name: "between units", target: 1505, want: 51, ok: true},
		{name: "exact last", target: 2000, want: 100, ok: true},
		{name: "after last", target: 2001, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := FirstAtOrAfter(context.Background(), 0, 100, tt.target, probe)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.ok {
				t.Fatalf("ok mismatch: %v != %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Fatalf("unit mismatch: %d != %d", got, tt.want)
			}
		})
	}
}

func TestFirstAtOrAfterDuplicateTimestamps(t *testing.T) {
	stamps := []int64{10, 20, 20, 20, 30}
	probe := func(_ context.Context, n uint64) (int64, error) { return stamps[n], nil }

	got, ok, err := FirstAtOrAfter(context.Background(), 0, 4, 20, probe)
	if err != nil || !ok {
		t.Fatalf("unexpected result: %v %v", ok, err)
	}
	if got != 1 {
		t.Fatalf("expected first duplicate, got %d", got)
	}
}

func TestLastAtOrBefore(t *testing.T) {
	probe := linearProbe(1000, 10)

	got, ok, err := LastAtOrBefore(context.Background(), 0, 100, 1505, probe)
	if err != nil || !ok || got != 50 {
		t.Fatalf("unexpected result: %d %v %v", got, ok, err)
	}
	got, ok, err = LastAtOrBefore(context.Background(), 0, 100, 5000, probe)
	if err != nil || !ok || got != 100 {
		t.Fatalf("unexpected result after last: %d %v %v", got, ok, err)
	}
	if _, ok, err = LastAtOrBefore(context.Background(), 0, 100, 999, probe); err != nil || ok {
		t.Fatalf("expected no unit before first: %v %v", ok, err)
	}
}

func TestFirstAtOrAfterProbeError(t *testing.T) {
	boom := errors.New("boom")
	probe := func(context.Context, uint64) (int64, error) { return 0, boom }
	if _, _, err := FirstAtOrAfter(context.Background(), 0, 10, 5, probe); !errors.Is(err, boom) {
		t.Fatalf("expected probe error, got %v", err)
	}
}
