package resource

import (
	"context"
	"errors"
	"sync"

	"marketScope/internal/alert"
	"marketScope/internal/model"
)

type memStore struct {
	mu      sync.Mutex
	prices  map[int64]map[int64]model.ResourcePrice
	upserts int
}

func newMemStore() *memStore {
	return &memStore{prices: make(map[int64]map[int64]model.ResourcePrice)}
}

func (m *memStore) UpsertPrice(_ context.Context, p model.ResourcePrice, overwrite bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	byTs, ok := m.prices[p.ResourceID]
	if !ok {
		byTs = make(map[int64]model.ResourcePrice)
		m.prices[p.ResourceID] = byTs
	}
	if _, exists := byTs[p.Timestamp]; exists && !overwrite {
		return false, nil
	}
	byTs[p.Timestamp] = p
	return true, nil
}

func (m *memStore) ExistingBlocks(_ context.Context, resourceID int64, from, to uint64) (map[uint64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]struct{})
	for _, p := range m.prices[resourceID] {
		if p.BlockNumber >= from && p.BlockNumber <= to {
			out[p.BlockNumber] = struct{}{}
		}
	}
	return out, nil
}

func (m *memStore) LatestPrice(_ context.Context, resourceID int64) (model.ResourcePrice, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		latest model.ResourcePrice
		found  bool
	)
	for _, p := range m.prices[resourceID] {
		if !found || p.Timestamp > latest.Timestamp {
			latest, found = p, true
		}
	}
	return latest, found, nil
}

func (m *memStore) count(resourceID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prices[resourceID])
}

func (m *memStore) byBlock(resourceID int64, block uint64) (model.ResourcePrice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.prices[resourceID] {
		if p.BlockNumber == block {
			return p, true
		}
	}
	return model.ResourcePrice{}, false
}

// flakyStore fails the upsert of every price at a listed timestamp.
type flakyStore struct {
	*memStore
	failAt map[int64]bool
}

func (f *flakyStore) UpsertPrice(ctx context.Context, p model.ResourcePrice, overwrite bool) (bool, error) {
	if f.failAt[p.Timestamp] {
		return false, errors.New("connection reset")
	}
	return f.memStore.UpsertPrice(ctx, p, overwrite)
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *alertRecorder) Send(_ context.Context, a alert.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}
