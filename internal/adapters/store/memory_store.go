package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// MemoryStore is a map-backed ports.EventStore for tests and local
// single-process mode. Semantics match PostgresStore: upserts are
// idempotent by (assetID, seq) and acknowledgement never passes a gap.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string]map[uint64]*domain.Event
	rejected map[string]map[uint64]bool
	// Unavailable simulates a storage outage; every call fails whole.
	Unavailable bool
}

// NewMemoryStore returns an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string]map[uint64]*domain.Event),
		rejected: make(map[string]map[uint64]bool),
	}
}

func (m *MemoryStore) UpsertBatch(ctx context.Context, events []*domain.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return 0, ports.ErrStoreUnavailable
	}

	var inserted int
	for _, ev := range events {
		byAsset, ok := m.events[ev.AssetID]
		if !ok {
			byAsset = make(map[uint64]*domain.Event)
			m.events[ev.AssetID] = byAsset
		}
		if _, dup := byAsset[ev.Seq]; dup {
			continue
		}
		if m.rejected[ev.AssetID][ev.Seq] {
			continue
		}
		byAsset[ev.Seq] = ev
		inserted++
	}
	return inserted, nil
}

func (m *MemoryStore) MarkRejected(ctx context.Context, assetID string, seqs []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return ports.ErrStoreUnavailable
	}

	byAsset, ok := m.rejected[assetID]
	if !ok {
		byAsset = make(map[uint64]bool)
		m.rejected[assetID] = byAsset
	}
	for _, seq := range seqs {
		if _, stored := m.events[assetID][seq]; stored {
			continue
		}
		byAsset[seq] = true
	}
	return nil
}

func (m *MemoryStore) HighestContiguous(ctx context.Context, assetID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unavailable {
		return 0, ports.ErrStoreUnavailable
	}

	byAsset := m.events[assetID]
	tombstones := m.rejected[assetID]
	var s uint64
	for {
		_, stored := byAsset[s+1]
		if !stored && !tombstones[s+1] {
			return s, nil
		}
		s++
	}
}

func (m *MemoryStore) ReadRange(ctx context.Context, assetID string, from, to time.Time, fn func(ev *domain.Event) error) error {
	m.mu.RLock()
	if m.Unavailable {
		m.mu.RUnlock()
		return ports.ErrStoreUnavailable
	}
	var out []*domain.Event
	for _, ev := range m.events[assetID] {
		if !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			out = append(out, ev)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	for _, ev := range out {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// Count reports stored rows for an asset; handy in tests asserting the
// no-duplicates property.
func (m *MemoryStore) Count(assetID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[assetID])
}

func (m *MemoryStore) Close() error { return nil }

var _ ports.EventStore = (*MemoryStore)(nil)
