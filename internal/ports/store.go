package ports

import (
	"context"
	"errors"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
)

// ErrStoreUnavailable signals a transient storage outage. Batches fail
// whole and the caller retries; nothing is partially applied.
var ErrStoreUnavailable = errors.New("event store unavailable")

// EventStore is the canonical, append-forever store behind the
// ingestion gateway. Upserts are keyed by (assetID, seq): re-delivery
// of a stored pair is a no-op, never an error and never a duplicate row.
type EventStore interface {
	// UpsertBatch inserts events idempotently. Returns the number of
	// rows actually inserted (already-present rows count as success but
	// not as inserts).
	UpsertBatch(ctx context.Context, events []*domain.Event) (int, error)

	// MarkRejected records tombstones for sequence ids rejected as
	// malformed. A rejection is terminal for its seq; the tombstone
	// lets acknowledgement pass it instead of treating it as a missing
	// record forever. Tombstoned seqs never surface in ReadRange, and a
	// later upsert of a tombstoned (assetID, seq) is a no-op.
	MarkRejected(ctx context.Context, assetID string, seqs []uint64) error

	// HighestContiguous returns the largest seq S for the asset such
	// that every seq in [1, S] is stored or tombstoned. Acknowledgements
	// never pass a gap of missing records.
	HighestContiguous(ctx context.Context, assetID string) (uint64, error)

	// ReadRange streams stored events for an asset whose timestamp lies
	// in [from, to), ordered by seq. Used by the aggregation engine.
	ReadRange(ctx context.Context, assetID string, from, to time.Time, fn func(ev *domain.Event) error) error

	Close() error
}

// SampleStore persists materialized OEE samples and loss records.
// Writes are idempotent overwrites keyed by (asset, periodStart,
// granularity).
type SampleStore interface {
	PutSample(ctx context.Context, s *domain.OEESample) error
	GetOEE(ctx context.Context, assetID string, from, to time.Time, g domain.Granularity) ([]*domain.OEESample, error)

	PutLosses(ctx context.Context, assetID string, periodStart time.Time, g domain.Granularity, losses []*domain.LossRecord) error
	GetLosses(ctx context.Context, assetID string, from, to time.Time, g domain.Granularity) ([]*domain.LossRecord, error)

	Close() error
}

// CheckpointStore durably records sync forwarder progress. Persist must
// be atomic with respect to crashes: after recovery Load returns either
// the previous or the new checkpoint, never a torn one.
type CheckpointStore interface {
	Load(assetID string) (*domain.SyncCheckpoint, error)
	Persist(cp *domain.SyncCheckpoint) error
}
