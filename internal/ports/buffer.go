package ports

import (
	"errors"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
)

// ErrBufferFull is returned by Append when the configured capacity
// bound is exceeded. Callers apply backpressure upstream; the buffer
// never drops silently.
var ErrBufferFull = errors.New("edge buffer full")

// Position identifies an appended record: the per-asset sequence id.
type Position struct {
	AssetID string
	Seq     uint64
}

// EdgeBuffer is the durable, ordered, append-only local queue between
// the normalizer and the sync forwarder. Implementations must survive
// process crash and torn writes; a record is either fully present or
// absent after recovery, never half-read.
type EdgeBuffer interface {
	// Append durably stores ev and returns its position. Never blocks
	// on the network; fails only on local storage exhaustion.
	Append(ev *domain.Event) (Position, error)

	// ReadFrom streams buffered events for one asset with seq > afterSeq,
	// in order, without mutating the buffer. Iteration stops early when
	// fn returns an error.
	ReadFrom(assetID string, afterSeq uint64, fn func(ev *domain.Event) error) error

	// TruncateUpTo discards events with seq <= upTo for the asset.
	// Idempotent: a no-op when upTo does not advance the truncation
	// point. Only called after a checkpoint confirms downstream
	// durability.
	TruncateUpTo(assetID string, upTo uint64) error

	// Discard drops an asset's entire buffer. Operator-visible: callers
	// must log and count it; used only when decommissioning.
	Discard(assetID string) error

	// Assets lists asset ids with buffered or previously seen data.
	Assets() []string

	// Stats reports buffer occupancy for backpressure and alarms.
	Stats() BufferStats

	Close() error
}

// BufferStats is a point-in-time view of buffer occupancy.
type BufferStats struct {
	SizeBytes int64
	// OldestUnacked is the append time of the oldest event not yet
	// truncated; zero when the buffer is fully drained. Drives the
	// oldest-unacked-age alarm metric.
	OldestUnacked time.Time
	PerAsset      map[string]AssetBufferStats
}

// AssetBufferStats describes one asset's slice of the buffer.
type AssetBufferStats struct {
	LatestSeq    uint64
	TruncatedSeq uint64
	SizeBytes    int64
}
