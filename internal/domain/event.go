package domain

import "time"

// EventType discriminates the two kinds of canonical edge records.
type EventType string

const (
	EventTypeTelemetry EventType = "telemetry"
	EventTypeState     EventType = "state"
)

// TelemetryEvent is a single normalized machine reading.
// Immutable once created; (AssetID, Seq) is the idempotency key.
type TelemetryEvent struct {
	AssetID    string    `json:"asset_id"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	ProductID  string    `json:"product_id,omitempty"`
	Timestamp  time.Time `json:"ts"`
	Seq        uint64    `json:"seq"`
}

// StateEvent is a discrete asset state transition. EndTime == nil means
// the interval is still open. An open interval is closed either
// implicitly by the next transition for the asset, or explicitly by a
// later event whose ClosesSeq references this one.
type StateEvent struct {
	AssetID    string     `json:"asset_id"`
	FromState  string     `json:"from_state"`
	ToState    string     `json:"to_state"`
	ReasonCode string     `json:"reason_code"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Seq        uint64     `json:"seq"`
	// ClosesSeq, when nonzero, marks this event as the explicit close of
	// the open interval opened under that sequence id.
	ClosesSeq uint64 `json:"closes_seq,omitempty"`
}

// Event is the envelope buffered at the edge and carried on the wire.
// Exactly one of Telemetry or State is set, matching Type.
type Event struct {
	AssetID   string          `json:"asset_id"`
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Telemetry *TelemetryEvent `json:"telemetry,omitempty"`
	State     *StateEvent     `json:"state,omitempty"`
}

// Closed reports whether a state event has a finished interval.
func (s *StateEvent) Closed() bool { return s.EndTime != nil }

// Duration returns the interval length of a closed state event, zero otherwise.
func (s *StateEvent) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Well-known asset states.
const (
	StateRunning = "running"
	StateStopped = "stopped"
	StateStarved = "starved"
	StateBlocked = "blocked"
)

// Metric name conventions consumed by the aggregation engine. Count
// metrics carry per-interval deltas, not cumulative totals.
const (
	MetricGoodCount   = "good_count"
	MetricRejectCount = "reject_count"
)

// SyncCheckpoint marks forwarding progress for one buffer. It is owned
// exclusively by the sync forwarder and only advances after the
// ingestion gateway has confirmed durability up to LastAckedSeq.
type SyncCheckpoint struct {
	BufferID     string    `json:"buffer_id"`
	AssetID      string    `json:"asset_id"`
	LastAckedSeq uint64    `json:"last_acked_seq"`
	LastAckedAt  time.Time `json:"last_acked_at"`
}
