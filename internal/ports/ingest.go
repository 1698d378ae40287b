package ports

import (
	"context"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
)

// BatchRecord is one event on the wire between forwarder and gateway.
type BatchRecord struct {
	Seq       uint64           `json:"seq"`
	EventType domain.EventType `json:"event_type"`
	Timestamp time.Time        `json:"ts"`
	Payload   *domain.Event    `json:"payload"`
}

// BatchRequest is the forwarder-to-gateway push envelope.
type BatchRequest struct {
	ForwarderID string        `json:"forwarder_id"`
	AssetID     string        `json:"asset_id"`
	Batch       []BatchRecord `json:"batch"`
}

// RejectedRecord reports one malformed record in a partially accepted
// batch. Rejected records are not retried verbatim; they need upstream
// correction.
type RejectedRecord struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
}

// BatchResponse acknowledges a batch. Partial success is explicit:
// Accepted and Rejected together cover every record in the request.
// HighestContiguousAcked never passes a sequence gap.
type BatchResponse struct {
	Accepted               []uint64         `json:"accepted"`
	Rejected               []RejectedRecord `json:"rejected"`
	HighestContiguousAcked uint64           `json:"highest_contiguous_acked"`
}

// IngestClient is the forwarder's view of the cloud ingestion gateway.
// Push must bound its work by ctx; a timeout is indistinguishable from
// a connection failure and must never be assumed successful.
type IngestClient interface {
	Push(ctx context.Context, req BatchRequest) (*BatchResponse, error)
}

// RawReading is what a collector delivers to the normalizer: either a
// metric reading (MetricName set) or a state transition (ToState set).
type RawReading struct {
	AssetID    string     `json:"asset_id"`
	MetricName string     `json:"metric_name,omitempty"`
	Value      float64    `json:"value,omitempty"`
	Unit       string     `json:"unit,omitempty"`
	ProductID  string     `json:"product_id,omitempty"`
	FromState  string     `json:"from_state,omitempty"`
	ToState    string     `json:"to_state,omitempty"`
	ReasonCode string     `json:"reason_code,omitempty"`
	Timestamp  time.Time  `json:"ts"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	// CloseSeq closes a previously emitted open state interval instead
	// of opening a new one.
	CloseSeq uint64 `json:"close_seq,omitempty"`
}

// Collector feeds raw readings into the pipeline. How it talks to a
// field device is out of scope; drivers live behind this port.
type Collector interface {
	Start(out chan<- *RawReading) error
	Stop() error
}
