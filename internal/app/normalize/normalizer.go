// Package normalize converts raw device readings into canonical events
// and owns per-asset sequence assignment.
package normalize

import (
	"errors"
	"fmt"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/observability"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// Validation errors. Readings failing validation are dropped and
// counted; they are never buffered and never retried.
var (
	ErrUnknownAsset    = errors.New("unknown asset")
	ErrUnknownMetric   = errors.New("metric not declared for asset")
	ErrValueOutOfRange = errors.New("value outside declared unit range")
	ErrBadReading      = errors.New("reading is neither metric nor state transition")
)

// MetricSpec declares a metric an asset may report and the representable
// range of its unit.
type MetricSpec struct {
	Unit string  `yaml:"unit"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
}

// AssetSpec declares one known asset.
type AssetSpec struct {
	ID      string                `yaml:"id"`
	Metrics map[string]MetricSpec `yaml:"metrics"`
}

// Registry is the set of assets the edge accepts readings for.
type Registry struct {
	assets map[string]AssetSpec
}

// NewRegistry builds a registry from declared assets.
func NewRegistry(specs []AssetSpec) *Registry {
	assets := make(map[string]AssetSpec, len(specs))
	for _, s := range specs {
		assets[s.ID] = s
	}
	return &Registry{assets: assets}
}

// Lookup returns the spec for an asset id.
func (r *Registry) Lookup(assetID string) (AssetSpec, bool) {
	s, ok := r.assets[assetID]
	return s, ok
}

// Normalizer validates raw readings, assigns sequence ids, and appends
// the canonical event to the edge buffer.
type Normalizer struct {
	registry *Registry
	seq      *Sequencer
	buffer   ports.EdgeBuffer
	obs      ports.Observability
}

// NewNormalizer wires a normalizer over its collaborators.
func NewNormalizer(reg *Registry, seq *Sequencer, buf ports.EdgeBuffer, obs ports.Observability) *Normalizer {
	return &Normalizer{registry: reg, seq: seq, buffer: buf, obs: obs}
}

// Ingest converts one raw reading into a canonical event and buffers it
// durably. Validation failures drop the reading with a counted metric.
// On ports.ErrBufferFull the normalized event is returned alongside the
// error: the caller applies backpressure and retries that same event
// with Buffer, so the already-assigned sequence id is not lost and the
// per-asset sequence stays dense.
func (n *Normalizer) Ingest(r *ports.RawReading) (*domain.Event, error) {
	ev, err := n.normalize(r)
	if err != nil {
		n.obs.IncCounter(observability.MetricValidationDropped, 1)
		n.obs.LogError("reading_rejected", err, ports.F("asset", r.AssetID))
		return nil, err
	}

	if err := n.Buffer(ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// Buffer appends an already-normalized event. Split from Ingest so
// backpressure retries reuse the event's sequence id instead of
// allocating a fresh one.
func (n *Normalizer) Buffer(ev *domain.Event) error {
	if _, err := n.buffer.Append(ev); err != nil {
		if errors.Is(err, ports.ErrBufferFull) {
			n.obs.LogError("buffer_full", err, ports.F("asset", ev.AssetID))
		}
		return err
	}
	n.obs.IncCounter(observability.MetricEventsNormalized, 1)
	return nil
}

func (n *Normalizer) normalize(r *ports.RawReading) (*domain.Event, error) {
	spec, ok := n.registry.Lookup(r.AssetID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, r.AssetID)
	}

	switch {
	case r.MetricName != "":
		return n.normalizeTelemetry(r, spec)
	case r.ToState != "" || r.CloseSeq != 0:
		return n.normalizeState(r)
	default:
		return nil, ErrBadReading
	}
}

func (n *Normalizer) normalizeTelemetry(r *ports.RawReading, spec AssetSpec) (*domain.Event, error) {
	ms, ok := spec.Metrics[r.MetricName]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownMetric, r.AssetID, r.MetricName)
	}
	if r.Value < ms.Min || r.Value > ms.Max {
		return nil, fmt.Errorf("%w: %s/%s value %g range [%g, %g]",
			ErrValueOutOfRange, r.AssetID, r.MetricName, r.Value, ms.Min, ms.Max)
	}

	seq, err := n.seq.Next(r.AssetID)
	if err != nil {
		return nil, err
	}
	return &domain.Event{
		AssetID:   r.AssetID,
		Seq:       seq,
		Type:      domain.EventTypeTelemetry,
		Timestamp: r.Timestamp,
		Telemetry: &domain.TelemetryEvent{
			AssetID:    r.AssetID,
			MetricName: r.MetricName,
			Value:      r.Value,
			Unit:       ms.Unit,
			ProductID:  r.ProductID,
			Timestamp:  r.Timestamp,
			Seq:        seq,
		},
	}, nil
}

func (n *Normalizer) normalizeState(r *ports.RawReading) (*domain.Event, error) {
	if r.CloseSeq != 0 && r.EndTime == nil {
		return nil, fmt.Errorf("%w: close update without end time", ErrBadReading)
	}

	seq, err := n.seq.Next(r.AssetID)
	if err != nil {
		return nil, err
	}
	return &domain.Event{
		AssetID:   r.AssetID,
		Seq:       seq,
		Type:      domain.EventTypeState,
		Timestamp: r.Timestamp,
		State: &domain.StateEvent{
			AssetID:    r.AssetID,
			FromState:  r.FromState,
			ToState:    r.ToState,
			ReasonCode: r.ReasonCode,
			StartTime:  r.Timestamp,
			EndTime:    r.EndTime,
			Seq:        seq,
			ClosesSeq:  r.CloseSeq,
		},
	}, nil
}
