// Package ingest implements the cloud ingestion gateway: it accepts
// batches from sync forwarders, deduplicates them by (assetId, seq),
// persists them to the canonical event store, and acknowledges up to
// the highest contiguous stored sequence.
package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/observability"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/aggregate"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// Notifier is told about newly stored events so the aggregation engine
// can mark affected periods dirty. Must not block ingestion.
type Notifier interface {
	MarkDirty(assetID string, ts time.Time)
}

// Gateway handles forwarder pushes and metric queries.
type Gateway struct {
	store    ports.EventStore
	samples  ports.SampleStore
	notifier Notifier
	obs      ports.Observability
}

// NewGateway builds a gateway. notifier may be nil when no aggregation
// engine is attached (ingest-only deployments).
func NewGateway(store ports.EventStore, samples ports.SampleStore, notifier Notifier, obs ports.Observability) *Gateway {
	return &Gateway{store: store, samples: samples, notifier: notifier, obs: obs}
}

// Router mounts the gateway's HTTP surface.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/ingest", g.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/v1/oee", g.handleGetOEE).Methods(http.MethodGet)
	r.HandleFunc("/v1/losses", g.handleGetLosses).Methods(http.MethodGet)
	r.HandleFunc("/v1/anomalies", g.handleGetAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/v1/trend", g.handleGetTrend).Methods(http.MethodGet)
	r.HandleFunc("/v1/recommendations", g.handleGetRecommendations).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ports.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid batch payload: %v", err), http.StatusBadRequest)
		return
	}
	if req.AssetID == "" {
		http.Error(w, "asset_id is required", http.StatusBadRequest)
		return
	}

	start := time.Now()

	var (
		valid    []*domain.Event
		accepted []uint64
		rejected []ports.RejectedRecord
	)
	for _, rec := range req.Batch {
		if reason := validateRecord(req.AssetID, rec); reason != "" {
			rejected = append(rejected, ports.RejectedRecord{Seq: rec.Seq, Reason: reason})
			g.obs.IncCounter(observability.MetricRecordsRejected, 1)
			continue
		}
		valid = append(valid, rec.Payload)
		accepted = append(accepted, rec.Seq)
	}

	inserted, err := g.store.UpsertBatch(r.Context(), valid)
	if err != nil {
		// The whole batch fails together; the forwarder retries it.
		g.obs.LogError("ingest_store_failed", err, ports.F("asset", req.AssetID))
		http.Error(w, "event store unavailable", http.StatusServiceUnavailable)
		return
	}

	// Rejections are terminal per seq; record tombstones so later
	// batches can be acknowledged across them.
	if len(rejected) > 0 {
		seqs := make([]uint64, len(rejected))
		for i, rej := range rejected {
			seqs[i] = rej.Seq
		}
		if err := g.store.MarkRejected(r.Context(), req.AssetID, seqs); err != nil {
			g.obs.LogError("ingest_tombstone_failed", err, ports.F("asset", req.AssetID))
			http.Error(w, "event store unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	acked, err := g.store.HighestContiguous(r.Context(), req.AssetID)
	if err != nil {
		g.obs.LogError("ingest_ack_failed", err, ports.F("asset", req.AssetID))
		http.Error(w, "event store unavailable", http.StatusServiceUnavailable)
		return
	}

	g.obs.IncCounter(observability.MetricEventsIngested, float64(inserted))
	g.obs.ObserveLatency(observability.MetricIngestLatency, time.Since(start).Seconds())

	if g.notifier != nil && inserted > 0 {
		for _, ev := range valid {
			g.notifier.MarkDirty(req.AssetID, ev.Timestamp)
		}
	}

	writeJSON(w, http.StatusOK, ports.BatchResponse{
		Accepted:               accepted,
		Rejected:               rejected,
		HighestContiguousAcked: acked,
	})
}

// validateRecord returns a rejection reason, or "" when the record is
// well-formed.
func validateRecord(assetID string, rec ports.BatchRecord) string {
	if rec.Payload == nil {
		return "missing payload"
	}
	if rec.Seq == 0 || rec.Payload.Seq != rec.Seq {
		return "sequence id missing or inconsistent"
	}
	if rec.Payload.AssetID != assetID {
		return "payload asset does not match batch asset"
	}
	if rec.Payload.Timestamp.IsZero() {
		return "missing timestamp"
	}
	switch rec.Payload.Type {
	case domain.EventTypeTelemetry:
		if rec.Payload.Telemetry == nil {
			return "telemetry event without telemetry body"
		}
	case domain.EventTypeState:
		if rec.Payload.State == nil {
			return "state event without state body"
		}
	default:
		return fmt.Sprintf("unknown event type %q", rec.Payload.Type)
	}
	return ""
}

// metricQuery holds the asset/range parameters shared by the query
// endpoints.
type metricQuery struct {
	assetID string
	gran    domain.Granularity
	from    time.Time
	to      time.Time
}

// parseMetricQuery validates the common query parameters; a non-empty
// second return is the client error message.
func parseMetricQuery(r *http.Request, needGran bool) (metricQuery, string) {
	q := r.URL.Query()
	mq := metricQuery{assetID: q.Get("asset")}
	if mq.assetID == "" {
		return mq, "asset is required"
	}
	if needGran {
		mq.gran = domain.Granularity(q.Get("granularity"))
		if !mq.gran.Valid() {
			return mq, "granularity must be one of minute, hour, shift, day"
		}
	}
	var err error
	if mq.from, err = time.Parse(time.RFC3339, q.Get("from")); err != nil {
		return mq, "from must be RFC3339"
	}
	if mq.to, err = time.Parse(time.RFC3339, q.Get("to")); err != nil {
		return mq, "to must be RFC3339"
	}
	return mq, ""
}

func (g *Gateway) handleGetOEE(w http.ResponseWriter, r *http.Request) {
	mq, msg := parseMetricQuery(r, true)
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	samples, err := g.samples.GetOEE(r.Context(), mq.assetID, mq.from, mq.to, mq.gran)
	if err != nil {
		g.obs.LogError("oee_query_failed", err, ports.F("asset", mq.assetID))
		http.Error(w, "metric store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// handleGetLosses serves a Pareto ranking of the asset's losses over a
// range. vital=true cuts the ranking at the 80% line.
func (g *Gateway) handleGetLosses(w http.ResponseWriter, r *http.Request) {
	mq, msg := parseMetricQuery(r, true)
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	losses, err := g.samples.GetLosses(r.Context(), mq.assetID, mq.from, mq.to, mq.gran)
	if err != nil {
		g.obs.LogError("loss_query_failed", err, ports.F("asset", mq.assetID))
		http.Error(w, "metric store unavailable", http.StatusServiceUnavailable)
		return
	}

	entries := aggregate.Pareto(losses)
	if r.URL.Query().Get("vital") == "true" {
		entries = aggregate.VitalFew(entries)
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleGetAnomalies grades the asset's OEE factors over [from, to)
// against a baseline window ending at from. baseline is an optional Go
// duration, default 30 days.
func (g *Gateway) handleGetAnomalies(w http.ResponseWriter, r *http.Request) {
	mq, msg := parseMetricQuery(r, true)
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	lookback := 30 * 24 * time.Hour
	if raw := r.URL.Query().Get("baseline"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "baseline must be a positive duration", http.StatusBadRequest)
			return
		}
		lookback = d
	}

	recent, err := g.samples.GetOEE(r.Context(), mq.assetID, mq.from, mq.to, mq.gran)
	if err != nil {
		g.obs.LogError("anomaly_query_failed", err, ports.F("asset", mq.assetID))
		http.Error(w, "metric store unavailable", http.StatusServiceUnavailable)
		return
	}
	baseline, err := g.samples.GetOEE(r.Context(), mq.assetID, mq.from.Add(-lookback), mq.from, mq.gran)
	if err != nil {
		g.obs.LogError("anomaly_query_failed", err, ports.F("asset", mq.assetID))
		http.Error(w, "metric store unavailable", http.StatusServiceUnavailable)
		return
	}

	anomalies := aggregate.DetectAnomalies(recent, baseline)
	if anomalies == nil {
		anomalies = []domain.Anomaly{}
	}
	writeJSON(w, http.StatusOK, anomalies)
}

// handleGetTrend fits a line through the asset's daily OEE over
// [from, to) and forecasts it forward. days is the optional forecast
// horizon, default 7.
func (g *Gateway) handleGetTrend(w http.ResponseWriter, r *http.Request) {
	mq, msg := parseMetricQuery(r, false)
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	forecastDays := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		forecastDays = n
	}

	samples, err := g.samples.GetOEE(r.Context(), mq.assetID, mq.from, mq.to, domain.GranularityDay)
	if err != nil {
		g.obs.LogError("trend_query_failed", err, ports.F("asset", mq.assetID))
		http.Error(w, "metric store unavailable", http.StatusServiceUnavailable)
		return
	}

	trend, err := aggregate.TrendOEE(samples, forecastDays)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

// handleGetRecommendations maps the asset's vital-few losses to
// improvement suggestions.
func (g *Gateway) handleGetRecommendations(w http.ResponseWriter, r *http.Request) {
	mq, msg := parseMetricQuery(r, true)
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	losses, err := g.samples.GetLosses(r.Context(), mq.assetID, mq.from, mq.to, mq.gran)
	if err != nil {
		g.obs.LogError("recommendation_query_failed", err, ports.F("asset", mq.assetID))
		http.Error(w, "metric store unavailable", http.StatusServiceUnavailable)
		return
	}

	recs := aggregate.Recommend(aggregate.VitalFew(aggregate.Pareto(losses)))
	if recs == nil {
		recs = []domain.Recommendation{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
