// Package ms5 is the embedding surface for the telemetry pipeline: an
// EdgeRuntime for the plant-side process and a GatewayRuntime for the
// cloud side, both wired from configuration with every dependency
// overridable.
package ms5

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/buffer"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/checkpoint"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/collector"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/observability"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/opcua"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/config"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/forward"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/ingest"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/normalize"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/pipeline"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/pkg/retry"
)

// EdgeOption customizes the dependencies used by EdgeRuntime.
type EdgeOption func(*edgeOverrides)

type edgeOverrides struct {
	collector  ports.Collector
	buffer     ports.EdgeBuffer
	client     ports.IngestClient
	checkpoint ports.CheckpointStore
	obs        ports.Observability
	taps       []EventTap
}

// WithCollector injects a custom collector (MQTT, Modbus, simulators).
func WithCollector(col ports.Collector) EdgeOption {
	return func(o *edgeOverrides) { o.collector = col }
}

// WithBuffer lets callers bring their own durable buffer.
func WithBuffer(buf ports.EdgeBuffer) EdgeOption {
	return func(o *edgeOverrides) { o.buffer = buf }
}

// WithIngestClient swaps the HTTP uplink, e.g. for a broker transport.
func WithIngestClient(c ports.IngestClient) EdgeOption {
	return func(o *edgeOverrides) { o.client = c }
}

// WithCheckpointStore overrides forwarder checkpoint persistence.
func WithCheckpointStore(cps ports.CheckpointStore) EdgeOption {
	return func(o *edgeOverrides) { o.checkpoint = cps }
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs ports.Observability) EdgeOption {
	return func(o *edgeOverrides) { o.obs = obs }
}

// WithEventTap registers a tap that observes every event accepted into
// the durable buffer. May be given multiple times.
func WithEventTap(tap EventTap) EdgeOption {
	return func(o *edgeOverrides) {
		if tap != nil {
			o.taps = append(o.taps, tap)
		}
	}
}

// EdgeRuntime wires collector, normalizer, durable buffer and sync
// forwarder, and exposes lifecycle hooks for embedding the edge inside
// any Go service.
type EdgeRuntime struct {
	cfg  *config.Config
	obs  ports.Observability
	buf  ports.EdgeBuffer
	norm *normalize.Normalizer
	col  ports.Collector
	fwd  *forward.Forwarder

	metricsSrv *http.Server
	cancel     context.CancelFunc
	pumpDone   <-chan struct{}
	fwdDone    chan struct{}
}

// NewEdgeRuntime bootstraps the default adapters: socket collector,
// file buffer, file checkpoints, HTTP uplink, Prometheus observability.
func NewEdgeRuntime(cfg *config.Config, opts ...EdgeOption) (*EdgeRuntime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides edgeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	if overrides.client == nil || overrides.collector == nil {
		if err := cfg.ValidateEdge(); err != nil {
			return nil, err
		}
	}

	obs := overrides.obs
	if obs == nil {
		obs = observability.NewPromObs(prometheus.DefaultRegisterer)
	}

	buf := overrides.buffer
	if buf == nil {
		var err error
		buf, err = buffer.NewFileBuffer(cfg.Edge.BufferDir, cfg.Edge.CapacityBytes())
		if err != nil {
			return nil, err
		}
	}

	// The buffer is the durability authority for sequence recovery.
	floors := make(map[string]uint64)
	for asset, stats := range buf.Stats().PerAsset {
		floors[asset] = stats.LatestSeq
	}
	seq, err := normalize.NewSequencer(cfg.Edge.SeqDir, floors)
	if err != nil {
		return nil, err
	}

	tapped := newTappedBuffer(buf, overrides.taps, obs)
	norm := normalize.NewNormalizer(normalize.NewRegistry(cfg.Assets), seq, tapped, obs)

	col := overrides.collector
	if col == nil {
		col, err = collector.NewCollector(cfg.Collector, obs)
		if err != nil {
			return nil, err
		}
		if cfg.OPCUA != nil {
			ua, err := opcua.NewCollector(*cfg.OPCUA, obs)
			if err != nil {
				return nil, err
			}
			col = collector.Multi(col, ua)
		}
	}

	client := overrides.client
	if client == nil {
		client = ingest.NewClient(cfg.Forward.GatewayURL)
	}

	cps := overrides.checkpoint
	if cps == nil {
		cps, err = checkpoint.NewFileStore(cfg.Edge.CheckpointDir)
		if err != nil {
			return nil, err
		}
	}

	fwd := forward.New(forward.Config{
		BufferID:      bufferID(),
		BatchSize:     cfg.Forward.BatchSize,
		BatchInterval: cfg.Forward.BatchInterval,
		PushTimeout:   cfg.Forward.PushTimeout,
		FanOut:        cfg.Forward.FanOut,
		Backoff:       retry.Config{Base: cfg.Forward.BackoffBase, Cap: cfg.Forward.BackoffCap},
	}, buf, client, cps, obs)

	return &EdgeRuntime{
		cfg:  cfg,
		obs:  obs,
		buf:  buf,
		norm: norm,
		col:  col,
		fwd:  fwd,
	}, nil
}

// bufferID names this edge node's buffer in checkpoints and batches.
func bufferID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "edge"
	}
	return host
}

// Forwarder exposes the delivery controls (Pause, Resume, Drain,
// Discard) for operational tooling.
func (e *EdgeRuntime) Forwarder() *forward.Forwarder { return e.fwd }

// Ingest feeds one raw reading through the normalizer in-process,
// bypassing the socket collector. Synchronous: the event is durably
// buffered on return. ports.ErrBufferFull signals backpressure.
func (e *EdgeRuntime) Ingest(r *ports.RawReading) (*domain.Event, error) {
	return e.norm.Ingest(r)
}

// Start launches the collector pump, forwarding loops and the metrics
// server. It returns immediately; call Run to block on a context.
func (e *EdgeRuntime) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	pumpDone, err := pipeline.RunEdgePipeline(ctx, e.col, e.norm, e.obs, pipeline.Options{})
	if err != nil {
		cancel()
		return err
	}
	e.pumpDone = pumpDone

	e.fwdDone = make(chan struct{})
	go func() {
		e.fwd.Run(ctx)
		close(e.fwdDone)
	}()

	e.startMetrics()
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled, then shuts
// down gracefully.
func (e *EdgeRuntime) Run(ctx context.Context) error {
	if err := e.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// Shutdown stops the collector, waits for the pump and forwarder to
// exit, and closes the buffer.
func (e *EdgeRuntime) Shutdown(ctx context.Context) error {
	var errs []error

	if e.col != nil {
		if err := e.col.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.cancel != nil {
		e.cancel()
	}

	for _, done := range []<-chan struct{}{e.pumpDone, e.fwdDone} {
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if e.metricsSrv != nil {
		if err := e.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if err := e.buf.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *EdgeRuntime) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	e.metricsSrv = &http.Server{Addr: e.cfg.Metrics.Addr, Handler: mux}
	go func() {
		if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server exited: %v", err)
		}
	}()
}
