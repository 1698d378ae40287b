package ms5

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/observability"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/store"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/aggregate"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/config"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/ingest"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// GatewayOption customizes the dependencies used by GatewayRuntime.
type GatewayOption func(*gatewayOverrides)

type gatewayOverrides struct {
	events  ports.EventStore
	samples ports.SampleStore
	losses  *aggregate.LossTable
	obs     ports.Observability
}

// WithEventStore swaps the canonical store, e.g. an in-memory store for
// single-process deployments and tests.
func WithEventStore(s ports.EventStore) GatewayOption {
	return func(o *gatewayOverrides) { o.events = s }
}

// WithSampleStore swaps the materialized sample store.
func WithSampleStore(s ports.SampleStore) GatewayOption {
	return func(o *gatewayOverrides) { o.samples = s }
}

// WithLossTable injects an in-memory reason-code table instead of
// loading one from disk.
func WithLossTable(t *aggregate.LossTable) GatewayOption {
	return func(o *gatewayOverrides) { o.losses = t }
}

// WithGatewayObservability plugs in a custom observability backend.
func WithGatewayObservability(obs ports.Observability) GatewayOption {
	return func(o *gatewayOverrides) { o.obs = obs }
}

// GatewayRuntime wires the ingestion gateway, the canonical event
// store, and the aggregation engine into one cloud-side process.
type GatewayRuntime struct {
	cfg     *config.Config
	obs     ports.Observability
	events  ports.EventStore
	samples ports.SampleStore
	losses  *aggregate.LossTable
	engine  *aggregate.Engine
	gateway *ingest.Gateway

	db         *sql.DB
	httpSrv    *http.Server
	metricsSrv *http.Server
	cancel     context.CancelFunc
	engineDone chan struct{}
}

// NewGatewayRuntime bootstraps the default adapters: Postgres event
// store, badger sample store, yaml loss table, Prometheus
// observability.
func NewGatewayRuntime(cfg *config.Config, opts ...GatewayOption) (*GatewayRuntime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides gatewayOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	obs := overrides.obs
	if obs == nil {
		obs = observability.NewPromObs(prometheus.DefaultRegisterer)
	}

	var db *sql.DB
	events := overrides.events
	if events == nil {
		if cfg.Gateway.Postgres.ConnString == "" {
			return nil, fmt.Errorf("gateway.postgres.conn_string is required")
		}
		var err error
		db, err = sql.Open("postgres", cfg.Gateway.Postgres.ConnString)
		if err != nil {
			return nil, err
		}
		events = store.NewPostgresStore(db, cfg.Gateway.Postgres.Table)
	}

	samples := overrides.samples
	if samples == nil {
		var err error
		samples, err = store.NewBadgerSampleStore(store.BadgerConfig{Dir: cfg.Gateway.SampleDir})
		if err != nil {
			return nil, err
		}
	}

	losses := overrides.losses
	if losses == nil {
		if cfg.Gateway.LossTablePath == "" {
			return nil, fmt.Errorf("gateway.loss_table is required")
		}
		var err error
		losses, err = aggregate.LoadLossTable(cfg.Gateway.LossTablePath)
		if err != nil {
			return nil, err
		}
	}

	engine := aggregate.NewEngine(events, samples, losses, cfg.Gateway.IdealCycles(), obs, aggregate.Config{
		ShiftLength: cfg.Gateway.ShiftLength,
		GraceWindow: cfg.Gateway.GraceWindow,
		Tick:        cfg.Gateway.Tick,
		Lookback:    cfg.Gateway.Lookback,
	})

	return &GatewayRuntime{
		cfg:     cfg,
		obs:     obs,
		events:  events,
		samples: samples,
		losses:  losses,
		engine:  engine,
		gateway: ingest.NewGateway(events, samples, engine, obs),
		db:      db,
	}, nil
}

// Engine exposes the aggregation engine for query tooling.
func (g *GatewayRuntime) Engine() *aggregate.Engine { return g.engine }

// ReloadLossTable re-reads the reason-code table from disk. The old
// table stays live if the new file fails validation.
func (g *GatewayRuntime) ReloadLossTable() error {
	if g.cfg.Gateway.LossTablePath == "" {
		return fmt.Errorf("no loss table path configured")
	}
	return g.losses.ReloadFrom(g.cfg.Gateway.LossTablePath)
}

// Start launches the HTTP surface, the aggregation loop and the metrics
// server. It returns immediately; call Run to block on a context.
func (g *GatewayRuntime) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	g.engineDone = make(chan struct{})
	go func() {
		g.engine.Run(ctx)
		close(g.engineDone)
	}()

	g.httpSrv = &http.Server{Addr: g.cfg.Gateway.ListenAddr, Handler: g.gateway.Router()}
	go func() {
		if err := g.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("gateway server exited: %v", err)
		}
	}()

	g.startMetrics()
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled, then shuts
// down gracefully.
func (g *GatewayRuntime) Run(ctx context.Context) error {
	if err := g.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(shutdownCtx)
}

// Shutdown stops the HTTP surface, flushes the aggregation loop, and
// closes the stores.
func (g *GatewayRuntime) Shutdown(ctx context.Context) error {
	var errs []error

	if g.httpSrv != nil {
		if err := g.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if g.cancel != nil {
		g.cancel()
	}
	if g.engineDone != nil {
		select {
		case <-g.engineDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	// One last pass so dirty periods land before the stores close.
	g.engine.Flush(context.Background())

	if g.metricsSrv != nil {
		if err := g.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if err := g.samples.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := g.events.Close(); err != nil {
		errs = append(errs, err)
	}
	if g.db != nil {
		if err := g.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *GatewayRuntime) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	g.metricsSrv = &http.Server{Addr: g.cfg.Metrics.Addr, Handler: mux}
	go func() {
		if err := g.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server exited: %v", err)
		}
	}()
}
