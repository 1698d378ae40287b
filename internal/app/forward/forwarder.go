// Package forward drains the edge buffer and pushes batches to the
// cloud ingestion gateway, tracking a durable checkpoint of delivery
// progress. One forwarding loop runs per asset so a stalled batch never
// blocks other assets.
package forward

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/observability"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/pkg/retry"
)

// State names the phases of the per-asset delivery loop.
type State string

const (
	StateIdle     State = "idle"
	StateBatching State = "batching"
	StateSending  State = "sending"
	StateAcked    State = "acked"
	StateFailed   State = "failed"
)

// Config tunes the forwarder.
type Config struct {
	BufferID      string
	BatchSize     int           // max events per batch (default 500)
	BatchInterval time.Duration // max wait to fill a batch (default 2s)
	PushTimeout   time.Duration // per-attempt network bound (default 10s)
	PollInterval  time.Duration // idle sleep when the buffer is drained (default 250ms)
	FanOut        int           // max concurrent asset loops (default 8)
	Backoff       retry.Config
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 2 * time.Second
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.FanOut <= 0 {
		c.FanOut = 8
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = retry.DefaultConfig()
	}
}

// Forwarder owns delivery for every asset in the buffer.
type Forwarder struct {
	cfg    Config
	id     string
	buffer ports.EdgeBuffer
	client ports.IngestClient
	cps    ports.CheckpointStore
	obs    ports.Observability

	mu     sync.Mutex
	paused map[string]bool
	loops  map[string]struct{}
	sem    chan struct{}
	wg     sync.WaitGroup
}

// New builds a forwarder. The forwarder id travels with every batch so
// the gateway can tell concurrent forwarders apart during failover.
func New(cfg Config, buf ports.EdgeBuffer, client ports.IngestClient, cps ports.CheckpointStore, obs ports.Observability) *Forwarder {
	cfg.applyDefaults()
	return &Forwarder{
		cfg:    cfg,
		id:     uuid.NewString(),
		buffer: buf,
		client: client,
		cps:    cps,
		obs:    obs,
		paused: make(map[string]bool),
		loops:  make(map[string]struct{}),
		sem:    make(chan struct{}, cfg.FanOut),
	}
}

// ID returns the forwarder's identity.
func (f *Forwarder) ID() string { return f.id }

// Run starts a delivery loop for every asset present in the buffer and
// watches for new assets until ctx is cancelled. It blocks until every
// loop has stopped.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.PollInterval * 4)
	defer ticker.Stop()

	f.startLoops(ctx)
	for {
		select {
		case <-ctx.Done():
			f.wg.Wait()
			return
		case <-ticker.C:
			f.startLoops(ctx)
			f.publishGauges()
		}
	}
}

func (f *Forwarder) startLoops(ctx context.Context) {
	for _, assetID := range f.buffer.Assets() {
		f.Track(ctx, assetID)
	}
}

// Track ensures a delivery loop is running for the asset.
func (f *Forwarder) Track(ctx context.Context, assetID string) {
	f.mu.Lock()
	if _, running := f.loops[assetID]; running {
		f.mu.Unlock()
		return
	}
	f.loops[assetID] = struct{}{}
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.assetLoop(ctx, assetID)
	}()
}

// Pause suspends forwarding for an asset without losing its buffer
// position. Appends continue to land in the buffer.
func (f *Forwarder) Pause(assetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[assetID] = true
}

// Resume lifts a pause; delivery restarts from the checkpoint.
func (f *Forwarder) Resume(assetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paused, assetID)
}

func (f *Forwarder) isPaused(assetID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[assetID]
}

// Drain forwards everything buffered for the asset, then returns. Used
// when decommissioning with delivery intact.
func (f *Forwarder) Drain(ctx context.Context, assetID string) error {
	for {
		cp, err := f.cps.Load(assetID)
		if err != nil {
			return err
		}
		pending, err := f.pendingCount(assetID, cp.LastAckedSeq)
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}
		if err := f.forwardOnce(ctx, assetID); err != nil {
			return err
		}
	}
}

// Discard drops the asset's buffer without delivery. Operator-visible
// and audited; the one deliberately lossy operation in the pipeline.
func (f *Forwarder) Discard(assetID string) error {
	cp, err := f.cps.Load(assetID)
	if err != nil {
		return err
	}
	pending, err := f.pendingCount(assetID, cp.LastAckedSeq)
	if err != nil {
		return err
	}
	if err := f.buffer.Discard(assetID); err != nil {
		return err
	}
	f.obs.IncCounter(observability.MetricBufferDiscarded, float64(pending))
	f.obs.LogCritical("buffer_discarded", fmt.Errorf("operator discard dropped %d undelivered events", pending),
		ports.F("asset", assetID))
	return nil
}

func (f *Forwarder) pendingCount(assetID string, afterSeq uint64) (int, error) {
	var n int
	err := f.buffer.ReadFrom(assetID, afterSeq, func(*domain.Event) error {
		n++
		return nil
	})
	return n, err
}

func (f *Forwarder) assetLoop(ctx context.Context, assetID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if f.isPaused(assetID) {
			f.sleep(ctx, f.cfg.PollInterval)
			continue
		}

		select {
		case f.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		err := f.forwardOnce(ctx, assetID)
		<-f.sem

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.obs.LogError("forward_failed", err, ports.F("asset", assetID))
			f.sleep(ctx, f.cfg.PollInterval)
		}
	}
}

// forwardOnce runs one pass of the delivery state machine:
// IDLE -> BATCHING -> SENDING -> (ACKED | FAILED) -> IDLE. A FAILED
// send retries the same batch inside the retry loop; the state machine
// only advances on ack.
func (f *Forwarder) forwardOnce(ctx context.Context, assetID string) error {
	cp, err := f.cps.Load(assetID)
	if err != nil {
		return err
	}

	batch, err := f.collectBatch(ctx, assetID, cp.LastAckedSeq)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		f.sleep(ctx, f.cfg.PollInterval)
		return nil
	}

	resolved, err := f.send(ctx, assetID, batch)
	if err != nil {
		return err
	}
	if resolved <= cp.LastAckedSeq {
		// Gateway is waiting on a gap another forwarder must fill.
		f.sleep(ctx, f.cfg.PollInterval)
		return nil
	}

	ack := &domain.SyncCheckpoint{
		BufferID:     f.cfg.BufferID,
		AssetID:      assetID,
		LastAckedSeq: resolved,
		LastAckedAt:  time.Now().UTC(),
	}
	if err := f.cps.Persist(ack); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	if err := f.buffer.TruncateUpTo(assetID, resolved); err != nil {
		return fmt.Errorf("truncate buffer: %w", err)
	}

	f.obs.IncCounter(observability.MetricBatchesForwarded, 1)
	f.obs.SetGauge(observability.MetricCheckpointSeq, float64(resolved))
	return nil
}

// collectBatch gathers up to BatchSize events past the checkpoint,
// waiting at most BatchInterval for a partial batch to fill.
func (f *Forwarder) collectBatch(ctx context.Context, assetID string, afterSeq uint64) ([]*domain.Event, error) {
	batch, err := f.readUpTo(assetID, afterSeq, f.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 || len(batch) >= f.cfg.BatchSize {
		return batch, nil
	}

	// Partial batch: give the buffer one interval to fill it.
	f.sleep(ctx, f.cfg.BatchInterval)
	return f.readUpTo(assetID, afterSeq, f.cfg.BatchSize)
}

func (f *Forwarder) readUpTo(assetID string, afterSeq uint64, max int) ([]*domain.Event, error) {
	var batch []*domain.Event
	stop := fmt.Errorf("batch full")
	err := f.buffer.ReadFrom(assetID, afterSeq, func(ev *domain.Event) error {
		batch = append(batch, ev)
		if len(batch) >= max {
			return stop
		}
		return nil
	})
	if err != nil && err != stop {
		return nil, err
	}
	return batch, nil
}

// send pushes one batch until the gateway acknowledges it, retrying
// with full-jitter backoff on any network failure or outage. Returns
// the highest sequence the checkpoint may advance to.
func (f *Forwarder) send(ctx context.Context, assetID string, batch []*domain.Event) (uint64, error) {
	req := ports.BatchRequest{
		ForwarderID: f.id,
		AssetID:     assetID,
		Batch:       make([]ports.BatchRecord, len(batch)),
	}
	for i, ev := range batch {
		req.Batch[i] = ports.BatchRecord{
			Seq:       ev.Seq,
			EventType: ev.Type,
			Timestamp: ev.Timestamp,
			Payload:   ev,
		}
	}

	start := time.Now()
	var resp *ports.BatchResponse
	err := retry.Do(ctx, f.cfg.Backoff, func() error {
		pushCtx, cancel := context.WithTimeout(ctx, f.cfg.PushTimeout)
		defer cancel()

		r, err := f.client.Push(pushCtx, req)
		if err != nil {
			// Timeouts are indistinguishable from connection failures:
			// never assume the batch landed, send it again. The gateway
			// upsert makes redelivery harmless.
			f.obs.IncCounter(observability.MetricForwardRetries, 1)
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return 0, err
	}
	f.obs.ObserveLatency(observability.MetricForwardLatency, time.Since(start).Seconds())

	for _, rej := range resp.Rejected {
		f.obs.IncCounter(observability.MetricRecordsRejected, 1)
		f.obs.LogError("record_rejected", fmt.Errorf("%s", rej.Reason),
			ports.F("asset", assetID), ports.F("seq", rej.Seq))
	}

	return resolvedSeq(resp), nil
}

// resolvedSeq computes how far the checkpoint may advance: the highest
// sequence with every earlier one either durably stored or explicitly
// rejected. An explicit rejection is terminal; the record needs
// upstream correction and retrying it verbatim would stall the asset
// behind a permanent gap.
func resolvedSeq(resp *ports.BatchResponse) uint64 {
	resolved := resp.HighestContiguousAcked
	if len(resp.Rejected) == 0 {
		return resolved
	}

	rejected := make([]uint64, 0, len(resp.Rejected))
	for _, r := range resp.Rejected {
		rejected = append(rejected, r.Seq)
	}
	sort.Slice(rejected, func(i, j int) bool { return rejected[i] < rejected[j] })

	accepted := make(map[uint64]bool, len(resp.Accepted))
	for _, seq := range resp.Accepted {
		accepted[seq] = true
	}

	for _, seq := range rejected {
		if seq != resolved+1 {
			continue
		}
		resolved = seq
		// Rejections can unblock a run of accepted records behind them.
		for accepted[resolved+1] {
			resolved++
		}
	}
	return resolved
}

func (f *Forwarder) publishGauges() {
	stats := f.buffer.Stats()
	f.obs.SetGauge(observability.MetricBufferSizeBytes, float64(stats.SizeBytes))
	if stats.OldestUnacked.IsZero() {
		f.obs.SetGauge(observability.MetricOldestUnackedAge, 0)
	} else {
		f.obs.SetGauge(observability.MetricOldestUnackedAge, time.Since(stats.OldestUnacked).Seconds())
	}
}

func (f *Forwarder) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
