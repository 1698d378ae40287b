package aggregate

import (
	"context"
	"sync"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/observability"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// IdealCycles maps product ids to their ideal cycle time. The "default"
// key applies to products without an entry of their own.
type IdealCycles map[string]time.Duration

func (c IdealCycles) lookup(productID string) time.Duration {
	if d, ok := c[productID]; ok {
		return d
	}
	return c["default"]
}

// Config tunes the aggregation engine.
type Config struct {
	// ShiftLength is the site shift duration. Shifts are anchored at
	// midnight UTC.
	ShiftLength time.Duration

	// GraceWindow is how long after a period's end late arrivals are
	// still expected. A period closes once the window has elapsed;
	// writes after closure recompute it retroactively.
	GraceWindow time.Duration

	// Tick is the recompute loop interval.
	Tick time.Duration

	// Lookback is how far before a period's start events are read so
	// that state intervals opened earlier but overlapping the period are
	// reconstructed.
	Lookback time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShiftLength <= 0 {
		c.ShiftLength = 8 * time.Hour
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 15 * time.Minute
	}
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	return c
}

type periodKey struct {
	assetID string
	g       domain.Granularity
	start   int64
}

// Engine materializes OEE samples and loss records from stored events.
// It tracks dirty periods via MarkDirty notifications from the
// ingestion gateway and recomputes them on a ticker. A period whose
// grace window has elapsed is closed; marks landing on a closed period
// trigger a retroactive recompute, which is a full overwrite, never a
// delta.
type Engine struct {
	store   ports.EventStore
	samples ports.SampleStore
	losses  *LossTable
	cycles  IdealCycles
	obs     ports.Observability
	cfg     Config

	mu     sync.Mutex
	dirty  map[periodKey]struct{}
	closed map[periodKey]struct{}

	now func() time.Time
}

// NewEngine wires an engine over the canonical event store and the
// sample store.
func NewEngine(store ports.EventStore, samples ports.SampleStore, losses *LossTable, cycles IdealCycles, obs ports.Observability, cfg Config) *Engine {
	return &Engine{
		store:   store,
		samples: samples,
		losses:  losses,
		cycles:  cycles,
		obs:     obs,
		cfg:     cfg.withDefaults(),
		dirty:   map[periodKey]struct{}{},
		closed:  map[periodKey]struct{}{},
		now:     time.Now,
	}
}

// PeriodStart returns the start of the period containing ts for g.
// Minute, hour and day truncate on calendar boundaries in UTC; shifts
// are fixed-length slots anchored at midnight UTC.
func (e *Engine) PeriodStart(ts time.Time, g domain.Granularity) time.Time {
	ts = ts.UTC()
	switch g {
	case domain.GranularityMinute:
		return ts.Truncate(time.Minute)
	case domain.GranularityHour:
		return ts.Truncate(time.Hour)
	case domain.GranularityDay:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case domain.GranularityShift:
		midnight := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		slot := ts.Sub(midnight) / e.cfg.ShiftLength
		return midnight.Add(slot * e.cfg.ShiftLength)
	}
	return ts
}

// MarkDirty records that an event with timestamp ts was stored for the
// asset. Every granularity period containing ts becomes dirty. Marks on
// already-closed periods are counted as retroactive recomputes.
func (e *Engine) MarkDirty(assetID string, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, g := range domain.Granularities {
		key := periodKey{assetID: assetID, g: g, start: e.PeriodStart(ts, g).UnixNano()}
		if _, done := e.closed[key]; done {
			e.obs.IncCounter(observability.MetricRetroRecomputes, 1)
			e.obs.LogInfo("retroactive recompute scheduled",
				ports.F("asset", assetID),
				ports.F("granularity", string(g)),
				ports.F("period_start", time.Unix(0, key.start).UTC().Format(time.RFC3339)),
			)
		}
		e.dirty[key] = struct{}{}
	}
}

// Run drives the recompute loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Flush(ctx)
		}
	}
}

// Flush recomputes every dirty period. Open periods stay dirty so their
// rolling figures keep updating; periods past their grace window get a
// final compute, are marked closed, and leave the dirty set.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	keys := make([]periodKey, 0, len(e.dirty))
	for k := range e.dirty {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	now := e.now()
	for _, key := range keys {
		start := time.Unix(0, key.start).UTC()
		end := start.Add(key.g.Window(e.cfg.ShiftLength))
		closes := now.After(end.Add(e.cfg.GraceWindow))

		sample, losses, err := e.Compute(ctx, key.assetID, key.g, start)
		if err != nil {
			e.obs.LogError("period recompute failed", err,
				ports.F("asset", key.assetID),
				ports.F("granularity", string(key.g)),
			)
			continue
		}

		e.mu.Lock()
		_, wasClosed := e.closed[key]
		e.mu.Unlock()
		if wasClosed {
			sample.RecomputedAt = now.UTC()
		}

		if err := e.samples.PutSample(ctx, sample); err != nil {
			e.obs.LogError("sample write failed", err, ports.F("asset", key.assetID))
			continue
		}
		if err := e.samples.PutLosses(ctx, key.assetID, start, key.g, losses); err != nil {
			e.obs.LogError("loss write failed", err, ports.F("asset", key.assetID))
			continue
		}

		if closes {
			e.mu.Lock()
			e.closed[key] = struct{}{}
			delete(e.dirty, key)
			e.mu.Unlock()
		}
	}

	e.pruneClosed(now)
}

// pruneClosed drops closed-period bookkeeping older than the lookback
// horizon. Events are only read up to Lookback before a period's start,
// so a mark that old can no longer change the period; forgetting it
// keeps the closed set bounded instead of growing by one entry per
// asset per minute forever.
func (e *Engine) pruneClosed(now time.Time) {
	horizon := now.Add(-e.cfg.Lookback)
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.closed {
		end := time.Unix(0, key.start).UTC().Add(key.g.Window(e.cfg.ShiftLength))
		if end.Before(horizon) {
			delete(e.closed, key)
		}
	}
}

// interval is one reconstructed machine state span.
type interval struct {
	state  string
	reason string
	start  time.Time
	end    *time.Time
}

// Compute derives the OEE sample and loss records for one period from
// the canonical store. It is a pure function of stored events: running
// it twice over the same data yields identical output.
func (e *Engine) Compute(ctx context.Context, assetID string, g domain.Granularity, periodStart time.Time) (*domain.OEESample, []*domain.LossRecord, error) {
	periodStart = periodStart.UTC()
	periodEnd := periodStart.Add(g.Window(e.cfg.ShiftLength))
	readFrom := periodStart.Add(-e.cfg.Lookback)

	var (
		intervals []*interval
		bySeq     = map[uint64]*interval{}
		open      *interval

		goodCount, rejectCount float64
		countByProduct         = map[string]float64{}
		sampleCount            int
	)

	err := e.store.ReadRange(ctx, assetID, readFrom, periodEnd, func(ev *domain.Event) error {
		switch ev.Type {
		case domain.EventTypeTelemetry:
			t := ev.Telemetry
			if t.Timestamp.Before(periodStart) || !t.Timestamp.Before(periodEnd) {
				return nil
			}
			sampleCount++
			switch t.MetricName {
			case domain.MetricGoodCount:
				goodCount += t.Value
				countByProduct[t.ProductID] += t.Value
			case domain.MetricRejectCount:
				rejectCount += t.Value
				countByProduct[t.ProductID] += t.Value
			}
		case domain.EventTypeState:
			s := ev.State
			if s.ClosesSeq != 0 {
				if prev, ok := bySeq[s.ClosesSeq]; ok && prev.end == nil && s.EndTime != nil {
					prev.end = s.EndTime
				}
				return nil
			}
			if open != nil && open.end == nil {
				t := s.StartTime
				open.end = &t
			}
			iv := &interval{state: s.ToState, reason: s.ReasonCode, start: s.StartTime, end: s.EndTime}
			intervals = append(intervals, iv)
			bySeq[s.Seq] = iv
			open = iv
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	planned := periodEnd.Sub(periodStart)
	var stopped, unplannedDowntime time.Duration
	var losses []*domain.LossRecord

	for _, iv := range intervals {
		if iv.state == domain.StateRunning || iv.end == nil {
			continue
		}
		start, end := iv.start, *iv.end
		if start.Before(periodStart) {
			start = periodStart
		}
		if end.After(periodEnd) {
			end = periodEnd
		}
		if !end.After(start) {
			continue
		}
		d := end.Sub(start)
		cat, weight := e.losses.Classify(iv.reason)
		stopped += d
		if cat.Downtime() {
			unplannedDowntime += d
		}
		losses = append(losses, &domain.LossRecord{
			AssetID:    assetID,
			Category:   cat,
			ReasonCode: iv.reason,
			Duration:   d,
			CostWeight: weight,
			Start:      start,
		})
	}
	if stopped > planned {
		stopped = planned
	}
	if unplannedDowntime > planned {
		unplannedDowntime = planned
	}

	availability := clamp01((planned - unplannedDowntime).Seconds() / planned.Seconds())

	runTime := planned - stopped
	totalCount := goodCount + rejectCount
	var performance float64
	if runTime > 0 && totalCount > 0 {
		var weightedIdeal float64
		for product, n := range countByProduct {
			weightedIdeal += n * e.cycles.lookup(product).Seconds()
		}
		performance = clamp01(weightedIdeal / runTime.Seconds())
	}

	quality := 1.0
	if totalCount > 0 {
		quality = clamp01(goodCount / totalCount)
	}

	return &domain.OEESample{
		AssetID:      assetID,
		Granularity:  g,
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
		Availability: availability,
		Performance:  performance,
		Quality:      quality,
		OEE:          availability * performance * quality,
		SampleCount:  sampleCount,
	}, losses, nil
}

// GetOEE returns stored samples for the asset and range.
func (e *Engine) GetOEE(ctx context.Context, assetID string, from, to time.Time, g domain.Granularity) ([]*domain.OEESample, error) {
	return e.samples.GetOEE(ctx, assetID, from, to, g)
}

// LossPareto ranks the asset's losses over [from, to) by total
// duration.
func (e *Engine) LossPareto(ctx context.Context, assetID string, from, to time.Time, g domain.Granularity) ([]domain.ParetoEntry, error) {
	losses, err := e.samples.GetLosses(ctx, assetID, from, to, g)
	if err != nil {
		return nil, err
	}
	return Pareto(losses), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
