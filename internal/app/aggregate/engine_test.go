package aggregate

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/observability"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/store"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

type countingObs struct {
	mu       sync.Mutex
	counters map[string]float64
}

func newCountingObs() *countingObs { return &countingObs{counters: map[string]float64{}} }

func (o *countingObs) LogInfo(string, ...ports.Field)            {}
func (o *countingObs) LogError(string, error, ...ports.Field)    {}
func (o *countingObs) LogCritical(string, error, ...ports.Field) {}
func (o *countingObs) SetGauge(string, float64)                  {}
func (o *countingObs) ObserveLatency(string, float64)            {}
func (o *countingObs) IncCounter(name string, v float64) {
	o.mu.Lock()
	o.counters[name] += v
	o.mu.Unlock()
}
func (o *countingObs) counter(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[name]
}

func testLossTable() *LossTable {
	return NewLossTable(map[string]domain.LossCategory{
		"BRK-01": domain.LossBreakdown,
		"CHG-01": domain.LossChangeover,
		"JAM-02": domain.LossMinorStop,
	})
}

func testEngine(t *testing.T, events *store.MemoryStore, obs ports.Observability) (*Engine, ports.SampleStore) {
	t.Helper()
	samples, err := store.NewBadgerSampleStore(store.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { samples.Close() })

	eng := NewEngine(events, samples, testLossTable(),
		IdealCycles{"default": 10 * time.Second},
		obs,
		Config{ShiftLength: 8 * time.Hour, GraceWindow: 15 * time.Minute},
	)
	return eng, samples
}

// seed writes a contiguous event sequence for one asset.
func seed(t *testing.T, events *store.MemoryStore, evs []*domain.Event) {
	t.Helper()
	for i, ev := range evs {
		ev.Seq = uint64(i + 1)
		if ev.Telemetry != nil {
			ev.Telemetry.Seq = ev.Seq
		}
		if ev.State != nil {
			ev.State.Seq = ev.Seq
		}
	}
	_, err := events.UpsertBatch(context.Background(), evs)
	require.NoError(t, err)
}

func telemetryAt(asset, metric, product string, v float64, ts time.Time) *domain.Event {
	return &domain.Event{
		AssetID: asset, Type: domain.EventTypeTelemetry, Timestamp: ts,
		Telemetry: &domain.TelemetryEvent{AssetID: asset, MetricName: metric, Value: v, ProductID: product, Timestamp: ts},
	}
}

func stateAt(asset, to, reason string, ts time.Time) *domain.Event {
	return &domain.Event{
		AssetID: asset, Type: domain.EventTypeState, Timestamp: ts,
		State: &domain.StateEvent{AssetID: asset, ToState: to, ReasonCode: reason, StartTime: ts},
	}
}

// An eight hour shift with one 45 minute breakdown, 1200 good and 50
// rejected units at a 10 second ideal cycle.
func TestShiftOEEWithBreakdown(t *testing.T) {
	events := store.NewMemoryStore()
	shift := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	seed(t, events, []*domain.Event{
		stateAt("press-1", domain.StateRunning, "", shift),
		stateAt("press-1", domain.StateStopped, "BRK-01", shift.Add(time.Hour)),
		stateAt("press-1", domain.StateRunning, "", shift.Add(time.Hour+45*time.Minute)),
		telemetryAt("press-1", domain.MetricGoodCount, "sku-a", 1200, shift.Add(7*time.Hour)),
		telemetryAt("press-1", domain.MetricRejectCount, "sku-a", 50, shift.Add(7*time.Hour+time.Minute)),
	})

	eng, _ := testEngine(t, events, newCountingObs())
	sample, losses, err := eng.Compute(context.Background(), "press-1", domain.GranularityShift, shift)
	require.NoError(t, err)

	assert.InDelta(t, 435.0/480.0, sample.Availability, 1e-9)
	assert.InDelta(t, 1250*10.0/(435*60), sample.Performance, 1e-9)
	assert.InDelta(t, 1200.0/1250.0, sample.Quality, 1e-9)
	assert.InDelta(t, sample.Availability*sample.Performance*sample.Quality, sample.OEE, 1e-12)

	require.Len(t, losses, 1)
	assert.Equal(t, domain.LossBreakdown, losses[0].Category)
	assert.Equal(t, "BRK-01", losses[0].ReasonCode)
	assert.Equal(t, 45*time.Minute, losses[0].Duration)
}

func TestFactorsStayWithinBounds(t *testing.T) {
	events := store.NewMemoryStore()
	hour := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	// Production count far beyond what the ideal cycle allows in the
	// period. Performance must clamp at 1 rather than exceed it.
	seed(t, events, []*domain.Event{
		stateAt("press-1", domain.StateRunning, "", hour),
		telemetryAt("press-1", domain.MetricGoodCount, "sku-a", 100000, hour.Add(30*time.Minute)),
	})

	eng, _ := testEngine(t, events, newCountingObs())
	sample, _, err := eng.Compute(context.Background(), "press-1", domain.GranularityHour, hour)
	require.NoError(t, err)

	assert.Equal(t, 1.0, sample.Performance)
	for _, f := range []float64{sample.Availability, sample.Performance, sample.Quality, sample.OEE} {
		assert.GreaterOrEqual(t, f, 0.0)
		assert.LessOrEqual(t, f, 1.0)
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	events := store.NewMemoryStore()
	shift := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)

	seed(t, events, []*domain.Event{
		stateAt("press-1", domain.StateStopped, "CHG-01", shift.Add(time.Hour)),
		stateAt("press-1", domain.StateRunning, "", shift.Add(90*time.Minute)),
		telemetryAt("press-1", domain.MetricGoodCount, "sku-a", 500, shift.Add(4*time.Hour)),
	})

	eng, _ := testEngine(t, events, newCountingObs())
	first, firstLosses, err := eng.Compute(context.Background(), "press-1", domain.GranularityShift, shift)
	require.NoError(t, err)
	second, secondLosses, err := eng.Compute(context.Background(), "press-1", domain.GranularityShift, shift)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstLosses, secondLosses)
}

func TestUnmappedReasonIsSurfacedAsUnclassified(t *testing.T) {
	events := store.NewMemoryStore()
	hour := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	seed(t, events, []*domain.Event{
		stateAt("press-1", domain.StateStopped, "MYSTERY-99", hour.Add(10*time.Minute)),
		stateAt("press-1", domain.StateRunning, "", hour.Add(20*time.Minute)),
	})

	eng, _ := testEngine(t, events, newCountingObs())
	sample, losses, err := eng.Compute(context.Background(), "press-1", domain.GranularityHour, hour)
	require.NoError(t, err)

	require.Len(t, losses, 1)
	assert.Equal(t, domain.LossUnclassified, losses[0].Category)
	assert.Equal(t, "MYSTERY-99", losses[0].ReasonCode)
	// Unclassified stoppage reduces availability; it is never hidden.
	assert.InDelta(t, 50.0/60.0, sample.Availability, 1e-9)
}

func TestLossDurationsNeverExceedPeriod(t *testing.T) {
	events := store.NewMemoryStore()
	hour := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	// Interval opened well before the period and closed after it. Only
	// the overlap may be attributed.
	end := hour.Add(3 * time.Hour)
	seed(t, events, []*domain.Event{
		{
			AssetID: "press-1", Type: domain.EventTypeState, Timestamp: hour.Add(-2 * time.Hour),
			State: &domain.StateEvent{AssetID: "press-1", ToState: domain.StateStopped, ReasonCode: "BRK-01", StartTime: hour.Add(-2 * time.Hour), EndTime: &end},
		},
	})

	eng, _ := testEngine(t, events, newCountingObs())
	sample, losses, err := eng.Compute(context.Background(), "press-1", domain.GranularityHour, hour)
	require.NoError(t, err)

	var total time.Duration
	for _, l := range losses {
		total += l.Duration
	}
	assert.Equal(t, time.Hour, total)
	assert.Equal(t, 0.0, sample.Availability)
}

func TestExplicitCloseUpdate(t *testing.T) {
	events := store.NewMemoryStore()
	hour := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	end := hour.Add(25 * time.Minute)
	open := stateAt("press-1", domain.StateStopped, "JAM-02", hour.Add(5*time.Minute))
	closeEv := &domain.Event{
		AssetID: "press-1", Type: domain.EventTypeState, Timestamp: end,
		State: &domain.StateEvent{AssetID: "press-1", StartTime: end, EndTime: &end, ClosesSeq: 1},
	}
	seed(t, events, []*domain.Event{open, closeEv})

	eng, _ := testEngine(t, events, newCountingObs())
	_, losses, err := eng.Compute(context.Background(), "press-1", domain.GranularityHour, hour)
	require.NoError(t, err)

	require.Len(t, losses, 1)
	assert.Equal(t, domain.LossMinorStop, losses[0].Category)
	assert.Equal(t, 20*time.Minute, losses[0].Duration)
}

func TestOpenIntervalsDoNotCount(t *testing.T) {
	events := store.NewMemoryStore()
	hour := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	seed(t, events, []*domain.Event{
		stateAt("press-1", domain.StateStopped, "BRK-01", hour.Add(30*time.Minute)),
	})

	eng, _ := testEngine(t, events, newCountingObs())
	sample, losses, err := eng.Compute(context.Background(), "press-1", domain.GranularityHour, hour)
	require.NoError(t, err)

	assert.Empty(t, losses)
	assert.Equal(t, 1.0, sample.Availability)
}

func TestProductMixWeightsIdealCycle(t *testing.T) {
	events := store.NewMemoryStore()
	hour := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	seed(t, events, []*domain.Event{
		stateAt("press-1", domain.StateRunning, "", hour),
		telemetryAt("press-1", domain.MetricGoodCount, "sku-fast", 100, hour.Add(10*time.Minute)),
		telemetryAt("press-1", domain.MetricGoodCount, "sku-slow", 100, hour.Add(20*time.Minute)),
	})

	samples, err := store.NewBadgerSampleStore(store.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer samples.Close()

	eng := NewEngine(events, samples, testLossTable(),
		IdealCycles{"sku-fast": 5 * time.Second, "sku-slow": 15 * time.Second},
		newCountingObs(),
		Config{},
	)

	sample, _, err := eng.Compute(context.Background(), "press-1", domain.GranularityHour, hour)
	require.NoError(t, err)

	// 100 units at 5s plus 100 at 15s is 2000s of ideal work in a 3600s
	// period with no stoppage.
	assert.InDelta(t, 2000.0/3600.0, sample.Performance, 1e-9)
}

func TestFlushWritesAndClosesPeriods(t *testing.T) {
	events := store.NewMemoryStore()
	obs := newCountingObs()
	hour := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	seed(t, events, []*domain.Event{
		stateAt("press-1", domain.StateRunning, "", hour),
		telemetryAt("press-1", domain.MetricGoodCount, "sku-a", 300, hour.Add(30*time.Minute)),
	})

	eng, samples := testEngine(t, events, obs)

	// Still inside the grace window: the period computes but stays open.
	eng.now = func() time.Time { return hour.Add(time.Hour + 5*time.Minute) }
	eng.MarkDirty("press-1", hour.Add(30*time.Minute))
	eng.Flush(context.Background())

	got, err := samples.GetOEE(context.Background(), "press-1", hour, hour.Add(time.Hour), domain.GranularityHour)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].RecomputedAt.IsZero())
	assert.Equal(t, 0.0, obs.counter(observability.MetricRetroRecomputes))

	// Past the grace window the period closes.
	eng.now = func() time.Time { return hour.Add(2 * time.Hour) }
	eng.Flush(context.Background())

	// A late arrival for the closed periods schedules retroactive
	// recomputes (minute and hour are both past grace; shift and day
	// are still open).
	eng.MarkDirty("press-1", hour.Add(30*time.Minute))
	assert.Equal(t, 2.0, obs.counter(observability.MetricRetroRecomputes))
	eng.Flush(context.Background())

	got, err = samples.GetOEE(context.Background(), "press-1", hour, hour.Add(time.Hour), domain.GranularityHour)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].RecomputedAt.IsZero())
}

// Closed-period bookkeeping must not grow forever: once a period is
// past the lookback horizon its closure record is forgotten on Flush.
func TestFlushPrunesClosedPeriodsPastLookback(t *testing.T) {
	events := store.NewMemoryStore()
	obs := newCountingObs()
	hour := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	seed(t, events, []*domain.Event{
		stateAt("press-1", domain.StateRunning, "", hour),
		telemetryAt("press-1", domain.MetricGoodCount, "sku-a", 300, hour.Add(30*time.Minute)),
	})

	eng, _ := testEngine(t, events, obs)
	eng.now = func() time.Time { return hour.Add(2 * time.Hour) }
	eng.MarkDirty("press-1", hour.Add(30*time.Minute))
	eng.Flush(context.Background())

	closedCount := func() int {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.closed)
	}
	// Minute and hour are past grace and closed; shift and day are
	// still open.
	require.Equal(t, 2, closedCount())

	// A day past the lookback horizon for the minute and hour periods
	// but not yet for the shift and day periods, which closed and were
	// removed from the dirty set on this same flush.
	eng.now = func() time.Time { return hour.Add(26 * time.Hour) }
	eng.Flush(context.Background())
	assert.Equal(t, 2, closedCount())

	eng.now = func() time.Time { return hour.Add(72 * time.Hour) }
	eng.Flush(context.Background())
	assert.Equal(t, 0, closedCount())

	// With the closure record gone a stale mark is treated as a fresh
	// dirty period, not a retroactive recompute.
	retro := obs.counter(observability.MetricRetroRecomputes)
	eng.MarkDirty("press-1", hour.Add(30*time.Minute))
	assert.Equal(t, retro, obs.counter(observability.MetricRetroRecomputes))
}

func TestPeriodStartAnchoring(t *testing.T) {
	eng := NewEngine(store.NewMemoryStore(), nil, testLossTable(), nil, newCountingObs(), Config{ShiftLength: 8 * time.Hour})

	ts := time.Date(2026, 1, 2, 17, 42, 13, 500, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 2, 17, 42, 0, 0, time.UTC), eng.PeriodStart(ts, domain.GranularityMinute))
	assert.Equal(t, time.Date(2026, 1, 2, 17, 0, 0, 0, time.UTC), eng.PeriodStart(ts, domain.GranularityHour))
	assert.Equal(t, time.Date(2026, 1, 2, 16, 0, 0, 0, time.UTC), eng.PeriodStart(ts, domain.GranularityShift))
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), eng.PeriodStart(ts, domain.GranularityDay))
}

func TestLossTableReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "losses.yaml")

	good := `
reasons:
  BRK-01:
    category: breakdown
    cost_weight: 2.5
`
	require.NoError(t, os.WriteFile(path, []byte(good), 0o644))

	table, err := LoadLossTable(path)
	require.NoError(t, err)
	cat, weight := table.Classify("BRK-01")
	assert.Equal(t, domain.LossBreakdown, cat)
	assert.Equal(t, 2.5, weight)

	// A bad replacement file must not clobber the live table.
	bad := `
reasons:
  BRK-01:
    category: not-a-category
`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))
	require.Error(t, table.ReloadFrom(path))
	cat, _ = table.Classify("BRK-01")
	assert.Equal(t, domain.LossBreakdown, cat)

	// Unclassified is a fallback, never a mapping target.
	forbidden := `
reasons:
  BRK-01:
    category: unclassified
`
	require.NoError(t, os.WriteFile(path, []byte(forbidden), 0o644))
	require.Error(t, table.ReloadFrom(path))
}

func TestParetoRanking(t *testing.T) {
	losses := []*domain.LossRecord{
		{Category: domain.LossBreakdown, ReasonCode: "BRK-01", Duration: 60 * time.Minute},
		{Category: domain.LossBreakdown, ReasonCode: "BRK-01", Duration: 20 * time.Minute},
		{Category: domain.LossMinorStop, ReasonCode: "JAM-02", Duration: 15 * time.Minute},
		{Category: domain.LossChangeover, ReasonCode: "CHG-01", Duration: 5 * time.Minute},
	}

	entries := Pareto(losses)
	require.Len(t, entries, 3)
	assert.Equal(t, "BRK-01", entries[0].ReasonCode)
	assert.Equal(t, 80*time.Minute, entries[0].Duration)
	assert.Equal(t, 2, entries[0].Occurrences)
	assert.InDelta(t, 80.0, entries[0].Percentage, 1e-9)
	assert.InDelta(t, 100.0, entries[len(entries)-1].CumulativePct, 1e-9)

	few := VitalFew(entries)
	require.Len(t, few, 1)
	assert.Equal(t, "BRK-01", few[0].ReasonCode)
}
