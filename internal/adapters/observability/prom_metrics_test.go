package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromObsCountersAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPromObs(reg)

	obs.IncCounter(MetricEventsNormalized, 3)
	obs.IncCounter(MetricValidationDropped, 1)
	obs.SetGauge(MetricOldestUnackedAge, 12.5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	got := map[string]float64{}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			if m.GetCounter() != nil {
				got[fam.GetName()] = m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				got[fam.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	if got[MetricEventsNormalized] != 3 {
		t.Fatalf("expected normalized counter 3, got %f", got[MetricEventsNormalized])
	}
	if got[MetricValidationDropped] != 1 {
		t.Fatalf("expected dropped counter 1, got %f", got[MetricValidationDropped])
	}
	if got[MetricOldestUnackedAge] != 12.5 {
		t.Fatalf("expected age gauge 12.5, got %f", got[MetricOldestUnackedAge])
	}
}

func TestPromObsUnknownNamesAreIgnored(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPromObs(reg)

	// Unregistered names must not panic or register implicitly.
	obs.IncCounter("ms5_not_a_metric", 1)
	obs.SetGauge("ms5_not_a_gauge", 1)
	obs.ObserveLatency("ms5_not_a_histogram", 0.1)

	if n := testutil.CollectAndCount(reg); n == 0 {
		t.Fatal("expected registered metric families")
	}
}
