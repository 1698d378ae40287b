package aggregate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
)

// ErrInsufficientHistory means too few daily samples exist to fit a
// trend.
var ErrInsufficientHistory = errors.New("aggregate: insufficient history for trend analysis")

// zThresholds maps z-score cutoffs to severities, highest first. A
// deviation is graded at the highest threshold it reaches; below the
// lowest it is not an anomaly at all.
var zThresholds = []struct {
	z        float64
	severity domain.AnomalySeverity
}{
	{3.5, domain.SeverityCritical},
	{3.0, domain.SeverityHigh},
	{2.5, domain.SeverityMedium},
	{2.0, domain.SeverityLow},
}

// factorStat is the baseline mean and standard deviation of one OEE
// factor.
type factorStat struct {
	mean float64
	std  float64
}

func newFactorStat(values []float64) factorStat {
	n := float64(len(values))
	if n == 0 {
		return factorStat{}
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n
	if n < 2 {
		return factorStat{mean: mean}
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return factorStat{mean: mean, std: math.Sqrt(ss / (n - 1))}
}

// factors lists the OEE components checked against the baseline, with
// accessors into a sample.
var factors = []struct {
	name string
	get  func(*domain.OEESample) float64
}{
	{"oee", func(s *domain.OEESample) float64 { return s.OEE }},
	{"availability", func(s *domain.OEESample) float64 { return s.Availability }},
	{"performance", func(s *domain.OEESample) float64 { return s.Performance }},
	{"quality", func(s *domain.OEESample) float64 { return s.Quality }},
}

// DetectAnomalies grades every factor of every recent sample against
// per-factor baselines computed from the baseline samples. A factor
// whose baseline standard deviation is zero is never anomalous; without
// spread a z-score means nothing.
func DetectAnomalies(recent, baseline []*domain.OEESample) []domain.Anomaly {
	if len(recent) == 0 || len(baseline) < 2 {
		return nil
	}

	stats := make([]factorStat, len(factors))
	for i, f := range factors {
		values := make([]float64, 0, len(baseline))
		for _, s := range baseline {
			values = append(values, f.get(s))
		}
		stats[i] = newFactorStat(values)
	}

	var anomalies []domain.Anomaly
	for _, s := range recent {
		for i, f := range factors {
			if a := checkFactor(s, f.name, f.get(s), stats[i]); a != nil {
				anomalies = append(anomalies, *a)
			}
		}
	}
	return anomalies
}

func checkFactor(s *domain.OEESample, metric string, value float64, stat factorStat) *domain.Anomaly {
	if stat.std == 0 {
		return nil
	}
	z := math.Abs((value - stat.mean) / stat.std)

	var severity domain.AnomalySeverity
	for _, t := range zThresholds {
		if z >= t.z {
			severity = t.severity
			break
		}
	}
	if severity == "" {
		return nil
	}

	confidence := math.Min(99.9, normCDF(z)*100)
	direction := "above"
	if value < stat.mean {
		direction = "below"
	}

	// Factors are ratios; the description speaks in percentage points.
	return &domain.Anomaly{
		Timestamp:  s.PeriodStart,
		AssetID:    s.AssetID,
		Metric:     metric,
		Value:      value,
		Expected:   stat.mean,
		Deviation:  z,
		Severity:   severity,
		Confidence: confidence,
		Description: fmt.Sprintf("%s is %.1f points %s normal (%.1f)",
			metric, math.Abs(value-stat.mean)*100, direction, stat.mean*100),
	}
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// TrendOEE fits a least-squares line through the daily mean OEE of the
// samples and extends it forecastDays into the future. At least seven
// distinct days of data are required.
func TrendOEE(samples []*domain.OEESample, forecastDays int) (*domain.OEETrend, error) {
	if forecastDays <= 0 {
		forecastDays = 7
	}

	type daily struct {
		day time.Time
		sum float64
		n   int
	}
	byDay := map[time.Time]*daily{}
	for _, s := range samples {
		ts := s.PeriodStart.UTC()
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		d, ok := byDay[day]
		if !ok {
			d = &daily{day: day}
			byDay[day] = d
		}
		d.sum += s.OEE
		d.n++
	}
	if len(byDay) < 7 {
		return nil, ErrInsufficientHistory
	}

	days := make([]*daily, 0, len(byDay))
	for _, d := range byDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].day.Before(days[j].day) })

	n := float64(len(days))
	y := make([]float64, len(days))
	var xMean, yMean float64
	for i, d := range days {
		y[i] = d.sum / float64(d.n)
		xMean += float64(i)
		yMean += y[i]
	}
	xMean /= n
	yMean /= n

	var num, den float64
	for i := range days {
		dx := float64(i) - xMean
		num += dx * (y[i] - yMean)
		den += dx * dx
	}
	var slope float64
	if den != 0 {
		slope = num / den
	}
	intercept := yMean - slope*xMean

	var ssRes, ssTot float64
	for i := range days {
		pred := slope*float64(i) + intercept
		ssRes += (y[i] - pred) * (y[i] - pred)
		ssTot += (y[i] - yMean) * (y[i] - yMean)
	}
	rsq := 0.0
	if ssTot != 0 {
		rsq = 1 - ssRes/ssTot
	}

	// 0.1 percentage points per day either way counts as movement.
	direction := domain.TrendStable
	switch {
	case slope > 0.001:
		direction = domain.TrendImproving
	case slope < -0.001:
		direction = domain.TrendDeclining
	}

	lastDay := days[len(days)-1].day
	forecast := make([]domain.TrendPoint, 0, forecastDays)
	for i := 1; i <= forecastDays; i++ {
		forecast = append(forecast, domain.TrendPoint{
			Date: lastDay.AddDate(0, 0, i),
			OEE:  clamp01(slope*(n-1+float64(i)) + intercept),
		})
	}

	return &domain.OEETrend{
		HistoricalMean: yMean,
		Direction:      direction,
		Strength:       rsq,
		DailyChange:    slope,
		Forecast:       forecast,
	}, nil
}

// Recommend turns the top loss Pareto entries into improvement
// suggestions. At most the five largest entries are considered; an
// unclassified entry yields a data-quality suggestion since nothing
// can be prescribed for an unknown reason.
func Recommend(entries []domain.ParetoEntry) []domain.Recommendation {
	if len(entries) > 5 {
		entries = entries[:5]
	}
	var recs []domain.Recommendation
	for _, e := range entries {
		switch e.Category {
		case domain.LossBreakdown:
			recs = append(recs, domain.Recommendation{
				Area:     "maintenance",
				Priority: "high",
				Action:   fmt.Sprintf("Implement predictive maintenance for %s", e.ReasonCode),
				Impact:   fmt.Sprintf("Reduce downtime by %.1f%%", e.Percentage/2),
			})
		case domain.LossChangeover:
			recs = append(recs, domain.Recommendation{
				Area:     "process",
				Priority: "medium",
				Action:   fmt.Sprintf("Apply SMED techniques to reduce %s time", e.ReasonCode),
				Impact:   "Reduce setup time by 30-50%",
			})
		case domain.LossMinorStop:
			recs = append(recs, domain.Recommendation{
				Area:     "automation",
				Priority: "medium",
				Action:   fmt.Sprintf("Automate or eliminate minor stops due to %s", e.ReasonCode),
				Impact:   fmt.Sprintf("Improve performance by %.1f%%", e.Percentage/3),
			})
		case domain.LossSpeedLoss:
			recs = append(recs, domain.Recommendation{
				Area:     "optimization",
				Priority: "low",
				Action:   fmt.Sprintf("Optimize process parameters for %s", e.ReasonCode),
				Impact:   "Increase speed by 10-15%",
			})
		case domain.LossProcessDefect, domain.LossYieldLoss:
			recs = append(recs, domain.Recommendation{
				Area:     "quality control",
				Priority: "high",
				Action:   fmt.Sprintf("Implement SPC and root cause analysis for %s", e.ReasonCode),
				Impact:   fmt.Sprintf("Reduce defects by %.1f%%", e.Percentage/2),
			})
		case domain.LossUnclassified:
			recs = append(recs, domain.Recommendation{
				Area:     "data quality",
				Priority: "medium",
				Action:   fmt.Sprintf("Map reason code %s to a loss category", e.ReasonCode),
				Impact:   fmt.Sprintf("Classify %.1f%% of loss time", e.Percentage),
			})
		}
	}
	return recs
}
