package domain

import "time"

// Granularity selects the rollup window for OEE samples.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityShift  Granularity = "shift"
	GranularityDay    Granularity = "day"
)

// Granularities in ascending window order.
var Granularities = []Granularity{
	GranularityMinute,
	GranularityHour,
	GranularityShift,
	GranularityDay,
}

// Window returns the fixed period length for g. Shift length varies by
// site and is passed in; the others are calendar-fixed.
func (g Granularity) Window(shift time.Duration) time.Duration {
	switch g {
	case GranularityMinute:
		return time.Minute
	case GranularityHour:
		return time.Hour
	case GranularityShift:
		return shift
	case GranularityDay:
		return 24 * time.Hour
	}
	return 0
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	for _, v := range Granularities {
		if g == v {
			return true
		}
	}
	return false
}

// OEESample is a materialized rollup for one asset and period. Samples
// are idempotent snapshots: a recompute for the same
// (AssetID, PeriodStart, Granularity) overwrites the previous row.
// Invariant: OEE == Availability * Performance * Quality and every
// factor lies in [0,1].
type OEESample struct {
	AssetID      string      `json:"asset_id"`
	Granularity  Granularity `json:"granularity"`
	PeriodStart  time.Time   `json:"period_start"`
	PeriodEnd    time.Time   `json:"period_end"`
	Availability float64     `json:"availability"`
	Performance  float64     `json:"performance"`
	Quality      float64     `json:"quality"`
	OEE          float64     `json:"oee"`
	SampleCount  int         `json:"sample_count"`
	RecomputedAt time.Time   `json:"recomputed_at,omitempty"`
}
