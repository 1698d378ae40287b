package domain

import "time"

// LossCategory is one of the six big losses, plus the mandatory
// unclassified bucket for reason codes missing from the mapping table.
type LossCategory string

const (
	LossBreakdown     LossCategory = "breakdown"
	LossChangeover    LossCategory = "changeover"
	LossMinorStop     LossCategory = "minor_stop"
	LossSpeedLoss     LossCategory = "speed_loss"
	LossProcessDefect LossCategory = "process_defect"
	LossYieldLoss     LossCategory = "yield_loss"
	LossUnclassified  LossCategory = "unclassified"
)

// Categories lists every valid mapping target in a stable order.
// Unclassified is deliberately absent: it is a fallback, never a
// configurable mapping value.
var Categories = []LossCategory{
	LossBreakdown,
	LossChangeover,
	LossMinorStop,
	LossSpeedLoss,
	LossProcessDefect,
	LossYieldLoss,
}

// Valid reports whether c may appear in a reason-code mapping table.
func (c LossCategory) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// Downtime reports whether time in this category counts against
// availability rather than performance or quality.
func (c LossCategory) Downtime() bool {
	switch c {
	case LossBreakdown, LossChangeover, LossUnclassified:
		return true
	}
	return false
}

// LossRecord is derived from a closed StateEvent by the aggregation
// engine; it is never captured directly at the edge.
type LossRecord struct {
	AssetID    string        `json:"asset_id"`
	Category   LossCategory  `json:"category"`
	ReasonCode string        `json:"reason_code"`
	Duration   time.Duration `json:"duration"`
	CostWeight float64       `json:"cost_weight"`
	Start      time.Time     `json:"start"`
}

// ParetoEntry is one row of a loss Pareto analysis for a period.
type ParetoEntry struct {
	Category      LossCategory  `json:"category"`
	ReasonCode    string        `json:"reason_code"`
	Duration      time.Duration `json:"duration"`
	Occurrences   int           `json:"occurrences"`
	Percentage    float64       `json:"percentage"`
	CumulativePct float64       `json:"cumulative_pct"`
}
