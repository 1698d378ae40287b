package domain

import "time"

// AnomalySeverity grades how far a factor sits from its baseline, in
// ascending order of z-score threshold.
type AnomalySeverity string

const (
	SeverityLow      AnomalySeverity = "low"
	SeverityMedium   AnomalySeverity = "medium"
	SeverityHigh     AnomalySeverity = "high"
	SeverityCritical AnomalySeverity = "critical"
)

// Anomaly flags one OEE factor observation that sits unusually far from
// the asset's historical baseline. Value and Expected are ratios in
// [0,1] like the OEESample factors they come from; Deviation is the
// z-score against the baseline.
type Anomaly struct {
	Timestamp   time.Time       `json:"ts"`
	AssetID     string          `json:"asset_id"`
	Metric      string          `json:"metric"`
	Value       float64         `json:"value"`
	Expected    float64         `json:"expected"`
	Deviation   float64         `json:"deviation"`
	Severity    AnomalySeverity `json:"severity"`
	Confidence  float64         `json:"confidence"`
	Description string          `json:"description"`
}

// TrendDirection classifies the slope of an asset's daily OEE.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
)

// TrendPoint is one forecast day.
type TrendPoint struct {
	Date time.Time `json:"date"`
	OEE  float64   `json:"predicted_oee"`
}

// OEETrend is a linear fit over an asset's daily OEE series plus a
// short forecast. Strength is the fit's R-squared; DailyChange is the
// slope in OEE ratio per day.
type OEETrend struct {
	HistoricalMean float64        `json:"historical_mean"`
	Direction      TrendDirection `json:"direction"`
	Strength       float64        `json:"strength"`
	DailyChange    float64        `json:"daily_change"`
	Forecast       []TrendPoint   `json:"forecast"`
}

// Recommendation is one improvement suggestion derived from the loss
// Pareto: which area owns it, how urgent it is, and the expected gain.
type Recommendation struct {
	Area     string `json:"area"`
	Priority string `json:"priority"`
	Action   string `json:"action"`
	Impact   string `json:"expected_impact"`
}
