package aggregate

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
)

// LossTable maps reason codes to loss categories. It is external
// configuration, swappable at runtime without redeployment; unmapped
// codes classify as unclassified, which is surfaced, never silently
// folded into availability or performance.
type LossTable struct {
	mu      sync.RWMutex
	byCode  map[string]domain.LossCategory
	weights map[string]float64
}

// lossTableFile is the on-disk shape of a reason-code table.
type lossTableFile struct {
	Reasons map[string]struct {
		Category   domain.LossCategory `yaml:"category"`
		CostWeight float64             `yaml:"cost_weight"`
	} `yaml:"reasons"`
}

// NewLossTable builds a table from an in-memory mapping.
func NewLossTable(byCode map[string]domain.LossCategory) *LossTable {
	t := &LossTable{byCode: map[string]domain.LossCategory{}, weights: map[string]float64{}}
	for code, cat := range byCode {
		t.byCode[code] = cat
	}
	return t
}

// LoadLossTable reads and validates a yaml reason-code table.
func LoadLossTable(path string) (*LossTable, error) {
	t := NewLossTable(nil)
	if err := t.ReloadFrom(path); err != nil {
		return nil, err
	}
	return t, nil
}

// ReloadFrom atomically replaces the table contents from path. The old
// table stays live when the new file fails validation.
func (t *LossTable) ReloadFrom(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file lossTableFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("loss table parse: %w", err)
	}

	byCode := make(map[string]domain.LossCategory, len(file.Reasons))
	weights := make(map[string]float64, len(file.Reasons))
	for code, entry := range file.Reasons {
		if !entry.Category.Valid() {
			return fmt.Errorf("loss table: reason %q maps to unknown category %q", code, entry.Category)
		}
		byCode[code] = entry.Category
		weights[code] = entry.CostWeight
	}

	t.mu.Lock()
	t.byCode = byCode
	t.weights = weights
	t.mu.Unlock()
	return nil
}

// Classify maps a reason code to its category and cost weight.
func (t *LossTable) Classify(reasonCode string) (domain.LossCategory, float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cat, ok := t.byCode[reasonCode]; ok {
		return cat, t.weights[reasonCode]
	}
	return domain.LossUnclassified, 0
}

// Pareto ranks loss records by total duration, annotating each entry
// with its share and cumulative share of total loss time.
func Pareto(losses []*domain.LossRecord) []domain.ParetoEntry {
	type key struct {
		cat    domain.LossCategory
		reason string
	}
	agg := map[key]*domain.ParetoEntry{}
	var total float64
	for _, l := range losses {
		k := key{l.Category, l.ReasonCode}
		e, ok := agg[k]
		if !ok {
			e = &domain.ParetoEntry{Category: l.Category, ReasonCode: l.ReasonCode}
			agg[k] = e
		}
		e.Duration += l.Duration
		e.Occurrences++
		total += l.Duration.Seconds()
	}

	out := make([]domain.ParetoEntry, 0, len(agg))
	for _, e := range agg {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration > out[j].Duration })

	var cum float64
	for i := range out {
		if total > 0 {
			out[i].Percentage = out[i].Duration.Seconds() / total * 100
		}
		cum += out[i].Percentage
		out[i].CumulativePct = cum
	}
	return out
}

// VitalFew cuts a Pareto ranking at the 80% line, inclusive of the
// entry that crosses it.
func VitalFew(entries []domain.ParetoEntry) []domain.ParetoEntry {
	var out []domain.ParetoEntry
	for _, e := range entries {
		out = append(out, e)
		if e.CumulativePct >= 80 {
			break
		}
	}
	return out
}
