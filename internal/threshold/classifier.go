// Package threshold maps metric values to display colors using ordered rule sets.
package threshold

import (
	"math"
	"sort"
	"strings"
	"sync"

	"drivetest-pipeline/internal/models"
)

// UnknownColor is returned for missing values and empty rule sets
const UnknownColor = "#9E9E9E"

// Match returns the first rule containing v. A rule matches when
// Min <= v < Max, or v >= Min when Max <= Min (open-ended rule).
func Match(set models.ThresholdSet, v float64) (models.ThresholdRule, bool) {
	if math.IsNaN(v) {
		return models.ThresholdRule{}, false
	}
	for _, r := range set {
		if r.Max <= r.Min {
			if v >= r.Min {
				return r, true
			}
			continue
		}
		if v >= r.Min && v < r.Max {
			return r, true
		}
	}
	return models.ThresholdRule{}, false
}

// Resolve is Match with total coverage: values above every rule take the
// rule with the largest Max, values below every rule take the rule with the
// smallest Min, and values in a gap take the nearest rule below them.
func Resolve(set models.ThresholdSet, v float64) (models.ThresholdRule, bool) {
	if len(set) == 0 || math.IsNaN(v) {
		return models.ThresholdRule{}, false
	}
	if r, ok := Match(set, v); ok {
		return r, true
	}

	hi, lo := 0, 0
	for i, r := range set {
		if r.Max > set[hi].Max {
			hi = i
		}
		if r.Min < set[lo].Min {
			lo = i
		}
	}
	if v >= set[hi].Max {
		return set[hi], true
	}
	if v < set[lo].Min {
		return set[lo], true
	}

	below := -1
	for i, r := range set {
		if r.Max <= v && (below < 0 || r.Max > set[below].Max) {
			below = i
		}
	}
	if below < 0 {
		return set[lo], true
	}
	return set[below], true
}

// LegendEntry is one display row
type LegendEntry struct {
	Color string  `json:"color"`
	Label string  `json:"label"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// BuildLegend orders a set for display: descending Min for negative-valued
// metrics, the set's own order otherwise.
func BuildLegend(metric string, set models.ThresholdSet) []LegendEntry {
	out := make([]LegendEntry, 0, len(set))
	for _, r := range set {
		out = append(out, LegendEntry{Color: r.Color, Label: r.Label, Min: r.Min, Max: r.Max})
	}
	if m, ok := models.LookupMetric(metric); ok && m.Negative {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Min > out[j].Min })
	}
	return out
}

// Classifier holds the active rule set per metric. It is safe for concurrent use.
type Classifier struct {
	mu   sync.RWMutex
	sets map[string]models.ThresholdSet
}

// NewClassifier starts from the default sets, overridden by any in sets
func NewClassifier(sets map[string]models.ThresholdSet) *Classifier {
	c := &Classifier{sets: Defaults()}
	for metric, set := range sets {
		c.Set(metric, set)
	}
	return c
}

// canonical maps aliases to the registry name
func canonical(metric string) string {
	if m, ok := models.LookupMetric(metric); ok {
		return m.Name
	}
	return strings.ToLower(strings.TrimSpace(metric))
}

// Set replaces the rules for one metric
func (c *Classifier) Set(metric string, set models.ThresholdSet) {
	cp := append(models.ThresholdSet(nil), set...)
	c.mu.Lock()
	c.sets[canonical(metric)] = cp
	c.mu.Unlock()
}

// Rules returns a copy of the rules for one metric
func (c *Classifier) Rules(metric string) models.ThresholdSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append(models.ThresholdSet(nil), c.sets[canonical(metric)]...)
}

// All returns a copy of every rule set
func (c *Classifier) All() map[string]models.ThresholdSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.ThresholdSet, len(c.sets))
	for k, v := range c.sets {
		out[k] = append(models.ThresholdSet(nil), v...)
	}
	return out
}

// Classify returns the color for v under the metric's rules
func (c *Classifier) Classify(metric string, v float64) string {
	r, ok := Resolve(c.Rules(metric), v)
	if !ok {
		return UnknownColor
	}
	return r.Color
}

// ClassifyValue is Classify for optional values; nil is unknown
func (c *Classifier) ClassifyValue(metric string, v *float64) string {
	if v == nil {
		return UnknownColor
	}
	return c.Classify(metric, *v)
}

// Legend returns the display legend for one metric
func (c *Classifier) Legend(metric string) []LegendEntry {
	return BuildLegend(metric, c.Rules(metric))
}
