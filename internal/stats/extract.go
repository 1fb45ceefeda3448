// Package stats builds grouped summary statistics (operator, operator x
// technology) for a metric, either as running means or as box-plot summaries.
package stats

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/parser"
)

// Grouping selects the group key
type Grouping string

const (
	ByOperator           Grouping = "operator"
	ByTechnology         Grouping = "technology"
	ByOperatorTechnology Grouping = "operator_technology"
)

// ParseGrouping accepts the grouping names plus a few spellings
func ParseGrouping(s string) (Grouping, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "operator", "provider":
		return ByOperator, nil
	case "technology", "tech", "network":
		return ByTechnology, nil
	case "operator_technology", "operator-technology", "operator+technology", "both":
		return ByOperatorTechnology, nil
	default:
		return "", fmt.Errorf("unknown grouping %q", s)
	}
}

const unknownGroup = "Unknown"

// Group identifies one aggregation bucket
type Group struct {
	Key        string
	Operator   string
	Technology string
}

// NewGroup builds the bucket for already canonical operator/technology names
func NewGroup(operator, technology string, g Grouping) Group {
	if operator == "" {
		operator = unknownGroup
	}
	if technology == "" {
		technology = unknownGroup
	}
	switch g {
	case ByTechnology:
		return Group{Key: technology, Technology: technology}
	case ByOperatorTechnology:
		return Group{Key: operator + " " + technology, Operator: operator, Technology: technology}
	default:
		return Group{Key: operator, Operator: operator}
	}
}

// GroupOf derives the bucket of a raw row, canonicalizing with canon
func GroupOf(row map[string]any, g Grouping, canon parser.Canonicalizer) Group {
	rec := parser.NewRecord(row)
	op, tech := rec.Operator(), rec.Technology()
	if canon != nil {
		op, tech = canon.Provider(op), canon.Technology(tech)
	}
	return NewGroup(op, tech, g)
}

// Valid applies the validity and sign policy. Values must be finite;
// negative-domain metrics must be non-zero and are forced negative; count
// metrics must be positive.
func Valid(m models.Metric, v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if m.Negative {
		if v == 0 {
			return 0, false
		}
		if v > 0 {
			v = -v
		}
	}
	if m.Count && v <= 0 {
		return 0, false
	}
	return v, true
}

// ExtractValue reads the metric from a raw row, trying the primary field
// then every alias in order, and applies Valid.
func ExtractValue(row map[string]any, m models.Metric) (float64, bool) {
	return extract(parser.NewRecord(row), m, m.Fields)
}

func extract(rec parser.Record, m models.Metric, keys []string) (float64, bool) {
	n := rec.Number(keys)
	if n == nil {
		return 0, false
	}
	return Valid(m, *n)
}

var countKeys = []string{"sample_count", "samples", "count", "n", "num_samples", "total_samples"}

// rowCount reads the sample count of a pre-aggregated row, 0 when absent
func rowCount(rec parser.Record) int {
	n := rec.Number(countKeys)
	if n == nil || *n < 1 || math.IsInf(*n, 0) {
		return 0
	}
	return int(*n)
}

// SortStats orders results best first: descending unless the metric is
// lower-is-better. Mean mode ranks by mean, box mode by median.
func SortStats(out []models.AggregatedStat, m models.Metric) {
	value := func(s models.AggregatedStat) float64 {
		if s.Mode == models.ModeQuantile {
			return s.Median
		}
		return s.Mean
	}
	sort.SliceStable(out, func(i, j int) bool {
		vi, vj := value(out[i]), value(out[j])
		if vi != vj {
			if m.LowerIsBetter {
				return vi < vj
			}
			return vi > vj
		}
		return out[i].Key < out[j].Key
	})
}
