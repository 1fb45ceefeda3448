package stats

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/parser"
)

// Five is a five-number summary with the count of observations behind it
type Five struct {
	Min, Q1, Median, Q3, Max float64
	Count                    int
}

// Sorted returns f with its five values in non-decreasing order
func (f Five) Sorted() Five {
	v := []float64{f.Min, f.Q1, f.Median, f.Q3, f.Max}
	sort.Float64s(v)
	return Five{Min: v[0], Q1: v[1], Median: v[2], Q3: v[3], Max: v[4], Count: f.Count}
}

var (
	minKeys    = []string{"min", "minimum", "min_value", "whisker_low", "low"}
	q1Keys     = []string{"q1", "p25", "percentile_25", "lower_quartile", "quartile1"}
	medianKeys = []string{"median", "q2", "p50", "percentile_50"}
	q3Keys     = []string{"q3", "p75", "percentile_75", "upper_quartile", "quartile3"}
	maxKeys    = []string{"max", "maximum", "max_value", "whisker_high", "high"}
)

// prefixed expands keys with "<metric>_" variants, which are tried first
func prefixed(metric string, keys []string) []string {
	out := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, metric+"_"+k)
	}
	return append(out, keys...)
}

// ExtractFive reads a box-plot row. All five values must be present and valid.
func ExtractFive(row map[string]any, m models.Metric) (Five, bool) {
	rec := parser.NewRecord(row)
	var f Five
	dst := []*float64{&f.Min, &f.Q1, &f.Median, &f.Q3, &f.Max}
	for i, keys := range [][]string{minKeys, q1Keys, medianKeys, q3Keys, maxKeys} {
		v, ok := extract(rec, m, prefixed(m.Name, keys))
		if !ok {
			return Five{}, false
		}
		*dst[i] = v
	}
	f.Count = rowCount(rec)
	return f.Sorted(), true
}

// QuantileSet combines per-row box-plot summaries per group. The combined
// quartiles are count-weighted means of the row quartiles, an approximation
// of the true quantiles over the union of observations.
type QuantileSet struct {
	metric models.Metric
	rows   map[string][]Five
	groups map[string]Group
	order  []string
}

// NewQuantileSet creates an empty set for metric
func NewQuantileSet(metric models.Metric) *QuantileSet {
	return &QuantileSet{
		metric: metric,
		rows:   make(map[string][]Five),
		groups: make(map[string]Group),
	}
}

// Add records one summary for g
func (s *QuantileSet) Add(g Group, f Five) {
	if _, ok := s.groups[g.Key]; !ok {
		s.groups[g.Key] = g
		s.order = append(s.order, g.Key)
	}
	s.rows[g.Key] = append(s.rows[g.Key], f.Sorted())
}

// Merge folds every row of o into s
func (s *QuantileSet) Merge(o *QuantileSet) {
	for _, key := range o.order {
		for _, f := range o.rows[key] {
			s.Add(o.groups[key], f)
		}
	}
}

// AddRows reads box-plot rows, skipping incomplete ones
func (s *QuantileSet) AddRows(rows []map[string]any, g Grouping, canon parser.Canonicalizer) (used, skipped int) {
	for _, row := range rows {
		f, ok := ExtractFive(row, s.metric)
		if !ok {
			skipped++
			continue
		}
		s.Add(GroupOf(row, g, canon), f)
		used++
	}
	return used, skipped
}

// Combine merges summaries: extrema across rows, count-weighted quartiles,
// then re-sorted. Rows without a count weigh 1.
func Combine(rows []Five) Five {
	if len(rows) == 0 {
		return Five{}
	}
	q1 := make([]float64, len(rows))
	med := make([]float64, len(rows))
	q3 := make([]float64, len(rows))
	w := make([]float64, len(rows))

	out := Five{Min: rows[0].Min, Max: rows[0].Max}
	for i, r := range rows {
		q1[i], med[i], q3[i] = r.Q1, r.Median, r.Q3
		w[i] = 1
		if r.Count > 0 {
			w[i] = float64(r.Count)
		}
		out.Count += r.Count
		if r.Min < out.Min {
			out.Min = r.Min
		}
		if r.Max > out.Max {
			out.Max = r.Max
		}
	}
	out.Q1 = stat.Mean(q1, w)
	out.Median = stat.Mean(med, w)
	out.Q3 = stat.Mean(q3, w)
	return out.Sorted()
}

// Results returns one combined summary per group, best first by median
func (s *QuantileSet) Results() []models.AggregatedStat {
	out := make([]models.AggregatedStat, 0, len(s.order))
	for _, key := range s.order {
		g := s.groups[key]
		f := Combine(s.rows[key])
		out = append(out, fiveStat(g, f, 0))
	}
	SortStats(out, s.metric)
	return out
}

func fiveStat(g Group, f Five, mean float64) models.AggregatedStat {
	return models.AggregatedStat{
		Key:         g.Key,
		Operator:    g.Operator,
		Technology:  g.Technology,
		Mode:        models.ModeQuantile,
		Min:         f.Min,
		Q1:          f.Q1,
		Median:      f.Median,
		Q3:          f.Q3,
		Max:         f.Max,
		Mean:        mean,
		SampleCount: f.Count,
	}
}

// ErrNoSampleField is returned for metrics that cannot be read from a LogSample
var ErrNoSampleField = errors.New("stats: metric has no per-sample value")

// SummarizeSamples computes exact box-plot summaries from parsed samples,
// grouped by the sample's canonical provider and technology.
func SummarizeSamples(samples []models.LogSample, m models.Metric, g Grouping) ([]models.AggregatedStat, error) {
	if m.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSampleField, m.Name)
	}

	values := make(map[string][]float64)
	groups := make(map[string]Group)
	var order []string
	for _, smp := range samples {
		p := m.Value(smp)
		if p == nil {
			continue
		}
		v, ok := Valid(m, *p)
		if !ok {
			continue
		}
		grp := NewGroup(smp.Provider, smp.Technology, g)
		if _, seen := groups[grp.Key]; !seen {
			groups[grp.Key] = grp
			order = append(order, grp.Key)
		}
		values[grp.Key] = append(values[grp.Key], v)
	}

	out := make([]models.AggregatedStat, 0, len(order))
	for _, key := range order {
		x := values[key]
		sort.Float64s(x)
		f := Five{
			Min:    x[0],
			Q1:     stat.Quantile(0.25, stat.Empirical, x, nil),
			Median: stat.Quantile(0.5, stat.Empirical, x, nil),
			Q3:     stat.Quantile(0.75, stat.Empirical, x, nil),
			Max:    x[len(x)-1],
			Count:  len(x),
		}
		out = append(out, fiveStat(groups[key], f, stat.Mean(x, nil)))
	}
	SortStats(out, m)
	return out, nil
}
