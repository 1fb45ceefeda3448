package stats

import (
	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/parser"
)

type meanEntry struct {
	group Group
	mean  float64
	count int
}

// MeanSet keeps a running mean and sample count per group, so pages or
// batches can be merged without revisiting raw rows.
type MeanSet struct {
	metric  models.Metric
	entries map[string]*meanEntry
	order   []string
}

// NewMeanSet creates an empty set for metric
func NewMeanSet(metric models.Metric) *MeanSet {
	return &MeanSet{metric: metric, entries: make(map[string]*meanEntry)}
}

func (s *MeanSet) entry(g Group) *meanEntry {
	e, ok := s.entries[g.Key]
	if !ok {
		e = &meanEntry{group: g}
		s.entries[g.Key] = e
		s.order = append(s.order, g.Key)
	}
	return e
}

// Add folds one raw observation into its group. Invalid values are skipped.
func (s *MeanSet) Add(g Group, v float64) bool {
	v, ok := Valid(s.metric, v)
	if !ok {
		return false
	}
	e := s.entry(g)
	e.mean = (e.mean*float64(e.count) + v) / float64(e.count+1)
	e.count++
	return true
}

// AddMean folds a pre-aggregated mean over count observations
func (s *MeanSet) AddMean(g Group, mean float64, count int) bool {
	if count < 1 {
		return false
	}
	mean, ok := Valid(s.metric, mean)
	if !ok {
		return false
	}
	e := s.entry(g)
	total := e.count + count
	e.mean = (e.mean*float64(e.count) + mean*float64(count)) / float64(total)
	e.count = total
	return true
}

// Merge folds every group of o into s
func (s *MeanSet) Merge(o *MeanSet) {
	for _, key := range o.order {
		oe := o.entries[key]
		s.AddMean(oe.group, oe.mean, oe.count)
	}
}

// AddRows reads each row's metric and group. Rows carrying a sample count are
// treated as pre-aggregated means.
func (s *MeanSet) AddRows(rows []map[string]any, g Grouping, canon parser.Canonicalizer) (used, skipped int) {
	for _, row := range rows {
		rec := parser.NewRecord(row)
		v, ok := extract(rec, s.metric, s.metric.Fields)
		if !ok {
			skipped++
			continue
		}
		group := GroupOf(row, g, canon)
		if n := rowCount(rec); n > 0 && !s.metric.Count {
			s.AddMean(group, v, n)
		} else {
			s.Add(group, v)
		}
		used++
	}
	return used, skipped
}

// Len is the number of groups
func (s *MeanSet) Len() int {
	return len(s.order)
}

// Results returns one stat per group, best first
func (s *MeanSet) Results() []models.AggregatedStat {
	out := make([]models.AggregatedStat, 0, len(s.order))
	for _, key := range s.order {
		e := s.entries[key]
		out = append(out, models.AggregatedStat{
			Key:         e.group.Key,
			Operator:    e.group.Operator,
			Technology:  e.group.Technology,
			Mode:        models.ModeMean,
			Mean:        e.mean,
			SampleCount: e.count,
		})
	}
	SortStats(out, s.metric)
	return out
}
