// Package export writes pipeline outputs as CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/neighbor"
)

var sampleHeader = []string{"session_id", "timestamp", "lat", "lng", "provider", "technology", "band", "pci", "cell_id"}

// sampleMetrics are the registry metrics readable from a sample, in registry order
func sampleMetrics() []models.Metric {
	var out []models.Metric
	for _, m := range models.Metrics() {
		if m.Value != nil {
			out = append(out, m)
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

// WriteSamples writes one row per sample. Missing metrics are empty cells.
func WriteSamples(w io.Writer, samples []models.LogSample) error {
	metrics := sampleMetrics()
	cw := csv.NewWriter(w)

	header := append([]string(nil), sampleHeader...)
	for _, m := range metrics {
		header = append(header, m.Name)
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing sample header: %w", err)
	}

	for i, s := range samples {
		ts := ""
		if !s.Timestamp.IsZero() {
			ts = s.Timestamp.UTC().Format(time.RFC3339)
		}
		row := []string{
			s.SessionID,
			ts,
			fmt.Sprintf("%.6f", s.Lat),
			fmt.Sprintf("%.6f", s.Lng),
			s.Provider,
			s.Technology,
			s.Band,
			s.PCI,
			s.CellID,
		}
		for _, m := range metrics {
			row = append(row, formatOptional(m.Value(s)))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing sample %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteStats writes aggregated statistics for one metric
func WriteStats(w io.Writer, metric string, stats []models.AggregatedStat) error {
	cw := csv.NewWriter(w)
	header := []string{"metric", "group", "operator", "technology", "mode", "mean", "min", "q1", "median", "q3", "max", "sample_count"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing stats header: %w", err)
	}

	for _, s := range stats {
		row := []string{metric, s.Key, s.Operator, s.Technology, string(s.Mode)}
		if s.Mode == models.ModeQuantile {
			row = append(row, "", formatFloat(s.Min), formatFloat(s.Q1), formatFloat(s.Median), formatFloat(s.Q3), formatFloat(s.Max))
		} else {
			row = append(row, formatFloat(s.Mean), "", "", "", "", "")
		}
		row = append(row, strconv.Itoa(s.SampleCount))
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing stats row %s: %w", s.Key, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteCollisions writes one row per PCI collision with its locations as
// "lat lng" pairs separated by semicolons
func WriteCollisions(w io.Writer, collisions []neighbor.Collision) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"pci", "location_count", "locations", "cell_ids", "sessions"}); err != nil {
		return fmt.Errorf("writing collision header: %w", err)
	}

	for _, c := range collisions {
		locs := make([]string, 0, len(c.Locations))
		for _, l := range c.Locations {
			locs = append(locs, fmt.Sprintf("%.6f %.6f", l.Lat, l.Lng))
		}
		row := []string{
			c.PCI,
			strconv.Itoa(c.LocationCount),
			strings.Join(locs, ";"),
			strings.Join(c.CellIDs, ";"),
			strings.Join(c.Sessions, ";"),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing collision %s: %w", c.PCI, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
