package models

import "github.com/paulmach/orb"

// Polygon is a user-drawn or stored map region. Ring points are
// orb.Point{lng, lat}; ring 0 is the outer boundary, further rings are holes.
type Polygon struct {
	ID         string     `json:"id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Rings      []orb.Ring `json:"rings"`
	SessionIDs []string   `json:"session_ids,omitempty"`
}

// LatLng is a plain coordinate pair
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ThresholdRule colors the half-open interval [Min, Max)
type ThresholdRule struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Color string  `json:"color"`
	Label string  `json:"label"`
}

// ThresholdSet is an ordered list of rules for one metric. Order decides
// precedence when rules overlap.
type ThresholdSet []ThresholdRule

// SourceKind tells which family of a neighbor response produced a record
type SourceKind string

const (
	SourceCollision SourceKind = "collision"
	SourcePrimary   SourceKind = "primary"
)

// NeighborRecord is one located cell observation from a neighbor query
type NeighborRecord struct {
	ID            string     `json:"id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	PrimaryPCI    string     `json:"primary_pci,omitempty"`
	PrimaryCellID string     `json:"primary_cell_id,omitempty"`
	PCI           string     `json:"pci"`
	CellID        string     `json:"cell_id,omitempty"`
	Lat           float64    `json:"lat"`
	Lng           float64    `json:"lng"`
	RSRP          *float64   `json:"rsrp,omitempty"`
	RSRQ          *float64   `json:"rsrq,omitempty"`
	SINR          *float64   `json:"sinr,omitempty"`
	SourceKind    SourceKind `json:"source_kind"`
}

// Location returns the record coordinates
func (n NeighborRecord) Location() (lat, lng float64) {
	return n.Lat, n.Lng
}

// AggregationMode selects how grouped rows are summarized
type AggregationMode string

const (
	ModeMean     AggregationMode = "mean"
	ModeQuantile AggregationMode = "box"
)

// AggregatedStat is the summary of one group (operator, operator x technology, ...)
type AggregatedStat struct {
	Key         string          `json:"key"`
	Operator    string          `json:"operator,omitempty"`
	Technology  string          `json:"technology,omitempty"`
	Mode        AggregationMode `json:"mode"`
	Min         float64         `json:"min,omitempty"`
	Q1          float64         `json:"q1,omitempty"`
	Median      float64         `json:"median,omitempty"`
	Q3          float64         `json:"q3,omitempty"`
	Max         float64         `json:"max,omitempty"`
	Mean        float64         `json:"mean,omitempty"`
	SampleCount int             `json:"sample_count"`
}
