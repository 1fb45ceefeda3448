package models

import "time"

// LogSample represents a single drive-test measurement
type LogSample struct {
	SessionID          string    `json:"session_id"`
	Timestamp          time.Time `json:"timestamp"`
	Lat                float64   `json:"lat"`
	Lng                float64   `json:"lng"`
	RSRP               *float64  `json:"rsrp,omitempty"` // dBm
	RSRQ               *float64  `json:"rsrq,omitempty"` // dB
	SINR               *float64  `json:"sinr,omitempty"` // dB
	DownlinkThroughput *float64  `json:"dl_tpt,omitempty"` // Mbps
	UplinkThroughput   *float64  `json:"ul_tpt,omitempty"` // Mbps
	MOS                *float64  `json:"mos,omitempty"`
	Jitter             *float64  `json:"jitter,omitempty"`      // ms
	Latency            *float64  `json:"latency,omitempty"`     // ms
	PacketLoss         *float64  `json:"packet_loss,omitempty"` // percentage
	Speed              *float64  `json:"speed,omitempty"`       // km/h
	Battery            *float64  `json:"battery,omitempty"`     // percentage
	Provider           string    `json:"provider,omitempty"`
	Technology         string    `json:"technology,omitempty"`
	Band               string    `json:"band,omitempty"`
	PCI                string    `json:"pci,omitempty"`
	CellID             string    `json:"cell_id,omitempty"`
}

// Location returns the sample coordinates
func (s LogSample) Location() (lat, lng float64) {
	return s.Lat, s.Lng
}

// Progress describes how far a paginated fetch has advanced
type Progress struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
}

// Summary holds the optional summary blocks returned with the first log page.
// The blocks are kept verbatim; their layout belongs to the remote service.
type Summary struct {
	App           []byte `json:"app,omitempty"`
	IndoorOutdoor []byte `json:"indoor_outdoor,omitempty"`
	Throughput    []byte `json:"throughput,omitempty"`
}

// Empty reports whether no summary block was received
func (s Summary) Empty() bool {
	return len(s.App) == 0 && len(s.IndoorOutdoor) == 0 && len(s.Throughput) == 0
}

// DropStats counts records discarded during parsing
type DropStats struct {
	Total   int `json:"total"`
	Kept    int `json:"kept"`
	Dropped int `json:"dropped"`
}

// Add accumulates another batch of counters
func (d *DropStats) Add(o DropStats) {
	d.Total += o.Total
	d.Kept += o.Kept
	d.Dropped += o.Dropped
}
