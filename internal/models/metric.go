package models

import "strings"

// Metric describes one numeric measurement and how it behaves when
// classified or aggregated.
type Metric struct {
	Name string
	// Fields is the ordered list of upstream field names, primary first.
	Fields []string
	// Negative marks metrics whose natural domain is below zero (dBm, dB).
	Negative bool
	// LowerIsBetter flips ranking order (latency, jitter, loss).
	LowerIsBetter bool
	// Count marks sample-count style metrics that must be positive.
	Count bool
	// Value reads the metric from a parsed sample.
	Value func(LogSample) *float64
}

// Metric names
const (
	MetricRSRP       = "rsrp"
	MetricRSRQ       = "rsrq"
	MetricSINR       = "sinr"
	MetricDLTpt      = "dl_tpt"
	MetricULTpt      = "ul_tpt"
	MetricMOS        = "mos"
	MetricJitter     = "jitter"
	MetricLatency    = "latency"
	MetricPacketLoss = "packet_loss"
	MetricSpeed      = "speed"
	MetricBattery    = "battery"
	MetricSamples    = "samples"
)

var metrics = []Metric{
	{
		Name:     MetricRSRP,
		Fields:   []string{"rsrp", "avg_rsrp", "rsrp_avg", "lte_rsrp", "nr_rsrp", "ss_rsrp", "signal_strength"},
		Negative: true,
		Value:    func(s LogSample) *float64 { return s.RSRP },
	},
	{
		Name:     MetricRSRQ,
		Fields:   []string{"rsrq", "avg_rsrq", "rsrq_avg", "lte_rsrq", "nr_rsrq", "ss_rsrq"},
		Negative: true,
		Value:    func(s LogSample) *float64 { return s.RSRQ },
	},
	{
		Name:   MetricSINR,
		Fields: []string{"sinr", "avg_sinr", "sinr_avg", "snr", "lte_sinr", "nr_sinr", "ss_sinr"},
		Value:  func(s LogSample) *float64 { return s.SINR },
	},
	{
		Name:   MetricDLTpt,
		Fields: []string{"dl_tpt", "dl_throughput", "download", "downlink_throughput", "dl_speed", "avg_dl_tpt"},
		Value:  func(s LogSample) *float64 { return s.DownlinkThroughput },
	},
	{
		Name:   MetricULTpt,
		Fields: []string{"ul_tpt", "ul_throughput", "upload", "uplink_throughput", "ul_speed", "avg_ul_tpt"},
		Value:  func(s LogSample) *float64 { return s.UplinkThroughput },
	},
	{
		Name:   MetricMOS,
		Fields: []string{"mos", "avg_mos", "mos_score"},
		Value:  func(s LogSample) *float64 { return s.MOS },
	},
	{
		Name:          MetricJitter,
		Fields:        []string{"jitter", "avg_jitter", "jitter_ms"},
		LowerIsBetter: true,
		Value:         func(s LogSample) *float64 { return s.Jitter },
	},
	{
		Name:          MetricLatency,
		Fields:        []string{"latency", "avg_latency", "ping", "rtt", "latency_ms"},
		LowerIsBetter: true,
		Value:         func(s LogSample) *float64 { return s.Latency },
	},
	{
		Name:          MetricPacketLoss,
		Fields:        []string{"packet_loss", "packetloss", "loss", "pkt_loss"},
		LowerIsBetter: true,
		Value:         func(s LogSample) *float64 { return s.PacketLoss },
	},
	{
		Name:   MetricSpeed,
		Fields: []string{"speed", "avg_speed", "velocity"},
		Value:  func(s LogSample) *float64 { return s.Speed },
	},
	{
		Name:   MetricBattery,
		Fields: []string{"battery", "battery_level", "batt"},
		Value:  func(s LogSample) *float64 { return s.Battery },
	},
	{
		Name:   MetricSamples,
		Fields: []string{"samples", "sample_count", "count", "total_samples", "num_samples"},
		Count:  true,
	},
}

var metricIndex = func() map[string]Metric {
	idx := make(map[string]Metric, len(metrics)*4)
	for _, m := range metrics {
		idx[m.Name] = m
		for _, f := range m.Fields {
			if _, taken := idx[f]; !taken {
				idx[f] = m
			}
		}
	}
	return idx
}()

// LookupMetric resolves a metric by canonical name or any of its field aliases
func LookupMetric(name string) (Metric, bool) {
	m, ok := metricIndex[strings.ToLower(strings.TrimSpace(name))]
	return m, ok
}

// Metrics returns every known metric in registry order
func Metrics() []Metric {
	out := make([]Metric, len(metrics))
	copy(out, metrics)
	return out
}
