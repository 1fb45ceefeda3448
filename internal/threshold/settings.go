package threshold

import (
	stdjson "encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"drivetest-pipeline/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Defaults returns the built-in rule sets. Negative metrics are authored
// best first so that legend order and rule order agree.
func Defaults() map[string]models.ThresholdSet {
	return map[string]models.ThresholdSet{
		models.MetricRSRP: {
			{Min: -80, Max: 0, Color: "#1B5E20", Label: "Excellent (>= -80 dBm)"},
			{Min: -90, Max: -80, Color: "#4CAF50", Label: "Good (-90 to -80)"},
			{Min: -100, Max: -90, Color: "#FFEB3B", Label: "Fair (-100 to -90)"},
			{Min: -110, Max: -100, Color: "#FF9800", Label: "Poor (-110 to -100)"},
			{Min: -140, Max: -110, Color: "#F44336", Label: "Very poor (< -110)"},
		},
		models.MetricRSRQ: {
			{Min: -10, Max: 0, Color: "#4CAF50", Label: "Good (>= -10 dB)"},
			{Min: -15, Max: -10, Color: "#FFEB3B", Label: "Fair (-15 to -10)"},
			{Min: -20, Max: -15, Color: "#FF9800", Label: "Poor (-20 to -15)"},
			{Min: -40, Max: -20, Color: "#F44336", Label: "Very poor (< -20)"},
		},
		models.MetricSINR: {
			{Min: -20, Max: 0, Color: "#F44336", Label: "Poor (< 0 dB)"},
			{Min: 0, Max: 13, Color: "#FFEB3B", Label: "Fair (0 to 13)"},
			{Min: 13, Max: 20, Color: "#4CAF50", Label: "Good (13 to 20)"},
			{Min: 20, Max: 0, Color: "#1B5E20", Label: "Excellent (>= 20)"},
		},
		models.MetricDLTpt: {
			{Min: 0, Max: 5, Color: "#F44336", Label: "< 5 Mbps"},
			{Min: 5, Max: 20, Color: "#FF9800", Label: "5 to 20 Mbps"},
			{Min: 20, Max: 50, Color: "#FFEB3B", Label: "20 to 50 Mbps"},
			{Min: 50, Max: 0, Color: "#4CAF50", Label: ">= 50 Mbps"},
		},
		models.MetricULTpt: {
			{Min: 0, Max: 2, Color: "#F44336", Label: "< 2 Mbps"},
			{Min: 2, Max: 10, Color: "#FF9800", Label: "2 to 10 Mbps"},
			{Min: 10, Max: 25, Color: "#FFEB3B", Label: "10 to 25 Mbps"},
			{Min: 25, Max: 0, Color: "#4CAF50", Label: ">= 25 Mbps"},
		},
		models.MetricMOS: {
			{Min: 1, Max: 2.5, Color: "#F44336", Label: "Bad (< 2.5)"},
			{Min: 2.5, Max: 3.5, Color: "#FFEB3B", Label: "Fair (2.5 to 3.5)"},
			{Min: 3.5, Max: 5.01, Color: "#4CAF50", Label: "Good (>= 3.5)"},
		},
		models.MetricLatency: {
			{Min: 0, Max: 50, Color: "#4CAF50", Label: "< 50 ms"},
			{Min: 50, Max: 100, Color: "#FFEB3B", Label: "50 to 100 ms"},
			{Min: 100, Max: 0, Color: "#F44336", Label: ">= 100 ms"},
		},
		models.MetricJitter: {
			{Min: 0, Max: 10, Color: "#4CAF50", Label: "< 10 ms"},
			{Min: 10, Max: 30, Color: "#FFEB3B", Label: "10 to 30 ms"},
			{Min: 30, Max: 0, Color: "#F44336", Label: ">= 30 ms"},
		},
	}
}

// DecodeSettings reads a threshold-settings payload. The payload may be the
// settings object itself or wrap it under "data" or "settings"; each metric
// value may be a rule array or a string holding a JSON-encoded rule array.
// Keys that are not rule sets are ignored.
func DecodeSettings(raw []byte) (map[string]models.ThresholdSet, error) {
	var obj map[string]stdjson.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decoding threshold settings: %w", err)
	}
	for _, wrapper := range []string{"data", "settings"} {
		if inner, ok := obj[wrapper]; ok {
			var innerObj map[string]stdjson.RawMessage
			if err := json.Unmarshal(inner, &innerObj); err == nil && innerObj != nil {
				obj = innerObj
				break
			}
		}
	}

	out := make(map[string]models.ThresholdSet)
	for key, value := range obj {
		set, ok := decodeRuleSet(value)
		if !ok {
			continue
		}
		out[canonical(key)] = set
	}
	return out, nil
}

func decodeRuleSet(raw stdjson.RawMessage) (models.ThresholdSet, bool) {
	var set models.ThresholdSet
	if err := json.Unmarshal(raw, &set); err == nil {
		return set, set != nil
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, false
	}
	if err := json.UnmarshalFromString(encoded, &set); err != nil {
		return nil, false
	}
	return set, set != nil
}
