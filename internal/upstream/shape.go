package upstream

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"

	"drivetest-pipeline/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Shape identifies which payload layout a response matched
type Shape int

const (
	ShapeNone Shape = iota
	ShapeArray
	ShapeWrapped
	ShapeNested
)

func (s Shape) String() string {
	switch s {
	case ShapeArray:
		return "array"
	case ShapeWrapped:
		return "wrapped"
	case ShapeNested:
		return "nested"
	default:
		return "none"
	}
}

// Keys under which services wrap record arrays, in precedence order
var recordKeys = []string{"data", "logs", "records", "items", "results", "rows"}

var totalKeys = []string{"total_count", "totalCount", "total", "count", "total_records"}

var (
	appSummaryKeys        = []string{"app_summary", "appSummary"}
	indoorOutdoorKeys     = []string{"io_summary", "ioSummary", "indoor_outdoor_summary", "indoorOutdoorSummary"}
	throughputSummaryKeys = []string{"tpt_summary", "tptSummary", "throughput_summary", "throughputSummary"}
)

// shapeDecoder tries one layout. ok is false when raw does not have that layout.
type shapeDecoder struct {
	shape  Shape
	decode func(raw []byte) (records []map[string]any, ok bool)
}

var recordShapes = []shapeDecoder{
	{ShapeArray, decodeArrayShape},
	{ShapeWrapped, decodeWrappedShape},
	{ShapeNested, decodeNestedShape},
}

// DecodeRecords extracts the record list from a response body. It tries a
// bare array, then an object wrapping the array, then an object whose "data"
// wraps it. Anything else decodes to an empty list.
func DecodeRecords(raw []byte) ([]map[string]any, Shape) {
	for _, sd := range recordShapes {
		if recs, ok := sd.decode(raw); ok {
			return recs, sd.shape
		}
	}
	return []map[string]any{}, ShapeNone
}

func decodeArrayShape(raw []byte) ([]map[string]any, bool) {
	var items []stdjson.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	return objectsOnly(items), true
}

func decodeWrappedShape(raw []byte) ([]map[string]any, bool) {
	obj, ok := decodeObject(raw)
	if !ok {
		return nil, false
	}
	for _, k := range recordKeys {
		if v, found := obj[k]; found {
			if recs, ok := decodeArrayShape(v); ok {
				return recs, true
			}
		}
	}
	return nil, false
}

func decodeNestedShape(raw []byte) ([]map[string]any, bool) {
	obj, ok := decodeObject(raw)
	if !ok {
		return nil, false
	}
	inner, found := obj["data"]
	if !found {
		return nil, false
	}
	return decodeWrappedShape(inner)
}

// DecodeTotal reads the reported total count from the top level or from a
// nested "data"/"meta" object. ok is false when no usable count is present.
func DecodeTotal(raw []byte) (total int, ok bool) {
	obj, isObj := decodeObject(raw)
	if !isObj {
		return 0, false
	}
	if n, found := firstInt(obj, totalKeys); found {
		return n, true
	}
	for _, k := range []string{"meta", "pagination", "data"} {
		if inner, found := obj[k]; found {
			if innerObj, ok := decodeObject(inner); ok {
				if n, found := firstInt(innerObj, totalKeys); found {
					return n, true
				}
			}
		}
	}
	return 0, false
}

// DecodeSummary keeps the optional summary blocks verbatim
func DecodeSummary(raw []byte) models.Summary {
	var s models.Summary
	obj, ok := decodeObject(raw)
	if !ok {
		return s
	}
	s.App = firstRaw(obj, appSummaryKeys)
	s.IndoorOutdoor = firstRaw(obj, indoorOutdoorKeys)
	s.Throughput = firstRaw(obj, throughputSummaryKeys)
	return s
}

func decodeObject(raw []byte) (map[string]stdjson.RawMessage, bool) {
	var obj map[string]stdjson.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func objectsOnly(items []stdjson.RawMessage) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		var rec map[string]any
		if err := json.Unmarshal(item, &rec); err != nil || rec == nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func firstInt(obj map[string]stdjson.RawMessage, keys []string) (int, bool) {
	for _, k := range keys {
		v, found := obj[k]
		if !found {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err == nil && f >= 0 {
			return int(f), true
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			var n int
			if err := json.UnmarshalFromString(s, &n); err == nil && n >= 0 {
				return n, true
			}
		}
	}
	return 0, false
}

func firstRaw(obj map[string]stdjson.RawMessage, keys []string) []byte {
	for _, k := range keys {
		if v, found := obj[k]; found && string(v) != "null" {
			return []byte(v)
		}
	}
	return nil
}
