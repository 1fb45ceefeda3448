package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"drivetest-pipeline/internal/models"
)

// Field aliases, compared after normalizeKey
var (
	latKeys        = []string{"lat", "latitude", "gpslat", "gpslatitude", "y"}
	lngKeys        = []string{"lng", "lon", "long", "longitude", "gpslng", "gpslon", "gpslongitude", "x"}
	sessionKeys    = []string{"sessionid", "session", "sid", "logsessionid"}
	timestampKeys  = []string{"timestamp", "time", "datetime", "createdat", "ts", "logtime"}
	providerKeys   = []string{"provider", "operator", "operatorname", "networkoperator", "carrier", "brand", "m_alpha_long"}
	technologyKeys = []string{"technology", "network", "networktype", "tech", "nettype", "rat"}
	bandKeys       = []string{"band", "frequencyband", "bandname"}
	pciKeys        = []string{"pci", "physicalcellid", "ltepci", "nrpci"}
	cellIDKeys     = []string{"cellid", "cell", "ci", "eci", "nci", "cellidentity"}
)

// Parser turns raw upstream records into validated LogSamples
type Parser struct {
	canon Canonicalizer
}

// NewParser creates a parser. A nil canonicalizer selects the default vocabulary.
func NewParser(canon Canonicalizer) *Parser {
	if canon == nil {
		canon = DefaultCanonicalizer()
	}
	return &Parser{canon: canon}
}

// Canonicalizer returns the provider/technology normalizer used by the parser
func (p *Parser) Canonicalizer() Canonicalizer {
	return p.canon
}

// Parse converts one raw record. It reports false when mandatory fields are
// missing or invalid; the caller owns drop accounting.
func (p *Parser) Parse(raw map[string]any) (models.LogSample, bool) {
	var s models.LogSample
	if len(raw) == 0 {
		return s, false
	}
	rec := NewRecord(raw)

	lat, lng, ok := rec.Location()
	if !ok {
		return s, false
	}
	s.Lat, s.Lng = lat, lng

	s.SessionID = ParseString(rec.First(sessionKeys))
	if v := rec.First(timestampKeys); v != nil {
		s.Timestamp, _ = ParseTimestamp(v)
	}

	// Numeric metrics take the first alias carrying a usable number
	for _, m := range models.Metrics() {
		if m.Value == nil {
			continue
		}
		v := rec.Number(m.Fields)
		switch m.Name {
		case models.MetricRSRP:
			s.RSRP = v
		case models.MetricRSRQ:
			s.RSRQ = v
		case models.MetricSINR:
			s.SINR = v
		case models.MetricDLTpt:
			s.DownlinkThroughput = v
		case models.MetricULTpt:
			s.UplinkThroughput = v
		case models.MetricMOS:
			s.MOS = v
		case models.MetricJitter:
			s.Jitter = v
		case models.MetricLatency:
			s.Latency = v
		case models.MetricPacketLoss:
			s.PacketLoss = v
		case models.MetricSpeed:
			s.Speed = v
		case models.MetricBattery:
			s.Battery = v
		}
	}

	s.Provider = p.canon.Provider(rec.Operator())
	s.Technology = p.canon.Technology(rec.Technology())
	s.Band = ParseString(rec.First(bandKeys))
	s.PCI = rec.PCI()
	s.CellID = rec.CellID()

	return s, true
}

// ParseBatch parses every record, skipping invalid ones and counting them
func (p *Parser) ParseBatch(raws []map[string]any) ([]models.LogSample, models.DropStats) {
	stats := models.DropStats{Total: len(raws)}
	out := make([]models.LogSample, 0, len(raws))
	for _, raw := range raws {
		s, ok := p.Parse(raw)
		if !ok {
			stats.Dropped++
			continue
		}
		out = append(out, s)
	}
	stats.Kept = len(out)
	return out, stats
}

// ValidCoordinates reports whether lat/lng are finite and in range
func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// ParseNumber is the tolerant numeric coercion used for every metric field.
// Empty, null-like and non-numeric input yields nil.
func ParseNumber(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		str := strings.TrimSpace(n)
		switch strings.ToLower(str) {
		case "", "null", "undefined", "nan", "n/a", "na", "-":
			return nil
		}
		parsed, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ParseString renders scalar values as trimmed strings
func ParseString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		str := strings.TrimSpace(s)
		switch strings.ToLower(str) {
		case "null", "undefined":
			return ""
		}
		return str
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

// ParseTimestamp tries multiple timestamp formats, then unix seconds or milliseconds
func ParseTimestamp(v any) (time.Time, error) {
	if n := ParseNumber(v); n != nil {
		return unixTime(*n), nil
	}

	s := ParseString(v)
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006/01/02 15:04:05",
		"01/02/2006 15:04:05",
		"02-01-2006 15:04:05",
		"2006-01-02",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// unixTime accepts seconds or milliseconds since epoch
func unixTime(n float64) time.Time {
	if math.Abs(n) >= 1e11 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}

// Record indexes a raw object by normalized key
type Record map[string]any

// NewRecord normalizes raw keys. When several keys collapse to the same name
// a non-nil value wins over nil, then a key already in normalized form
// ("lat" over "Lat"), then the key that sorts first.
func NewRecord(raw map[string]any) Record {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := make(Record, len(raw))
	exact := make(map[string]bool, len(raw))
	for _, k := range keys {
		v, nk := raw[k], normalizeKey(k)
		prev, dup := r[nk]
		switch {
		case !dup:
		case v == nil:
			continue
		case prev != nil && (exact[nk] || k != nk):
			continue
		}
		r[nk] = v
		exact[nk] = k == nk
	}
	return r
}

// First returns the value of the first alias present with a non-nil value
func (r Record) First(keys []string) any {
	for _, k := range keys {
		if v, ok := r[normalizeKey(k)]; ok && v != nil {
			return v
		}
	}
	return nil
}

// Number returns the first alias that parses as a number
func (r Record) Number(keys []string) *float64 {
	for _, k := range keys {
		if v, ok := r[normalizeKey(k)]; ok {
			if n := ParseNumber(v); n != nil {
				return n
			}
		}
	}
	return nil
}

// Location returns validated coordinates
func (r Record) Location() (lat, lng float64, ok bool) {
	la := ParseNumber(r.First(latKeys))
	ln := ParseNumber(r.First(lngKeys))
	if la == nil || ln == nil || !ValidCoordinates(*la, *ln) {
		return 0, 0, false
	}
	return *la, *ln, true
}

// PCI returns the physical cell identifier as a string, "" when absent
func (r Record) PCI() string {
	return ParseString(r.First(pciKeys))
}

// CellID returns the cell identity as a string, "" when absent
func (r Record) CellID() string {
	return ParseString(r.First(cellIDKeys))
}

// Operator returns the raw provider spelling
func (r Record) Operator() string {
	return ParseString(r.First(providerKeys))
}

// Technology returns the raw technology spelling
func (r Record) Technology() string {
	return ParseString(r.First(technologyKeys))
}

// String returns the first alias as a trimmed string
func (r Record) String(keys ...string) string {
	return ParseString(r.First(keys))
}

// normalizeKey lowercases and strips separators so "GPS_Lat", "gps-lat"
// and "gpsLat" compare equal
func normalizeKey(k string) string {
	var b strings.Builder
	b.Grow(len(k))
	for _, r := range strings.ToLower(strings.TrimSpace(k)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
