// Package upstream talks to the remote telemetry and analytics services.
package upstream

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"drivetest-pipeline/internal/models"
)

const (
	DefaultShortTimeout = 15 * time.Second
	DefaultPageTimeout  = 90 * time.Second
	DefaultLongTimeout  = 5 * time.Minute

	maxBodyBytes = 512 << 20
)

// HTTPClient abstracts HTTP operations for testability
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TimeoutError is returned when a call exceeded its own per-call budget.
// Cancellation by the caller is reported as context.Canceled instead.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream %s: timed out after %s", e.Op, e.Timeout)
}

// StatusError is a non-2xx response
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsTimeout reports whether err is a per-call timeout
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Config holds service endpoints and per-call budgets
type Config struct {
	TelemetryURL string
	AnalyticsURL string
	Token        string
	ShortTimeout time.Duration
	PageTimeout  time.Duration
	LongTimeout  time.Duration
}

// LogPage is one page of the paginated log endpoint
type LogPage struct {
	Records  []map[string]any
	Total    int
	HasTotal bool
	Summary  models.Summary
	Shape    Shape
}

// PolygonRecord is a polygon as stored by the telemetry service
type PolygonRecord struct {
	ID         string             `json:"id,omitempty"`
	Name       string             `json:"name"`
	Geometry   stdjson.RawMessage `json:"geometry"`
	SessionIDs []string           `json:"session_ids,omitempty"`
}

// Client is the remote API client
type Client struct {
	http   HTTPClient
	cfg    Config
	logger zerolog.Logger
}

// New creates a client. A nil HTTPClient selects http.DefaultClient.
func New(cfg Config, hc HTTPClient, logger zerolog.Logger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if cfg.ShortTimeout <= 0 {
		cfg.ShortTimeout = DefaultShortTimeout
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}
	if cfg.LongTimeout <= 0 {
		cfg.LongTimeout = DefaultLongTimeout
	}
	if cfg.AnalyticsURL == "" {
		cfg.AnalyticsURL = cfg.TelemetryURL
	}
	return &Client{
		http:   hc,
		cfg:    cfg,
		logger: logger.With().Str("component", "upstream").Logger(),
	}
}

// FetchLogPage retrieves one page of raw log records for the given sessions
func (c *Client) FetchLogPage(ctx context.Context, sessionIDs []string, page, pageSize int) (*LogPage, error) {
	q := url.Values{}
	q.Set("session_ids", strings.Join(sessionIDs, ","))
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(pageSize))

	body, err := c.do(ctx, "log page", c.cfg.PageTimeout, http.MethodGet, c.cfg.TelemetryURL, "/api/logs", q, nil)
	if err != nil {
		return nil, err
	}

	recs, shape := DecodeRecords(body)
	total, hasTotal := DecodeTotal(body)
	return &LogPage{
		Records:  recs,
		Total:    total,
		HasTotal: hasTotal,
		Summary:  DecodeSummary(body),
		Shape:    shape,
	}, nil
}

// FetchNeighbors returns the raw neighbor-query response for one session
func (c *Client) FetchNeighbors(ctx context.Context, sessionID string) ([]byte, error) {
	q := url.Values{}
	q.Set("session_id", sessionID)
	return c.do(ctx, "neighbors", c.cfg.PageTimeout, http.MethodGet, c.cfg.TelemetryURL, "/api/neighbors", q, nil)
}

// FetchThresholds returns the raw threshold settings payload
func (c *Client) FetchThresholds(ctx context.Context) ([]byte, error) {
	return c.do(ctx, "thresholds", c.cfg.ShortTimeout, http.MethodGet, c.cfg.TelemetryURL, "/api/thresholds", nil, nil)
}

// SaveThresholds stores threshold settings. Rule sets are sent JSON-encoded per metric.
func (c *Client) SaveThresholds(ctx context.Context, sets map[string]models.ThresholdSet) error {
	payload := make(map[string]string, len(sets))
	for metric, set := range sets {
		encoded, err := json.MarshalToString(set)
		if err != nil {
			return fmt.Errorf("encoding %s thresholds: %w", metric, err)
		}
		payload[metric] = encoded
	}
	_, err := c.do(ctx, "save thresholds", c.cfg.ShortTimeout, http.MethodPost, c.cfg.TelemetryURL, "/api/thresholds", nil, payload)
	return err
}

// ListPolygons returns stored polygons
func (c *Client) ListPolygons(ctx context.Context) ([]PolygonRecord, error) {
	body, err := c.do(ctx, "list polygons", c.cfg.ShortTimeout, http.MethodGet, c.cfg.TelemetryURL, "/api/polygons", nil, nil)
	if err != nil {
		return nil, err
	}
	recs, _ := DecodeRecords(body)
	out := make([]PolygonRecord, 0, len(recs))
	for _, rec := range recs {
		p, ok := polygonFromRecord(rec)
		if !ok {
			c.logger.Warn().Interface("id", rec["id"]).Msg("skipping polygon without geometry")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

var geometryKeys = []string{"geometry", "geojson", "polygon", "coordinates", "geom"}

func polygonFromRecord(rec map[string]any) (PolygonRecord, bool) {
	var p PolygonRecord
	if id, ok := rec["id"]; ok && id != nil {
		p.ID = scalarString(id)
	}
	if name, ok := rec["name"].(string); ok {
		p.Name = name
	}
	for _, k := range geometryKeys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		// Some deployments store the GeoJSON as a string
		if s, isString := v.(string); isString {
			p.Geometry = stdjson.RawMessage(s)
		} else {
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			p.Geometry = raw
		}
		break
	}
	switch ids := rec["session_ids"].(type) {
	case []any:
		for _, id := range ids {
			p.SessionIDs = append(p.SessionIDs, scalarString(id))
		}
	case string:
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				p.SessionIDs = append(p.SessionIDs, id)
			}
		}
	}
	return p, len(p.Geometry) > 0
}

func scalarString(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// SavePolygon creates or updates a polygon and returns its id
func (c *Client) SavePolygon(ctx context.Context, p PolygonRecord) (string, error) {
	method, path := http.MethodPost, "/api/polygons"
	if p.ID != "" {
		method, path = http.MethodPut, "/api/polygons/"+url.PathEscape(p.ID)
	}
	body, err := c.do(ctx, "save polygon", c.cfg.ShortTimeout, method, c.cfg.TelemetryURL, path, nil, p)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID   any `json:"id"`
		Data struct {
			ID any `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err == nil {
		if resp.ID != nil {
			return scalarString(resp.ID), nil
		}
		if resp.Data.ID != nil {
			return scalarString(resp.Data.ID), nil
		}
	}
	return p.ID, nil
}

// DeletePolygon removes a stored polygon
func (c *Client) DeletePolygon(ctx context.Context, id string) error {
	_, err := c.do(ctx, "delete polygon", c.cfg.ShortTimeout, http.MethodDelete, c.cfg.TelemetryURL, "/api/polygons/"+url.PathEscape(id), nil, nil)
	return err
}

// FetchMetricAggregate returns pre-aggregated rows for one metric from the analytics service
func (c *Client) FetchMetricAggregate(ctx context.Context, metric string, sessionIDs []string) ([]map[string]any, error) {
	q := url.Values{}
	if len(sessionIDs) > 0 {
		q.Set("session_ids", strings.Join(sessionIDs, ","))
	}
	body, err := c.do(ctx, "metric "+metric, c.cfg.LongTimeout, http.MethodGet, c.cfg.AnalyticsURL, "/api/metrics/"+url.PathEscape(metric), q, nil)
	if err != nil {
		return nil, err
	}
	recs, _ := DecodeRecords(body)
	return recs, nil
}

// Status pings the telemetry service
func (c *Client) Status(ctx context.Context) error {
	_, err := c.do(ctx, "status", c.cfg.ShortTimeout, http.MethodGet, c.cfg.TelemetryURL, "/api/status", nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, op string, timeout time.Duration, method, base, path string, q url.Values, payload any) ([]byte, error) {
	endpoint := strings.TrimRight(base, "/") + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: encoding body: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: building request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(ctx, callCtx, op, timeout, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.classify(ctx, callCtx, op, timeout, err)
	}

	c.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Int("bytes", len(data)).
		Dur("took", time.Since(start)).
		Msg("upstream call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(data)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(snippet)}
	}
	return data, nil
}

// classify separates caller cancellation from per-call timeouts
func (c *Client) classify(parent, callCtx context.Context, op string, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("upstream %s: %w", op, parent.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Timeout: timeout}
	}
	return fmt.Errorf("upstream %s: %w", op, err)
}
