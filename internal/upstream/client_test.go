package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivetest-pipeline/internal/models"
)

func TestDecodeRecords_Shapes(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		shape Shape
		count int
	}{
		{"bare array", `[{"lat":1},{"lat":2}]`, ShapeArray, 2},
		{"array skips scalars", `[{"lat":1}, 3, "x", null]`, ShapeArray, 1},
		{"wrapped data", `{"data":[{"lat":1}],"total_count":10}`, ShapeWrapped, 1},
		{"wrapped logs", `{"logs":[{"lat":1},{"lat":2},{"lat":3}]}`, ShapeWrapped, 3},
		{"wrapped precedence", `{"rows":[{}],"records":[{},{}]}`, ShapeWrapped, 2},
		{"nested", `{"data":{"logs":[{"lat":1}]}}`, ShapeNested, 1},
		{"unknown object", `{"message":"ok"}`, ShapeNone, 0},
		{"scalar", `42`, ShapeNone, 0},
		{"garbage", `not json`, ShapeNone, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recs, shape := DecodeRecords([]byte(tc.body))
			assert.Equal(t, tc.shape, shape)
			assert.Len(t, recs, tc.count)
			assert.NotNil(t, recs)
		})
	}
}

func TestDecodeTotal(t *testing.T) {
	n, ok := DecodeTotal([]byte(`{"total_count": 25, "data": []}`))
	assert.True(t, ok)
	assert.Equal(t, 25, n)

	n, ok = DecodeTotal([]byte(`{"totalCount": "12"}`))
	assert.True(t, ok)
	assert.Equal(t, 12, n)

	n, ok = DecodeTotal([]byte(`{"meta": {"total": 7}}`))
	assert.True(t, ok)
	assert.Equal(t, 7, n)

	_, ok = DecodeTotal([]byte(`[{"a":1}]`))
	assert.False(t, ok)

	_, ok = DecodeTotal([]byte(`{"data": []}`))
	assert.False(t, ok)
}

func TestDecodeSummary(t *testing.T) {
	s := DecodeSummary([]byte(`{"app_summary":{"youtube":3},"ioSummary":[1,2],"tpt_summary":null}`))
	assert.JSONEq(t, `{"youtube":3}`, string(s.App))
	assert.JSONEq(t, `[1,2]`, string(s.IndoorOutdoor))
	assert.Nil(t, s.Throughput)
	assert.False(t, s.Empty())
	assert.True(t, DecodeSummary([]byte(`[]`)).Empty())
}

func TestClient_FetchLogPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/logs", r.URL.Path)
		assert.Equal(t, "1,2", r.URL.Query().Get("session_ids"))
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		assert.Equal(t, "500", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"data":[{"lat":1,"lng":2}],"total_count":1001,"app_summary":{"a":1}}`)
	}))
	defer srv.Close()

	c := New(Config{TelemetryURL: srv.URL, Token: "secret"}, srv.Client(), zerolog.Nop())
	page, err := c.FetchLogPage(context.Background(), []string{"1", "2"}, 3, 500)
	require.NoError(t, err)

	assert.Len(t, page.Records, 1)
	assert.True(t, page.HasTotal)
	assert.Equal(t, 1001, page.Total)
	assert.Equal(t, ShapeWrapped, page.Shape)
	assert.JSONEq(t, `{"a":1}`, string(page.Summary.App))
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{TelemetryURL: srv.URL}, srv.Client(), zerolog.Nop())
	_, err := c.FetchNeighbors(context.Background(), "9")

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "broken", se.Body)
	assert.False(t, IsTimeout(err))
}

func TestClient_TimeoutDistinctFromCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{TelemetryURL: srv.URL, ShortTimeout: 50 * time.Millisecond}, srv.Client(), zerolog.Nop())

	err := c.Status(context.Background())
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err = c.Status(ctx)
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_SaveThresholdsEncodesPerMetric(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := New(Config{TelemetryURL: srv.URL}, srv.Client(), zerolog.Nop())
	err := c.SaveThresholds(context.Background(), map[string]models.ThresholdSet{
		"rsrp": {{Min: -80, Max: 0, Color: "#00ff00", Label: "Good"}},
	})
	require.NoError(t, err)
	require.Contains(t, got, "rsrp")
	assert.JSONEq(t, `[{"min":-80,"max":0,"color":"#00ff00","label":"Good"}]`, got["rsrp"])
}

func TestClient_ListPolygons(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[
			{"id": 7, "name": "zone", "geometry": {"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}, "session_ids": [1, 2]},
			{"id": 8, "name": "as string", "geojson": "{\"type\":\"Polygon\",\"coordinates\":[[[0,0],[1,0],[1,1],[0,0]]]}", "session_ids": "3, 4"},
			{"id": 9, "name": "empty"}
		]}`)
	}))
	defer srv.Close()

	c := New(Config{TelemetryURL: srv.URL}, srv.Client(), zerolog.Nop())
	polys, err := c.ListPolygons(context.Background())
	require.NoError(t, err)
	require.Len(t, polys, 2)

	assert.Equal(t, "7", polys[0].ID)
	assert.Equal(t, []string{"1", "2"}, polys[0].SessionIDs)
	assert.Equal(t, "8", polys[1].ID)
	assert.Equal(t, []string{"3", "4"}, polys[1].SessionIDs)
	assert.Contains(t, string(polys[1].Geometry), "Polygon")
}
