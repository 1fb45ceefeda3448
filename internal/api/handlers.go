package api

import (
	stdjson "encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"drivetest-pipeline/internal/export"
	"drivetest-pipeline/internal/fetcher"
	"drivetest-pipeline/internal/geo"
	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/pipeline"
	"drivetest-pipeline/internal/stats"
)

const maxUploadBytes = 16 << 20

type samplesResponse struct {
	Key       string           `json:"key"`
	Samples   interface{}      `json:"samples"`
	Progress  models.Progress  `json:"progress"`
	Drops     models.DropStats `json:"drops"`
	Partial   bool             `json:"partial"`
	Cancelled bool             `json:"cancelled"`
	Warning   string           `json:"warning,omitempty"`
}

type progressResponse struct {
	Key      string          `json:"key"`
	Progress models.Progress `json:"progress"`
	Loaded   int             `json:"loaded"`
	Loading  bool            `json:"loading"`
	Partial  bool            `json:"partial"`
	Error    string          `json:"error,omitempty"`
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.Status(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"upstream": "reachable"})
}

// samples fetches the requested sessions, restricted to the polygon ids if any
func (s *Server) samples(r *http.Request) (*fetcher.Result, error) {
	return s.pipe.SamplesInPolygons(r.Context(), sessionParam(r), listParam(r, "polygons", "polygon_ids"))
}

func (s *Server) respondSamples(w http.ResponseWriter, r *http.Request, res *fetcher.Result, start time.Time) {
	limit := intParam(r, "limit", 0)
	offset := intParam(r, "offset", 0)

	resp := samplesResponse{
		Key:       res.Key,
		Progress:  res.Progress,
		Drops:     res.Drops,
		Partial:   res.Partial,
		Cancelled: res.Cancelled,
	}
	if res.Err != nil {
		resp.Warning = res.Err.Error()
	}

	if metric := r.URL.Query().Get("metric"); metric != "" {
		colored, err := s.pipe.Classify(metric, res.Samples)
		if err != nil {
			s.respondFailure(w, err)
			return
		}
		resp.Samples = page(colored, limit, offset)
	} else {
		resp.Samples = page(res.Samples, limit, offset)
	}

	respondWithMeta(w, resp, &meta{
		Total:   len(res.Samples),
		Limit:   limit,
		Offset:  offset,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res, err := s.samples(r)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondSamples(w, r, res, start)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ids := sessionParam(r)
	if len(ids) == 0 {
		respondError(w, http.StatusBadRequest, "sessions is required")
		return
	}
	res, err := s.pipe.Refresh(r.Context(), ids)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondSamples(w, r, res, start)
}

type filterRequest struct {
	SessionIDs []string          `json:"session_ids"`
	GeoJSON    stdjson.RawMessage `json:"geojson"`
}

// handleFilter restricts the sessions' samples to an ad-hoc GeoJSON region
func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req filterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.SessionIDs) == 0 || len(req.GeoJSON) == 0 {
		respondError(w, http.StatusBadRequest, "session_ids and geojson are required")
		return
	}
	polys, err := geo.ParseGeoJSON(req.GeoJSON)
	if err != nil {
		s.respondFailure(w, err)
		return
	}

	res, err := s.pipe.SamplesInPolygons(r.Context(), req.SessionIDs, nil)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	filtered := *res
	filtered.Samples = s.pipe.FilterSamples(res.Samples, polys)
	s.respondSamples(w, r, &filtered, start)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	st := s.pipe.Progress()
	resp := progressResponse{
		Key:      st.Key,
		Progress: st.Progress,
		Loaded:   len(st.Samples),
		Loading:  st.Loading,
		Partial:  st.Partial,
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelFetch(w http.ResponseWriter, r *http.Request) {
	s.pipe.CancelFetch()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	v, err := strconv.ParseFloat(r.URL.Query().Get("value"), 64)
	if metric == "" || err != nil {
		respondError(w, http.StatusBadRequest, "metric and numeric value are required")
		return
	}
	color, err := s.pipe.ClassifyValue(metric, v)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"metric": metric, "value": v, "color": color})
}

func (s *Server) handleLegend(w http.ResponseWriter, r *http.Request) {
	legend, err := s.pipe.Legend(mux.Vars(r)["metric"])
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, legend)
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pipe.Thresholds())
}

func (s *Server) handleReloadThresholds(w http.ResponseWriter, r *http.Request) {
	sets, err := s.pipe.LoadThresholds(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sets)
}

func (s *Server) handleSaveThresholds(w http.ResponseWriter, r *http.Request) {
	var sets map[string]models.ThresholdSet
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&sets); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(sets) == 0 {
		respondError(w, http.StatusBadRequest, "no rule sets given")
		return
	}
	if err := s.pipe.SaveThresholds(r.Context(), sets); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.pipe.Thresholds())
}

func (s *Server) handleListPolygons(w http.ResponseWriter, r *http.Request) {
	polys, err := s.pipe.Polygons(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondWithMeta(w, polys, &meta{Total: len(polys)})
}

// handleImportPolygons stores every polygon of a GeoJSON body
func (s *Server) handleImportPolygons(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil || len(body) == 0 {
		respondError(w, http.StatusBadRequest, "GeoJSON body is required")
		return
	}
	ids, err := s.pipe.ImportGeoJSON(r.Context(), body, sessionParam(r))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string][]string{"ids": ids})
}

func (s *Server) handleDeletePolygon(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.pipe.DeletePolygon(r.Context(), id); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ids := sessionParam(r)
	if len(ids) == 0 {
		respondError(w, http.StatusBadRequest, "sessions is required")
		return
	}
	res, err := s.pipe.Neighbors(r.Context(), ids)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if r.URL.Query().Get("collisions_only") == "true" && !res.Cancelled {
		respondWithMeta(w, res.Collisions, &meta{Total: len(res.Collisions), QueryMs: time.Since(start).Milliseconds()})
		return
	}
	respondWithMeta(w, res, &meta{Total: len(res.AllNeighbors), QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleCancelNeighbors(w http.ResponseWriter, r *http.Request) {
	s.pipe.CancelNeighbors()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func aggregateRequest(r *http.Request) (pipeline.AggregateRequest, error) {
	g, err := stats.ParseGrouping(r.URL.Query().Get("group"))
	if err != nil {
		return pipeline.AggregateRequest{}, err
	}
	return pipeline.AggregateRequest{
		Metric:     r.URL.Query().Get("metric"),
		SessionIDs: sessionParam(r),
		Grouping:   g,
		Mode:       models.AggregationMode(r.URL.Query().Get("mode")),
	}, nil
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, err := aggregateRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.pipe.Aggregate(r.Context(), req)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondWithMeta(w, out, &meta{Total: len(out), QueryMs: time.Since(start).Milliseconds()})
}

// sampleStats summarizes the requested (optionally polygon-filtered) samples
func (s *Server) sampleStats(r *http.Request) ([]models.AggregatedStat, error) {
	g, err := stats.ParseGrouping(r.URL.Query().Get("group"))
	if err != nil {
		return nil, err
	}
	res, err := s.samples(r)
	if err != nil {
		return nil, err
	}
	return s.pipe.SampleStats(res.Samples, r.URL.Query().Get("metric"), g)
}

func (s *Server) handleSampleStats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	out, err := s.sampleStats(r)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondWithMeta(w, out, &meta{Total: len(out), QueryMs: time.Since(start).Milliseconds()})
}

func csvHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
}

func (s *Server) handleExportSamples(w http.ResponseWriter, r *http.Request) {
	res, err := s.samples(r)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	csvHeaders(w, "samples.csv")
	if err := export.WriteSamples(w, res.Samples); err != nil {
		s.logger.Error().Err(err).Msg("sample export interrupted")
	}
}

// handleExportStats exports aggregate rows, or exact sample summaries with source=samples
func (s *Server) handleExportStats(w http.ResponseWriter, r *http.Request) {
	var (
		out []models.AggregatedStat
		err error
	)
	if r.URL.Query().Get("source") == "samples" {
		out, err = s.sampleStats(r)
	} else {
		var req pipeline.AggregateRequest
		if req, err = aggregateRequest(r); err == nil {
			out, err = s.pipe.Aggregate(r.Context(), req)
		}
	}
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	csvHeaders(w, "stats.csv")
	if err := export.WriteStats(w, r.URL.Query().Get("metric"), out); err != nil {
		s.logger.Error().Err(err).Msg("stats export interrupted")
	}
}

func (s *Server) handleExportCollisions(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipe.Neighbors(r.Context(), sessionParam(r))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	csvHeaders(w, "collisions.csv")
	if err := export.WriteCollisions(w, res.Collisions); err != nil {
		s.logger.Error().Err(err).Msg("collision export interrupted")
	}
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	entries := s.pipe.CacheStats()
	var bytes int
	for _, e := range entries {
		bytes += e.Bytes
	}
	respondWithMeta(w, map[string]interface{}{"entries": entries, "bytes": bytes}, &meta{Total: len(entries)})
}

func (s *Server) handlePurgeCache(w http.ResponseWriter, r *http.Request) {
	n := s.pipe.PurgeCache(r.URL.Query().Get("namespace"))
	respondJSON(w, http.StatusOK, map[string]int{"removed": n})
}
