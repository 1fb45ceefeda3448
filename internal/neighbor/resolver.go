// Package neighbor merges per-session neighbor-query responses into located
// cell records and detects PCI collisions.
package neighbor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/monitoring"
)

const (
	// LocationTolerance is the coordinate distance (degrees) under which two
	// observations count as the same location
	LocationTolerance = 0.0001

	DefaultConcurrency = 4
)

// ErrAllSessionsFailed is wrapped when no session could be resolved
var ErrAllSessionsFailed = errors.New("neighbor: every session failed")

var (
	rsrpKeys = []string{"rsrp", "neighbor_rsrp", "nr_rsrp", "lte_rsrp"}
	rsrqKeys = []string{"rsrq", "neighbor_rsrq", "nr_rsrq", "lte_rsrq"}
	sinrKeys = []string{"sinr", "neighbor_sinr", "nr_sinr", "lte_sinr"}
	idKeys   = []string{"id", "_id", "record_id"}
)

// Collision is a PCI observed at more than one distinct location
type Collision struct {
	PCI           string          `json:"pci"`
	LocationCount int             `json:"location_count"`
	Locations     []models.LatLng `json:"locations"`
	CellIDs       []string        `json:"cell_ids,omitempty"`
	Sessions      []string        `json:"sessions,omitempty"`
}

// Stats summarizes a merge
type Stats struct {
	Total               int `json:"total"`
	UniquePCIs          int `json:"unique_pcis"`
	Collisions          int `json:"collisions"`
	FromCollisionFamily int `json:"from_collision_family"`
	FromPrimaryFamily   int `json:"from_primary_family"`
	WithoutCoords       int `json:"without_coords"`
	Duplicates          int `json:"duplicates"`
	Sessions            int `json:"sessions"`
	SessionsFailed      int `json:"sessions_failed"`
}

// Result is the merged neighbor view
type Result struct {
	AllNeighbors []models.NeighborRecord `json:"all_neighbors"`
	Collisions   []Collision             `json:"collisions"`
	Stats        Stats                   `json:"stats"`
	// Cancelled marks a query stopped or superseded before it finished
	Cancelled bool `json:"cancelled,omitempty"`
}

// Merge combines decoded responses. Records without valid coordinates are
// dropped and counted; nothing is interpolated.
func Merge(responses ...Response) *Result {
	m := merger{seen: make(map[string]struct{})}
	for _, resp := range responses {
		m.addGroups(resp)
		m.addPrimaries(resp)
	}

	res := &Result{AllNeighbors: m.out, Stats: m.stats}
	if res.AllNeighbors == nil {
		res.AllNeighbors = []models.NeighborRecord{}
	}
	res.Collisions = DetectCollisions(res.AllNeighbors)
	res.Stats.Total = len(res.AllNeighbors)
	res.Stats.Collisions = len(res.Collisions)
	res.Stats.Sessions = len(responses)

	pcis := make(map[string]struct{})
	for _, n := range res.AllNeighbors {
		if n.PCI != "" {
			pcis[n.PCI] = struct{}{}
		}
	}
	res.Stats.UniquePCIs = len(pcis)
	return res
}

type merger struct {
	out   []models.NeighborRecord
	seen  map[string]struct{}
	stats Stats
}

// Identity is the dedup key of a record: its id, else PCI plus the
// coordinate rounded to 5 decimals.
func Identity(n models.NeighborRecord) string {
	if n.ID != "" {
		return n.ID
	}
	return fmt.Sprintf("%s|%.5f|%.5f", n.PCI, n.Lat, n.Lng)
}

func (m *merger) add(n models.NeighborRecord) bool {
	key := Identity(n)
	if _, dup := m.seen[key]; dup {
		m.stats.Duplicates++
		return false
	}
	m.seen[key] = struct{}{}
	m.out = append(m.out, n)
	return true
}

func (m *merger) addGroups(resp Response) {
	for _, g := range resp.Groups {
		for _, cell := range g.Cells {
			lat, lng, ok := cell.Location()
			if !ok {
				m.stats.WithoutCoords++
				continue
			}
			pci := g.PCI
			if pci == "" {
				pci = cell.PCI()
			}
			n := models.NeighborRecord{
				ID:         cell.String(idKeys...),
				SessionID:  resp.SessionID,
				PCI:        pci,
				CellID:     cell.CellID(),
				Lat:        lat,
				Lng:        lng,
				RSRP:       cell.Number(rsrpKeys),
				RSRQ:       cell.Number(rsrqKeys),
				SINR:       cell.Number(sinrKeys),
				SourceKind: models.SourceCollision,
			}
			if m.add(n) {
				m.stats.FromCollisionFamily++
			}
		}
	}
}

func (m *merger) addPrimaries(resp Response) {
	for _, p := range resp.Primaries {
		lat, lng, ok := p.Record.Location()
		if !ok {
			dropped := len(p.Neighbors)
			if dropped == 0 {
				dropped = 1
			}
			m.stats.WithoutCoords += dropped
			continue
		}
		primaryID := p.Record.String(idKeys...)
		primaryPCI := p.Record.PCI()
		primaryCell := p.Record.CellID()

		if len(p.Neighbors) == 0 {
			n := models.NeighborRecord{
				ID:            primaryID,
				SessionID:     resp.SessionID,
				PrimaryPCI:    primaryPCI,
				PrimaryCellID: primaryCell,
				PCI:           primaryPCI,
				CellID:        primaryCell,
				Lat:           lat,
				Lng:           lng,
				RSRP:          p.Record.Number(rsrpKeys),
				RSRQ:          p.Record.Number(rsrqKeys),
				SINR:          p.Record.Number(sinrKeys),
				SourceKind:    models.SourcePrimary,
			}
			if m.add(n) {
				m.stats.FromPrimaryFamily++
			}
			continue
		}

		for _, nb := range p.Neighbors {
			nLat, nLng := lat, lng
			if la, ln, ok := nb.Location(); ok {
				nLat, nLng = la, ln
			}
			id := nb.String(idKeys...)
			if id == "" && primaryID != "" {
				id = primaryID + ":" + nb.PCI()
			}
			n := models.NeighborRecord{
				ID:            id,
				SessionID:     resp.SessionID,
				PrimaryPCI:    primaryPCI,
				PrimaryCellID: primaryCell,
				PCI:           nb.PCI(),
				CellID:        nb.CellID(),
				Lat:           nLat,
				Lng:           nLng,
				RSRP:          nb.Number(rsrpKeys),
				RSRQ:          nb.Number(rsrqKeys),
				SINR:          nb.Number(sinrKeys),
				SourceKind:    models.SourcePrimary,
			}
			if m.add(n) {
				m.stats.FromPrimaryFamily++
			}
		}
	}
}

// DetectCollisions groups collision-family records by PCI and reports every
// PCI seen at more than one distinct location. Locations closer than
// LocationTolerance on both axes are merged.
func DetectCollisions(records []models.NeighborRecord) []Collision {
	type acc struct {
		locs     []models.LatLng
		cells    map[string]struct{}
		sessions map[string]struct{}
	}
	byPCI := make(map[string]*acc)
	var order []string

	for _, n := range records {
		if n.SourceKind != models.SourceCollision || n.PCI == "" {
			continue
		}
		a, ok := byPCI[n.PCI]
		if !ok {
			a = &acc{cells: make(map[string]struct{}), sessions: make(map[string]struct{})}
			byPCI[n.PCI] = a
			order = append(order, n.PCI)
		}
		if !nearAny(a.locs, n.Lat, n.Lng) {
			a.locs = append(a.locs, models.LatLng{Lat: n.Lat, Lng: n.Lng})
		}
		if n.CellID != "" {
			a.cells[n.CellID] = struct{}{}
		}
		if n.SessionID != "" {
			a.sessions[n.SessionID] = struct{}{}
		}
	}

	out := make([]Collision, 0)
	for _, pci := range order {
		a := byPCI[pci]
		if len(a.locs) < 2 {
			continue
		}
		out = append(out, Collision{
			PCI:           pci,
			LocationCount: len(a.locs),
			Locations:     a.locs,
			CellIDs:       sortedKeys(a.cells),
			Sessions:      sortedKeys(a.sessions),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LocationCount != out[j].LocationCount {
			return out[i].LocationCount > out[j].LocationCount
		}
		return out[i].PCI < out[j].PCI
	})
	return out
}

func nearAny(locs []models.LatLng, lat, lng float64) bool {
	for _, l := range locs {
		if math.Abs(l.Lat-lat) <= LocationTolerance && math.Abs(l.Lng-lng) <= LocationTolerance {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Source fetches the raw neighbor response for one session
type Source interface {
	FetchNeighbors(ctx context.Context, sessionID string) ([]byte, error)
}

// Resolver fans neighbor queries out across sessions
type Resolver struct {
	src         Source
	concurrency int
	logger      zerolog.Logger
	metrics     *monitoring.Metrics
}

// NewResolver creates a resolver. concurrency <= 0 selects DefaultConcurrency.
func NewResolver(src Source, concurrency int, logger zerolog.Logger, metrics *monitoring.Metrics) *Resolver {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Resolver{
		src:         src,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "neighbor").Logger(),
		metrics:     metrics,
	}
}

// Resolve queries every session independently. A failing session is logged
// and skipped; the call fails only when all sessions fail or ctx ends.
func (r *Resolver) Resolve(ctx context.Context, sessionIDs []string) (*Result, error) {
	if len(sessionIDs) == 0 {
		return Merge(), nil
	}

	responses := make([]*Response, len(sessionIDs))
	errs := make([]error, len(sessionIDs))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, id := range sessionIDs {
		g.Go(func() error {
			raw, err := r.src.FetchNeighbors(ctx, id)
			if err == nil {
				var resp Response
				resp, err = Decode(id, raw)
				if err == nil {
					responses[i] = &resp
					return nil
				}
			}
			errs[i] = err
			if ctx.Err() == nil {
				r.metrics.SessionFailed("neighbors")
				r.logger.Warn().Err(err).Str("session", id).Msg("skipping session")
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ok := make([]Response, 0, len(responses))
	for _, resp := range responses {
		if resp != nil {
			ok = append(ok, *resp)
		}
	}
	if len(ok) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrAllSessionsFailed, errors.Join(errs...))
	}

	res := Merge(ok...)
	res.Stats.SessionsFailed = len(sessionIDs) - len(ok)
	res.Stats.Sessions = len(sessionIDs)
	r.metrics.Dropped("neighbor", res.Stats.WithoutCoords)

	r.logger.Info().
		Int("sessions", len(sessionIDs)).
		Int("failed", res.Stats.SessionsFailed).
		Int("records", res.Stats.Total).
		Int("collisions", res.Stats.Collisions).
		Int("without_coords", res.Stats.WithoutCoords).
		Msg("neighbors resolved")
	return res, nil
}
