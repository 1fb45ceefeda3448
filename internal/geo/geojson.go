package geo

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/upstream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoPolygon is returned when a document holds no polygonal geometry
var ErrNoPolygon = errors.New("geo: no polygon geometry")

// ParseGeoJSON reads a Polygon, MultiPolygon, Feature or FeatureCollection.
// Every polygon found becomes one models.Polygon; non-polygonal geometry is skipped.
func ParseGeoJSON(data []byte) ([]models.Polygon, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decoding geojson: %w", err)
	}

	var out []models.Polygon
	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("decoding feature collection: %w", err)
		}
		for _, f := range fc.Features {
			out = append(out, fromFeature(f)...)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("decoding feature: %w", err)
		}
		out = fromFeature(f)
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("decoding geometry: %w", err)
		}
		out = fromGeometry(g.Geometry(), "")
	}

	if len(out) == 0 {
		return nil, ErrNoPolygon
	}
	return out, nil
}

func fromFeature(f *geojson.Feature) []models.Polygon {
	if f == nil || f.Geometry == nil {
		return nil
	}
	name := f.Properties.MustString("name", "")
	polys := fromGeometry(f.Geometry, name)
	if f.ID != nil {
		for i := range polys {
			polys[i].ID = fmt.Sprint(f.ID)
		}
	}
	return polys
}

func fromGeometry(g orb.Geometry, name string) []models.Polygon {
	switch geom := g.(type) {
	case orb.Polygon:
		if len(geom) == 0 {
			return nil
		}
		return []models.Polygon{{Name: name, Rings: geom}}
	case orb.MultiPolygon:
		out := make([]models.Polygon, 0, len(geom))
		for _, p := range geom {
			if len(p) > 0 {
				out = append(out, models.Polygon{Name: name, Rings: p})
			}
		}
		return out
	case orb.Collection:
		var out []models.Polygon
		for _, inner := range geom {
			out = append(out, fromGeometry(inner, name)...)
		}
		return out
	default:
		return nil
	}
}

// FromRecord converts a stored polygon into filter polygons. A stored
// MultiPolygon expands into several entries sharing the record id.
func FromRecord(rec upstream.PolygonRecord) ([]models.Polygon, error) {
	polys, err := ParseGeoJSON(rec.Geometry)
	if err != nil {
		return nil, fmt.Errorf("polygon %s: %w", rec.ID, err)
	}
	for i := range polys {
		polys[i].ID = rec.ID
		if rec.Name != "" {
			polys[i].Name = rec.Name
		}
		polys[i].SessionIDs = rec.SessionIDs
	}
	return polys, nil
}

// ToRecord encodes a polygon for the polygon CRUD endpoints
func ToRecord(p models.Polygon) (upstream.PolygonRecord, error) {
	raw, err := geojson.NewGeometry(orb.Polygon(p.Rings)).MarshalJSON()
	if err != nil {
		return upstream.PolygonRecord{}, fmt.Errorf("encoding polygon %s: %w", p.Name, err)
	}
	return upstream.PolygonRecord{ID: p.ID, Name: p.Name, Geometry: raw, SessionIDs: p.SessionIDs}, nil
}
