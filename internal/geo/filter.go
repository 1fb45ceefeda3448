// Package geo restricts located records to user-drawn or stored polygons.
package geo

import (
	"github.com/paulmach/orb"

	"drivetest-pipeline/internal/models"
)

// Locatable is anything carrying a coordinate pair
type Locatable interface {
	Location() (lat, lng float64)
}

// Contains runs the even-odd ray casting test of pt against ring.
// Points are orb.Point{lng, lat}. Winding direction does not matter.
func Contains(ring orb.Ring, pt orb.Point) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	x, y := pt[0], pt[1]
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// InPolygon reports whether pt lies in the outer ring of p and in none of its holes
func InPolygon(p models.Polygon, pt orb.Point) bool {
	if len(p.Rings) == 0 || !Contains(p.Rings[0], pt) {
		return false
	}
	for _, hole := range p.Rings[1:] {
		if Contains(hole, pt) {
			return false
		}
	}
	return true
}

// region is a polygon with its outer bound precomputed
type region struct {
	poly  models.Polygon
	bound orb.Bound
}

// Matcher tests points against a fixed polygon set
type Matcher struct {
	regions []region
}

// NewMatcher precomputes bounding boxes. Polygons without a usable outer ring are ignored.
func NewMatcher(polygons []models.Polygon) *Matcher {
	m := &Matcher{regions: make([]region, 0, len(polygons))}
	for _, p := range polygons {
		if len(p.Rings) == 0 || len(p.Rings[0]) < 3 {
			continue
		}
		m.regions = append(m.regions, region{poly: p, bound: p.Rings[0].Bound()})
	}
	return m
}

// Empty reports whether the matcher has no usable polygon
func (m *Matcher) Empty() bool {
	return len(m.regions) == 0
}

// Match reports whether (lat, lng) falls inside any polygon
func (m *Matcher) Match(lat, lng float64) bool {
	pt := orb.Point{lng, lat}
	for _, r := range m.regions {
		if !r.bound.Contains(pt) {
			continue
		}
		if InPolygon(r.poly, pt) {
			return true
		}
	}
	return false
}

// Filter keeps the items inside at least one polygon. With no usable
// polygons the input is returned unchanged.
func Filter[T Locatable](items []T, polygons []models.Polygon) []T {
	m := NewMatcher(polygons)
	if m.Empty() {
		return items
	}
	out := make([]T, 0, len(items))
	for _, it := range items {
		if m.Match(it.Location()) {
			out = append(out, it)
		}
	}
	return out
}
