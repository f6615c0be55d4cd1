package geo

import (
	"errors"
	"fmt"
	"math"
)

const EarthRadiusKm = 6371

var (
	ErrBadCoordinate = errors.New("coordinate out of range")
	ErrBadRadius     = errors.New("radius must not be negative")
	ErrTooFewVertex  = errors.New("polygon needs at least 3 vertices")
)

// Position is a WGS84 coordinate in degrees.
type Position struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

func (p Position) Validate() error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude %v: %w", p.Latitude, ErrBadCoordinate)
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude %v: %w", p.Longitude, ErrBadCoordinate)
	}
	return nil
}

func (p Position) String() string {
	return fmt.Sprintf("(%.6f,%.6f)", p.Latitude, p.Longitude)
}

// DistanceKm returns the great-circle distance between a and b using the
// haversine formula.
func DistanceKm(a, b Position) float64 {
	dLat := toRad(b.Latitude - a.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// Geofence is a region a position can be tested against.
type Geofence interface {
	Contains(p Position) bool
	Validate() error
}

// Contains reports whether p lies inside g. A nil fence contains nothing.
func Contains(g Geofence, p Position) bool {
	if g == nil {
		return false
	}
	return g.Contains(p)
}

type Circle struct {
	Center   Position
	RadiusKm float64
}

// Contains is boundary inclusive.
func (c Circle) Contains(p Position) bool {
	return DistanceKm(p, c.Center) <= c.RadiusKm
}

func (c Circle) Validate() error {
	if err := c.Center.Validate(); err != nil {
		return err
	}
	if math.IsNaN(c.RadiusKm) || c.RadiusKm < 0 {
		return ErrBadRadius
	}
	return nil
}

// Polygon is an implicitly closed ring; the last vertex connects back to the
// first. Coordinates are treated as planar (latitude as x, longitude as y),
// which is adequate for zones that do not cross the antimeridian.
type Polygon struct {
	Vertices []Position
}

// Contains runs the ray casting parity test with a ray toward increasing
// latitude. Edges are half-open: a point lying on an edge is inside when the
// interior is on the increasing latitude or increasing longitude side of
// that edge, and outside otherwise. For an axis aligned rectangle this keeps
// the low-latitude and low-longitude sides and drops the other two.
func (pg Polygon) Contains(p Position) bool {
	n := len(pg.Vertices)
	if n < 3 {
		return false
	}
	x, y := p.Latitude, p.Longitude
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := pg.Vertices[i].Latitude, pg.Vertices[i].Longitude
		xj, yj := pg.Vertices[j].Latitude, pg.Vertices[j].Longitude
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

func (pg Polygon) Validate() error {
	if len(pg.Vertices) < 3 {
		return ErrTooFewVertex
	}
	for i, v := range pg.Vertices {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("vertex %d: %w", i, err)
		}
	}
	return nil
}
