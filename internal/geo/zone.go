package geo

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	ZoneCircle  string = "circle"
	ZonePolygon string = "polygon"
)

// Zone is a named geofence, typically a danger or restricted area.
type Zone struct {
	Name  string
	Level string
	Fence Geofence
}

type zoneFile struct {
	Zones []zoneSpec `yaml:"zones" validate:"dive"`
}

// zoneSpec mirrors the geofence shape used by the dashboard feeds:
// {type, center: [lat, lon], radius, coordinates: [[lat, lon], ...]}.
type zoneSpec struct {
	Name        string      `yaml:"name" validate:"required"`
	Level       string      `yaml:"level" validate:"omitempty,oneof=low medium high critical"`
	Type        string      `yaml:"type" validate:"required,oneof=circle polygon"`
	Center      []float64   `yaml:"center" validate:"omitempty,len=2"`
	RadiusKm    float64     `yaml:"radius_km" validate:"gte=0"`
	Coordinates [][]float64 `yaml:"coordinates" validate:"omitempty,min=3,dive,len=2"`
}

var vld = validator.New()

// ParseZones decodes and validates a YAML zone list.
func ParseZones(data []byte) ([]Zone, error) {
	var f zoneFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse zones: %w", err)
	}
	if err := vld.Struct(f); err != nil {
		return nil, fmt.Errorf("validate zones: %w", err)
	}
	zones := make([]Zone, 0, len(f.Zones))
	for _, zs := range f.Zones {
		z, err := zs.zone()
		if err != nil {
			return nil, fmt.Errorf("zone %q: %w", zs.Name, err)
		}
		zones = append(zones, z)
	}
	return zones, nil
}

func LoadZones(path string) ([]Zone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseZones(data)
}

func (zs zoneSpec) zone() (Zone, error) {
	z := Zone{Name: zs.Name, Level: zs.Level}
	switch zs.Type {
	case ZoneCircle:
		if len(zs.Center) != 2 {
			return z, fmt.Errorf("circle needs a center")
		}
		z.Fence = Circle{Center: Position{zs.Center[0], zs.Center[1]}, RadiusKm: zs.RadiusKm}
	case ZonePolygon:
		pg := Polygon{Vertices: make([]Position, 0, len(zs.Coordinates))}
		for _, c := range zs.Coordinates {
			pg.Vertices = append(pg.Vertices, Position{c[0], c[1]})
		}
		z.Fence = pg
	}
	if err := z.Fence.Validate(); err != nil {
		return z, err
	}
	return z, nil
}
