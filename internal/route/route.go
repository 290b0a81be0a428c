// Package route holds the immutable route geometry, the in-memory route
// catalog, and the projection of arbitrary points onto a route's path.
package route

import (
	"errors"
	"fmt"

	"github.com/FooledKiwi/bustrack/internal/geo"
	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"
)

var (
	// ErrRouteNotFound is returned when a route is neither cached nor present
	// in the route source.
	ErrRouteNotFound = errors.New("route not found")

	// ErrInvalidGeometry is returned for a route whose path has fewer than two
	// points. Projection is undefined on such a path.
	ErrInvalidGeometry = errors.New("route path must have at least 2 points")
)

// LatLng is a coordinate pair as it appears in route definitions.
type LatLng struct {
	Lat float64 `yaml:"lat" json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `yaml:"lng" json:"lng" validate:"gte=-180,lte=180"`
}

// StopDefinition is a stop as authored in a route source.
type StopDefinition struct {
	ID   string  `yaml:"id" json:"id" validate:"required"`
	Name string  `yaml:"name" json:"name"`
	Lat  float64 `yaml:"lat" json:"lat" validate:"gte=-90,lte=90"`
	Lng  float64 `yaml:"lng" json:"lng" validate:"gte=-180,lte=180"`
}

// Definition is the raw, storage-level description of a route. Stops must be
// listed in the order a vehicle reaches them.
type Definition struct {
	ID       string           `yaml:"routeId" json:"routeId" validate:"required"`
	Name     string           `yaml:"name" json:"name"`
	Polyline []LatLng         `yaml:"polyline" json:"polyline" validate:"dive"`
	Stops    []StopDefinition `yaml:"stops" json:"stops" validate:"dive"`
}

var validate = validator.New()

// Validate checks field ranges and the minimum path length.
func (d Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("route %q: %w", d.ID, err)
	}
	if len(d.Polyline) < 2 {
		return fmt.Errorf("route %q: %w", d.ID, ErrInvalidGeometry)
	}
	return nil
}

// Stop is a route stop with its distance from the route origin, measured
// along the path when the route was built.
type Stop struct {
	ID       string
	Name     string
	Location orb.Point
	OffsetKm float64
}

// Route is the read-only, precomputed form of a Definition. A *Route is never
// mutated after New returns, so it can be shared freely between goroutines.
type Route struct {
	ID      string
	Name    string
	Path    orb.LineString
	Stops   []Stop
	TotalKm float64
	Bound   orb.Bound

	// cumKm[i] is the path distance from the origin to Path[i].
	cumKm []float64
}

// New validates d and precomputes cumulative path distances and per-stop
// offsets.
func New(d Definition) (*Route, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	path := make(orb.LineString, len(d.Polyline))
	for i, p := range d.Polyline {
		path[i] = geo.Point(p.Lat, p.Lng)
	}

	cum := make([]float64, len(path))
	for i := 1; i < len(path); i++ {
		cum[i] = cum[i-1] + geo.DistanceKm(path[i-1], path[i])
	}

	r := &Route{
		ID:      d.ID,
		Name:    d.Name,
		Path:    path,
		TotalKm: cum[len(cum)-1],
		Bound:   path.Bound(),
		cumKm:   cum,
	}

	r.Stops = make([]Stop, len(d.Stops))
	for i, s := range d.Stops {
		loc := geo.Point(s.Lat, s.Lng)
		proj := Project(r, loc, NoHint)
		r.Stops[i] = Stop{
			ID:       s.ID,
			Name:     s.Name,
			Location: loc,
			OffsetKm: proj.DistanceFromOriginKm,
		}
	}

	return r, nil
}

// Segments returns the number of line segments in the path.
func (r *Route) Segments() int {
	return len(r.Path) - 1
}

// CumulativeKm returns the path distance from the origin to path point i.
func (r *Route) CumulativeKm(i int) float64 {
	return r.cumKm[i]
}

// StopIndex returns the position of stopID in the route's stop list, or -1.
func (r *Route) StopIndex(stopID string) int {
	for i, s := range r.Stops {
		if s.ID == stopID {
			return i
		}
	}
	return -1
}

// Definition converts the route back into its storage-level form.
func (r *Route) Definition() Definition {
	d := Definition{
		ID:       r.ID,
		Name:     r.Name,
		Polyline: make([]LatLng, len(r.Path)),
		Stops:    make([]StopDefinition, len(r.Stops)),
	}
	for i, p := range r.Path {
		d.Polyline[i] = LatLng{Lat: p.Lat(), Lng: p.Lon()}
	}
	for i, s := range r.Stops {
		d.Stops[i] = StopDefinition{ID: s.ID, Name: s.Name, Lat: s.Location.Lat(), Lng: s.Location.Lon()}
	}
	return d
}
