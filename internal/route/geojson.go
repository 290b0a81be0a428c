package route

import (
	"github.com/paulmach/orb/geojson"
)

// FeatureCollection renders the route path and its stops as GeoJSON. The
// path feature comes first, followed by one point feature per stop in route
// order.
func (r *Route) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	path := geojson.NewFeature(r.Path)
	path.Properties["kind"] = "path"
	path.Properties["route_id"] = r.ID
	path.Properties["length_km"] = r.TotalKm
	path.BBox = geojson.NewBBox(r.Bound)
	fc.Append(path)

	for i, s := range r.Stops {
		f := geojson.NewFeature(s.Location)
		f.ID = s.ID
		f.Properties["kind"] = "stop"
		f.Properties["name"] = s.Name
		f.Properties["sequence"] = i + 1
		f.Properties["offset_km"] = s.OffsetKm
		fc.Append(f)
	}

	return fc
}
