// Package geo holds the spherical helpers shared by route projection and
// the live-state pipeline.
package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
	"github.com/paulmach/orb"
)

const (
	// earthRadiusKm matches the mean radius used by the rest of the system.
	earthRadiusKm = 6371.0

	deg2rad = math.Pi / 180.0

	// cellPrecision 7 is roughly a 150m x 150m cell.
	cellPrecision = 7
)

// Point builds an orb.Point from latitude and longitude. orb stores points as
// [lng, lat]; going through this helper keeps the argument order readable.
func Point(lat, lng float64) orb.Point {
	return orb.Point{lng, lat}
}

// DistanceKm computes the great-circle distance in kilometres between two
// WGS84 points.
func DistanceKm(a, b orb.Point) float64 {
	lat1, lon1 := a.Lat(), a.Lon()
	lat2, lon2 := b.Lat(), b.Lon()

	dLat := (lat2 - lat1) * deg2rad
	dLon := (lon2 - lon1) * deg2rad
	lat1r := lat1 * deg2rad
	lat2r := lat2 * deg2rad

	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)
	h := sinDLat*sinDLat + math.Cos(lat1r)*math.Cos(lat2r)*sinDLon*sinDLon
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// ProjectOnSegment returns the foot of the perpendicular from p onto the
// segment a-b, treating lat/lng as planar coordinates, and the segment
// parameter t clamped to [0, 1]. A degenerate segment projects onto a.
func ProjectOnSegment(p, a, b orb.Point) (foot orb.Point, t float64) {
	abx := b.Lat() - a.Lat()
	aby := b.Lon() - a.Lon()
	apx := p.Lat() - a.Lat()
	apy := p.Lon() - a.Lon()

	lenSq := abx*abx + aby*aby
	if lenSq == 0 {
		return a, 0
	}

	t = (apx*abx + apy*aby) / lenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}

	return Point(a.Lat()+abx*t, a.Lon()+aby*t), t
}

// Cell returns the geohash cell that contains p.
func Cell(p orb.Point) string {
	return geohash.EncodeWithPrecision(p.Lat(), p.Lon(), cellPrecision)
}

// CellNeighbourhood returns the cell containing p together with its eight
// neighbours.
func CellNeighbourhood(p orb.Point) map[string]struct{} {
	center := Cell(p)
	out := map[string]struct{}{center: {}}
	for _, n := range geohash.Neighbors(center) {
		out[n] = struct{}{}
	}
	return out
}

// ValidCoordinate reports whether lat/lng form a usable WGS84 position.
func ValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
