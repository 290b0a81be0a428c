// Package tracking derives trip progress, the next stop, and tracking
// freshness from a vehicle's projected position, and runs the ingestion
// pipeline that feeds the live-state store.
package tracking

import (
	"github.com/FooledKiwi/bustrack/internal/route"
)

const (
	// DefaultSpeedKmh is assumed when a report carries no speed.
	DefaultSpeedKmh = 30.0

	// MinETASpeedKmh floors the ETA divisor so a crawling or stopped vehicle
	// does not produce an unbounded estimate.
	MinETASpeedKmh = 20.0
)

// Progress is the trip-level view of a projection.
type Progress struct {
	DistanceCoveredKm float64
	RemainingKm       float64
	// ProgressPercent is clamped to [0, 100].
	ProgressPercent float64
	ETAMinutes      float64
}

// Estimate derives trip progress for a vehicle at p moving at speedKmh. A nil
// speed means the report carried none.
func Estimate(r *route.Route, p route.Projection, speedKmh *float64) Progress {
	covered := p.DistanceFromOriginKm
	remaining := max(0, r.TotalKm-covered)

	var percent float64
	if r.TotalKm > 0 {
		percent = min(100, max(0, 100*covered/r.TotalKm))
	}

	return Progress{
		DistanceCoveredKm: covered,
		RemainingKm:       remaining,
		ProgressPercent:   percent,
		ETAMinutes:        etaMinutes(remaining, speedKmh),
	}
}

// EffectiveSpeed returns the speed used as the ETA divisor.
func EffectiveSpeed(speedKmh *float64) float64 {
	speed := DefaultSpeedKmh
	if speedKmh != nil && *speedKmh > 0 {
		speed = *speedKmh
	}
	return max(speed, MinETASpeedKmh)
}

func etaMinutes(km float64, speedKmh *float64) float64 {
	return km / EffectiveSpeed(speedKmh) * 60
}
