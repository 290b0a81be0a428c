package tracking

import (
	"math"

	"github.com/FooledKiwi/bustrack/internal/route"
)

// ArrivalStatus is the vehicle's relation to its next stop.
type ArrivalStatus string

const (
	AtStop ArrivalStatus = "AT_STOP"
	Moving ArrivalStatus = "MOVING"
)

// atStopMeters is the distance at or under which a vehicle counts as at the
// stop.
const atStopMeters = 100

// NextStop is the first stop ahead of a vehicle. Found is false once the
// vehicle has passed the last stop.
type NextStop struct {
	Found bool
	Stop  route.Stop
	// Index is the stop's position in the route, 0-based.
	Index          int
	DistanceMeters int
}

// LocateNextStop returns the first stop, in route order, whose offset lies
// beyond the vehicle's projected distance from the origin.
func LocateNextStop(r *route.Route, p route.Projection) NextStop {
	for i, s := range r.Stops {
		if s.OffsetKm > p.DistanceFromOriginKm {
			ahead := max(0, s.OffsetKm-p.DistanceFromOriginKm)
			return NextStop{
				Found:          true,
				Stop:           s,
				Index:          i,
				DistanceMeters: int(math.Round(ahead * 1000)),
			}
		}
	}
	return NextStop{Index: -1}
}

// Status classifies the vehicle as at the stop or moving. With no stop
// ahead the vehicle is at its final stop.
func (n NextStop) Status() ArrivalStatus {
	return ArrivalFor(n.DistanceMeters)
}

// ArrivalFor classifies a distance to the next stop in metres.
func ArrivalFor(distanceMeters int) ArrivalStatus {
	if distanceMeters <= atStopMeters {
		return AtStop
	}
	return Moving
}

// ETAMinutes estimates the minutes to reach the stop at speedKmh.
func (n NextStop) ETAMinutes(speedKmh *float64) float64 {
	if !n.Found {
		return 0
	}
	return etaMinutes(float64(n.DistanceMeters)/1000, speedKmh)
}
