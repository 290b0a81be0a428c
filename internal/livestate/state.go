// Package livestate holds the per-vehicle live state in memory and writes it
// back to durable storage in batches.
package livestate

import "time"

// Source identifies how a position was obtained.
type Source string

const (
	SourceGPS       Source = "GPS"
	SourceCellTower Source = "CELL_TOWER"
)

const (
	// NoHint marks a state with no usable projection hint.
	NoHint = -1

	// DefaultCapacity is the seat count assumed until a vehicle reports one.
	DefaultCapacity = 60
)

// VehicleState is the derived live state of one vehicle. Values held by the
// Store are never modified in place; every update installs a new record.
type VehicleState struct {
	VehicleID string `json:"vehicle_id"`
	RouteID   string `json:"route_id"`

	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	SpeedKmh float64 `json:"speed_kmh"`
	Source   Source  `json:"source"`
	Geohash  string  `json:"geohash,omitempty"`

	DistanceCoveredKm float64 `json:"distance_covered_km"`
	RemainingKm       float64 `json:"remaining_km"`
	ProgressPercent   float64 `json:"progress_percent"`
	ETAToDestMin      float64 `json:"eta_to_dest_min"`

	NextStopID          string  `json:"next_stop_id,omitempty"`
	NextStopName        string  `json:"next_stop_name,omitempty"`
	DistanceToNextStopM int     `json:"distance_to_next_stop_m"`
	ETAToNextStopMin    float64 `json:"eta_to_next_stop_min"`
	StopStatus          string  `json:"stop_status,omitempty"`

	CellTowerID       string `json:"cell_tower_id,omitempty"`
	SignalStrengthDBM int    `json:"signal_strength_dbm,omitempty"`

	Passengers int `json:"passengers"`
	Capacity   int `json:"capacity"`

	// SegmentHint is the path segment of the last projection, or NoHint.
	SegmentHint int       `json:"segment_hint"`
	LastUpdated time.Time `json:"last_updated"`
}

// newVehicleState returns the record a vehicle starts with before its first
// update is merged.
func newVehicleState(vehicleID string) VehicleState {
	return VehicleState{
		VehicleID:   vehicleID,
		Capacity:    DefaultCapacity,
		SegmentHint: NoHint,
	}
}

// HasNextStop reports whether the vehicle still has a stop ahead of it.
func (s VehicleState) HasNextStop() bool {
	return s.NextStopID != ""
}

// Age returns how long ago the state was last updated.
func (s VehicleState) Age(now time.Time) time.Duration {
	return now.Sub(s.LastUpdated)
}

// Patch is a partial update. Nil fields leave the existing value unchanged.
type Patch struct {
	RouteID  *string
	Lat      *float64
	Lng      *float64
	SpeedKmh *float64
	Source   *Source
	Geohash  *string

	DistanceCoveredKm *float64
	RemainingKm       *float64
	ProgressPercent   *float64
	ETAToDestMin      *float64

	// NextStopID and NextStopName set to "" clear the next stop.
	NextStopID          *string
	NextStopName        *string
	DistanceToNextStopM *int
	ETAToNextStopMin    *float64
	StopStatus          *string

	CellTowerID       *string
	SignalStrengthDBM *int

	Passengers *int
	Capacity   *int

	SegmentHint *int
	LastUpdated *time.Time
}

// Apply returns a copy of s with every non-nil field of p applied.
func (p Patch) Apply(s VehicleState) VehicleState {
	setString(&s.RouteID, p.RouteID)
	setFloat(&s.Lat, p.Lat)
	setFloat(&s.Lng, p.Lng)
	setFloat(&s.SpeedKmh, p.SpeedKmh)
	if p.Source != nil {
		s.Source = *p.Source
	}
	setString(&s.Geohash, p.Geohash)

	setFloat(&s.DistanceCoveredKm, p.DistanceCoveredKm)
	setFloat(&s.RemainingKm, p.RemainingKm)
	setFloat(&s.ProgressPercent, p.ProgressPercent)
	setFloat(&s.ETAToDestMin, p.ETAToDestMin)

	setString(&s.NextStopID, p.NextStopID)
	setString(&s.NextStopName, p.NextStopName)
	setInt(&s.DistanceToNextStopM, p.DistanceToNextStopM)
	setFloat(&s.ETAToNextStopMin, p.ETAToNextStopMin)
	setString(&s.StopStatus, p.StopStatus)

	setString(&s.CellTowerID, p.CellTowerID)
	setInt(&s.SignalStrengthDBM, p.SignalStrengthDBM)

	setInt(&s.Passengers, p.Passengers)
	setInt(&s.Capacity, p.Capacity)

	setInt(&s.SegmentHint, p.SegmentHint)
	if p.LastUpdated != nil {
		s.LastUpdated = *p.LastUpdated
	}
	return s
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// Ptr returns a pointer to v. It keeps Patch literals short.
func Ptr[T any](v T) *T {
	return &v
}
