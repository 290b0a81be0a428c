package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FooledKiwi/bustrack/internal/geo"
	"github.com/FooledKiwi/bustrack/internal/livestate"
	"github.com/FooledKiwi/bustrack/internal/route"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// ErrInvalidReport is returned for a report missing its vehicle or route.
var ErrInvalidReport = errors.New("invalid position report")

// speedSmoothingAlpha weights the newest speed sample.
const speedSmoothingAlpha = 0.4

// offRouteKm is the residual above which a projection is logged as an
// anomaly. It matches the projector's fallback threshold.
const offRouteKm = 0.2

// Report is one inbound position fix.
type Report struct {
	VehicleID string           `json:"bus_id" validate:"required"`
	RouteID   string           `json:"route_id" validate:"required"`
	Lat       float64          `json:"lat"`
	Lng       float64          `json:"lng"`
	SpeedKmh  *float64         `json:"speed_kmph"`
	Source    livestate.Source `json:"source"`

	// Occupancy, when the vehicle reports it. Nil leaves the stored value.
	Passengers *int `json:"passengers" validate:"omitempty,gte=0"`
	Capacity   *int `json:"capacity" validate:"omitempty,gt=0"`

	// Timestamp is when the fix was taken. Zero means now.
	Timestamp time.Time `json:"timestamp"`
}

// CellReport is a cell-tower observation from a vehicle without a usable
// satellite fix.
type CellReport struct {
	VehicleID string `validate:"required"`
	RouteID   string
	MCC       int
	MNC       int
	LAC       int
	CID       int
	SignalDBM int
	Timestamp time.Time
}

// TowerID formats the cell identity as mcc-mnc-lac-cid.
func (c CellReport) TowerID() string {
	return fmt.Sprintf("%d-%d-%d-%d", c.MCC, c.MNC, c.LAC, c.CID)
}

var validate = validator.New()

// RouteLoader resolves route geometry.
type RouteLoader interface {
	Load(ctx context.Context, routeID string) (*route.Route, error)
}

// StateStore is the live-state side of the pipeline.
type StateStore interface {
	Get(ctx context.Context, vehicleID string) (livestate.VehicleState, error)
	Update(vehicleID string, p livestate.Patch) livestate.VehicleState
}

// Pipeline turns position reports into live state: project onto the route,
// estimate progress, find the next stop, and merge the result into the store.
// Reports for the same vehicle should be processed in arrival order; the
// segment hint assumes forward motion.
type Pipeline struct {
	routes RouteLoader
	states StateStore
	logger logrus.FieldLogger

	now         func() time.Time
	smoothSpeed bool
}

// PipelineOption configures optional Pipeline behaviour.
type PipelineOption func(*Pipeline)

// WithClock overrides the time source used to stamp reports without a
// timestamp.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithSpeedSmoothing enables exponential smoothing of the displayed speed.
// The ETA always uses the reported speed.
func WithSpeedSmoothing(enabled bool) PipelineOption {
	return func(p *Pipeline) { p.smoothSpeed = enabled }
}

// NewPipeline creates a Pipeline.
func NewPipeline(routes RouteLoader, states StateStore, logger logrus.FieldLogger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		routes: routes,
		states: states,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one report through the pipeline and returns the resulting
// state. A report for an unknown route, or with unusable coordinates, is
// still recorded as a raw, unprojected update.
func (p *Pipeline) Process(ctx context.Context, rep Report) (livestate.VehicleState, error) {
	if err := validate.Struct(rep); err != nil {
		return livestate.VehicleState{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if rep.Source == "" {
		rep.Source = livestate.SourceGPS
	}
	ts := rep.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}

	log := p.logger.WithFields(logrus.Fields{
		"vehicle_id": rep.VehicleID,
		"route_id":   rep.RouteID,
	})

	var prev *livestate.VehicleState
	switch st, err := p.states.Get(ctx, rep.VehicleID); {
	case err == nil:
		prev = &st
	case errors.Is(err, livestate.ErrNotStarted):
	default:
		log.WithError(err).Warn("tracking: previous state unavailable")
	}

	if !geo.ValidCoordinate(rep.Lat, rep.Lng) {
		log.WithFields(logrus.Fields{"lat": rep.Lat, "lng": rep.Lng}).Warn("tracking: unusable coordinates, keeping last position")
		return p.states.Update(rep.VehicleID, rawPatch(prev, rep, ts, false)), nil
	}

	r, err := p.routes.Load(ctx, rep.RouteID)
	if err != nil {
		if errors.Is(err, route.ErrRouteNotFound) {
			log.Warn("tracking: route not found, saving raw position")
		} else {
			log.WithError(err).Error("tracking: route unavailable, saving raw position")
		}
		return p.states.Update(rep.VehicleID, rawPatch(prev, rep, ts, true)), nil
	}

	hint := livestate.NoHint
	if prev != nil && prev.RouteID == rep.RouteID {
		hint = prev.SegmentHint
	}

	pt := geo.Point(rep.Lat, rep.Lng)
	proj := route.Project(r, pt, hint)
	if proj.ResidualKm > offRouteKm {
		log.WithFields(logrus.Fields{
			"residual_km": proj.ResidualKm,
			"segment":     proj.SegmentIndex,
		}).Debug("tracking: position is off route")
	}

	prog := Estimate(r, proj, rep.SpeedKmh)
	next := LocateNextStop(r, proj)

	patch := rawPatch(prev, rep, ts, true)
	patch.SpeedKmh = livestate.Ptr(p.displayedSpeed(prev, rep.SpeedKmh))
	patch.DistanceCoveredKm = livestate.Ptr(prog.DistanceCoveredKm)
	patch.RemainingKm = livestate.Ptr(prog.RemainingKm)
	patch.ProgressPercent = livestate.Ptr(prog.ProgressPercent)
	patch.ETAToDestMin = livestate.Ptr(prog.ETAMinutes)
	patch.NextStopID = livestate.Ptr(next.Stop.ID)
	patch.NextStopName = livestate.Ptr(next.Stop.Name)
	patch.DistanceToNextStopM = livestate.Ptr(next.DistanceMeters)
	patch.ETAToNextStopMin = livestate.Ptr(next.ETAMinutes(rep.SpeedKmh))
	patch.StopStatus = livestate.Ptr(string(next.Status()))
	patch.SegmentHint = livestate.Ptr(proj.SegmentIndex)

	return p.states.Update(rep.VehicleID, patch), nil
}

// ProcessCell records a cell-tower observation. The position and derived
// fields are left as they were.
func (p *Pipeline) ProcessCell(ctx context.Context, c CellReport) (livestate.VehicleState, error) {
	if err := validate.Struct(c); err != nil {
		return livestate.VehicleState{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	ts := c.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}

	// Warm the record from storage so the merge does not start from an
	// empty state after a restart.
	if _, err := p.states.Get(ctx, c.VehicleID); err != nil && !errors.Is(err, livestate.ErrNotStarted) {
		p.logger.WithError(err).WithField("vehicle_id", c.VehicleID).Warn("tracking: previous state unavailable")
	}

	patch := livestate.Patch{
		Source:            livestate.Ptr(livestate.SourceCellTower),
		CellTowerID:       livestate.Ptr(c.TowerID()),
		SignalStrengthDBM: livestate.Ptr(c.SignalDBM),
		LastUpdated:       &ts,
	}
	if c.RouteID != "" {
		patch.RouteID = livestate.Ptr(c.RouteID)
	}
	return p.states.Update(c.VehicleID, patch), nil
}

// rawPatch carries the report's own fields without any projection. When the
// vehicle has moved to another route, progress and stop fields computed for
// the old route are reset so they are not shown against the new one.
func rawPatch(prev *livestate.VehicleState, rep Report, ts time.Time, withPosition bool) livestate.Patch {
	patch := livestate.Patch{
		RouteID:     livestate.Ptr(rep.RouteID),
		SpeedKmh:    livestate.Ptr(reportedSpeed(rep.SpeedKmh)),
		Source:      livestate.Ptr(rep.Source),
		LastUpdated: &ts,
		Passengers:  rep.Passengers,
		Capacity:    rep.Capacity,
	}
	if withPosition {
		patch.Lat = livestate.Ptr(rep.Lat)
		patch.Lng = livestate.Ptr(rep.Lng)
		patch.Geohash = livestate.Ptr(geo.Cell(geo.Point(rep.Lat, rep.Lng)))
	}
	if prev != nil && prev.RouteID != rep.RouteID {
		patch.DistanceCoveredKm = livestate.Ptr(0.0)
		patch.RemainingKm = livestate.Ptr(0.0)
		patch.ProgressPercent = livestate.Ptr(0.0)
		patch.ETAToDestMin = livestate.Ptr(0.0)
		patch.NextStopID = livestate.Ptr("")
		patch.NextStopName = livestate.Ptr("")
		patch.DistanceToNextStopM = livestate.Ptr(0)
		patch.ETAToNextStopMin = livestate.Ptr(0.0)
		patch.StopStatus = livestate.Ptr("")
		patch.SegmentHint = livestate.Ptr(livestate.NoHint)
	}
	return patch
}

// reportedSpeed is the speed to display for a raw sample. Missing and
// negative readings show as stopped.
func reportedSpeed(speedKmh *float64) float64 {
	if speedKmh == nil || *speedKmh < 0 {
		return 0
	}
	return *speedKmh
}

func (p *Pipeline) displayedSpeed(prev *livestate.VehicleState, speedKmh *float64) float64 {
	speed := reportedSpeed(speedKmh)
	if speedKmh == nil || !p.smoothSpeed || prev == nil {
		return speed
	}
	return speedSmoothingAlpha*speed + (1-speedSmoothingAlpha)*prev.SpeedKmh
}
