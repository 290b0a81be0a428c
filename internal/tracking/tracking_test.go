package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/FooledKiwi/bustrack/internal/geo"
	"github.com/FooledKiwi/bustrack/internal/livestate"
	"github.com/FooledKiwi/bustrack/internal/route"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

// kmPerDegree is the length of one degree of longitude on the equator.
var kmPerDegree = geo.DistanceKm(geo.Point(0, 0), geo.Point(0, 1))

func lngAtKm(km float64) float64 { return km / kmPerDegree }

// threeStopRoute runs 20km east along the equator with a path point every
// kilometre and stops at km 0, 10 and 20.
func threeStopRoute(t *testing.T) *route.Route {
	t.Helper()
	def := route.Definition{ID: "R1", Name: "Line 1"}
	for km := 0; km <= 20; km++ {
		def.Polyline = append(def.Polyline, route.LatLng{Lat: 0, Lng: lngAtKm(float64(km))})
	}
	def.Stops = []route.StopDefinition{
		{ID: "S1", Name: "First", Lat: 0, Lng: lngAtKm(0)},
		{ID: "S2", Name: "Second", Lat: 0, Lng: lngAtKm(10)},
		{ID: "S3", Name: "Third", Lat: 0, Lng: lngAtKm(20)},
	}
	r, err := route.New(def)
	require.NoError(t, err)
	return r
}

func at(km float64) route.Projection {
	return route.Projection{DistanceFromOriginKm: km}
}

// ---------------------------------------------------------------------------
// Estimate
// ---------------------------------------------------------------------------

func TestEstimate_OriginAndEnd(t *testing.T) {
	r := threeStopRoute(t)

	start := Estimate(r, at(0), nil)
	assert.Equal(t, 0.0, start.ProgressPercent)
	assert.InDelta(t, 20, start.RemainingKm, 1e-6)

	end := Estimate(r, at(r.TotalKm), nil)
	assert.InDelta(t, 100, end.ProgressPercent, 1e-9)
	assert.Equal(t, 0.0, end.RemainingKm)
	assert.Equal(t, 0.0, end.ETAMinutes)
}

func TestEstimate_OvershootIsClamped(t *testing.T) {
	r := threeStopRoute(t)

	p := Estimate(r, at(r.TotalKm+0.5), nil)
	assert.Equal(t, 100.0, p.ProgressPercent)
	assert.Equal(t, 0.0, p.RemainingKm)
}

func TestEstimate_RemainingNeverNegative(t *testing.T) {
	r := threeStopRoute(t)
	for km := 0.0; km <= 25; km += 0.25 {
		assert.GreaterOrEqual(t, Estimate(r, at(km), nil).RemainingKm, 0.0, "km=%v", km)
	}
}

func TestEstimate_SpeedFloorAndDefault(t *testing.T) {
	r := threeStopRoute(t)
	half := at(r.TotalKm / 2) // 10km left

	tests := []struct {
		name    string
		speed   *float64
		wantMin float64
	}{
		{name: "missing speed uses 30", speed: nil, wantMin: 20},
		{name: "zero speed uses 30", speed: livestate.Ptr(0.0), wantMin: 20},
		{name: "slow speed floored to 20", speed: livestate.Ptr(5.0), wantMin: 30},
		{name: "normal speed", speed: livestate.Ptr(60.0), wantMin: 10},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Estimate(r, half, tc.speed)
			assert.InDelta(t, tc.wantMin, got.ETAMinutes, 1e-6)
			assert.InDelta(t, 50, got.ProgressPercent, 1e-6)
		})
	}
}

// ---------------------------------------------------------------------------
// LocateNextStop
// ---------------------------------------------------------------------------

func TestLocateNextStop_MidRoute(t *testing.T) {
	r := threeStopRoute(t)

	next := LocateNextStop(r, at(15))

	require.True(t, next.Found)
	assert.Equal(t, "S3", next.Stop.ID)
	assert.Equal(t, 2, next.Index)
	assert.Equal(t, 5000, next.DistanceMeters)
	assert.Equal(t, Moving, next.Status())
}

func TestLocateNextStop_ApproachingStop(t *testing.T) {
	r := threeStopRoute(t)

	next := LocateNextStop(r, at(19.95))

	require.True(t, next.Found)
	assert.Equal(t, "S3", next.Stop.ID)
	assert.Equal(t, 50, next.DistanceMeters)
	assert.Equal(t, AtStop, next.Status())
}

func TestLocateNextStop_AtOriginSkipsFirstStop(t *testing.T) {
	r := threeStopRoute(t)

	next := LocateNextStop(r, at(0))
	require.True(t, next.Found)
	assert.Equal(t, "S2", next.Stop.ID)
}

func TestLocateNextStop_PastLastStop(t *testing.T) {
	r := threeStopRoute(t)

	next := LocateNextStop(r, at(r.TotalKm+0.001))

	assert.False(t, next.Found)
	assert.Equal(t, -1, next.Index)
	assert.Equal(t, AtStop, next.Status())
	assert.Equal(t, 0.0, next.ETAMinutes(nil))
}

func TestArrivalFor_Exclusive(t *testing.T) {
	for m := 0; m <= 300; m++ {
		s := ArrivalFor(m)
		assert.True(t, (s == AtStop) != (s == Moving), "m=%d", m)
		if m <= 100 {
			assert.Equal(t, AtStop, s, "m=%d", m)
		} else {
			assert.Equal(t, Moving, s, "m=%d", m)
		}
	}
}

// ---------------------------------------------------------------------------
// Classifier
// ---------------------------------------------------------------------------

func TestClassifier_Boundaries(t *testing.T) {
	c := DefaultClassifier()

	tests := []struct {
		age  time.Duration
		want State
	}{
		{-2 * time.Second, Live},
		{0, Live},
		{19*time.Second + 999*time.Millisecond, Live},
		{20 * time.Second, LastKnown},
		{25 * time.Second, LastKnown},
		{300 * time.Second, LastKnown},
		{301 * time.Second, Offline},
		{24 * time.Hour, Offline},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, c.Classify(tc.age), "age=%v", tc.age)
	}
}

func TestClassifier_LiveThresholdIsConfigurable(t *testing.T) {
	age := 25 * time.Second

	assert.Equal(t, LastKnown, DefaultClassifier().Classify(age))
	assert.Equal(t, Live, Classifier{Live: 30 * time.Second, Offline: 300 * time.Second}.Classify(age))
}

func TestClassifier_MonotonicInAge(t *testing.T) {
	rank := map[State]int{Live: 0, LastKnown: 1, Offline: 2}
	c := DefaultClassifier()

	prev := rank[Live]
	for age := time.Duration(0); age <= 400*time.Second; age += 250 * time.Millisecond {
		cur := rank[c.Classify(age)]
		require.GreaterOrEqual(t, cur, prev, "age=%v", age)
		prev = cur
	}
}

func TestClassifier_ClassifySince(t *testing.T) {
	c := DefaultClassifier()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, Offline, c.ClassifySince(time.Time{}, now))
	assert.Equal(t, Live, c.ClassifySince(now.Add(-5*time.Second), now))
	assert.Equal(t, LastKnown, c.ClassifySince(now.Add(-time.Minute), now))
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// mapLoader is a RouteLoader over a fixed set of routes.
type mapLoader struct {
	routes map[string]*route.Route
	err    error
	calls  int
}

func (m *mapLoader) Load(_ context.Context, id string) (*route.Route, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.routes[id]
	if !ok {
		return nil, route.ErrRouteNotFound
	}
	return r, nil
}

// nopRepository satisfies livestate.Repository with no durable records.
type nopRepository struct{}

func (nopRepository) FindOne(context.Context, string) (*livestate.VehicleState, error) {
	return nil, nil
}

func (nopRepository) BulkUpsert(context.Context, []livestate.VehicleState) error { return nil }

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPipeline(t *testing.T, opts ...PipelineOption) (*Pipeline, *livestate.Store, *mapLoader) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := livestate.NewStore(nopRepository{}, logger, livestate.Options{})
	loader := &mapLoader{routes: map[string]*route.Route{"R1": threeStopRoute(t)}}
	opts = append([]PipelineOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewPipeline(loader, store, logger, opts...), store, loader
}

func TestPipeline_ProjectsAndStores(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	ctx := context.Background()

	st, err := p.Process(ctx, Report{
		VehicleID: "BUS1",
		RouteID:   "R1",
		Lat:       0.0005,
		Lng:       lngAtKm(15.2),
		SpeedKmh:  livestate.Ptr(40.0),
	})
	require.NoError(t, err)

	assert.Equal(t, "R1", st.RouteID)
	assert.Equal(t, livestate.SourceGPS, st.Source)
	assert.Equal(t, 40.0, st.SpeedKmh)
	assert.InDelta(t, 15.2, st.DistanceCoveredKm, 1e-6)
	assert.InDelta(t, 4.8, st.RemainingKm, 1e-6)
	assert.InDelta(t, 76, st.ProgressPercent, 1e-6)
	assert.InDelta(t, 4.8/40*60, st.ETAToDestMin, 1e-6)
	assert.Equal(t, "S3", st.NextStopID)
	assert.Equal(t, "Third", st.NextStopName)
	assert.Equal(t, 4800, st.DistanceToNextStopM)
	assert.Equal(t, string(Moving), st.StopStatus)
	assert.Equal(t, 15, st.SegmentHint)
	assert.Equal(t, fixedNow, st.LastUpdated)
	assert.NotEmpty(t, st.Geohash)

	got, err := store.Get(ctx, "BUS1")
	require.NoError(t, err)
	assert.Equal(t, st, got)
	assert.Equal(t, 1, store.DirtyCount())
}

func TestPipeline_SequentialReportsAdvance(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	var last livestate.VehicleState
	for km := 0.5; km < 20; km += 0.7 {
		st, err := p.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(km)})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, st.DistanceCoveredKm, last.DistanceCoveredKm)
		assert.InDelta(t, km, st.DistanceCoveredKm, 1e-6)
		last = st
	}
	assert.Equal(t, "S3", last.NextStopID)
}

func TestPipeline_FinalStopClearsNextStop(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(5)})
	require.NoError(t, err)

	st, err := p.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(21)})
	require.NoError(t, err)

	assert.False(t, st.HasNextStop())
	assert.Equal(t, "", st.NextStopName)
	assert.Equal(t, 0, st.DistanceToNextStopM)
	assert.Equal(t, string(AtStop), st.StopStatus)
	assert.InDelta(t, 100, st.ProgressPercent, 1e-9)
}

func TestPipeline_UnknownRouteSavesRawPosition(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	ctx := context.Background()

	st, err := p.Process(ctx, Report{
		VehicleID: "BUS9",
		RouteID:   "NOPE",
		Lat:       29.2,
		Lng:       79.5,
		SpeedKmh:  livestate.Ptr(33.0),
	})
	require.NoError(t, err)

	assert.Equal(t, 29.2, st.Lat)
	assert.Equal(t, 79.5, st.Lng)
	assert.Equal(t, 33.0, st.SpeedKmh)
	assert.Equal(t, "NOPE", st.RouteID)
	assert.Equal(t, fixedNow, st.LastUpdated)
	assert.Equal(t, livestate.NoHint, st.SegmentHint)
	assert.False(t, st.HasNextStop())
	assert.Equal(t, 1, store.DirtyCount())
}

func TestPipeline_RouteSourceErrorDegrades(t *testing.T) {
	p, _, loader := newTestPipeline(t)
	loader.err = errors.New("db timeout")

	st, err := p.Process(context.Background(), Report{VehicleID: "BUS1", RouteID: "R1", Lat: 1, Lng: 2})
	require.NoError(t, err)
	assert.Equal(t, 1.0, st.Lat)
	assert.Equal(t, 0.0, st.DistanceCoveredKm)
}

func TestPipeline_UnusableCoordinatesKeepLastPosition(t *testing.T) {
	p, _, loader := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(3)})
	require.NoError(t, err)
	calls := loader.calls

	st, err := p.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 200, Lng: 0})
	require.NoError(t, err)

	assert.Equal(t, first.Lat, st.Lat)
	assert.Equal(t, first.Lng, st.Lng)
	assert.Equal(t, first.DistanceCoveredKm, st.DistanceCoveredKm)
	assert.Equal(t, calls, loader.calls, "no projection for unusable coordinates")
}

func TestPipeline_RejectsMissingIdentifiers(t *testing.T) {
	p, store, _ := newTestPipeline(t)

	_, err := p.Process(context.Background(), Report{RouteID: "R1"})
	assert.True(t, errors.Is(err, ErrInvalidReport))

	_, err = p.Process(context.Background(), Report{VehicleID: "BUS1"})
	assert.True(t, errors.Is(err, ErrInvalidReport))

	assert.Equal(t, 0, store.DirtyCount())
}

func TestPipeline_MissingSpeedDisplaysZero(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	st, err := p.Process(context.Background(), Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(10)})
	require.NoError(t, err)

	assert.Equal(t, 0.0, st.SpeedKmh)
	// 10km at the 30km/h default.
	assert.InDelta(t, 20, st.ETAToDestMin, 1e-6)
}

func TestPipeline_NegativeSpeedDisplaysZero(t *testing.T) {
	p, store, _ := newTestPipeline(t)

	st, err := p.Process(context.Background(), Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(10), SpeedKmh: livestate.Ptr(-3.0)})
	require.NoError(t, err)

	assert.Equal(t, 0.0, st.SpeedKmh)
	// Treated like a missing reading: 10km at the 30km/h default.
	assert.InDelta(t, 20, st.ETAToDestMin, 1e-6)
	assert.Equal(t, 1, store.DirtyCount())

	raw, err := p.Process(context.Background(), Report{VehicleID: "BUS2", RouteID: "NOPE", Lat: 1, Lng: 2, SpeedKmh: livestate.Ptr(-3.0)})
	require.NoError(t, err)
	assert.Equal(t, 0.0, raw.SpeedKmh)
}

func TestPipeline_MergesOccupancy(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	st, err := p.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(2),
		Passengers: livestate.Ptr(42), Capacity: livestate.Ptr(50)})
	require.NoError(t, err)
	assert.Equal(t, 42, st.Passengers)
	assert.Equal(t, 50, st.Capacity)

	// A report without occupancy leaves the stored counts alone.
	st, err = p.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(3)})
	require.NoError(t, err)
	assert.Equal(t, 42, st.Passengers)
	assert.Equal(t, 50, st.Capacity)

	// Occupancy is kept on the raw path too.
	st, err = p.Process(ctx, Report{VehicleID: "BUS2", RouteID: "NOPE", Lat: 1, Lng: 2, Passengers: livestate.Ptr(7)})
	require.NoError(t, err)
	assert.Equal(t, 7, st.Passengers)
	assert.Equal(t, livestate.DefaultCapacity, st.Capacity)

	_, err = p.Process(ctx, Report{VehicleID: "BUS3", RouteID: "R1", Passengers: livestate.Ptr(-1)})
	assert.True(t, errors.Is(err, ErrInvalidReport))
	_, err = p.Process(ctx, Report{VehicleID: "BUS3", RouteID: "R1", Capacity: livestate.Ptr(0)})
	assert.True(t, errors.Is(err, ErrInvalidReport))
}

func TestPipeline_RouteChangeClearsProjectedFields(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	projected, err := p.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(5)})
	require.NoError(t, err)
	require.True(t, projected.HasNextStop())
	require.NotEqual(t, livestate.NoHint, projected.SegmentHint)

	st, err := p.Process(ctx, Report{VehicleID: "BUS1", RouteID: "NOPE", Lat: 1, Lng: 2})
	require.NoError(t, err)

	assert.Equal(t, "NOPE", st.RouteID)
	assert.Equal(t, 1.0, st.Lat)
	assert.NotEqual(t, projected.Geohash, st.Geohash)
	assert.False(t, st.HasNextStop())
	assert.Equal(t, "", st.NextStopName)
	assert.Equal(t, "", st.StopStatus)
	assert.Equal(t, 0, st.DistanceToNextStopM)
	assert.Equal(t, 0.0, st.DistanceCoveredKm)
	assert.Equal(t, 0.0, st.RemainingKm)
	assert.Equal(t, 0.0, st.ProgressPercent)
	assert.Equal(t, 0.0, st.ETAToDestMin)
	assert.Equal(t, livestate.NoHint, st.SegmentHint)

	// Same route with unusable coordinates keeps the projection.
	again, err := p.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(6)})
	require.NoError(t, err)
	kept, err := p.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 200, Lng: 0})
	require.NoError(t, err)
	assert.Equal(t, again.NextStopID, kept.NextStopID)
	assert.Equal(t, again.SegmentHint, kept.SegmentHint)
}

func TestPipeline_SpeedSmoothing(t *testing.T) {
	ctx := context.Background()

	smoothed, _, _ := newTestPipeline(t, WithSpeedSmoothing(true))
	_, err := smoothed.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(1), SpeedKmh: livestate.Ptr(40.0)})
	require.NoError(t, err)
	st, err := smoothed.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(2), SpeedKmh: livestate.Ptr(50.0)})
	require.NoError(t, err)
	assert.InDelta(t, 44, st.SpeedKmh, 1e-9)
	// The estimate still uses the reported speed.
	assert.InDelta(t, 18.0/50*60, st.ETAToDestMin, 1e-6)

	raw, _, _ := newTestPipeline(t)
	_, _ = raw.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(1), SpeedKmh: livestate.Ptr(40.0)})
	st, _ = raw.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(2), SpeedKmh: livestate.Ptr(50.0)})
	assert.Equal(t, 50.0, st.SpeedKmh)
}

func TestPipeline_ProcessCell(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	gps, err := p.Process(ctx, Report{VehicleID: "BUS1", RouteID: "R1", Lat: 0, Lng: lngAtKm(4)})
	require.NoError(t, err)

	st, err := p.ProcessCell(ctx, CellReport{VehicleID: "BUS1", MCC: 404, MNC: 10, LAC: 1234, CID: 5678, SignalDBM: -85})
	require.NoError(t, err)

	assert.Equal(t, livestate.SourceCellTower, st.Source)
	assert.Equal(t, "404-10-1234-5678", st.CellTowerID)
	assert.Equal(t, -85, st.SignalStrengthDBM)
	assert.Equal(t, gps.Lat, st.Lat)
	assert.Equal(t, gps.Lng, st.Lng)
	assert.Equal(t, gps.NextStopID, st.NextStopID)
	assert.Equal(t, "R1", st.RouteID)

	_, err = p.ProcessCell(ctx, CellReport{})
	assert.True(t, errors.Is(err, ErrInvalidReport))
}
