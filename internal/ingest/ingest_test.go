package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/FooledKiwi/bustrack/internal/livestate"
	"github.com/FooledKiwi/bustrack/internal/tracking"
	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// recordingProcessor records every report it receives.
type recordingProcessor struct {
	mu      sync.Mutex
	reports []tracking.Report
	err     error
}

func (p *recordingProcessor) Process(_ context.Context, rep tracking.Report) (livestate.VehicleState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, rep)
	return livestate.VehicleState{VehicleID: rep.VehicleID}, p.err
}

// fakeReader serves queued messages, then blocks until ctx is cancelled.
type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	closed    bool
	fetchErr  error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.fetchErr != nil {
		return kafka.Message{}, r.fetchErr
	}
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Kafka
// ---------------------------------------------------------------------------

func TestDecodeReport(t *testing.T) {
	msgTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rep, err := DecodeReport(kafka.Message{
		Key:   []byte("BUS7"),
		Value: []byte(`{"route_id":"R1","lat":29.1,"lng":79.5,"speed_kmph":35.5,"source":"GPS"}`),
		Time:  msgTime,
	})
	require.NoError(t, err)

	assert.Equal(t, "BUS7", rep.VehicleID)
	assert.Equal(t, "R1", rep.RouteID)
	assert.Equal(t, 29.1, rep.Lat)
	require.NotNil(t, rep.SpeedKmh)
	assert.Equal(t, 35.5, *rep.SpeedKmh)
	assert.Equal(t, livestate.SourceGPS, rep.Source)
	assert.Equal(t, msgTime, rep.Timestamp)
}

func TestDecodeReport_BodyWinsOverKey(t *testing.T) {
	rep, err := DecodeReport(kafka.Message{
		Key:   []byte("KEY"),
		Value: []byte(`{"bus_id":"BODY","route_id":"R1","timestamp":"2026-03-01T10:00:00Z"}`),
		Time:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "BODY", rep.VehicleID)
	assert.Nil(t, rep.SpeedKmh)
	assert.Equal(t, 10, rep.Timestamp.Hour())
}

func TestDecodeReport_Occupancy(t *testing.T) {
	rep, err := DecodeReport(kafka.Message{
		Key:   []byte("BUS7"),
		Value: []byte(`{"route_id":"R1","lat":29.1,"lng":79.5,"passengers":18,"capacity":45}`),
	})
	require.NoError(t, err)
	require.NotNil(t, rep.Passengers)
	require.NotNil(t, rep.Capacity)
	assert.Equal(t, 18, *rep.Passengers)
	assert.Equal(t, 45, *rep.Capacity)
}

func TestDecodeReport_Malformed(t *testing.T) {
	_, err := DecodeReport(kafka.Message{Value: []byte(`not json`)})
	assert.Error(t, err)
}

func TestKafkaConsumer_ProcessesAndCommits(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Key: []byte("BUS1"), Value: []byte(`{"route_id":"R1","lat":1,"lng":2}`)},
		{Offset: 2, Value: []byte(`garbage`)},
		{Offset: 3, Key: []byte("BUS2"), Value: []byte(`{"route_id":"R1","lat":3,"lng":4}`)},
	}}
	proc := &recordingProcessor{}
	logger, _ := test.NewNullLogger()
	c := newKafkaConsumer(reader, proc, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.reports) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "BUS1", proc.reports[0].VehicleID)
	assert.Equal(t, "BUS2", proc.reports[1].VehicleID)
	// The malformed message is committed too.
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
	assert.True(t, reader.closed)
}

func TestKafkaConsumer_FetchError(t *testing.T) {
	reader := &fakeReader{fetchErr: errors.New("broker gone")}
	logger, _ := test.NewNullLogger()
	c := newKafkaConsumer(reader, &recordingProcessor{}, logger)

	err := c.Run(context.Background())
	assert.Error(t, err)
	assert.True(t, reader.closed)
}

// ---------------------------------------------------------------------------
// GTFS-Realtime
// ---------------------------------------------------------------------------

func vehicleEntity(id, vehicleID, routeID string, lat, lng float32, speed *float32, ts uint64) *gtfsrtpb.FeedEntity {
	vp := &gtfsrtpb.VehiclePosition{
		Trip:     &gtfsrtpb.TripDescriptor{RouteId: proto.String(routeID)},
		Position: &gtfsrtpb.Position{Latitude: proto.Float32(lat), Longitude: proto.Float32(lng), Speed: speed},
	}
	if vehicleID != "" {
		vp.Vehicle = &gtfsrtpb.VehicleDescriptor{Id: proto.String(vehicleID)}
	}
	if ts > 0 {
		vp.Timestamp = proto.Uint64(ts)
	}
	return &gtfsrtpb.FeedEntity{Id: proto.String(id), Vehicle: vp}
}

func testFeed(entities ...*gtfsrtpb.FeedEntity) *gtfsrtpb.FeedMessage {
	return &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(1767225600),
		},
		Entity: entities,
	}
}

func TestVehicleReports(t *testing.T) {
	fm := testFeed(
		vehicleEntity("e1", "BUS1", "R1", 29.2, 79.5, proto.Float32(10), 1767225590),
		vehicleEntity("e2", "", "R2", 28.9, 79.4, nil, 0),
		vehicleEntity("e3", "BUS3", "", 28.9, 79.4, nil, 0),
		&gtfsrtpb.FeedEntity{Id: proto.String("alert-only")},
	)

	reps := VehicleReports(fm)
	require.Len(t, reps, 2)

	assert.Equal(t, "BUS1", reps[0].VehicleID)
	assert.Equal(t, "R1", reps[0].RouteID)
	assert.InDelta(t, 29.2, reps[0].Lat, 1e-5)
	require.NotNil(t, reps[0].SpeedKmh)
	assert.InDelta(t, 36, *reps[0].SpeedKmh, 1e-9)
	assert.Equal(t, time.Unix(1767225590, 0).UTC(), reps[0].Timestamp)

	// Falls back to the entity id and the header timestamp.
	assert.Equal(t, "e2", reps[1].VehicleID)
	assert.Nil(t, reps[1].SpeedKmh)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), reps[1].Timestamp)
}

func TestGTFSRTPoller_PollSkipsUnchangedPositions(t *testing.T) {
	feed := testFeed(vehicleEntity("e1", "BUS1", "R1", 29.2, 79.5, nil, 100))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		b, err := proto.Marshal(feed)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	proc := &recordingProcessor{}
	logger, _ := test.NewNullLogger()
	p := NewGTFSRTPoller(srv.URL, time.Minute, srv.Client(), proc, logger)
	ctx := context.Background()

	n, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "same timestamp should not be processed twice")

	feed.Entity[0].Vehicle.Timestamp = proto.Uint64(130)
	n, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, proc.reports, 2)
}

func TestGTFSRTPoller_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	p := NewGTFSRTPoller(srv.URL, time.Minute, srv.Client(), &recordingProcessor{}, logger)

	_, err := p.Poll(context.Background())
	assert.Error(t, err)
}

func TestGTFSRTPoller_RejectedReportIsRetried(t *testing.T) {
	feed := testFeed(vehicleEntity("e1", "BUS1", "R1", 29.2, 79.5, nil, 100))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		b, _ := proto.Marshal(feed)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	proc := &recordingProcessor{err: errors.New("invalid")}
	logger, _ := test.NewNullLogger()
	p := NewGTFSRTPoller(srv.URL, time.Minute, srv.Client(), proc, logger)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	proc.err = nil
	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
