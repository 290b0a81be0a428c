package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/FooledKiwi/bustrack/internal/livestate"
	"github.com/FooledKiwi/bustrack/internal/tracking"
	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
)

const (
	// DefaultPollInterval matches the usual refresh rate of GTFS-RT feeds.
	DefaultPollInterval = 15 * time.Second

	fetchTimeout = 10 * time.Second

	// maxFeedBytes caps the response body read from the feed.
	maxFeedBytes = 32 << 20
)

// GTFSRTPoller polls a GTFS-Realtime VehiclePositions feed and turns every
// new vehicle position into a report.
type GTFSRTPoller struct {
	url      string
	interval time.Duration
	client   *http.Client
	proc     Processor
	logger   logrus.FieldLogger

	// lastSeen is the newest position timestamp processed per vehicle.
	// Only Run's goroutine touches it.
	lastSeen map[string]time.Time
}

// NewGTFSRTPoller creates a poller for the feed at url. A nil client uses a
// client with a 10s timeout.
func NewGTFSRTPoller(url string, interval time.Duration, client *http.Client, proc Processor, logger logrus.FieldLogger) *GTFSRTPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &GTFSRTPoller{
		url:      url,
		interval: interval,
		client:   client,
		proc:     proc,
		logger:   logger,
		lastSeen: make(map[string]time.Time),
	}
}

// Run polls immediately and then on every interval until ctx is cancelled.
func (p *GTFSRTPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.WithField("url", p.url).Info("ingest: gtfs-rt poller started")
	for {
		if n, err := p.Poll(ctx); err != nil {
			p.logger.WithError(err).Warn("ingest: gtfs-rt poll failed")
		} else {
			p.logger.WithField("count", n).Debug("ingest: gtfs-rt poll done")
		}

		select {
		case <-ctx.Done():
			p.logger.Info("ingest: gtfs-rt poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches the feed once and processes positions newer than the last
// ones seen. Returns the number of reports processed.
func (p *GTFSRTPoller) Poll(ctx context.Context) (int, error) {
	fm, err := p.fetch(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rep := range VehicleReports(fm) {
		if last, ok := p.lastSeen[rep.VehicleID]; ok && !rep.Timestamp.IsZero() && !rep.Timestamp.After(last) {
			continue
		}
		if _, err := p.proc.Process(ctx, rep); err != nil {
			p.logger.WithError(err).WithField("vehicle_id", rep.VehicleID).Warn("ingest: gtfs-rt report rejected")
			continue
		}
		p.lastSeen[rep.VehicleID] = rep.Timestamp
		processed++
	}
	return processed, nil
}

func (p *GTFSRTPoller) fetch(ctx context.Context) (*gtfsrtpb.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: gtfs-rt: build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingest: gtfs-rt: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ingest: gtfs-rt: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("ingest: gtfs-rt: read body: %w", err)
	}

	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(body, &fm); err != nil {
		return nil, fmt.Errorf("ingest: gtfs-rt: decode: %w", err)
	}
	return &fm, nil
}

// VehicleReports extracts one report per vehicle position entity. Entities
// without a position or a route are skipped. GTFS-RT speeds are in m/s.
func VehicleReports(fm *gtfsrtpb.FeedMessage) []tracking.Report {
	var headerTS uint64
	if fm.GetHeader() != nil {
		headerTS = fm.GetHeader().GetTimestamp()
	}

	var out []tracking.Report
	for _, e := range fm.GetEntity() {
		v := e.GetVehicle()
		if v == nil || v.GetPosition() == nil {
			continue
		}
		routeID := v.GetTrip().GetRouteId()
		if routeID == "" {
			continue
		}

		vehicleID := v.GetVehicle().GetId()
		if vehicleID == "" {
			vehicleID = e.GetId()
		}

		pos := v.GetPosition()
		rep := tracking.Report{
			VehicleID: vehicleID,
			RouteID:   routeID,
			Lat:       float64(pos.GetLatitude()),
			Lng:       float64(pos.GetLongitude()),
			Source:    livestate.SourceGPS,
		}
		if pos.Speed != nil {
			kmh := float64(pos.GetSpeed()) * 3.6
			rep.SpeedKmh = &kmh
		}

		ts := v.GetTimestamp()
		if ts == 0 {
			ts = headerTS
		}
		if ts > 0 {
			rep.Timestamp = time.Unix(int64(ts), 0).UTC()
		}

		out = append(out, rep)
	}
	return out
}
