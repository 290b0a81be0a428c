package handler

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/FooledKiwi/bustrack/internal/livestate"
	"github.com/FooledKiwi/bustrack/internal/tracking"
	"github.com/gin-gonic/gin"
)

const (
	unknownRouteName  = "Unknown Route"
	enRoute           = "En Route"
	finishingTrip     = "Finishing Trip"
	notStartedMessage = "Bus has not started."
)

type liveRoute struct {
	Name             string `json:"name"`
	CurrentStopIndex int    `json:"current_stop_index"`
	TotalStops       int    `json:"total_stops"`
}

type liveStops struct {
	Available       bool   `json:"available"`
	CurrentStop     string `json:"current_stop"`
	DistanceToStopM int    `json:"distance_to_stop_m"`
	StopStatus      string `json:"stop_status"`
}

type liveProgress struct {
	Near            string  `json:"near"`
	TimeRemaining   string  `json:"time_remaining"`
	DistanceLeftKm  string  `json:"distance_left_km"`
	SpeedKmph       int     `json:"speed_kmph"`
	ProgressPercent float64 `json:"progress_percent"`
}

type liveTracking struct {
	State         tracking.State   `json:"state"`
	Message       string           `json:"message,omitempty"`
	Source        livestate.Source `json:"source,omitempty"`
	Lat           *float64         `json:"lat,omitempty"`
	Lng           *float64         `json:"lng,omitempty"`
	LastUpdatedTS *time.Time       `json:"last_updated_ts,omitempty"`
}

type liveResponse struct {
	Route        *liveRoute    `json:"route,omitempty"`
	Stops        *liveStops    `json:"stops,omitempty"`
	TripProgress *liveProgress `json:"trip_progress,omitempty"`
	Tracking     liveTracking  `json:"tracking"`
}

// GetLiveStatus handles GET /api/v1/bus/:busId/live
//
// Response 200:
//
//	{"route":{"name":"Haldwani - Anand Vihar","current_stop_index":3,"total_stops":8},
//	 "stops":{"available":true,"current_stop":"Rampur","distance_to_stop_m":1200,"stop_status":"MOVING"},
//	 "trip_progress":{"near":"Rampur","time_remaining":"2h 5m","distance_left_km":"180.4",
//	                  "speed_kmph":48,"progress_percent":30.6},
//	 "tracking":{"state":"LIVE","source":"GPS","lat":28.8,"lng":79.1,"last_updated_ts":"..."}}
//
// A vehicle that never reported answers 200 with
// {"tracking":{"state":"OFFLINE","message":"Bus has not started."}}.
//
// Response 500: the state store could not be read.
func (h *Handler) GetLiveStatus(c *gin.Context) {
	busID := c.Param("busId")
	ctx := c.Request.Context()

	st, err := h.states.Get(ctx, busID)
	if errors.Is(err, livestate.ErrNotStarted) {
		c.JSON(http.StatusOK, liveResponse{
			Tracking: liveTracking{State: tracking.Offline, Message: notStartedMessage},
		})
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("vehicle_id", busID).Error("handler: live status lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	rt := liveRoute{Name: unknownRouteName, CurrentStopIndex: 1}
	if st.RouteID != "" {
		r, err := h.routes.Load(ctx, st.RouteID)
		if err != nil {
			h.logger.WithError(err).WithField("route_id", st.RouteID).Debug("handler: route unavailable for live status")
		} else {
			rt.TotalStops = len(r.Stops)
			if r.Name != "" {
				rt.Name = r.Name
			}
			if idx := r.StopIndex(st.NextStopID); st.HasNextStop() && idx >= 0 {
				rt.CurrentStopIndex = idx + 1
			}
		}
	}

	near, current := enRoute, finishingTrip
	if st.NextStopName != "" {
		near, current = st.NextStopName, st.NextStopName
	}

	lat, lng, updated := st.Lat, st.Lng, st.LastUpdated
	c.JSON(http.StatusOK, liveResponse{
		Route: &rt,
		Stops: &liveStops{
			Available:       st.NextStopName != "",
			CurrentStop:     current,
			DistanceToStopM: st.DistanceToNextStopM,
			StopStatus:      string(tracking.ArrivalFor(st.DistanceToNextStopM)),
		},
		TripProgress: &liveProgress{
			Near:            near,
			TimeRemaining:   formatRemaining(st.ETAToDestMin),
			DistanceLeftKm:  strconv.FormatFloat(st.RemainingKm, 'f', 1, 64),
			SpeedKmph:       int(math.Round(st.SpeedKmh)),
			ProgressPercent: st.ProgressPercent,
		},
		Tracking: liveTracking{
			State:         h.classifier.ClassifySince(st.LastUpdated, h.now()),
			Source:        st.Source,
			Lat:           &lat,
			Lng:           &lng,
			LastUpdatedTS: &updated,
		},
	})
}

// formatRemaining renders minutes as "Hh Mm", or "--" when there is no
// estimate.
func formatRemaining(minutes float64) string {
	if minutes <= 0 || math.IsNaN(minutes) || math.IsInf(minutes, 0) {
		return "--"
	}
	total := int(math.Floor(minutes))
	return fmt.Sprintf("%dh %dm", total/60, total%60)
}

type searchEntry struct {
	BusID         string         `json:"bus_id"`
	RouteID       string         `json:"route_id"`
	DepartureTime string         `json:"departure_time"`
	ArrivalTime   string         `json:"arrival_time"`
	TrackingState tracking.State `json:"tracking_state"`
}

// SearchBuses handles GET /api/v1/buses/search
//
// Returns the configured schedule with each bus's current tracking state.
// The from, to and date query parameters are accepted but not applied.
//
// Response 200:
//
//	{"buses":[{"bus_id":"UK-07-PA-1234","route_id":"R_UK_DEL","departure_time":"08:00 AM",
//	           "arrival_time":"02:00 PM","tracking_state":"LIVE"}]}
func (h *Handler) SearchBuses(c *gin.Context) {
	ctx := c.Request.Context()
	now := h.now()

	out := make([]searchEntry, len(h.schedule))
	for i, b := range h.schedule {
		state := tracking.Offline
		st, err := h.states.Get(ctx, b.BusID)
		switch {
		case err == nil:
			state = h.classifier.ClassifySince(st.LastUpdated, now)
		case !errors.Is(err, livestate.ErrNotStarted):
			h.logger.WithError(err).WithField("vehicle_id", b.BusID).Warn("handler: search state lookup failed")
		}
		out[i] = searchEntry{
			BusID:         b.BusID,
			RouteID:       b.RouteID,
			DepartureTime: b.DepartureTime,
			ArrivalTime:   b.ArrivalTime,
			TrackingState: state,
		}
	}

	c.JSON(http.StatusOK, gin.H{"buses": out})
}
