package handler

import (
	"errors"
	"math"
	"net/http"

	"github.com/FooledKiwi/bustrack/internal/geo"
	"github.com/FooledKiwi/bustrack/internal/livestate"
	"github.com/FooledKiwi/bustrack/internal/ranking"
	"github.com/FooledKiwi/bustrack/internal/route"
	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"
)

const (
	// Pickup ETAs use this speed for vehicles that report none, and never
	// less than minPickupSpeedKmh.
	defaultPickupSpeedKmh = 25.0
	minPickupSpeedKmh     = 5.0
)

type stopJSON struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	OffsetKm float64 `json:"offset_km"`
}

type routeJSON struct {
	RouteID    string                     `json:"route_id"`
	Name       string                     `json:"name"`
	DistanceKm float64                    `json:"distance_km"`
	Stops      []stopJSON                 `json:"stops"`
	GeoJSON    *geojson.FeatureCollection `json:"geojson"`
}

// GetRoute handles GET /api/v1/routes/:routeId
//
// Response 200: route metadata, its stops with their distance along the path,
// and a GeoJSON FeatureCollection of the path and stops.
// Response 404: unknown route.
// Response 500: route source error.
func (h *Handler) GetRoute(c *gin.Context) {
	r, ok := h.loadRoute(c)
	if !ok {
		return
	}

	stops := make([]stopJSON, len(r.Stops))
	for i, s := range r.Stops {
		stops[i] = stopJSON{
			ID:       s.ID,
			Name:     s.Name,
			Lat:      s.Location.Lat(),
			Lng:      s.Location.Lon(),
			OffsetKm: s.OffsetKm,
		}
	}

	c.JSON(http.StatusOK, routeJSON{
		RouteID:    r.ID,
		Name:       r.Name,
		DistanceKm: r.TotalKm,
		Stops:      stops,
		GeoJSON:    r.FeatureCollection(),
	})
}

// GetShortlist handles GET /api/v1/routes/:routeId/shortlist
//
// Query params:
//   - stop_id (required) pickup stop on the route
//   - near    (optional) "lat,lng"; only vehicles in the surrounding geohash
//     cells are considered
//
// Response 200:
//
//	{"route_id":"R_UK_DEL","stop_id":"S03","buses":[{"bus_id":"B1","score":86,"rank":1,"label":"BEST CHOICE",...}]}
//
// Response 400: missing stop_id or malformed near.
// Response 404: unknown route or stop.
// Response 500: route source error.
func (h *Handler) GetShortlist(c *gin.Context) {
	stopID := c.Query("stop_id")
	if stopID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stop_id is required"})
		return
	}

	var cells map[string]struct{}
	if raw := c.Query("near"); raw != "" {
		lat, lng, ok := parseLatLng(raw)
		if !ok || !geo.ValidCoordinate(lat, lng) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "near must be \"lat,lng\""})
			return
		}
		cells = geo.CellNeighbourhood(geo.Point(lat, lng))
	}

	r, ok := h.loadRoute(c)
	if !ok {
		return
	}
	idx := r.StopIndex(stopID)
	if idx < 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "stop not found on route"})
		return
	}
	pickup := r.Stops[idx]

	var candidates []ranking.Candidate
	for _, st := range h.states.ByRoute(r.ID) {
		if cells != nil {
			if _, in := cells[st.Geohash]; !in {
				continue
			}
		}
		candidates = append(candidates, candidateFor(r, pickup, st))
	}

	ranked := h.ranker.Rank(candidates)
	if ranked == nil {
		ranked = []ranking.Ranked{}
	}
	c.JSON(http.StatusOK, gin.H{
		"route_id": r.ID,
		"stop_id":  pickup.ID,
		"buses":    ranked,
	})
}

// ReloadRoutes handles POST /api/v1/admin/routes/reload
//
// Response 200: {"status":"reloaded","routes":12}
// Response 500: the route source could not be read; the previous set stays.
func (h *Handler) ReloadRoutes(c *gin.Context) {
	if err := h.routes.Reload(c.Request.Context()); err != nil {
		h.logger.WithError(err).Error("handler: route reload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reload routes"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "routes": h.routes.Len()})
}

func (h *Handler) loadRoute(c *gin.Context) (*route.Route, bool) {
	routeID := c.Param("routeId")
	r, err := h.routes.Load(c.Request.Context(), routeID)
	switch {
	case err == nil:
		return r, true
	case errors.Is(err, route.ErrRouteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Route not found"})
	default:
		h.logger.WithError(err).WithField("route_id", routeID).Error("handler: route lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server Error"})
	}
	return nil, false
}

// candidateFor builds the ranking input for one vehicle heading to pickup.
func candidateFor(r *route.Route, pickup route.Stop, st livestate.VehicleState) ranking.Candidate {
	busKm := st.DistanceCoveredKm
	if st.SegmentHint == livestate.NoHint && geo.ValidCoordinate(st.Lat, st.Lng) {
		// Raw update without a projection.
		busKm = route.Project(r, geo.Point(st.Lat, st.Lng), livestate.NoHint).DistanceFromOriginKm
	}

	c := ranking.Candidate{
		VehicleID:   st.VehicleID,
		RouteID:     st.RouteID,
		SpeedKmh:    st.SpeedKmh,
		LastUpdated: st.LastUpdated,
		HasPassed:   busKm > pickup.OffsetKm,
	}
	if c.HasPassed {
		c.Status = ranking.StatusPassed
	}

	speed := st.SpeedKmh
	if speed <= 0 {
		speed = defaultPickupSpeedKmh
	}
	speed = max(minPickupSpeedKmh, speed)
	eta := math.Round(max(0, pickup.OffsetKm-busKm)/speed*60*10) / 10
	c.ETAToPickupMin = &eta

	if st.Capacity > 0 {
		crowd := math.Min(100, float64(st.Passengers)/float64(st.Capacity)*100)
		seats := max(0, st.Capacity-st.Passengers)
		c.Crowd = &crowd
		c.SeatsRemaining = &seats
	}
	return c
}
