package handler

import (
	"errors"
	"net/http"

	"github.com/FooledKiwi/bustrack/internal/livestate"
	"github.com/FooledKiwi/bustrack/internal/middleware"
	"github.com/FooledKiwi/bustrack/internal/tracking"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type gpsUpdateRequest struct {
	BusID     string   `json:"bus_id" binding:"required"`
	RouteID   string   `json:"route_id" binding:"required"`
	Lat       *float64 `json:"lat" binding:"required"`
	Lng       *float64 `json:"lng" binding:"required"`
	SpeedKmph *float64 `json:"speed_kmph"`

	Passengers *int `json:"passengers" binding:"omitempty,gte=0"`
	Capacity   *int `json:"capacity" binding:"omitempty,gt=0"`
}

// UpdateGPS handles POST /api/v1/gps/update
//
// Body:
//
//	{"bus_id":"UK-07-PA-1234","route_id":"R_UK_DEL","lat":29.1,"lng":79.5,"speed_kmph":42,
//	 "passengers":31,"capacity":60}
//
// speed_kmph, passengers and capacity are optional. A negative speed is
// shown as 0.
//
// Response 200: {"success":true,"status":"GPS_UPDATED"}
// Response 400: malformed body or missing identifiers.
// Response 500: the update could not be applied.
func (h *Handler) UpdateGPS(c *gin.Context) {
	var req gpsUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bus_id, route_id, lat and lng are required"})
		return
	}

	_, err := h.reports.Process(c.Request.Context(), tracking.Report{
		VehicleID:  req.BusID,
		RouteID:    req.RouteID,
		Lat:        *req.Lat,
		Lng:        *req.Lng,
		SpeedKmh:   req.SpeedKmph,
		Passengers: req.Passengers,
		Capacity:   req.Capacity,
		Source:     livestate.SourceGPS,
	})
	if err != nil {
		h.updateFailed(c, req.BusID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "status": "GPS_UPDATED"})
}

type cellInfo struct {
	MCC       int `json:"mcc"`
	MNC       int `json:"mnc"`
	LAC       int `json:"lac"`
	CID       int `json:"cid"`
	SignalDBM int `json:"signal_dbm"`
}

type cellUpdateRequest struct {
	BusID   string    `json:"bus_id" binding:"required"`
	RouteID string    `json:"route_id"`
	Cell    *cellInfo `json:"cell" binding:"required"`
}

// UpdateCell handles POST /api/v1/cell/update
//
// Body:
//
//	{"bus_id":"UK-07-PA-1234","route_id":"R_UK_DEL",
//	 "cell":{"mcc":404,"mnc":45,"lac":1201,"cid":55012,"signal_dbm":-85}}
//
// Response 200: {"success":true,"status":"CELL_UPDATED"}
// Response 400: malformed body, missing bus_id or cell.
func (h *Handler) UpdateCell(c *gin.Context) {
	var req cellUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bus_id and cell are required"})
		return
	}

	_, err := h.reports.ProcessCell(c.Request.Context(), tracking.CellReport{
		VehicleID: req.BusID,
		RouteID:   req.RouteID,
		MCC:       req.Cell.MCC,
		MNC:       req.Cell.MNC,
		LAC:       req.Cell.LAC,
		CID:       req.Cell.CID,
		SignalDBM: req.Cell.SignalDBM,
	})
	if err != nil {
		h.updateFailed(c, req.BusID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "status": "CELL_UPDATED"})
}

func (h *Handler) updateFailed(c *gin.Context, busID string, err error) {
	if errors.Is(err, tracking.ErrInvalidReport) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.WithError(err).WithFields(logrus.Fields{
		"vehicle_id": busID,
		"request_id": middleware.RequestIDFrom(c),
	}).Error("handler: update failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Update failed"})
}
