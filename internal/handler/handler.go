// Package handler exposes the tracking engine over HTTP.
package handler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/FooledKiwi/bustrack/internal/config"
	"github.com/FooledKiwi/bustrack/internal/livestate"
	"github.com/FooledKiwi/bustrack/internal/ranking"
	"github.com/FooledKiwi/bustrack/internal/route"
	"github.com/FooledKiwi/bustrack/internal/tracking"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RouteCatalog resolves and reloads route geometry.
type RouteCatalog interface {
	Load(ctx context.Context, routeID string) (*route.Route, error)
	Reload(ctx context.Context) error
	Len() int
}

// ReportProcessor runs inbound updates through the tracking pipeline.
type ReportProcessor interface {
	Process(ctx context.Context, rep tracking.Report) (livestate.VehicleState, error)
	ProcessCell(ctx context.Context, c tracking.CellReport) (livestate.VehicleState, error)
}

// StateReader reads live vehicle state.
type StateReader interface {
	Get(ctx context.Context, vehicleID string) (livestate.VehicleState, error)
	ByRoute(routeID string) []livestate.VehicleState
}

// Handler holds the dependencies shared by all HTTP handlers.
type Handler struct {
	routes     RouteCatalog
	reports    ReportProcessor
	states     StateReader
	classifier tracking.Classifier
	ranker     *ranking.Ranker
	schedule   []config.ScheduledBus
	logger     logrus.FieldLogger
	now        func() time.Time
}

// New creates a Handler with the given dependencies.
func New(
	routes RouteCatalog,
	reports ReportProcessor,
	states StateReader,
	classifier tracking.Classifier,
	schedule []config.ScheduledBus,
	logger logrus.FieldLogger,
) *Handler {
	return &Handler{
		routes:     routes,
		reports:    reports,
		states:     states,
		classifier: classifier,
		ranker:     ranking.NewRanker(time.Now),
		schedule:   schedule,
		logger:     logger,
		now:        time.Now,
	}
}

// Register mounts every endpoint on api, which is expected to be /api/v1.
func (h *Handler) Register(api gin.IRoutes) {
	api.POST("/gps/update", h.UpdateGPS)
	api.POST("/cell/update", h.UpdateCell)

	api.GET("/bus/:busId/live", h.GetLiveStatus)
	api.GET("/buses/search", h.SearchBuses)

	api.GET("/routes/:routeId", h.GetRoute)
	api.GET("/routes/:routeId/shortlist", h.GetShortlist)

	api.POST("/admin/routes/reload", h.ReloadRoutes)
}

// parseLatLng parses "lat,lng".
func parseLatLng(raw string) (lat, lng float64, ok bool) {
	latRaw, lngRaw, found := strings.Cut(raw, ",")
	if !found {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latRaw), 64)
	if err != nil {
		return 0, 0, false
	}
	lng, err = strconv.ParseFloat(strings.TrimSpace(lngRaw), 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lng, true
}
