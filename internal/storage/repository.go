// Package storage provides PostgreSQL-backed repository implementations.
package storage

import (
	"context"

	"github.com/FooledKiwi/bustrack/internal/livestate"
	"github.com/FooledKiwi/bustrack/internal/route"
)

// VehicleStatesRepository persists the live state of vehicles.
type VehicleStatesRepository interface {
	// FindOne returns the persisted state of vehicleID.
	// Returns (nil, nil) when the vehicle has no stored state.
	FindOne(ctx context.Context, vehicleID string) (*livestate.VehicleState, error)

	// BulkUpsert inserts or replaces all given states in a single round trip.
	// Either every state is written or none is.
	BulkUpsert(ctx context.Context, states []livestate.VehicleState) error
}

// RoutesRepository defines read and write operations on route definitions.
type RoutesRepository interface {
	// FindAllRoutes returns every stored route ordered by ID.
	FindAllRoutes(ctx context.Context) ([]route.Definition, error)

	// FindOneRoute returns a single route.
	// Returns (nil, nil) when the route does not exist.
	FindOneRoute(ctx context.Context, routeID string) (*route.Definition, error)

	// UpsertRoute inserts or replaces a route definition. distanceKm is the
	// precomputed path length, stored for reporting only.
	UpsertRoute(ctx context.Context, def route.Definition, distanceKm float64) error
}
