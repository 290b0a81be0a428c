package route

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Source is the durable origin of route definitions.
type Source interface {
	// FindAllRoutes returns every known route definition.
	FindAllRoutes(ctx context.Context) ([]Definition, error)

	// FindOneRoute returns a single definition, or (nil, nil) when the route
	// does not exist.
	FindOneRoute(ctx context.Context, routeID string) (*Definition, error)
}

// Catalog keeps every known route in memory. Reads go through an atomically
// swapped map and never block; writers build a new map and replace the old
// one, so a *Route obtained by a reader stays valid and unchanged.
type Catalog struct {
	source Source
	logger logrus.FieldLogger

	routes atomic.Pointer[map[string]*Route]
	loaded atomic.Bool

	// writeMu serializes map replacement between Reload and fallback loads.
	writeMu sync.Mutex
}

// NewCatalog creates an empty Catalog backed by source. Call Reload to
// populate it.
func NewCatalog(source Source, logger logrus.FieldLogger) *Catalog {
	c := &Catalog{source: source, logger: logger}
	empty := map[string]*Route{}
	c.routes.Store(&empty)
	return c
}

// Reload fetches all routes from the source and atomically replaces the
// in-memory set. Definitions that fail validation are logged and skipped.
// On a source error the previous set is kept.
func (c *Catalog) Reload(ctx context.Context) error {
	defs, err := c.source.FindAllRoutes(ctx)
	if err != nil {
		return fmt.Errorf("route: Reload: %w", err)
	}

	next := make(map[string]*Route, len(defs))
	for _, d := range defs {
		r, err := New(d)
		if err != nil {
			c.logger.WithError(err).WithField("route_id", d.ID).Warn("route: skipping invalid route")
			continue
		}
		next[r.ID] = r
	}

	c.writeMu.Lock()
	c.routes.Store(&next)
	c.writeMu.Unlock()
	c.loaded.Store(true)

	c.logger.WithField("count", len(next)).Info("route: catalog loaded")
	return nil
}

// Get returns the cached route without touching the source.
func (c *Catalog) Get(routeID string) (*Route, bool) {
	r, ok := (*c.routes.Load())[routeID]
	return r, ok
}

// Load returns the cached route, falling back to a single fetch from the
// source for routes requested before Reload completed or added since.
// Returns ErrRouteNotFound when the source has no such route and
// ErrInvalidGeometry when its path is unusable.
func (c *Catalog) Load(ctx context.Context, routeID string) (*Route, error) {
	if r, ok := c.Get(routeID); ok {
		return r, nil
	}

	log := c.logger.WithField("route_id", routeID)
	if !c.loaded.Load() {
		log.Warn("route: catalog accessed before initialization")
	}
	log.Debug("route: cache miss, fetching from source")

	def, err := c.source.FindOneRoute(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("route: Load %q: %w", routeID, err)
	}
	if def == nil {
		return nil, fmt.Errorf("route: Load %q: %w", routeID, ErrRouteNotFound)
	}

	r, err := New(*def)
	if err != nil {
		return nil, fmt.Errorf("route: Load: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current := *c.routes.Load()
	if existing, ok := current[routeID]; ok {
		return existing, nil
	}
	next := make(map[string]*Route, len(current)+1)
	for id, cached := range current {
		next[id] = cached
	}
	next[routeID] = r
	c.routes.Store(&next)

	return r, nil
}

// Routes returns a snapshot of all cached routes ordered by ID.
func (c *Catalog) Routes() []*Route {
	current := *c.routes.Load()
	out := make([]*Route, 0, len(current))
	for _, r := range current {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of cached routes.
func (c *Catalog) Len() int {
	return len(*c.routes.Load())
}
