package livestate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNotStarted is returned by Get for a vehicle that has never reported.
var ErrNotStarted = errors.New("vehicle has not started")

const (
	// DefaultFlushInterval is how often dirty records are written back.
	DefaultFlushInterval = 5 * time.Second

	// DefaultNegativeTTL is how long a "no durable record" answer is cached.
	DefaultNegativeTTL = 10 * time.Second

	negativeCacheSize = 10000

	// finalFlushTimeout bounds the flush performed on shutdown.
	finalFlushTimeout = 10 * time.Second
)

// Repository is the durable side of the store.
type Repository interface {
	// FindOne returns the persisted state of a vehicle, or (nil, nil) when
	// there is none.
	FindOne(ctx context.Context, vehicleID string) (*VehicleState, error)

	// BulkUpsert inserts or replaces every record in one batch.
	BulkUpsert(ctx context.Context, states []VehicleState) error
}

// Options configures a Store. Zero values fall back to the defaults.
type Options struct {
	FlushInterval time.Duration
	NegativeTTL   time.Duration

	// Clock drives negative-cache expiry. Tests pass gcache.NewFakeClock().
	Clock gcache.Clock
}

// Store is a write-back cache of VehicleState keyed by vehicle id. Memory is
// the source of truth for reads; the Repository lags behind by at most one
// flush interval.
type Store struct {
	repo     Repository
	logger   logrus.FieldLogger
	interval time.Duration

	// missing remembers vehicles with no durable record so repeated reads
	// for them do not reach the repository.
	missing gcache.Cache

	mu     sync.RWMutex
	states map[string]*VehicleState
	dirty  map[string]struct{}

	// flushMu keeps flushes from overlapping.
	flushMu sync.Mutex
}

// NewStore creates an empty Store backed by repo.
func NewStore(repo Repository, logger logrus.FieldLogger, opts Options) *Store {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}

	b := gcache.New(negativeCacheSize).LRU().Expiration(opts.NegativeTTL)
	if opts.Clock != nil {
		b = b.Clock(opts.Clock)
	}

	return &Store{
		repo:     repo,
		logger:   logger,
		interval: opts.FlushInterval,
		missing:  b.Build(),
		states:   make(map[string]*VehicleState),
		dirty:    make(map[string]struct{}),
	}
}

// Get returns the live state of a vehicle. On a memory miss it performs one
// repository read and caches the result. Returns ErrNotStarted when the
// vehicle has no state anywhere.
func (s *Store) Get(ctx context.Context, vehicleID string) (VehicleState, error) {
	if st, ok := s.Peek(vehicleID); ok {
		return st, nil
	}

	if _, err := s.missing.Get(vehicleID); err == nil {
		return VehicleState{}, ErrNotStarted
	}

	fromDB, err := s.repo.FindOne(ctx, vehicleID)
	if err != nil {
		return VehicleState{}, fmt.Errorf("livestate: Get %q: %w", vehicleID, err)
	}
	if fromDB == nil {
		_ = s.missing.Set(vehicleID, struct{}{})
		return VehicleState{}, ErrNotStarted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// An update may have landed while the repository was being read; the
	// in-memory record is newer in that case.
	if current, ok := s.states[vehicleID]; ok {
		return *current, nil
	}
	loaded := *fromDB
	loaded.VehicleID = vehicleID
	s.states[vehicleID] = &loaded
	return loaded, nil
}

// Peek returns the in-memory state without touching the repository.
func (s *Store) Peek(vehicleID string) (VehicleState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[vehicleID]
	if !ok {
		return VehicleState{}, false
	}
	return *st, true
}

// Update merges p onto the vehicle's current record, creating one if needed,
// and marks the vehicle dirty. It never blocks on the repository.
func (s *Store) Update(vehicleID string, p Patch) VehicleState {
	s.mu.Lock()
	base := newVehicleState(vehicleID)
	if current, ok := s.states[vehicleID]; ok {
		base = *current
	}
	next := p.Apply(base)
	next.VehicleID = vehicleID
	s.states[vehicleID] = &next
	s.dirty[vehicleID] = struct{}{}
	s.mu.Unlock()

	s.missing.Remove(vehicleID)
	return next
}

// Flush writes every dirty record back in a single batch. The dirty set is
// swapped out before the repository call, so updates arriving during the
// write are picked up by the next flush. Records are read at flush time, not
// at the time they were marked dirty. On failure the batch's vehicles are
// marked dirty again.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	ids := s.dirty
	s.dirty = make(map[string]struct{})
	batch := make([]VehicleState, 0, len(ids))
	for id := range ids {
		batch = append(batch, *s.states[id])
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].VehicleID < batch[j].VehicleID })

	log := s.logger.WithFields(logrus.Fields{
		"batch_id": uuid.NewString(),
		"count":    len(batch),
	})

	if err := s.repo.BulkUpsert(ctx, batch); err != nil {
		s.mu.Lock()
		for id := range ids {
			s.dirty[id] = struct{}{}
		}
		s.mu.Unlock()
		log.WithError(err).Error("livestate: flush failed, batch re-queued")
		return fmt.Errorf("livestate: Flush: %w", err)
	}

	log.Debug("livestate: flushed vehicle states")
	return nil
}

// Run flushes on every tick until ctx is cancelled, then performs a final
// flush so that no accepted update is lost on a clean shutdown.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval.String()).Info("livestate: flush worker started")
	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			if err := s.Flush(finalCtx); err != nil {
				s.logger.WithError(err).Warn("livestate: final flush failed")
			}
			cancel()
			s.logger.Info("livestate: flush worker stopped")
			return
		case <-ticker.C:
			// Failures are logged inside Flush and retried on the next tick.
			_ = s.Flush(ctx)
		}
	}
}

// Snapshot returns every in-memory state ordered by vehicle id.
func (s *Store) Snapshot() []VehicleState {
	return s.collect(func(VehicleState) bool { return true })
}

// ByRoute returns the in-memory states of the vehicles on routeID.
func (s *Store) ByRoute(routeID string) []VehicleState {
	return s.collect(func(st VehicleState) bool { return st.RouteID == routeID })
}

func (s *Store) collect(keep func(VehicleState) bool) []VehicleState {
	s.mu.RLock()
	out := make([]VehicleState, 0, len(s.states))
	for _, st := range s.states {
		if keep(*st) {
			out = append(out, *st)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

// DirtyCount returns the number of vehicles waiting for the next flush.
func (s *Store) DirtyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty)
}
