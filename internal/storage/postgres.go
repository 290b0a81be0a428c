package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FooledKiwi/bustrack/internal/livestate"
	"github.com/FooledKiwi/bustrack/internal/route"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryTimeout is applied to every single-row database query.
const queryTimeout = 5 * time.Second

// batchTimeout bounds a bulk upsert, which may carry many rows.
const batchTimeout = 15 * time.Second

// ---------------------------------------------------------------------------
// VehicleStatesRepository
// ---------------------------------------------------------------------------

// pgVehicleStatesRepository is the pgx-backed implementation of
// VehicleStatesRepository.
type pgVehicleStatesRepository struct {
	pool *pgxpool.Pool
}

// NewVehicleStatesRepository creates a VehicleStatesRepository backed by the
// given connection pool.
func NewVehicleStatesRepository(pool *pgxpool.Pool) VehicleStatesRepository {
	return &pgVehicleStatesRepository{pool: pool}
}

const selectBusState = `
	SELECT bus_id, route_id, lat, lng, speed_kmh, source, geohash,
	       distance_covered_km, remaining_km, progress_percent, eta_to_dest_min,
	       next_stop_id, next_stop_name, distance_to_next_stop_m, eta_to_next_stop_min, stop_status,
	       cell_tower_id, signal_strength_dbm, passengers, capacity,
	       last_polyline_index, last_updated
	FROM bus_states
	WHERE bus_id = $1`

const upsertBusState = `
	INSERT INTO bus_states (
		bus_id, route_id, lat, lng, speed_kmh, source, geohash,
		distance_covered_km, remaining_km, progress_percent, eta_to_dest_min,
		next_stop_id, next_stop_name, distance_to_next_stop_m, eta_to_next_stop_min, stop_status,
		cell_tower_id, signal_strength_dbm, passengers, capacity,
		last_polyline_index, last_updated, flushed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
	        $17, $18, $19, $20, $21, $22, NOW())
	ON CONFLICT (bus_id)
	DO UPDATE SET
		route_id                = EXCLUDED.route_id,
		lat                     = EXCLUDED.lat,
		lng                     = EXCLUDED.lng,
		speed_kmh               = EXCLUDED.speed_kmh,
		source                  = EXCLUDED.source,
		geohash                 = EXCLUDED.geohash,
		distance_covered_km     = EXCLUDED.distance_covered_km,
		remaining_km            = EXCLUDED.remaining_km,
		progress_percent        = EXCLUDED.progress_percent,
		eta_to_dest_min         = EXCLUDED.eta_to_dest_min,
		next_stop_id            = EXCLUDED.next_stop_id,
		next_stop_name          = EXCLUDED.next_stop_name,
		distance_to_next_stop_m = EXCLUDED.distance_to_next_stop_m,
		eta_to_next_stop_min    = EXCLUDED.eta_to_next_stop_min,
		stop_status             = EXCLUDED.stop_status,
		cell_tower_id           = EXCLUDED.cell_tower_id,
		signal_strength_dbm     = EXCLUDED.signal_strength_dbm,
		passengers              = EXCLUDED.passengers,
		capacity                = EXCLUDED.capacity,
		last_polyline_index     = EXCLUDED.last_polyline_index,
		last_updated            = EXCLUDED.last_updated,
		flushed_at              = EXCLUDED.flushed_at`

// busStateRow mirrors a bus_states row. Nullable columns use pgtype.
type busStateRow struct {
	BusID               string
	RouteID             string
	Lat                 pgtype.Float8
	Lng                 pgtype.Float8
	SpeedKmh            pgtype.Float8
	Source              pgtype.Text
	Geohash             pgtype.Text
	DistanceCoveredKm   pgtype.Float8
	RemainingKm         pgtype.Float8
	ProgressPercent     pgtype.Float8
	ETAToDestMin        pgtype.Float8
	NextStopID          pgtype.Text
	NextStopName        pgtype.Text
	DistanceToNextStopM pgtype.Int4
	ETAToNextStopMin    pgtype.Float8
	StopStatus          pgtype.Text
	CellTowerID         pgtype.Text
	SignalStrengthDBM   pgtype.Int4
	Passengers          int32
	Capacity            int32
	LastPolylineIndex   pgtype.Int4
	LastUpdated         time.Time
}

func (r *pgVehicleStatesRepository) FindOne(ctx context.Context, vehicleID string) (*livestate.VehicleState, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row busStateRow
	err := r.pool.QueryRow(ctx, selectBusState, vehicleID).Scan(
		&row.BusID, &row.RouteID, &row.Lat, &row.Lng, &row.SpeedKmh, &row.Source, &row.Geohash,
		&row.DistanceCoveredKm, &row.RemainingKm, &row.ProgressPercent, &row.ETAToDestMin,
		&row.NextStopID, &row.NextStopName, &row.DistanceToNextStopM, &row.ETAToNextStopMin, &row.StopStatus,
		&row.CellTowerID, &row.SignalStrengthDBM, &row.Passengers, &row.Capacity,
		&row.LastPolylineIndex, &row.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: FindOne: %w", err)
	}

	st := row.toState()
	return &st, nil
}

func (r *pgVehicleStatesRepository) BulkUpsert(ctx context.Context, states []livestate.VehicleState) error {
	if len(states) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	batch := &pgx.Batch{}
	for _, st := range states {
		batch.Queue(upsertBusState, stateArgs(st)...)
	}

	// A batch runs in one implicit transaction, so a failing row rolls back
	// the whole flush.
	br := r.pool.SendBatch(ctx, batch)
	for range states {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("storage: BulkUpsert: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("storage: BulkUpsert: %w", err)
	}
	return nil
}

// toState converts a scanned row into the live-state record.
func (row busStateRow) toState() livestate.VehicleState {
	st := livestate.VehicleState{
		VehicleID:           row.BusID,
		RouteID:             row.RouteID,
		Lat:                 row.Lat.Float64,
		Lng:                 row.Lng.Float64,
		SpeedKmh:            row.SpeedKmh.Float64,
		Source:              livestate.Source(row.Source.String),
		Geohash:             row.Geohash.String,
		DistanceCoveredKm:   row.DistanceCoveredKm.Float64,
		RemainingKm:         row.RemainingKm.Float64,
		ProgressPercent:     row.ProgressPercent.Float64,
		ETAToDestMin:        row.ETAToDestMin.Float64,
		NextStopID:          row.NextStopID.String,
		NextStopName:        row.NextStopName.String,
		DistanceToNextStopM: int(row.DistanceToNextStopM.Int32),
		ETAToNextStopMin:    row.ETAToNextStopMin.Float64,
		StopStatus:          row.StopStatus.String,
		CellTowerID:         row.CellTowerID.String,
		SignalStrengthDBM:   int(row.SignalStrengthDBM.Int32),
		Passengers:          int(row.Passengers),
		Capacity:            int(row.Capacity),
		SegmentHint:         livestate.NoHint,
		LastUpdated:         row.LastUpdated,
	}
	if row.LastPolylineIndex.Valid {
		st.SegmentHint = int(row.LastPolylineIndex.Int32)
	}
	return st
}

// stateArgs returns the upsertBusState parameters for st. Empty optional
// values are stored as NULL.
func stateArgs(st livestate.VehicleState) []any {
	hint := pgtype.Int4{Int32: int32(st.SegmentHint), Valid: st.SegmentHint >= 0}
	signal := pgtype.Int4{Int32: int32(st.SignalStrengthDBM), Valid: st.SignalStrengthDBM != 0}

	return []any{
		st.VehicleID,
		st.RouteID,
		st.Lat,
		st.Lng,
		st.SpeedKmh,
		nullText(string(st.Source)),
		nullText(st.Geohash),
		st.DistanceCoveredKm,
		st.RemainingKm,
		st.ProgressPercent,
		st.ETAToDestMin,
		nullText(st.NextStopID),
		nullText(st.NextStopName),
		int32(st.DistanceToNextStopM),
		st.ETAToNextStopMin,
		nullText(st.StopStatus),
		nullText(st.CellTowerID),
		signal,
		int32(st.Passengers),
		int32(st.Capacity),
		hint,
		st.LastUpdated,
	}
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

// ---------------------------------------------------------------------------
// RoutesRepository
// ---------------------------------------------------------------------------

// pgRoutesRepository is the pgx-backed implementation of RoutesRepository.
type pgRoutesRepository struct {
	pool *pgxpool.Pool
}

// NewRoutesRepository creates a RoutesRepository backed by the given connection pool.
func NewRoutesRepository(pool *pgxpool.Pool) RoutesRepository {
	return &pgRoutesRepository{pool: pool}
}

func (r *pgRoutesRepository) FindAllRoutes(ctx context.Context) ([]route.Definition, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT route_id, name, polyline, stops
		FROM routes
		ORDER BY route_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: FindAllRoutes: %w", err)
	}
	defer rows.Close()

	var defs []route.Definition
	for rows.Next() {
		var (
			id, name        string
			polyline, stops []byte
		)
		if err := rows.Scan(&id, &name, &polyline, &stops); err != nil {
			return nil, fmt.Errorf("storage: FindAllRoutes: %w", err)
		}
		def, err := decodeRoute(id, name, polyline, stops)
		if err != nil {
			return nil, fmt.Errorf("storage: FindAllRoutes: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: FindAllRoutes: %w", err)
	}

	return defs, nil
}

func (r *pgRoutesRepository) FindOneRoute(ctx context.Context, routeID string) (*route.Definition, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		name            string
		polyline, stops []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT name, polyline, stops
		FROM routes
		WHERE route_id = $1`,
		routeID,
	).Scan(&name, &polyline, &stops)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: FindOneRoute: %w", err)
	}

	def, err := decodeRoute(routeID, name, polyline, stops)
	if err != nil {
		return nil, fmt.Errorf("storage: FindOneRoute: %w", err)
	}
	return &def, nil
}

func (r *pgRoutesRepository) UpsertRoute(ctx context.Context, def route.Definition, distanceKm float64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	polyline, stops, err := encodeRoute(def)
	if err != nil {
		return fmt.Errorf("storage: UpsertRoute: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO routes (route_id, name, polyline, stops, distance_km, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (route_id)
		DO UPDATE SET
			name        = EXCLUDED.name,
			polyline    = EXCLUDED.polyline,
			stops       = EXCLUDED.stops,
			distance_km = EXCLUDED.distance_km,
			updated_at  = EXCLUDED.updated_at`,
		def.ID, def.Name, polyline, stops, distanceKm)
	if err != nil {
		return fmt.Errorf("storage: UpsertRoute: %w", err)
	}
	return nil
}

// encodeRoute renders the JSONB columns of a route row.
func encodeRoute(def route.Definition) (polyline, stops []byte, err error) {
	polyline, err = json.Marshal(def.Polyline)
	if err != nil {
		return nil, nil, fmt.Errorf("encode polyline: %w", err)
	}
	if def.Stops == nil {
		def.Stops = []route.StopDefinition{}
	}
	stops, err = json.Marshal(def.Stops)
	if err != nil {
		return nil, nil, fmt.Errorf("encode stops: %w", err)
	}
	return polyline, stops, nil
}

// decodeRoute rebuilds a definition from a route row.
func decodeRoute(id, name string, polyline, stops []byte) (route.Definition, error) {
	def := route.Definition{ID: id, Name: name}
	if err := json.Unmarshal(polyline, &def.Polyline); err != nil {
		return route.Definition{}, fmt.Errorf("route %q: decode polyline: %w", id, err)
	}
	if len(stops) > 0 {
		if err := json.Unmarshal(stops, &def.Stops); err != nil {
			return route.Definition{}, fmt.Errorf("route %q: decode stops: %w", id, err)
		}
	}
	return def, nil
}
