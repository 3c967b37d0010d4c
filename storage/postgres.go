package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"transitdelay.dev/gtfs/model"
)

type PSQLStorage struct {
	db *sql.DB
}

type PSQLFeedWriter struct {
	feedBuffer
	db *sql.DB
}

type PSQLFeedReader struct {
	db *sql.DB
}

const psqlSchema = `
CREATE TABLE IF NOT EXISTS stops (
    stop_id TEXT PRIMARY KEY,
    stop_name TEXT,
    stop_lat DOUBLE PRECISION,
    stop_lon DOUBLE PRECISION
);

CREATE TABLE IF NOT EXISTS routes (
    route_id TEXT PRIMARY KEY,
    route_short_name TEXT,
    route_long_name TEXT
);

CREATE TABLE IF NOT EXISTS trips (
    trip_id TEXT PRIMARY KEY,
    route_id TEXT,
    service_id TEXT,
    trip_headsign TEXT
);

CREATE TABLE IF NOT EXISTS stop_times (
    trip_id TEXT,
    stop_id TEXT,
    stop_sequence INTEGER,
    arrival_time TEXT,
    departure_time TEXT,
    shape_dist_traveled DOUBLE PRECISION,
    PRIMARY KEY (trip_id, stop_id)
);
CREATE INDEX IF NOT EXISTS idx_stop_times_trip_seq ON stop_times (trip_id, stop_sequence);

CREATE TABLE IF NOT EXISTS realtime_vehicle_positions (
    timestamp TIMESTAMPTZ NOT NULL,
    route_id TEXT,
    trip_id TEXT,
    stop_id TEXT,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    bus_id TEXT NOT NULL,
    vehicle_label TEXT,
    PRIMARY KEY (bus_id, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_vehicle_positions_trip ON realtime_vehicle_positions (trip_id, timestamp);

CREATE TABLE IF NOT EXISTS stop_delays (
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    route_id TEXT,
    stop_sequence INTEGER,
    actual_arrival TIMESTAMPTZ,
    actual_arrival_local TEXT,
    scheduled_arrival TEXT,
    delay_seconds INTEGER,
    bus_id TEXT,
    last_updated TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (trip_id, stop_id)
);

CREATE TABLE IF NOT EXISTS stop_distances (
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    next_stop_id TEXT NOT NULL,
    distance_km DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (trip_id, stop_id, next_stop_id)
);
`

// Creates a new Postgres Storage using the provided connection string.
//
// If clearDB is true, all tables are dropped on startup. You probably
// only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS stops;
DROP TABLE IF EXISTS routes;
DROP TABLE IF EXISTS trips;
DROP TABLE IF EXISTS stop_times;
DROP TABLE IF EXISTS realtime_vehicle_positions;
DROP TABLE IF EXISTS stop_delays;
DROP TABLE IF EXISTS stop_distances;
`)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(psqlSchema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &PSQLStorage{
		db: db,
	}, nil
}

func (s *PSQLStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PSQLStorage) GetWriter() (FeedWriter, error) {
	return &PSQLFeedWriter{db: s.db}, nil
}

func (s *PSQLStorage) GetReader() (FeedReader, error) {
	return &PSQLFeedReader{db: s.db}, nil
}

// Replaces all four static tables in one transaction, loading rows
// with COPY.
func (w *PSQLFeedWriter) Close() error {
	if w.closed {
		return fmt.Errorf("writer already closed")
	}
	w.closed = true

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`TRUNCATE stops, routes, trips, stop_times`)
	if err != nil {
		return fmt.Errorf("truncating static tables: %w", err)
	}

	err = copyIn(tx, "stops", []string{"stop_id", "stop_name", "stop_lat", "stop_lon"},
		len(w.stops), func(i int) []interface{} {
			st := w.stops[i]
			return []interface{}{st.ID, st.Name, st.Lat, st.Lon}
		})
	if err != nil {
		return err
	}

	err = copyIn(tx, "routes", []string{"route_id", "route_short_name", "route_long_name"},
		len(w.routes), func(i int) []interface{} {
			r := w.routes[i]
			return []interface{}{r.ID, r.ShortName, r.LongName}
		})
	if err != nil {
		return err
	}

	err = copyIn(tx, "trips", []string{"trip_id", "route_id", "service_id", "trip_headsign"},
		len(w.trips), func(i int) []interface{} {
			t := w.trips[i]
			return []interface{}{t.ID, t.RouteID, t.ServiceID, t.Headsign}
		})
	if err != nil {
		return err
	}

	err = copyIn(tx, "stop_times", []string{
		"trip_id", "stop_id", "stop_sequence", "arrival_time", "departure_time", "shape_dist_traveled",
	}, len(w.stopTimes), func(i int) []interface{} {
		st := w.stopTimes[i]
		return []interface{}{st.TripID, st.StopID, int64(st.StopSequence), st.Arrival, st.Departure, st.ShapeDistTraveled}
	})
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	w.stops, w.routes, w.trips, w.stopTimes = nil, nil, nil, nil

	return nil
}

func copyIn(tx *sql.Tx, table string, columns []string, n int, row func(i int) []interface{}) error {
	if n == 0 {
		return nil
	}

	stmt, err := tx.Prepare(pq.CopyIn(table, columns...))
	if err != nil {
		return fmt.Errorf("preparing COPY %s: %w", table, err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		_, err = stmt.Exec(row(i)...)
		if err != nil {
			return fmt.Errorf("COPY %s: %w", table, err)
		}
	}

	_, err = stmt.Exec()
	if err != nil {
		return fmt.Errorf("flushing COPY %s: %w", table, err)
	}

	return nil
}

func (r *PSQLFeedReader) Stops() ([]*model.Stop, error) {
	rows, err := r.db.Query(`
SELECT stop_id, COALESCE(stop_name, ''), COALESCE(stop_lat, 0), COALESCE(stop_lon, 0)
FROM stops
ORDER BY stop_id`)
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	stops := []*model.Stop{}
	for rows.Next() {
		stop := &model.Stop{}
		err := rows.Scan(&stop.ID, &stop.Name, &stop.Lat, &stop.Lon)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stops = append(stops, stop)
	}

	return stops, rows.Err()
}

func (r *PSQLFeedReader) Routes() ([]*model.Route, error) {
	rows, err := r.db.Query(`
SELECT route_id, COALESCE(route_short_name, ''), COALESCE(route_long_name, '')
FROM routes
ORDER BY route_id`)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	defer rows.Close()

	routes := []*model.Route{}
	for rows.Next() {
		route := &model.Route{}
		err := rows.Scan(&route.ID, &route.ShortName, &route.LongName)
		if err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		routes = append(routes, route)
	}

	return routes, rows.Err()
}

func (r *PSQLFeedReader) Trips() ([]*model.Trip, error) {
	rows, err := r.db.Query(`
SELECT trip_id, COALESCE(route_id, ''), COALESCE(service_id, ''), COALESCE(trip_headsign, '')
FROM trips
ORDER BY trip_id`)
	if err != nil {
		return nil, fmt.Errorf("querying trips: %w", err)
	}
	defer rows.Close()

	trips := []*model.Trip{}
	for rows.Next() {
		trip := &model.Trip{}
		err := rows.Scan(&trip.ID, &trip.RouteID, &trip.ServiceID, &trip.Headsign)
		if err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		trips = append(trips, trip)
	}

	return trips, rows.Err()
}

func (r *PSQLFeedReader) StopTimes() ([]*model.StopTime, error) {
	rows, err := r.db.Query(`
SELECT trip_id, stop_id, stop_sequence, COALESCE(arrival_time, ''), COALESCE(departure_time, ''), COALESCE(shape_dist_traveled, 0)
FROM stop_times
ORDER BY trip_id, stop_sequence`)
	if err != nil {
		return nil, fmt.Errorf("querying stop_times: %w", err)
	}
	defer rows.Close()

	stopTimes := []*model.StopTime{}
	for rows.Next() {
		st := &model.StopTime{}
		var seq int64
		err := rows.Scan(&st.TripID, &st.StopID, &seq, &st.Arrival, &st.Departure, &st.ShapeDistTraveled)
		if err != nil {
			return nil, fmt.Errorf("scanning stop_time: %w", err)
		}
		st.StopSequence = uint32(seq)
		stopTimes = append(stopTimes, st)
	}

	return stopTimes, rows.Err()
}

func (s *PSQLStorage) WriteVehiclePositions(positions []model.VehiclePosition) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
INSERT INTO realtime_vehicle_positions (
    timestamp, route_id, trip_id, stop_id, latitude, longitude, bus_id, vehicle_label
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (bus_id, timestamp) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("preparing vehicle position insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, vp := range positions {
		res, err := stmt.Exec(
			vp.Timestamp.UTC(),
			nullString(vp.RouteID),
			nullString(vp.TripID),
			nullString(vp.StopID),
			vp.Lat,
			vp.Lon,
			vp.BusID,
			nullString(vp.VehicleLabel),
		)
		if err != nil {
			return 0, fmt.Errorf("inserting vehicle position for bus %s: %w", vp.BusID, err)
		}
		n, err := res.RowsAffected()
		if err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}

	return inserted, nil
}

func (s *PSQLStorage) LatestBusForTrip(tripID string) (string, error) {
	var busID string
	err := s.db.QueryRow(`
SELECT bus_id FROM realtime_vehicle_positions
WHERE trip_id = $1
ORDER BY timestamp DESC
LIMIT 1`, tripID).Scan(&busID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying latest bus for trip %s: %w", tripID, err)
	}
	return busID, nil
}

func (s *PSQLStorage) UpsertStopDelays(delays []model.StopDelay) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
INSERT INTO stop_delays (
    trip_id, stop_id, route_id, stop_sequence, actual_arrival, actual_arrival_local,
    scheduled_arrival, delay_seconds, bus_id, last_updated
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (trip_id, stop_id) DO UPDATE SET
    actual_arrival = excluded.actual_arrival,
    actual_arrival_local = excluded.actual_arrival_local,
    scheduled_arrival = excluded.scheduled_arrival,
    delay_seconds = excluded.delay_seconds,
    bus_id = excluded.bus_id`)
	if err != nil {
		return fmt.Errorf("preparing stop delay upsert: %w", err)
	}
	defer stmt.Close()

	for _, d := range delays {
		arrival := sql.NullTime{}
		if d.ActualArrival != nil {
			arrival = sql.NullTime{Time: d.ActualArrival.UTC(), Valid: true}
		}
		delay := sql.NullInt32{}
		if d.DelaySeconds != nil {
			delay = sql.NullInt32{Int32: *d.DelaySeconds, Valid: true}
		}
		_, err = stmt.Exec(
			d.TripID,
			d.StopID,
			nullString(d.RouteID),
			int64(d.StopSequence),
			arrival,
			nullString(d.ActualArrivalLocal),
			nullString(d.ScheduledArrival),
			delay,
			nullString(d.BusID),
			d.LastUpdated.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upserting stop delay (%s, %s): %w", d.TripID, d.StopID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func (s *PSQLStorage) ListStopDelays(filter StopDelayFilter) ([]model.StopDelay, error) {
	query := `
SELECT
    trip_id,
    stop_id,
    COALESCE(route_id, ''),
    COALESCE(stop_sequence, 0),
    actual_arrival,
    COALESCE(actual_arrival_local, ''),
    COALESCE(scheduled_arrival, ''),
    delay_seconds,
    COALESCE(bus_id, ''),
    last_updated
FROM stop_delays`

	conditions := []string{}
	params := []interface{}{}
	paramCount := 1

	if filter.TripID != "" {
		conditions = append(conditions, fmt.Sprintf("trip_id = $%d", paramCount))
		params = append(params, filter.TripID)
		paramCount++
	}
	if filter.RouteID != "" {
		conditions = append(conditions, fmt.Sprintf("route_id = $%d", paramCount))
		params = append(params, filter.RouteID)
		paramCount++
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY trip_id, stop_sequence, stop_id"

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing stop delays: %w", err)
	}
	defer rows.Close()

	delays := []model.StopDelay{}
	for rows.Next() {
		var d model.StopDelay
		var seq int64
		var arrival sql.NullTime
		var delay sql.NullInt32
		err := rows.Scan(
			&d.TripID,
			&d.StopID,
			&d.RouteID,
			&seq,
			&arrival,
			&d.ActualArrivalLocal,
			&d.ScheduledArrival,
			&delay,
			&d.BusID,
			&d.LastUpdated,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop delay: %w", err)
		}
		d.StopSequence = uint32(seq)
		d.LastUpdated = d.LastUpdated.UTC()
		if arrival.Valid {
			t := arrival.Time.UTC()
			d.ActualArrival = &t
		}
		if delay.Valid {
			v := delay.Int32
			d.DelaySeconds = &v
		}
		delays = append(delays, d)
	}

	return delays, rows.Err()
}

// Upserts all distances with a single statement over unnested
// arrays.
func (s *PSQLStorage) UpsertStopDistances(distances []model.StopDistance) error {
	if len(distances) == 0 {
		return nil
	}

	tripIDs := make([]string, len(distances))
	stopIDs := make([]string, len(distances))
	nextStopIDs := make([]string, len(distances))
	km := make([]float64, len(distances))
	for i, d := range distances {
		tripIDs[i] = d.TripID
		stopIDs[i] = d.StopID
		nextStopIDs[i] = d.NextStopID
		km[i] = d.DistanceKm
	}

	_, err := s.db.Exec(`
INSERT INTO stop_distances (trip_id, stop_id, next_stop_id, distance_km)
SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::double precision[])
ON CONFLICT (trip_id, stop_id, next_stop_id) DO UPDATE SET
    distance_km = excluded.distance_km`,
		pq.Array(tripIDs),
		pq.Array(stopIDs),
		pq.Array(nextStopIDs),
		pq.Array(km),
	)
	if err != nil {
		return fmt.Errorf("upserting stop distances: %w", err)
	}

	return nil
}

func (s *PSQLStorage) ListStopDistances(tripID string) ([]model.StopDistance, error) {
	query := `
SELECT trip_id, stop_id, next_stop_id, distance_km
FROM stop_distances`
	params := []interface{}{}
	if tripID != "" {
		query += " WHERE trip_id = $1"
		params = append(params, tripID)
	}
	query += " ORDER BY trip_id, stop_id, next_stop_id"

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing stop distances: %w", err)
	}
	defer rows.Close()

	distances := []model.StopDistance{}
	for rows.Next() {
		var d model.StopDistance
		err := rows.Scan(&d.TripID, &d.StopID, &d.NextStopID, &d.DistanceKm)
		if err != nil {
			return nil, fmt.Errorf("scanning stop distance: %w", err)
		}
		distances = append(distances, d)
	}

	return distances, rows.Err()
}
