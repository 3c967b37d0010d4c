package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"transitdelay.dev/gtfs/model"
)

type SQLiteConfig struct {
	OnDisk bool

	// Path to the database file when OnDisk is set. If blank,
	// gtfs.db in Directory is used.
	Path      string
	Directory string
}

type SQLiteStorage struct {
	SQLiteConfig

	db *sql.DB
}

type SQLiteFeedWriter struct {
	feedBuffer
	db *sql.DB
}

type SQLiteFeedReader struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stops (
    stop_id TEXT PRIMARY KEY,
    stop_name TEXT,
    stop_lat REAL,
    stop_lon REAL
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
    shape_dist_traveled REAL,
    PRIMARY KEY (trip_id, stop_id)
);
CREATE INDEX IF NOT EXISTS idx_stop_times_trip_seq ON stop_times (trip_id, stop_sequence);

CREATE TABLE IF NOT EXISTS realtime_vehicle_positions (
    timestamp TEXT,
    route_id TEXT,
    trip_id TEXT,
    stop_id TEXT,
    latitude REAL,
    longitude REAL,
    bus_id TEXT,
    vehicle_label TEXT,
    PRIMARY KEY (bus_id, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_vehicle_positions_trip ON realtime_vehicle_positions (trip_id, timestamp);

CREATE TABLE IF NOT EXISTS stop_delays (
    trip_id TEXT,
    stop_id TEXT,
    route_id TEXT,
    stop_sequence INTEGER,
    actual_arrival TEXT,
    actual_arrival_local TEXT,
    scheduled_arrival TEXT,
    delay_seconds INTEGER,
    bus_id TEXT,
    last_updated TEXT,
    PRIMARY KEY (trip_id, stop_id)
);

CREATE TABLE IF NOT EXISTS stop_distances (
    trip_id TEXT,
    stop_id TEXT,
    next_stop_id TEXT,
    distance_km REAL,
    PRIMARY KEY (trip_id, stop_id, next_stop_id)
);
`

// Creates a SQLite backed Storage. By default the database lives in
// memory; pass an SQLiteConfig with OnDisk set to persist it.
func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	config := SQLiteConfig{}
	if len(cfg) > 0 {
		config = cfg[0]
	}

	sourceName := ":memory:"
	if config.OnDisk {
		sourceName = config.Path
		if sourceName == "" {
			sourceName = filepath.Join(config.Directory, "gtfs.db")
		}
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(sqliteSchema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &SQLiteStorage{
		SQLiteConfig: config,
		db:           db,
	}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) GetWriter() (FeedWriter, error) {
	return &SQLiteFeedWriter{db: s.db}, nil
}

func (s *SQLiteStorage) GetReader() (FeedReader, error) {
	return &SQLiteFeedReader{db: s.db}, nil
}

func (f *SQLiteFeedWriter) Close() error {
	if f.closed {
		return fmt.Errorf("writer already closed")
	}
	f.closed = true

	tx, err := f.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	for _, table := range []string{"stops", "routes", "trips", "stop_times"} {
		_, err = tx.Exec("DELETE FROM " + table)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	err = execBatch(tx, `
INSERT INTO stops (stop_id, stop_name, stop_lat, stop_lon)
VALUES (?, ?, ?, ?)`, len(f.stops), func(i int) []interface{} {
		st := f.stops[i]
		return []interface{}{st.ID, st.Name, st.Lat, st.Lon}
	})
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting stops: %w", err)
	}

	err = execBatch(tx, `
INSERT INTO routes (route_id, route_short_name, route_long_name)
VALUES (?, ?, ?)`, len(f.routes), func(i int) []interface{} {
		r := f.routes[i]
		return []interface{}{r.ID, r.ShortName, r.LongName}
	})
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting routes: %w", err)
	}

	err = execBatch(tx, `
INSERT INTO trips (trip_id, route_id, service_id, trip_headsign)
VALUES (?, ?, ?, ?)`, len(f.trips), func(i int) []interface{} {
		t := f.trips[i]
		return []interface{}{t.ID, t.RouteID, t.ServiceID, t.Headsign}
	})
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting trips: %w", err)
	}

	err = execBatch(tx, `
INSERT INTO stop_times (trip_id, stop_id, stop_sequence, arrival_time, departure_time, shape_dist_traveled)
VALUES (?, ?, ?, ?, ?, ?)`, len(f.stopTimes), func(i int) []interface{} {
		st := f.stopTimes[i]
		return []interface{}{st.TripID, st.StopID, st.StopSequence, st.Arrival, st.Departure, st.ShapeDistTraveled}
	})
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting stop_times: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	f.stops, f.routes, f.trips, f.stopTimes = nil, nil, nil, nil

	return nil
}

// Runs a prepared statement once per row inside tx.
func execBatch(tx *sql.Tx, query string, n int, row func(i int) []interface{}) error {
	if n == 0 {
		return nil
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("preparing: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		_, err = stmt.Exec(row(i)...)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}

	return nil
}

func (f *SQLiteFeedReader) Stops() ([]*model.Stop, error) {
	rows, err := f.db.Query(`
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

func (f *SQLiteFeedReader) Routes() ([]*model.Route, error) {
	rows, err := f.db.Query(`
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

func (f *SQLiteFeedReader) Trips() ([]*model.Trip, error) {
	rows, err := f.db.Query(`
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

func (f *SQLiteFeedReader) StopTimes() ([]*model.StopTime, error) {
	rows, err := f.db.Query(`
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
		err := rows.Scan(
			&st.TripID,
			&st.StopID,
			&st.StopSequence,
			&st.Arrival,
			&st.Departure,
			&st.ShapeDistTraveled,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop_time: %w", err)
		}
		stopTimes = append(stopTimes, st)
	}

	return stopTimes, rows.Err()
}

func (s *SQLiteStorage) WriteVehiclePositions(positions []model.VehiclePosition) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
INSERT INTO realtime_vehicle_positions (
    timestamp, route_id, trip_id, stop_id, latitude, longitude, bus_id, vehicle_label
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (bus_id, timestamp) DO NOTHING`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("preparing vehicle position insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, vp := range positions {
		res, err := stmt.Exec(
			vp.Timestamp.UTC().Format(model.TimeLayout),
			nullString(vp.RouteID),
			nullString(vp.TripID),
			nullString(vp.StopID),
			vp.Lat,
			vp.Lon,
			vp.BusID,
			nullString(vp.VehicleLabel),
		)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("inserting vehicle position for bus %s: %w", vp.BusID, err)
		}
		n, err := res.RowsAffected()
		if err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	return inserted, nil
}

func (s *SQLiteStorage) LatestBusForTrip(tripID string) (string, error) {
	var busID string
	err := s.db.QueryRow(`
SELECT bus_id FROM realtime_vehicle_positions
WHERE trip_id = ?
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

func (s *SQLiteStorage) UpsertStopDelays(delays []model.StopDelay) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	err = execBatch(tx, `
INSERT INTO stop_delays (
    trip_id, stop_id, route_id, stop_sequence, actual_arrival, actual_arrival_local,
    scheduled_arrival, delay_seconds, bus_id, last_updated
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (trip_id, stop_id) DO UPDATE SET
    actual_arrival = excluded.actual_arrival,
    actual_arrival_local = excluded.actual_arrival_local,
    scheduled_arrival = excluded.scheduled_arrival,
    delay_seconds = excluded.delay_seconds,
    bus_id = excluded.bus_id`, len(delays), func(i int) []interface{} {
		d := delays[i]
		var arrival interface{}
		if d.ActualArrival != nil {
			arrival = d.ActualArrival.UTC().Format(model.TimeLayout)
		}
		var delay interface{}
		if d.DelaySeconds != nil {
			delay = *d.DelaySeconds
		}
		return []interface{}{
			d.TripID,
			d.StopID,
			nullString(d.RouteID),
			d.StopSequence,
			arrival,
			nullString(d.ActualArrivalLocal),
			nullString(d.ScheduledArrival),
			delay,
			nullString(d.BusID),
			d.LastUpdated.UTC().Format(model.TimeLayout),
		}
	})
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("upserting stop delays: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) ListStopDelays(filter StopDelayFilter) ([]model.StopDelay, error) {
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
    COALESCE(last_updated, '')
FROM stop_delays`

	conditions := []string{}
	params := []interface{}{}
	if filter.TripID != "" {
		conditions = append(conditions, "trip_id = ?")
		params = append(params, filter.TripID)
	}
	if filter.RouteID != "" {
		conditions = append(conditions, "route_id = ?")
		params = append(params, filter.RouteID)
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
		var arrival sql.NullString
		var delay sql.NullInt32
		var lastUpdated string
		err := rows.Scan(
			&d.TripID,
			&d.StopID,
			&d.RouteID,
			&d.StopSequence,
			&arrival,
			&d.ActualArrivalLocal,
			&d.ScheduledArrival,
			&delay,
			&d.BusID,
			&lastUpdated,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop delay: %w", err)
		}
		if arrival.Valid {
			t, err := time.ParseInLocation(model.TimeLayout, arrival.String, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("parsing actual_arrival '%s': %w", arrival.String, err)
			}
			d.ActualArrival = &t
		}
		if delay.Valid {
			v := delay.Int32
			d.DelaySeconds = &v
		}
		if lastUpdated != "" {
			d.LastUpdated, err = time.ParseInLocation(model.TimeLayout, lastUpdated, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("parsing last_updated '%s': %w", lastUpdated, err)
			}
		}
		delays = append(delays, d)
	}

	return delays, rows.Err()
}

func (s *SQLiteStorage) UpsertStopDistances(distances []model.StopDistance) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	err = execBatch(tx, `
INSERT INTO stop_distances (trip_id, stop_id, next_stop_id, distance_km)
VALUES (?, ?, ?, ?)
ON CONFLICT (trip_id, stop_id, next_stop_id) DO UPDATE SET
    distance_km = excluded.distance_km`, len(distances), func(i int) []interface{} {
		d := distances[i]
		return []interface{}{d.TripID, d.StopID, d.NextStopID, d.DistanceKm}
	})
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("upserting stop distances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) ListStopDistances(tripID string) ([]model.StopDistance, error) {
	query := `
SELECT trip_id, stop_id, next_stop_id, distance_km
FROM stop_distances`
	params := []interface{}{}
	if tripID != "" {
		query += " WHERE trip_id = ?"
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

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
