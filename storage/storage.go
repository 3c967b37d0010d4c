package storage

import (
	"transitdelay.dev/gtfs/model"
)

// Storage holds the active static schedule, the vehicle position log
// and the derived delay and distance tables.
//
// Each write method applies its whole batch in a single transaction:
// readers observe all of it or none of it.
type Storage interface {
	// Gets a writer that replaces the static schedule. Nothing
	// is visible to readers until the writer is closed.
	GetWriter() (FeedWriter, error)

	// Gets a reader for the static schedule currently stored.
	GetReader() (FeedReader, error)

	// Appends vehicle positions. Rows whose (bus_id, timestamp)
	// already exists are left untouched. Returns the number of
	// rows inserted.
	WriteVehiclePositions(positions []model.VehiclePosition) (int, error)

	// Bus ID of the most recent vehicle position recorded for the
	// trip, or "" if there is none.
	LatestBusForTrip(tripID string) (string, error)

	// Inserts or updates stop delays keyed by (trip_id,
	// stop_id). On conflict only the arrival, delay, bus and
	// scheduled arrival fields are replaced.
	UpsertStopDelays(delays []model.StopDelay) error

	// Retrieves stop delays matching the filter, ordered by
	// trip_id and stop_sequence.
	ListStopDelays(filter StopDelayFilter) ([]model.StopDelay, error)

	// Inserts or updates stop distances keyed by (trip_id,
	// stop_id, next_stop_id).
	UpsertStopDistances(distances []model.StopDistance) error

	// Retrieves stop distances, optionally for a single trip,
	// ordered by trip_id, stop_id and next_stop_id.
	ListStopDistances(tripID string) ([]model.StopDistance, error)

	Close() error
}

type StopDelayFilter struct {
	// If set, only include delays for the given trip.
	TripID string

	// If set, only include delays for the given route.
	RouteID string
}

// Writes a full static schedule.
//
// Close() commits: the stops, routes, trips and stop_times tables
// are replaced wholesale in one transaction. Abort() discards
// everything written and leaves the previous schedule in place.
type FeedWriter interface {
	WriteStop(stop *model.Stop) error
	WriteRoute(route *model.Route) error
	WriteTrip(trip *model.Trip) error
	WriteStopTime(stopTime *model.StopTime) error
	Close() error
	Abort() error
}

type FeedReader interface {
	Stops() ([]*model.Stop, error)
	Routes() ([]*model.Route, error)
	Trips() ([]*model.Trip, error)

	// All stop_times, ordered by trip_id and stop_sequence.
	StopTimes() ([]*model.StopTime, error)
}

// Buffers a static schedule until commit. Shared by the writer
// implementations.
type feedBuffer struct {
	stops     []*model.Stop
	routes    []*model.Route
	trips     []*model.Trip
	stopTimes []*model.StopTime
	closed    bool
}

func (b *feedBuffer) WriteStop(stop *model.Stop) error {
	s := *stop
	b.stops = append(b.stops, &s)
	return nil
}

func (b *feedBuffer) WriteRoute(route *model.Route) error {
	r := *route
	b.routes = append(b.routes, &r)
	return nil
}

func (b *feedBuffer) WriteTrip(trip *model.Trip) error {
	t := *trip
	b.trips = append(b.trips, &t)
	return nil
}

func (b *feedBuffer) WriteStopTime(stopTime *model.StopTime) error {
	st := *stopTime
	b.stopTimes = append(b.stopTimes, &st)
	return nil
}

func (b *feedBuffer) Abort() error {
	b.stops, b.routes, b.trips, b.stopTimes = nil, nil, nil, nil
	b.closed = true
	return nil
}
