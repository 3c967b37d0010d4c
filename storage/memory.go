package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"transitdelay.dev/gtfs/model"
)

// In memory implementation of Storage below

type memoryStopTimeKey struct {
	TripID string
	StopID string
}

type memoryPositionKey struct {
	BusID     string
	Timestamp time.Time
}

type memoryDistanceKey struct {
	TripID     string
	StopID     string
	NextStopID string
}

type MemoryStorage struct {
	mutex sync.Mutex

	stops     []*model.Stop
	routes    []*model.Route
	trips     []*model.Trip
	stopTimes []*model.StopTime

	positions map[memoryPositionKey]model.VehiclePosition
	delays    map[memoryStopTimeKey]model.StopDelay
	distances map[memoryDistanceKey]model.StopDistance
}

type MemoryFeedWriter struct {
	feedBuffer
	s *MemoryStorage
}

type MemoryFeedReader struct {
	s *MemoryStorage
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		positions: map[memoryPositionKey]model.VehiclePosition{},
		delays:    map[memoryStopTimeKey]model.StopDelay{},
		distances: map[memoryDistanceKey]model.StopDistance{},
	}
}

func (s *MemoryStorage) Close() error {
	return nil
}

func (s *MemoryStorage) GetWriter() (FeedWriter, error) {
	return &MemoryFeedWriter{s: s}, nil
}

func (s *MemoryStorage) GetReader() (FeedReader, error) {
	return &MemoryFeedReader{s: s}, nil
}

func (w *MemoryFeedWriter) Close() error {
	if w.closed {
		return fmt.Errorf("writer already closed")
	}
	w.closed = true

	// Same uniqueness rules as the SQL backends' primary keys.
	seen := map[memoryStopTimeKey]bool{}
	for _, st := range w.stopTimes {
		key := memoryStopTimeKey{st.TripID, st.StopID}
		if seen[key] {
			return fmt.Errorf("duplicate stop_time (%s, %s)", st.TripID, st.StopID)
		}
		seen[key] = true
	}

	stopTimes := append([]*model.StopTime{}, w.stopTimes...)
	sort.SliceStable(stopTimes, func(i, j int) bool {
		if stopTimes[i].TripID != stopTimes[j].TripID {
			return stopTimes[i].TripID < stopTimes[j].TripID
		}
		return stopTimes[i].StopSequence < stopTimes[j].StopSequence
	})

	w.s.mutex.Lock()
	defer w.s.mutex.Unlock()

	w.s.stops = w.stops
	w.s.routes = w.routes
	w.s.trips = w.trips
	w.s.stopTimes = stopTimes

	w.stops, w.routes, w.trips, w.stopTimes = nil, nil, nil, nil

	return nil
}

func (r *MemoryFeedReader) Stops() ([]*model.Stop, error) {
	r.s.mutex.Lock()
	defer r.s.mutex.Unlock()

	stops := []*model.Stop{}
	for _, st := range r.s.stops {
		s := *st
		stops = append(stops, &s)
	}
	sort.Slice(stops, func(i, j int) bool { return stops[i].ID < stops[j].ID })
	return stops, nil
}

func (r *MemoryFeedReader) Routes() ([]*model.Route, error) {
	r.s.mutex.Lock()
	defer r.s.mutex.Unlock()

	routes := []*model.Route{}
	for _, rt := range r.s.routes {
		route := *rt
		routes = append(routes, &route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })
	return routes, nil
}

func (r *MemoryFeedReader) Trips() ([]*model.Trip, error) {
	r.s.mutex.Lock()
	defer r.s.mutex.Unlock()

	trips := []*model.Trip{}
	for _, t := range r.s.trips {
		trip := *t
		trips = append(trips, &trip)
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i].ID < trips[j].ID })
	return trips, nil
}

func (r *MemoryFeedReader) StopTimes() ([]*model.StopTime, error) {
	r.s.mutex.Lock()
	defer r.s.mutex.Unlock()

	stopTimes := []*model.StopTime{}
	for _, st := range r.s.stopTimes {
		s := *st
		stopTimes = append(stopTimes, &s)
	}
	return stopTimes, nil
}

func (s *MemoryStorage) WriteVehiclePositions(positions []model.VehiclePosition) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	inserted := 0
	for _, vp := range positions {
		key := memoryPositionKey{vp.BusID, vp.Timestamp.UTC().Truncate(time.Second)}
		if _, found := s.positions[key]; found {
			continue
		}
		vp.Timestamp = key.Timestamp
		s.positions[key] = vp
		inserted++
	}

	return inserted, nil
}

func (s *MemoryStorage) LatestBusForTrip(tripID string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var latest *model.VehiclePosition
	for _, vp := range s.positions {
		if vp.TripID != tripID {
			continue
		}
		if latest == nil || vp.Timestamp.After(latest.Timestamp) {
			v := vp
			latest = &v
		}
	}

	if latest == nil {
		return "", nil
	}
	return latest.BusID, nil
}

func (s *MemoryStorage) UpsertStopDelays(delays []model.StopDelay) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, d := range delays {
		key := memoryStopTimeKey{d.TripID, d.StopID}

		if d.ActualArrival != nil {
			t := d.ActualArrival.UTC().Truncate(time.Second)
			d.ActualArrival = &t
		}
		if d.DelaySeconds != nil {
			v := *d.DelaySeconds
			d.DelaySeconds = &v
		}

		existing, found := s.delays[key]
		if !found {
			d.LastUpdated = d.LastUpdated.UTC().Truncate(time.Second)
			s.delays[key] = d
			continue
		}

		existing.ActualArrival = d.ActualArrival
		existing.ActualArrivalLocal = d.ActualArrivalLocal
		existing.ScheduledArrival = d.ScheduledArrival
		existing.DelaySeconds = d.DelaySeconds
		existing.BusID = d.BusID
		s.delays[key] = existing
	}

	return nil
}

func (s *MemoryStorage) ListStopDelays(filter StopDelayFilter) ([]model.StopDelay, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delays := []model.StopDelay{}
	for _, d := range s.delays {
		if filter.TripID != "" && d.TripID != filter.TripID {
			continue
		}
		if filter.RouteID != "" && d.RouteID != filter.RouteID {
			continue
		}
		delays = append(delays, d)
	}

	sort.Slice(delays, func(i, j int) bool {
		if delays[i].TripID != delays[j].TripID {
			return delays[i].TripID < delays[j].TripID
		}
		if delays[i].StopSequence != delays[j].StopSequence {
			return delays[i].StopSequence < delays[j].StopSequence
		}
		return delays[i].StopID < delays[j].StopID
	})

	return delays, nil
}

func (s *MemoryStorage) UpsertStopDistances(distances []model.StopDistance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, d := range distances {
		s.distances[memoryDistanceKey{d.TripID, d.StopID, d.NextStopID}] = d
	}

	return nil
}

func (s *MemoryStorage) ListStopDistances(tripID string) ([]model.StopDistance, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	distances := []model.StopDistance{}
	for _, d := range s.distances {
		if tripID != "" && d.TripID != tripID {
			continue
		}
		distances = append(distances, d)
	}

	sort.Slice(distances, func(i, j int) bool {
		a, b := distances[i], distances[j]
		if a.TripID != b.TripID {
			return a.TripID < b.TripID
		}
		if a.StopID != b.StopID {
			return a.StopID < b.StopID
		}
		return a.NextStopID < b.NextStopID
	})

	return distances, nil
}
