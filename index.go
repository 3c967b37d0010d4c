package gtfs

import (
	"fmt"

	"transitdelay.dev/gtfs/storage"
)

type indexKey struct {
	tripID string
	stopID string
}

// Read-only lookup of scheduled arrival by (trip_id, stop_id). Built
// from the stored schedule for a single run and discarded after.
type ScheduleIndex struct {
	arrivals map[indexKey]string
}

// Builds the index with one scan over all stop times.
func BuildScheduleIndex(reader storage.FeedReader) (*ScheduleIndex, error) {
	stopTimes, err := reader.StopTimes()
	if err != nil {
		return nil, fmt.Errorf("reading stop_times: %w", err)
	}

	idx := &ScheduleIndex{
		arrivals: make(map[indexKey]string, len(stopTimes)),
	}
	for _, st := range stopTimes {
		idx.arrivals[indexKey{st.TripID, st.StopID}] = st.Arrival
	}

	return idx, nil
}

// Scheduled arrival, in GTFS HH:MM:SS form. The second return value
// is false if the stop time is unknown or has no arrival time.
func (idx *ScheduleIndex) Lookup(tripID, stopID string) (string, bool) {
	arrival := idx.arrivals[indexKey{tripID, stopID}]
	return arrival, arrival != ""
}

// Number of stop times indexed.
func (idx *ScheduleIndex) Len() int {
	return len(idx.arrivals)
}
