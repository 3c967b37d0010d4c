package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Holds all external facing types and constants.

// Timestamp layout used for arrival columns, both UTC and local.
const TimeLayout = "2006-01-02 15:04:05"

type Stop struct {
	ID   string
	Name string
	Lat  float64
	Lon  float64
}

type Route struct {
	ID        string
	ShortName string
	LongName  string
}

type Trip struct {
	ID        string
	RouteID   string
	ServiceID string
	Headsign  string
}

// A scheduled stop on a trip. Arrival and Departure are kept in GTFS
// "HH:MM:SS" form, where hours may exceed 23 for trips running past
// midnight.
type StopTime struct {
	TripID            string
	StopID            string
	StopSequence      uint32
	Arrival           string
	Departure         string
	ShapeDistTraveled float64
}

func (st *StopTime) ArrivalTime() (time.Duration, error) {
	return ParseGTFSTime(st.Arrival)
}

func (st *StopTime) DepartureTime() (time.Duration, error) {
	return ParseGTFSTime(st.Departure)
}

// Parses a GTFS "HH:MM:SS" string into an offset from service day
// start.
func ParseGTFSTime(s string) (time.Duration, error) {
	split := strings.Split(strings.TrimSpace(s), ":")
	if len(split) != 3 {
		return 0, fmt.Errorf("found %d parts in '%s'", len(split), s)
	}

	hms := [3]int{}
	for i, str := range split {
		j, err := strconv.Atoi(str)
		if err != nil {
			return 0, fmt.Errorf("non-integer in '%s' pos %d", s, i)
		}
		hms[i] = j
	}

	if hms[0] < 0 || hms[0] > 99 {
		return 0, fmt.Errorf("invalid hour in '%s'", s)
	}
	if hms[1] < 0 || hms[1] > 59 {
		return 0, fmt.Errorf("invalid minute in '%s'", s)
	}
	if hms[2] < 0 || hms[2] > 59 {
		return 0, fmt.Errorf("invalid second in '%s'", s)
	}

	return time.Duration(hms[0])*time.Hour +
		time.Duration(hms[1])*time.Minute +
		time.Duration(hms[2])*time.Second, nil
}

// One observation of a vehicle. (BusID, Timestamp) is unique; the
// most recent row for a trip identifies the bus currently assigned
// to it.
type VehiclePosition struct {
	BusID        string
	Timestamp    time.Time
	TripID       string
	StopID       string
	Lat          float64
	Lon          float64
	RouteID      string
	VehicleLabel string
}

// Latest known arrival and delay at a stop on a trip. Keyed by
// (TripID, StopID).
//
// Nil pointers and empty strings are stored as NULL. RouteID and
// StopSequence are fixed by the first write; later writes only
// replace the arrival, delay, bus and scheduled arrival fields.
type StopDelay struct {
	TripID             string
	StopID             string
	RouteID            string
	StopSequence       uint32
	ActualArrival      *time.Time
	ActualArrivalLocal string
	ScheduledArrival   string
	DelaySeconds       *int32
	BusID              string
	LastUpdated        time.Time
}

// Great-circle distance from a stop to the next stop on a trip.
type StopDistance struct {
	TripID     string
	StopID     string
	NextStopID string
	DistanceKm float64
}
