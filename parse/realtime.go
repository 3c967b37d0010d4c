package parse

import (
	"errors"
	"fmt"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"transitdelay.dev/gtfs/model"
)

// Wrapped by every per-entity decode error.
var ErrEntity = errors.New("malformed feed entity")

type StopTimeUpdateScheduleRelationship int

const (
	StopTimeUpdateScheduled StopTimeUpdateScheduleRelationship = iota
	StopTimeUpdateSkipped
	StopTimeUpdateNoData
	StopTimeUpdateUnscheduled
)

// A single stop_time_update. Arrival and Delay are nil when the feed
// leaves them out.
type StopTimeUpdate struct {
	StopID       string
	StopSequence uint32
	Arrival      *time.Time
	Delay        *int32
	Type         StopTimeUpdateScheduleRelationship
}

type TripUpdate struct {
	EntityID string
	TripID   string
	RouteID  string
	Updates  []StopTimeUpdate
}

// Trip updates decoded from one feed pull.
type TripUpdateFeed struct {
	Timestamp uint64
	Trips     []*TripUpdate

	// One error per skipped entity, each wrapping ErrEntity.
	Errors []error

	// Entities carrying no trip update.
	NumIgnored int
}

type VehiclePositionFeed struct {
	Timestamp  uint64
	Positions  []model.VehiclePosition
	Errors     []error
	NumIgnored int
}

func entityError(entity *gtfsproto.FeedEntity, format string, args ...interface{}) error {
	return fmt.Errorf("%w: entity '%s': %s", ErrEntity, entity.GetId(), fmt.Sprintf(format, args...))
}

// Unmarshals a feed and validates its header.
func decodeFeed(data []byte) (*gtfsproto.FeedMessage, error) {
	f := &gtfsproto.FeedMessage{}
	err := proto.Unmarshal(data, f)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling protobuf: %w", err)
	}

	header := f.GetHeader()

	version := header.GetGtfsRealtimeVersion()
	if version != "2.0" && version != "1.0" {
		return nil, fmt.Errorf("version %s not supported", version)
	}

	if header.GetIncrementality() != gtfsproto.FeedHeader_FULL_DATASET {
		return nil, fmt.Errorf("feed incrementality %s not supported", header.GetIncrementality())
	}

	return f, nil
}

// Decodes the trip updates in a GTFS-realtime feed.
//
// An error is returned only if the feed as a whole can't be
// decoded. Malformed entities are skipped and reported in Errors.
func ParseTripUpdates(data []byte) (*TripUpdateFeed, error) {
	f, err := decodeFeed(data)
	if err != nil {
		return nil, err
	}

	feed := &TripUpdateFeed{
		Timestamp: f.GetHeader().GetTimestamp(),
		Trips:     []*TripUpdate{},
	}

	for _, entity := range f.GetEntity() {
		if entity.TripUpdate == nil {
			feed.NumIgnored++
			continue
		}

		tu, err := parseTripUpdate(entity)
		if err != nil {
			feed.Errors = append(feed.Errors, err)
			continue
		}
		feed.Trips = append(feed.Trips, tu)
	}

	return feed, nil
}

func parseTripUpdate(entity *gtfsproto.FeedEntity) (*TripUpdate, error) {
	trip := entity.TripUpdate.GetTrip()
	if trip == nil {
		return nil, entityError(entity, "trip_update missing trip")
	}

	// Trips identified only by (route_id, direction_id,
	// start_time, start_date) can't be joined against
	// stop_times.
	if trip.GetTripId() == "" {
		return nil, entityError(entity, "trip_update missing trip_id")
	}

	tu := &TripUpdate{
		EntityID: entity.GetId(),
		TripID:   trip.GetTripId(),
		RouteID:  trip.GetRouteId(),
		Updates:  []StopTimeUpdate{},
	}

	for i, update := range entity.TripUpdate.GetStopTimeUpdate() {
		if update.GetStopId() == "" {
			return nil, entityError(entity, "stop_time_update %d missing stop_id", i)
		}

		stu := StopTimeUpdate{
			StopID:       update.GetStopId(),
			StopSequence: update.GetStopSequence(),
		}

		if arrival := update.GetArrival(); arrival != nil {
			if arrival.Time != nil && arrival.GetTime() != 0 {
				t := time.Unix(arrival.GetTime(), 0).UTC()
				stu.Arrival = &t
			}
			if arrival.Delay != nil {
				d := arrival.GetDelay()
				stu.Delay = &d
			}
		}

		switch update.GetScheduleRelationship() {
		case gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED:
			stu.Type = StopTimeUpdateScheduled
		case gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED:
			stu.Type = StopTimeUpdateSkipped
		case gtfsproto.TripUpdate_StopTimeUpdate_NO_DATA:
			stu.Type = StopTimeUpdateNoData
		case gtfsproto.TripUpdate_StopTimeUpdate_UNSCHEDULED:
			stu.Type = StopTimeUpdateUnscheduled
		}

		tu.Updates = append(tu.Updates, stu)
	}

	return tu, nil
}

// Decodes the vehicle positions in a GTFS-realtime feed. Entities
// without a vehicle id or timestamp are skipped and reported in
// Errors.
func ParseVehiclePositions(data []byte) (*VehiclePositionFeed, error) {
	f, err := decodeFeed(data)
	if err != nil {
		return nil, err
	}

	feed := &VehiclePositionFeed{
		Timestamp: f.GetHeader().GetTimestamp(),
		Positions: []model.VehiclePosition{},
	}

	for _, entity := range f.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil {
			feed.NumIgnored++
			continue
		}

		busID := vp.GetVehicle().GetId()
		if busID == "" {
			feed.Errors = append(feed.Errors, entityError(entity, "vehicle missing id"))
			continue
		}
		if vp.GetTimestamp() == 0 {
			feed.Errors = append(feed.Errors, entityError(entity, "vehicle '%s' missing timestamp", busID))
			continue
		}

		feed.Positions = append(feed.Positions, model.VehiclePosition{
			BusID:        busID,
			Timestamp:    time.Unix(int64(vp.GetTimestamp()), 0).UTC(),
			TripID:       vp.GetTrip().GetTripId(),
			RouteID:      vp.GetTrip().GetRouteId(),
			StopID:       vp.GetStopId(),
			Lat:          float64(vp.GetPosition().GetLatitude()),
			Lon:          float64(vp.GetPosition().GetLongitude()),
			VehicleLabel: vp.GetVehicle().GetLabel(),
		})
	}

	return feed, nil
}
