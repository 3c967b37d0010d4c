package parse

import (
	"errors"
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"

	"transitdelay.dev/gtfs/model"
	"transitdelay.dev/gtfs/testutil"
)

func TestParseRealtimeBadHeader(t *testing.T) {
	// This one's fine
	incrementality := gtfsproto.FeedHeader_FULL_DATASET
	data, err := proto.Marshal(&gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(1702473763),
		},
	})
	require.NoError(t, err)
	_, err = ParseTripUpdates(data)
	assert.NoError(t, err)

	// Unsupported version
	data, err = proto.Marshal(&gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("3.0"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(1702473763),
		},
	})
	require.NoError(t, err)
	_, err = ParseTripUpdates(data)
	assert.Error(t, err)
	_, err = ParseVehiclePositions(data)
	assert.Error(t, err)

	// Unsupported incrementality
	incrementality = gtfsproto.FeedHeader_DIFFERENTIAL
	data, err = proto.Marshal(&gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(1702473763),
		},
	})
	require.NoError(t, err)
	_, err = ParseTripUpdates(data)
	assert.Error(t, err)

	// Not protobuf at all
	_, err = ParseTripUpdates([]byte("<html>rate limited</html>"))
	assert.Error(t, err)
}

func TestParseTripUpdates(t *testing.T) {
	t0 := time.Date(2024, 2, 1, 16, 0, 0, 0, time.UTC)
	t1 := t0.Add(4 * time.Minute)

	data := testutil.BuildTripUpdates(t, 1706803200, []testutil.TripUpdate{
		{
			TripID:  "T1",
			RouteID: "R99",
			Stops: []testutil.StopTimeUpdate{
				{StopID: "S1", StopSequence: 1, Arrival: t0.Unix(), Delay: testutil.Int32(30)},
				{StopID: "S2", StopSequence: 2, Arrival: t1.Unix()},
				{StopID: "S3", StopSequence: 3, Delay: testutil.Int32(0)},
				{StopID: "S4", StopSequence: 4},
			},
		},
	})

	feed, err := ParseTripUpdates(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1706803200), feed.Timestamp)
	assert.Equal(t, 0, len(feed.Errors))
	require.Equal(t, 1, len(feed.Trips))

	tu := feed.Trips[0]
	assert.Equal(t, "T1", tu.TripID)
	assert.Equal(t, "R99", tu.RouteID)
	assert.Equal(t, []StopTimeUpdate{
		{StopID: "S1", StopSequence: 1, Arrival: &t0, Delay: testutil.Int32(30)},
		{StopID: "S2", StopSequence: 2, Arrival: &t1},
		{StopID: "S3", StopSequence: 3, Delay: testutil.Int32(0)},
		{StopID: "S4", StopSequence: 4},
	}, tu.Updates)
}

func TestParseTripUpdatesSkipsMalformedEntities(t *testing.T) {
	data, err := proto.Marshal(&gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		},
		Entity: []*gtfsproto.FeedEntity{
			// No trip descriptor
			{
				Id:         proto.String("no_trip"),
				TripUpdate: &gtfsproto.TripUpdate{},
			},
			// No trip_id
			{
				Id: proto.String("no_trip_id"),
				TripUpdate: &gtfsproto.TripUpdate{
					Trip: &gtfsproto.TripDescriptor{RouteId: proto.String("R99")},
				},
			},
			// A stop_time_update without stop_id
			{
				Id: proto.String("no_stop_id"),
				TripUpdate: &gtfsproto.TripUpdate{
					Trip: &gtfsproto.TripDescriptor{TripId: proto.String("T2")},
					StopTimeUpdate: []*gtfsproto.TripUpdate_StopTimeUpdate{
						{StopSequence: proto.Uint32(1)},
					},
				},
			},
			// Not a trip update
			{
				Id:    proto.String("alert"),
				Alert: &gtfsproto.Alert{},
			},
			// Fine
			{
				Id: proto.String("good"),
				TripUpdate: &gtfsproto.TripUpdate{
					Trip: &gtfsproto.TripDescriptor{TripId: proto.String("T1")},
					StopTimeUpdate: []*gtfsproto.TripUpdate_StopTimeUpdate{
						{
							StopId:               proto.String("S1"),
							ScheduleRelationship: gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED.Enum(),
						},
					},
				},
			},
		},
	})
	require.NoError(t, err)

	feed, err := ParseTripUpdates(data)
	require.NoError(t, err)

	assert.Equal(t, 1, feed.NumIgnored)
	require.Equal(t, 3, len(feed.Errors))
	for _, err := range feed.Errors {
		assert.True(t, errors.Is(err, ErrEntity))
	}

	require.Equal(t, 1, len(feed.Trips))
	assert.Equal(t, "good", feed.Trips[0].EntityID)
	assert.Equal(t, []StopTimeUpdate{
		{StopID: "S1", Type: StopTimeUpdateSkipped},
	}, feed.Trips[0].Updates)
}

func TestParseVehiclePositions(t *testing.T) {
	data := testutil.BuildVehiclePositions(t, 1706803200, []testutil.VehiclePosition{
		{
			VehicleID: "9501",
			Label:     "99 UBC",
			TripID:    "T1",
			RouteID:   "R99",
			StopID:    "S2",
			Timestamp: 1706803190,
			Lat:       49.25,
			Lon:       -123.5,
		},
		{VehicleID: "", TripID: "T2", Timestamp: 1706803190},
		{VehicleID: "9502", TripID: "T2"},
	})

	feed, err := ParseVehiclePositions(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1706803200), feed.Timestamp)
	assert.Equal(t, 2, len(feed.Errors))
	for _, err := range feed.Errors {
		assert.True(t, errors.Is(err, ErrEntity))
	}

	assert.Equal(t, []model.VehiclePosition{{
		BusID:        "9501",
		Timestamp:    time.Unix(1706803190, 0).UTC(),
		TripID:       "T1",
		StopID:       "S2",
		Lat:          49.25,
		Lon:          -123.5,
		RouteID:      "R99",
		VehicleLabel: "99 UBC",
	}}, feed.Positions)

	// Trip updates in the same feed are ignored
	tuFeed, err := ParseTripUpdates(data)
	require.NoError(t, err)
	assert.Equal(t, 3, tuFeed.NumIgnored)
	assert.Equal(t, 0, len(tuFeed.Trips))
}
