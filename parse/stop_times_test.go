package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdelay.dev/gtfs/model"
	"transitdelay.dev/gtfs/storage"
)

func TestParseStopTimes(t *testing.T) {
	for _, tc := range []struct {
		name      string
		content   string
		trips     map[string]bool
		stops     map[string]bool
		err       bool
		stopTimes []*model.StopTime
	}{
		{
			"minimal",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t,10:00:00,10:00:01,s,1`,
			map[string]bool{"t": true},
			map[string]bool{"s": true},
			false,
			[]*model.StopTime{
				{TripID: "t", Arrival: "10:00:00", Departure: "10:00:01", StopID: "s", StopSequence: 1},
			},
		},

		{
			"all_fields_set_and_multiple_records",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence,shape_dist_traveled
t,10:00:02,10:00:03,s2,2,0.5
t,10:00:00,10:00:01,s1,1,0`,
			map[string]bool{"t": true},
			map[string]bool{"s1": true, "s2": true},
			false,
			[]*model.StopTime{
				{TripID: "t", Arrival: "10:00:00", Departure: "10:00:01", StopID: "s1", StopSequence: 1},
				{TripID: "t", Arrival: "10:00:02", Departure: "10:00:03", StopID: "s2", StopSequence: 2, ShapeDistTraveled: 0.5},
			},
		},

		{
			"times above 24h and unpadded hours",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t,25:00:00,25:00:01,s,1
t,7:05:00,7:05:00,s2,2`,
			map[string]bool{"t": true},
			map[string]bool{"s": true, "s2": true},
			false,
			[]*model.StopTime{
				{TripID: "t", Arrival: "25:00:00", Departure: "25:00:01", StopID: "s", StopSequence: 1},
				{TripID: "t", Arrival: "07:05:00", Departure: "07:05:00", StopID: "s2", StopSequence: 2},
			},
		},

		{
			"untimed stop",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t,,,s,1`,
			map[string]bool{"t": true},
			map[string]bool{"s": true},
			false,
			[]*model.StopTime{
				{TripID: "t", StopID: "s", StopSequence: 1},
			},
		},

		{
			"missing trip_id",
			`
arrival_time,departure_time,stop_id,stop_sequence
10:00:00,10:00:01,s,1`,
			nil, nil, true, nil,
		},

		{
			"missing stop_id",
			`
trip_id,arrival_time,departure_time,stop_sequence
t,10:00:00,10:00:01,1`,
			map[string]bool{"t": true},
			map[string]bool{"s": true},
			true,
			nil,
		},

		{
			"unknown trip",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t,10:00:00,10:00:01,s,1`,
			map[string]bool{"t2": true},
			map[string]bool{"s": true},
			true,
			nil,
		},

		{
			"unknown stop",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t,10:00:00,10:00:01,s,1`,
			map[string]bool{"t": true},
			map[string]bool{"s2": true},
			true,
			nil,
		},

		{
			"duplicate stop on trip",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t,10:00:00,10:00:01,s,1
t,10:10:00,10:10:01,s,2`,
			map[string]bool{"t": true},
			map[string]bool{"s": true},
			true,
			nil,
		},

		{
			"duplicate stop_sequence",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t,10:00:00,10:00:01,s1,1
t,10:10:00,10:10:01,s2,1`,
			map[string]bool{"t": true},
			map[string]bool{"s1": true, "s2": true},
			true,
			nil,
		},

		{
			"invalid arrival_time",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t,10:00:derp,10:00:01,s,1`,
			map[string]bool{"t": true},
			map[string]bool{"s": true},
			true,
			nil,
		},

		{
			"invalid departure_time",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t,10:00:00,10:61:00,s,1`,
			map[string]bool{"t": true},
			map[string]bool{"s": true},
			true,
			nil,
		},

		{
			"invalid shape_dist_traveled",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence,shape_dist_traveled
t,10:00:00,10:00:01,s,1,far`,
			map[string]bool{"t": true},
			map[string]bool{"s": true},
			true,
			nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := storage.NewMemoryStorage()
			writer, err := s.GetWriter()
			require.NoError(t, err)

			n, err := ParseStopTimes(
				writer,
				bytes.NewBufferString(tc.content),
				tc.trips,
				tc.stops,
			)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, writer.Close())
			assert.Equal(t, len(tc.stopTimes), n)

			reader, err := s.GetReader()
			require.NoError(t, err)
			stopTimes, err := reader.StopTimes()
			require.NoError(t, err)
			assert.Equal(t, tc.stopTimes, stopTimes)
		})
	}
}
