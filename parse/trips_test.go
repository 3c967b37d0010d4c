package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdelay.dev/gtfs/model"
	"transitdelay.dev/gtfs/storage"
)

func TestParseTrips(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		routes  map[string]bool
		trips   []*model.Trip
		err     bool
	}{
		{
			"minimal",
			`
trip_id,route_id,service_id
t,r,s`,
			map[string]bool{"r": true},
			[]*model.Trip{{ID: "t", RouteID: "r", ServiceID: "s"}},
			false,
		},

		{
			"with_headsign",
			`
trip_id,route_id,service_id,trip_headsign,direction_id
t2,r,s,UBC,0
t1,r,s,Downtown,1`,
			map[string]bool{"r": true},
			[]*model.Trip{
				{ID: "t1", RouteID: "r", ServiceID: "s", Headsign: "Downtown"},
				{ID: "t2", RouteID: "r", ServiceID: "s", Headsign: "UBC"},
			},
			false,
		},

		{
			"missing_trip_id",
			`
trip_id,route_id,service_id
,r,s`,
			map[string]bool{"r": true},
			nil,
			true,
		},

		{
			"repeated_trip_id",
			`
trip_id,route_id,service_id
t,r,s
t,r,s`,
			map[string]bool{"r": true},
			nil,
			true,
		},

		{
			"missing_route_id",
			`
trip_id,route_id,service_id
t,,s`,
			map[string]bool{"r": true},
			nil,
			true,
		},

		{
			"unknown_route_id",
			`
trip_id,route_id,service_id
t,r2,s`,
			map[string]bool{"r": true},
			nil,
			true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := storage.NewMemoryStorage()
			writer, err := s.GetWriter()
			require.NoError(t, err)

			tripIDs, err := ParseTrips(writer, bytes.NewBufferString(tc.content), tc.routes)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, writer.Close())
			assert.Equal(t, len(tc.trips), len(tripIDs))

			reader, err := s.GetReader()
			require.NoError(t, err)
			trips, err := reader.Trips()
			require.NoError(t, err)
			assert.Equal(t, tc.trips, trips)
		})
	}
}
