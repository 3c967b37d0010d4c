package parse

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdelay.dev/gtfs/model"
	"transitdelay.dev/gtfs/storage"
)

func writeDir(t *testing.T, files map[string][]string) string {
	dir := t.TempDir()
	for filename, content := range files {
		err := os.WriteFile(
			filepath.Join(dir, filename),
			[]byte(strings.Join(content, "\n")),
			0644,
		)
		require.NoError(t, err)
	}
	return dir
}

// A simple snapshot with all required data
func fixtureSimple() map[string][]string {
	return map[string][]string{
		"routes.txt": []string{
			"route_id,route_short_name,route_long_name",
			"r,R,Long R",
		},
		"trips.txt": []string{
			"route_id,service_id,trip_id,trip_headsign",
			"r,weekdays,t,Downtown",
		},
		"stops.txt": []string{
			"stop_id,stop_name,stop_lat,stop_lon",
			"s1,S1,49.28,-123.12",
			"s2,S2,49.29,-123.13",
		},
		"stop_times.txt": []string{
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence,shape_dist_traveled",
			"t,12:00:00,12:00:30,s1,1,0",
			"t,12:05:00,12:05:00,s2,2,1.25",
		},
	}
}

func TestParseValidSnapshot(t *testing.T) {
	s := storage.NewMemoryStorage()
	writer, err := s.GetWriter()
	require.NoError(t, err)

	summary, err := ParseStatic(writer, writeDir(t, fixtureSimple()))
	require.NoError(t, err)
	assert.Equal(t, &StaticSummary{Routes: 1, Trips: 1, Stops: 2, StopTimes: 2}, summary)

	reader, err := s.GetReader()
	require.NoError(t, err)

	routes, err := reader.Routes()
	require.NoError(t, err)
	assert.Equal(t, []*model.Route{{ID: "r", ShortName: "R", LongName: "Long R"}}, routes)

	trips, err := reader.Trips()
	require.NoError(t, err)
	assert.Equal(t, []*model.Trip{{ID: "t", RouteID: "r", ServiceID: "weekdays", Headsign: "Downtown"}}, trips)

	stops, err := reader.Stops()
	require.NoError(t, err)
	assert.Equal(t, []*model.Stop{
		{ID: "s1", Name: "S1", Lat: 49.28, Lon: -123.12},
		{ID: "s2", Name: "S2", Lat: 49.29, Lon: -123.13},
	}, stops)

	stopTimes, err := reader.StopTimes()
	require.NoError(t, err)
	assert.Equal(t, []*model.StopTime{
		{TripID: "t", StopID: "s1", StopSequence: 1, Arrival: "12:00:00", Departure: "12:00:30"},
		{TripID: "t", StopID: "s2", StopSequence: 2, Arrival: "12:05:00", Departure: "12:05:00", ShapeDistTraveled: 1.25},
	}, stopTimes)
}

func TestParseMissingRequiredFile(t *testing.T) {
	for _, file := range RequiredFiles {
		s := storage.NewMemoryStorage()
		writer, err := s.GetWriter()
		require.NoError(t, err)

		files := fixtureSimple()
		delete(files, file)
		_, err = ParseStatic(writer, writeDir(t, files))
		assert.Error(t, err, "missing "+file)
	}
}

func TestParseBrokenFile(t *testing.T) {
	for _, file := range RequiredFiles {
		s := storage.NewMemoryStorage()

		// Previously loaded schedule must survive a broken one.
		writer, err := s.GetWriter()
		require.NoError(t, err)
		_, err = ParseStatic(writer, writeDir(t, fixtureSimple()))
		require.NoError(t, err)

		files := fixtureSimple()
		files[file][1] = "malformed"

		writer, err = s.GetWriter()
		require.NoError(t, err)
		_, err = ParseStatic(writer, writeDir(t, files))
		assert.Error(t, err, "malformed "+file)

		reader, err := s.GetReader()
		require.NoError(t, err)
		stopTimes, err := reader.StopTimes()
		require.NoError(t, err)
		assert.Equal(t, 2, len(stopTimes))
	}
}

func TestParseByteOrderMark(t *testing.T) {
	files := fixtureSimple()
	files["stops.txt"][0] = "\uFEFF" + files["stops.txt"][0]

	s := storage.NewMemoryStorage()
	writer, err := s.GetWriter()
	require.NoError(t, err)

	summary, err := ParseStatic(writer, writeDir(t, files))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Stops)
}
