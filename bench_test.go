package gtfs_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"transitdelay.dev/gtfs"
	"transitdelay.dev/gtfs/testutil"
)

// A schedule of trips*stops stop times, and a trip update feed
// reporting on every one of them.
func syntheticSchedule(trips, stops int) (map[string][]string, []testutil.TripUpdate) {
	files := testutil.SimpleSnapshot()
	files["trips.txt"] = files["trips.txt"][:1]
	files["stops.txt"] = files["stops.txt"][:1]
	files["stop_times.txt"] = files["stop_times.txt"][:1]

	for s := 0; s < stops; s++ {
		files["stops.txt"] = append(files["stops.txt"],
			fmt.Sprintf("S%d,Stop %d,%f,%f", s, s, 49.2+float64(s)*0.001, -123.1))
	}

	updates := []testutil.TripUpdate{}
	for t := 0; t < trips; t++ {
		tripID := fmt.Sprintf("T%d", t)
		files["trips.txt"] = append(files["trips.txt"], fmt.Sprintf("R99,wk,%s,", tripID))

		tu := testutil.TripUpdate{TripID: tripID, RouteID: "R99"}
		for s := 0; s < stops; s++ {
			arrival := fmt.Sprintf("%02d:%02d:00", 6+(t+s)/60, (t+s)%60)
			files["stop_times.txt"] = append(files["stop_times.txt"],
				fmt.Sprintf("%s,%s,%s,S%d,%d,", tripID, arrival, arrival, s, s+1))
			tu.Stops = append(tu.Stops, testutil.StopTimeUpdate{
				StopID:       fmt.Sprintf("S%d", s),
				StopSequence: uint32(s + 1),
				Delay:        testutil.Int32(int32(s)),
			})
		}
		updates = append(updates, tu)
	}

	return files, updates
}

func benchScheduleIndex(b *testing.B, backend string) {
	s := testutil.BuildStorage(b, backend)
	files, _ := syntheticSchedule(200, 30)
	loadSchedule(b, s, files)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		reader, err := s.GetReader()
		if err != nil {
			b.Fatal(err)
		}
		if _, err := gtfs.BuildScheduleIndex(reader); err != nil {
			b.Fatal(err)
		}
	}
}

func benchCorrelate(b *testing.B, backend string) {
	s := testutil.BuildStorage(b, backend)
	files, updates := syntheticSchedule(200, 30)
	loadSchedule(b, s, files)
	feed := testutil.BuildTripUpdates(b, uint64(time.Now().Unix()), updates)

	c := gtfs.NewCorrelator(s, time.UTC, nil)
	index := buildIndex(b, s)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := c.Correlate(context.Background(), feed, index); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkScheduleIndexMemory(b *testing.B) { benchScheduleIndex(b, "memory") }
func BenchmarkScheduleIndexSQLite(b *testing.B) { benchScheduleIndex(b, "sqlite") }
func BenchmarkCorrelateMemory(b *testing.B)     { benchCorrelate(b, "memory") }
func BenchmarkCorrelateSQLite(b *testing.B)     { benchCorrelate(b, "sqlite") }
