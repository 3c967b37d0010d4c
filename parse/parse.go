package parse

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"

	"transitdelay.dev/gtfs/storage"
)

// Files making up a schedule snapshot, in the order they're parsed.
var RequiredFiles = []string{"routes.txt", "trips.txt", "stops.txt", "stop_times.txt"}

// Row counts for a parsed snapshot.
type StaticSummary struct {
	Routes    int
	Trips     int
	Stops     int
	StopTimes int
}

func init() {
	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})
}

// Parses the static files in a snapshot directory into writer.
//
// On success the writer is closed, replacing the stored schedule. On
// failure it is aborted and the stored schedule is left untouched.
func ParseStatic(writer storage.FeedWriter, dir string) (*StaticSummary, error) {
	summary, err := parseStatic(writer, dir)
	if err != nil {
		writer.Abort()
		return nil, err
	}

	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("closing feed writer: %w", err)
	}

	return summary, nil
}

func parseStatic(writer storage.FeedWriter, dir string) (*StaticSummary, error) {
	file := map[string]*os.File{}
	defer func() {
		for _, f := range file {
			f.Close()
		}
	}()

	for _, name := range RequiredFiles {
		f, err := os.Open(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("missing %s", name)
		}
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		file[name] = f
	}

	// Parse routes.txt. Extract route IDs in the process.
	routes, err := ParseRoutes(writer, file["routes.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing routes.txt: %w", err)
	}

	// Parse trips.txt. Extract trip IDs in the process.
	trips, err := ParseTrips(writer, file["trips.txt"], routes)
	if err != nil {
		return nil, fmt.Errorf("parsing trips.txt: %w", err)
	}

	// Parse stops.txt. Extract stop IDs in the process.
	stops, err := ParseStops(writer, file["stops.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing stops.txt: %w", err)
	}

	// And finally stop_times.txt.
	stopTimes, err := ParseStopTimes(writer, file["stop_times.txt"], trips, stops)
	if err != nil {
		return nil, fmt.Errorf("parsing stop_times.txt: %w", err)
	}

	return &StaticSummary{
		Routes:    len(routes),
		Trips:     len(trips),
		Stops:     len(stops),
		StopTimes: stopTimes,
	}, nil
}
