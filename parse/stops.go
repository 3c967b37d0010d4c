package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"transitdelay.dev/gtfs/model"
	"transitdelay.dev/gtfs/storage"
)

type StopCSV struct {
	ID   string  `csv:"stop_id"`
	Name string  `csv:"stop_name"`
	Lat  float64 `csv:"stop_lat"`
	Lon  float64 `csv:"stop_lon"`
	// Code          string `csv:"stop_code"`
	// ZoneID        string `csv:"zone_id"`
	// LocationType  int8   `csv:"location_type"`
	// ParentStation string `csv:"parent_station"`
}

func ParseStops(writer storage.FeedWriter, data io.Reader) (map[string]bool, error) {
	stopCsv := []*StopCSV{}
	if err := gocsv.Unmarshal(data, &stopCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling stops csv: %w", err)
	}

	stopIDs := map[string]bool{}
	for _, st := range stopCsv {
		if st.ID == "" {
			return nil, fmt.Errorf("empty stop_id")
		}
		if stopIDs[st.ID] {
			return nil, fmt.Errorf("repeated stop_id '%s'", st.ID)
		}
		stopIDs[st.ID] = true

		if st.Lat < -90 || st.Lat > 90 || st.Lon < -180 || st.Lon > 180 {
			return nil, fmt.Errorf("stop_id '%s' has invalid coordinates (%f, %f)", st.ID, st.Lat, st.Lon)
		}

		err := writer.WriteStop(&model.Stop{
			ID:   st.ID,
			Name: st.Name,
			Lat:  st.Lat,
			Lon:  st.Lon,
		})
		if err != nil {
			return nil, fmt.Errorf("writing stop '%s': %w", st.ID, err)
		}
	}

	return stopIDs, nil
}
