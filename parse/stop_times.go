package parse

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"transitdelay.dev/gtfs/model"
	"transitdelay.dev/gtfs/storage"
)

type StopTimeCSV struct {
	TripID            string `csv:"trip_id"`
	StopID            string `csv:"stop_id"`
	StopSequence      uint32 `csv:"stop_sequence"`
	ArrivalTime       string `csv:"arrival_time"`
	DepartureTime     string `csv:"departure_time"`
	ShapeDistTraveled string `csv:"shape_dist_traveled"`
}

// Normalizes a GTFS time to zero padded HH:MM:SS. Empty input is
// allowed, since only timepoints are required to carry times.
func parseStopTimeTime(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}

	d, err := model.ParseGTFSTime(s)
	if err != nil {
		return "", err
	}

	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60

	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec), nil
}

type tripStop struct {
	tripID string
	stopID string
}

type tripSeq struct {
	tripID string
	seq    uint32
}

// Parses stop_times.txt. Returns the number of records written.
func ParseStopTimes(
	writer storage.FeedWriter,
	data io.Reader,
	trips map[string]bool,
	stops map[string]bool,
) (int, error) {

	seenStop := map[tripStop]bool{}
	seenSeq := map[tripSeq]bool{}

	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(st *StopTimeCSV) error {
		i += 1
		if !trips[st.TripID] {
			return fmt.Errorf("unknown trip_id: '%s' (row %d)", st.TripID, i+1)
		}
		if st.StopID == "" {
			return fmt.Errorf("missing stop_id (row %d)", i+1)
		}
		if !stops[st.StopID] {
			return fmt.Errorf("unknown stop_id: '%s' (row %d)", st.StopID, i+1)
		}

		ts := tripStop{st.TripID, st.StopID}
		if seenStop[ts] {
			return fmt.Errorf("duplicate stop_id '%s' for trip_id '%s' (row %d)", st.StopID, st.TripID, i+1)
		}
		seenStop[ts] = true

		sq := tripSeq{st.TripID, st.StopSequence}
		if seenSeq[sq] {
			return fmt.Errorf("duplicate stop_sequence %d for trip_id '%s' (row %d)", st.StopSequence, st.TripID, i+1)
		}
		seenSeq[sq] = true

		arrivalTime, err := parseStopTimeTime(st.ArrivalTime)
		if err != nil {
			return errors.Wrapf(err, "parsing arrival_time (row %d)", i+1)
		}

		departureTime, err := parseStopTimeTime(st.DepartureTime)
		if err != nil {
			return errors.Wrapf(err, "parsing departure_time (row %d)", i+1)
		}

		dist := 0.0
		if s := strings.TrimSpace(st.ShapeDistTraveled); s != "" {
			dist, err = strconv.ParseFloat(s, 64)
			if err != nil {
				return errors.Wrapf(err, "parsing shape_dist_traveled (row %d)", i+1)
			}
		}

		err = writer.WriteStopTime(&model.StopTime{
			TripID:            st.TripID,
			StopID:            st.StopID,
			StopSequence:      st.StopSequence,
			Arrival:           arrivalTime,
			Departure:         departureTime,
			ShapeDistTraveled: dist,
		})
		if err != nil {
			return errors.Wrapf(err, "writing stop_time (row %d)", i+1)
		}

		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "unmarshaling stop_times csv")
	}

	return i + 1, nil
}
