package gtfs

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"transitdelay.dev/gtfs/model"
	"transitdelay.dev/gtfs/storage"
)

// Great-circle distance in km between two points given in decimal
// degrees.
func HaversineDistance(aLat, aLon, bLat, bLon float64) float64 {
	const earthRadiusKm = 6371

	aLatRad := aLat * math.Pi / 180
	aLonRad := aLon * math.Pi / 180
	bLatRad := bLat * math.Pi / 180
	bLonRad := bLon * math.Pi / 180
	deltaLat := aLatRad - bLatRad
	deltaLon := aLonRad - bLonRad

	a := math.Cos(aLatRad)*math.Cos(bLatRad)*math.Pow(math.Sin(deltaLon/2), 2) + math.Pow(math.Sin(deltaLat/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return c * earthRadiusKm
}

// Derives the distance between consecutive stops of every trip.
type DistanceEngine struct {
	storage storage.Storage
	logger  *slog.Logger
}

func NewDistanceEngine(s storage.Storage, logger *slog.Logger) *DistanceEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &DistanceEngine{storage: s, logger: logger}
}

// Computes distances from the stored schedule and upserts them.
// Returns the number of segments written.
//
// Only stop times whose stop_sequence differ by exactly one are
// paired. A gap in the sequence is never bridged.
func (e *DistanceEngine) Recompute(ctx context.Context) (int, error) {
	distances, err := e.Compute(ctx)
	if err != nil {
		return 0, err
	}

	if err := e.storage.UpsertStopDistances(distances); err != nil {
		return 0, fmt.Errorf("upserting stop distances: %w", err)
	}

	e.logger.Info("recomputed stop distances", "count", len(distances))

	return len(distances), nil
}

// Like Recompute, but doesn't write anything.
func (e *DistanceEngine) Compute(ctx context.Context) ([]model.StopDistance, error) {
	reader, err := e.storage.GetReader()
	if err != nil {
		return nil, fmt.Errorf("getting reader: %w", err)
	}

	stops, err := reader.Stops()
	if err != nil {
		return nil, fmt.Errorf("reading stops: %w", err)
	}
	stopByID := make(map[string]*model.Stop, len(stops))
	for _, s := range stops {
		stopByID[s.ID] = s
	}

	// Ordered by trip_id and stop_sequence.
	stopTimes, err := reader.StopTimes()
	if err != nil {
		return nil, fmt.Errorf("reading stop_times: %w", err)
	}

	distances := []model.StopDistance{}
	for i := 1; i < len(stopTimes); i++ {
		if i%10000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		prev, cur := stopTimes[i-1], stopTimes[i]
		if prev.TripID != cur.TripID || cur.StopSequence != prev.StopSequence+1 {
			continue
		}

		from, to := stopByID[prev.StopID], stopByID[cur.StopID]
		if from == nil || to == nil {
			e.logger.Warn("stop_time references unknown stop", "trip_id", cur.TripID, "stop_id", prev.StopID, "next_stop_id", cur.StopID)
			continue
		}

		distances = append(distances, model.StopDistance{
			TripID:     cur.TripID,
			StopID:     prev.StopID,
			NextStopID: cur.StopID,
			DistanceKm: HaversineDistance(from.Lat, from.Lon, to.Lat, to.Lon),
		})
	}

	return distances, nil
}
