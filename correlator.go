package gtfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transitdelay.dev/gtfs/model"
	"transitdelay.dev/gtfs/parse"
	"transitdelay.dev/gtfs/storage"
)

var ErrNoSchedule = errors.New("no schedule index")

// Joins trip updates against the schedule and the vehicle position
// log, producing one stop delay per (trip_id, stop_id).
type Correlator struct {
	storage  storage.Storage
	location *time.Location
	logger   *slog.Logger

	// Clock for last_updated.
	Now func() time.Time
}

type CorrelateResult struct {
	// Trip updates processed.
	Trips int

	// Records upserted, in feed order.
	Delays []model.StopDelay

	// Malformed entities skipped.
	Skipped int
}

// Local arrival times are rendered in loc.
func NewCorrelator(s storage.Storage, loc *time.Location, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Correlator{
		storage:  s,
		location: loc,
		logger:   logger,
		Now:      time.Now,
	}
}

// Decodes a trip update feed and upserts the resulting delays.
func (c *Correlator) Correlate(ctx context.Context, feed []byte, index *ScheduleIndex) (*CorrelateResult, error) {
	updates, err := parse.ParseTripUpdates(feed)
	if err != nil {
		return nil, fmt.Errorf("decoding trip updates: %w", err)
	}
	return c.CorrelateUpdates(ctx, updates, index)
}

// Upserts the delays in an already decoded feed, in one batch.
func (c *Correlator) CorrelateUpdates(ctx context.Context, feed *parse.TripUpdateFeed, index *ScheduleIndex) (*CorrelateResult, error) {
	if index == nil {
		return nil, ErrNoSchedule
	}

	for _, err := range feed.Errors {
		c.logger.Warn("skipping trip update", "error", err)
	}

	now := c.Now().UTC().Truncate(time.Second)

	busForTrip := map[string]string{}
	delays := []model.StopDelay{}
	position := map[indexKey]int{}

	for _, tu := range feed.Trips {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		busID, found := busForTrip[tu.TripID]
		if !found {
			var err error
			busID, err = c.storage.LatestBusForTrip(tu.TripID)
			if err != nil {
				return nil, fmt.Errorf("looking up bus for trip %s: %w", tu.TripID, err)
			}
			busForTrip[tu.TripID] = busID
		}

		for _, u := range tu.Updates {
			d := model.StopDelay{
				TripID:       tu.TripID,
				StopID:       u.StopID,
				RouteID:      tu.RouteID,
				StopSequence: u.StopSequence,
				DelaySeconds: u.Delay,
				BusID:        busID,
				LastUpdated:  now,
			}

			if u.Arrival != nil {
				arrival := u.Arrival.UTC()
				d.ActualArrival = &arrival
				d.ActualArrivalLocal = arrival.In(c.location).Format(model.TimeLayout)
			}

			if scheduled, ok := index.Lookup(tu.TripID, u.StopID); ok {
				d.ScheduledArrival = scheduled
			}

			// Last occurrence in the feed wins.
			key := indexKey{tu.TripID, u.StopID}
			if i, seen := position[key]; seen {
				delays[i] = d
				continue
			}
			position[key] = len(delays)
			delays = append(delays, d)
		}
	}

	if err := c.storage.UpsertStopDelays(delays); err != nil {
		return nil, fmt.Errorf("upserting stop delays: %w", err)
	}

	c.logger.Info("stored trip updates", "trips", len(feed.Trips), "count", len(delays), "skipped", len(feed.Errors))

	return &CorrelateResult{
		Trips:   len(feed.Trips),
		Delays:  delays,
		Skipped: len(feed.Errors),
	}, nil
}
