package gtfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transitdelay.dev/gtfs/downloader"
	"transitdelay.dev/gtfs/metrics"
	"transitdelay.dev/gtfs/model"
	"transitdelay.dev/gtfs/parse"
	"transitdelay.dev/gtfs/snapshot"
	"transitdelay.dev/gtfs/storage"
)

const (
	DefaultRealtimeTimeout = 10 * time.Second
	DefaultRealtimeMaxSize = 16 << 20 // 16 MB
)

// Receives each batch of upserted delays.
type DelayPublisher interface {
	PublishDelays(ctx context.Context, delays []model.StopDelay) error
}

type FeedConfig struct {
	VehiclePositionsURL string
	TripUpdatesURL      string

	// Sent as query parameter APIKeyParam when set.
	APIKey      string
	APIKeyParam string

	Timeout time.Duration
	MaxSize int

	// Responses are reused for this long when positive. Useful when
	// polling more often than the upstream feed refreshes.
	CacheTTL time.Duration
}

// Outcome of one schedule check.
type RunStatus struct {
	Outcome   snapshot.Outcome
	Candidate string
	Changed   []string
	Archive   string
	Recovery  snapshot.Recovery
	Duration  time.Duration
	Err       error

	// Reprocessing failure after a promotion or recovery. The
	// promotion itself stands.
	ReprocessErr error
}

// Outcome of one realtime collection.
type CollectResult struct {
	// Vehicle position rows inserted.
	Positions int

	// Stop delay rows upserted.
	Delays int

	// Malformed entities skipped, across both feeds.
	Skipped int

	// Whether the trip update feed was fetched and decoded.
	Fetched bool
}

// Manager runs the pipeline: schedule checks and realtime
// collection. Runs are sequential; callers must not overlap them.
type Manager struct {
	Feeds      FeedConfig
	Downloader downloader.Downloader
	Publisher  DelayPublisher
	Metrics    *metrics.Collector

	storage    storage.Storage
	versions   *snapshot.VersionManager
	loader     *StaticLoader
	distances  *DistanceEngine
	correlator *Correlator
	logger     *slog.Logger
}

// Creates a Manager on top of the given storage. The loader is
// registered as the version manager's reprocessor.
func NewManager(
	s storage.Storage,
	paths snapshot.Paths,
	loc *time.Location,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	distances := NewDistanceEngine(s, logger)
	loader := NewStaticLoader(s, distances, logger)

	return &Manager{
		Feeds: FeedConfig{
			APIKeyParam: "apikey",
			Timeout:     DefaultRealtimeTimeout,
			MaxSize:     DefaultRealtimeMaxSize,
		},
		Downloader: downloader.NewMemoryDownloader(),

		storage:    s,
		versions:   snapshot.NewVersionManager(paths, loader, logger),
		loader:     loader,
		distances:  distances,
		correlator: NewCorrelator(s, loc, logger),
		logger:     logger,
	}
}

func (m *Manager) Versions() *snapshot.VersionManager { return m.versions }
func (m *Manager) Loader() *StaticLoader              { return m.loader }
func (m *Manager) Distances() *DistanceEngine         { return m.distances }
func (m *Manager) Correlator() *Correlator            { return m.correlator }

// Checks for a new schedule snapshot and promotes it if changed.
// Failures are reported in the status, never as a bare panic.
func (m *Manager) CheckSchedule(ctx context.Context) RunStatus {
	start := time.Now()

	result, err := m.versions.Check(ctx)
	status := RunStatus{
		Outcome:   result.Outcome,
		Candidate: result.Candidate,
		Changed:   result.Changed,
		Archive:   result.Archive,
		Recovery:  result.Recovery,
		Duration:  time.Since(start),
		Err:       err,

		ReprocessErr: result.ReprocessErr,
	}

	log := m.logger.With(
		"outcome", status.Outcome,
		"candidate", status.Candidate,
		"changed", status.Changed,
		"archive", status.Archive,
	)
	if err != nil {
		log.Error("schedule check failed", "error", err)
	} else if status.ReprocessErr != nil {
		log.Warn("schedule check finished, reprocessing failed", "duration", status.Duration, "error", status.ReprocessErr)
	} else {
		log.Info("schedule check finished", "duration", status.Duration)
	}

	m.Metrics.ScheduleRun(string(status.Outcome), status.Duration)

	return status
}

func (m *Manager) fetch(ctx context.Context, feed, url string) ([]byte, error) {
	opts := downloader.GetOptions{
		Timeout:  m.Feeds.Timeout,
		MaxSize:  m.Feeds.MaxSize,
		Cache:    m.Feeds.CacheTTL > 0,
		CacheTTL: m.Feeds.CacheTTL,
	}
	if m.Feeds.APIKey != "" {
		opts.Query = map[string]string{m.Feeds.APIKeyParam: m.Feeds.APIKey}
	}

	data, err := m.Downloader.Get(ctx, url, nil, opts)
	if err != nil {
		m.logger.Error("fetching realtime feed", "feed", feed, "error", err)
		m.Metrics.FetchFailed(feed)
		return nil, err
	}

	m.logger.Debug("fetched realtime feed", "feed", feed, "bytes", len(data))
	return data, nil
}

// Pulls both realtime feeds once. Vehicle positions are stored first,
// so trip updates see the freshest bus assignment.
//
// Fetch and decode failures are logged and treated as no data. Only
// storage failures are returned.
func (m *Manager) Collect(ctx context.Context) (*CollectResult, error) {
	start := time.Now()
	defer func() { m.Metrics.CollectRun(time.Since(start)) }()

	result := &CollectResult{}
	if m.Feeds.TripUpdatesURL == "" {
		return result, errors.New("no trip updates url configured")
	}

	if m.Feeds.VehiclePositionsURL != "" {
		if data, err := m.fetch(ctx, "positions", m.Feeds.VehiclePositionsURL); err == nil {
			n, skipped, err := m.StorePositions(data)
			if err != nil {
				return result, err
			}
			result.Positions = n
			result.Skipped += skipped
		}
	}

	data, err := m.fetch(ctx, "trip_updates", m.Feeds.TripUpdatesURL)
	if err != nil {
		m.logger.Info("no trip updates available")
		return result, nil
	}

	feed, err := parse.ParseTripUpdates(data)
	if err != nil {
		m.logger.Error("decoding trip updates", "error", err)
		m.Metrics.DecodeErrorsAdd("trip_updates", 1)
		return result, nil
	}
	result.Fetched = true

	delays, err := m.CorrelateFeed(ctx, feed)
	if err != nil {
		return result, err
	}
	result.Delays = delays
	result.Skipped += len(feed.Errors)

	return result, nil
}

// Decodes and stores a vehicle position feed. Returns rows inserted
// and entities skipped. Undecodable feeds are logged and dropped.
func (m *Manager) StorePositions(data []byte) (int, int, error) {
	feed, err := parse.ParseVehiclePositions(data)
	if err != nil {
		m.logger.Error("decoding vehicle positions", "error", err)
		m.Metrics.DecodeErrorsAdd("positions", 1)
		return 0, 0, nil
	}

	for _, err := range feed.Errors {
		m.logger.Warn("skipping vehicle position", "error", err)
	}
	m.Metrics.DecodeErrorsAdd("positions", len(feed.Errors))

	n, err := m.storage.WriteVehiclePositions(feed.Positions)
	if err != nil {
		return 0, 0, fmt.Errorf("writing vehicle positions: %w", err)
	}
	m.Metrics.PositionsStoredAdd(n)

	m.logger.Info("stored vehicle positions", "count", n, "received", len(feed.Positions), "skipped", len(feed.Errors))

	return n, len(feed.Errors), nil
}

// Builds a fresh schedule index and correlates a decoded trip update
// feed against it. Returns the number of delay rows upserted.
func (m *Manager) CorrelateFeed(ctx context.Context, feed *parse.TripUpdateFeed) (int, error) {
	reader, err := m.storage.GetReader()
	if err != nil {
		return 0, fmt.Errorf("getting reader: %w", err)
	}
	index, err := BuildScheduleIndex(reader)
	if err != nil {
		return 0, fmt.Errorf("building schedule index: %w", err)
	}
	if index.Len() == 0 {
		m.logger.Warn("schedule is empty, scheduled arrivals will be missing")
	}

	m.Metrics.DecodeErrorsAdd("trip_updates", len(feed.Errors))

	res, err := m.correlator.CorrelateUpdates(ctx, feed, index)
	if err != nil {
		return 0, err
	}
	m.Metrics.DelaysUpsertedAdd(len(res.Delays))

	if m.Publisher != nil && len(res.Delays) > 0 {
		if err := m.Publisher.PublishDelays(ctx, res.Delays); err != nil {
			m.logger.Warn("publishing delays", "error", err)
		}
	}

	return len(res.Delays), nil
}

// Loads the active snapshot into storage and recomputes distances,
// without checking for a new candidate.
func (m *Manager) LoadActive(ctx context.Context) error {
	if _, err := m.loader.Load(ctx, m.versions.Paths.Active); err != nil {
		return err
	}
	n, err := m.distances.Recompute(ctx)
	if err != nil {
		return err
	}
	m.Metrics.DistanceRowsSet(n)
	return nil
}

// Runs schedule checks and realtime collection on their own tickers
// until ctx is done. Both run once immediately. Failed runs are
// logged and retried on the next tick.
func (m *Manager) Run(ctx context.Context, checkInterval, collectInterval time.Duration) error {
	if checkInterval <= 0 || collectInterval <= 0 {
		return errors.New("intervals must be positive")
	}

	m.CheckSchedule(ctx)
	m.collectLogged(ctx)

	checkTicker := time.NewTicker(checkInterval)
	defer checkTicker.Stop()
	collectTicker := time.NewTicker(collectInterval)
	defer collectTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stopping")
			return nil
		case <-checkTicker.C:
			m.CheckSchedule(ctx)
		case <-collectTicker.C:
			m.collectLogged(ctx)
		}
	}
}

func (m *Manager) collectLogged(ctx context.Context) {
	res, err := m.Collect(ctx)
	if err != nil {
		m.logger.Error("realtime collection failed", "error", err)
		return
	}
	m.logger.Info(
		"realtime collection finished",
		"positions", res.Positions,
		"delays", res.Delays,
		"skipped", res.Skipped,
		"fetched", res.Fetched,
	)
}
