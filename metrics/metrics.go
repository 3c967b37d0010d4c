package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Collector holds the pipeline's Prometheus metrics. A nil Collector
// is valid and records nothing.
type Collector struct {
	reg *prometheus.Registry

	ScheduleRuns    *prometheus.CounterVec // outcome label: no-op|unchanged|changed|recovered|error
	Promotions      prometheus.Counter
	DelaysUpserted  prometheus.Counter
	PositionsStored prometheus.Counter
	DecodeErrors    *prometheus.CounterVec // feed label: positions|trip_updates
	FetchFailures   *prometheus.CounterVec // feed label
	DistanceRows    prometheus.Gauge
	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter

	RunDuration *prometheus.HistogramVec // run label: schedule|collect
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ScheduleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_schedule_runs_total",
			Help: "Schedule version checks, by outcome.",
		}, []string{"outcome"}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtfs_schedule_promotions_total",
			Help: "Snapshots promoted to active.",
		}),
		DelaysUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtfs_stop_delays_upserted_total",
			Help: "Stop delay rows upserted.",
		}),
		PositionsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtfs_vehicle_positions_stored_total",
			Help: "Vehicle position rows inserted.",
		}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_decode_errors_total",
			Help: "Feed entities or feeds that failed to decode.",
		}, []string{"feed"}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_fetch_failures_total",
			Help: "Realtime feed fetches that failed.",
		}, []string{"feed"}),
		DistanceRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gtfs_stop_distance_rows",
			Help: "Stop distance rows written by the last recompute.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtfs_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtfs_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gtfs_run_duration_seconds",
			Help:    "Duration of pipeline runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"run"}),
	}

	reg.MustRegister(
		c.ScheduleRuns, c.Promotions,
		c.DelaysUpserted, c.PositionsStored,
		c.DecodeErrors, c.FetchFailures, c.DistanceRows,
		c.NATSPublished, c.NATSPublishErrs,
		c.RunDuration,
	)

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
	slog.Info("metrics listening", "addr", addr)
	return srv
}

// Push replaces the metrics of the job's group on a Pushgateway with
// the current registry. One-shot commands call it before exiting.
func (c *Collector) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	if c == nil {
		return nil
	}
	p := push.New(url, job).Gatherer(c.reg)
	for name, value := range grouping {
		p = p.Grouping(name, value)
	}
	return p.PushContext(ctx)
}

func (c *Collector) ScheduleRun(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.ScheduleRuns.WithLabelValues(outcome).Inc()
	if outcome == "changed" {
		c.Promotions.Inc()
	}
	c.RunDuration.WithLabelValues("schedule").Observe(d.Seconds())
}

func (c *Collector) CollectRun(d time.Duration) {
	if c == nil {
		return
	}
	c.RunDuration.WithLabelValues("collect").Observe(d.Seconds())
}

func (c *Collector) DelaysUpsertedAdd(n int) {
	if c == nil {
		return
	}
	c.DelaysUpserted.Add(float64(n))
}

func (c *Collector) PositionsStoredAdd(n int) {
	if c == nil {
		return
	}
	c.PositionsStored.Add(float64(n))
}

func (c *Collector) DecodeErrorsAdd(feed string, n int) {
	if c == nil {
		return
	}
	c.DecodeErrors.WithLabelValues(feed).Add(float64(n))
}

func (c *Collector) FetchFailed(feed string) {
	if c == nil {
		return
	}
	c.FetchFailures.WithLabelValues(feed).Inc()
}

func (c *Collector) DistanceRowsSet(n int) {
	if c == nil {
		return
	}
	c.DistanceRows.Set(float64(n))
}

// Satisfies publisher.Metrics.
func (c *Collector) NATSPublishedInc() {
	if c == nil {
		return
	}
	c.NATSPublished.Inc()
}

func (c *Collector) NATSPublishErrInc() {
	if c == nil {
		return
	}
	c.NATSPublishErrs.Inc()
}
