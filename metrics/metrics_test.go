package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := NewCollector()

	c.ScheduleRun("changed", time.Second)
	c.ScheduleRun("unchanged", time.Second)
	c.ScheduleRun("unchanged", time.Second)
	c.DelaysUpsertedAdd(12)
	c.PositionsStoredAdd(3)
	c.DecodeErrorsAdd("trip_updates", 2)
	c.FetchFailed("positions")
	c.DistanceRowsSet(42)
	c.CollectRun(time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ScheduleRuns.WithLabelValues("changed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ScheduleRuns.WithLabelValues("unchanged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Promotions))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.DelaysUpserted))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.PositionsStored))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.DecodeErrors.WithLabelValues("trip_updates")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FetchFailures.WithLabelValues("positions")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.DistanceRows))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ScheduleRun("error", time.Second)
		c.DelaysUpsertedAdd(1)
		c.PositionsStoredAdd(1)
		c.DecodeErrorsAdd("positions", 1)
		c.FetchFailed("positions")
		c.DistanceRowsSet(1)
		c.CollectRun(time.Second)
		c.NATSPublishedInc()
		c.NATSPublishErrInc()
	})
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.DelaysUpsertedAdd(5)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gtfs_stop_delays_upserted_total 5")
}

func TestPush(t *testing.T) {
	type request struct{ method, path, body string }
	requests := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		requests <- request{r.Method, r.URL.Path, string(data)}
	}))
	defer srv.Close()

	c := NewCollector()
	c.DelaysUpsertedAdd(7)

	err := c.Push(context.Background(), srv.URL, "gtfs_delays", map[string]string{"command": "collect"})
	require.NoError(t, err)
	req := <-requests
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/metrics/job/gtfs_delays/command/collect", req.path)
	assert.Contains(t, req.body, "gtfs_stop_delays_upserted_total")

	var nilCollector *Collector
	assert.NoError(t, nilCollector.Push(context.Background(), srv.URL, "gtfs_delays", nil))
}

func TestPushRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewCollector().Push(context.Background(), srv.URL, "gtfs_delays", nil)
	assert.Error(t, err)
}
