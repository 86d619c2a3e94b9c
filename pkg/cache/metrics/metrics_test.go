package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsFetches(t *testing.T) {
	c := New()

	c.RecordFetch("cache-first", "cache", 2*time.Millisecond)
	c.RecordFetch("cache-first", "cache", time.Millisecond)
	c.RecordFetch("network-first", "offline", time.Second)

	require.Equal(t, 2.0, testutil.ToFloat64(c.FetchTotal.WithLabelValues("cache-first", "cache")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.FetchTotal.WithLabelValues("network-first", "offline")))
	require.Equal(t, 2, testutil.CollectAndCount(c.FetchDuration))
}

func TestCollectorSyncMetrics(t *testing.T) {
	c := New()

	c.RecordQueued("contact-form")
	c.RecordFailed("contact-form", "status")
	c.RecordSucceeded("contact-form")
	c.SetPending("contact-form", 0)
	c.SetPending("analytics", 3)

	require.Equal(t, 1.0, testutil.ToFloat64(c.SyncTasks.WithLabelValues("contact-form", "failed_status")))
	require.Equal(t, 3.0, testutil.ToFloat64(c.SyncPending.WithLabelValues("analytics")))
}

func TestCollectorCleanerRuns(t *testing.T) {
	c := New()

	c.RecordCleanerRun("maintenance", 100, nil)
	c.RecordCleanerRun("quota", 0, errors.New("fatal"))

	require.Equal(t, 100.0, testutil.ToFloat64(c.CleanerFreedBytes))
	require.Equal(t, 1.0, testutil.ToFloat64(c.CleanerRuns.WithLabelValues("quota", "error")))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RecordCacheWrite("ok")

	require.Equal(t, 1.0, testutil.ToFloat64(a.CacheWrites.WithLabelValues("ok")))
	require.Equal(t, 0.0, testutil.ToFloat64(b.CacheWrites.WithLabelValues("ok")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.RecordLifecycle("install", "ok")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `sitecache_lifecycle_events_total{event="install",outcome="ok"} 1`))
}
