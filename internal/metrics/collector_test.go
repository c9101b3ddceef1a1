package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectDone(t *testing.T) {
	c := New()

	c.ObjectDone("succeeded", 1024)
	c.ObjectDone("succeeded", 2048)
	c.ObjectDone("failed", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.objectsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.objectsTotal.WithLabelValues("failed")))
	assert.Equal(t, 3072.0, testutil.ToFloat64(c.bytesTotal))
}

func TestWorkerGauge(t *testing.T) {
	c := New()

	c.WorkerBusy()
	c.WorkerBusy()
	assert.Equal(t, 2.0, testutil.ToFloat64(c.inflightWorkers))
	c.WorkerIdle()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inflightWorkers))
}

func TestHandlerScrape(t *testing.T) {
	c := New()
	c.ObjectDone("succeeded", 512)
	c.ObserveDuration(250 * time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "migrate_objects_total")
	assert.Contains(t, body, "migrate_bytes_total")
	assert.Contains(t, body, "migrate_object_duration_seconds")
}
