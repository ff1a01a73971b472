package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ning0612/dirsync/internal/domain"
)

func TestObserveRun(t *testing.T) {
	dir := domain.Directory{Name: "metrics-corp", Provider: domain.ProviderAzure}

	ObserveRun(dir, domain.JobSuccess, 2*time.Second, domain.SyncResult{Created: 3, Updated: 4})
	ObserveRun(dir, domain.JobFailed, time.Second, domain.SyncResult{})

	assert.Equal(t, 1.0, promtest.ToFloat64(jobsTotal.WithLabelValues("metrics-corp", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(jobsTotal.WithLabelValues("metrics-corp", "failed")))
	assert.Equal(t, 3.0, promtest.ToFloat64(recordsTotal.WithLabelValues("metrics-corp", "created")))
	assert.Equal(t, 4.0, promtest.ToFloat64(recordsTotal.WithLabelValues("metrics-corp", "updated")))
}

func TestStaleAndSkipped(t *testing.T) {
	before := promtest.ToFloat64(staleJobsTotal)
	StaleJobs(0)
	StaleJobs(2)
	assert.Equal(t, before+2, promtest.ToFloat64(staleJobsTotal))

	Skipped("metrics-skip")
	assert.Equal(t, 1.0, promtest.ToFloat64(skippedTotal.WithLabelValues("metrics-skip")))
}

func TestHandler(t *testing.T) {
	ObserveTick(10 * time.Millisecond)
	ObserveHTTP(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "dirsync_scheduler_tick_duration_seconds"))
	assert.True(t, strings.Contains(body, `dirsync_http_requests_total{method="GET",route="/healthz",status="200"}`))
}
