// Package metrics holds the Prometheus collectors of the sync daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ning0612/dirsync/internal/domain"
)

var (
	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dirsync_sync_duration_seconds",
			Help:    "Duration of directory sync runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s … ~17m
		},
		[]string{"provider", "status"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirsync_jobs_total",
			Help: "Sync jobs by final status",
		},
		[]string{"directory", "status"},
	)

	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirsync_records_total",
			Help: "Users created, updated or deactivated by sync runs",
		},
		[]string{"directory", "outcome"},
	)

	staleJobsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dirsync_stale_jobs_total",
		Help: "Running jobs force-failed as stale",
	})

	skippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirsync_runs_skipped_total",
			Help: "Due directories skipped because a run was in flight",
		},
		[]string{"directory"},
	)

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dirsync_scheduler_tick_duration_seconds",
		Help:    "Duration of one scheduler scan including the runs it started",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirsync_http_requests_total",
			Help: "Admin API requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dirsync_http_request_duration_seconds",
			Help:    "Admin API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveRun records a finished run
func ObserveRun(dir domain.Directory, status domain.JobStatus, elapsed time.Duration, res domain.SyncResult) {
	syncDuration.WithLabelValues(string(dir.Provider), string(status)).Observe(elapsed.Seconds())
	jobsTotal.WithLabelValues(dir.Name, string(status)).Inc()

	recordsTotal.WithLabelValues(dir.Name, "created").Add(float64(res.Created))
	recordsTotal.WithLabelValues(dir.Name, "updated").Add(float64(res.Updated))
	recordsTotal.WithLabelValues(dir.Name, "deactivated").Add(float64(res.Deactivated))
}

// StaleJobs counts jobs force-failed by a staleness sweep
func StaleJobs(n int64) {
	if n > 0 {
		staleJobsTotal.Add(float64(n))
	}
}

// Skipped counts a due directory that was left alone because a run was in flight
func Skipped(directory string) {
	skippedTotal.WithLabelValues(directory).Inc()
}

// ObserveTick records the duration of one scheduler scan
func ObserveTick(elapsed time.Duration) {
	tickDuration.Observe(elapsed.Seconds())
}

// ObserveHTTP records one admin API request
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
