// Package metrics defines the Prometheus counters, histograms, and gauges
// named in spec.md §4.I and exposes them through an HTTP server (see
// server.go). Label sets are closed vocabularies drawn from the types and
// reconciler packages (queue name, job status, record type, match type)
// so a label typo can't silently create a new metrics series.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessedTotal counts jobs by queue and terminal status
	// (spec.md §4.I: "jobs by queue×status"; spec.md §8 scenario S1 also
	// labels a content-store cache hit with `cached`).
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "Total jobs processed, labeled by queue, terminal status, and cache hit.",
	}, []string{"queue", "status", "cached"})

	// ReconcilerMatchesTotal counts reconciler matches by entity record type
	// (organization, location, service).
	ReconcilerMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_matches_total",
		Help: "Total reconciler matches, labeled by record type.",
	}, []string{"record_type"})

	// LocationMatchesTotal counts location matches by match_type (new vs
	// matched to an existing canonical row by rounded coordinate).
	LocationMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "location_matches_total",
		Help: "Total location matches, labeled by match type.",
	}, []string{"match_type"})

	// RecordVersionsTotal counts record_version rows written, labeled by
	// record type.
	RecordVersionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "record_versions_total",
		Help: "Total record_version rows written, labeled by record type.",
	}, []string{"record_type"})

	// ProviderLatencySeconds is the LLM provider call latency histogram,
	// labeled by provider name.
	ProviderLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_latency_seconds",
		Help:    "LLM provider call latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	// JobProcessingLatencySeconds is the end-to-end per-job processing
	// latency histogram, labeled by queue.
	JobProcessingLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_processing_latency_seconds",
		Help:    "Job processing latency in seconds, labeled by queue.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// QueueDepth is the current queue length gauge, labeled by queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current queue depth, labeled by queue.",
	}, []string{"queue"})

	// ActiveWorkers is the current count of workers holding a lease,
	// labeled by queue.
	ActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "active_workers",
		Help: "Current count of workers holding a lease, labeled by queue.",
	}, []string{"queue"})

	// MemoryUsageBytes is the process resident memory gauge.
	MemoryUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_bytes",
		Help: "Process resident memory usage in bytes.",
	})

	// ContentStoreEntriesTotal and ContentStoreBytesTotal expose
	// contentstore.Stats (a supplemented feature: spec.md §4.B names
	// stats() without wiring it to any consumer).
	ContentStoreEntriesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "content_store_entries",
		Help: "Number of entries currently held in the content store.",
	})
	ContentStoreBytesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "content_store_bytes",
		Help: "Total bytes of result text held in the content store.",
	})

	// HealthFlag mirrors the worker's /health "authenticated" signal as a
	// gauge so it's also scrapeable, labeled by provider.
	HealthFlag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "provider_authenticated",
		Help: "1 if the last healthcheck for the provider succeeded, 0 otherwise.",
	}, []string{"provider"})
)

// RecordJobProcessed increments the jobs-by-queue×status×cached counter.
func RecordJobProcessed(queue, status string, cached bool) {
	JobsProcessedTotal.WithLabelValues(queue, status, strconv.FormatBool(cached)).Inc()
}

// RecordReconcilerMatch increments the reconciler-matches-by-record-type
// counter.
func RecordReconcilerMatch(recordType string) {
	ReconcilerMatchesTotal.WithLabelValues(recordType).Inc()
}

// RecordLocationMatch increments the location-matches-by-match-type counter.
func RecordLocationMatch(matchType string) {
	LocationMatchesTotal.WithLabelValues(matchType).Inc()
}

// RecordVersionWritten increments the record-versions-by-record-type counter.
func RecordVersionWritten(recordType string) {
	RecordVersionsTotal.WithLabelValues(recordType).Inc()
}

// RecordProviderLatency observes a provider call's duration.
func RecordProviderLatency(provider string, d time.Duration) {
	ProviderLatencySeconds.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordJobLatency observes a job's end-to-end processing duration.
func RecordJobLatency(queue string, d time.Duration) {
	JobProcessingLatencySeconds.WithLabelValues(queue).Observe(d.Seconds())
}

// SetQueueDepth sets the current depth gauge for queue.
func SetQueueDepth(queue string, depth float64) {
	QueueDepth.WithLabelValues(queue).Set(depth)
}

// SetActiveWorkers sets the current active-worker gauge for queue.
func SetActiveWorkers(queue string, count float64) {
	ActiveWorkers.WithLabelValues(queue).Set(count)
}

// SetProviderAuthenticated records the outcome of a provider healthcheck.
func SetProviderAuthenticated(provider string, authenticated bool) {
	v := 0.0
	if authenticated {
		v = 1.0
	}
	HealthFlag.WithLabelValues(provider).Set(v)
}

// SetContentStoreStats publishes content-store size gauges.
func SetContentStoreStats(entryCount int, totalBytes int64) {
	ContentStoreEntriesTotal.Set(float64(entryCount))
	ContentStoreBytesTotal.Set(float64(totalBytes))
}

// Timer measures elapsed wall-clock time for ad-hoc latency recording,
// mirroring the teacher's metrics.Timer helper used around action/analysis
// calls.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordProviderLatency observes the elapsed time against the provider
// latency histogram.
func (t *Timer) RecordProviderLatency(provider string) {
	RecordProviderLatency(provider, t.Elapsed())
}

// RecordJobLatency observes the elapsed time against the job processing
// latency histogram.
func (t *Timer) RecordJobLatency(queue string) {
	RecordJobLatency(queue, t.Elapsed())
}
