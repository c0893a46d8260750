// Package metrics provides Prometheus metrics for the agavesync client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote request metrics
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agavesync_requests_total",
			Help: "Total number of dispatched remote requests by outcome",
		},
		[]string{"task", "state"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agavesync_request_duration_seconds",
			Help:    "Remote request round trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	pendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agavesync_pending_requests",
			Help: "Number of remote requests in flight",
		},
	)

	remoteOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agavesync_remote_online",
			Help: "1 if the last transport round trip reached the tenant",
		},
	)

	// Transfer metrics
	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agavesync_bytes_uploaded_total",
			Help: "Total bytes sent in upload bodies",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agavesync_bytes_downloaded_total",
			Help: "Total bytes received from download endpoints",
		},
	)

	// Session metrics
	sessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agavesync_session_state",
			Help: "Current session state (0=uninitialized .. 5=disconnected)",
		},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agavesync_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// File tree metrics
	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agavesync_tree_nodes",
			Help: "Number of nodes in the remote file tree mirror",
		},
	)

	listingsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agavesync_listings_applied_total",
			Help: "Total directory listings merged into the tree",
		},
	)

	fileOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agavesync_file_ops_total",
			Help: "Total file operations by outcome",
		},
		[]string{"op", "state"},
	)

	recursiveTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agavesync_recursive_transfers_total",
			Help: "Total recursive transfers by direction and result",
		},
		[]string{"kind", "result"},
	)

	// Job metrics
	jobRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agavesync_job_refreshes_total",
			Help: "Total job list refreshes by result",
		},
		[]string{"result"},
	)

	jobsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agavesync_jobs_tracked",
			Help: "Number of remote jobs currently tracked",
		},
	)

	// Event metrics
	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agavesync_events_published_total",
			Help: "Total events published to subscribers",
		},
		[]string{"type"},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agavesync_event_subscribers",
			Help: "Number of active event subscribers",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records one completed remote request.
func RecordRequest(task, state string, duration time.Duration) {
	requestsTotal.WithLabelValues(task, state).Inc()
	if duration > 0 {
		requestDuration.WithLabelValues(task).Observe(duration.Seconds())
	}
}

// SetPendingRequests sets the in-flight request gauge.
func SetPendingRequests(n int) {
	pendingRequests.Set(float64(n))
}

// SetRemoteOnline records whether the tenant is reachable.
func SetRemoteOnline(online bool) {
	if online {
		remoteOnline.Set(1)
		return
	}
	remoteOnline.Set(0)
}

// RecordUpload records bytes sent in an upload body.
func RecordUpload(bytes int64) {
	bytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes received from a download.
func RecordDownload(bytes int64) {
	bytesDownloaded.Add(float64(bytes))
}

// SetSessionState sets the session state gauge.
func SetSessionState(state int) {
	sessionState.Set(float64(state))
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	if success {
		authAttemptsTotal.WithLabelValues("success").Inc()
	} else {
		authAttemptsTotal.WithLabelValues("failure").Inc()
	}
}

// SetTreeNodes sets the tree size gauge.
func SetTreeNodes(n int) {
	treeNodes.Set(float64(n))
}

// RecordListingApplied counts a merged directory listing.
func RecordListingApplied() {
	listingsApplied.Inc()
}

// RecordFileOp records a finished file operation.
func RecordFileOp(op, state string) {
	fileOpsTotal.WithLabelValues(op, state).Inc()
}

// RecordRecursiveTransfer records the end of a recursive transfer.
func RecordRecursiveTransfer(kind, result string) {
	recursiveTransfersTotal.WithLabelValues(kind, result).Inc()
}

// RecordJobRefresh records a job list refresh.
func RecordJobRefresh(success bool) {
	if success {
		jobRefreshesTotal.WithLabelValues("success").Inc()
	} else {
		jobRefreshesTotal.WithLabelValues("failure").Inc()
	}
}

// SetJobsTracked sets the tracked job gauge.
func SetJobsTracked(n int) {
	jobsTracked.Set(float64(n))
}

// RecordEvent records a published event.
func RecordEvent(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// SetEventSubscribers sets the subscriber gauge.
func SetEventSubscribers(n int) {
	eventSubscribers.Set(float64(n))
}
