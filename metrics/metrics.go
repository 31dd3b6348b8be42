// Package metrics provides Prometheus metrics for drivecache.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivecache_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivecache_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivecache_children_lookups_total",
			Help: "Total children cache lookups",
		},
		[]string{"result"},
	)

	childrenChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivecache_children_changes_total",
			Help: "Total children added, changed or removed between two listings",
		},
		[]string{"kind"},
	)

	// Remote metrics
	remoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivecache_remote_call_duration_seconds",
			Help:    "Google Drive API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	remoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivecache_remote_calls_total",
			Help: "Total Google Drive API calls",
		},
		[]string{"operation", "result"},
	)

	// Task queue metrics
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivecache_tasks_total",
			Help: "Total tasks handled by the queue runner",
		},
		[]string{"result"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivecache_queue_depth",
			Help: "Number of tasks waiting in the queue",
		},
	)

	// Watch channel metrics
	watchChannelsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivecache_watch_channels_total",
			Help: "Total watch channel operations",
		},
		[]string{"operation"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivecache_notifications_total",
			Help: "Total push notifications received",
		},
		[]string{"kind", "result"},
	)

	// Reconciliation metrics
	changesProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivecache_changes_processed_total",
			Help: "Total change log entries processed",
		},
	)

	filesMovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivecache_files_moved_total",
			Help: "Total files moved into the destination hierarchy",
		},
	)

	foldersTrashedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivecache_folders_trashed_total",
			Help: "Total empty folders trashed",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCacheLookup records a children cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordChildrenChanges records the outcome of comparing two listings of a folder.
func RecordChildrenChanges(added, changed, removed int) {
	childrenChangesTotal.WithLabelValues("added").Add(float64(added))
	childrenChangesTotal.WithLabelValues("changed").Add(float64(changed))
	childrenChangesTotal.WithLabelValues("removed").Add(float64(removed))
}

// RecordRemoteCall records a Google Drive API call.
// result is empty on success, or the name of the error class.
func RecordRemoteCall(operation string, duration time.Duration, result string) {
	remoteCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if result == "" {
		result = "success"
	}
	remoteCallsTotal.WithLabelValues(operation, result).Inc()
}

// RecordTasks records the outcome of one queue run.
func RecordTasks(executed, retried, dropped, requeued int) {
	tasksTotal.WithLabelValues("executed").Add(float64(executed))
	tasksTotal.WithLabelValues("retried").Add(float64(retried))
	tasksTotal.WithLabelValues("dropped").Add(float64(dropped))
	tasksTotal.WithLabelValues("requeued").Add(float64(requeued))
}

// SetQueueDepth sets the number of waiting tasks.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordWatchChannel records a watch channel operation such as create or stop.
func RecordWatchChannel(operation string) {
	watchChannelsTotal.WithLabelValues(operation).Inc()
}

// RecordNotification records a received push notification.
func RecordNotification(kind string, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	notificationsTotal.WithLabelValues(kind, result).Inc()
}

// RecordChangesProcessed records processed change log entries.
func RecordChangesProcessed(count int) {
	changesProcessedTotal.Add(float64(count))
}

// RecordFilesMoved records moved files.
func RecordFilesMoved(count int) {
	filesMovedTotal.Add(float64(count))
}

// RecordFoldersTrashed records trashed folders.
func RecordFoldersTrashed(count int) {
	foldersTrashedTotal.Add(float64(count))
}
