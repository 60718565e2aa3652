package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icetable_commits_total",
		Help: "Total number of snapshot commits by operation and outcome (ok, conflict, error).",
	}, []string{"operation", "outcome"})

	CommitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "icetable_commit_duration_seconds",
		Help:    "Duration of snapshot commits, from metadata write to pointer swap.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	DataFilesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icetable_data_files_written_total",
		Help: "Total number of data files written.",
	})

	DataBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icetable_data_bytes_written_total",
		Help: "Total bytes of data files written.",
	})

	RecordsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icetable_records_written_total",
		Help: "Total number of records written to data files.",
	})

	ManifestsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icetable_manifests_written_total",
		Help: "Total number of manifest and manifest list objects written.",
	}, []string{"kind"})

	ScanFilesPlanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icetable_scan_files_planned_total",
		Help: "Total number of data files yielded by scan planning.",
	})

	ScanRecordsRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icetable_scan_records_read_total",
		Help: "Total number of records returned by scans after filtering.",
	})

	ScanPlanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "icetable_scan_plan_duration_seconds",
		Help:    "Duration of scan planning (manifest list and manifest reads).",
		Buckets: prometheus.DefBuckets,
	})

	CatalogOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icetable_catalog_operations_total",
		Help: "Total number of catalog backend operations by backend, operation and outcome.",
	}, []string{"backend", "op", "outcome"})

	ObjectStoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icetable_objstore_operations_total",
		Help: "Total number of object store operations by store, operation and outcome.",
	}, []string{"store", "op", "outcome"})

	ObjectStoreBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icetable_objstore_bytes_total",
		Help: "Total bytes transferred to and from the object store.",
	}, []string{"store", "direction"})

	SnapshotsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icetable_snapshots_expired_total",
		Help: "Total number of snapshots removed by expiry.",
	})

	GCObjectsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icetable_gc_objects_deleted_total",
		Help: "Total number of unreferenced objects deleted by garbage collection.",
	}, []string{"kind"})

	GCDeleteWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icetable_gc_delete_waits_total",
		Help: "Total number of expiry deletions held back by the delete rate limit, by object kind.",
	}, []string{"kind"})

	GCDeleteWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "icetable_gc_delete_wait_duration_seconds",
		Help:    "Time expiry deletions spent waiting on the delete rate limit, by object kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	CommitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icetable_commit_retries_total",
		Help: "Total number of caller-side commit retries after a concurrent modification.",
	})

	MaintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icetable_maintenance_runs_total",
		Help: "Total number of scheduled maintenance job runs by kind and outcome.",
	}, []string{"kind", "outcome"})

	MaintenanceSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icetable_maintenance_skipped_total",
		Help: "Total number of scheduled maintenance runs skipped because the job's circuit was open.",
	}, []string{"job"})

	PanicsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icetable_panics_recovered_total",
		Help: "Total number of panics recovered in background work by component.",
	}, []string{"component"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icetable_http_requests_total",
		Help: "Total number of API requests by route and status code.",
	}, []string{"route", "code"})
)

// Outcome maps an error to the outcome label used by the counters above.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
