// Package metrics provides Prometheus metrics for tenant-vault.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tenant_vault"

var (
	// BackupsTotal tracks backup attempts by trigger and final status
	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "total",
			Help:      "Total number of backups by trigger and status",
		},
		[]string{"trigger", "status"},
	)

	// BackupDuration tracks capture-to-store duration in seconds
	BackupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Duration of backup creation in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"trigger"},
	)

	// BackupPayloadBytes tracks stored payload sizes
	BackupPayloadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "payload_bytes",
			Help:      "Size of stored backup payloads in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	// RowsCapturedTotal tracks captured rows per table
	RowsCapturedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "rows_captured_total",
			Help:      "Total number of rows captured per table",
		},
		[]string{"table"},
	)

	// RestoresTotal tracks restores by type and status
	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "total",
			Help:      "Total number of restores by type and status",
		},
		[]string{"type", "status"},
	)

	// RestoreDuration tracks restore duration in seconds
	RestoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "duration_seconds",
			Help:      "Duration of restores in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"type"},
	)

	// RowsRestoredTotal tracks written rows by restore type
	RowsRestoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "rows_total",
			Help:      "Total number of rows written by restores",
		},
		[]string{"type"},
	)

	// DeletionsTotal tracks cascading tenant deletions by status
	DeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "deletions_total",
			Help:      "Total number of cascading tenant deletions by status",
		},
		[]string{"status"},
	)

	// RowsDeletedTotal tracks rows removed by cascading deletion per table
	RowsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "rows_deleted_total",
			Help:      "Total number of rows removed by cascading deletion per table",
		},
		[]string{"table"},
	)

	// SchedulerRunsTotal tracks scheduler runs by status
	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Total number of scheduled backup runs by status",
		},
		[]string{"status"},
	)

	// SchedulerTenantsTotal tracks per-tenant results of scheduled runs
	SchedulerTenantsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tenants_total",
			Help:      "Total number of tenants processed by scheduled runs by status",
		},
		[]string{"status"},
	)

	// SchedulerLastRun is the unix time of the latest scheduler run start
	SchedulerLastRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the most recent scheduled backup run",
		},
	)

	// LockContentionTotal tracks rejected lock acquisitions
	LockContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "contention_total",
			Help:      "Total number of operations rejected because a lock was held",
		},
		[]string{"operation"},
	)

	// IsolationViolationsTotal tracks tenant isolation violations
	IsolationViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "isolation_violations_total",
			Help:      "Total number of tenant isolation violations by operation",
		},
		[]string{"operation"},
	)

	// RetentionPurgedTotal tracks backups removed by retention
	RetentionPurgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "purged_total",
			Help:      "Total number of backups purged by retention by reason",
		},
		[]string{"reason"},
	)
)

// Trigger returns the trigger label of a backup
func Trigger(automatic bool) string {
	if automatic {
		return "automatic"
	}
	return "manual"
}

// Status returns the status label of an operation result
func Status(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}

// ObserveBackup records one finished backup
func ObserveBackup(automatic bool, duration time.Duration, sizeBytes int64, err error) {
	trigger := Trigger(automatic)
	BackupsTotal.WithLabelValues(trigger, Status(err)).Inc()
	BackupDuration.WithLabelValues(trigger).Observe(duration.Seconds())
	if err == nil {
		BackupPayloadBytes.Observe(float64(sizeBytes))
	}
}

// ObserveRestore records one finished restore
func ObserveRestore(restoreType string, duration time.Duration, rows int64, err error) {
	RestoresTotal.WithLabelValues(restoreType, Status(err)).Inc()
	RestoreDuration.WithLabelValues(restoreType).Observe(duration.Seconds())
	if err == nil {
		RowsRestoredTotal.WithLabelValues(restoreType).Add(float64(rows))
	}
}
