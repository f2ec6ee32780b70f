package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tortugas-leaderboard/internal/metrics"
)

// Sync job types
const (
	JobTypeSyncAllActivities = "sync_all_activities"
	JobTypeSyncActivity      = "sync_activity"
	JobTypeResyncActivity    = "resync_activity"
)

// SyncJob is a backfill or resync work item
type SyncJob struct {
	ID                  int64
	AthleteID           int64
	ActivityID          *int64 // nil for sync_all_activities
	JobType             string
	RetryCount          int
	LastError           *string
	NextRetryAt         *int64
	ProcessingStartedAt *int64
	CreatedAt           int64
}

// EnqueueSyncJob queues a full-history backfill for an athlete
func (db *DB) EnqueueSyncJob(athleteID int64, jobType string) error {
	return db.enqueueSyncJob(athleteID, nil, jobType)
}

// EnqueueActivitySyncJob queues a fetch of a single activity
func (db *DB) EnqueueActivitySyncJob(athleteID, activityID int64, jobType string) error {
	return db.enqueueSyncJob(athleteID, &activityID, jobType)
}

func (db *DB) enqueueSyncJob(athleteID int64, activityID *int64, jobType string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueSyncJob))
	defer timer.ObserveDuration()

	_, err := db.conn.Exec(`
		INSERT INTO sync_jobs (athlete_id, activity_id, job_type, created_at)
		VALUES (?, ?, ?, ?)
	`, athleteID, activityID, jobType, time.Now().Unix())

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueSyncJob).Inc()
		return fmt.Errorf("failed to enqueue sync job: %w", err)
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeSyncJob).Inc()
	return nil
}

// ClaimSyncJob atomically claims the oldest ready sync job. Items whose
// processing lock is older than StaleLockTimeout may be reclaimed. Returns
// nil if no jobs are ready.
func (db *DB) ClaimSyncJob() (*SyncJob, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimSyncJob))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	staleBefore := now - int64(StaleLockTimeout.Seconds())

	var j SyncJob
	err := db.conn.QueryRow(`
		UPDATE sync_jobs
		SET processing_started_at = ?
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (processing_started_at IS NULL OR processing_started_at < ?)
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, athlete_id, activity_id, job_type, retry_count, last_error, next_retry_at, processing_started_at, created_at
	`, now, now, staleBefore).Scan(
		&j.ID, &j.AthleteID, &j.ActivityID, &j.JobType, &j.RetryCount,
		&j.LastError, &j.NextRetryAt, &j.ProcessingStartedAt, &j.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimSyncJob).Inc()
		return nil, fmt.Errorf("failed to claim sync job: %w", err)
	}
	return &j, nil
}

// DeleteSyncJob removes a completed job from the queue
func (db *DB) DeleteSyncJob(id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteSyncJob))
	defer timer.ObserveDuration()

	_, err := db.conn.Exec(`DELETE FROM sync_jobs WHERE id = ?`, id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteSyncJob).Inc()
		return fmt.Errorf("failed to delete sync job: %w", err)
	}
	return nil
}

// ReleaseSyncJob returns a failed job to the queue with an incremented retry
// count and a backoff delay. Jobs past MaxRetries are dropped.
func (db *DB) ReleaseSyncJob(id int64, retryCount int, lastError string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseSyncJob))
	defer timer.ObserveDuration()

	newRetryCount := retryCount + 1
	if newRetryCount >= MaxRetries {
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultDropped).Inc()
		return db.DeleteSyncJob(id)
	}

	nextRetryAt := time.Now().Unix() + backoffSeconds(newRetryCount)

	_, err := db.conn.Exec(`
		UPDATE sync_jobs
		SET retry_count = ?, last_error = ?, next_retry_at = ?, processing_started_at = NULL
		WHERE id = ?
	`, newRetryCount, lastError, nextRetryAt, id)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseSyncJob).Inc()
		return fmt.Errorf("failed to release sync job: %w", err)
	}

	metrics.QueueRetryTotal.WithLabelValues(metrics.QueueTypeSyncJob, strconv.Itoa(newRetryCount)).Inc()
	return nil
}

// DeleteAthleteSyncJobs removes all pending jobs for an athlete. Used on
// deauthorization.
func (db *DB) DeleteAthleteSyncJobs(athleteID int64) error {
	_, err := db.conn.Exec(`DELETE FROM sync_jobs WHERE athlete_id = ?`, athleteID)
	if err != nil {
		return fmt.Errorf("failed to delete athlete sync jobs: %w", err)
	}
	return nil
}

// GetSyncJobQueueLength returns the total number of queued sync jobs
func (db *DB) GetSyncJobQueueLength() (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM sync_jobs`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sync jobs: %w", err)
	}
	return count, nil
}

// GetReadySyncJobQueueLength returns the number of sync jobs ready for
// processing now
func (db *DB) GetReadySyncJobQueueLength() (int, error) {
	now := time.Now().Unix()
	staleBefore := now - int64(StaleLockTimeout.Seconds())

	var count int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM sync_jobs
		WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (processing_started_at IS NULL OR processing_started_at < ?)
	`, now, staleBefore).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count ready sync jobs: %w", err)
	}
	return count, nil
}
