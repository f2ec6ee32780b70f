package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tortugas-leaderboard/internal/metrics"
)

// backoffMinutes is the retry schedule for queue items
var backoffMinutes = []int{1, 5, 15, 30, 60, 120, 240}

// WebhookEvent is a raw webhook delivery awaiting processing
type WebhookEvent struct {
	ID                  int64
	Data                string
	RetryCount          int
	LastError           *string
	NextRetryAt         *int64
	ProcessingStartedAt *int64
	CreatedAt           int64
}

// EnqueueWebhook stores a raw webhook payload for asynchronous processing
func (db *DB) EnqueueWebhook(data string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueWebhook))
	defer timer.ObserveDuration()

	_, err := db.conn.Exec(`
		INSERT INTO webhook_queue (data, created_at) VALUES (?, ?)
	`, data, time.Now().Unix())

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueWebhook).Inc()
		return fmt.Errorf("failed to enqueue webhook: %w", err)
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeWebhook).Inc()
	return nil
}

// ClaimWebhookEvent atomically claims the oldest ready webhook event. Items
// whose processing lock is older than StaleLockTimeout may be reclaimed.
// Returns nil if no events are ready.
func (db *DB) ClaimWebhookEvent() (*WebhookEvent, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimWebhook))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	staleBefore := now - int64(StaleLockTimeout.Seconds())

	var e WebhookEvent
	err := db.conn.QueryRow(`
		UPDATE webhook_queue
		SET processing_started_at = ?
		WHERE id = (
			SELECT id FROM webhook_queue
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (processing_started_at IS NULL OR processing_started_at < ?)
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, data, retry_count, last_error, next_retry_at, processing_started_at, created_at
	`, now, now, staleBefore).Scan(
		&e.ID, &e.Data, &e.RetryCount, &e.LastError, &e.NextRetryAt, &e.ProcessingStartedAt, &e.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimWebhook).Inc()
		return nil, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	return &e, nil
}

// DeleteWebhookEvent removes a processed event from the queue
func (db *DB) DeleteWebhookEvent(id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteWebhook))
	defer timer.ObserveDuration()

	_, err := db.conn.Exec(`DELETE FROM webhook_queue WHERE id = ?`, id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteWebhook).Inc()
		return fmt.Errorf("failed to delete webhook event: %w", err)
	}
	return nil
}

// ReleaseWebhookEvent returns a failed event to the queue with an incremented
// retry count and a backoff delay. Events past MaxRetries are dropped.
func (db *DB) ReleaseWebhookEvent(id int64, retryCount int, lastError string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseWebhook))
	defer timer.ObserveDuration()

	newRetryCount := retryCount + 1
	if newRetryCount >= MaxRetries {
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultDropped).Inc()
		return db.DeleteWebhookEvent(id)
	}

	nextRetryAt := time.Now().Unix() + backoffSeconds(newRetryCount)

	_, err := db.conn.Exec(`
		UPDATE webhook_queue
		SET retry_count = ?, last_error = ?, next_retry_at = ?, processing_started_at = NULL
		WHERE id = ?
	`, newRetryCount, lastError, nextRetryAt, id)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseWebhook).Inc()
		return fmt.Errorf("failed to release webhook event: %w", err)
	}

	metrics.QueueRetryTotal.WithLabelValues(metrics.QueueTypeWebhook, strconv.Itoa(newRetryCount)).Inc()
	return nil
}

// GetWebhookQueueLength returns the total number of queued webhook events
func (db *DB) GetWebhookQueueLength() (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM webhook_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count webhook queue: %w", err)
	}
	return count, nil
}

// GetReadyWebhookQueueLength returns the number of webhook events ready for
// processing now
func (db *DB) GetReadyWebhookQueueLength() (int, error) {
	now := time.Now().Unix()
	staleBefore := now - int64(StaleLockTimeout.Seconds())

	var count int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM webhook_queue
		WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (processing_started_at IS NULL OR processing_started_at < ?)
	`, now, staleBefore).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count ready webhook queue: %w", err)
	}
	return count, nil
}

// backoffSeconds returns the delay before the given retry attempt. Attempts
// beyond the schedule reuse the last entry.
func backoffSeconds(retryCount int) int64 {
	idx := retryCount - 1
	if idx >= len(backoffMinutes) {
		idx = len(backoffMinutes) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return int64(backoffMinutes[idx]) * 60
}
