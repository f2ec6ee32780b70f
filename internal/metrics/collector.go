package metrics

import (
	"context"
	"log/slog"
	"time"
)

// DB interface for queue depth queries
type DB interface {
	GetWebhookQueueLength() (int, error)
	GetReadyWebhookQueueLength() (int, error)
	GetSyncJobQueueLength() (int, error)
	GetReadySyncJobQueueLength() (int, error)
}

// QuotaSource reports current quota window usage
type QuotaSource interface {
	Status() (shortLimit, shortUsed, longLimit, longUsed int)
}

// StartCollector starts a background goroutine that periodically collects
// queue depth and quota usage gauges
func StartCollector(ctx context.Context, db DB, quota QuotaSource, interval time.Duration) {
	logger := slog.Default()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect once immediately
	collect(db, quota, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Metrics collector stopping")
			return
		case <-ticker.C:
			collect(db, quota, logger)
		}
	}
}

func collect(db DB, quota QuotaSource, logger *slog.Logger) {
	if total, err := db.GetWebhookQueueLength(); err != nil {
		logger.Error("Failed to get webhook queue length", "error", err)
	} else {
		QueueDepthTotal.WithLabelValues(QueueTypeWebhook).Set(float64(total))
	}

	if ready, err := db.GetReadyWebhookQueueLength(); err != nil {
		logger.Error("Failed to get ready webhook queue length", "error", err)
	} else {
		QueueDepthReady.WithLabelValues(QueueTypeWebhook).Set(float64(ready))
	}

	if total, err := db.GetSyncJobQueueLength(); err != nil {
		logger.Error("Failed to get sync job queue length", "error", err)
	} else {
		QueueDepthTotal.WithLabelValues(QueueTypeSyncJob).Set(float64(total))
	}

	if ready, err := db.GetReadySyncJobQueueLength(); err != nil {
		logger.Error("Failed to get ready sync job queue length", "error", err)
	} else {
		QueueDepthReady.WithLabelValues(QueueTypeSyncJob).Set(float64(ready))
	}

	if quota != nil {
		shortLimit, shortUsed, longLimit, longUsed := quota.Status()
		QuotaWindowUsage.WithLabelValues(WindowShort, BucketLimit).Set(float64(shortLimit))
		QuotaWindowUsage.WithLabelValues(WindowShort, BucketUsage).Set(float64(shortUsed))
		QuotaWindowUsage.WithLabelValues(WindowLong, BucketLimit).Set(float64(longLimit))
		QuotaWindowUsage.WithLabelValues(WindowLong, BucketUsage).Set(float64(longUsed))
	}
}
