package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tortugas-leaderboard/internal/database"
	"tortugas-leaderboard/internal/metrics"
	"tortugas-leaderboard/internal/strava"
)

// Gateway is the outbound Strava surface the worker depends on
type Gateway interface {
	GetActivity(ctx context.Context, athleteID, activityID int64, p strava.Priority) (*strava.ActivityDetail, json.RawMessage, error)
	ListActivities(ctx context.Context, athleteID int64, page, perPage int, p strava.Priority) ([]int64, bool, error)
}

// Worker drains the webhook queue and the sync job queue. Webhook-driven
// fetches run at high priority; backfill runs at low priority so it can never
// starve real-time events of quota.
type Worker struct {
	db           *database.DB
	gateway      Gateway
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewWorker creates a queue worker
func NewWorker(db *database.DB, gateway Gateway) *Worker {
	return &Worker{
		db:           db,
		gateway:      gateway,
		logger:       slog.Default(),
		pollInterval: 500 * time.Millisecond,
	}
}

// Start begins processing both queues until the context is cancelled.
// Webhooks are always drained before sync jobs.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker")
	metrics.WorkerActive.Set(1)
	defer metrics.WorkerActive.Set(0)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping worker")
			return ctx.Err()
		default:
			event, err := w.db.ClaimWebhookEvent()
			if err != nil {
				w.logger.Error("Failed to claim webhook event", "error", err)
				w.sleep(ctx)
				continue
			}

			if event != nil {
				metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeWebhookFound).Inc()
				w.processWebhookEvent(ctx, event)
				continue
			}

			job, err := w.db.ClaimSyncJob()
			if err != nil {
				w.logger.Error("Failed to claim sync job", "error", err)
				w.sleep(ctx)
				continue
			}

			if job != nil {
				metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeSyncJobFound).Inc()
				w.processSyncJob(ctx, job)
				continue
			}

			metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeIdle).Inc()
			w.sleep(ctx)
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

// processWebhookEvent handles a single claimed webhook event
func (w *Worker) processWebhookEvent(ctx context.Context, event *database.WebhookEvent) {
	start := time.Now()
	w.logger.Info("Processing webhook event", "id", event.ID, "retry_count", event.RetryCount)

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
		// Malformed payloads can never succeed, drop them
		w.logger.Error("Failed to unmarshal webhook event, dropping", "id", event.ID, "error", err)
		w.finishWebhook(event.ID, start, metrics.ResultDropped)
		return
	}

	objectType, _ := payload["object_type"].(string)

	var err error
	switch objectType {
	case "activity":
		err = w.handleActivityEvent(ctx, payload)
	case "athlete":
		err = w.handleAthleteEvent(payload)
	default:
		w.logger.Warn("Unknown webhook object_type, dropping", "id", event.ID, "object_type", objectType)
		w.finishWebhook(event.ID, start, metrics.ResultDropped)
		return
	}

	if err != nil {
		w.logger.Error("Failed to process webhook event", "id", event.ID, "error", err)
		duration := time.Since(start).Seconds()
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultFailure).Observe(duration)
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultRetry).Inc()
		if relErr := w.db.ReleaseWebhookEvent(event.ID, event.RetryCount, err.Error()); relErr != nil {
			w.logger.Error("Failed to release webhook event", "id", event.ID, "error", relErr)
		}
		return
	}

	w.finishWebhook(event.ID, start, metrics.ResultSuccess)
	w.logger.Info("Webhook event processed", "id", event.ID)
}

func (w *Worker) finishWebhook(id int64, start time.Time, result string) {
	if err := w.db.DeleteWebhookEvent(id); err != nil {
		w.logger.Error("Failed to delete webhook event", "id", id, "error", err)
		return
	}
	duration := time.Since(start).Seconds()
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeWebhook, result).Observe(duration)
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeWebhook, result).Inc()
}

// handleActivityEvent applies an activity create/update/delete
func (w *Worker) handleActivityEvent(ctx context.Context, payload map[string]interface{}) error {
	ownerID, ok := payload["owner_id"].(float64)
	if !ok {
		return fmt.Errorf("invalid owner_id in activity webhook")
	}
	athleteID := int64(ownerID)

	objectID, ok := payload["object_id"].(float64)
	if !ok {
		return fmt.Errorf("invalid object_id in activity webhook")
	}
	activityID := int64(objectID)

	aspectType, _ := payload["aspect_type"].(string)

	w.logger.Info("Processing activity webhook",
		"athlete_id", athleteID,
		"activity_id", activityID,
		"aspect_type", aspectType)

	switch aspectType {
	case "create", "update":
		if err := w.fetchAndStoreActivity(ctx, athleteID, activityID, strava.PriorityHigh); err != nil {
			return err
		}
		metrics.WebhookEventsProcessedTotal.WithLabelValues("activity", aspectType).Inc()
		return nil

	case "delete":
		if err := w.db.MarkActivityDeleted(activityID, athleteID); err != nil {
			return fmt.Errorf("failed to mark activity deleted: %w", err)
		}
		metrics.WebhookEventsProcessedTotal.WithLabelValues("activity", "delete").Inc()
		return nil

	default:
		w.logger.Warn("Unknown aspect_type, skipping",
			"aspect_type", aspectType,
			"activity_id", activityID)
		return nil
	}
}

// handleAthleteEvent applies an athlete deauthorization. Any other athlete
// update is ignored.
func (w *Worker) handleAthleteEvent(payload map[string]interface{}) error {
	ownerID, ok := payload["owner_id"].(float64)
	if !ok {
		return fmt.Errorf("invalid owner_id in athlete webhook")
	}
	athleteID := int64(ownerID)

	aspectType, _ := payload["aspect_type"].(string)
	if aspectType != "update" {
		w.logger.Info("Ignoring athlete webhook with non-update aspect",
			"athlete_id", athleteID,
			"aspect_type", aspectType)
		return nil
	}

	updates, ok := payload["updates"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("invalid updates in athlete webhook")
	}

	authorized, ok := updates["authorized"].(string)
	if !ok || authorized != "false" {
		w.logger.Info("Ignoring athlete update that is not deauthorization",
			"athlete_id", athleteID,
			"authorized", authorized)
		return nil
	}

	w.logger.Info("Processing athlete deauthorization", "athlete_id", athleteID)

	if err := w.db.DeauthorizeAthlete(athleteID); err != nil {
		return fmt.Errorf("failed to deauthorize athlete: %w", err)
	}
	if err := w.db.DeleteAthleteSyncJobs(athleteID); err != nil {
		return fmt.Errorf("failed to delete athlete sync jobs: %w", err)
	}
	if err := w.db.DeleteAthleteActivities(athleteID); err != nil {
		return fmt.Errorf("failed to delete athlete activities: %w", err)
	}

	metrics.WebhookEventsProcessedTotal.WithLabelValues("athlete", "deauthorization").Inc()

	return nil
}

// processSyncJob handles a single claimed sync job
func (w *Worker) processSyncJob(ctx context.Context, job *database.SyncJob) {
	start := time.Now()
	w.logger.Info("Processing sync job",
		"id", job.ID,
		"athlete_id", job.AthleteID,
		"job_type", job.JobType,
		"retry_count", job.RetryCount)

	var err error
	switch job.JobType {
	case database.JobTypeSyncAllActivities:
		err = w.backfillActivities(ctx, job.AthleteID)
	case database.JobTypeSyncActivity:
		err = w.runActivityJob(ctx, job, strava.PriorityLow)
	case database.JobTypeResyncActivity:
		err = w.runActivityJob(ctx, job, strava.PriorityMedium)
	default:
		w.logger.Warn("Unknown sync job type, dropping", "id", job.ID, "job_type", job.JobType)
		w.finishSyncJob(job.ID, start, metrics.ResultDropped)
		return
	}

	if err != nil {
		w.logger.Error("Failed to process sync job", "id", job.ID, "error", err)
		duration := time.Since(start).Seconds()
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultFailure).Observe(duration)
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultRetry).Inc()
		if relErr := w.db.ReleaseSyncJob(job.ID, job.RetryCount, err.Error()); relErr != nil {
			w.logger.Error("Failed to release sync job", "id", job.ID, "error", relErr)
		}
		return
	}

	w.finishSyncJob(job.ID, start, metrics.ResultSuccess)
	metrics.SyncJobsCompletedTotal.WithLabelValues(job.JobType).Inc()
	w.logger.Info("Sync job processed", "id", job.ID, "job_type", job.JobType)
}

func (w *Worker) finishSyncJob(id int64, start time.Time, result string) {
	if err := w.db.DeleteSyncJob(id); err != nil {
		w.logger.Error("Failed to delete sync job", "id", id, "error", err)
		return
	}
	duration := time.Since(start).Seconds()
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, result).Observe(duration)
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, result).Inc()
}

func (w *Worker) runActivityJob(ctx context.Context, job *database.SyncJob, p strava.Priority) error {
	if job.ActivityID == nil {
		// Invalid job shape, nothing to retry
		w.logger.Error("Activity job missing activity_id, skipping", "id", job.ID, "job_type", job.JobType)
		return nil
	}
	return w.fetchAndStoreActivity(ctx, job.AthleteID, *job.ActivityID, p)
}

// backfillActivities pages through the athlete's history and enqueues a
// per-activity fetch for each ID
func (w *Worker) backfillActivities(ctx context.Context, athleteID int64) error {
	w.logger.Info("Starting backfill for athlete", "athlete_id", athleteID)

	page := 1
	perPage := 200
	total := 0

	for {
		activityIDs, hasMore, err := w.gateway.ListActivities(ctx, athleteID, page, perPage, strava.PriorityLow)
		if err != nil {
			if strava.IsUnauthorized(err) {
				w.logger.Warn("Athlete unauthorized during backfill, skipping", "athlete_id", athleteID)
				return nil
			}
			return fmt.Errorf("failed to list activities (page %d): %w", page, err)
		}

		for _, activityID := range activityIDs {
			if err := w.db.EnqueueActivitySyncJob(athleteID, activityID, database.JobTypeSyncActivity); err != nil {
				w.logger.Error("Failed to enqueue activity sync job",
					"athlete_id", athleteID,
					"activity_id", activityID,
					"error", err)
			}
		}

		total += len(activityIDs)
		w.logger.Info("Listed activities page",
			"athlete_id", athleteID,
			"page", page,
			"count", len(activityIDs),
			"total", total)

		if !hasMore {
			break
		}

		page++
	}

	w.logger.Info("Completed backfill listing", "athlete_id", athleteID, "total_activities", total)

	metrics.BackfillActivitiesCount.Observe(float64(total))

	return nil
}

// fetchAndStoreActivity fetches activity detail at the given priority and
// upserts the fact row. Terminal API outcomes are absorbed here: a 404 marks
// the activity deleted, an auth rejection skips the athlete. Rate limit and
// transient errors propagate so the queue item is retried.
func (w *Worker) fetchAndStoreActivity(ctx context.Context, athleteID, activityID int64, p strava.Priority) error {
	detail, raw, err := w.gateway.GetActivity(ctx, athleteID, activityID, p)
	if err != nil {
		if strava.IsNotFound(err) {
			w.logger.Warn("Activity not found, marking deleted", "activity_id", activityID)
			return w.db.MarkActivityDeleted(activityID, athleteID)
		}
		if strava.IsUnauthorized(err) {
			w.logger.Warn("Athlete unauthorized, skipping", "athlete_id", athleteID)
			return nil
		}
		return fmt.Errorf("failed to get activity: %w", err)
	}

	activity := &database.Activity{
		ID:           detail.ID,
		AthleteID:    athleteID,
		Name:         detail.Name,
		ActivityType: detail.Type,
		MovingTime:   detail.MovingTime,
		Distance:     detail.Distance,
	}

	if detail.WorkoutType != nil {
		activity.WorkoutType = *detail.WorkoutType
	}

	if detail.StartDateLocal != "" {
		startLocal, err := detail.StartLocal()
		if err != nil {
			w.logger.Error("Unparseable start_date_local, storing without",
				"activity_id", activityID, "error", err)
		} else {
			epoch := startLocal.Unix()
			activity.StartDateLocal = &epoch
		}
	}

	details := string(raw)
	activity.DetailsJSON = &details

	if err := w.db.UpsertActivity(activity); err != nil {
		return fmt.Errorf("failed to upsert activity: %w", err)
	}

	w.logger.Debug("Stored activity",
		"athlete_id", athleteID,
		"activity_id", activityID,
		"type", detail.Type)

	return nil
}
