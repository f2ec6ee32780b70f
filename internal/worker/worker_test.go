package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"tortugas-leaderboard/internal/database"
	"tortugas-leaderboard/internal/strava"
)

// fakeGateway is an in-memory Gateway
type fakeGateway struct {
	activities map[int64]*strava.ActivityDetail
	pages      [][]int64
	getErr     error
	listErr    error

	getCalls  []getCall
	listCalls int
}

type getCall struct {
	activityID int64
	priority   strava.Priority
}

func (g *fakeGateway) GetActivity(ctx context.Context, athleteID, activityID int64, p strava.Priority) (*strava.ActivityDetail, json.RawMessage, error) {
	g.getCalls = append(g.getCalls, getCall{activityID: activityID, priority: p})
	if g.getErr != nil {
		return nil, nil, g.getErr
	}
	detail, ok := g.activities[activityID]
	if !ok {
		return nil, nil, &strava.Error{Kind: strava.KindNotFound, Op: "get_activity", StatusCode: 404, Err: fmt.Errorf("not found")}
	}
	raw, _ := json.Marshal(detail)
	return detail, raw, nil
}

func (g *fakeGateway) ListActivities(ctx context.Context, athleteID int64, page, perPage int, p strava.Priority) ([]int64, bool, error) {
	g.listCalls++
	if g.listErr != nil {
		return nil, false, g.listErr
	}
	if page > len(g.pages) {
		return nil, false, nil
	}
	ids := g.pages[page-1]
	return ids, page < len(g.pages), nil
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertAthlete(t *testing.T, db *database.DB, athleteID int64) {
	t.Helper()
	err := db.UpsertAthlete(&database.Athlete{
		AthleteID:    athleteID,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
		FirstName:    "Ada",
		LastName:     "Lovelace",
	})
	if err != nil {
		t.Fatalf("Failed to insert athlete: %v", err)
	}
}

func runDetail(id int64) *strava.ActivityDetail {
	wt := 0
	return &strava.ActivityDetail{
		ID:             id,
		Name:           "Morning Run",
		Type:           "Run",
		MovingTime:     1800,
		Distance:       5000,
		StartDateLocal: "2026-01-12T07:30:00Z",
		WorkoutType:    &wt,
	}
}

func TestProcessWebhookEvent_ActivityCreate(t *testing.T) {
	db := openTestDB(t)
	insertAthlete(t, db, 100)

	gw := &fakeGateway{activities: map[int64]*strava.ActivityDetail{
		9001: runDetail(9001),
	}}
	w := NewWorker(db, gw)

	db.EnqueueWebhook(`{"object_type":"activity","aspect_type":"create","object_id":9001,"owner_id":100}`)
	event, _ := db.ClaimWebhookEvent()

	w.processWebhookEvent(context.Background(), event)

	// Webhook fetches run at high priority
	if len(gw.getCalls) != 1 {
		t.Fatalf("Expected 1 fetch, got %d", len(gw.getCalls))
	}
	if gw.getCalls[0].priority != strava.PriorityHigh {
		t.Errorf("Expected high priority fetch, got %s", gw.getCalls[0].priority)
	}

	activity, err := db.GetActivity(9001)
	if err != nil {
		t.Fatalf("Failed to get stored activity: %v", err)
	}
	if activity == nil {
		t.Fatal("Expected activity to be stored")
	}
	if activity.ActivityType != "Run" || activity.MovingTime != 1800 {
		t.Errorf("Unexpected stored activity: %+v", activity)
	}
	if activity.StartDateLocal == nil {
		t.Fatal("Expected start_date_local to be stored")
	}
	expected := time.Date(2026, 1, 12, 7, 30, 0, 0, time.UTC).Unix()
	if *activity.StartDateLocal != expected {
		t.Errorf("Expected start %d, got %d", expected, *activity.StartDateLocal)
	}

	// Event is removed from the queue on success
	length, _ := db.GetWebhookQueueLength()
	if length != 0 {
		t.Errorf("Expected empty queue after success, got %d", length)
	}
}

func TestProcessWebhookEvent_ActivityDelete(t *testing.T) {
	db := openTestDB(t)
	insertAthlete(t, db, 100)

	gw := &fakeGateway{}
	w := NewWorker(db, gw)

	db.EnqueueWebhook(`{"object_type":"activity","aspect_type":"delete","object_id":9001,"owner_id":100}`)
	event, _ := db.ClaimWebhookEvent()

	w.processWebhookEvent(context.Background(), event)

	// Deletes never hit the API
	if len(gw.getCalls) != 0 {
		t.Errorf("Expected no fetches for delete, got %d", len(gw.getCalls))
	}

	activity, _ := db.GetActivity(9001)
	if activity == nil || !activity.Deleted {
		t.Error("Expected deleted tombstone")
	}
}

func TestProcessWebhookEvent_Deauthorization(t *testing.T) {
	db := openTestDB(t)
	insertAthlete(t, db, 100)
	db.UpsertActivity(&database.Activity{ID: 9001, AthleteID: 100, ActivityType: "Run"})
	db.EnqueueSyncJob(100, database.JobTypeSyncAllActivities)

	w := NewWorker(db, &fakeGateway{})

	db.EnqueueWebhook(`{"object_type":"athlete","aspect_type":"update","object_id":100,"owner_id":100,"updates":{"authorized":"false"}}`)
	event, _ := db.ClaimWebhookEvent()

	w.processWebhookEvent(context.Background(), event)

	athlete, _ := db.GetAthlete(100)
	if athlete.Authorized {
		t.Error("Expected athlete deauthorized")
	}
	if a, _ := db.GetActivity(9001); a != nil {
		t.Error("Expected athlete's activities removed")
	}
	if length, _ := db.GetSyncJobQueueLength(); length != 0 {
		t.Errorf("Expected athlete's sync jobs removed, got %d", length)
	}
}

func TestProcessWebhookEvent_MalformedDropped(t *testing.T) {
	db := openTestDB(t)
	w := NewWorker(db, &fakeGateway{})

	db.EnqueueWebhook(`this is not json`)
	event, _ := db.ClaimWebhookEvent()

	w.processWebhookEvent(context.Background(), event)

	length, _ := db.GetWebhookQueueLength()
	if length != 0 {
		t.Errorf("Malformed events must be dropped, got queue length %d", length)
	}
}

func TestProcessWebhookEvent_TransientFailureRetries(t *testing.T) {
	db := openTestDB(t)
	insertAthlete(t, db, 100)

	gw := &fakeGateway{
		getErr: &strava.Error{Kind: strava.KindTransient, Op: "get_activity", StatusCode: 500, Err: fmt.Errorf("server error")},
	}
	w := NewWorker(db, gw)

	db.EnqueueWebhook(`{"object_type":"activity","aspect_type":"create","object_id":9001,"owner_id":100}`)
	event, _ := db.ClaimWebhookEvent()

	w.processWebhookEvent(context.Background(), event)

	// Event stays queued for retry with backoff
	length, _ := db.GetWebhookQueueLength()
	if length != 1 {
		t.Errorf("Expected event retained for retry, got queue length %d", length)
	}
	ready, _ := db.GetReadyWebhookQueueLength()
	if ready != 0 {
		t.Errorf("Expected backoff before retry, got %d ready", ready)
	}
}

func TestProcessSyncJob_Backfill(t *testing.T) {
	db := openTestDB(t)
	insertAthlete(t, db, 100)

	gw := &fakeGateway{
		pages: [][]int64{{1, 2}, {3}},
	}
	w := NewWorker(db, gw)

	db.EnqueueSyncJob(100, database.JobTypeSyncAllActivities)
	job, _ := db.ClaimSyncJob()

	w.processSyncJob(context.Background(), job)

	if gw.listCalls != 2 {
		t.Errorf("Expected 2 list pages, got %d", gw.listCalls)
	}

	// One sync_activity job per listed ID; the backfill job itself is gone
	length, _ := db.GetSyncJobQueueLength()
	if length != 3 {
		t.Errorf("Expected 3 per-activity jobs, got %d", length)
	}

	job, _ = db.ClaimSyncJob()
	if job == nil || job.JobType != database.JobTypeSyncActivity {
		t.Errorf("Expected sync_activity job, got %+v", job)
	}
}

func TestProcessSyncJob_ActivityPriorities(t *testing.T) {
	db := openTestDB(t)
	insertAthlete(t, db, 100)

	gw := &fakeGateway{activities: map[int64]*strava.ActivityDetail{
		1: runDetail(1),
		2: runDetail(2),
	}}
	w := NewWorker(db, gw)

	// Backfill fetches run low, admin resync fetches run medium
	db.EnqueueActivitySyncJob(100, 1, database.JobTypeSyncActivity)
	job, _ := db.ClaimSyncJob()
	w.processSyncJob(context.Background(), job)

	db.EnqueueActivitySyncJob(100, 2, database.JobTypeResyncActivity)
	job, _ = db.ClaimSyncJob()
	w.processSyncJob(context.Background(), job)

	if len(gw.getCalls) != 2 {
		t.Fatalf("Expected 2 fetches, got %d", len(gw.getCalls))
	}
	if gw.getCalls[0].priority != strava.PriorityLow {
		t.Errorf("Expected low priority for backfill fetch, got %s", gw.getCalls[0].priority)
	}
	if gw.getCalls[1].priority != strava.PriorityMedium {
		t.Errorf("Expected medium priority for resync fetch, got %s", gw.getCalls[1].priority)
	}
}

func TestFetchAndStore_NotFoundMarksDeleted(t *testing.T) {
	db := openTestDB(t)
	insertAthlete(t, db, 100)

	gw := &fakeGateway{activities: map[int64]*strava.ActivityDetail{}}
	w := NewWorker(db, gw)

	db.EnqueueActivitySyncJob(100, 404404, database.JobTypeSyncActivity)
	job, _ := db.ClaimSyncJob()
	w.processSyncJob(context.Background(), job)

	// 404 is terminal: job completes and the activity is tombstoned
	length, _ := db.GetSyncJobQueueLength()
	if length != 0 {
		t.Errorf("Expected job completed on 404, got %d queued", length)
	}
	activity, _ := db.GetActivity(404404)
	if activity == nil || !activity.Deleted {
		t.Error("Expected 404 to tombstone the activity")
	}
}

func TestFetchAndStore_UnauthorizedSkips(t *testing.T) {
	db := openTestDB(t)
	insertAthlete(t, db, 100)

	gw := &fakeGateway{
		getErr: &strava.Error{Kind: strava.KindUnauthorized, Op: "get_activity", StatusCode: 401, Err: fmt.Errorf("rejected")},
	}
	w := NewWorker(db, gw)

	db.EnqueueActivitySyncJob(100, 9001, database.JobTypeSyncActivity)
	job, _ := db.ClaimSyncJob()
	w.processSyncJob(context.Background(), job)

	// Unauthorized is terminal: job completes without storing anything
	length, _ := db.GetSyncJobQueueLength()
	if length != 0 {
		t.Errorf("Expected job completed on 401, got %d queued", length)
	}
	if a, _ := db.GetActivity(9001); a != nil {
		t.Error("Expected nothing stored for unauthorized fetch")
	}
}

func TestProcessSyncJob_RateLimitedRetries(t *testing.T) {
	db := openTestDB(t)
	insertAthlete(t, db, 100)

	gw := &fakeGateway{
		getErr: &strava.Error{Kind: strava.KindRateLimited, Op: "get_activity", StatusCode: 429, Err: fmt.Errorf("rate limit exceeded")},
	}
	w := NewWorker(db, gw)

	db.EnqueueActivitySyncJob(100, 9001, database.JobTypeSyncActivity)
	job, _ := db.ClaimSyncJob()
	w.processSyncJob(context.Background(), job)

	// Rate limited jobs are retried later
	length, _ := db.GetSyncJobQueueLength()
	if length != 1 {
		t.Errorf("Expected job retained for retry, got %d", length)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	db := openTestDB(t)
	w := NewWorker(db, &fakeGateway{})
	w.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Worker did not stop after cancellation")
	}
}
