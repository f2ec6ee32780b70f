package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tortugas-leaderboard/internal/metrics"
	"tortugas-leaderboard/internal/score"
)

// Activity represents a stored activity fact
type Activity struct {
	ID             int64
	AthleteID      int64
	Name           string
	ActivityType   string
	MovingTime     int64
	Distance       float64
	StartDateLocal *int64 // athlete-local wall clock as Unix timestamp
	WorkoutType    int
	Deleted        bool
	DetailsJSON    *string
	CreatedAt      int64
	UpdatedAt      int64
	LastSyncedAt   *int64
}

// UpsertActivity inserts or replaces an activity fact keyed by its Strava ID.
// Duplicate or re-ordered webhook deliveries converge on the latest fetched
// detail.
func (db *DB) UpsertActivity(a *Activity) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertActivity))
	defer timer.ObserveDuration()

	now := time.Now().Unix()

	_, err := db.conn.Exec(`
		INSERT INTO activities (
			id, athlete_id, name, activity_type, moving_time, distance,
			start_date_local, workout_type, deleted, details_json,
			created_at, updated_at, last_synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			athlete_id = excluded.athlete_id,
			name = excluded.name,
			activity_type = excluded.activity_type,
			moving_time = excluded.moving_time,
			distance = excluded.distance,
			start_date_local = excluded.start_date_local,
			workout_type = excluded.workout_type,
			deleted = 0,
			details_json = excluded.details_json,
			updated_at = excluded.updated_at,
			last_synced_at = excluded.last_synced_at
	`, a.ID, a.AthleteID, a.Name, a.ActivityType, a.MovingTime, a.Distance,
		a.StartDateLocal, a.WorkoutType, a.DetailsJSON, now, now, now)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertActivity).Inc()
		return fmt.Errorf("failed to upsert activity: %w", err)
	}
	return nil
}

// MarkActivityDeleted records a deletion. Unknown activities get a tombstone
// row so a late create/update delivery cannot resurrect a deleted activity
// without a successful refetch.
func (db *DB) MarkActivityDeleted(activityID, athleteID int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpMarkActivityDeleted))
	defer timer.ObserveDuration()

	now := time.Now().Unix()

	_, err := db.conn.Exec(`
		INSERT INTO activities (id, athlete_id, deleted, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			deleted = 1,
			details_json = NULL,
			updated_at = excluded.updated_at
	`, activityID, athleteID, now, now)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpMarkActivityDeleted).Inc()
		return fmt.Errorf("failed to mark activity deleted: %w", err)
	}
	return nil
}

// GetActivity retrieves an activity by ID. Returns nil if not found.
func (db *DB) GetActivity(activityID int64) (*Activity, error) {
	var a Activity
	err := db.conn.QueryRow(`
		SELECT id, athlete_id, name, activity_type, moving_time, distance,
		       start_date_local, workout_type, deleted, details_json,
		       created_at, updated_at, last_synced_at
		FROM activities WHERE id = ?
	`, activityID).Scan(
		&a.ID, &a.AthleteID, &a.Name, &a.ActivityType, &a.MovingTime, &a.Distance,
		&a.StartDateLocal, &a.WorkoutType, &a.Deleted, &a.DetailsJSON,
		&a.CreatedAt, &a.UpdatedAt, &a.LastSyncedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return &a, nil
}

// DeleteAthleteActivities removes all of an athlete's activities. Used on
// deauthorization.
func (db *DB) DeleteAthleteActivities(athleteID int64) error {
	_, err := db.conn.Exec(`DELETE FROM activities WHERE athlete_id = ?`, athleteID)
	if err != nil {
		return fmt.Errorf("failed to delete athlete activities: %w", err)
	}
	return nil
}

// eligibleQuery selects scoring-eligible facts: non-deleted runs with a
// start time inside the half-open interval
const eligibleQuery = `
	SELECT id, athlete_id, name, moving_time, distance, start_date_local, workout_type
	FROM activities
	WHERE activity_type = 'Run'
	  AND deleted = 0
	  AND start_date_local IS NOT NULL
	  AND start_date_local >= ?
	  AND start_date_local < ?
`

// EligibleActivities returns scoring-eligible facts within [start, end)
func (db *DB) EligibleActivities(start, end time.Time) ([]score.Activity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListEligibleActivities))
	defer timer.ObserveDuration()

	rows, err := db.conn.Query(eligibleQuery+` ORDER BY athlete_id, start_date_local`,
		start.Unix(), end.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListEligibleActivities).Inc()
		return nil, fmt.Errorf("failed to query eligible activities: %w", err)
	}
	defer rows.Close()

	return scanEligible(rows)
}

// EligibleActivitiesByAthlete returns one athlete's scoring-eligible facts
// within [start, end)
func (db *DB) EligibleActivitiesByAthlete(athleteID int64, start, end time.Time) ([]score.Activity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListEligibleActivities))
	defer timer.ObserveDuration()

	rows, err := db.conn.Query(eligibleQuery+` AND athlete_id = ? ORDER BY start_date_local`,
		start.Unix(), end.Unix(), athleteID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListEligibleActivities).Inc()
		return nil, fmt.Errorf("failed to query athlete activities: %w", err)
	}
	defer rows.Close()

	return scanEligible(rows)
}

func scanEligible(rows *sql.Rows) ([]score.Activity, error) {
	var activities []score.Activity
	for rows.Next() {
		var act score.Activity
		var startLocal int64
		err := rows.Scan(&act.ID, &act.AthleteID, &act.Name, &act.MovingTimeSeconds,
			&act.Distance, &startLocal, &act.WorkoutType)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		act.StartDateLocal = time.Unix(startLocal, 0).UTC()
		activities = append(activities, act)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activities: %w", err)
	}

	return activities, nil
}
