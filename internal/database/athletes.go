package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tortugas-leaderboard/internal/metrics"
)

// Athlete represents a Strava athlete who has authorized the application
type Athlete struct {
	AthleteID    int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	Scope        string
	Authorized   bool
	FirstName    string
	LastName     string
	CreatedAt    int64
	UpdatedAt    int64
	ProfileJSON  *string
}

// UpsertAthlete inserts or updates an athlete record. Used on OAuth connect
// and re-connect.
func (db *DB) UpsertAthlete(a *Athlete) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertAthlete))
	defer timer.ObserveDuration()

	now := time.Now().Unix()

	_, err := db.conn.Exec(`
		INSERT INTO athletes (
			athlete_id, access_token, refresh_token, expires_at, scope,
			authorized, firstname, lastname, created_at, updated_at, profile_json
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(athlete_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			authorized = 1,
			firstname = excluded.firstname,
			lastname = excluded.lastname,
			updated_at = excluded.updated_at,
			profile_json = excluded.profile_json
	`, a.AthleteID, a.AccessToken, a.RefreshToken, a.ExpiresAt, a.Scope,
		a.FirstName, a.LastName, now, now, a.ProfileJSON)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertAthlete).Inc()
		return fmt.Errorf("failed to upsert athlete: %w", err)
	}
	return nil
}

// GetAthlete retrieves an athlete by ID. Returns nil if not found.
func (db *DB) GetAthlete(athleteID int64) (*Athlete, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetAthlete))
	defer timer.ObserveDuration()

	var a Athlete
	err := db.conn.QueryRow(`
		SELECT athlete_id, access_token, refresh_token, expires_at, scope,
		       authorized, firstname, lastname, created_at, updated_at, profile_json
		FROM athletes WHERE athlete_id = ?
	`, athleteID).Scan(
		&a.AthleteID, &a.AccessToken, &a.RefreshToken, &a.ExpiresAt, &a.Scope,
		&a.Authorized, &a.FirstName, &a.LastName, &a.CreatedAt, &a.UpdatedAt, &a.ProfileJSON,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetAthlete).Inc()
		return nil, fmt.Errorf("failed to get athlete: %w", err)
	}
	return &a, nil
}

// UpdateAthleteTokens updates an athlete's OAuth tokens. This is the token
// gate's persistence path.
func (db *DB) UpdateAthleteTokens(athleteID int64, accessToken, refreshToken string, expiresAt int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateAthleteTokens))
	defer timer.ObserveDuration()

	result, err := db.conn.Exec(`
		UPDATE athletes
		SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE athlete_id = ?
	`, accessToken, refreshToken, expiresAt, time.Now().Unix(), athleteID)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateAthleteTokens).Inc()
		return fmt.Errorf("failed to update athlete tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("athlete not found")
	}

	return nil
}

// DeauthorizeAthlete marks an athlete as deauthorized and clears tokens
func (db *DB) DeauthorizeAthlete(athleteID int64) error {
	result, err := db.conn.Exec(`
		UPDATE athletes
		SET authorized = 0, access_token = '', refresh_token = '', profile_json = NULL, updated_at = ?
		WHERE athlete_id = ?
	`, time.Now().Unix(), athleteID)

	if err != nil {
		return fmt.Errorf("failed to deauthorize athlete: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("athlete not found")
	}

	return nil
}

// AthleteNames resolves display names for the given athlete IDs. Athletes
// with no record are absent from the result.
func (db *DB) AthleteNames(athleteIDs []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(athleteIDs))
	if len(athleteIDs) == 0 {
		return names, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(athleteIDs)), ",")
	args := make([]interface{}, len(athleteIDs))
	for i, id := range athleteIDs {
		args[i] = id
	}

	rows, err := db.conn.Query(`
		SELECT athlete_id, firstname, lastname
		FROM athletes
		WHERE athlete_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query athlete names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var first, last string
		if err := rows.Scan(&id, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan athlete name: %w", err)
		}
		names[id] = strings.TrimSpace(first + " " + last)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating athlete names: %w", err)
	}

	return names, nil
}
