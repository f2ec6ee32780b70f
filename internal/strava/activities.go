package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tortugas-leaderboard/internal/metrics"
)

// ActivityDetail holds the fields of an activity detail response the scoring
// pipeline extracts; the full payload is preserved alongside.
type ActivityDetail struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	MovingTime     int64   `json:"moving_time"`
	Distance       float64 `json:"distance"`
	StartDateLocal string  `json:"start_date_local"`
	WorkoutType    *int    `json:"workout_type"` // absent/0 default, 1 race, 2 long run, 3 workout
}

// ActivitySummary represents a summary of an activity from list endpoints
type ActivitySummary struct {
	ID int64 `json:"id"`
}

// StartLocal parses start_date_local. Strava reports the athlete's local wall
// clock with a fake Z suffix, so the parsed value is kept as UTC rather than
// shifted.
func (d *ActivityDetail) StartLocal() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, d.StartDateLocal)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse start_date_local %q: %w", d.StartDateLocal, err)
	}
	return t.UTC(), nil
}

// GetActivity fetches detailed activity data at the given priority.
// Returns both the parsed detail and the raw payload.
func (c *Client) GetActivity(ctx context.Context, athleteID, activityID int64, p Priority) (*ActivityDetail, json.RawMessage, error) {
	path := fmt.Sprintf("/activities/%d", activityID)

	body, err := c.invoke(ctx, metrics.OpGetActivity, http.MethodGet, path, athleteID, p)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get activity %d: %w", activityID, err)
	}

	var detail ActivityDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal activity %d: %w", activityID, err)
	}

	return &detail, json.RawMessage(body), nil
}

// ListActivities fetches a page of the athlete's activity IDs.
// Returns the IDs and whether there may be more pages.
func (c *Client) ListActivities(ctx context.Context, athleteID int64, page, perPage int, p Priority) ([]int64, bool, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 200 // Strava max
	}

	params := url.Values{
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
	}

	path := "/athlete/activities?" + params.Encode()

	body, err := c.invoke(ctx, metrics.OpListActivities, http.MethodGet, path, athleteID, p)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list activities: %w", err)
	}

	var activities []ActivitySummary
	if err := json.Unmarshal(body, &activities); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal activities: %w", err)
	}

	activityIDs := make([]int64, len(activities))
	for i, activity := range activities {
		activityIDs[i] = activity.ID
	}

	hasMore := len(activities) == perPage

	return activityIDs, hasMore, nil
}
