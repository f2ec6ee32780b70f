package score

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tortugas-leaderboard/internal/metrics"
)

// ErrAthleteNotFound is returned by AthleteBreakdown for an unknown athlete
var ErrAthleteNotFound = errors.New("athlete not found")

// Activity is a scoring-eligible activity fact: a non-deleted run.
// StartDateLocal is the athlete's own reported local wall-clock time.
type Activity struct {
	ID                int64
	AthleteID         int64
	Name              string
	MovingTimeSeconds int64
	Distance          float64 // meters
	StartDateLocal    time.Time
	WorkoutType       int
}

// FactSource provides read-only access to stored activity facts and athlete
// identities. Intervals are half-open: [start, end).
type FactSource interface {
	EligibleActivities(start, end time.Time) ([]Activity, error)
	EligibleActivitiesByAthlete(athleteID int64, start, end time.Time) ([]Activity, error)
	// AthleteNames resolves display names; athletes missing from the result
	// have no identity record and are excluded from leaderboards
	AthleteNames(athleteIDs []int64) (map[int64]string, error)
}

// LeaderboardEntry is one athlete's computed standing
type LeaderboardEntry struct {
	AthleteID        int64   `json:"athlete_id"`
	AthleteName      string  `json:"athlete_name"`
	BasePoints       float64 `json:"base_points"`
	ConsistencyBonus float64 `json:"consistency_bonus"`
	RaceBonus        float64 `json:"race_bonus"`
	TotalPoints      float64 `json:"total_points"`
	DaysActive       int     `json:"days_active"`
	RaceCount        int     `json:"race_count"`
}

// DailyDetail is one activity's contribution within a breakdown
type DailyDetail struct {
	Date              string   `json:"date"`
	ActivityID        int64    `json:"activity_id"`
	Name              string   `json:"name"`
	MovingTimeMinutes float64  `json:"moving_time_minutes"`
	DistanceKm        float64  `json:"distance_km"`
	Pace              *float64 `json:"pace,omitempty"` // min/km
	Points            float64  `json:"points"`
	IsRace            bool     `json:"is_race"`
}

// Breakdown is a detailed per-athlete score for one week. It is recomputed
// from stored facts on every query and never persisted.
type Breakdown struct {
	AthleteID        int64         `json:"athlete_id"`
	AthleteName      string        `json:"athlete_name"`
	WeekStart        string        `json:"week_start"`
	WeekEnd          string        `json:"week_end"`
	DailyDetail      []DailyDetail `json:"daily_detail"`
	BasePoints       float64       `json:"base_points"`
	ConsistencyBonus float64       `json:"consistency_bonus"`
	RaceBonus        float64       `json:"race_bonus"`
	TotalPoints      float64       `json:"total_points"`
	DaysActive       int           `json:"days_active"`
	RaceCount        int           `json:"race_count"`
}

// Aggregator computes leaderboards and breakdowns from activity facts
type Aggregator struct {
	src FactSource
	now func() time.Time // injectable for tests
}

// NewAggregator creates an aggregator over the given fact source
func NewAggregator(src FactSource) *Aggregator {
	return &Aggregator{src: src, now: time.Now}
}

// WeeklyLeaderboard computes the leaderboard for the week containing ref.
// A zero ref means the current week.
func (a *Aggregator) WeeklyLeaderboard(ref time.Time) ([]LeaderboardEntry, error) {
	timer := prometheus.NewTimer(metrics.LeaderboardQueryDuration.WithLabelValues(metrics.QueryWeekly))
	defer timer.ObserveDuration()

	if ref.IsZero() {
		ref = a.now()
	}
	weekStart, weekEnd := WeekBoundaries(ref)
	return a.leaderboard(weekStart, weekEnd)
}

// RangeLeaderboard computes a cumulative leaderboard over [start, end).
// The whole range is treated as one window: days active and the consistency
// bonus are computed across the entire range, not summed per week.
func (a *Aggregator) RangeLeaderboard(start, end time.Time) ([]LeaderboardEntry, error) {
	timer := prometheus.NewTimer(metrics.LeaderboardQueryDuration.WithLabelValues(metrics.QueryRange))
	defer timer.ObserveDuration()

	if !start.Before(end) {
		return nil, fmt.Errorf("invalid range: start %s is not before end %s", start, end)
	}
	return a.leaderboard(start, end)
}

func (a *Aggregator) leaderboard(start, end time.Time) ([]LeaderboardEntry, error) {
	activities, err := a.src.EligibleActivities(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch activities: %w", err)
	}
	if len(activities) == 0 {
		return []LeaderboardEntry{}, nil
	}

	groups := make(map[int64][]Activity)
	for _, act := range activities {
		groups[act.AthleteID] = append(groups[act.AthleteID], act)
	}

	athleteIDs := make([]int64, 0, len(groups))
	for id := range groups {
		athleteIDs = append(athleteIDs, id)
	}

	names, err := a.src.AthleteNames(athleteIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve athlete names: %w", err)
	}

	entries := make([]LeaderboardEntry, 0, len(groups))
	for athleteID, group := range groups {
		// Activities without a resolvable identity are excluded, not an
		// error: the leaderboard needs a display name.
		name, ok := names[athleteID]
		if !ok {
			continue
		}

		entry := scoreGroup(athleteID, name, group)
		if entry.TotalPoints > 0 {
			entries = append(entries, entry)
		}
	}

	sortEntries(entries)
	return entries, nil
}

// AthleteBreakdown computes one athlete's detailed score for the week
// containing ref. A zero ref means the current week.
func (a *Aggregator) AthleteBreakdown(athleteID int64, ref time.Time) (*Breakdown, error) {
	timer := prometheus.NewTimer(metrics.LeaderboardQueryDuration.WithLabelValues(metrics.QueryBreakdown))
	defer timer.ObserveDuration()

	if ref.IsZero() {
		ref = a.now()
	}
	weekStart, weekEnd := WeekBoundaries(ref)

	names, err := a.src.AthleteNames([]int64{athleteID})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve athlete name: %w", err)
	}
	name, ok := names[athleteID]
	if !ok {
		return nil, fmt.Errorf("athlete %d: %w", athleteID, ErrAthleteNotFound)
	}

	activities, err := a.src.EligibleActivitiesByAthlete(athleteID, weekStart, weekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch activities: %w", err)
	}

	detail := make([]DailyDetail, 0, len(activities))
	for _, act := range activities {
		d := DailyDetail{
			Date:              act.StartDateLocal.Format("2006-01-02"),
			ActivityID:        act.ID,
			Name:              act.Name,
			MovingTimeMinutes: BasePoints(act.MovingTimeSeconds),
			DistanceKm:        act.Distance / 1000,
			Points:            BasePoints(act.MovingTimeSeconds),
			IsRace:            act.WorkoutType == WorkoutTypeRace,
		}
		if d.DistanceKm > 0 {
			pace := d.MovingTimeMinutes / d.DistanceKm
			d.Pace = &pace
		}
		detail = append(detail, d)
	}

	entry := scoreGroup(athleteID, name, activities)

	return &Breakdown{
		AthleteID:        athleteID,
		AthleteName:      name,
		WeekStart:        weekStart.Format("2006-01-02"),
		WeekEnd:          weekEnd.AddDate(0, 0, -1).Format("2006-01-02"), // inclusive Sunday
		DailyDetail:      detail,
		BasePoints:       entry.BasePoints,
		ConsistencyBonus: entry.ConsistencyBonus,
		RaceBonus:        entry.RaceBonus,
		TotalPoints:      entry.TotalPoints,
		DaysActive:       entry.DaysActive,
		RaceCount:        entry.RaceCount,
	}, nil
}

// scoreGroup applies the calculator to one athlete's activities in a window
func scoreGroup(athleteID int64, name string, group []Activity) LeaderboardEntry {
	var basePoints float64
	raceCount := 0
	days := make(map[string]struct{})

	for _, act := range group {
		basePoints += BasePoints(act.MovingTimeSeconds)
		days[act.StartDateLocal.Format("2006-01-02")] = struct{}{}
		if act.WorkoutType == WorkoutTypeRace {
			raceCount++
		}
	}

	daysActive := len(days)
	consistencyBonus := ConsistencyBonus(daysActive)
	raceBonus := RaceBonus(raceCount)

	return LeaderboardEntry{
		AthleteID:        athleteID,
		AthleteName:      name,
		BasePoints:       basePoints,
		ConsistencyBonus: consistencyBonus,
		RaceBonus:        raceBonus,
		TotalPoints:      basePoints + consistencyBonus + raceBonus,
		DaysActive:       daysActive,
		RaceCount:        raceCount,
	}
}

// sortEntries orders deterministically: total points descending, then days
// active descending, then athlete ID ascending
func sortEntries(entries []LeaderboardEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalPoints != entries[j].TotalPoints {
			return entries[i].TotalPoints > entries[j].TotalPoints
		}
		if entries[i].DaysActive != entries[j].DaysActive {
			return entries[i].DaysActive > entries[j].DaysActive
		}
		return entries[i].AthleteID < entries[j].AthleteID
	})
}
