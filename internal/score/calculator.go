// Package score turns activity facts into leaderboard points. Calculator
// functions are pure: no I/O, no clock access, safe to call from anywhere.
package score

import "time"

// WorkoutTypeRace is Strava's workout_type value for a race
// (absent/0 = default, 1 = race, 2 = long run, 3 = workout)
const WorkoutTypeRace = 1

// BasePoints converts moving time to points: one point per minute.
// Negative or missing moving time contributes zero points; such an activity
// still counts toward days active.
func BasePoints(movingTimeSeconds int64) float64 {
	if movingTimeSeconds <= 0 {
		return 0
	}
	return float64(movingTimeSeconds) / 60.0
}

// consistencyBonuses rewards distinct active days per week. Going from 4 to
// 5 days adds only 100 points and 5 to 6 adds nothing, so there is no
// incentive to run every single day.
var consistencyBonuses = map[int]float64{
	3: 150,
	4: 350,
	5: 450,
	6: 450,
}

// ConsistencyBonus returns the bonus for the given number of distinct active
// days. Fewer than 3 days earns nothing; more than 6 is capped at the 6-day
// value.
func ConsistencyBonus(daysActive int) float64 {
	if daysActive > 6 {
		daysActive = 6
	}
	return consistencyBonuses[daysActive]
}

// RaceBonus awards 250 points per race
func RaceBonus(raceCount int) float64 {
	return float64(raceCount) * 250
}

// WeekBoundaries returns the half-open interval [Monday 00:00, next Monday
// 00:00) containing t, computed in t's own location. Activities are assigned
// to weeks by their locally-reported start time: a run at 23:50 on Sunday
// belongs to the week ending that Sunday, never the following one.
func WeekBoundaries(t time.Time) (weekStart, weekEnd time.Time) {
	daysSinceMonday := (int(t.Weekday()) + 6) % 7 // Monday = 0 ... Sunday = 6
	y, m, d := t.AddDate(0, 0, -daysSinceMonday).Date()
	weekStart = time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	weekEnd = weekStart.AddDate(0, 0, 7)
	return weekStart, weekEnd
}
