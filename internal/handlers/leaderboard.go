package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tortugas-leaderboard/internal/config"
	"tortugas-leaderboard/internal/database"
	"tortugas-leaderboard/internal/score"
)

// LeaderboardHandler serves computed leaderboards and score breakdowns
type LeaderboardHandler struct {
	db         *database.DB
	aggregator *score.Aggregator
	config     *config.Config
	logger     *slog.Logger
}

// NewLeaderboardHandler creates a new leaderboard handler
func NewLeaderboardHandler(db *database.DB, aggregator *score.Aggregator, cfg *config.Config) *LeaderboardHandler {
	return &LeaderboardHandler{
		db:         db,
		aggregator: aggregator,
		config:     cfg,
		logger:     slog.Default(),
	}
}

// HandleWeekly serves the leaderboard for the week containing the optional
// date parameter (YYYY-MM-DD), defaulting to the current week
func (h *LeaderboardHandler) HandleWeekly(w http.ResponseWriter, r *http.Request) {
	var ref time.Time
	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		parsed, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			http.Error(w, "Invalid date parameter, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		ref = parsed
	}

	entries, err := h.aggregator.WeeklyLeaderboard(ref)
	if err != nil {
		h.logger.Error("Failed to compute weekly leaderboard", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"leaderboard": entries,
	})
}

// HandleRange serves a cumulative leaderboard over start..end (both
// YYYY-MM-DD, end inclusive)
func (h *LeaderboardHandler) HandleRange(w http.ResponseWriter, r *http.Request) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")
	if startStr == "" || endStr == "" {
		http.Error(w, "Missing start or end parameter", http.StatusBadRequest)
		return
	}

	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		http.Error(w, "Invalid start parameter, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	end, err := time.Parse("2006-01-02", endStr)
	if err != nil {
		http.Error(w, "Invalid end parameter, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	// The end date is inclusive on the API, exclusive internally
	entries, err := h.aggregator.RangeLeaderboard(start, end.AddDate(0, 0, 1))
	if err != nil {
		h.logger.Warn("Failed to compute range leaderboard", "error", err)
		http.Error(w, "Invalid range", http.StatusBadRequest)
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"start":       startStr,
		"end":         endStr,
		"leaderboard": entries,
	})
}

// HandleBreakdown serves one athlete's detailed score for the week containing
// the optional date parameter
func (h *LeaderboardHandler) HandleBreakdown(w http.ResponseWriter, r *http.Request) {
	athleteID, err := strconv.ParseInt(chi.URLParam(r, "athleteID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid athlete ID", http.StatusBadRequest)
		return
	}

	var ref time.Time
	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		parsed, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			http.Error(w, "Invalid date parameter, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		ref = parsed
	}

	breakdown, err := h.aggregator.AthleteBreakdown(athleteID, ref)
	if err != nil {
		if errors.Is(err, score.ErrAthleteNotFound) {
			http.Error(w, "Athlete not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to compute breakdown", "error", err, "athlete_id", athleteID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, breakdown)
}

// HandleResync enqueues a full re-sync of an athlete's history. Admin only.
func (h *LeaderboardHandler) HandleResync(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-Admin-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.config.AdminAPIKey)) != 1 {
		h.logger.Warn("Resync rejected, bad admin key")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	athleteID, err := strconv.ParseInt(chi.URLParam(r, "athleteID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid athlete ID", http.StatusBadRequest)
		return
	}

	athlete, err := h.db.GetAthlete(athleteID)
	if err != nil {
		h.logger.Error("Failed to look up athlete", "error", err, "athlete_id", athleteID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if athlete == nil || !athlete.Authorized {
		http.Error(w, "Athlete not found", http.StatusNotFound)
		return
	}

	if err := h.db.EnqueueSyncJob(athleteID, database.JobTypeSyncAllActivities); err != nil {
		h.logger.Error("Failed to enqueue resync", "error", err, "athlete_id", athleteID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Enqueued admin resync", "athlete_id", athleteID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"athlete_id": athleteID,
		"status":     "enqueued",
	}); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *LeaderboardHandler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
