package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"tortugas-leaderboard/internal/config"
	"tortugas-leaderboard/internal/database"
	"tortugas-leaderboard/internal/strava"
)

type nilCredentialStore struct{}

func (nilCredentialStore) GetCredential(athleteID int64) (*strava.Credential, error) {
	return nil, nil
}

func (nilCredentialStore) UpdateAthleteTokens(athleteID int64, accessToken, refreshToken string, expiresAt int64) error {
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		StravaClientID:     "client-id",
		StravaClientSecret: "client-secret",
		QuotaShortLimit:    200,
		QuotaLongLimit:     2000,
		TokenSafetyMargin:  5 * time.Minute,
	}
}

func newTestManager(t *testing.T, tokenHandler http.Handler) (*Manager, *database.DB) {
	t.Helper()

	db, err := database.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := testConfig()
	client, err := strava.NewClient(cfg, nilCredentialStore{})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if tokenHandler != nil {
		server := httptest.NewServer(tokenHandler)
		t.Cleanup(server.Close)
		client.SetTokenURL(server.URL + "/oauth/token")
	}

	return NewManager(cfg, db, client), db
}

func TestGenerateAuthURL(t *testing.T) {
	m, _ := newTestManager(t, nil)

	authURL, state, err := m.GenerateAuthURL("https://example.com/oauth-callback")
	if err != nil {
		t.Fatalf("Failed to generate auth URL: %v", err)
	}
	if state == "" {
		t.Fatal("Expected non-empty state")
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("Generated URL does not parse: %v", err)
	}
	if !strings.HasPrefix(authURL, authorizationURL+"?") {
		t.Errorf("Expected Strava authorize endpoint, got %s", authURL)
	}

	q := parsed.Query()
	if q.Get("client_id") != "client-id" {
		t.Errorf("Expected client_id, got %s", q.Get("client_id"))
	}
	if q.Get("response_type") != "code" {
		t.Errorf("Expected response_type=code, got %s", q.Get("response_type"))
	}
	if q.Get("scope") != scope {
		t.Errorf("Expected scope %s, got %s", scope, q.Get("scope"))
	}
	if q.Get("state") != state {
		t.Errorf("Expected state %s in URL, got %s", state, q.Get("state"))
	}
	if q.Get("redirect_uri") != "https://example.com/oauth-callback" {
		t.Errorf("Unexpected redirect_uri: %s", q.Get("redirect_uri"))
	}
}

func TestGenerateAuthURL_UniqueStates(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, first, _ := m.GenerateAuthURL("https://example.com/cb")
	_, second, _ := m.GenerateAuthURL("https://example.com/cb")
	if first == second {
		t.Error("Expected distinct states per request")
	}
}

func TestValidateState_OneTimeUse(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, state, err := m.GenerateAuthURL("https://example.com/cb")
	if err != nil {
		t.Fatalf("Failed to generate auth URL: %v", err)
	}

	if !m.validateState(state) {
		t.Error("Expected fresh state to validate")
	}
	if m.validateState(state) {
		t.Error("State must not validate twice")
	}
}

func TestValidateState_Expired(t *testing.T) {
	m, _ := newTestManager(t, nil)

	m.states.mu.Lock()
	m.states.states["stale"] = time.Now().Add(-time.Minute)
	m.states.mu.Unlock()

	if m.validateState("stale") {
		t.Error("Expired state must not validate")
	}
}

func TestValidateState_Unknown(t *testing.T) {
	m, _ := newTestManager(t, nil)

	if m.validateState("never-issued") {
		t.Error("Unknown state must not validate")
	}
}

func TestHandleCallback(t *testing.T) {
	tokenHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"access_token": "new_access",
			"refresh_token": "new_refresh",
			"expires_at": 1800000000,
			"athlete": {"id": 12345, "firstname": "Ada", "lastname": "Lovelace"}
		}`))
	})
	m, db := newTestManager(t, tokenHandler)

	_, state, _ := m.GenerateAuthURL("https://example.com/cb")

	athleteID, err := m.HandleCallback(context.Background(), "auth-code", state, "activity:read_all")
	if err != nil {
		t.Fatalf("Callback failed: %v", err)
	}
	if athleteID != 12345 {
		t.Errorf("Expected athlete 12345, got %d", athleteID)
	}

	athlete, err := db.GetAthlete(12345)
	if err != nil {
		t.Fatalf("Failed to get athlete: %v", err)
	}
	if athlete == nil {
		t.Fatal("Expected athlete stored")
	}
	if athlete.AccessToken != "new_access" || athlete.RefreshToken != "new_refresh" {
		t.Errorf("Unexpected tokens: %s / %s", athlete.AccessToken, athlete.RefreshToken)
	}
	if athlete.FirstName != "Ada" || athlete.LastName != "Lovelace" {
		t.Errorf("Unexpected name: %s %s", athlete.FirstName, athlete.LastName)
	}
	if athlete.Scope != "activity:read_all" {
		t.Errorf("Expected granted scope stored, got %s", athlete.Scope)
	}
	if athlete.ProfileJSON == nil {
		t.Error("Expected raw athlete profile stored")
	}

	// A connected athlete gets a full-history backfill
	job, err := db.ClaimSyncJob()
	if err != nil {
		t.Fatalf("Failed to claim sync job: %v", err)
	}
	if job == nil || job.JobType != database.JobTypeSyncAllActivities {
		t.Errorf("Expected backfill job enqueued, got %+v", job)
	}
	if job != nil && job.AthleteID != 12345 {
		t.Errorf("Expected job for athlete 12345, got %d", job.AthleteID)
	}
}

func TestHandleCallback_InvalidState(t *testing.T) {
	m, db := newTestManager(t, nil)

	_, err := m.HandleCallback(context.Background(), "auth-code", "forged-state", "")
	if err == nil {
		t.Fatal("Expected error for invalid state")
	}

	if job, _ := db.ClaimSyncJob(); job != nil {
		t.Error("Expected nothing enqueued on rejected callback")
	}
}

func TestHandleCallback_MissingAthleteID(t *testing.T) {
	tokenHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "a", "refresh_token": "r", "expires_at": 1800000000, "athlete": {}}`))
	})
	m, _ := newTestManager(t, tokenHandler)

	_, state, _ := m.GenerateAuthURL("https://example.com/cb")

	_, err := m.HandleCallback(context.Background(), "auth-code", state, "")
	if err == nil {
		t.Fatal("Expected error when token response has no athlete id")
	}
}
