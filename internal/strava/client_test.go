package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tortugas-leaderboard/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		StravaClientID:     "test_client_id",
		StravaClientSecret: "test_client_secret",
		StravaVerifyToken:  "test_verify_token",
		QuotaShortLimit:    100,
		QuotaLongLimit:     1000,
		TokenSafetyMargin:  5 * time.Minute,
	}
}

func setupTestClient(t *testing.T, handler http.Handler) (*Client, *memCredentialStore, *httptest.Server) {
	t.Helper()

	store := &memCredentialStore{creds: map[int64]*Credential{
		12345: freshCred(12345),
	}}

	client, err := NewClient(testConfig(), store)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client.SetBaseURL(server.URL)
	client.SetTokenURL(server.URL + "/oauth/token")

	return client, store, server
}

func TestExchangeCode(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if body["code"] != "test_code" {
			http.Error(w, "invalid code", http.StatusBadRequest)
			return
		}
		if body["client_id"] != "test_client_id" {
			http.Error(w, "invalid client_id", http.StatusBadRequest)
			return
		}
		if body["grant_type"] != "authorization_code" {
			http.Error(w, "invalid grant_type", http.StatusBadRequest)
			return
		}

		response := TokenResponse{
			AccessToken:  "test_access_token",
			RefreshToken: "test_refresh_token",
			ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
			ExpiresIn:    21600,
			Athlete:      json.RawMessage(`{"id": 12345, "firstname": "Ada", "lastname": "Lovelace"}`),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	})

	client, _, _ := setupTestClient(t, handler)

	tokenResp, err := client.ExchangeCode(context.Background(), "test_code")
	if err != nil {
		t.Fatalf("Failed to exchange code: %v", err)
	}

	if tokenResp.AccessToken != "test_access_token" {
		t.Errorf("Expected access token 'test_access_token', got '%s'", tokenResp.AccessToken)
	}
	if tokenResp.RefreshToken != "test_refresh_token" {
		t.Errorf("Expected refresh token 'test_refresh_token', got '%s'", tokenResp.RefreshToken)
	}
	if tokenResp.ExpiresIn != 21600 {
		t.Errorf("Expected expires_in 21600, got %d", tokenResp.ExpiresIn)
	}
}

func TestRefreshToken_GrantRejected(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad Request","errors":[{"code":"invalid"}]}`, http.StatusBadRequest)
	})

	client, _, _ := setupTestClient(t, handler)

	_, err := client.RefreshToken(context.Background(), "revoked_token")
	if err == nil {
		t.Fatal("Expected error for rejected grant, got nil")
	}
	if !IsUnauthorized(err) {
		t.Errorf("Expected unauthorized error, got %v", err)
	}
}

func TestGetActivity(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/activities/9001" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer fresh_token" {
			t.Errorf("Unexpected Authorization header %q", auth)
		}

		w.Header().Set("X-RateLimit-Limit", "200,2000")
		w.Header().Set("X-RateLimit-Usage", "42,567")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": 9001,
			"name": "Morning Run",
			"type": "Run",
			"moving_time": 1800,
			"distance": 5000.0,
			"start_date_local": "2026-01-12T07:30:00Z",
			"workout_type": 1
		}`)
	})

	client, _, _ := setupTestClient(t, handler)

	detail, raw, err := client.GetActivity(context.Background(), 12345, 9001, PriorityHigh)
	if err != nil {
		t.Fatalf("Failed to get activity: %v", err)
	}

	if detail.ID != 9001 {
		t.Errorf("Expected activity ID 9001, got %d", detail.ID)
	}
	if detail.Name != "Morning Run" {
		t.Errorf("Expected name 'Morning Run', got '%s'", detail.Name)
	}
	if detail.Type != "Run" {
		t.Errorf("Expected type 'Run', got '%s'", detail.Type)
	}
	if detail.MovingTime != 1800 {
		t.Errorf("Expected moving time 1800, got %d", detail.MovingTime)
	}
	if detail.WorkoutType == nil || *detail.WorkoutType != 1 {
		t.Errorf("Expected workout type 1, got %v", detail.WorkoutType)
	}
	if len(raw) == 0 {
		t.Error("Expected raw payload to be returned")
	}

	startLocal, err := detail.StartLocal()
	if err != nil {
		t.Fatalf("Failed to parse start_date_local: %v", err)
	}
	expected := time.Date(2026, 1, 12, 7, 30, 0, 0, time.UTC)
	if !startLocal.Equal(expected) {
		t.Errorf("Expected start %s, got %s", expected, startLocal)
	}

	// Reported usage is reconciled into the limiter
	status := client.Limiter().Status()
	if status.ShortUsed != 42 {
		t.Errorf("Expected reconciled short usage 42, got %d", status.ShortUsed)
	}
	if status.LongUsed != 567 {
		t.Errorf("Expected reconciled long usage 567, got %d", status.LongUsed)
	}
	if status.ShortLimit != 200 || status.LongLimit != 2000 {
		t.Errorf("Expected reconciled limits 200/2000, got %d/%d", status.ShortLimit, status.LongLimit)
	}
}

func TestGetActivity_NotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Record Not Found"}`, http.StatusNotFound)
	})

	client, _, _ := setupTestClient(t, handler)

	_, _, err := client.GetActivity(context.Background(), 12345, 404404, PriorityHigh)
	if err == nil {
		t.Fatal("Expected error for missing activity, got nil")
	}
	if !IsNotFound(err) {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestGetActivity_Unauthorized(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Authorization Error"}`, http.StatusUnauthorized)
	})

	client, _, _ := setupTestClient(t, handler)

	_, _, err := client.GetActivity(context.Background(), 12345, 9001, PriorityHigh)
	if !IsUnauthorized(err) {
		t.Errorf("Expected unauthorized error, got %v", err)
	}
}

func TestGetActivity_RateLimited(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "200,2000")
		w.Header().Set("X-RateLimit-Usage", "201,1900")
		w.Header().Set("Retry-After", "60")
		http.Error(w, `{"message":"Rate Limit Exceeded"}`, http.StatusTooManyRequests)
	})

	client, _, _ := setupTestClient(t, handler)

	_, _, err := client.GetActivity(context.Background(), 12345, 9001, PriorityHigh)
	if err == nil {
		t.Fatal("Expected error for rate limited call, got nil")
	}
	if !IsTooManyRequests(err) {
		t.Errorf("Expected rate limited error, got %v", err)
	}

	// The short window is now cooling down: a deadline-bounded caller fails
	// fast with a timeout instead of being admitted.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = client.Limiter().Admit(ctx, PriorityHigh)
	if !IsTimeout(err) {
		t.Errorf("Expected timeout during cooldown, got %v", err)
	}
}

func TestGetActivity_RetriesServerErrors(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": 9001, "name": "Morning Run", "type": "Run", "moving_time": 1800}`)
	})

	client, _, _ := setupTestClient(t, handler)

	detail, _, err := client.GetActivity(context.Background(), 12345, 9001, PriorityHigh)
	if err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if detail.ID != 9001 {
		t.Errorf("Expected activity ID 9001, got %d", detail.ID)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("Expected 2 calls (one retry), got %d", calls)
	}
}

func TestListActivities(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/athlete/activities" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		page := r.URL.Query().Get("page")
		perPage := r.URL.Query().Get("per_page")
		if perPage != "2" {
			t.Errorf("Expected per_page 2, got %s", perPage)
		}

		w.Header().Set("Content-Type", "application/json")
		if page == "1" {
			fmt.Fprint(w, `[{"id": 1}, {"id": 2}]`)
		} else {
			fmt.Fprint(w, `[{"id": 3}]`)
		}
	})

	client, _, _ := setupTestClient(t, handler)

	ids, hasMore, err := client.ListActivities(context.Background(), 12345, 1, 2, PriorityLow)
	if err != nil {
		t.Fatalf("Failed to list activities: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("Unexpected IDs on page 1: %v", ids)
	}
	if !hasMore {
		t.Error("Full page must report more pages")
	}

	ids, hasMore, err = client.ListActivities(context.Background(), 12345, 2, 2, PriorityLow)
	if err != nil {
		t.Fatalf("Failed to list activities: %v", err)
	}
	if len(ids) != 1 || ids[0] != 3 {
		t.Errorf("Unexpected IDs on page 2: %v", ids)
	}
	if hasMore {
		t.Error("Partial page must report no more pages")
	}
}

func TestSubscriptions(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/push_subscriptions":
			if err := r.ParseForm(); err != nil {
				http.Error(w, "bad form", http.StatusBadRequest)
				return
			}
			if r.FormValue("verify_token") != "test_verify_token" {
				http.Error(w, "bad verify token", http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": 77, "application_id": 1, "callback_url": "https://example.com/webhook-callback"}`)

		case r.Method == http.MethodGet && r.URL.Path == "/push_subscriptions":
			fmt.Fprint(w, `[{"id": 77, "application_id": 1, "callback_url": "https://example.com/webhook-callback"}]`)

		case r.Method == http.MethodDelete && r.URL.Path == "/push_subscriptions/77":
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})

	client, _, _ := setupTestClient(t, handler)
	ctx := context.Background()

	sub, err := client.CreateSubscription(ctx, "https://example.com/webhook-callback")
	if err != nil {
		t.Fatalf("Failed to create subscription: %v", err)
	}
	if sub.ID != 77 {
		t.Errorf("Expected subscription ID 77, got %d", sub.ID)
	}

	subs, err := client.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("Failed to list subscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != 77 {
		t.Errorf("Unexpected subscriptions: %+v", subs)
	}

	if err := client.DeleteSubscription(ctx, 77); err != nil {
		t.Fatalf("Failed to delete subscription: %v", err)
	}

	err = client.DeleteSubscription(ctx, 88)
	if !IsNotFound(err) {
		t.Errorf("Expected not found deleting unknown subscription, got %v", err)
	}
}
