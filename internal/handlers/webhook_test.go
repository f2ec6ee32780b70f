package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tortugas-leaderboard/internal/config"
	"tortugas-leaderboard/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		StravaClientID:     "client-id",
		StravaClientSecret: "client-secret",
		StravaVerifyToken:  "verify-token",
		AdminAPIKey:        "admin-key",
	}
}

func TestHandleVerification(t *testing.T) {
	h := NewWebhookHandler(openTestDB(t), testConfig())

	req := httptest.NewRequest("GET", "/webhook-callback?hub.mode=subscribe&hub.challenge=abc123&hub.verify_token=verify-token", nil)
	rec := httptest.NewRecorder()

	h.HandleVerification(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["hub.challenge"] != "abc123" {
		t.Errorf("Expected challenge echoed, got %v", response)
	}
}

func TestHandleVerification_BadToken(t *testing.T) {
	h := NewWebhookHandler(openTestDB(t), testConfig())

	req := httptest.NewRequest("GET", "/webhook-callback?hub.mode=subscribe&hub.challenge=abc123&hub.verify_token=wrong", nil)
	rec := httptest.NewRecorder()

	h.HandleVerification(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for bad verify token, got %d", rec.Code)
	}
}

func TestHandleEvent_Enqueues(t *testing.T) {
	db := openTestDB(t)
	h := NewWebhookHandler(db, testConfig())

	body := `{"object_type":"activity","aspect_type":"create","object_id":9001,"owner_id":100}`
	req := httptest.NewRequest("POST", "/webhook-callback", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleEvent(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	length, err := db.GetWebhookQueueLength()
	if err != nil {
		t.Fatalf("Failed to get queue length: %v", err)
	}
	if length != 1 {
		t.Errorf("Expected 1 queued event, got %d", length)
	}

	event, _ := db.ClaimWebhookEvent()
	if event == nil || event.Data != body {
		t.Errorf("Expected raw body stored, got %+v", event)
	}
}

func TestHandleEvent_InvalidJSON(t *testing.T) {
	db := openTestDB(t)
	h := NewWebhookHandler(db, testConfig())

	req := httptest.NewRequest("POST", "/webhook-callback", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	h.HandleEvent(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid JSON, got %d", rec.Code)
	}

	length, _ := db.GetWebhookQueueLength()
	if length != 0 {
		t.Errorf("Expected nothing enqueued, got %d", length)
	}
}
