package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Subscription represents a Strava webhook subscription
type Subscription struct {
	ID            int    `json:"id"`
	ApplicationID int    `json:"application_id"`
	CallbackURL   string `json:"callback_url"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Subscription management authenticates with app credentials, not athlete
// tokens, and does not consume the data-call quota windows.

// CreateSubscription creates a new webhook subscription
func (c *Client) CreateSubscription(ctx context.Context, callbackURL string) (*Subscription, error) {
	data := url.Values{
		"client_id":     {c.config.StravaClientID},
		"client_secret": {c.config.StravaClientSecret},
		"callback_url":  {callbackURL},
		"verify_token":  {c.config.StravaVerifyToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/push_subscriptions",
		strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, subscriptionError("create_subscription", resp.StatusCode, body)
	}

	var subscription Subscription
	if err := json.Unmarshal(body, &subscription); err != nil {
		return nil, fmt.Errorf("failed to decode subscription response: %w", err)
	}

	return &subscription, nil
}

// ListSubscriptions lists all active webhook subscriptions for this application
func (c *Client) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	params := url.Values{
		"client_id":     {c.config.StravaClientID},
		"client_secret": {c.config.StravaClientSecret},
	}

	reqURL := c.baseURL + "/push_subscriptions?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, subscriptionError("list_subscriptions", resp.StatusCode, body)
	}

	var subscriptions []*Subscription
	if err := json.Unmarshal(body, &subscriptions); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions response: %w", err)
	}

	return subscriptions, nil
}

// DeleteSubscription deletes a webhook subscription
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID int) error {
	params := url.Values{
		"client_id":     {c.config.StravaClientID},
		"client_secret": {c.config.StravaClientSecret},
	}

	reqURL := fmt.Sprintf("%s/push_subscriptions/%d?%s", c.baseURL, subscriptionID, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return subscriptionError("delete_subscription", resp.StatusCode, body)
	}

	return nil
}

func subscriptionError(op string, statusCode int, body []byte) error {
	kind := KindTransient
	switch {
	case statusCode == http.StatusNotFound:
		kind = KindNotFound
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		kind = KindUnauthorized
	case statusCode == http.StatusTooManyRequests:
		kind = KindRateLimited
	}
	return newError(kind, op, statusCode, fmt.Errorf("%s", string(body)))
}
