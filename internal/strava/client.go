package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tortugas-leaderboard/internal/config"
	"tortugas-leaderboard/internal/metrics"
)

const (
	defaultBaseURL  = "https://www.strava.com/api/v3"
	defaultTokenURL = "https://www.strava.com/oauth/token"

	maxRetries   = 5
	initialDelay = 1 * time.Second
	maxDelay     = 5 * time.Minute

	// Token endpoint retries are shorter: refreshes sit on the data path.
	tokenMaxRetries = 3
)

// Client is the gateway for every outbound Strava call. Data calls pass
// through the quota limiter and the token gate; token and subscription calls
// use an unthrottled path that does not consume the data-call windows.
type Client struct {
	httpClient *http.Client
	config     *config.Config
	limiter    *QuotaLimiter
	gate       *TokenGate
	logger     *slog.Logger
	baseURL    string
	tokenURL   string
}

// NewClient creates a Strava API client with its quota limiter and token gate
func NewClient(cfg *config.Config, store CredentialStore) (*Client, error) {
	limiter, err := NewQuotaLimiter(cfg.QuotaShortLimit, cfg.QuotaLongLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota limiter: %w", err)
	}

	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		config:     cfg,
		limiter:    limiter,
		logger:     slog.Default(),
		baseURL:    defaultBaseURL,
		tokenURL:   defaultTokenURL,
	}
	c.gate = NewTokenGate(store, c, cfg.TokenSafetyMargin)
	return c, nil
}

// Limiter returns the quota limiter shared by all data calls
func (c *Client) Limiter() *QuotaLimiter {
	return c.limiter
}

// SetBaseURL overrides the API base URL (for testing)
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// SetTokenURL overrides the token endpoint URL (for testing)
func (c *Client) SetTokenURL(u string) {
	c.tokenURL = u
}

// TokenResponse represents the response from a token exchange or refresh
type TokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresAt    int64           `json:"expires_at"`
	ExpiresIn    int             `json:"expires_in"`
	Athlete      json.RawMessage `json:"athlete,omitempty"`
}

// ExchangeCode exchanges an authorization code for access and refresh tokens
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, metrics.OpExchangeCode, map[string]string{
		"client_id":     c.config.StravaClientID,
		"client_secret": c.config.StravaClientSecret,
		"code":          code,
		"grant_type":    "authorization_code",
	})
}

// RefreshToken refreshes an access token using a refresh token. A rejection
// of the refresh token itself (invalid_grant class) is terminal and surfaces
// as Unauthorized; transient failures are retried with bounded backoff.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, metrics.OpRefreshToken, map[string]string{
		"client_id":     c.config.StravaClientID,
		"client_secret": c.config.StravaClientSecret,
		"refresh_token": refreshToken,
		"grant_type":    "refresh_token",
	})
}

func (c *Client) tokenRequest(ctx context.Context, op string, data map[string]string) (*TokenResponse, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= tokenMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = minDuration(delay*2, maxDelay)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(start)

		if err != nil {
			lastErr = newError(KindTransient, op, 0, err)
			c.logger.Error("token request failed", "operation", op, "error", err, "attempt", attempt)
			continue
		}

		statusStr := strconv.Itoa(resp.StatusCode)
		metrics.StravaAPIRequestsTotal.WithLabelValues(op, statusStr).Inc()
		metrics.StravaAPIRequestDuration.WithLabelValues(op, statusStr).Observe(duration.Seconds())
		c.logger.Info("strava_token_request", "operation", op, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

		switch {
		case resp.StatusCode == http.StatusOK:
			var tokenResp TokenResponse
			err := json.NewDecoder(resp.Body).Decode(&tokenResp)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to decode token response: %w", err)
			}
			return &tokenResp, nil
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = newError(KindTransient, op, resp.StatusCode, fmt.Errorf("server error"))
			continue
		default:
			// 400/401 from the token endpoint means the grant is rejected.
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, newError(KindUnauthorized, op, resp.StatusCode,
				fmt.Errorf("token grant rejected: %s", string(bodyBytes)))
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// invoke performs a throttled, authenticated data call. Admission through
// both quota windows comes first so a blocked caller never holds a token;
// the token gate re-reads freshness after any wait.
func (c *Client) invoke(ctx context.Context, op, method, path string, athleteID int64, p Priority) ([]byte, error) {
	permit, err := c.limiter.Admit(ctx, p)
	if err != nil {
		return nil, err
	}
	metrics.QuotaAdmissionsTotal.WithLabelValues(p.String()).Inc()
	metrics.QuotaWaitDuration.WithLabelValues(p.String()).Observe(permit.Waited.Seconds())

	accessToken, err := c.gate.AcquireValidToken(ctx, athleteID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying request", "operation", op, "attempt", attempt, "delay_ms", delay.Milliseconds())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = minDuration(delay*2, maxDelay)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(start)

		if err != nil {
			lastErr = newError(KindTransient, op, 0, err)
			c.logger.Error("request failed", "operation", op, "path", path, "error", err, "attempt", attempt)
			continue
		}

		usage := c.parseRateLimitHeaders(resp.Header)

		statusStr := strconv.Itoa(resp.StatusCode)
		metrics.StravaAPIRequestsTotal.WithLabelValues(op, statusStr).Inc()
		metrics.StravaAPIRequestDuration.WithLabelValues(op, statusStr).Observe(duration.Seconds())
		c.logger.Info("strava_api_request",
			"operation", op,
			"path", path,
			"status", resp.StatusCode,
			"duration_ms", duration.Milliseconds(),
			"athlete_id", athleteID)

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				lastErr = newError(KindTransient, op, resp.StatusCode, err)
				continue
			}
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			c.markExceeded(usage, c.parseRetryAfter(resp.Header))
			return nil, newError(KindRateLimited, op, resp.StatusCode,
				fmt.Errorf("rate limit exceeded"))

		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = newError(KindTransient, op, resp.StatusCode, fmt.Errorf("server error"))
			continue

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			return nil, newError(KindUnauthorized, op, resp.StatusCode,
				fmt.Errorf("access rejected"))

		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, newError(KindNotFound, op, resp.StatusCode,
				fmt.Errorf("object not found"))

		default:
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, newError(KindTransient, op, resp.StatusCode,
				fmt.Errorf("unexpected response: %s", string(bodyBytes)))
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// reportedUsage is the usage accounting Strava returns on each response
type reportedUsage struct {
	present    bool
	shortUsage int
	shortLimit int
	longUsage  int
	longLimit  int
}

// parseRateLimitHeaders extracts usage accounting from response headers and
// reconciles the quota limiter against it
func (c *Client) parseRateLimitHeaders(headers http.Header) reportedUsage {
	limitHeader := headers.Get("X-RateLimit-Limit")
	usageHeader := headers.Get("X-RateLimit-Usage")
	if limitHeader == "" || usageHeader == "" {
		return reportedUsage{}
	}

	limits := strings.Split(limitHeader, ",")
	usages := strings.Split(usageHeader, ",")
	if len(limits) != 2 || len(usages) != 2 {
		return reportedUsage{}
	}

	shortLimit, _ := strconv.Atoi(strings.TrimSpace(limits[0]))
	longLimit, _ := strconv.Atoi(strings.TrimSpace(limits[1]))
	shortUsage, _ := strconv.Atoi(strings.TrimSpace(usages[0]))
	longUsage, _ := strconv.Atoi(strings.TrimSpace(usages[1]))

	c.limiter.Reconcile(shortUsage, shortLimit, longUsage, longLimit)

	c.logger.Debug("rate_limit",
		"short_usage", shortUsage,
		"short_limit", shortLimit,
		"long_usage", longUsage,
		"long_limit", longLimit)

	return reportedUsage{
		present:    true,
		shortUsage: shortUsage,
		shortLimit: shortLimit,
		longUsage:  longUsage,
		longLimit:  longLimit,
	}
}

// markExceeded opens a cooldown on whichever window the reported usage says
// is exhausted. Without usage headers the short window is assumed.
func (c *Client) markExceeded(usage reportedUsage, retryAfter time.Duration) {
	kind := WindowShort
	if usage.present && usage.longLimit > 0 && usage.longUsage >= usage.longLimit {
		kind = WindowLong
	}
	c.limiter.MarkExceeded(kind, retryAfter)
	metrics.QuotaCooldownsTotal.WithLabelValues(kind.String()).Inc()
	c.logger.Warn("rate limit exceeded, cooling down", "window", kind.String(), "retry_after", retryAfter)
}

// parseRetryAfter extracts retry delay from the Retry-After header
func (c *Client) parseRetryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
