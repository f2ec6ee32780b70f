package strava

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tortugas-leaderboard/internal/metrics"
)

// Credential is the per-athlete OAuth record the gate reads and refreshes
type Credential struct {
	AthleteID    int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // Unix timestamp
	Authorized   bool
}

// CredentialStore provides read and conditional-write access to credentials.
// The gate is the only mutation path for tokens.
type CredentialStore interface {
	// GetCredential returns nil with no error when the athlete is unknown
	GetCredential(athleteID int64) (*Credential, error)
	UpdateAthleteTokens(athleteID int64, accessToken, refreshToken string, expiresAt int64) error
}

// TokenRefresher exchanges a refresh token for new tokens. The implementation
// must not consume the data-call quota windows.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// TokenGate hands out currently-valid access tokens, transparently refreshing
// expired ones with at most one refresh in flight per athlete. Callers that
// arrive during an in-flight refresh wait for the lease and then re-read the
// stored credential instead of issuing a second refresh.
type TokenGate struct {
	store        CredentialStore
	refresher    TokenRefresher
	safetyMargin time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	leases map[int64]chan struct{}

	now func() time.Time // injectable for tests
}

// NewTokenGate creates a token gate. Tokens are treated as expired
// safetyMargin before their reported expiry.
func NewTokenGate(store CredentialStore, refresher TokenRefresher, safetyMargin time.Duration) *TokenGate {
	return &TokenGate{
		store:        store,
		refresher:    refresher,
		safetyMargin: safetyMargin,
		logger:       slog.Default(),
		leases:       make(map[int64]chan struct{}),
		now:          time.Now,
	}
}

// AcquireValidToken returns a currently-valid access token for the athlete,
// refreshing it first if needed. A permanently rejected refresh token
// surfaces as Unauthorized and is not retried.
func (g *TokenGate) AcquireValidToken(ctx context.Context, athleteID int64) (string, error) {
	cred, err := g.getCredential(athleteID)
	if err != nil {
		return "", err
	}
	if g.isFresh(cred) {
		return cred.AccessToken, nil
	}

	release, err := g.acquireLease(ctx, athleteID)
	if err != nil {
		return "", err
	}
	defer release()

	// Re-check under the lease: another caller may have refreshed while we
	// were waiting.
	cred, err = g.getCredential(athleteID)
	if err != nil {
		return "", err
	}
	if g.isFresh(cred) {
		return cred.AccessToken, nil
	}

	g.logger.Info("refreshing token", "athlete_id", athleteID)

	tokenResp, err := g.refresher.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return "", fmt.Errorf("failed to refresh token for athlete %d: %w", athleteID, err)
	}

	if err := g.store.UpdateAthleteTokens(athleteID, tokenResp.AccessToken, tokenResp.RefreshToken, tokenResp.ExpiresAt); err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return "", fmt.Errorf("failed to persist refreshed tokens for athlete %d: %w", athleteID, err)
	}

	metrics.TokenRefreshesTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	g.logger.Info("token refreshed", "athlete_id", athleteID, "expires_at", tokenResp.ExpiresAt)

	return tokenResp.AccessToken, nil
}

func (g *TokenGate) getCredential(athleteID int64) (*Credential, error) {
	cred, err := g.store.GetCredential(athleteID)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential for athlete %d: %w", athleteID, err)
	}
	if cred == nil {
		return nil, newError(KindNotFound, "acquire_token", 0,
			fmt.Errorf("athlete %d not connected", athleteID))
	}
	if !cred.Authorized || cred.RefreshToken == "" {
		return nil, newError(KindUnauthorized, "acquire_token", 0,
			fmt.Errorf("athlete %d is deauthorized", athleteID))
	}
	return cred, nil
}

func (g *TokenGate) isFresh(cred *Credential) bool {
	return g.now().Add(g.safetyMargin).Unix() < cred.ExpiresAt
}

// acquireLease takes the athlete's exclusive refresh lease, waiting if
// another caller holds it. The wait is cancellable; the returned release
// function must always be called.
func (g *TokenGate) acquireLease(ctx context.Context, athleteID int64) (func(), error) {
	g.mu.Lock()
	lease, ok := g.leases[athleteID]
	if !ok {
		lease = make(chan struct{}, 1)
		g.leases[athleteID] = lease
	}
	g.mu.Unlock()

	select {
	case lease <- struct{}{}:
		return func() { <-lease }, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newError(KindTimeout, "acquire_token", 0, ctx.Err())
		}
		return nil, ctx.Err()
	}
}
