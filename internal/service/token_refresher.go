package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/thibautrey/multicodex-proxy/internal/pkg/httpclient"
	"github.com/thibautrey/multicodex-proxy/internal/pkg/logger"
	"github.com/thibautrey/multicodex-proxy/internal/pkg/openai"
)

const tokenRefreshTimeout = 30 * time.Second

// TokenRefresher keeps account access tokens valid, refreshing them ahead of
// expiry through the OpenAI OAuth token endpoint.
type TokenRefresher struct {
	store  *AccountStore
	margin time.Duration

	// tokenURL is overridable in tests; defaults to openai.TokenURL.
	tokenURL string
	client   *http.Client

	group singleflight.Group
}

// NewTokenRefresher creates a refresher that renews tokens expiring within
// margin.
func NewTokenRefresher(store *AccountStore, margin time.Duration) *TokenRefresher {
	return &TokenRefresher{
		store:    store,
		margin:   margin,
		tokenURL: openai.TokenURL,
		client:   httpclient.New(httpclient.Options{Timeout: tokenRefreshTimeout}),
	}
}

// EnsureValidToken returns an access token for the account, refreshing it
// first when it expires within the configured margin. When the refresh fails
// the stale token is returned so the request can still be attempted, and the
// account is flagged for operator attention.
func (r *TokenRefresher) EnsureValidToken(ctx context.Context, accountID string) (string, error) {
	acc, err := r.store.Get(accountID)
	if err != nil {
		return "", err
	}
	if acc.AccessToken == "" {
		return "", fmt.Errorf("account %s has no access token", accountID)
	}

	now := time.Now()
	if !acc.TokenExpiringWithin(now, r.margin) {
		return acc.AccessToken, nil
	}
	if acc.RefreshToken == "" {
		logger.L().Warn("token near expiry but no refresh token",
			zap.String("account", accountID))
		return acc.AccessToken, nil
	}

	v, err, _ := r.group.Do(accountID, func() (any, error) {
		return r.refresh(ctx, acc)
	})
	if err != nil {
		logger.L().Warn("token refresh failed, serving stale token",
			zap.String("account", accountID), zap.Error(err))
		_ = r.store.Patch(accountID, func(a *Account) {
			state := a.EnsureState()
			state.NeedsTokenRefresh = true
			state.RememberError(time.Now(), "token refresh failed: "+err.Error())
		})
		return acc.AccessToken, nil
	}
	return v.(string), nil
}

func (r *TokenRefresher) refresh(ctx context.Context, acc *Account) (string, error) {
	form := openai.BuildRefreshTokenRequest(acc.RefreshToken).ToFormData()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("token endpoint read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var token openai.TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("token endpoint decode: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty access_token")
	}

	expiresAt := time.Now().UnixMilli() + token.ExpiresIn*1000

	var chatgptAccountID string
	if token.IDToken != "" {
		if claims, perr := openai.ParseIDToken(token.IDToken); perr == nil && claims.OpenAIAuth != nil {
			chatgptAccountID = claims.OpenAIAuth.ChatGPTAccountID
		}
	}

	err = r.store.Patch(acc.ID, func(a *Account) {
		a.AccessToken = token.AccessToken
		a.ExpiresAt = expiresAt
		if token.RefreshToken != "" {
			a.RefreshToken = token.RefreshToken
		}
		if chatgptAccountID != "" {
			a.ChatGPTAccountID = chatgptAccountID
		}
		state := a.EnsureState()
		state.NeedsTokenRefresh = false
	})
	if err != nil {
		return "", err
	}

	logger.L().Info("access token refreshed",
		zap.String("account", acc.ID),
		zap.Int64("expiresAt", expiresAt))
	return token.AccessToken, nil
}

// SweepTokens proactively refreshes every enabled account whose token is
// about to expire. Wired to the cron scheduler at startup.
func (r *TokenRefresher) SweepTokens(ctx context.Context) {
	now := time.Now()
	for _, acc := range r.store.List() {
		if !acc.Enabled || !acc.TokenExpiringWithin(now, r.margin) {
			continue
		}
		if _, err := r.EnsureValidToken(ctx, acc.ID); err != nil {
			logger.L().Debug("token sweep failed",
				zap.String("account", acc.ID), zap.Error(err))
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
