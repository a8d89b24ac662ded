package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thibautrey/multicodex-proxy/internal/pkg/httpclient"
	"github.com/thibautrey/multicodex-proxy/internal/pkg/logger"
	"github.com/thibautrey/multicodex-proxy/internal/pkg/openai"
)

const (
	oauthStatesKept    = 200
	oauthStateLifetime = 30 * time.Minute
	oauthExchangeLimit = 30 * time.Second
)

// ErrOAuthStateNotFound is returned when a callback references an unknown or
// expired state.
var ErrOAuthStateNotFound = errors.New("oauth state not found or expired")

// OAuthFlowState is one pending authorization flow.
type OAuthFlowState struct {
	State        string `json:"state"`
	CodeVerifier string `json:"codeVerifier"`
	RedirectURI  string `json:"redirectUri,omitempty"`
	CreatedAt    int64  `json:"createdAt"` // unix ms
}

type oauthStateFile struct {
	States []OAuthFlowState `json:"states"`
}

// OAuthService runs the PKCE onboarding flow that turns an authorization code
// into a pool account. Pending states persist across restarts, bounded to the
// most recent entries.
type OAuthService struct {
	store     *AccountStore
	statePath string

	mu     sync.Mutex
	states []OAuthFlowState

	// tokenURL is overridable in tests; defaults to openai.TokenURL.
	tokenURL string
	client   *http.Client
}

// NewOAuthService loads pending flow states from statePath.
func NewOAuthService(store *AccountStore, statePath string) (*OAuthService, error) {
	s := &OAuthService{
		store:     store,
		statePath: statePath,
		tokenURL:  openai.TokenURL,
		client:    httpclient.New(httpclient.Options{Timeout: oauthExchangeLimit}),
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read oauth state: %w", err)
		}
		return s, nil
	}
	var file oauthStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse oauth state %s: %w", statePath, err)
	}
	s.states = file.States
	return s, nil
}

// BeginFlow creates a pending flow and returns the authorization URL the
// operator should open.
func (s *OAuthService) BeginFlow(redirectURI string) (authorizeURL, state string, err error) {
	verifier, err := openai.GenerateCodeVerifier()
	if err != nil {
		return "", "", err
	}
	state, err = openai.GenerateState()
	if err != nil {
		return "", "", err
	}
	challenge := openai.GenerateCodeChallenge(verifier)

	s.mu.Lock()
	s.states = append(s.states, OAuthFlowState{
		State:        state,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		CreatedAt:    time.Now().UnixMilli(),
	})
	if len(s.states) > oauthStatesKept {
		s.states = s.states[len(s.states)-oauthStatesKept:]
	}
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return "", "", err
	}

	return openai.BuildAuthorizationURL(state, challenge, redirectURI), state, nil
}

// CompleteFlow exchanges the authorization code for tokens and upserts the
// resulting account into the pool.
func (s *OAuthService) CompleteFlow(ctx context.Context, state, code string) (*Account, error) {
	flow, ok := s.consumeState(state)
	if !ok {
		return nil, ErrOAuthStateNotFound
	}

	form := openai.BuildTokenRequest(code, flow.CodeVerifier, flow.RedirectURI).ToFormData()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("token exchange read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var token openai.TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("token exchange decode: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("token exchange returned empty access_token")
	}

	acc := &Account{
		ID:          uuid.NewString(),
		AccessToken: token.AccessToken,
		Enabled:     true,
		ExpiresAt:   time.Now().UnixMilli() + token.ExpiresIn*1000,
	}
	if token.RefreshToken != "" {
		acc.RefreshToken = token.RefreshToken
	}
	if token.IDToken != "" {
		if claims, perr := openai.ParseIDToken(token.IDToken); perr == nil {
			acc.Email = claims.Email
			if claims.OpenAIAuth != nil {
				acc.ChatGPTAccountID = claims.OpenAIAuth.ChatGPTAccountID
			}
		}
	}

	if err := s.store.Upsert(acc); err != nil {
		return nil, err
	}
	logger.L().Info("account onboarded",
		zap.String("account", acc.ID),
		zap.String("email", acc.Email))
	return acc, nil
}

func (s *OAuthService) consumeState(state string) (OAuthFlowState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-oauthStateLifetime).UnixMilli()
	for i, flow := range s.states {
		if flow.State != state {
			continue
		}
		s.states = append(s.states[:i], s.states[i+1:]...)
		_ = s.persistLocked()
		if flow.CreatedAt < cutoff {
			return OAuthFlowState{}, false
		}
		return flow, true
	}
	return OAuthFlowState{}, false
}

func (s *OAuthService) persistLocked() error {
	data, err := json.MarshalIndent(&oauthStateFile{States: s.states}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return err
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}
