package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOAuth(t *testing.T, store *AccountStore) (*OAuthService, string) {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "oauth-state.json")
	oauth, err := NewOAuthService(store, statePath)
	require.NoError(t, err)
	return oauth, statePath
}

func TestBeginFlowPersistsState(t *testing.T) {
	oauth, statePath := newTestOAuth(t, newTestStore(t))

	authorizeURL, state, err := oauth.BeginFlow("http://localhost:1455/callback")
	require.NoError(t, err)
	assert.NotEmpty(t, state)
	assert.Contains(t, authorizeURL, "state="+state)
	assert.Contains(t, authorizeURL, "code_challenge=")

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var file struct {
		States []OAuthFlowState `json:"states"`
	}
	require.NoError(t, json.Unmarshal(data, &file))
	require.Len(t, file.States, 1)
	assert.Equal(t, state, file.States[0].State)
	assert.NotEmpty(t, file.States[0].CodeVerifier)
}

func TestBeginFlowBoundsPendingStates(t *testing.T) {
	oauth, statePath := newTestOAuth(t, newTestStore(t))

	for i := 0; i < oauthStatesKept+20; i++ {
		_, _, err := oauth.BeginFlow("")
		require.NoError(t, err)
	}

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var file struct {
		States []OAuthFlowState `json:"states"`
	}
	require.NoError(t, json.Unmarshal(data, &file))
	assert.Len(t, file.States, oauthStatesKept)
}

func TestCompleteFlowOnboardsAccount(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.NotEmpty(t, r.PostForm.Get("code_verifier"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600,"id_token":%q}`,
			testIDToken(t, `{"email":"user@example.com","https://api.openai.com/auth":{"chatgpt_account_id":"acct-1"}}`))
	}))
	defer endpoint.Close()

	store := newTestStore(t)
	oauth, _ := newTestOAuth(t, store)
	oauth.tokenURL = endpoint.URL

	_, state, err := oauth.BeginFlow("http://localhost:1455/callback")
	require.NoError(t, err)

	acc, err := oauth.CompleteFlow(context.Background(), state, "the-code")
	require.NoError(t, err)
	assert.Equal(t, "at-1", acc.AccessToken)
	assert.Equal(t, "rt-1", acc.RefreshToken)
	assert.Equal(t, "user@example.com", acc.Email)
	assert.Equal(t, "acct-1", acc.ChatGPTAccountID)
	assert.True(t, acc.Enabled)
	assert.Greater(t, acc.ExpiresAt, time.Now().UnixMilli())

	stored, err := store.Get(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-1", stored.AccessToken)

	// States are single-use.
	_, err = oauth.CompleteFlow(context.Background(), state, "the-code")
	assert.ErrorIs(t, err, ErrOAuthStateNotFound)
}

func TestCompleteFlowUnknownState(t *testing.T) {
	oauth, _ := newTestOAuth(t, newTestStore(t))
	_, err := oauth.CompleteFlow(context.Background(), "nope", "code")
	assert.ErrorIs(t, err, ErrOAuthStateNotFound)
}

func TestCompleteFlowExpiredState(t *testing.T) {
	store := newTestStore(t)
	oauth, _ := newTestOAuth(t, store)

	_, state, err := oauth.BeginFlow("")
	require.NoError(t, err)

	oauth.mu.Lock()
	for i := range oauth.states {
		if oauth.states[i].State == state {
			oauth.states[i].CreatedAt = time.Now().Add(-time.Hour).UnixMilli()
		}
	}
	oauth.mu.Unlock()

	_, err = oauth.CompleteFlow(context.Background(), state, "code")
	assert.ErrorIs(t, err, ErrOAuthStateNotFound)
}

func TestCompleteFlowExchangeFailure(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer endpoint.Close()

	oauth, _ := newTestOAuth(t, newTestStore(t))
	oauth.tokenURL = endpoint.URL

	_, state, err := oauth.BeginFlow("")
	require.NoError(t, err)

	_, err = oauth.CompleteFlow(context.Background(), state, "bad-code")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestOAuthStateSurvivesRestart(t *testing.T) {
	store := newTestStore(t)
	statePath := filepath.Join(t.TempDir(), "oauth-state.json")

	oauth, err := NewOAuthService(store, statePath)
	require.NoError(t, err)
	_, state, err := oauth.BeginFlow("")
	require.NoError(t, err)

	reloaded, err := NewOAuthService(store, statePath)
	require.NoError(t, err)
	flow, ok := reloaded.consumeState(state)
	require.True(t, ok)
	assert.NotEmpty(t, flow.CodeVerifier)
}

// testIDToken builds an unsigned JWT with the given claims payload.
func testIDToken(t *testing.T, claims string) string {
	t.Helper()
	enc := base64.RawURLEncoding.EncodeToString
	return enc([]byte(`{"alg":"none"}`)) + "." + enc([]byte(claims)) + "."
}
