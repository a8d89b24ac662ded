package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelsListMergesConfiguredAndDiscovered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/backend-api/codex/models", r.URL.Path)
		assert.Equal(t, "1.0.0", r.URL.Query().Get("client_version"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models":[
			{"slug":"gpt-5-codex","context_window":272000,"max_output_tokens":128000},
			{"id":"gpt-5.1-codex"},
			{"id":"gpt-5-codex"}
		]}`))
	}))
	defer upstream.Close()

	store := newTestStore(t)
	require.NoError(t, store.Upsert(&Account{ID: "a1", Enabled: true, AccessToken: "tok"}))

	models := NewModelsService(store, ModelsServiceOptions{
		BaseURL:       upstream.URL,
		ProxyModels:   []string{"gpt-5-codex", "gpt-4o"},
		ClientVersion: "1.0.0",
		CacheTTL:      time.Minute,
	})

	list := models.List(context.Background())
	ids := make([]string, 0, len(list))
	for _, m := range list {
		ids = append(ids, m.ID)
	}
	// Configured ids first, discovered extras after, duplicates dropped.
	assert.Equal(t, []string{"gpt-5-codex", "gpt-4o", "gpt-5.1-codex"}, ids)

	discovered, ok := models.Get(context.Background(), "gpt-5.1-codex")
	require.True(t, ok)
	assert.Equal(t, "model", discovered.Object)
	assert.True(t, discovered.SupportsReasoning)
	assert.Equal(t, []string{"function"}, discovered.SupportedToolTypes)

	withMeta, ok := models.Get(context.Background(), "gpt-5-codex")
	require.True(t, ok)
	// The configured entry wins, so discovery metadata is not attached.
	assert.Nil(t, withMeta.ContextWindow)
}

func TestModelsListCachesResult(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"data":[{"id":"gpt-5-codex"}]}`))
	}))
	defer upstream.Close()

	store := newTestStore(t)
	require.NoError(t, store.Upsert(&Account{ID: "a1", Enabled: true, AccessToken: "tok"}))
	models := NewModelsService(store, ModelsServiceOptions{BaseURL: upstream.URL, CacheTTL: time.Minute})

	models.List(context.Background())
	models.List(context.Background())
	assert.Equal(t, int32(1), calls.Load())
}

func TestModelsListDegradesWhenDiscoveryFails(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	store := newTestStore(t)
	require.NoError(t, store.Upsert(&Account{ID: "a1", Enabled: true, AccessToken: "tok"}))
	models := NewModelsService(store, ModelsServiceOptions{
		BaseURL:     upstream.URL,
		ProxyModels: []string{"gpt-5-codex"},
		CacheTTL:    time.Minute,
	})

	list := models.List(context.Background())
	require.Len(t, list, 1)
	assert.Equal(t, "gpt-5-codex", list[0].ID)
}

func TestModelsListWithoutAccounts(t *testing.T) {
	models := NewModelsService(newTestStore(t), ModelsServiceOptions{
		BaseURL:     "http://127.0.0.1:1", // never dialed without an account token
		ProxyModels: []string{"gpt-5-codex"},
		CacheTTL:    time.Minute,
	})

	list := models.List(context.Background())
	require.Len(t, list, 1)
	assert.Equal(t, "gpt-5-codex", list[0].ID)
}

func TestSupportsReasoning(t *testing.T) {
	assert.True(t, supportsReasoning("gpt-5-codex"))
	assert.True(t, supportsReasoning("codex-mini-latest"))
	assert.True(t, supportsReasoning("gpt-5.1"))
	assert.False(t, supportsReasoning("gpt-4o"))
}
