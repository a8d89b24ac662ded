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

func TestRefreshUsageParsesAndStoresSnapshot(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/backend-api/wham/usage", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "acct-xyz", r.Header.Get("ChatGPT-Account-Id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rate_limit":{
			"primary_window":{"used_percent":120.5,"reset_at":1700000000},
			"secondary_window":{"used_percent":-3}
		}}`))
	}))
	defer upstream.Close()

	store := newTestStore(t)
	require.NoError(t, store.Upsert(&Account{
		ID: "a1", Enabled: true, AccessToken: "tok-1", ChatGPTAccountID: "acct-xyz",
	}))
	usage := NewUsageService(store, UsageServiceOptions{
		BaseURL:       upstream.URL,
		CacheTTL:      5 * time.Minute,
		Timeout:       5 * time.Second,
		BlockFallback: 30 * time.Minute,
	})

	snapshot, err := usage.RefreshUsage(context.Background(), "a1", false)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Primary.UsedPercent)
	assert.Equal(t, 100.0, *snapshot.Primary.UsedPercent) // clamped
	require.NotNil(t, snapshot.Primary.ResetAt)
	assert.Equal(t, int64(1_700_000_000_000), *snapshot.Primary.ResetAt) // seconds → ms
	require.NotNil(t, snapshot.Secondary.UsedPercent)
	assert.Equal(t, 0.0, *snapshot.Secondary.UsedPercent) // clamped
	assert.Nil(t, snapshot.Secondary.ResetAt)

	stored, err := store.Get("a1")
	require.NoError(t, err)
	require.NotNil(t, stored.Usage)
	assert.NotZero(t, stored.Usage.FetchedAt)

	// A fresh snapshot short-circuits the probe.
	_, err = usage.RefreshUsage(context.Background(), "a1", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// force bypasses the TTL gate.
	_, err = usage.RefreshUsage(context.Background(), "a1", true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSweepUsageRefreshesAllEnabledAccounts(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rate_limit":{"primary_window":{"used_percent":5}}}`))
	}))
	defer upstream.Close()

	store := newTestStore(t)
	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, store.Upsert(&Account{ID: id, Enabled: true, AccessToken: "tok-" + id}))
	}
	require.NoError(t, store.Upsert(&Account{ID: "off", Enabled: false, AccessToken: "tok-off"}))

	usage := NewUsageService(store, UsageServiceOptions{
		BaseURL: upstream.URL, CacheTTL: time.Minute, Timeout: 5 * time.Second,
	})

	usage.SweepUsage(context.Background())

	// One poll per enabled account, none for the disabled one.
	assert.Equal(t, int32(3), calls.Load())
	for _, id := range []string{"a1", "a2", "a3"} {
		stored, err := store.Get(id)
		require.NoError(t, err)
		require.NotNil(t, stored.Usage, id)
		require.NotNil(t, stored.Usage.Primary.UsedPercent, id)
		assert.Equal(t, 5.0, *stored.Usage.Primary.UsedPercent, id)
	}
	off, err := store.Get("off")
	require.NoError(t, err)
	assert.Nil(t, off.Usage)
}

func TestRefreshUsageProbeFailureRemembered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	store := newTestStore(t)
	require.NoError(t, store.Upsert(&Account{ID: "a1", Enabled: true, AccessToken: "tok"}))
	usage := NewUsageService(store, UsageServiceOptions{
		BaseURL: upstream.URL, CacheTTL: time.Minute, Timeout: 5 * time.Second,
	})

	_, err := usage.RefreshUsage(context.Background(), "a1", true)
	require.Error(t, err)

	stored, err := store.Get("a1")
	require.NoError(t, err)
	require.NotNil(t, stored.State)
	require.NotEmpty(t, stored.State.RecentErrors)
	assert.Contains(t, stored.State.LastError, "status 401")
}

func TestRefreshUsageUnknownAccount(t *testing.T) {
	usage := NewUsageService(newTestStore(t), UsageServiceOptions{})
	_, err := usage.RefreshUsage(context.Background(), "ghost", true)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMarkQuotaHitUsesEarliestFutureReset(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UnixMilli()
	soon := now + 10*60_000
	later := now + 60*60_000
	require.NoError(t, store.Upsert(&Account{
		ID: "a1", Enabled: true,
		Usage: &UsageSnapshot{
			Primary:   UsageWindow{ResetAt: &later},
			Secondary: UsageWindow{ResetAt: &soon},
		},
	}))

	usage := NewUsageService(store, UsageServiceOptions{BlockFallback: 30 * time.Minute})
	usage.MarkQuotaHit("a1", "usage limit reached")

	stored, err := store.Get("a1")
	require.NoError(t, err)
	require.NotNil(t, stored.State)
	assert.Equal(t, soon, stored.State.BlockedUntil)
	assert.Equal(t, "usage limit reached", stored.State.BlockedReason)
	assert.Equal(t, "usage limit reached", stored.State.LastError)
}

func TestMarkQuotaHitFallbackWhenResetsInPast(t *testing.T) {
	store := newTestStore(t)
	past := time.Now().UnixMilli() - 60_000
	require.NoError(t, store.Upsert(&Account{
		ID: "a1", Enabled: true,
		Usage: &UsageSnapshot{Primary: UsageWindow{ResetAt: &past}},
	}))

	usage := NewUsageService(store, UsageServiceOptions{BlockFallback: 30 * time.Minute})
	before := time.Now().UnixMilli()
	usage.MarkQuotaHit("a1", "429")
	after := time.Now().UnixMilli()

	stored, err := store.Get("a1")
	require.NoError(t, err)
	require.NotNil(t, stored.State)
	assert.GreaterOrEqual(t, stored.State.BlockedUntil, before+30*60_000)
	assert.LessOrEqual(t, stored.State.BlockedUntil, after+30*60_000)
}

func TestEarliestFutureReset(t *testing.T) {
	now := int64(1_000)
	a, b, past := int64(2_000), int64(1_500), int64(500)

	got, ok := earliestFutureReset(now, &a, &b)
	require.True(t, ok)
	assert.Equal(t, b, got)

	got, ok = earliestFutureReset(now, &past, &a)
	require.True(t, ok)
	assert.Equal(t, a, got)

	_, ok = earliestFutureReset(now, &past, nil)
	assert.False(t, ok)

	_, ok = earliestFutureReset(now)
	assert.False(t, ok)
}
