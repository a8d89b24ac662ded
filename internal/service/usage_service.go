package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/thibautrey/multicodex-proxy/internal/pkg/httpclient"
	"github.com/thibautrey/multicodex-proxy/internal/pkg/logger"
)

const usageMaxBodyLen = 1 << 20

// UsageServiceOptions configures the usage poller.
type UsageServiceOptions struct {
	BaseURL       string        // upstream origin, e.g. https://chatgpt.com
	CacheTTL      time.Duration // snapshot freshness window
	Timeout       time.Duration // per-probe HTTP timeout
	BlockFallback time.Duration // block duration when no future reset is known
}

// UsageService polls the upstream usage endpoint and maintains per-account
// usage snapshots and quota blocks in the store.
type UsageService struct {
	store *AccountStore
	opts  UsageServiceOptions

	group singleflight.Group

	mu      sync.Mutex
	clients map[string]*http.Client // keyed by proxy URL ("" = direct)
}

// NewUsageService creates a usage poller over the given store.
func NewUsageService(store *AccountStore, opts UsageServiceOptions) *UsageService {
	return &UsageService{
		store:   store,
		opts:    opts,
		clients: make(map[string]*http.Client),
	}
}

func (s *UsageService) clientFor(proxyURL string) *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[proxyURL]; ok {
		return c
	}
	c := httpclient.New(httpclient.Options{Timeout: s.opts.Timeout, ProxyURL: proxyURL})
	s.clients[proxyURL] = c
	return c
}

// usageResponse mirrors the subset of the wham usage payload we consume.
type usageResponse struct {
	RateLimit struct {
		PrimaryWindow   *usageWindowPayload `json:"primary_window"`
		SecondaryWindow *usageWindowPayload `json:"secondary_window"`
	} `json:"rate_limit"`
}

type usageWindowPayload struct {
	UsedPercent *float64 `json:"used_percent"`
	ResetAt     *int64   `json:"reset_at"` // unix seconds
}

// RefreshUsage fetches the account's upstream usage, updating its stored
// snapshot. Fresh snapshots are returned as-is unless force is set.
// Concurrent refreshes of the same account are collapsed into one probe.
func (s *UsageService) RefreshUsage(ctx context.Context, accountID string, force bool) (*UsageSnapshot, error) {
	acc, err := s.store.Get(accountID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if !force && acc.Usage.Fresh(now, s.opts.CacheTTL) {
		return acc.Usage, nil
	}

	v, err, _ := s.group.Do(accountID, func() (any, error) {
		return s.probe(ctx, acc)
	})
	if err != nil {
		s.rememberError(accountID, err.Error())
		return nil, err
	}

	snapshot := v.(*UsageSnapshot)
	if patchErr := s.store.Patch(accountID, func(a *Account) {
		a.Usage = snapshot
	}); patchErr != nil {
		return nil, patchErr
	}
	return snapshot, nil
}

func (s *UsageService) probe(ctx context.Context, acc *Account) (*UsageSnapshot, error) {
	url := s.opts.BaseURL + "/backend-api/wham/usage"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	if acc.ChatGPTAccountID != "" {
		req.Header.Set("ChatGPT-Account-Id", acc.ChatGPTAccountID)
	}

	resp, err := s.clientFor(acc.ProxyURL).Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage probe: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, usageMaxBodyLen))
	if err != nil {
		return nil, fmt.Errorf("usage probe read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage probe: upstream status %d", resp.StatusCode)
	}

	var payload usageResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("usage probe decode: %w", err)
	}

	snapshot := &UsageSnapshot{
		Primary:   windowFromPayload(payload.RateLimit.PrimaryWindow),
		Secondary: windowFromPayload(payload.RateLimit.SecondaryWindow),
		FetchedAt: time.Now().UnixMilli(),
	}
	logger.L().Debug("usage refreshed",
		zap.String("account", acc.ID),
		zap.Float64p("primaryUsedPercent", snapshot.Primary.UsedPercent),
		zap.Float64p("secondaryUsedPercent", snapshot.Secondary.UsedPercent))
	return snapshot, nil
}

func windowFromPayload(p *usageWindowPayload) UsageWindow {
	var w UsageWindow
	if p == nil {
		return w
	}
	if p.UsedPercent != nil {
		v := clampPercent(*p.UsedPercent)
		w.UsedPercent = &v
	}
	if p.ResetAt != nil {
		ms := *p.ResetAt * 1000
		w.ResetAt = &ms
	}
	return w
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// MarkQuotaHit blocks the account until the earliest usage window reset that
// lies in the future, or for the fallback duration when no future reset is
// known.
func (s *UsageService) MarkQuotaHit(accountID, reason string) {
	now := time.Now()
	nowMs := now.UnixMilli()

	err := s.store.Patch(accountID, func(a *Account) {
		until := nowMs + s.opts.BlockFallback.Milliseconds()
		if a.Usage != nil {
			if t, ok := earliestFutureReset(nowMs, a.Usage.Primary.ResetAt, a.Usage.Secondary.ResetAt); ok {
				until = t
			}
		}
		state := a.EnsureState()
		state.BlockedUntil = until
		state.BlockedReason = reason
		state.RememberError(now, reason)
	})
	if err != nil {
		logger.L().Warn("mark quota hit failed", zap.String("account", accountID), zap.Error(err))
		return
	}
	logger.L().Info("account quota-blocked", zap.String("account", accountID), zap.String("reason", reason))
}

func earliestFutureReset(nowMs int64, resets ...*int64) (int64, bool) {
	var best int64
	found := false
	for _, r := range resets {
		if r == nil || *r <= nowMs {
			continue
		}
		if !found || *r < best {
			best = *r
			found = true
		}
	}
	return best, found
}

func (s *UsageService) rememberError(accountID, msg string) {
	now := time.Now()
	_ = s.store.Patch(accountID, func(a *Account) {
		a.EnsureState().RememberError(now, msg)
	})
}

// sweepConcurrency bounds how many accounts a sweep polls at once.
const sweepConcurrency = 4

// SweepUsage refreshes stale snapshots for all enabled accounts, a few in
// parallel. Wired to the cron scheduler at startup.
func (s *UsageService) SweepUsage(ctx context.Context) {
	pool := pond.NewPool(sweepConcurrency)
	for _, acc := range s.store.List() {
		if !acc.Enabled {
			continue
		}
		id := acc.ID
		pool.Submit(func() {
			if _, err := s.RefreshUsage(ctx, id, false); err != nil {
				logger.L().Debug("usage sweep probe failed",
					zap.String("account", id), zap.Error(err))
			}
		})
	}
	pool.StopAndWait()
}
