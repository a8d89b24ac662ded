package service

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thibautrey/multicodex-proxy/internal/pkg/logger"
)

// ErrNoEligibleAccount is returned when every account is disabled, blocked or
// already excluded by the current failover attempt.
var ErrNoEligibleAccount = errors.New("no eligible account available")

// Scheduler picks which account serves a request. Selection is sticky within
// a time window so consecutive requests keep hitting the same upstream prompt
// cache, and otherwise load-balances by usage headroom.
type Scheduler struct {
	store  *AccountStore
	window time.Duration

	mu            sync.Mutex
	stickyBucket  int64
	stickyAccount string
}

// NewScheduler creates a scheduler with the given sticky window.
func NewScheduler(store *AccountStore, window time.Duration) *Scheduler {
	return &Scheduler{store: store, window: window}
}

// ChooseAccount returns the account that should serve the next request,
// skipping ids in excluded. The sticky pair is only advanced when the current
// sticky account cannot serve.
func (s *Scheduler) ChooseAccount(now time.Time, excluded map[string]bool) (*Account, error) {
	accounts := s.store.List()
	eligible := accounts[:0]
	for _, acc := range accounts {
		if acc.Eligible(now) && !excluded[acc.ID] {
			eligible = append(eligible, acc)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleAccount
	}

	bucket := now.UnixMilli() / s.window.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stickyBucket == bucket && s.stickyAccount != "" {
		for _, acc := range eligible {
			if acc.ID == s.stickyAccount {
				s.touch(acc.ID, now)
				return acc, nil
			}
		}
	}

	chosen := pickBest(eligible)
	s.stickyBucket = bucket
	s.stickyAccount = chosen.ID
	s.touch(chosen.ID, now)

	logger.L().Debug("account selected",
		zap.String("account", chosen.ID),
		zap.Int64("bucket", bucket),
		zap.Float64("score", accountScore(chosen)))
	return chosen, nil
}

func (s *Scheduler) touch(accountID string, now time.Time) {
	_ = s.store.Patch(accountID, func(a *Account) {
		a.EnsureState().LastSelectedAt = now.UnixMilli()
	})
}

// pickBest orders candidates and returns the first. Accounts that have never
// been observed under load go first; the rest are scored by usage headroom,
// preferring balanced windows over lopsided ones.
func pickBest(candidates []*Account) *Account {
	sorted := append([]*Account(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return accountLess(sorted[i], sorted[j])
	})
	return sorted[0]
}

func accountLess(a, b *Account) bool {
	au, bu := a.Untouched(), b.Untouched()
	if au != bu {
		return au
	}
	if !au {
		as, bs := accountScore(a), accountScore(b)
		if as != bs {
			return as < bs
		}
	}

	// Tie-breaks: earlier secondary reset first (unknown last), then lower
	// priority value (unknown last), then lexicographic id.
	if c := compareNillable(secondaryResetAt(a), secondaryResetAt(b)); c != 0 {
		return c < 0
	}
	if c := compareNillablePtr(a.Priority, b.Priority); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

// accountScore blends mean usage with window imbalance; lower is better.
func accountScore(a *Account) float64 {
	p := windowPercent(a, func(u *UsageSnapshot) UsageWindow { return u.Primary })
	w := windowPercent(a, func(u *UsageSnapshot) UsageWindow { return u.Secondary })
	return 0.75*(p+w)/2 + 0.25*math.Abs(p-w)
}

func windowPercent(a *Account, pick func(*UsageSnapshot) UsageWindow) float64 {
	if a.Usage == nil {
		return 0
	}
	win := pick(a.Usage)
	if win.UsedPercent == nil {
		return 0
	}
	return *win.UsedPercent
}

func secondaryResetAt(a *Account) *int64 {
	if a.Usage == nil {
		return nil
	}
	return a.Usage.Secondary.ResetAt
}

func compareNillable(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}

func compareNillablePtr(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}
