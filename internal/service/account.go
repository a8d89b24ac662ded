// Package service contains the domain logic of the gateway: the account pool
// and its persistence, usage polling, routing, token refresh, request
// forwarding, tracing and pricing.
package service

import (
	"time"
)

const recentErrorsKept = 10

// Account is one upstream ChatGPT account in the pool.
type Account struct {
	ID               string `json:"id"`
	Email            string `json:"email,omitempty"`
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken,omitempty"`
	ExpiresAt        int64  `json:"expiresAt,omitempty"` // unix ms
	ChatGPTAccountID string `json:"chatgptAccountId,omitempty"`
	Enabled          bool   `json:"enabled"`
	Priority         *int   `json:"priority,omitempty"`
	ProxyURL         string `json:"proxyUrl,omitempty"`

	Usage *UsageSnapshot `json:"usage,omitempty"`
	State *AccountState  `json:"state,omitempty"`

	CreatedAt int64 `json:"createdAt,omitempty"` // unix ms
	UpdatedAt int64 `json:"updatedAt,omitempty"` // unix ms
}

// UsageWindow is one rate-limit window reported by the upstream usage endpoint.
type UsageWindow struct {
	UsedPercent *float64 `json:"usedPercent,omitempty"` // clamped to [0,100]
	ResetAt     *int64   `json:"resetAt,omitempty"`     // unix ms
}

// UsageSnapshot is the last observed upstream usage for an account.
type UsageSnapshot struct {
	Primary   UsageWindow `json:"primary"`
	Secondary UsageWindow `json:"secondary"`
	FetchedAt int64       `json:"fetchedAt"` // unix ms
}

// Fresh reports whether the snapshot is younger than ttl at instant now.
func (u *UsageSnapshot) Fresh(now time.Time, ttl time.Duration) bool {
	if u == nil || u.FetchedAt == 0 {
		return false
	}
	return now.UnixMilli()-u.FetchedAt < ttl.Milliseconds()
}

// AccountError is one entry in an account's recent error ring.
type AccountError struct {
	At      int64  `json:"at"` // unix ms
	Message string `json:"message"`
}

// AccountState is the mutable health state of an account.
type AccountState struct {
	BlockedUntil      int64          `json:"blockedUntil,omitempty"` // unix ms, 0 = not blocked
	BlockedReason     string         `json:"blockedReason,omitempty"`
	LastError         string         `json:"lastError,omitempty"`
	LastSelectedAt    int64          `json:"lastSelectedAt,omitempty"` // unix ms
	RecentErrors      []AccountError `json:"recentErrors,omitempty"`
	NeedsTokenRefresh bool           `json:"needsTokenRefresh,omitempty"`
}

// Blocked reports whether the account is quota-blocked at instant now.
func (s *AccountState) Blocked(now time.Time) bool {
	return s != nil && s.BlockedUntil > now.UnixMilli()
}

// RememberError pushes msg onto the recent error ring, keeping the newest
// entries, and records it as the last error.
func (s *AccountState) RememberError(now time.Time, msg string) {
	s.LastError = msg
	s.RecentErrors = append(s.RecentErrors, AccountError{At: now.UnixMilli(), Message: msg})
	if len(s.RecentErrors) > recentErrorsKept {
		s.RecentErrors = s.RecentErrors[len(s.RecentErrors)-recentErrorsKept:]
	}
}

// EnsureState returns the account's state, allocating it on first use.
func (a *Account) EnsureState() *AccountState {
	if a.State == nil {
		a.State = &AccountState{}
	}
	return a.State
}

// Eligible reports whether the account may receive traffic at instant now:
// enabled and not quota-blocked.
func (a *Account) Eligible(now time.Time) bool {
	return a.Enabled && !a.State.Blocked(now)
}

// Untouched reports whether both usage windows sit at zero, treating a
// missing percentage as zero. An account whose snapshot shows no consumption
// counts the same as one with no snapshot at all.
func (a *Account) Untouched() bool {
	if a.Usage == nil {
		return true
	}
	return windowAtZero(a.Usage.Primary) && windowAtZero(a.Usage.Secondary)
}

func windowAtZero(w UsageWindow) bool {
	return w.UsedPercent == nil || *w.UsedPercent == 0
}

// TokenExpiringWithin reports whether the access token expires within margin
// of instant now. Accounts without an expiry never report expiring.
func (a *Account) TokenExpiringWithin(now time.Time, margin time.Duration) bool {
	if a.ExpiresAt == 0 {
		return false
	}
	return a.ExpiresAt-now.UnixMilli() < margin.Milliseconds()
}
