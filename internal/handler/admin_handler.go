package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/thibautrey/multicodex-proxy/internal/service"
)

// AdminHandler exposes the operator surface: account onboarding and
// inspection, traces and aggregate stats.
type AdminHandler struct {
	store  *service.AccountStore
	usage  *service.UsageService
	oauth  *service.OAuthService
	traces *service.TraceLog
}

// NewAdminHandler wires the admin handler.
func NewAdminHandler(store *service.AccountStore, usage *service.UsageService, oauth *service.OAuthService, traces *service.TraceLog) *AdminHandler {
	return &AdminHandler{store: store, usage: usage, oauth: oauth, traces: traces}
}

// AdminAuth guards the admin routes with a bearer token. An empty configured
// token disables the admin surface entirely.
func AdminAuth(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error": gin.H{"type": "invalid_request_error", "message": "admin surface disabled"},
			})
			return
		}
		auth := c.GetHeader("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token != adminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "invalid admin token"},
			})
			return
		}
		c.Next()
	}
}

// adminAccountView is an Account with credentials redacted.
type adminAccountView struct {
	ID               string                 `json:"id"`
	Email            string                 `json:"email,omitempty"`
	ChatGPTAccountID string                 `json:"chatgptAccountId,omitempty"`
	Enabled          bool                   `json:"enabled"`
	Priority         *int                   `json:"priority,omitempty"`
	ExpiresAt        int64                  `json:"expiresAt,omitempty"`
	Usage            *service.UsageSnapshot `json:"usage,omitempty"`
	State            *service.AccountState  `json:"state,omitempty"`
}

// ListAccounts handles GET /admin/accounts.
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	accounts := h.store.List()
	out := make([]adminAccountView, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, adminAccountView{
			ID:               acc.ID,
			Email:            acc.Email,
			ChatGPTAccountID: acc.ChatGPTAccountID,
			Enabled:          acc.Enabled,
			Priority:         acc.Priority,
			ExpiresAt:        acc.ExpiresAt,
			Usage:            acc.Usage,
			State:            acc.State,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

// UpdateAccount handles PATCH /admin/accounts/:id, toggling enabled/priority.
func (h *AdminHandler) UpdateAccount(c *gin.Context) {
	var patch struct {
		Enabled  *bool `json:"enabled"`
		Priority *int  `json:"priority"`
	}
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"type": "invalid_request_error", "message": "invalid patch body"},
		})
		return
	}

	err := h.store.Patch(c.Param("id"), func(acc *service.Account) {
		if patch.Enabled != nil {
			acc.Enabled = *patch.Enabled
		}
		if patch.Priority != nil {
			acc.Priority = patch.Priority
		}
	})
	if err != nil {
		h.accountError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DeleteAccount handles DELETE /admin/accounts/:id.
func (h *AdminHandler) DeleteAccount(c *gin.Context) {
	if err := h.store.Delete(c.Param("id")); err != nil {
		h.accountError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RefreshAccountUsage handles POST /admin/accounts/:id/usage, forcing a probe.
func (h *AdminHandler) RefreshAccountUsage(c *gin.Context) {
	snapshot, err := h.usage.RefreshUsage(c.Request.Context(), c.Param("id"), true)
	if err != nil {
		h.accountError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": snapshot})
}

// BeginOAuth handles POST /admin/oauth/start.
func (h *AdminHandler) BeginOAuth(c *gin.Context) {
	var req struct {
		RedirectURI string `json:"redirectUri"`
	}
	_ = c.ShouldBindJSON(&req)

	authorizeURL, state, err := h.oauth.BeginFlow(req.RedirectURI)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"type": "api_error", "message": "failed to start oauth flow"},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorizeUrl": authorizeURL, "state": state})
}

// CompleteOAuth handles POST /admin/oauth/complete.
func (h *AdminHandler) CompleteOAuth(c *gin.Context) {
	var req struct {
		State string `json:"state"`
		Code  string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.State == "" || req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"type": "invalid_request_error", "message": "state and code are required"},
		})
		return
	}

	acc, err := h.oauth.CompleteFlow(c.Request.Context(), req.State, req.Code)
	if err != nil {
		if errors.Is(err, service.ErrOAuthStateNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"type": "invalid_request_error", "message": err.Error()},
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"type": "upstream_error", "message": "token exchange failed"},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": acc.ID, "email": acc.Email})
}

// ListTraces handles GET /admin/traces?since=&until=.
func (h *AdminHandler) ListTraces(c *gin.Context) {
	since, until := timeRange(c)
	c.JSON(http.StatusOK, gin.H{"traces": h.traces.ReadWindow(since, until)})
}

// Stats handles GET /admin/stats?since=&until=, aggregating the slim history.
func (h *AdminHandler) Stats(c *gin.Context) {
	since, until := timeRange(c)
	history, err := h.traces.ReadHistory(since, until)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"type": "api_error", "message": "failed to read stats history"},
		})
		return
	}
	c.JSON(http.StatusOK, service.BuildStats(history))
}

func timeRange(c *gin.Context) (since, until int64) {
	since, _ = strconv.ParseInt(c.Query("since"), 10, 64)
	until, _ = strconv.ParseInt(c.Query("until"), 10, 64)
	return since, until
}

func (h *AdminHandler) accountError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"type": "invalid_request_error", "message": "account not found"},
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{"type": "api_error", "message": err.Error()},
	})
}
