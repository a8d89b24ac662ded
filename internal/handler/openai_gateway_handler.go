// Package handler exposes the OpenAI-compatible HTTP surface over gin.
package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/thibautrey/multicodex-proxy/internal/pkg/apicompat"
	"github.com/thibautrey/multicodex-proxy/internal/pkg/logger"
	"github.com/thibautrey/multicodex-proxy/internal/service"
)

// OpenAIGatewayHandler serves /v1/chat/completions and /v1/responses, driving
// account failover around the forwarding engine.
type OpenAIGatewayHandler struct {
	gateway   *service.GatewayService
	scheduler *service.Scheduler
	tokens    *service.TokenRefresher
	usage     *service.UsageService
	store     *service.AccountStore

	maxAccountRetryAttempts int
}

// NewOpenAIGatewayHandler wires the gateway handler.
func NewOpenAIGatewayHandler(
	gateway *service.GatewayService,
	scheduler *service.Scheduler,
	tokens *service.TokenRefresher,
	usage *service.UsageService,
	store *service.AccountStore,
	maxAccountRetryAttempts int,
) *OpenAIGatewayHandler {
	if maxAccountRetryAttempts <= 0 {
		maxAccountRetryAttempts = 5
	}
	return &OpenAIGatewayHandler{
		gateway:                 gateway,
		scheduler:               scheduler,
		tokens:                  tokens,
		usage:                   usage,
		store:                   store,
		maxAccountRetryAttempts: maxAccountRetryAttempts,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIGatewayHandler) ChatCompletions(c *gin.Context) {
	h.forward(c, true)
}

// Responses handles POST /v1/responses.
func (h *OpenAIGatewayHandler) Responses(c *gin.Context) {
	h.forward(c, false)
}

func (h *OpenAIGatewayHandler) forward(c *gin.Context, isChatReply bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Failed to read request body")
		return
	}
	if len(body) == 0 {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Request body is empty")
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	clientStream := gjson.GetBytes(body, "stream").Bool()

	accounts := h.store.List()
	if len(accounts) == 0 {
		h.errorResponse(c, http.StatusServiceUnavailable, "api_error", "no accounts configured")
		return
	}

	sessionID := apicompat.SessionIDFromHeaders(c.Request.Header)
	upstreamBody, _, err := apicompat.BuildUpstreamPayload(body, sessionID)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Failed to parse request body: "+err.Error())
		return
	}

	// PREP: make tokens and usage snapshots current before routing.
	ctx := c.Request.Context()
	now := time.Now()
	for _, acc := range accounts {
		if !acc.Enabled {
			continue
		}
		if _, terr := h.tokens.EnsureValidToken(ctx, acc.ID); terr != nil {
			logger.L().Debug("token prep failed", zap.String("account", acc.ID), zap.Error(terr))
		}
		if _, uerr := h.usage.RefreshUsage(ctx, acc.ID, false); uerr != nil {
			logger.L().Debug("usage prep failed", zap.String("account", acc.ID), zap.Error(uerr))
		}
	}

	streamStarted := false
	in := &service.ForwardInput{
		Route:         c.FullPath(),
		Body:          body,
		UpstreamBody:  upstreamBody,
		Model:         model,
		SessionID:     sessionID,
		IsChatReply:   isChatReply,
		ClientStream:  clientStream,
		StreamStarted: &streamStarted,
	}

	maxAttempts := h.maxAccountRetryAttempts
	if len(accounts) < maxAttempts {
		maxAttempts = len(accounts)
	}

	tried := make(map[string]bool)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		account, err := h.scheduler.ChooseAccount(now, tried)
		if err != nil {
			h.handleExhausted(c, streamStarted)
			return
		}
		tried[account.ID] = true

		token, err := h.tokens.EnsureValidToken(ctx, account.ID)
		if err != nil {
			logger.L().Warn("no usable token", zap.String("account", account.ID), zap.Error(err))
			continue
		}

		_, err = h.gateway.Forward(ctx, c, account, token, in)
		if err != nil {
			var failoverErr *service.UpstreamFailoverError
			if errors.As(err, &failoverErr) {
				if streamStarted {
					// Bytes already reached the client; switching accounts
					// mid-stream would corrupt the reply.
					h.handleStreamingAwareError(c, http.StatusBadGateway, "upstream_error",
						"Upstream stream interrupted", streamStarted)
					return
				}
				logger.L().Info("failing over to next account",
					zap.String("account", account.ID),
					zap.Int("status", failoverErr.StatusCode),
					zap.Int("attempt", attempt))
				continue
			}
			logger.L().Warn("forward failed", zap.String("account", account.ID), zap.Error(err))
			return
		}
		return
	}

	h.handleExhausted(c, streamStarted)
}

// handleExhausted ends the request once every usable account has been tried.
// Whatever the individual attempts failed with, the client always sees the
// same terminal 429: per-account errors were either propagated verbatim
// already or were retryable and never belong to the client.
func (h *OpenAIGatewayHandler) handleExhausted(c *gin.Context, streamStarted bool) {
	h.handleStreamingAwareError(c, http.StatusTooManyRequests, "rate_limit_error",
		"all accounts exhausted or unavailable", streamStarted)
}

// handleStreamingAwareError writes an error either as a JSON body or, when
// the SSE stream has already started, as a terminal error event.
func (h *OpenAIGatewayHandler) handleStreamingAwareError(c *gin.Context, status int, errType, message string, streamStarted bool) {
	if streamStarted {
		event := fmt.Sprintf("event: error\ndata: {\"error\": {\"type\": %q, \"message\": %q}}\n\n",
			errType, message)
		if _, err := c.Writer.WriteString(event); err == nil {
			c.Writer.Flush()
		}
		return
	}
	h.errorResponse(c, status, errType, message)
}

func (h *OpenAIGatewayHandler) errorResponse(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}
