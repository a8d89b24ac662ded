package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/thibautrey/multicodex-proxy/internal/pkg/apicompat"
	"github.com/thibautrey/multicodex-proxy/internal/pkg/httpclient"
	"github.com/thibautrey/multicodex-proxy/internal/pkg/logger"
)

var (
	quotaErrorRe = regexp.MustCompile(`(?i)\b429\b|quota|usage limit|rate.?limit|too many requests|limit reached|capacity`)
	retryableRe  = regexp.MustCompile(`(?i)rate.?limit|overloaded|service.?unavailable|upstream.?connect|connection.?refused`)

	retryableStatuses = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}
)

// transport errors are reported to the trace log with this status.
const statusUpstreamTransport = 599

// UpstreamFailoverError signals that the attempt failed in a way that should
// be retried on the next account.
type UpstreamFailoverError struct {
	StatusCode   int
	ResponseBody []byte
}

func (e *UpstreamFailoverError) Error() string {
	return fmt.Sprintf("upstream error %d, failover required", e.StatusCode)
}

// GatewayServiceOptions configures the forwarding engine.
type GatewayServiceOptions struct {
	BaseURL            string // e.g. https://chatgpt.com
	UpstreamPath       string // e.g. /backend-api/codex/responses
	MaxUpstreamRetries int
	BaseDelay          time.Duration
	TraceIncludeBody   bool
}

// ForwardInput is the per-attempt request context built by the handler.
type ForwardInput struct {
	Route        string // logical client path for traces
	Body         []byte // original client body
	UpstreamBody []byte // bridged payload (always Responses-shaped)
	Model        string
	SessionID    string
	IsChatReply  bool // client path decides the reply shape
	ClientStream bool

	// StreamStarted is shared with the handler so late errors can switch to
	// the SSE error framing.
	StreamStarted *bool
}

// ForwardResult summarises a completed (non-failover) attempt.
type ForwardResult struct {
	Status    int
	Model     string
	Stream    bool
	Usage     json.RawMessage
	LatencyMs int64

	AssistantEmptyOutput  bool
	AssistantFinishReason string
}

// GatewayService is the forwarding engine: it carries one client request to
// one upstream account, bridging payload and reply, with a small in-account
// retry budget. Account-level failover is driven by the handler via
// UpstreamFailoverError.
type GatewayService struct {
	store  *AccountStore
	usage  *UsageService
	traces *TraceLog
	opts   GatewayServiceOptions

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewGatewayService creates the forwarding engine.
func NewGatewayService(store *AccountStore, usage *UsageService, traces *TraceLog, opts GatewayServiceOptions) *GatewayService {
	return &GatewayService{
		store:   store,
		usage:   usage,
		traces:  traces,
		opts:    opts,
		clients: make(map[string]*http.Client),
	}
}

func (s *GatewayService) clientFor(proxyURL string) *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[proxyURL]; ok {
		return c
	}
	// No overall timeout: streamed replies live as long as the client does.
	c := httpclient.New(httpclient.Options{ProxyURL: proxyURL})
	s.clients[proxyURL] = c
	return c
}

// piUserAgent mimics the Codex CLI UA the upstream expects.
var piUserAgent = func() string {
	release := "unknown"
	if info, err := host.Info(); err == nil && info.KernelVersion != "" {
		release = info.KernelVersion
	}
	return fmt.Sprintf("pi (%s %s; %s)", runtime.GOOS, release, runtime.GOARCH)
}()

// Forward runs one attempt against one account. On success (or a verbatim
// non-retryable upstream error) it writes the client response itself and
// returns a result; quota and transport failures return UpstreamFailoverError
// so the handler can pick the next account. A trace entry is appended for
// every outcome.
func (s *GatewayService) Forward(ctx context.Context, c *gin.Context, account *Account, accessToken string, in *ForwardInput) (*ForwardResult, error) {
	start := time.Now()

	resp, err := s.doUpstreamRequest(ctx, account, accessToken, in)
	if err != nil {
		msg := err.Error()
		s.rememberAccountError(account.ID, msg)
		s.appendTrace(in, account, TraceEntry{
			Status:    statusUpstreamTransport,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     msg,
		})
		return nil, &UpstreamFailoverError{StatusCode: statusUpstreamTransport}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return s.handleUpstreamError(c, account, in, resp, start)
	}

	result, err := s.dispatchReply(ctx, c, in, resp, start)
	if err != nil {
		s.rememberAccountError(account.ID, err.Error())
		s.appendTrace(in, account, TraceEntry{
			Status:    statusUpstreamTransport,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     err.Error(),
		})
		return nil, &UpstreamFailoverError{StatusCode: statusUpstreamTransport}
	}

	s.appendTrace(in, account, TraceEntry{
		Status:                result.Status,
		LatencyMs:             result.LatencyMs,
		Usage:                 result.Usage,
		UpstreamContentType:   resp.Header.Get("Content-Type"),
		AssistantEmptyOutput:  result.AssistantEmptyOutput,
		AssistantFinishReason: result.AssistantFinishReason,
	})
	return result, nil
}

// doUpstreamRequest performs the upstream POST with the in-account retry
// budget: retryable statuses and transport errors back off exponentially up
// to MaxUpstreamRetries extra attempts.
func (s *GatewayService) doUpstreamRequest(ctx context.Context, account *Account, accessToken string, in *ForwardInput) (*http.Response, error) {
	url := s.opts.BaseURL + s.opts.UpstreamPath
	client := s.clientFor(account.ProxyURL)

	var lastErr error
	attempts := s.opts.MaxUpstreamRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := s.opts.BaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(in.UpstreamBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("OpenAI-Beta", "responses=experimental")
		req.Header.Set("originator", "pi")
		req.Header.Set("User-Agent", piUserAgent)
		if account.ChatGPTAccountID != "" {
			req.Header.Set("chatgpt-account-id", account.ChatGPTAccountID)
		}
		if in.SessionID != "" {
			req.Header.Set("session_id", in.SessionID)
		}

		resp, err := client.Do(req)
		if err != nil {
			// Transport errors retry unless they look like a hard quota wall.
			if strings.Contains(strings.ToLower(err.Error()), "usage limit") {
				return nil, err
			}
			lastErr = err
			continue
		}

		if retryableStatuses[resp.StatusCode] && attempt < attempts-1 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			logger.L().Debug("retryable upstream status",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
				zap.String("account", account.ID))
			lastErr = fmt.Errorf("upstream status %d: %s", resp.StatusCode, truncate(string(body), 200))
			continue
		}
		if resp.StatusCode >= 400 && attempt < attempts-1 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if retryableRe.Match(body) {
				resp.Body.Close()
				lastErr = fmt.Errorf("upstream status %d: %s", resp.StatusCode, truncate(string(body), 200))
				continue
			}
			// Not retryable: hand the (already read) body back on a rebuilt response.
			resp.Body = io.NopCloser(bytes.NewReader(body))
			return resp, nil
		}
		return resp, nil
	}
	return nil, lastErr
}

// handleUpstreamError classifies a final not-ok response: quota errors block
// the account and fail over, anything else is forwarded verbatim.
func (s *GatewayService) handleUpstreamError(c *gin.Context, account *Account, in *ForwardInput, resp *http.Response, start time.Time) (*ForwardResult, error) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	isQuota := resp.StatusCode == http.StatusTooManyRequests || quotaErrorRe.Match(body)
	entry := TraceEntry{
		Status:              resp.StatusCode,
		LatencyMs:           time.Since(start).Milliseconds(),
		UpstreamError:       truncate(string(body), traceErrorMaxChars),
		UpstreamContentType: resp.Header.Get("Content-Type"),
		UpstreamEmptyBody:   len(body) == 0,
	}
	s.appendTrace(in, account, entry)

	if isQuota {
		s.usage.MarkQuotaHit(account.ID, fmt.Sprintf("quota hit: status %d", resp.StatusCode))
		return nil, &UpstreamFailoverError{StatusCode: resp.StatusCode, ResponseBody: body}
	}

	s.rememberAccountError(account.ID, fmt.Sprintf("upstream status %d", resp.StatusCode))
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
	return &ForwardResult{
		Status:    resp.StatusCode,
		Model:     in.Model,
		Stream:    in.ClientStream,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// dispatchReply bridges the upstream reply to the shape the client asked for.
func (s *GatewayService) dispatchReply(ctx context.Context, c *gin.Context, in *ForwardInput, resp *http.Response, start time.Time) (*ForwardResult, error) {
	contentType := resp.Header.Get("Content-Type")
	isSSE := strings.Contains(contentType, "text/event-stream")

	switch {
	case isSSE && in.IsChatReply && in.ClientStream:
		return s.streamChatFromSSE(ctx, c, in, resp.Body, start)
	case isSSE && !in.IsChatReply && in.ClientStream:
		return s.streamResponsesFromSSE(ctx, c, in, resp.Body, start)
	case isSSE:
		return s.bufferFromSSE(c, in, resp.Body, start)
	default:
		return s.replyFromJSON(c, in, resp.Body, start)
	}
}

// streamChatFromSSE live-translates upstream Responses events into Chat
// Completions chunks.
func (s *GatewayService) streamChatFromSSE(ctx context.Context, c *gin.Context, in *ForwardInput, body io.Reader, start time.Time) (*ForwardResult, error) {
	writeSSEHeaders(c)
	state := apicompat.NewResponsesToChatStreamState()

	var usage json.RawMessage
	var emittedAny bool
	finish := ""

	err := apicompat.DecodeSSEStream(body, func(frame apicompat.SSEFrame) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if frame.Data == "" || frame.Data == "[DONE]" {
			return nil
		}
		var evt apicompat.ResponsesStreamEvent
		if uerr := json.Unmarshal([]byte(frame.Data), &evt); uerr != nil {
			return nil
		}
		if evt.Type == "" {
			evt.Type = frame.Event
		}
		if evt.Type == "response.completed" || evt.Type == "response.incomplete" {
			if evt.Response != nil && evt.Response.Usage != nil {
				usage, _ = json.Marshal(evt.Response.Usage)
			}
		}

		for _, chunk := range apicompat.ResponsesEventToChatChunks(&evt, state) {
			line, merr := apicompat.ChatChunkToSSE(chunk)
			if merr != nil {
				continue
			}
			if _, werr := c.Writer.WriteString(line); werr != nil {
				return werr
			}
			markStreamStarted(in)
			emittedAny = true
			c.Writer.Flush()
			if fr := chunk.Choices[0].FinishReason; fr != nil {
				finish = *fr
			}
		}
		return nil
	})
	if err != nil && !emittedAny {
		return nil, err
	}

	if _, werr := c.Writer.WriteString(apicompat.FormatSSEDone()); werr == nil {
		c.Writer.Flush()
	}
	markStreamStarted(in)

	return &ForwardResult{
		Status:                http.StatusOK,
		Model:                 in.Model,
		Stream:                true,
		Usage:                 usage,
		LatencyMs:             time.Since(start).Milliseconds(),
		AssistantEmptyOutput:  !emittedAny,
		AssistantFinishReason: finish,
	}, nil
}

// streamResponsesFromSSE forwards the upstream stream to a Responses client,
// sanitising each frame.
func (s *GatewayService) streamResponsesFromSSE(ctx context.Context, c *gin.Context, in *ForwardInput, body io.Reader, start time.Time) (*ForwardResult, error) {
	writeSSEHeaders(c)

	var usage json.RawMessage
	var emittedAny bool

	err := apicompat.DecodeSSEStream(body, func(frame apicompat.SSEFrame) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if frame.Data == "" {
			return nil
		}
		if t := gjson.Get(frame.Data, "type").String(); t == "response.completed" || t == "response.incomplete" {
			if u := gjson.Get(frame.Data, "response.usage"); u.Exists() {
				usage = json.RawMessage(u.Raw)
			}
		}

		out, keep := apicompat.SanitizeFrame(frame)
		if !keep {
			return nil
		}
		var line string
		if out.Data == "[DONE]" {
			line = apicompat.FormatSSEDone()
		} else {
			line = apicompat.FormatSSEEvent(out.Event, out.Data)
		}
		if _, werr := c.Writer.WriteString(line); werr != nil {
			return werr
		}
		markStreamStarted(in)
		emittedAny = true
		c.Writer.Flush()
		return nil
	})
	if err != nil && !emittedAny {
		return nil, err
	}

	return &ForwardResult{
		Status:    http.StatusOK,
		Model:     in.Model,
		Stream:    true,
		Usage:     usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// bufferFromSSE collects the whole upstream stream and replies with a single
// JSON document in the client's shape.
func (s *GatewayService) bufferFromSSE(c *gin.Context, in *ForwardInput, body io.Reader, start time.Time) (*ForwardResult, error) {
	collected, err := apicompat.CollectResponsesStream(body)
	if err != nil && collected == nil {
		return nil, err
	}
	sanitized := apicompat.SanitizeResponse(collected)

	var usage json.RawMessage
	if sanitized.Usage != nil {
		usage, _ = json.Marshal(sanitized.Usage)
	}

	result := &ForwardResult{
		Status:    http.StatusOK,
		Model:     in.Model,
		Stream:    false,
		Usage:     usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}

	if in.IsChatReply {
		chat := apicompat.ResponsesToChat(sanitized)
		result.AssistantEmptyOutput = apicompat.EnsureNonEmptyChat(chat)
		if len(chat.Choices) > 0 {
			result.AssistantFinishReason = chat.Choices[0].FinishReason
		}
		c.JSON(http.StatusOK, chat)
		return result, nil
	}

	c.JSON(http.StatusOK, sanitized)
	return result, nil
}

// replyFromJSON handles the degenerate case of a non-streamed upstream body.
func (s *GatewayService) replyFromJSON(c *gin.Context, in *ForwardInput, body io.Reader, start time.Time) (*ForwardResult, error) {
	raw, err := io.ReadAll(io.LimitReader(body, 8<<20))
	if err != nil {
		return nil, err
	}

	result := &ForwardResult{
		Status:    http.StatusOK,
		Model:     in.Model,
		Stream:    in.ClientStream,
		LatencyMs: time.Since(start).Milliseconds(),
	}

	if gjson.GetBytes(raw, "choices").Exists() || gjson.GetBytes(raw, "object").String() == "chat.completion" {
		var chat apicompat.ChatResponse
		if err := json.Unmarshal(raw, &chat); err != nil {
			return nil, fmt.Errorf("decode upstream chat response: %w", err)
		}
		apicompat.SanitizeChatResponse(&chat)
		result.AssistantEmptyOutput = apicompat.EnsureNonEmptyChat(&chat)
		if chat.Usage != nil {
			result.Usage, _ = json.Marshal(chat.Usage)
		}
		if len(chat.Choices) > 0 {
			result.AssistantFinishReason = chat.Choices[0].FinishReason
		}
		s.writeChat(c, in, &chat)
		return result, nil
	}

	var respObj apicompat.ResponsesResponse
	if err := json.Unmarshal(raw, &respObj); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	sanitized := apicompat.SanitizeResponse(&respObj)
	if sanitized.Usage != nil {
		result.Usage, _ = json.Marshal(sanitized.Usage)
	}

	if in.IsChatReply {
		chat := apicompat.ResponsesToChat(sanitized)
		result.AssistantEmptyOutput = apicompat.EnsureNonEmptyChat(chat)
		if len(chat.Choices) > 0 {
			result.AssistantFinishReason = chat.Choices[0].FinishReason
		}
		s.writeChat(c, in, chat)
		return result, nil
	}

	if in.ClientStream {
		writeSSEHeaders(c)
		data, _ := json.Marshal(sanitized)
		_, _ = c.Writer.WriteString(apicompat.FormatSSEEvent("response.completed",
			`{"type":"response.completed","response":`+string(data)+`}`))
		_, _ = c.Writer.WriteString(apicompat.FormatSSEDone())
		markStreamStarted(in)
		c.Writer.Flush()
		return result, nil
	}

	c.JSON(http.StatusOK, sanitized)
	return result, nil
}

// writeChat emits a chat.completion either as JSON or as a short synthetic
// chunk stream, per the client's stream flag.
func (s *GatewayService) writeChat(c *gin.Context, in *ForwardInput, chat *apicompat.ChatResponse) {
	if !in.ClientStream {
		c.JSON(http.StatusOK, chat)
		return
	}
	writeSSEHeaders(c)
	for _, chunk := range apicompat.ChatResponseToChunks(chat) {
		line, err := apicompat.ChatChunkToSSE(chunk)
		if err != nil {
			continue
		}
		_, _ = c.Writer.WriteString(line)
	}
	_, _ = c.Writer.WriteString(apicompat.FormatSSEDone())
	markStreamStarted(in)
	c.Writer.Flush()
}

func writeSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

func markStreamStarted(in *ForwardInput) {
	if in.StreamStarted != nil {
		*in.StreamStarted = true
	}
}

func (s *GatewayService) rememberAccountError(accountID, msg string) {
	now := time.Now()
	_ = s.store.Patch(accountID, func(a *Account) {
		a.EnsureState().RememberError(now, msg)
	})
}

func (s *GatewayService) appendTrace(in *ForwardInput, account *Account, entry TraceEntry) {
	entry.Route = in.Route
	entry.AccountID = account.ID
	entry.Email = account.Email
	entry.Model = in.Model
	entry.Stream = in.ClientStream
	if s.opts.TraceIncludeBody {
		entry.RequestBody = string(in.Body)
	}
	if err := s.traces.Append(entry); err != nil {
		logger.L().Warn("trace append failed", zap.Error(err))
	}
}
