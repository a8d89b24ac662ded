package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/thibautrey/multicodex-proxy/internal/pkg/httpclient"
	"github.com/thibautrey/multicodex-proxy/internal/pkg/logger"
)

const (
	modelsCacheKey     = "models"
	modelsFetchTimeout = 15 * time.Second
)

// Model is the OpenAI-compatible model object served on /v1/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"` // "model"
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`

	ContextWindow      *int64   `json:"context_window"`
	MaxOutputTokens    *int64   `json:"max_output_tokens"`
	SupportsReasoning  bool     `json:"supports_reasoning"`
	SupportsTools      bool     `json:"supports_tools"`
	SupportedToolTypes []string `json:"supported_tool_types"`
}

// ModelsServiceOptions configures the model catalog.
type ModelsServiceOptions struct {
	BaseURL       string
	ProxyModels   []string // configured ids, always present in the catalog
	ClientVersion string
	CacheTTL      time.Duration
}

// ModelsService serves the merged set of configured and upstream-discovered
// models, with a shared TTL cache. Discovery borrows a pool account token.
type ModelsService struct {
	store *AccountStore
	opts  ModelsServiceOptions

	cache  *gocache.Cache
	group  singleflight.Group
	client *http.Client
}

// NewModelsService creates the model catalog service.
func NewModelsService(store *AccountStore, opts ModelsServiceOptions) *ModelsService {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ModelsService{
		store:  store,
		opts:   opts,
		cache:  gocache.New(ttl, ttl),
		client: httpclient.New(httpclient.Options{Timeout: modelsFetchTimeout}),
	}
}

// List returns the merged model catalog. Discovery failures degrade to the
// configured models only; the client never sees an error here.
func (s *ModelsService) List(ctx context.Context) []Model {
	if cached, ok := s.cache.Get(modelsCacheKey); ok {
		return cached.([]Model)
	}

	v, _, _ := s.group.Do(modelsCacheKey, func() (any, error) {
		models := s.build(ctx)
		s.cache.Set(modelsCacheKey, models, gocache.DefaultExpiration)
		return models, nil
	})
	return v.([]Model)
}

// Get returns one model by id.
func (s *ModelsService) Get(ctx context.Context, id string) (Model, bool) {
	for _, m := range s.List(ctx) {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

func (s *ModelsService) build(ctx context.Context) []Model {
	seen := make(map[string]bool)
	var models []Model
	for _, id := range s.opts.ProxyModels {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		models = append(models, newModel(id, nil, nil))
	}

	for _, m := range s.discover(ctx) {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		models = append(models, m)
	}
	return models
}

// discoveredModel mirrors the upstream discovery payload.
type discoveredModel struct {
	ID              string `json:"id"`
	Slug            string `json:"slug"`
	ContextWindow   *int64 `json:"context_window"`
	MaxOutputTokens *int64 `json:"max_output_tokens"`
}

func (s *ModelsService) discover(ctx context.Context) []Model {
	acc := s.pickAccount()
	if acc == nil {
		return nil
	}

	endpoint := s.opts.BaseURL + "/backend-api/codex/models?client_version=" +
		url.QueryEscape(s.opts.ClientVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	if acc.ChatGPTAccountID != "" {
		req.Header.Set("ChatGPT-Account-Id", acc.ChatGPTAccountID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		logger.L().Debug("model discovery failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode != http.StatusOK {
		logger.L().Debug("model discovery rejected",
			zap.Int("status", resp.StatusCode), zap.Error(err))
		return nil
	}

	var payload struct {
		Models []discoveredModel `json:"models"`
		Data   []discoveredModel `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.L().Debug("model discovery decode failed", zap.Error(err))
		return nil
	}
	list := payload.Models
	if len(list) == 0 {
		list = payload.Data
	}

	out := make([]Model, 0, len(list))
	for _, d := range list {
		id := d.ID
		if id == "" {
			id = d.Slug
		}
		if id == "" {
			continue
		}
		out = append(out, newModel(id, d.ContextWindow, d.MaxOutputTokens))
	}
	return out
}

func (s *ModelsService) pickAccount() *Account {
	now := time.Now()
	for _, acc := range s.store.List() {
		if acc.Eligible(now) && acc.AccessToken != "" {
			return acc
		}
	}
	return nil
}

func newModel(id string, contextWindow, maxOutputTokens *int64) Model {
	return Model{
		ID:                 id,
		Object:             "model",
		Created:            time.Now().Unix(),
		OwnedBy:            "openai",
		ContextWindow:      contextWindow,
		MaxOutputTokens:    maxOutputTokens,
		SupportsReasoning:  supportsReasoning(id),
		SupportsTools:      true,
		SupportedToolTypes: []string{"function"},
	}
}

func supportsReasoning(id string) bool {
	return strings.Contains(id, "gpt-5") || strings.Contains(id, "codex")
}
