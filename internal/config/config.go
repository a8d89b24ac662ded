// Package config loads gateway configuration from environment variables.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the gateway.
type Config struct {
	Port int `mapstructure:"PORT"`

	// Persistence paths
	StorePath             string `mapstructure:"STORE_PATH"`
	OAuthStatePath        string `mapstructure:"OAUTH_STATE_PATH"`
	TraceFilePath         string `mapstructure:"TRACE_FILE_PATH"`
	TraceStatsHistoryPath string `mapstructure:"TRACE_STATS_HISTORY_PATH"`
	TraceIncludeBody      bool   `mapstructure:"TRACE_INCLUDE_BODY"`

	// Upstream
	ChatGPTBaseURL      string `mapstructure:"CHATGPT_BASE_URL"`
	UpstreamPath        string `mapstructure:"UPSTREAM_PATH"`
	MaxUpstreamRetries  int    `mapstructure:"MAX_UPSTREAM_RETRIES"`
	UpstreamBaseDelayMs int64  `mapstructure:"UPSTREAM_BASE_DELAY_MS"`

	// Admin
	AdminToken string `mapstructure:"ADMIN_TOKEN"`

	// Routing / accounts
	MaxAccountRetryAttempts int   `mapstructure:"MAX_ACCOUNT_RETRY_ATTEMPTS"`
	TokenRefreshMarginMs    int64 `mapstructure:"TOKEN_REFRESH_MARGIN_MS"`
	AccountFlushIntervalMs  int64 `mapstructure:"ACCOUNT_FLUSH_INTERVAL_MS"`
	UsageCacheTTLMs         int64 `mapstructure:"USAGE_CACHE_TTL_MS"`
	UsageTimeoutMs          int64 `mapstructure:"USAGE_TIMEOUT_MS"`
	BlockFallbackMs         int64 `mapstructure:"BLOCK_FALLBACK_MS"`
	RoutingWindowMs         int64 `mapstructure:"ROUTING_WINDOW_MS"`

	// Models endpoint
	ProxyModels         string `mapstructure:"PROXY_MODELS"`
	ModelsClientVersion string `mapstructure:"MODELS_CLIENT_VERSION"`
	ModelsCacheMs       int64  `mapstructure:"MODELS_CACHE_MS"`

	// Logging
	LogFilePath string `mapstructure:"LOG_FILE_PATH"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
}

// ProxyModelIDs returns the configured PROXY_MODELS list, trimmed and
// with empty entries removed.
func (c *Config) ProxyModelIDs() []string {
	parts := strings.Split(c.ProxyModels, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if id := strings.TrimSpace(p); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	defaults := map[string]any{
		"PORT":                       8787,
		"STORE_PATH":                 "data/accounts.json",
		"OAUTH_STATE_PATH":           "data/oauth-state.json",
		"TRACE_FILE_PATH":            "data/requests-trace.jsonl",
		"TRACE_STATS_HISTORY_PATH":   "data/requests-stats-history.jsonl",
		"TRACE_INCLUDE_BODY":         false,
		"CHATGPT_BASE_URL":           "https://chatgpt.com",
		"UPSTREAM_PATH":              "/backend-api/codex/responses",
		"ADMIN_TOKEN":                "",
		"MAX_ACCOUNT_RETRY_ATTEMPTS": 5,
		"MAX_UPSTREAM_RETRIES":       3,
		"UPSTREAM_BASE_DELAY_MS":     1000,
		"PROXY_MODELS":               "gpt-5.3-codex,gpt-5.2-codex,gpt-5-codex",
		"MODELS_CLIENT_VERSION":      "0.21.0",
		"MODELS_CACHE_MS":            600_000,
		"TOKEN_REFRESH_MARGIN_MS":    300_000,
		"ACCOUNT_FLUSH_INTERVAL_MS":  5_000,
		"USAGE_CACHE_TTL_MS":         300_000,
		"USAGE_TIMEOUT_MS":           10_000,
		"BLOCK_FALLBACK_MS":          1_800_000,
		"ROUTING_WINDOW_MS":          300_000,
		"LOG_FILE_PATH":              "",
		"LOG_LEVEL":                  "info",
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
		// AutomaticEnv alone does not surface env-only keys through Unmarshal.
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
