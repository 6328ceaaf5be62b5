package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Strategy names accepted in history.strategies.
const (
	StrategyPreEstimate  = "pre_estimate"
	StrategyAutoTruncate = "auto_truncate"
	StrategySmartSummary = "smart_summary"
	StrategyErrorRetry   = "error_retry"
)

type ServerConfig struct {
	Host string `koanf:"host" json:"host"`
	Port int    `koanf:"port" json:"port"`
}

type UpstreamConfig struct {
	BaseURL                string  `koanf:"base_url" json:"base_url"`
	APIKey                 string  `koanf:"api_key" json:"api_key"`
	MaxConnections         int     `koanf:"max_connections" json:"max_connections"`
	MaxKeepalive           int     `koanf:"max_keepalive" json:"max_keepalive"`
	KeepaliveExpirySeconds int     `koanf:"keepalive_expiry_seconds" json:"keepalive_expiry_seconds"`
	RequestTimeoutSeconds  int     `koanf:"request_timeout_seconds" json:"request_timeout_seconds"`
	MaxRetries             int     `koanf:"max_retries" json:"max_retries"`
	RetryInitialIntervalMs int     `koanf:"retry_initial_interval_ms" json:"retry_initial_interval_ms"`
	SummaryModel           string  `koanf:"summary_model" json:"summary_model"`
	SummaryTemperature     float32 `koanf:"summary_temperature" json:"summary_temperature"`
}

func (c UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c UpstreamConfig) KeepaliveExpiry() time.Duration {
	return time.Duration(c.KeepaliveExpirySeconds) * time.Second
}

func (c UpstreamConfig) RetryInitialInterval() time.Duration {
	return time.Duration(c.RetryInitialIntervalMs) * time.Millisecond
}

type HistoryConfig struct {
	Strategies        []string `koanf:"strategies" json:"strategies"`
	MaxMessages       int      `koanf:"max_messages" json:"max_messages"`
	MaxChars          int      `koanf:"max_chars" json:"max_chars"`
	SummaryKeepRecent int      `koanf:"summary_keep_recent" json:"summary_keep_recent"`
	SummaryThreshold  int      `koanf:"summary_threshold" json:"summary_threshold"`
	SummaryMaxLength  int      `koanf:"summary_max_length" json:"summary_max_length"`
	RetryMaxMessages  int      `koanf:"retry_max_messages" json:"retry_max_messages"`
	MaxRetries        int      `koanf:"max_retries" json:"max_retries"`
	EstimateThreshold int      `koanf:"estimate_threshold" json:"estimate_threshold"`
	CharsPerToken     float64  `koanf:"chars_per_token" json:"chars_per_token"`
	AddWarningHeader  bool     `koanf:"add_warning_header" json:"add_warning_header"`
}

func (c HistoryConfig) StrategyEnabled(name string) bool {
	for _, s := range c.Strategies {
		if s == name {
			return true
		}
	}
	return false
}

type SummaryCacheConfig struct {
	Enabled          bool `koanf:"enabled" json:"enabled"`
	MinDeltaMessages int  `koanf:"min_delta_messages" json:"min_delta_messages"`
	MinDeltaChars    int  `koanf:"min_delta_chars" json:"min_delta_chars"`
	MaxAgeSeconds    int  `koanf:"max_age_seconds" json:"max_age_seconds"`
	MaxEntries       int  `koanf:"max_entries" json:"max_entries"`
}

func (c SummaryCacheConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

type AsyncSummaryConfig struct {
	Enabled                bool `koanf:"enabled" json:"enabled"`
	FastFirstRequest       bool `koanf:"fast_first_request" json:"fast_first_request"`
	Workers                int  `koanf:"workers" json:"workers"`
	MaxPendingTasks        int  `koanf:"max_pending_tasks" json:"max_pending_tasks"`
	UpdateIntervalMessages int  `koanf:"update_interval_messages" json:"update_interval_messages"`
	TaskTimeoutSeconds     int  `koanf:"task_timeout_seconds" json:"task_timeout_seconds"`
}

func (c AsyncSummaryConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

type RoutingConfig struct {
	Enabled                         bool     `koanf:"enabled" json:"enabled"`
	OpusModel                       string   `koanf:"opus_model" json:"opus_model"`
	SonnetModel                     string   `koanf:"sonnet_model" json:"sonnet_model"`
	FirstTurnMaxUserMessages        int      `koanf:"first_turn_max_user_messages" json:"first_turn_max_user_messages"`
	FirstTurnOpusProbability        float64  `koanf:"first_turn_opus_probability" json:"first_turn_opus_probability"`
	ExecutionPhaseToolCalls         int      `koanf:"execution_phase_tool_calls" json:"execution_phase_tool_calls"`
	ExecutionPhaseSonnetProbability float64  `koanf:"execution_phase_sonnet_probability" json:"execution_phase_sonnet_probability"`
	BaseOpusProbability             float64  `koanf:"base_opus_probability" json:"base_opus_probability"`
	ForceOpusKeywords               []string `koanf:"force_opus_keywords" json:"force_opus_keywords"`
	ForceSonnetKeywords             []string `koanf:"force_sonnet_keywords" json:"force_sonnet_keywords"`
	WhitelistHeader                 string   `koanf:"whitelist_header" json:"whitelist_header"`
	WhitelistMarker                 string   `koanf:"whitelist_marker" json:"whitelist_marker"`
}

type ToolsConfig struct {
	NativeEnabled         bool `koanf:"native_enabled" json:"native_enabled"`
	NativeFallbackEnabled bool `koanf:"native_fallback_enabled" json:"native_fallback_enabled"`
	DescMaxChars          int  `koanf:"desc_max_chars" json:"desc_max_chars"`
	ParamDescMaxChars     int  `koanf:"param_desc_max_chars" json:"param_desc_max_chars"`
}

type ContinuationConfig struct {
	MaxAttempts          int `koanf:"max_attempts" json:"max_attempts"`
	MinResumeTextLength  int `koanf:"min_resume_text_length" json:"min_resume_text_length"`
	TruncatedEndingChars int `koanf:"truncated_ending_chars" json:"truncated_ending_chars"`
	MaxTokens            int `koanf:"max_tokens" json:"max_tokens"`
}

type Config struct {
	Server       ServerConfig       `koanf:"server" json:"server"`
	Upstream     UpstreamConfig     `koanf:"upstream" json:"upstream"`
	History      HistoryConfig      `koanf:"history" json:"history"`
	SummaryCache SummaryCacheConfig `koanf:"summary_cache" json:"summary_cache"`
	AsyncSummary AsyncSummaryConfig `koanf:"async_summary" json:"async_summary"`
	Routing      RoutingConfig      `koanf:"model_routing" json:"model_routing"`
	Tools        ToolsConfig        `koanf:"tools" json:"tools"`
	Continuation ContinuationConfig `koanf:"continuation" json:"continuation"`
}

// DefaultConfig returns the built-in configuration, applied before any
// config file or environment override.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8082,
		},
		Upstream: UpstreamConfig{
			BaseURL:                "http://127.0.0.1:8080/v1",
			MaxConnections:         1000,
			MaxKeepalive:           200,
			KeepaliveExpirySeconds: 30,
			RequestTimeoutSeconds:  300,
			MaxRetries:             3,
			RetryInitialIntervalMs: 500,
			SummaryTemperature:     0.3,
		},
		History: HistoryConfig{
			Strategies: []string{
				StrategyPreEstimate,
				StrategyAutoTruncate,
				StrategySmartSummary,
				StrategyErrorRetry,
			},
			MaxMessages:       25,
			MaxChars:          100000,
			SummaryKeepRecent: 8,
			SummaryThreshold:  80000,
			SummaryMaxLength:  2000,
			RetryMaxMessages:  15,
			MaxRetries:        3,
			EstimateThreshold: 100000,
			CharsPerToken:     3.0,
			AddWarningHeader:  true,
		},
		SummaryCache: SummaryCacheConfig{
			Enabled:          true,
			MinDeltaMessages: 3,
			MinDeltaChars:    4000,
			MaxAgeSeconds:    180,
			MaxEntries:       128,
		},
		AsyncSummary: AsyncSummaryConfig{
			Enabled:                true,
			FastFirstRequest:       true,
			Workers:                2,
			MaxPendingTasks:        100,
			UpdateIntervalMessages: 5,
			TaskTimeoutSeconds:     300,
		},
		Routing: RoutingConfig{
			Enabled:                         true,
			OpusModel:                       "claude-opus-4-5-20251101",
			SonnetModel:                     "claude-sonnet-4-5-20250929",
			FirstTurnMaxUserMessages:        1,
			FirstTurnOpusProbability:        0.5,
			ExecutionPhaseToolCalls:         5,
			ExecutionPhaseSonnetProbability: 0.85,
			BaseOpusProbability:             0.15,
			ForceOpusKeywords:               []string{"ultrathink", "架构设计", "深入分析"},
			ForceSonnetKeywords:             []string{"quick fix", "简单修改"},
			WhitelistHeader:                 "X-Force-Model",
			WhitelistMarker:                 "[FORCE_OPUS]",
		},
		Tools: ToolsConfig{
			NativeEnabled:         true,
			NativeFallbackEnabled: true,
			DescMaxChars:          1024,
			ParamDescMaxChars:     1024,
		},
		Continuation: ContinuationConfig{
			MaxAttempts:          3,
			MinResumeTextLength:  50,
			TruncatedEndingChars: 800,
			MaxTokens:            16384,
		},
	}
}

// configFileCandidates in order of precedence when no explicit path is
// given.
var configFileCandidates = []string{
	"modelgate.yml",
	"modelgate.yaml",
	"modelgate.toml",
	"modelgate.json",
}

// LoadConfig builds the effective configuration: defaults, then the
// config file (explicit path or discovered in dir), then environment
// variable overrides.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	if path == "" {
		cwd, err := os.Getwd()
		if err == nil {
			path = discoverConfigFile(cwd)
		}
	}

	if path != "" {
		parser := parserForExtension(path)
		if parser == nil {
			return Config{}, fmt.Errorf("unsupported config file extension: %s", path)
		}
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("error loading config file %s: %w", path, err)
		}
		if err := k.Unmarshal("", &config); err != nil {
			return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
		}
	}

	applyEnvOverrides(&config)

	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func discoverConfigFile(dir string) string {
	for _, candidate := range configFileCandidates {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func parserForExtension(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return yaml.Parser()
	case ".toml":
		return toml.Parser()
	case ".json":
		return koanfjson.Parser()
	default:
		return nil
	}
}

// Validate checks cross-field consistency of the effective config.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.History.MaxMessages < 1 {
		return fmt.Errorf("history.max_messages must be at least 1")
	}
	if c.History.MaxChars < 1000 {
		return fmt.Errorf("history.max_chars must be at least 1000")
	}
	if c.History.SummaryKeepRecent < 1 {
		return fmt.Errorf("history.summary_keep_recent must be at least 1")
	}
	if c.History.CharsPerToken <= 0 {
		return fmt.Errorf("history.chars_per_token must be positive")
	}
	if c.Continuation.MaxAttempts < 1 {
		return fmt.Errorf("continuation.max_attempts must be at least 1")
	}
	for _, s := range c.History.Strategies {
		switch s {
		case StrategyPreEstimate, StrategyAutoTruncate, StrategySmartSummary, StrategyErrorRetry:
		default:
			return fmt.Errorf("unknown history strategy: %s", s)
		}
	}
	return nil
}

// Sanitized returns a copy safe to expose over the admin surface.
func (c Config) Sanitized() Config {
	clean := c
	if clean.Upstream.APIKey != "" {
		clean.Upstream.APIKey = "***"
	}
	return clean
}

func applyEnvOverrides(c *Config) {
	overrideString("MODELGATE_HOST", &c.Server.Host)
	overrideInt("MODELGATE_PORT", &c.Server.Port)

	overrideString("UPSTREAM_BASE_URL", &c.Upstream.BaseURL)
	overrideString("UPSTREAM_API_KEY", &c.Upstream.APIKey)
	overrideInt("HTTP_POOL_MAX_CONNECTIONS", &c.Upstream.MaxConnections)
	overrideInt("HTTP_POOL_MAX_KEEPALIVE", &c.Upstream.MaxKeepalive)
	overrideInt("HTTP_POOL_KEEPALIVE_EXPIRY", &c.Upstream.KeepaliveExpirySeconds)
	overrideInt("REQUEST_TIMEOUT", &c.Upstream.RequestTimeoutSeconds)

	overrideBool("MODEL_ROUTING_ENABLED", &c.Routing.Enabled)
	overrideString("MODEL_ROUTING_OPUS_MODEL", &c.Routing.OpusModel)
	overrideString("MODEL_ROUTING_SONNET_MODEL", &c.Routing.SonnetModel)

	overrideBool("NATIVE_TOOLS_ENABLED", &c.Tools.NativeEnabled)
	overrideBool("NATIVE_TOOLS_FALLBACK_ENABLED", &c.Tools.NativeFallbackEnabled)
	overrideInt("TOOL_DESC_MAX_CHARS", &c.Tools.DescMaxChars)
	overrideInt("TOOL_PARAM_DESC_MAX_CHARS", &c.Tools.ParamDescMaxChars)

	overrideInt("MAX_CONTINUATION_ATTEMPTS", &c.Continuation.MaxAttempts)
	overrideInt("MIN_RESUME_TEXT_LENGTH", &c.Continuation.MinResumeTextLength)
}

func overrideString(key string, target *string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

func overrideInt(key string, target *int) {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(key string, target *bool) {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			*target = parsed
		}
	}
}
