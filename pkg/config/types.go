// Package config loads and validates the orchestrator configuration:
// tool definitions, provider metadata, LLM settings, timeouts and
// backoff constants. Configuration is YAML with environment variable
// expansion; user files are merged over built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the fully merged, validated configuration.
type Config struct {
	LLM         LLMConfig                 `yaml:"llm"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Tools       []ToolDefinition          `yaml:"tools"`
	Timeouts    TimeoutConfig             `yaml:"timeouts"`
	Retry       RetryConfig               `yaml:"retry"`
	Limits      LimitConfig               `yaml:"limits"`
	Redis       RedisConfig               `yaml:"redis"`
	Database    DatabaseConfig            `yaml:"database"`
	Server      ServerConfig              `yaml:"server"`
	Connections ConnectionsConfig         `yaml:"connections"`
}

// LLMConfig holds model selection and generation limits.
type LLMConfig struct {
	// Model is the chat model identifier sent to the provider.
	Model string `yaml:"model"`
	// BaseURL points at an OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
	// MaxTokens caps completion length. 0 means provider default.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature for conversational turns.
	Temperature float32 `yaml:"temperature"`
	// SummaryTemperature for post-run summarization turns.
	SummaryTemperature float32 `yaml:"summary_temperature"`
}

// ProviderConfig describes one external provider (mail, calendar, CRM).
type ProviderConfig struct {
	// Aliases lists tenant-variant keys treated as equivalent to the
	// canonical key this entry is registered under.
	Aliases []string `yaml:"aliases"`
	// BaseURL is the provider adapter's REST base URL.
	BaseURL string `yaml:"base_url"`
	// PingPath is the lightweight identity endpoint used for warming.
	PingPath string `yaml:"ping_path"`
	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string `yaml:"token_env"`
}

// Canonical tool category identifiers. Configuration may spell them in
// any case; the catalog canonicalizes at load so category matching and
// normalization never depend on config casing.
const (
	CategoryEmail    = "Email"
	CategoryCalendar = "Calendar"
	CategoryCRM      = "CRM"
)

// CanonicalCategory maps a case-variant category name to its canonical
// form. The second result is false for unknown categories.
func CanonicalCategory(category string) (string, bool) {
	switch strings.ToLower(category) {
	case "email":
		return CategoryEmail, true
	case "calendar":
		return CategoryCalendar, true
	case "crm":
		return CategoryCRM, true
	}
	return category, false
}

// ToolSource classifies a tool as a read-only cache fetch or a mutating
// remote action.
type ToolSource string

const (
	ToolSourceCache  ToolSource = "cache"
	ToolSourceAction ToolSource = "action"
)

// ToolDefinition is one declarative tool entry. Immutable after load.
type ToolDefinition struct {
	Name        string     `yaml:"name"`
	Category    string     `yaml:"category"`
	DisplayName string     `yaml:"display_name"`
	Description string     `yaml:"description"`
	ProviderKey string     `yaml:"provider_key"`
	Source      ToolSource `yaml:"source"`
	// CacheModel is the synced data model fetched when Source is cache.
	CacheModel string `yaml:"cache_model"`
	// ActionName is the provider action dispatched when Source is action.
	ActionName string `yaml:"action_name"`
	// Parameters is a nested type/required/enum/description tree. It may
	// carry the non-standard "optional" flag, which is stripped before
	// the schema is shown to the LLM.
	Parameters map[string]any `yaml:"parameters"`
}

// TimeoutConfig bounds remote calls.
type TimeoutConfig struct {
	// LLMTurn caps one LLM call (streaming or not).
	LLMTurn time.Duration `yaml:"llm_turn"`
	// ProviderWarm caps one warming identity call.
	ProviderWarm time.Duration `yaml:"provider_warm"`
	// ProviderAction caps one provider action or fetch.
	ProviderAction time.Duration `yaml:"provider_action"`
	// WarmInterval is the window within which a non-forced warm is a no-op.
	WarmInterval time.Duration `yaml:"warm_interval"`
}

// RetryConfig holds the orchestrator's transport retry policy.
type RetryConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// LimitConfig holds size and retention caps.
type LimitConfig struct {
	// HistoryMaxEntries bounds non-system conversation history entries.
	HistoryMaxEntries int `yaml:"history_max_entries"`
	// HistoryToolResultMaxBytes drops oversized tool results from history.
	HistoryToolResultMaxBytes int `yaml:"history_tool_result_max_bytes"`
	// EntityBodyMaxBytes caps a cached entity's cleaned body.
	EntityBodyMaxBytes int `yaml:"entity_body_max_bytes"`
	// EmailBodyMaxBytes caps normalized email bodies in tool results.
	EmailBodyMaxBytes int `yaml:"email_body_max_bytes"`
	// CRMFieldMaxChars caps long CRM description/notes fields.
	CRMFieldMaxChars int `yaml:"crm_field_max_chars"`

	// EntityTTL, FingerprintTTL, WarmupTTL and UserToolsTTL are the cache
	// retention windows.
	EntityTTL      time.Duration `yaml:"entity_ttl"`
	FingerprintTTL time.Duration `yaml:"fingerprint_ttl"`
	WarmupTTL      time.Duration `yaml:"warmup_ttl"`
	UserToolsTTL   time.Duration `yaml:"user_tools_ttl"`
}

// RedisConfig locates the TTL key-value store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Disabled switches the process to the in-memory store (single node).
	Disabled bool `yaml:"disabled"`
}

// DatabaseConfig locates the PostgreSQL history sink. When Disabled the
// sink is a no-op.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	Disabled bool   `yaml:"disabled"`
}

// DSN builds a pgx-compatible connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// ConnectionsConfig locates the service that knows which provider
// connections each user has.
type ConnectionsConfig struct {
	BaseURL  string `yaml:"base_url"`
	TokenEnv string `yaml:"token_env"`
}

// ServerConfig holds HTTP/WebSocket server settings.
type ServerConfig struct {
	// AllowedWSOrigins is the origin allowlist for WebSocket upgrades.
	// Empty means same-origin only.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}
