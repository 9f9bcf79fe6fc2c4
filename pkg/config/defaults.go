package config

import "time"

// DefaultConfig returns the built-in defaults user configuration is
// merged over. Tool definitions have no default; they must come from
// tools.yaml.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:              "gpt-4o",
			BaseURL:            "https://api.openai.com/v1",
			APIKeyEnv:          "OPENAI_API_KEY",
			MaxTokens:          4096,
			Temperature:        0.2,
			SummaryTemperature: 0.5,
		},
		Timeouts: TimeoutConfig{
			LLMTurn:        60 * time.Second,
			ProviderWarm:   5 * time.Second,
			ProviderAction: 30 * time.Second,
			WarmInterval:   5 * time.Minute,
		},
		Retry: RetryConfig{
			BaseDelay:   250 * time.Millisecond,
			Factor:      2,
			Jitter:      0.25,
			MaxAttempts: 3,
		},
		Limits: LimitConfig{
			HistoryMaxEntries:         20,
			HistoryToolResultMaxBytes: 50 * 1024,
			EntityBodyMaxBytes:        5 * 1024,
			EmailBodyMaxBytes:         3 * 1024,
			CRMFieldMaxChars:          500,
			EntityTTL:                 24 * time.Hour,
			FingerprintTTL:            time.Hour,
			WarmupTTL:                 30 * time.Minute,
			UserToolsTTL:              time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "orchestrator",
			Database: "orchestrator",
			SSLMode:  "disable",
		},
	}
}
