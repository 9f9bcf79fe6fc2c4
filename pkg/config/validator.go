package config

import (
	"errors"
	"fmt"
)

// Validate checks the merged configuration for internal consistency.
// All problems are reported at once, joined into a single error.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if cfg.LLM.APIKeyEnv == "" {
		errs = append(errs, errors.New("llm.api_key_env is required"))
	}

	seen := make(map[string]bool, len(cfg.Tools))
	aliasOwner := make(map[string]string)
	for key, p := range cfg.Providers {
		for _, alias := range p.Aliases {
			if owner, dup := aliasOwner[alias]; dup {
				errs = append(errs, fmt.Errorf("provider alias %q claimed by both %q and %q", alias, owner, key))
			}
			aliasOwner[alias] = key
		}
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("provider %q: base_url is required", key))
		}
	}

	for _, tool := range cfg.Tools {
		if tool.Name == "" {
			errs = append(errs, errors.New("tool with empty name"))
			continue
		}
		if seen[tool.Name] {
			errs = append(errs, fmt.Errorf("duplicate tool name %q", tool.Name))
		}
		seen[tool.Name] = true

		if _, ok := CanonicalCategory(tool.Category); !ok {
			errs = append(errs, fmt.Errorf("tool %q: unknown category %q", tool.Name, tool.Category))
		}

		switch tool.Source {
		case ToolSourceCache:
			if tool.CacheModel == "" {
				errs = append(errs, fmt.Errorf("tool %q: cache source requires cache_model", tool.Name))
			}
		case ToolSourceAction:
			if tool.ActionName == "" {
				errs = append(errs, fmt.Errorf("tool %q: action source requires action_name", tool.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("tool %q: source must be cache or action, got %q", tool.Name, tool.Source))
		}

		if tool.ProviderKey != "" {
			if _, ok := cfg.Providers[tool.ProviderKey]; !ok {
				if _, ok := aliasOwner[tool.ProviderKey]; !ok {
					errs = append(errs, fmt.Errorf("tool %q: unknown provider_key %q", tool.Name, tool.ProviderKey))
				}
			}
		}
	}

	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if cfg.Limits.HistoryMaxEntries < 1 {
		errs = append(errs, errors.New("limits.history_max_entries must be at least 1"))
	}

	return errors.Join(errs...)
}
