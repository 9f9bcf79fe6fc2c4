package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// File names expected inside the config directory.
const (
	mainConfigFile  = "orchestrator.yaml"
	toolsConfigFile = "tools.yaml"
)

// toolsYAML is the top-level structure of tools.yaml.
type toolsYAML struct {
	Tools []ToolDefinition `yaml:"tools"`
}

// Initialize loads, merges and validates configuration from configDir.
//
// Steps:
//  1. Read orchestrator.yaml and tools.yaml
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user config over built-in defaults
//  5. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := DefaultConfig()

	userCfg, err := loadMainConfig(filepath.Join(configDir, mainConfigFile))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", mainConfigFile, err)
	}
	if userCfg != nil {
		if err := mergo.Merge(cfg, userCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge configuration: %w", err)
		}
	}

	tools, err := loadToolsConfig(filepath.Join(configDir, toolsConfigFile))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", toolsConfigFile, err)
	}
	cfg.Tools = tools

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("Configuration loaded",
		"tools", len(cfg.Tools),
		"providers", len(cfg.Providers),
		"llm_model", cfg.LLM.Model)
	return cfg, nil
}

// loadMainConfig reads and parses orchestrator.yaml. A missing file is
// not an error; defaults apply.
func loadMainConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Main config file not found, using defaults", "path", path)
			return nil, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &cfg, nil
}

// loadToolsConfig reads and parses tools.yaml. The tool catalog is
// required: an engine without tools cannot serve any intent.
func loadToolsConfig(path string) ([]ToolDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var parsed toolsYAML
	if err := yaml.Unmarshal(ExpandEnv(data), &parsed); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(parsed.Tools) == 0 {
		return nil, fmt.Errorf("no tools defined")
	}
	return parsed.Tools, nil
}
