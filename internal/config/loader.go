package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, verifies and parses configuration from a file.
// A directory argument is resolved to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration, interpolates ${VAR} references, applies
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Engine.Progress == "" {
		cfg.Engine.Progress = defaults.Engine.Progress
	}
	if cfg.Engine.QueueOrder == "" {
		cfg.Engine.QueueOrder = defaults.Engine.QueueOrder
	}
	if cfg.Engine.TemplateFields == nil {
		cfg.Engine.TemplateFields = defaults.Engine.TemplateFields
	}
	if cfg.Engine.Defaults == nil {
		cfg.Engine.Defaults = defaults.Engine.Defaults
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Service.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level must be one of debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	switch cfg.Engine.QueueOrder {
	case QueueLIFO, QueueFIFO:
	default:
		return fmt.Errorf("engine.queue_order must be %s or %s (got %q)", QueueLIFO, QueueFIFO, cfg.Engine.QueueOrder)
	}

	switch cfg.Engine.Progress {
	case ProgressFilesize, ProgressRecords:
	default:
		return fmt.Errorf("engine.progress must be %s or %s (got %q)", ProgressFilesize, ProgressRecords, cfg.Engine.Progress)
	}

	if cfg.API.Enabled {
		if cfg.API.APIKey == "" && len(cfg.API.Tokens) == 0 {
			return fmt.Errorf("api.api_key or api.tokens is required when api.enabled is true")
		}
		if envVarPattern.MatchString(cfg.API.APIKey) {
			return fmt.Errorf("api.api_key references an unset environment variable: %s", cfg.API.APIKey)
		}
		for i, t := range cfg.API.Tokens {
			if t.Token == "" || envVarPattern.MatchString(t.Token) {
				return fmt.Errorf("api.tokens[%d] (%s): token is empty or references an unset environment variable", i, t.Name)
			}
			if len(t.Scopes) == 0 {
				return fmt.Errorf("api.tokens[%d] (%s): at least one scope is required", i, t.Name)
			}
		}
	}

	if _, err := Resolve(cfg.Engine.Defaults, nil, nil, EngineOptions()); err != nil {
		return fmt.Errorf("engine.defaults: %w", err)
	}

	return nil
}

// Base returns the engine base configuration: the static defaults plus the
// node-level generator and parser selections.
func (c *Config) Base() map[string]any {
	base := Merge(c.Engine.Defaults, nil)
	if c.Engine.Generator != "" {
		if _, set := base[OptGenerator]; !set {
			base[OptGenerator] = c.Engine.Generator
		}
	}
	if c.Engine.Parser != "" {
		if _, set := base[OptParser]; !set {
			base[OptParser] = c.Engine.Parser
		}
	}
	return base
}
