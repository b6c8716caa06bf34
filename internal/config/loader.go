package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EntityError describes a single invalid entity rejected at load time.
// A rejected entity never becomes active; the rest of the host loads normally.
type EntityError struct {
	Entity string
	Reason string
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("entity %q rejected: %s", e.Entity, e.Reason)
}

// Load reads and parses configuration from a file. Environment variable
// references of the form ${VAR} are expanded before parsing.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	expanded := envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})

	cfg := Defaults()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills zero-valued host settings after parsing.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = d.Storage.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}
	if cfg.Defaults.FailureThreshold <= 0 {
		cfg.Defaults.FailureThreshold = d.Defaults.FailureThreshold
	}
	if cfg.Defaults.RecoveryTimeout <= 0 {
		cfg.Defaults.RecoveryTimeout = d.Defaults.RecoveryTimeout
	}
	if cfg.Defaults.HalfOpenTrials <= 0 {
		cfg.Defaults.HalfOpenTrials = d.Defaults.HalfOpenTrials
	}
	if cfg.Defaults.MaxExecutionTime <= 0 {
		cfg.Defaults.MaxExecutionTime = d.Defaults.MaxExecutionTime
	}
	if cfg.Defaults.MaxConcurrent <= 0 {
		cfg.Defaults.MaxConcurrent = d.Defaults.MaxConcurrent
	}
	if cfg.Health.Interval <= 0 {
		cfg.Health.Interval = d.Health.Interval
	}
	if cfg.Health.Timeout <= 0 {
		cfg.Health.Timeout = d.Health.Timeout
	}
	if cfg.Health.HealthyThreshold <= 0 {
		cfg.Health.HealthyThreshold = d.Health.HealthyThreshold
	}
	if cfg.Health.UnhealthyThreshold <= 0 {
		cfg.Health.UnhealthyThreshold = d.Health.UnhealthyThreshold
	}
	if cfg.Proxy != nil {
		if cfg.Proxy.Algorithm == "" {
			cfg.Proxy.Algorithm = AlgorithmRoundRobin
		}
		if cfg.Proxy.Retries <= 0 {
			cfg.Proxy.Retries = 2
		}
		for i := range cfg.Proxy.Targets {
			if cfg.Proxy.Targets[i].Weight <= 0 {
				cfg.Proxy.Targets[i].Weight = 1
			}
		}
	}
}

// Validate checks entity configuration and prunes invalid entries in place.
// Returned EntityErrors identify entities that were rejected; a non-nil
// second error indicates a host-level problem that prevents startup.
func Validate(cfg *Config) ([]*EntityError, error) {
	var rejected []*EntityError

	if cfg.Proxy != nil {
		switch cfg.Proxy.Algorithm {
		case AlgorithmRoundRobin, AlgorithmWeightedRoundRobin, AlgorithmIPHash, AlgorithmLeastConnections:
		default:
			return nil, fmt.Errorf("unknown balancing algorithm %q", cfg.Proxy.Algorithm)
		}
	}

	seen := make(map[string]bool)
	valid := cfg.Plugins[:0]
	for _, p := range cfg.Plugins {
		if reason := validatePlugin(p, seen); reason != "" {
			rejected = append(rejected, &EntityError{Entity: p.Name, Reason: reason})
			continue
		}
		seen[p.Name] = true
		valid = append(valid, p)
	}
	cfg.Plugins = valid

	if cfg.Proxy != nil {
		seenTargets := make(map[string]bool)
		validTargets := cfg.Proxy.Targets[:0]
		for _, t := range cfg.Proxy.Targets {
			if reason := validateTarget(t, seenTargets); reason != "" {
				rejected = append(rejected, &EntityError{Entity: t.Name, Reason: reason})
				continue
			}
			seenTargets[t.Name] = true
			validTargets = append(validTargets, t)
		}
		cfg.Proxy.Targets = validTargets
	}

	return rejected, nil
}

func validatePlugin(p PluginConf, seen map[string]bool) string {
	if p.Name == "" {
		return "plugin name is empty"
	}
	if seen[p.Name] {
		return "duplicate plugin name"
	}
	if p.MaxExecutionTime < 0 {
		return "max_execution_time is negative"
	}
	if p.Entrypoint != "" {
		info, err := os.Stat(p.Entrypoint)
		if err != nil {
			return fmt.Sprintf("entrypoint not found: %v", err)
		}
		if info.IsDir() {
			return "entrypoint is a directory"
		}
	}
	return ""
}

func validateTarget(t TargetConf, seen map[string]bool) string {
	if t.Name == "" {
		return "target name is empty"
	}
	if seen[t.Name] {
		return "duplicate target name"
	}
	u, err := url.Parse(t.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Sprintf("invalid target url %q", t.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Sprintf("unsupported target scheme %q", u.Scheme)
	}
	return ""
}

// BreakerSettings resolves per-entity breaker overrides against host defaults.
func (c *Config) BreakerSettings(override *BreakerConf) (threshold int, recovery time.Duration, trials int) {
	threshold = c.Defaults.FailureThreshold
	recovery = c.Defaults.RecoveryTimeout
	trials = c.Defaults.HalfOpenTrials
	if override == nil {
		return threshold, recovery, trials
	}
	if override.FailureThreshold > 0 {
		threshold = override.FailureThreshold
	}
	if override.RecoveryTimeout > 0 {
		recovery = override.RecoveryTimeout
	}
	if override.HalfOpenTrials > 0 {
		trials = override.HalfOpenTrials
	}
	return threshold, recovery, trials
}

// ExecutionBounds resolves a plugin's execution limits against host defaults.
func (c *Config) ExecutionBounds(p PluginConf) (maxTime time.Duration, maxConcurrent int) {
	maxTime = c.Defaults.MaxExecutionTime
	maxConcurrent = c.Defaults.MaxConcurrent
	if p.MaxExecutionTime > 0 {
		maxTime = p.MaxExecutionTime
	}
	if p.MaxConcurrent > 0 {
		maxConcurrent = p.MaxConcurrent
	}
	return maxTime, maxConcurrent
}
