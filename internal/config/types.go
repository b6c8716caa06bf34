package config

import "time"

// Config represents the complete bulwark host configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Storage  StorageConfig  `yaml:"storage"`
	API      APIConfig      `yaml:"api,omitempty"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Health   HealthConfig   `yaml:"health"`
	Plugins  []PluginConf   `yaml:"plugins"` // sequence order defines hook order
	Proxy    *ProxyConfig   `yaml:"proxy,omitempty"`
}

// ServiceConfig defines core service settings. PluginsDir enables
// manifest-based plugin discovery when set.
type ServiceConfig struct {
	Name       string `yaml:"name"`
	LogLevel   string `yaml:"log_level"`
	PluginsDir string `yaml:"plugins_dir,omitempty"`
}

// StorageConfig defines the audit/observability store location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// DefaultsConfig holds host-wide entity defaults. Individual plugins and
// targets may override the breaker and execution bounds.
type DefaultsConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenTrials   int           `yaml:"half_open_trials"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
}

// HealthConfig defines background probe behavior.
type HealthConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
}

// BreakerConf overrides circuit breaker settings for one entity.
type BreakerConf struct {
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout,omitempty"`
	HalfOpenTrials   int           `yaml:"half_open_trials,omitempty"`
}

// PluginConf defines configuration for a single plugin entity.
type PluginConf struct {
	Name             string         `yaml:"name"`
	Critical         bool           `yaml:"critical"`
	MaxExecutionTime time.Duration  `yaml:"max_execution_time,omitempty"`
	MaxConcurrent    int            `yaml:"max_concurrent,omitempty"`
	CircuitBreaker   *BreakerConf   `yaml:"circuit_breaker,omitempty"`
	Entrypoint       string         `yaml:"entrypoint,omitempty"` // set for subprocess plugins
	Config           map[string]any `yaml:"config,omitempty"`
}

// ProxyConfig defines the load-balanced upstream pool.
type ProxyConfig struct {
	Algorithm string       `yaml:"algorithm"`
	Retries   int          `yaml:"retries"`
	Targets   []TargetConf `yaml:"targets"`
}

// TargetConf defines a single upstream target.
type TargetConf struct {
	Name           string       `yaml:"name"`
	URL            string       `yaml:"url"`
	Weight         int          `yaml:"weight,omitempty"`
	HealthPath     string       `yaml:"health_path,omitempty"`
	CircuitBreaker *BreakerConf `yaml:"circuit_breaker,omitempty"`
}

// Supported balancing algorithms.
const (
	AlgorithmRoundRobin         = "round_robin"
	AlgorithmWeightedRoundRobin = "weighted_round_robin"
	AlgorithmIPHash             = "ip_hash"
	AlgorithmLeastConnections   = "least_connections"
)

// Defaults returns a Config with sensible host defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "bulwark",
			LogLevel: "INFO",
		},
		Storage: StorageConfig{
			Path: "bulwark.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8710",
		},
		Defaults: DefaultsConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			HalfOpenTrials:   1,
			MaxExecutionTime: 100 * time.Millisecond,
			MaxConcurrent:    10,
		},
		Health: HealthConfig{
			Interval:           30 * time.Second,
			Timeout:            5 * time.Second,
			HealthyThreshold:   3,
			UnhealthyThreshold: 2,
		},
	}
}
