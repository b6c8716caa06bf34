package plugin

import (
	"time"
)

// Manifest defines the structure of a plugin's manifest.yaml file.
type Manifest struct {
	Name             string        `yaml:"name"`
	Version          string        `yaml:"version"`
	Protocol         int           `yaml:"protocol"`
	Entrypoint       string        `yaml:"entrypoint"`
	Description      string        `yaml:"description,omitempty"`
	Critical         bool          `yaml:"critical,omitempty"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time,omitempty"`
	ConfigKeys       *ConfigKeys   `yaml:"config_keys,omitempty"`
}

// ConfigKeys defines required and optional configuration keys for a plugin.
type ConfigKeys struct {
	Required []string `yaml:"required,omitempty"`
	Optional []string `yaml:"optional,omitempty"`
}

// Discovered represents a discovered and validated plugin.
type Discovered struct {
	Name             string // Plugin name from manifest
	Path             string // Absolute path to plugin directory
	Entrypoint       string // Absolute path to entrypoint executable
	Protocol         int    // Protocol version
	Version          string // Plugin version
	Description      string // Human-readable description
	Critical         bool
	MaxExecutionTime time.Duration
	ConfigKeys       *ConfigKeys
}

// ValidateConfig checks that a config map carries every required key
// declared by the manifest.
func (d *Discovered) ValidateConfig(config map[string]any) []string {
	if d.ConfigKeys == nil {
		return nil
	}
	var missing []string
	for _, key := range d.ConfigKeys.Required {
		if _, ok := config[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}
