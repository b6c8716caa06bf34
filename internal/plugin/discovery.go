package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	supportedProtocol = 1
	manifestFilename  = "manifest.yaml"
)

// Discovery holds discovered plugins indexed by name.
type Discovery struct {
	plugins map[string]*Discovered
}

// NewDiscovery creates an empty plugin discovery set.
func NewDiscovery() *Discovery {
	return &Discovery{
		plugins: make(map[string]*Discovered),
	}
}

// Get retrieves a discovered plugin by name.
func (d *Discovery) Get(name string) (*Discovered, bool) {
	p, ok := d.plugins[name]
	return p, ok
}

// All returns all discovered plugins.
func (d *Discovery) All() map[string]*Discovered {
	return d.plugins
}

// Add records a discovered plugin.
func (d *Discovery) Add(plugin *Discovered) error {
	if _, exists := d.plugins[plugin.Name]; exists {
		return fmt.Errorf("plugin %q already discovered", plugin.Name)
	}
	d.plugins[plugin.Name] = plugin
	return nil
}

// Discover scans pluginsDir for plugins with manifest.yaml and validates them.
// Invalid plugins are logged but not fatal; the rest of the directory still loads.
func Discover(pluginsDir string, logger func(level, msg string, args ...any)) (*Discovery, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoot, err := filepath.Abs(pluginsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugin root %q: %w", pluginsDir, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plugin root does not exist: %s", absRoot)
		}
		return nil, fmt.Errorf("failed to stat plugin root %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugin root is not a directory: %s", absRoot)
	}

	discovery := NewDiscovery()
	err = filepath.WalkDir(absRoot, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() || entry.Name() != manifestFilename {
			return nil
		}

		pluginPath := filepath.Dir(path)

		plugin, err := loadDiscovered(pluginPath, absRoot)
		if err != nil {
			logger("warn", "failed to load plugin", "path", pluginPath, "error", err.Error())
			return nil
		}

		if err := discovery.Add(plugin); err != nil {
			if existing, ok := discovery.Get(plugin.Name); ok {
				logger(
					"warn",
					"duplicate plugin ignored (keeping first discovered)",
					"plugin", plugin.Name,
					"ignored_path", plugin.Path,
					"kept_path", existing.Path,
				)
			}
			return nil
		}

		logger("info", "discovered plugin", "plugin", plugin.Name, "path", plugin.Path, "version", plugin.Version, "protocol", plugin.Protocol)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan plugin root %s: %w", absRoot, err)
	}

	return discovery, nil
}

// loadDiscovered reads and validates a single plugin.
func loadDiscovered(pluginPath, pluginsDir string) (*Discovered, error) {
	manifestPath := filepath.Join(pluginPath, manifestFilename)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	if manifest.Protocol != supportedProtocol {
		return nil, fmt.Errorf("unsupported protocol version %d (supported: %d)", manifest.Protocol, supportedProtocol)
	}

	entrypointPath := filepath.Join(pluginPath, manifest.Entrypoint)

	if err := validateTrust(entrypointPath, pluginPath, pluginsDir); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Discovered{
		Name:             manifest.Name,
		Path:             pluginPath,
		Entrypoint:       entrypointPath,
		Protocol:         manifest.Protocol,
		Version:          manifest.Version,
		Description:      manifest.Description,
		Critical:         manifest.Critical,
		MaxExecutionTime: manifest.MaxExecutionTime,
		ConfigKeys:       manifest.ConfigKeys,
	}, nil
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}

	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}

	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}

	// Check for path traversal in entrypoint
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}

	if m.MaxExecutionTime < 0 {
		return fmt.Errorf("max_execution_time must not be negative")
	}

	return nil
}

// validateTrust enforces security constraints on the entrypoint: it must
// resolve inside the plugin directory, be executable, and the plugin
// directory must not be world-writable.
func validateTrust(entrypointPath, pluginPath, pluginsDir string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}

	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}

	resolvedRoot, err := filepath.EvalSymlinks(pluginsDir)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin root symlink: %w", err)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin root %s", resolvedEntrypoint, resolvedRoot)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}

	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}

	if pluginInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}

	return nil
}
