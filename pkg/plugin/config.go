package plugin

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManagerConfig is the on-disk description of which plugins agoraaid loads
// and under which isolation defaults.
type ManagerConfig struct {
	PluginDir string                  `yaml:"pluginDir"`
	Defaults  IsolationPolicy         `yaml:"defaults"`
	Plugins   map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is the configuration block for a single plugin instance.
// Relative paths resolve against PluginDir.
type PluginConfig struct {
	Enabled bool             `yaml:"enabled"`
	Path    string           `yaml:"path"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
}

// LoadManagerConfig reads a YAML file into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	return cfg, nil
}

// Validate ensures the configuration is internally consistent: enabled plugins
// carry a path and every policy names capabilities the host understands.
func (c ManagerConfig) Validate() error {
	if err := validatePolicy(c.Defaults); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for id, plugin := range c.Plugins {
		if id == "" {
			return errors.New("plugin id cannot be empty")
		}
		if plugin.Policy != nil {
			if err := validatePolicy(*plugin.Policy); err != nil {
				return fmt.Errorf("plugin %s: %w", id, err)
			}
		}
		if !plugin.Enabled {
			continue
		}
		if plugin.Path == "" {
			return fmt.Errorf("plugin %s path cannot be empty when enabled", id)
		}
	}
	return nil
}

func validatePolicy(policy IsolationPolicy) error {
	for _, cap := range policy.AllowedCapabilities {
		if !KnownCapability(cap) {
			return fmt.Errorf("unknown capability %q", cap)
		}
	}
	for _, cap := range policy.DeniedCapabilities {
		if !KnownCapability(cap) {
			return fmt.Errorf("unknown capability %q", cap)
		}
	}
	return nil
}
