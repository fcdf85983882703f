package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config lists the upstream registries whose artifact URLs the gate
// recognises.
type Config struct {
	Registries []RegistryConfig `yaml:"registries"`
}

// RegistryConfig describes one registry's hosts and URL patterns.
type RegistryConfig struct {
	ID       string          `yaml:"id"`
	Hosts    []string        `yaml:"hosts"`
	Patterns []PatternConfig `yaml:"patterns"`
}

// PatternConfig is one artifact URL pattern. The regex uses named
// capture groups: either `package` for bare names, or `scope` plus
// `name` for scoped ones, and `file` for the tarball base name.
type PatternConfig struct {
	Name      string `yaml:"name"`
	PathRegex string `yaml:"path_regex"`

	// Compiled regex (not in YAML)
	compiledRegex *regexp.Regexp
}

// LoadConfig loads the registry pattern configuration with the same
// fallback order the rest of the configuration uses:
// 1. Explicit path (--registries-config flag)
// 2. Home directory (~/.curated-npm/registries.yaml)
// 3. Embedded default (passed as defaultData)
func LoadConfig(path string, defaultData []byte) (*Config, error) {
	data := defaultData

	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = fileData
	} else if home, err := os.UserHomeDir(); err == nil {
		homeConfig := filepath.Join(home, ".curated-npm", "registries.yaml")
		if fileData, err := os.ReadFile(homeConfig); err == nil {
			data = fileData
		}
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	for i := range config.Registries {
		for j := range config.Registries[i].Patterns {
			pattern := &config.Registries[i].Patterns[j]
			regex, err := regexp.Compile(pattern.PathRegex)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %s: %w", pattern.Name, err)
			}
			pattern.compiledRegex = regex
		}
	}

	return &config, nil
}
