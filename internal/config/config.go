// Package config loads the gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	// Enabled turns the admission gate on. When false the gateway is a
	// plain pass-through proxy.
	Enabled bool `yaml:"enabled"`

	// QuarantineDir holds the approval database and scan scratch
	// space. Defaults to ~/.curated-npm/quarantine.
	QuarantineDir string `yaml:"quarantine_dir"`

	// Upstream is the registry the gateway proxies to.
	Upstream string `yaml:"upstream"`

	// ListenAddr serves both the registry proxy and the admin API.
	ListenAddr string `yaml:"listen_addr"`

	// AutoScan triggers a scan when a package is first requested.
	AutoScan bool `yaml:"autoscan"`

	// RiskThreshold is reported to administrators alongside scan
	// results. The gate does not act on it; blocking above the
	// threshold is an administrative decision.
	RiskThreshold int `yaml:"risk_threshold"`

	// ScanTimeout bounds one archive scan end to end.
	ScanTimeout Duration `yaml:"scan_timeout"`

	LogLevel string `yaml:"log_level"`

	Proxy ProxyConfig `yaml:"proxy"`
}

// ProxyConfig configures the optional forward-proxy interception mode
// for workstations that keep talking to the public registry directly.
type ProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	CertDir string `yaml:"cert_dir"`
}

// Load loads the configuration with 3-level fallback:
// 1. Explicit path (--config flag)
// 2. Home directory (~/.curated-npm/config.yaml)
// 3. Embedded default (passed as defaultData)
func Load(path string, defaultData []byte) (*Config, error) {
	data := defaultData

	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = fileData
	} else if home, err := os.UserHomeDir(); err == nil {
		homeConfig := filepath.Join(home, ".curated-npm", "config.yaml")
		if fileData, err := os.ReadFile(homeConfig); err == nil {
			data = fileData
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.QuarantineDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.QuarantineDir = filepath.Join(home, ".curated-npm", "quarantine")
		}
	}
	if c.Upstream == "" {
		c.Upstream = "https://registry.npmjs.org"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8484"
	}
	if c.RiskThreshold == 0 {
		c.RiskThreshold = 60
	}
	if c.ScanTimeout == 0 {
		c.ScanTimeout = Duration(60 * time.Second)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Proxy.Addr == "" {
		c.Proxy.Addr = "127.0.0.1:0"
	}
	if c.Proxy.CertDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Proxy.CertDir = filepath.Join(home, ".curated-npm", "certs")
		}
	}
}

func (c *Config) validate() error {
	if c.QuarantineDir == "" {
		return fmt.Errorf("quarantine_dir is required")
	}
	if c.RiskThreshold < 0 || c.RiskThreshold > 100 {
		return fmt.Errorf("risk_threshold must be between 0 and 100, got %d", c.RiskThreshold)
	}
	return nil
}

// DatabasePath is the location of the approval store inside the
// quarantine directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.QuarantineDir, "quarantine.db")
}

// ScratchDir is where scan extraction workspaces live.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.QuarantineDir, "scratch")
}
