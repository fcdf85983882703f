package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfigFile(t, "enabled: true\n")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Enabled {
		t.Errorf("enabled = false, want true")
	}
	if cfg.Upstream != "https://registry.npmjs.org" {
		t.Errorf("upstream = %q, want default registry", cfg.Upstream)
	}
	if cfg.ListenAddr != "127.0.0.1:8484" {
		t.Errorf("listenAddr = %q, want default", cfg.ListenAddr)
	}
	if cfg.RiskThreshold != 60 {
		t.Errorf("riskThreshold = %d, want 60", cfg.RiskThreshold)
	}
	if cfg.ScanTimeout.Std() != 60*time.Second {
		t.Errorf("scanTimeout = %v, want 60s", cfg.ScanTimeout.Std())
	}
	if cfg.LogLevel != "info" {
		t.Errorf("logLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.QuarantineDir == "" {
		t.Errorf("quarantineDir not defaulted")
	}
}

func TestLoad_ExplicitValues(t *testing.T) {
	path := writeConfigFile(t, strings.TrimSpace(`
enabled: true
quarantine_dir: /var/lib/curated-npm
upstream: https://registry.example.com
listen_addr: 0.0.0.0:9000
autoscan: true
risk_threshold: 30
scan_timeout: 90s
log_level: debug
proxy:
  enabled: true
  addr: 127.0.0.1:8888
`))

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.QuarantineDir != "/var/lib/curated-npm" {
		t.Errorf("quarantineDir = %q", cfg.QuarantineDir)
	}
	if cfg.Upstream != "https://registry.example.com" {
		t.Errorf("upstream = %q", cfg.Upstream)
	}
	if !cfg.AutoScan {
		t.Errorf("autoscan = false, want true")
	}
	if cfg.RiskThreshold != 30 {
		t.Errorf("riskThreshold = %d, want 30", cfg.RiskThreshold)
	}
	if cfg.ScanTimeout.Std() != 90*time.Second {
		t.Errorf("scanTimeout = %v, want 90s", cfg.ScanTimeout.Std())
	}
	if !cfg.Proxy.Enabled || cfg.Proxy.Addr != "127.0.0.1:8888" {
		t.Errorf("proxy = %+v", cfg.Proxy)
	}

	if got := cfg.DatabasePath(); got != "/var/lib/curated-npm/quarantine.db" {
		t.Errorf("DatabasePath() = %q", got)
	}
	if got := cfg.ScratchDir(); got != "/var/lib/curated-npm/scratch" {
		t.Errorf("ScratchDir() = %q", got)
	}
}

func TestLoad_InvalidThreshold(t *testing.T) {
	for _, threshold := range []string{"-1", "101"} {
		path := writeConfigFile(t, "risk_threshold: "+threshold+"\n")
		if _, err := Load(path, nil); err == nil {
			t.Errorf("Load() with threshold %s succeeded, want error", threshold)
		}
	}
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
		t.Error("Load() with missing explicit path succeeded, want error")
	}
}

func TestLoad_EmbeddedDefault(t *testing.T) {
	cfg, err := Load("", []byte("enabled: false\nscan_timeout: 10s\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Enabled {
		t.Errorf("enabled = true, want false")
	}
	if home, herr := os.UserHomeDir(); herr == nil {
		if _, serr := os.Stat(filepath.Join(home, ".curated-npm", "config.yaml")); serr == nil {
			t.Skip("home config present, embedded default not in effect")
		}
	}
	if cfg.ScanTimeout.Std() != 10*time.Second {
		t.Errorf("scanTimeout = %v, want 10s", cfg.ScanTimeout.Std())
	}
}

func TestDuration_Unmarshal(t *testing.T) {
	tests := []struct {
		yaml    string
		want    time.Duration
		wantErr bool
	}{
		{"scan_timeout: 60s", 60 * time.Second, false},
		{"scan_timeout: 2m", 2 * time.Minute, false},
		{"scan_timeout: 1h30m", 90 * time.Minute, false},
		{"scan_timeout: banana", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.yaml, func(t *testing.T) {
			path := writeConfigFile(t, tt.yaml+"\n")
			cfg, err := Load(path, nil)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Load() succeeded, want parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.ScanTimeout.Std() != tt.want {
				t.Errorf("scanTimeout = %v, want %v", cfg.ScanTimeout.Std(), tt.want)
			}
		})
	}
}
