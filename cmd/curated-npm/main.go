package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alphagov/govuk-curated-npm-repo/internal/config"
	"github.com/alphagov/govuk-curated-npm-repo/internal/gate"
	"github.com/alphagov/govuk-curated-npm-repo/internal/gateway"
	"github.com/alphagov/govuk-curated-npm-repo/internal/logger"
	"github.com/alphagov/govuk-curated-npm-repo/internal/metrics"
	"github.com/alphagov/govuk-curated-npm-repo/internal/proxy"
	"github.com/alphagov/govuk-curated-npm-repo/internal/quarantine"
	"github.com/alphagov/govuk-curated-npm-repo/internal/registry"
	"github.com/alphagov/govuk-curated-npm-repo/internal/scanner"
)

//go:embed config.yaml
var defaultConfigYAML []byte

//go:embed registries.yaml
var defaultRegistriesYAML []byte

var (
	// Global flags
	configPath       string
	registriesConfig string
	logLevel         string
	serverURL        string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "curated-npm",
		Short: "Curated npm registry gateway",
		Long: `curated-npm sits in front of an npm registry and quarantines
packages until an administrator approves them. Unapproved packages are
denied by default and risk-scored by a static scanner.`,
		Example: `  curated-npm serve
  curated-npm list
  curated-npm approve left-pad
  curated-npm assessment @myorg/mypkg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&registriesConfig, "registries-config", "", "Path to registries config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8484", "Admin API of a running gateway")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newApproveCmd())
	rootCmd.AddCommand(newRejectCmd())
	rootCmd.AddCommand(newAssessmentCmd())
	rootCmd.AddCommand(newBlockedCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newPrintConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the registry gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, defaultConfigYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.NewLogger(os.Stdout, logger.ParseLevel(cfg.LogLevel))

	regConfig, err := registry.LoadConfig(registriesConfig, defaultRegistriesYAML)
	if err != nil {
		return fmt.Errorf("failed to load registries config: %w", err)
	}
	detector := registry.NewDetector(regConfig)

	if err := os.MkdirAll(cfg.QuarantineDir, 0o700); err != nil {
		return fmt.Errorf("failed to create quarantine directory: %w", err)
	}
	store, err := quarantine.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	importLegacyDatabase(cfg, store, log)

	prom := metrics.NewProm("curated_npm")
	g := gate.New(store, log, prom)
	scan := scanner.New(cfg.ScratchDir(), cfg.ScanTimeout.Std(), log)

	srv, err := gateway.New(gateway.Options{
		Config:   cfg,
		Store:    store,
		Gate:     g,
		Scanner:  scan,
		Detector: detector,
		Logger:   log,
		Metrics:  prom,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	var interceptor *proxy.Server
	if cfg.Proxy.Enabled {
		interceptor, err = proxy.NewServer(proxy.Config{
			Addr:     cfg.Proxy.Addr,
			CertDir:  cfg.Proxy.CertDir,
			Detector: detector,
			Gate:     g,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		if err := interceptor.Start(); err != nil {
			return err
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("signal_received", "Shutting down", nil)
	if interceptor != nil {
		interceptor.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

// importLegacyDatabase loads records from the flat JSON files earlier
// deployments kept in the quarantine directory. Existing records win;
// missing files mean a fresh install, not an error.
func importLegacyDatabase(cfg *config.Config, store *quarantine.Store, log *logger.Logger) {
	legacy := filepath.Join(cfg.QuarantineDir, "quarantine-db.json")
	f, err := os.Open(legacy)
	if err != nil {
		return
	}
	defer f.Close()

	if err := store.ImportJSON(f); err != nil {
		log.Warn("legacy_import_failed", "Failed to import legacy quarantine database", map[string]interface{}{
			"path":  legacy,
			"error": err.Error(),
		})
		return
	}
	log.Info("legacy_import", "Imported legacy quarantine database", map[string]interface{}{
		"path": legacy,
	})
}

func newPrintConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Print current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("Enabled: %v\n", cfg.Enabled)
			fmt.Printf("Quarantine Dir: %s\n", cfg.QuarantineDir)
			fmt.Printf("Upstream: %s\n", cfg.Upstream)
			fmt.Printf("Listen Addr: %s\n", cfg.ListenAddr)
			fmt.Printf("Autoscan: %v\n", cfg.AutoScan)
			fmt.Printf("Risk Threshold: %d\n", cfg.RiskThreshold)
			fmt.Printf("Scan Timeout: %s\n", cfg.ScanTimeout.Std())
			fmt.Printf("Log Level: %s\n", cfg.LogLevel)
			fmt.Printf("Proxy Mode: %v\n", cfg.Proxy.Enabled)
			return nil
		},
	}
}
