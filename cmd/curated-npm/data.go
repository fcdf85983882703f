package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alphagov/govuk-curated-npm-repo/internal/quarantine"
)

// openStoreDirect opens the approval store file directly, for
// migration tooling that runs while the gateway is stopped.
func openStoreDirect() (*quarantine.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := quarantine.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store (is the gateway running?): %w", err)
	}
	return store, nil
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export the approval database as a flat JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreDirect()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.ExportJSON(os.Stdout)
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import records from a flat JSON document",
		Long: `Import loads records from a flat JSON document of the form
{"packages": {...}, "version": N}. Records already in the store are
kept unchanged; only unknown packages are added.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			store, err := openStoreDirect()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.ImportJSON(f); err != nil {
				return err
			}
			fmt.Println("Import complete")
			return nil
		},
	}
}
