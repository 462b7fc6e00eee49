package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotaguard/internal/adapter/outbound/sqlstore"
	"github.com/quotaguard/quotaguard/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the fallback SQL schema",
	Long: `Create the counter and violation tables of the fallback store described
by store.fallback. Safe to run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return migrate(cmd, cfg.Store.Fallback)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func migrate(cmd *cobra.Command, fb config.FallbackStoreConfig) error {
	if fb.DSN == "" {
		return errors.New("store.fallback.dsn is not configured")
	}
	ctx := cmd.Context()
	start := time.Now()
	// Open creates the schema.
	db, err := sqlstore.Open(ctx, sqlstore.Config{
		Dialect: sqlstore.Dialect(fb.Driver),
		DSN:     fb.DSN,
	})
	if err != nil {
		return fmt.Errorf("migrate %s: %w", fb.Driver, err)
	}
	defer db.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "schema ready on %s (%s)\n", db.Name(), time.Since(start).Round(time.Millisecond))
	return nil
}
