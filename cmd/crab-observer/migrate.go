package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-observer/internal/db"
	"crabstack.local/projects/crab-observer/internal/platform"
	"crabstack.local/projects/crab-observer/internal/store"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the event and platform tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			gormDB, err := db.OpenGorm(cfg.DB.Driver, cfg.DB.DSN)
			if err != nil {
				return fmt.Errorf("open %s database: %w", cfg.DB.Driver, err)
			}
			defer func() {
				if err := db.Close(gormDB); err != nil {
					logger.Warn("database close failed", "err", err)
				}
			}()
			if err := store.Migrate(gormDB); err != nil {
				return err
			}
			if err := platform.Migrate(gormDB); err != nil {
				return err
			}
			logger.Info("migration complete", "driver", cfg.DB.Driver)
			return nil
		},
	}
}
