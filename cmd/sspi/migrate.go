package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sspi-data/sspi/internal/cachestore"
	"github.com/sspi-data/sspi/internal/platform"
)

func newMigrateCmd() *cobra.Command {
	var (
		databaseURL string
		down        int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			url := firstNonEmpty(databaseURL, loadConfig(cmd).Cache.DatabaseURL)
			if url == "" {
				return fmt.Errorf("no database url: pass --database-url or set DATABASE_URL")
			}
			p, err := cachestore.OpenPostgres(ctx, url)
			if err != nil {
				return err
			}
			defer p.Close()

			db := p.DB().DB
			if down > 0 {
				fmt.Fprintf(os.Stderr, "Rolling back %d migrations...\n", down)
				err = platform.Rollback(db, down)
			} else {
				fmt.Fprintf(os.Stderr, "Applying migrations...\n")
				err = platform.AutoMigrate(db)
			}
			if err != nil {
				return err
			}

			version, dirty, err := platform.Version(db)
			if err != nil {
				return err
			}
			fmt.Printf("Schema version %d", version)
			if dirty {
				fmt.Print(" (dirty)")
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres URL (default: cache.database_url)")
	cmd.Flags().IntVar(&down, "down", 0, "Roll back this many migrations instead of applying")

	return cmd
}
