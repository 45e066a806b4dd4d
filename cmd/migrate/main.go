package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"phyco-order-service/config"
	"phyco-order-service/internal/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
)

func main() {
	var databaseURL string

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the order service database schema",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL != "" {
				return nil
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			databaseURL = cfg.Database.URL
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres URL (defaults to DATABASE_URL)")

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.MigrateUp(databaseURL); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations, one step unless a count is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("invalid step count %q", args[0])
				}
				steps = n
			}

			m, err := store.NewMigrator(databaseURL)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("failed to roll back: %w", err)
			}
			fmt.Printf("rolled back %d migration(s)\n", steps)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := store.NewMigrator(databaseURL)
			if err != nil {
				return err
			}
			defer m.Close()

			version, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Println("no migrations applied")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("version %d (dirty: %t)\n", version, dirty)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
