package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/bloom.scanner/internal/config"
	"github.com/banshee-data/bloom.scanner/internal/db"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the profile database schema",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "profile database path (default from configuration)")

	// open connects without applying migrations; the subcommands manage the
	// schema themselves.
	open := func() (*db.DB, error) {
		path := dbPath
		if path == "" {
			cfg, err := loadConfig(opts)
			if err != nil {
				return nil, err
			}
			path = cfg.ProfileDB
		}
		if path == "" {
			return nil, fmt.Errorf("no profile database configured (set %s or --db)", config.EnvProfileDB)
		}
		return db.OpenDB(path)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := open()
			if err != nil {
				return err
			}
			defer database.Close()
			if err := database.MigrateUp(db.MigrationsFS()); err != nil {
				return err
			}
			return printVersion(cmd.OutOrStdout(), database)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back one migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := open()
			if err != nil {
				return err
			}
			defer database.Close()
			if err := database.MigrateDown(db.MigrationsFS()); err != nil {
				return err
			}
			return printVersion(cmd.OutOrStdout(), database)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := open()
			if err != nil {
				return err
			}
			defer database.Close()
			status, err := database.GetMigrationStatus(db.MigrationsFS())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Current version: %d\n", status.CurrentVersion)
			fmt.Fprintf(out, "Latest version: %d\n", status.LatestVersion)
			fmt.Fprintf(out, "Pending: %d\n", status.Pending)
			fmt.Fprintf(out, "Dirty: %v\n", status.Dirty)
			if status.Dirty {
				fmt.Fprintln(out, "A migration failed mid-execution. Inspect the database, then run: bloom migrate force <version>")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "to <version>",
		Short: "Migrate up or down to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version number: %s", args[0])
			}
			database, err := open()
			if err != nil {
				return err
			}
			defer database.Close()
			if err := database.MigrateTo(db.MigrationsFS(), uint(target)); err != nil {
				return fmt.Errorf("migration to version %d failed: %w", target, err)
			}
			return printVersion(cmd.OutOrStdout(), database)
		},
	})

	var yes bool
	force := &cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations (recovery only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version number: %s", args[0])
			}
			out := cmd.OutOrStdout()
			if !yes {
				fmt.Fprintf(out, "Forcing migration version to %d. This is only for recovering a dirty database.\n", version)
				fmt.Fprint(out, "Continue? [y/N]: ")
				if !confirmed(cmd.InOrStdin()) {
					fmt.Fprintln(out, "Aborted")
					return nil
				}
			}
			database, err := open()
			if err != nil {
				return err
			}
			defer database.Close()
			if err := database.MigrateForce(db.MigrationsFS(), version); err != nil {
				return fmt.Errorf("force migration failed: %w", err)
			}
			return printVersion(out, database)
		},
	}
	force.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.AddCommand(force)

	return cmd
}

func confirmed(r io.Reader) bool {
	line, _ := bufio.NewReader(r).ReadString('\n')
	switch strings.TrimSpace(line) {
	case "y", "Y":
		return true
	}
	return false
}

func printVersion(w io.Writer, database *db.DB) error {
	version, dirty, err := database.MigrateVersion(db.MigrationsFS())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}
