package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
	"github.com/spf13/cobra"
)

func main() {
	var dsn, dir string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply deltasync schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("POSTGRES_DSN"), "postgres connection string")
	root.PersistentFlags().StringVar(&dir, "dir", envOr("MIGRATIONS_DIR", "migrations"), "directory holding the SQL migrations")

	run := func(command string) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("--dsn or POSTGRES_DSN is required")
			}
			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return errors.Wrap(err, "open postgres")
			}
			defer db.Close()
			if err := goose.SetDialect("postgres"); err != nil {
				return err
			}
			return goose.Run(command, db, dir, args...)
		}
	}

	root.AddCommand(
		&cobra.Command{Use: "up", Short: "Migrate to the latest version", RunE: run("up")},
		&cobra.Command{Use: "down", Short: "Roll back one version", RunE: run("down")},
		&cobra.Command{Use: "status", Short: "Show applied migrations", RunE: run("status")},
		&cobra.Command{Use: "version", Short: "Print the current version", RunE: run("version")},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
