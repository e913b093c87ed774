package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	cfgpkg "github.com/flarebyte/redstore/internal/config"
	pgdao "github.com/flarebyte/redstore/internal/dao/postgres"
	"github.com/spf13/cobra"
)

var scaffoldCmd = &cobra.Command{
	Use:   "scaffold",
	Short: "Enable pgvector and create the namespace control schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		if !cfg.Postgres.Configured() {
			return errors.New("postgres is not configured; set postgres.host, postgres.user and postgres.dbname in config.yaml")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fmt.Fprintf(os.Stderr, "db:scaffold - connecting to %s:%d/%s as %q...\n",
			cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.DBName, cfg.Postgres.User)
		db, err := pgdao.Open(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()

		fmt.Fprintln(os.Stderr, "db:scaffold - ensuring pgvector extension...")
		if err := pgdao.EnsureExtensions(ctx, db); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "db:scaffold - ensuring control schema %q...\n", cfg.Postgres.ControlSchema)
		if err := pgdao.EnsureControlSchema(ctx, db, cfg.Postgres.ControlSchema); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "db:scaffold - done")
		return nil
	},
}

func init() {
	DBCmd.AddCommand(scaffoldCmd)
}
