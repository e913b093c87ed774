package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	cfgpkg "github.com/flarebyte/redstore/internal/config"
	pgdao "github.com/flarebyte/redstore/internal/dao/postgres"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var flagCountJSON bool

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count rows per table for each namespace schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		if !cfg.Postgres.Configured() {
			return errors.New("postgres is not configured")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		db, err := pgdao.Open(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()

		schemas, err := pgdao.ListNamespaceSchemas(ctx, db)
		if err != nil {
			return err
		}
		counts := make(map[string]map[string]int64, len(schemas))
		for _, s := range schemas {
			counts[s] = map[string]int64{}
			for _, t := range pgdao.Tables {
				n, err := pgdao.CountTable(ctx, db, s, t)
				if err != nil {
					return err
				}
				counts[s][t] = n
			}
		}

		if flagCountJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(counts)
		}
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader(append([]string{"SCHEMA"}, pgdao.Tables...))
		for _, s := range schemas {
			row := []string{s}
			for _, t := range pgdao.Tables {
				row = append(row, fmt.Sprintf("%d", counts[s][t]))
			}
			tw.Append(row)
		}
		tw.Render()
		fmt.Fprintf(os.Stderr, "%d namespace schema(s)\n", len(schemas))
		return nil
	},
}

func init() {
	DBCmd.AddCommand(countCmd)
	countCmd.Flags().BoolVar(&flagCountJSON, "json", false, "Print counts as JSON")
}
