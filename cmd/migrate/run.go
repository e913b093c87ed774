package migratecmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/flarebyte/redstore/internal/migrate"
	"github.com/flarebyte/redstore/internal/store"
	"github.com/spf13/cobra"
)

var (
	flagRunTo      string
	flagRunToken   bool
	flagRunTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <user-id|token>",
	Short: "Copy a namespace to another backend, validate it and switch over",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := store.BackendKind(flagRunTo)
		if !target.Valid() {
			return fmt.Errorf("--to must be embedded or relational, got %q", flagRunTo)
		}
		ctx, cancel := context.WithTimeout(context.Background(), flagRunTimeout)
		defer cancel()
		f, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		var rep *migrate.Report
		if flagRunToken {
			rep, err = f.MigrateToken(ctx, args[0], target)
		} else {
			rep, err = f.Migrate(ctx, args[0], target)
		}
		if err != nil {
			return err
		}
		if rep.NoOp {
			fmt.Fprintf(os.Stderr, "namespace already on %s; nothing to do\n", rep.Target)
		} else {
			fmt.Fprintf(os.Stderr, "migrated %s -> %s (%s)\n", rep.Source, rep.Target, rep.Phase)
		}
		return printJSON(rep)
	},
}

func init() {
	runCmd.Flags().StringVar(&flagRunTo, "to", "", "Target backend (embedded|relational)")
	runCmd.Flags().BoolVar(&flagRunToken, "token", false, "Treat the argument as a namespace token")
	runCmd.Flags().DurationVar(&flagRunTimeout, "timeout", 30*time.Minute, "Abort and roll back after this long")
	_ = runCmd.MarkFlagRequired("to")
}
