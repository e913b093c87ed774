package migratecmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/flarebyte/redstore/internal/namespace"
	"github.com/spf13/cobra"
)

var flagRollbackToken bool

var rollbackCmd = &cobra.Command{
	Use:   "rollback <user-id|token>",
	Short: "Switch a namespace back to the source kept by its last migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		f, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		var rec *namespace.Record
		if flagRollbackToken {
			rec, err = f.RollbackToken(ctx, args[0])
		} else {
			rec, err = f.Rollback(ctx, args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "namespace back on %s\n", rec.Active)
		return printJSON(rec)
	},
}

func init() {
	rollbackCmd.Flags().BoolVar(&flagRollbackToken, "token", false, "Treat the argument as a namespace token")
}
