package migratecmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/flarebyte/redstore/internal/namespace"
	"github.com/spf13/cobra"
)

var (
	flagRecoverToken bool
	flagRecoverAll   bool
)

var recoverCmd = &cobra.Command{
	Use:   "recover [user-id|token]",
	Short: "Roll back migrations left behind by a process that stopped mid-way",
	Long: `Roll back a migration whose process exited before committing or aborting.
The partial destination copy is dropped and the source backend becomes active
again. Run it only when no other rts process is migrating the namespace.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRecoverAll == (len(args) == 1) {
			return errors.New("pass either a user id or token, or --all")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		f, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		if flagRecoverAll {
			recs, err := f.RecoverAll(ctx)
			fmt.Fprintf(os.Stderr, "%d namespace(s) recovered\n", len(recs))
			if recs == nil {
				recs = []*namespace.Record{}
			}
			if perr := printJSON(recs); perr != nil {
				return perr
			}
			return err
		}
		var rec *namespace.Record
		if flagRecoverToken {
			rec, err = f.RecoverToken(ctx, args[0])
		} else {
			rec, err = f.Recover(ctx, args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "namespace back on %s\n", rec.Active)
		return printJSON(rec)
	},
}

func init() {
	recoverCmd.Flags().BoolVar(&flagRecoverToken, "token", false, "Treat the argument as a namespace token")
	recoverCmd.Flags().BoolVar(&flagRecoverAll, "all", false, "Recover every namespace left migrating")
}
