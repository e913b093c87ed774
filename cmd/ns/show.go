package nscmd

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/flarebyte/redstore/internal/namespace"
	"github.com/spf13/cobra"
)

var flagShowToken bool

var showCmd = &cobra.Command{
	Use:   "show <user-id|token>",
	Short: "Show the namespace record of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		f, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		var rec *namespace.Record
		if flagShowToken {
			rec, err = f.StatusToken(ctx, args[0])
		} else {
			rec, err = f.Status(ctx, args[0])
		}
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func init() {
	showCmd.Flags().BoolVar(&flagShowToken, "token", false, "Treat the argument as a namespace token")
}
