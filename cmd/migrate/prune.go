package migratecmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop migration sources whose retention window has passed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		f, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		pruned, err := f.Prune(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "pruned %d retained copy(ies)\n", len(pruned))
		return printJSON(pruned)
	},
}
