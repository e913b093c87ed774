package nscmd

import (
	"github.com/spf13/cobra"
)

var NSCmd = &cobra.Command{
	Use:   "ns",
	Short: "Inspect per-user namespaces",
}

func init() {
	NSCmd.AddCommand(tokenCmd)
	NSCmd.AddCommand(listCmd)
	NSCmd.AddCommand(showCmd)
}
