package migratecmd

import (
	"github.com/spf13/cobra"
)

var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move namespaces between the embedded and relational backends",
}

func init() {
	MigrateCmd.AddCommand(runCmd)
	MigrateCmd.AddCommand(rollbackCmd)
	MigrateCmd.AddCommand(recoverCmd)
	MigrateCmd.AddCommand(pruneCmd)
}
