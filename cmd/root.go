package cmd

import (
	configcmd "github.com/flarebyte/redstore/cmd/config"
	dbcmd "github.com/flarebyte/redstore/cmd/db"
	migratecmd "github.com/flarebyte/redstore/cmd/migrate"
	nscmd "github.com/flarebyte/redstore/cmd/ns"
	secretcmd "github.com/flarebyte/redstore/cmd/secret"
	srvcmd "github.com/flarebyte/redstore/cmd/server"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rts",
	Short: "Per-user isolated session store for red-team runs",
	Long: "rts stores red-team configurations, conversation turns and embeddings in one\n" +
		"isolated namespace per user, on SQLite or PostgreSQL, and migrates namespaces\n" +
		"between the two.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(configcmd.ConfigCmd)
	rootCmd.AddCommand(dbcmd.DBCmd)
	rootCmd.AddCommand(nscmd.NSCmd)
	rootCmd.AddCommand(migratecmd.MigrateCmd)
	rootCmd.AddCommand(secretcmd.SecretCmd)
	rootCmd.AddCommand(srvcmd.ServerCmd)
}
