package secretcmd

import (
	"github.com/spf13/cobra"
)

var SecretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the server secret in the OS keychain",
}

func init() {
	SecretCmd.AddCommand(setCmd)
	SecretCmd.AddCommand(showCmd)
	SecretCmd.AddCommand(unsetCmd)
}
