package secretcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	cfgpkg "github.com/flarebyte/redstore/internal/config"
	vpkg "github.com/flarebyte/redstore/internal/vault"
	"github.com/spf13/cobra"
)

var flagUnsetYes bool

var unsetCmd = &cobra.Command{
	Use:   "unset",
	Short: "Remove the server secret from the keychain",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !flagUnsetYes {
			return errors.New("refusing to remove the server secret without --yes")
		}
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		dao, err := vpkg.NewVaultDAO()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := dao.UnsetSecret(ctx, cfg.Identity.SecretName); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "secret %q removed\n", cfg.Identity.SecretName)
		return nil
	},
}

func init() {
	unsetCmd.Flags().BoolVar(&flagUnsetYes, "yes", false, "Confirm removal")
}
