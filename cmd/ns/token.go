package nscmd

import (
	"context"
	"fmt"
	"os"
	"time"

	cfgpkg "github.com/flarebyte/redstore/internal/config"
	"github.com/flarebyte/redstore/internal/identity"
	"github.com/flarebyte/redstore/internal/vault"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Print the namespace token derived for a user id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		secret, err := vault.ResolveSecret(ctx, cfg.Identity)
		if err != nil {
			return err
		}
		namer, err := identity.New(secret)
		if err != nil {
			return err
		}
		defer namer.Close()
		fmt.Fprintln(os.Stdout, namer.Token(args[0]))
		return nil
	},
}
