package secretcmd

import (
	"context"
	"fmt"
	"os"
	"time"

	cfgpkg "github.com/flarebyte/redstore/internal/config"
	vpkg "github.com/flarebyte/redstore/internal/vault"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show whether the server secret is set (never prints the value)",
	RunE: func(cmd *cobra.Command, args []string) error {
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
		md, err := dao.GetSecretMetadata(ctx, cfg.Identity.SecretName)
		if err != nil {
			return err
		}
		updated := "-"
		if md.UpdatedAt != nil {
			updated = md.UpdatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "name=%s set=%t backend=%s updated=%s source=%s\n",
			md.Name, md.IsSet, md.Backend, updated, cfg.Identity.SecretSource)
		return nil
	},
}
