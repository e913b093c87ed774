package configcmd

import (
	"fmt"
	"os"

	cfgpkg "github.com/flarebyte/redstore/internal/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check config.yaml for invalid values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if !cfg.Postgres.Configured() {
			fmt.Fprintln(os.Stderr, "warning: postgres is not configured; only the embedded backend is available")
		}
		fmt.Fprintf(os.Stderr, "config ok: %s\n", cfgpkg.Path())
		return nil
	},
}
