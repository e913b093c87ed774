package secretcmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	cfgpkg "github.com/flarebyte/redstore/internal/config"
	vpkg "github.com/flarebyte/redstore/internal/vault"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the server secret in the keychain",
	Long: "Store the server secret in the keychain under identity.secret_name.\n" +
		"Changing the secret changes every namespace token; existing namespaces\n" +
		"become unreachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		dao, err := vpkg.NewVaultDAO()
		if err != nil {
			return err
		}
		secret, err := promptSecret(fmt.Sprintf("Enter server secret for %q: ", cfg.Identity.SecretName))
		if err != nil {
			return err
		}
		if len(secret) == 0 {
			return errors.New("secret must not be empty")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := dao.SetSecret(ctx, cfg.Identity.SecretName, secret); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "secret %q stored in keychain\n", cfg.Identity.SecretName)
		if cfg.Identity.SecretSource != cfgpkg.SecretSourceKeychain {
			fmt.Fprintln(os.Stderr, "note: identity.secret_source is not keychain; run `rts config init --overwrite --secret-source keychain` to use it")
		}
		return nil
	},
}

func promptSecret(prompt string) ([]byte, error) {
	// If stdin is a terminal, use no-echo password input.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimRight(string(b), "\r\n")), nil
	}
	fmt.Fprintln(os.Stderr, "warning: reading secret from stdin; input will not be masked")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
