package configcmd

import (
	"fmt"
	"os"

	cfgpkg "github.com/flarebyte/redstore/internal/config"
	"github.com/flarebyte/redstore/internal/paths"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	flagOverwrite bool
	flagDryRun    bool
	// Server
	flagGRPCAddr string
	flagHTTPAddr string
	// Postgres
	flagPGHost     string
	flagPGPort     int
	flagPGDBName   string
	flagPGSSLMode  string
	flagPGUser     string
	flagPGPassword string
	// Store
	flagDefaultBackend string
	flagDimension      int
	flagRetention      string
	flagSecretSource   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or update the global config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := paths.EnsureHome(); err != nil {
			return err
		}
		path := cfgpkg.Path()
		if !flagOverwrite && !flagDryRun {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s (use --overwrite to replace)", path)
			}
		}

		// Start from existing config (or defaults if missing) to preserve secrets
		cfg, _ := cfgpkg.Load()

		f := cmd.Flags()
		if f.Changed("grpc-addr") {
			cfg.Server.GRPCAddr = flagGRPCAddr
		}
		if f.Changed("http-addr") {
			cfg.Server.HTTPAddr = flagHTTPAddr
		}
		if f.Changed("pg-host") {
			cfg.Postgres.Host = flagPGHost
		}
		if f.Changed("pg-port") {
			cfg.Postgres.Port = flagPGPort
		}
		if f.Changed("pg-dbname") {
			cfg.Postgres.DBName = flagPGDBName
		}
		if f.Changed("pg-sslmode") {
			cfg.Postgres.SSLMode = flagPGSSLMode
		}
		if f.Changed("pg-user") {
			cfg.Postgres.User = flagPGUser
		}
		if f.Changed("pg-password") {
			cfg.Postgres.Password = flagPGPassword
		}
		if f.Changed("default-backend") {
			cfg.Store.DefaultBackend = flagDefaultBackend
		}
		if f.Changed("dimension") {
			cfg.Embedding.Dimension = flagDimension
		}
		if f.Changed("retention") {
			cfg.Migration.Retention = flagRetention
		}
		if f.Changed("secret-source") {
			cfg.Identity.SecretSource = flagSecretSource
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if flagDryRun {
			os.Stdout.Write(b)
			if len(b) == 0 || b[len(b)-1] != '\n' {
				fmt.Fprintln(os.Stdout)
			}
			fmt.Fprintf(os.Stderr, "dry-run: not writing %s\n", path)
			return nil
		}
		if err := os.WriteFile(path, b, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote config to %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&flagOverwrite, "overwrite", false, "Overwrite existing config.yaml if present")
	initCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Print merged config to stdout without writing")

	initCmd.Flags().StringVar(&flagGRPCAddr, "grpc-addr", cfgpkg.DefaultGRPCAddr, "gRPC listen address")
	initCmd.Flags().StringVar(&flagHTTPAddr, "http-addr", cfgpkg.DefaultHTTPAddr, "HTTP listen address")

	initCmd.Flags().StringVar(&flagPGHost, "pg-host", "127.0.0.1", "Postgres host")
	initCmd.Flags().IntVar(&flagPGPort, "pg-port", cfgpkg.DefaultPostgresPort, "Postgres port")
	initCmd.Flags().StringVar(&flagPGDBName, "pg-dbname", "redstore", "Postgres database name")
	initCmd.Flags().StringVar(&flagPGSSLMode, "pg-sslmode", "disable", "Postgres SSL mode")
	initCmd.Flags().StringVar(&flagPGUser, "pg-user", "", "Postgres user")
	initCmd.Flags().StringVar(&flagPGPassword, "pg-password", "", "Postgres password")

	initCmd.Flags().StringVar(&flagDefaultBackend, "default-backend", "embedded", "Backend for new namespaces (embedded|relational)")
	initCmd.Flags().IntVar(&flagDimension, "dimension", cfgpkg.DefaultDimension, "Embedding vector dimension")
	initCmd.Flags().StringVar(&flagRetention, "retention", cfgpkg.DefaultRetention, "How long a migration source is kept for rollback")
	initCmd.Flags().StringVar(&flagSecretSource, "secret-source", cfgpkg.SecretSourceConfig, "Server secret source (config|env|keychain)")
}
