package server

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	cfgpkg "github.com/flarebyte/redstore/internal/config"
	"github.com/flarebyte/redstore/internal/observe"
	srv "github.com/flarebyte/redstore/internal/server"
	"github.com/flarebyte/redstore/internal/session"
	"github.com/spf13/cobra"
)

var (
	flagDetach   bool
	flagGRPCAddr string
	flagHTTPAddr string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		pidPath := srv.DefaultPIDPath()
		if flagDetach {
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			// Spawn a detached child running in foreground mode
			childArgs := []string{"server", "start", "--no-detach"}
			if flagGRPCAddr != "" {
				childArgs = append(childArgs, "--grpc-addr", flagGRPCAddr)
			}
			if flagHTTPAddr != "" {
				childArgs = append(childArgs, "--http-addr", flagHTTPAddr)
			}
			child := exec.Command(exe, childArgs...)
			logPath := filepath.Join(filepath.Dir(pidPath), "server.log")
			_ = os.MkdirAll(filepath.Dir(pidPath), 0o755)
			lf, _ := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if lf != nil {
				defer lf.Close()
				child.Stdout = lf
				child.Stderr = lf
			}
			if runtime.GOOS != "windows" {
				child.SysProcAttr = srv.DetachAttr()
			}
			if err := child.Start(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "server started in background (pid=%d, log=%s)\n", child.Process.Pid, logPath)
			return nil
		}

		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		opts := srv.Options{GRPCAddr: cfg.Server.GRPCAddr, HTTPAddr: cfg.Server.HTTPAddr, PIDPath: pidPath}
		if flagGRPCAddr != "" {
			opts.GRPCAddr = flagGRPCAddr
		}
		if flagHTTPAddr != "" {
			opts.HTTPAddr = flagHTTPAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		obs := observe.NewFormat(os.Stderr, cfg.Log.Format, cfg.Log.Verbose)
		opts.Observer = obs
		f, err := session.Open(ctx, cfg, obs)
		if err != nil {
			_ = obs.Close()
			return err
		}
		f.OnClose(obs.Close)
		defer f.Close()
		return srv.Run(ctx, opts, f)
	},
}

func init() {
	startCmd.Flags().BoolVar(&flagDetach, "detach", false, "Run in background")
	// Hidden internal flag to prevent loop when re-execing for detach
	startCmd.Flags().Bool("no-detach", false, "internal")
	_ = startCmd.Flags().MarkHidden("no-detach")
	startCmd.Flags().StringVar(&flagGRPCAddr, "grpc-addr", "", "gRPC listen address (defaults to config)")
	startCmd.Flags().StringVar(&flagHTTPAddr, "http-addr", "", "HTTP listen address (defaults to config)")
}
