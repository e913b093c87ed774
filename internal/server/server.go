// Package server runs the gRPC session service and the HTTP admin router
// side by side until the context ends.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/flarebyte/redstore/internal/http/admin"
	"github.com/flarebyte/redstore/internal/observe"
	"github.com/flarebyte/redstore/internal/paths"
	"github.com/flarebyte/redstore/internal/server/sessionrpc"
	"github.com/flarebyte/redstore/internal/session"
)

const shutdownTimeout = 10 * time.Second

// Options configures Run.
type Options struct {
	GRPCAddr string
	HTTPAddr string
	PIDPath  string
	Observer *observe.Observer
}

func DefaultPIDPath() string {
	return filepath.Join(paths.Home(), "server.pid")
}

// Handler returns the HTTP surface: the admin router plus the
// Connect-style session endpoints.
func Handler(f *session.Facade) http.Handler {
	r := admin.New(f).Router()
	r.Mount("/"+sessionrpc.ServiceName, (&sessionrpc.Service{Sessions: f}).ConnectHandler())
	return r
}

// Run serves until ctx is done, then stops both servers gracefully.
func Run(ctx context.Context, opts Options, f *session.Facade) error {
	obs := opts.Observer
	if obs == nil {
		obs = observe.Nop()
	}
	if opts.PIDPath != "" {
		if err := writePID(opts.PIDPath); err != nil {
			return err
		}
		defer removePID(opts.PIDPath)
	}

	lis, err := net.Listen("tcp", opts.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	gs := grpc.NewServer()
	(&sessionrpc.Service{Sessions: f}).Register(gs)
	reflection.Register(gs)

	hs := &http.Server{Addr: opts.HTTPAddr, Handler: Handler(f), ReadHeaderTimeout: 10 * time.Second}
	hl, err := net.Listen("tcp", opts.HTTPAddr)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("listen http: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		if err := hs.Serve(hl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	obs.Log().Info().Str("grpc", lis.Addr().String()).Str("http", hl.Addr().String()).Msg("server started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	if err := hs.Shutdown(sctx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	select {
	case <-stopped:
	case <-sctx.Done():
		gs.Stop()
	}
	obs.Log().Info().Msg("server stopped")
	return runErr
}

func writePID(pidPath string) error {
	if _, err := os.Stat(pidPath); err == nil {
		// existing pid file
		return fmt.Errorf("pid file exists: %s", pidPath)
	}
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(pidPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d", os.Getpid())
	return err
}

func removePID(pidPath string) {
	_ = os.Remove(pidPath)
}

func ReadPID(pidPath string) (int, error) {
	b, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(b), "%d", &pid); err != nil {
		return 0, err
	}
	return pid, nil
}

// DetachAttr returns platform-specific attributes to detach a process.
func DetachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
