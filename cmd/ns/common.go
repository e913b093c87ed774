package nscmd

import (
	"context"
	"os"
	"time"

	cfgpkg "github.com/flarebyte/redstore/internal/config"
	"github.com/flarebyte/redstore/internal/observe"
	"github.com/flarebyte/redstore/internal/session"
)

func openFacade(ctx context.Context) (*session.Facade, error) {
	cfg, err := cfgpkg.Load()
	if err != nil {
		return nil, err
	}
	obs := observe.NewFormat(os.Stderr, cfg.Log.Format, cfg.Log.Verbose)
	f, err := session.Open(ctx, cfg, obs)
	if err != nil {
		_ = obs.Close()
		return nil, err
	}
	f.OnClose(obs.Close)
	return f, nil
}

func timeOrDash(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func short(token string) string {
	if len(token) > 16 {
		return token[:16]
	}
	return token
}
