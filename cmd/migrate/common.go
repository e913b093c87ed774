package migratecmd

import (
	"context"
	"encoding/json"
	"os"

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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
