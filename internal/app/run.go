package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/ychat/internal/config"
	"github.com/petervdpas/ychat/internal/metrics"
	"github.com/petervdpas/ychat/internal/storage"
	"github.com/petervdpas/ychat/internal/util"
)

// Frontend drives the client until the user quits or ctx is done.
type Frontend func(ctx context.Context, c *Client) error

type Options struct {
	Dir      string
	CfgPath  string
	Cfg      config.Config
	Frontend Frontend
	Deps     Deps
	Banner   io.Writer // nil = stderr
}

// Run opens the data directory, restores the user and runs the front-end
// next to the config watcher and the optional metrics endpoint. It returns
// when the front-end does.
func Run(ctx context.Context, opt Options) error {
	if opt.Frontend == nil {
		return errors.New("run: no front-end")
	}
	if opt.CfgPath == "" {
		opt.CfgPath = filepath.Join(opt.Dir, config.FileName)
	}
	if err := SetupLogging(opt.Dir, opt.Cfg.Log); err != nil {
		return err
	}
	banner := opt.Banner
	if banner == nil {
		banner = os.Stderr
	}
	logBanner(banner, opt.Dir, opt.CfgPath, opt.Cfg.Server.URL)

	db, err := storage.Open(opt.Dir)
	if err != nil {
		return err
	}
	defer db.Close()

	client := NewClient(opt.Cfg, db, opt.Deps)
	if _, _, err := client.RestoreUser(); err != nil {
		log.Warnf("restore user: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := config.Watch(gctx, opt.CfgPath, func(cfg config.Config) {
			ApplyLogLevels(cfg.Log)
			client.SetConfig(cfg)
		})
		if err != nil {
			// Reloading is optional; keep running without it.
			log.Warnf("config watcher: %v", err)
		}
		return nil
	})

	if addr := opt.Cfg.Metrics.Addr; addr != "" {
		g.Go(func() error { return serveMetrics(gctx, NormalizeLocalAddr(addr)) })
	}

	g.Go(func() error {
		defer cancel()
		return opt.Frontend(gctx, client)
	})

	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("metrics on http://%s/metrics", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
