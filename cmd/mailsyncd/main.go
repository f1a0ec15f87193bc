// Command mailsyncd runs the offline-first mail synchronization engine as a
// headless daemon: it keeps the local cache current, wakes snoozed threads,
// and replays queued mutations when connectivity returns.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"github.com/nhle/mailsync/internal/connectivity"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
	syncengine "github.com/nhle/mailsync/internal/sync"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to config file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(*configPath, log); err != nil {
		log.Error("mailsyncd failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, log *slog.Logger) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Cache.Enabled {
		log.Info("cache disabled in config, nothing to do")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	token, err := credential.LoadToken(cfg.KeyringService)
	if err != nil {
		return err
	}

	ctx := context.Background()
	gmail, err := remote.NewGmail(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return err
	}

	monitor := connectivity.NewMonitor(true)

	engineCfg := syncengine.DefaultConfig()
	engineCfg.PollInterval = time.Duration(cfg.Sync.PollIntervalSec) * time.Second
	engineCfg.PopulateInterval = time.Duration(cfg.Sync.PopulateIntervalSec) * time.Second
	engineCfg.Queries = cfg.Sync.Queries
	engineCfg.MaxResults = int64(cfg.Sync.MaxResults)
	engineCfg.BatchSize = cfg.Sync.BatchSize
	engineCfg.PopulateBatch = cfg.Sync.PopulateBatch
	engineCfg.MaxCacheBytes = cfg.MaxCacheBytes()

	engine := syncengine.New(s, gmail, monitor, log, engineCfg)
	engine.Start()
	defer engine.Stop()

	log.Info("mailsyncd started",
		"db", cfg.DBPath,
		"poll_interval", engineCfg.PollInterval,
		"cache_budget_bytes", engineCfg.MaxCacheBytes,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case ev := <-engine.Updates():
			log.Debug("threads updated", "kind", int(ev.Kind), "thread", ev.ThreadID)
		case sig := <-sigCh:
			log.Info("shutting down", "signal", sig.String())
			return nil
		}
	}
}
