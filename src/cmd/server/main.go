//go:build !test

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"bioact-main/src/internal/api"
	"bioact-main/src/internal/config"
	"bioact-main/src/internal/gateway"

	"golang.org/x/sync/errgroup"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "path to config file to load first")
	flag.Parse()

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Warn("unknown log level, using info", "log_level", cfg.LogLevel)
	}

	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		slog.Error("failed to create storage dir", "path", cfg.StorageDir, "error", err)
		os.Exit(1)
	}
	pidPath := filepath.Join(cfg.StorageDir, "bioact.pid")
	if err := acquirePID(pidPath); err != nil {
		slog.Error("failed to acquire pidfile", "path", pidPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := os.Remove(pidPath); err != nil {
			slog.Error("failed to remove pidfile", "path", pidPath, "error", err)
		}
	}()

	// Warn if non-loopback bind without key
	isLoopback := cfg.Server.EffectiveHost == "127.0.0.1" || cfg.Server.EffectiveHost == "localhost" || cfg.Server.EffectiveHost == "::1" || cfg.Server.EffectiveHost == "[::1]"
	if !isLoopback && cfg.Server.Key == "" {
		slog.Warn("binding to non-loopback address without server key; recommend setting config.server.key", "host", cfg.Server.EffectiveHost)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Manifest and model are loaded exactly once here; a bad artifact stops
	// the service before it accepts requests.
	gw, err := gateway.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize prediction service", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	if err := gw.Start(); err != nil {
		slog.Error("failed to schedule housekeeping", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(gw)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown requested")
		return nil
	})

	slog.Info("starting prediction service",
		"addr", cfg.Server.Addr,
		"model", gw.Pipeline.ModelInfo().Name,
		"features", gw.Pipeline.Manifest().Len(),
		"imputation", gw.Pipeline.Imputation(),
	)
	if err := g.Wait(); err != nil {
		slog.Error("server ListenAndServe failed", "error", err)
		gw.Close()
		os.Exit(1)
	}
}

// acquirePID writes the current pid to path, refusing when another live
// process already holds it.
func acquirePID(path string) error {
	if pidBytes, err := os.ReadFile(path); err == nil {
		pidStr := strings.TrimSpace(string(pidBytes))
		if pid, err := strconv.Atoi(pidStr); err == nil && pid > 0 {
			if syscall.Kill(pid, 0) == nil {
				return fmt.Errorf("bioact already running with pid %d", pid)
			}
			// Stale PID: clean up
			if err := os.Remove(path); err != nil {
				slog.Warn("failed to remove stale pidfile", "path", path, "error", err)
			} else {
				slog.Info("cleaned stale pidfile", "pid", pid)
			}
		}
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
