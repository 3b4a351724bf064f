//go:build !test

// Command predict scores one molecule file without starting the HTTP
// service. It reads the same config as the server.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bioact-main/src/internal/config"
	"bioact-main/src/internal/faults"
	"bioact-main/src/internal/gateway"
	"bioact-main/src/internal/result"
)

func main() {
	var configFile, in, out, format string
	flag.StringVar(&configFile, "config", "", "path to config file to load first")
	flag.StringVar(&in, "in", "-", "molecule file, one \"notation identifier\" per line (- for stdin)")
	flag.StringVar(&out, "out", "-", "output file (- for stdout)")
	flag.StringVar(&format, "format", "csv", "output format: csv or json")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	os.Exit(run(configFile, in, out, format))
}

func run(configFile, in, out, format string) int {
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	p, err := gateway.BuildPipeline(cfg, nil)
	if err != nil {
		slog.Error("failed to initialize pipeline", "error", err)
		return 1
	}

	var src io.Reader = os.Stdin
	if in != "-" {
		f, err := os.Open(in)
		if err != nil {
			slog.Error("failed to open input", "path", in, "error", err)
			return 1
		}
		defer f.Close()
		src = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := p.Run(ctx, src)
	if err != nil {
		slog.Error("prediction failed", "kind", faults.KindOf(err), "error", err)
		return 2
	}

	h := result.Header{ID: cfg.Result.IDHeader, Score: cfg.Result.ScoreHeader}
	if err := writeResults(out, format, rep.Predictions, h); err != nil {
		slog.Error("failed to write results", "path", out, "error", err)
		return 1
	}
	slog.Info("scored molecules", "count", len(rep.Predictions), "run_id", rep.RunID)
	return 0
}
