// Command leech downloads a single torrent from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/riverrun/leech/internal/config"
	"github.com/riverrun/leech/internal/logging"
	"github.com/riverrun/leech/internal/metrics"
	"github.com/riverrun/leech/internal/session"
)

func main() {
	setupLogger()

	torrentPath := flag.String("torrent", "", "path to a .torrent file (required)")
	downloadDir := flag.String("download-dir", "", "override the configured download directory")
	configPath := flag.String("config", "", "path to a YAML config file overriding defaults")
	flag.Parse()

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "usage: leech -torrent <file> [-download-dir <dir>] [-config <file>]")
		os.Exit(2)
	}

	if err := config.Init(); err != nil {
		slog.Error("failed to initialize config", "error", err)
		os.Exit(1)
	}
	if *configPath != "" {
		if err := config.LoadFile(*configPath); err != nil {
			slog.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
	}
	if *downloadDir != "" {
		config.Update(func(c *config.Config) { c.DownloadDir = *downloadDir })
	}

	data, err := os.ReadFile(*torrentPath)
	if err != nil {
		slog.Error("failed to read torrent file", "path", *torrentPath, "error", err)
		os.Exit(1)
	}

	sess, err := session.New(data, slog.Default())
	if err != nil {
		slog.Error("failed to build session", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg := config.Load(); cfg.MetricsEnabled {
		startMetricsServer(ctx, cfg.MetricsBindAddr, sess)
	}

	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("session ended with error", "error", err)
		os.Exit(1)
	}
}

func startMetricsServer(ctx context.Context, addr string, sess *session.Session) {
	reg := prometheus.NewRegistry()
	sess.SetMetrics(metrics.NewRegistry(reg))

	srv := &http.Server{
		Addr:    addr,
		Handler: metrics.NewServer(reg, func() any { return sess.Stats() }),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false
	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
