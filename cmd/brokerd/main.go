// Command brokerd runs the channel storage engine behind an HTTP
// front-end: it loads configuration, opens the data directory (taking
// its advisory lock and recovering any existing channels), serves
// produce/fetch/commit requests, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"chanbroker/internal/channelmap"
	"chanbroker/internal/config"
	"chanbroker/internal/httpapi"
	"chanbroker/internal/logging"
	"chanbroker/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "brokerd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	channels, err := channelmap.OpenDirectory(cfg.DataDir, cfg.SegmentCacheSize, cfg.SegmentMaxSize, log, m)
	if err != nil {
		return fmt.Errorf("open data directory: %w", err)
	}
	defer channels.Close()

	log.Info("server identity", zap.String("server_id", channels.GetUID()))

	srv := httpapi.NewServer(channels, log, cfg.DefaultBatchSize)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-sigCh:
	}

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
