// Package main is the qlink-bridge entrypoint: load config, build the
// Bridge, run its Supervisor and HTTP surface until signaled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/bridge"
	"github.com/qlinkbridge/qlink-bridge/internal/config"
	"github.com/qlinkbridge/qlink-bridge/internal/httpapi"
	"github.com/qlinkbridge/qlink-bridge/internal/logging"
	"github.com/qlinkbridge/qlink-bridge/internal/metrics"
)

func main() {
	configPath := flag.String("config", "/etc/qlink-bridge/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.New(cfg.Logging)
	defer closer.Close()

	var observer *metrics.Observer
	if cfg.Metrics.Enabled {
		observer = metrics.NewObserver(metrics.NewRegistry())
	}

	b, err := bridge.New(cfg, logger, observer)
	if err != nil {
		logger.Error("building bridge", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	go b.Queue.Run(ctx)

	sv := bridge.NewSupervisor(b, logger)
	go sv.Run(ctx)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: httpapi.NewRouter(b, observer, logger),
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
}
