package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"escrow/internal/platform/config"
	"escrow/internal/platform/httpserver"
	"escrow/internal/platform/logger"
)

const shutdownTimeout = 10 * time.Second

// main wires dependencies and runs the HTTP server, the milestone scheduler and
// the audit relay until a signal arrives. Business logic lives in internal
// service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx, cfg)
	if err != nil {
		log.Error("failed to connect backends", "error", err)
		os.Exit(1)
	}
	a, err := build(ctx, cfg, b, log)
	if err != nil {
		log.Error("failed to wire services", "error", err)
		os.Exit(1)
	}
	defer a.close()

	srv := httpserver.New(cfg.Server.Addr, a.handler)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting escrow server", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	if a.relay != nil {
		g.Go(func() error {
			return a.relay.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "error", err)
		a.close()
		os.Exit(1)
	}
	log.Info("server stopped")
}
