package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/mnemo/internal/app"
)

const serveLongDesc string = `Run the HTTP service.

Serves POST /v1/chat and its websocket twin, the /memory endpoints,
/healthz, /readyz and /metrics. Stops gracefully on SIGINT or SIGTERM.`

func newServeCmd(c *cli) *cobra.Command {
	var bindAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bindAddr != "" {
				c.cfg.BindAddr = bindAddr
			}
			return c.runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&bindAddr, "addr", "", "Listen address, overrides APP_BIND_ADDR")
	return cmd
}

func (c *cli) runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			c.logger.Warn("cleanup failed", "err", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              c.cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("server listening", "addr", c.cfg.BindAddr, "store", built.Store.Mode(), "agent", built.AgentDetail)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	c.logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	c.logger.Info("shutdown complete")
	return nil
}
