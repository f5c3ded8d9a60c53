package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgelesssys/go-igvm-agent/config"
	"github.com/edgelesssys/go-igvm-agent/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve attestation requests",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().Duration("idle-timeout", 0, "close connections that are idle for this long (0 disables)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	idleTimeout, err := cmd.Flags().GetDuration("idle-timeout")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	log := logrus.NewEntry(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newAgent(ctx, cfg, log)
	if err != nil {
		return err
	}
	listener, err := listen(cfg.Server)
	if err != nil {
		return err
	}

	srv := server.New(a, log, server.Config{
		AllowedUIDs: cfg.Server.AllowedUIDs,
		IdleTimeout: idleTimeout,
	})
	log.WithFields(logrus.Fields{
		"network": cfg.Server.Network,
		"maa":     cfg.MAA.Endpoint,
		"skr":     cfg.SKR.Endpoint,
		"backend": cfg.SKR.Backend,
	}).Info("Starting IGVM agent")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-serveErr; !errors.Is(err, server.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func listen(cfg config.Server) (net.Listener, error) {
	switch cfg.Network {
	case config.NetworkVsock:
		return server.ListenVsock(cfg.Port)
	default:
		return server.ListenUnix(cfg.Address)
	}
}
