// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/converge/pkg/logging"
	"github.com/AleutianAI/converge/services/converge/api"
	"github.com/AleutianAI/converge/services/converge/config"
	"github.com/AleutianAI/converge/services/converge/jobs"
	"github.com/AleutianAI/converge/services/converge/storage/badger"
	"github.com/AleutianAI/converge/services/converge/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve [--config converge.yaml]",
		Short: "Serve the job API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd, root, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "converge.yaml", "service configuration file")
	return cmd
}

func serve(ctx context.Context, cmd *cobra.Command, root *rootOptions, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		if cfg.Logging.Level, err = logging.ParseLevel(root.logLevel); err != nil {
			return err
		}
	}
	if root.logJSON {
		cfg.Logging.JSON = true
	}

	logger := logging.New(cfg.Logging)
	defer logger.Close()
	logger.SetDefault()

	cfg.Telemetry.ServiceVersion = version
	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	cfg.Storage.Logger = logger.Slog()
	db, err := badger.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	svc := jobs.NewService(jobs.NewBadgerStore(db),
		jobs.WithJournal(db),
		jobs.WithLogger(logger.Slog().With(slog.String("component", "jobs"))),
	)
	srv, err := api.NewServer(svc, api.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		RateLimit:   cfg.Server.RateLimit,
		Burst:       cfg.Server.Burst,
		Logger:      logger.Slog(),
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "address", cfg.Server.Address, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
