// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noldarim/pipelinecore/internal/config"
	"github.com/noldarim/pipelinecore/internal/httpapi"
	"github.com/noldarim/pipelinecore/internal/logger"
	"github.com/noldarim/pipelinecore/internal/session/gormstore"
	"github.com/noldarim/pipelinecore/internal/tracing"
	"github.com/noldarim/pipelinecore/pkg/pipeline"
)

func main() {
	cfg, err := config.NewConfig("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("starting pipelinecored")

	store, err := gormstore.Open(&cfg.Session)
	if err != nil {
		mainLog.Error().Err(err).Msg("failed to open session store")
		os.Exit(1)
	}
	defer store.Close()

	registry := pipeline.NewMapRegistry()
	cred := pipeline.NewStaticCredentialProvider(nil)
	invoker := pipeline.NewStepInvoker()

	now := func() int64 { return time.Now().UnixMilli() }

	api := httpapi.New(registry, store, cred, invoker, now, cfg.Fork.Parallelism, cfg.HTTP.AllowedOrigins)

	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Tracing.Enabled {
		shutdownTracer, err := tracing.Setup(ctx, cfg.Tracing)
		if err != nil {
			mainLog.Error().Err(err).Msg("failed to set up tracing")
		} else {
			defer shutdownTracer(context.Background())
			api.WithTracer(tracing.NewTracingListener())
		}
	}

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- api.Serve(ctx, &cfg.HTTP)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("received signal %v, shutting down", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("control plane server error")
		}
	}

	cancel()
	mainLog.Info().Msg("pipelinecored shut down")
}
