/*
Copyright 2025 the ICVSB authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command icvsb runs the benchmarked request client service.
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

	"go.uber.org/zap"

	"github.com/icvsb/icvsb/pkg/config"
	"github.com/icvsb/icvsb/pkg/metrics"
	"github.com/icvsb/icvsb/pkg/provider"
	"github.com/icvsb/icvsb/pkg/registry"
	"github.com/icvsb/icvsb/pkg/server"
	"github.com/icvsb/icvsb/pkg/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "icvsb: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LoggerFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store logs go to their own sink so vendor-call logs and SQL-layer
	// logs stay separable.
	storeLogger, err := buildLogger(cfg.DatabaseLogFile)
	if err != nil {
		return fmt.Errorf("open store log: %w", err)
	}
	defer func() { _ = storeLogger.Sync() }()

	st, err := store.Open(cfg.DatabaseURL, storeLogger.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	reg := registry.New()
	defer reg.StopAll()

	m := metrics.New("icvsb")

	srv, err := server.New(st, reg, provider.Config{
		Deadline:             cfg.ProviderDeadline,
		GoogleAPIKey:         cfg.GoogleAPIKey,
		GoogleEndpoint:       cfg.GoogleEndpoint,
		AzureSubscriptionKey: cfg.AzureSubscriptionKey,
		AzureEndpoint:        cfg.AzureEndpoint,
		AWSRegion:            cfg.AWSRegion,
	}, m, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildLogger writes JSON production logs to the given file, or to stdout
// when the path is empty.
func buildLogger(path string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if path != "" {
		zcfg.OutputPaths = []string{path}
		zcfg.ErrorOutputPaths = []string{path}
	}
	return zcfg.Build()
}
