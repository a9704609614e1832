// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wiring builds a pkg/durable.Engine from internal/config
// settings, so the CLI and the host daemon construct their drivers and
// observability stack identically instead of duplicating the wiring
// logic at each entrypoint.
package wiring

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/conductor/internal/config"
	"github.com/tombee/conductor/pkg/durable"
	"github.com/tombee/conductor/pkg/durable/redisqueue"
	"github.com/tombee/conductor/pkg/durable/sqlitestore"
	"github.com/tombee/conductor/pkg/observability"
)

// Built holds a constructed Engine plus everything that needs an
// orderly shutdown.
type Built struct {
	Engine *durable.Engine
	Close  func() error
}

// Build constructs an Engine from cfg.Durable: a sqlitestore.Store for
// persistence, a redisqueue.Queue for messages when RedisAddr is set
// (otherwise durable.LocalQueue), a durable.LogNotifier, and — when
// cfg.Durable.TracingEnabled or MetricsAddr is set — an
// observability-backed Telemetry.
func Build(cfg *config.Config, logger *slog.Logger) (*Built, error) {
	store, err := sqlitestore.Open(sqlitestore.Config{
		Path:               cfg.Durable.SQLitePath,
		WorkerPollInterval: cfg.Durable.WorkerPollInterval(),
	})
	if err != nil {
		return nil, fmt.Errorf("wiring: open sqlite store: %w", err)
	}

	var (
		messages durable.MessageDriver = durable.LocalQueue{}
		closers  []func() error
	)
	closers = append(closers, store.Close)

	if cfg.Durable.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Durable.RedisAddr,
			Password: cfg.Durable.RedisPassword,
		})
		messages = redisqueue.New(client)
		closers = append(closers, client.Close)
	}

	engine := durable.NewEngine(store, messages, durable.LogNotifier{Logger: logger}, logger)

	telemetry, telemetryClosers, err := buildTelemetry(cfg, logger)
	if err != nil {
		return nil, err
	}
	engine.Telemetry = telemetry
	closers = append(closers, telemetryClosers...)

	return &Built{
		Engine: engine,
		Close: func() error {
			var firstErr error
			for _, c := range closers {
				if err := c(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}, nil
}

// buildTelemetry builds a single OTelProvider (tracing and metrics share
// it, as they share a resource) whenever either TracingEnabled or
// MetricsAddr asks for observability, and serves the Prometheus-exported
// meter readings over HTTP when MetricsAddr is set.
func buildTelemetry(cfg *config.Config, logger *slog.Logger) (*durable.Telemetry, []func() error, error) {
	if !cfg.Durable.TracingEnabled && cfg.Durable.MetricsAddr == "" {
		return nil, nil, nil
	}

	provider, err := observability.NewOTelProvider("conductor", os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("wiring: build tracer provider: %w", err)
	}
	closers := []func() error{func() error { return provider.Shutdown(context.Background()) }}

	if cfg.Durable.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", provider.MetricsHandler())
		srv := &http.Server{Addr: cfg.Durable.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		closers = append(closers, func() error { return srv.Close() })
	}

	return durable.NewTelemetry(provider, provider.Meter("conductor.durable")), closers, nil
}
