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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/conductor/internal/config"
	"github.com/tombee/conductor/internal/host"
	"github.com/tombee/conductor/internal/log"
	"github.com/tombee/conductor/internal/wiring"
)

// Version information, injected via ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "path to config file (default: XDG config dir)")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductord %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductord: load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format), AddSource: cfg.Log.AddSource, Output: os.Stderr})
	slog.SetDefault(logger)

	built, err := wiring.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer built.Close()

	h := host.New(built.Engine, wiring.BuiltinRegistry(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()

	logger.Info("conductord started", "sqlite_path", cfg.Durable.SQLitePath, "metrics_addr", cfg.Durable.MetricsAddr)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("host stopped", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
