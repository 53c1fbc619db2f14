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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/gantry/internal/config"
	"github.com/tombee/gantry/internal/log"
)

// shutdownGrace bounds how long a drain may take once a signal arrives.
const shutdownGrace = 30 * time.Second

// RunOptions configures daemon execution.
type RunOptions struct {
	Version string

	// Config overrides
	ServersFile string
	DBPath      string
	Port        int
}

// Run starts the gateway and blocks until a shutdown signal or a fatal
// error. This is the entry point behind gantryd serve.
func Run(opts RunOptions) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.ServersFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
	}
	if opts.Port > 0 {
		cfg.Port = opts.Port
	}

	g, err := New(cfg, Options{Version: opts.Version})
	if err != nil {
		logger.Error("failed to create gateway", slog.Any("error", err))
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		if err := g.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("gateway error", slog.Any("error", err))
			return fmt.Errorf("gateway error: %w", err)
		}
		return nil
	}
}
