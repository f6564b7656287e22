// Copyright (c) 2026 John Earle
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


// Order Relay: Processor
//
// Entry point for the order relay pipeline. It:
//  1. Loads configuration from config.yaml
//  2. Opens the order ledger (SQLite or PostgreSQL) and the product catalog
//  3. Connects to the mailbox, the outbound transport and, optionally, Redis
//  4. Runs a processing cycle on every poll interval or manual trigger
//  5. Serves /health and /cycle
//  6. Handles graceful shutdown on SIGTERM/SIGINT
//
// Usage:
//
//	processor [--once] [--since 72h]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tpd/orderrelay/internal/app"
	"github.com/tpd/orderrelay/internal/catalog"
	"github.com/tpd/orderrelay/internal/config"
	"github.com/tpd/orderrelay/internal/lock"
	"github.com/tpd/orderrelay/internal/logging"
	"github.com/tpd/orderrelay/internal/pipeline"
	"github.com/tpd/orderrelay/internal/queue"
	"github.com/tpd/orderrelay/internal/server"
)

func main() {
	// Structured JSON logging until the configured level is known
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// --- CLI Flags ---
	onceFlag := flag.Bool("once", false, "Run a single cycle and exit")
	sinceFlag := flag.Duration("since", 0, "Lookback window override (e.g. 72h to backfill three days)")
	flag.Parse()

	os.Exit(run(*onceFlag, *sinceFlag))
}

// run wires the processor and blocks until shutdown. It returns the process
// exit code so deferred cleanup completes before main exits.
func run(once bool, since time.Duration) int {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}
	logger, err := logging.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		slog.Error("invalid log level", "error", err)
		return 1
	}
	slog.SetDefault(logger)

	lookback := cfg.Lookback
	if since > 0 {
		lookback = since
	}

	slog.Info("starting order relay processor",
		"mailbox", cfg.Mailbox.Provider,
		"transport", cfg.Transport.Provider,
		"ledger", cfg.Ledger.Driver,
		"poll_interval", cfg.PollInterval,
		"lookback", lookback,
		"once", once,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Catalog ---
	cat, err := catalog.Open(cfg.Catalog)
	if err != nil {
		slog.Error("failed to load catalog", "path", cfg.Catalog, "error", err)
		return 1
	}
	slog.Info("catalog loaded", "path", cfg.Catalog, "entries", cat.Len())
	if !once {
		if err := cat.Watch(ctx); err != nil {
			slog.Warn("catalog reload disabled", "error", err)
		}
	}

	// --- Ledger ---
	ldg, err := app.OpenLedger(ctx, cfg.Ledger)
	if err != nil {
		slog.Error("failed to open ledger", "error", err)
		return 1
	}
	defer ldg.Close()

	// --- Mailbox and Transport ---
	clients, err := app.NewClients(ctx, cfg)
	if err != nil {
		slog.Error("failed to authenticate mailbox", "error", err)
		return 1
	}
	source, err := app.NewSource(cfg, clients)
	if err != nil {
		slog.Error("failed to create mailbox source", "error", err)
		return 1
	}
	sender, err := app.NewSender(cfg, clients)
	if err != nil {
		slog.Error("failed to create dispatch service", "error", err)
		return 1
	}

	// --- Extraction and Formatting ---
	extractor, err := app.NewExtractor(cfg.Extraction)
	if err != nil {
		slog.Error("failed to create extraction adapter", "error", err)
		return 1
	}
	fmtr, closeFormatter, err := app.NewFormatter(cfg.Formatter, cat)
	if err != nil {
		slog.Error("failed to create formatter", "error", err)
		return 1
	}
	defer closeFormatter()

	pcfg := pipeline.Config{
		Source:       source,
		Classifier:   app.NewClassifier(cfg.Classifier),
		Extractor:    extractor,
		Formatter:    fmtr,
		Sender:       sender,
		Ledger:       ldg,
		Recipients:   cfg.Recipients,
		Lookback:     lookback,
		FetchTimeout: cfg.FetchTimeout,
	}

	// --- Redis (optional) ---
	checks := []server.Check{{Name: "ledger", Pinger: ldg}}
	rdb, err := app.NewRedis(ctx, cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		return 1
	}
	if rdb != nil {
		defer rdb.Close()

		publisher := queue.NewPublisher(rdb, cfg.Redis.EventsQueue)
		pcfg.Notifier = publisher
		checks = append(checks, server.Check{Name: "redis", Pinger: publisher})

		if cfg.Redis.LockEnabled {
			mu := lock.NewMutex(rdb, "cycle", cfg.Redis.LockTTL)
			pcfg.Locker = mu
			slog.Info("cycle lock enabled", "key", mu.Key(), "ttl", cfg.Redis.LockTTL)
		}
		slog.Info("connected to Redis", "events_queue", cfg.Redis.EventsQueue)
	}

	orch, err := pipeline.New(pcfg)
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		return 1
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if once {
		report, err := orch.RunOnce(ctx)
		if err != nil {
			slog.Error("cycle failed", "error", err)
			return 1
		}
		if n := report.Failures(); n > 0 {
			slog.Warn("cycle finished with failures", "failures", n)
		}
		return 0
	}

	// --- HTTP Server ---
	ready, err := server.Serve(ctx, cfg.Port, server.NewHandler(orch, checks...))
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		return 1
	}
	<-ready

	orch.Run(ctx, cfg.PollInterval)
	slog.Info("processor stopped")
	return 0
}
