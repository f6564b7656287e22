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


// Order Relay: Admin CLI
//
// Inspects and maintains the order ledger: list and search dispatched
// orders, show their audit trail, resend a stored snapshot, remove a record
// so the pipeline reprocesses the order, and summarise activity.
//
// Usage:
//
//	orderctl list [--search text] [--line tileware|laticrete] [--since 168h]
//	orderctl show <order-id> [--line laticrete] [--history] [--content]
//	orderctl check <order-id> --line tileware
//	orderctl resend <order-id> --line laticrete
//	orderctl delete <order-id> --force
//	orderctl stats [--days 30]
package main

import (
	"context"
	"log/slog"
	"os"
	"os/user"

	"github.com/tpd/orderrelay/internal/app"
	"github.com/tpd/orderrelay/internal/config"
	"github.com/tpd/orderrelay/internal/ledger"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	e := &env{
		actor:      "orderctl:" + currentUser(),
		openLedger: openLedger,
		openSender: openSender,
	}
	defer e.close()

	if err := newRootCmd(e).Execute(); err != nil {
		e.close()
		os.Exit(1)
	}
}

func openLedger(ctx context.Context) (*ledger.Ledger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.OpenLedger(ctx, cfg.Ledger)
}

func openSender(ctx context.Context) (ledger.Sender, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	clients, err := app.NewClients(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app.NewSender(cfg, clients)
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}
