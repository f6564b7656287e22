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


// Package app builds the shared runtime components from configuration for
// the processor and the admin CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"

	"github.com/tpd/orderrelay/internal/catalog"
	"github.com/tpd/orderrelay/internal/classifier"
	"github.com/tpd/orderrelay/internal/config"
	"github.com/tpd/orderrelay/internal/dispatch"
	"github.com/tpd/orderrelay/internal/extraction"
	"github.com/tpd/orderrelay/internal/formatter"
	"github.com/tpd/orderrelay/internal/ledger"
	"github.com/tpd/orderrelay/internal/mailbox"
)

// Clients holds the authenticated API clients the configuration needs.
// Unused providers stay nil.
type Clients struct {
	Graph *http.Client
	Gmail *gmail.Service
}

// NewClients authenticates against the configured mailbox provider.
func NewClients(ctx context.Context, cfg *config.Config) (*Clients, error) {
	c := &Clients{}
	switch cfg.Mailbox.Provider {
	case config.ProviderGraph:
		g := cfg.Mailbox.Graph
		client, err := mailbox.NewGraphClient(ctx, mailbox.GraphCredentials{
			TenantID:     g.TenantID,
			ClientID:     g.ClientID,
			ClientSecret: g.ClientSecret,
		})
		if err != nil {
			return nil, err
		}
		c.Graph = client
	case config.ProviderGmail:
		srv, err := mailbox.NewGmailService(ctx, cfg.Mailbox.Gmail.CredentialsPath, cfg.Mailbox.Gmail.TokenPath)
		if err != nil {
			return nil, err
		}
		c.Gmail = srv
	default:
		return nil, fmt.Errorf("unsupported mailbox provider %q", cfg.Mailbox.Provider)
	}
	return c, nil
}

// NewSource returns the inbound mail source.
func NewSource(cfg *config.Config, c *Clients) (mailbox.Source, error) {
	m := cfg.Mailbox
	switch {
	case c.Graph != nil:
		return mailbox.NewGraphSource(mailbox.GraphConfig{
			HTTPClient:         c.Graph,
			Mailbox:            m.Graph.User,
			PageSize:           m.PageSize,
			PageDelay:          500 * time.Millisecond,
			MaxPages:           m.MaxPages,
			Timeout:            m.Timeout,
			IncludeAttachments: m.IncludeAttachments,
		}), nil
	case c.Gmail != nil:
		return mailbox.NewGmailSource(mailbox.GmailConfig{
			Service:            c.Gmail,
			Query:              m.Gmail.Query,
			PageSize:           int64(m.PageSize),
			Timeout:            m.Timeout,
			IncludeAttachments: m.IncludeAttachments,
		}), nil
	}
	return nil, fmt.Errorf("no mailbox client configured")
}

// NewSender builds the dispatch service with its transport and the
// optional sent-copy store.
func NewSender(cfg *config.Config, c *Clients) (*dispatch.Service, error) {
	t := cfg.Transport

	var transport dispatch.Transport
	switch t.Provider {
	case config.ProviderSMTP:
		transport = dispatch.NewSMTPTransport(dispatch.SMTPConfig{
			Host:     t.SMTP.Host,
			Port:     t.SMTP.Port,
			Username: t.SMTP.Username,
			Password: t.SMTP.Password,
			Timeout:  t.Timeout,
		})
	case config.ProviderGraph:
		if c.Graph == nil {
			return nil, fmt.Errorf("graph transport requires graph credentials")
		}
		transport = dispatch.NewGraphTransport(dispatch.GraphConfig{
			HTTPClient: c.Graph,
			Mailbox:    cfg.Mailbox.Graph.User,
			Timeout:    t.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported transport %q", t.Provider)
	}

	var sent dispatch.SentStore
	if t.SaveSentCopy {
		switch {
		case c.Graph != nil:
			sent = mailbox.NewGraphSentStore(c.Graph, "", cfg.Mailbox.Graph.User, t.Timeout)
		case c.Gmail != nil:
			sent = mailbox.NewGmailSentStore(c.Gmail)
		}
	}

	return dispatch.New(dispatch.Config{
		Transport:       transport,
		From:            t.From,
		SentStore:       sent,
		MaxAttempts:     t.MaxAttempts,
		InitialBackoff:  t.InitialBackoff,
		MaxBackoff:      t.MaxBackoff,
		SentCopyTimeout: t.Timeout,
	})
}

// OpenLedger opens the configured ledger store.
func OpenLedger(ctx context.Context, cfg config.LedgerConfig) (*ledger.Ledger, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := ledger.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		slog.Info("ledger opened", "driver", cfg.Driver)
		return ledger.New(store), nil
	case config.DriverSQLite:
		store, err := ledger.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("ledger opened", "driver", cfg.Driver, "path", store.Path())
		return ledger.New(store), nil
	}
	return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
}

// NewRedis connects to Redis, or returns nil when no URL is configured.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

// NewClassifier builds the vendor classifier.
func NewClassifier(cfg config.ClassifierConfig) *classifier.Classifier {
	return classifier.New(classifier.Config{
		AllowedSenders: cfg.AllowedSenders,
		SubjectMarker:  cfg.SubjectMarker,
		BodyMarker:     cfg.BodyMarker,
	})
}

// NewExtractor builds the extraction adapter over the Anthropic backend.
func NewExtractor(cfg config.ExtractionConfig) (*extraction.Adapter, error) {
	backend, err := extraction.NewAnthropicBackend(extraction.AnthropicConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1)
	}
	return extraction.NewAdapter(extraction.Config{
		Backend:        backend,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		Timeout:        cfg.Timeout,
		Limiter:        limiter,
	}), nil
}

// NewFormatter builds the formatter and its fill chain. The returned
// cleanup stops the headless browser when rendering is enabled.
func NewFormatter(cfg config.FormatterConfig, matcher *catalog.Catalog) (*formatter.Formatter, func(), error) {
	chain := formatter.DefaultChain()
	cleanup := func() {}
	if cfg.Render.Enabled {
		r := formatter.NewRenderFiller(formatter.RenderConfig{
			RemoteURL: cfg.Render.RemoteURL,
			NoSandbox: cfg.Render.NoSandbox,
			Timeout:   cfg.Timeout,
		})
		chain = append(chain, r)
		cleanup = r.Close
	}

	f, err := formatter.New(formatter.Config{
		Matcher:      matcher,
		TemplatePath: cfg.TemplatePath,
		Fillers:      chain,
		Timeout:      cfg.Timeout,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return f, cleanup, nil
}
