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

// Package formatter renders a ClassifiedOrder into the dispatch payload its
// fulfillment team expects: a plain text order for TileWare, and a filled
// order form attached to a summary message for Laticrete.
package formatter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tpd/orderrelay/internal/models"
)

// Matcher annotates line items with catalog matches.
type Matcher interface {
	Enrich(orderID string, items []models.LineItem) []models.LineItem
}

// Formatted is the outcome of formatting one order for one line.
type Formatted struct {
	Payload models.Payload
	// Order is the order as formatted, with enriched items for Laticrete.
	Order *models.ClassifiedOrder
}

// Config configures a Formatter.
type Config struct {
	// Matcher enriches Laticrete items. Required for the document strategy.
	Matcher Matcher

	// TemplatePath is the Laticrete order form PDF.
	TemplatePath string

	// Fillers is the ordered fill chain. Empty means fields then overlay.
	Fillers []Filler

	// Timeout bounds document generation.
	Timeout time.Duration

	Now func() time.Time
}

// Formatter selects a formatting strategy by product line.
type Formatter struct {
	matcher  Matcher
	template []byte
	chain    Chain
	timeout  time.Duration
	now      func() time.Time
}

// New loads the order form template and builds the fill chain.
func New(cfg Config) (*Formatter, error) {
	f := &Formatter{
		matcher: cfg.Matcher,
		chain:   Chain(cfg.Fillers),
		timeout: cfg.Timeout,
		now:     cfg.Now,
	}
	if len(f.chain) == 0 {
		f.chain = DefaultChain()
	}
	if f.timeout <= 0 {
		f.timeout = 60 * time.Second
	}
	if f.now == nil {
		f.now = time.Now
	}
	if cfg.TemplatePath != "" {
		tpl, err := os.ReadFile(cfg.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("read order form template: %w", err)
		}
		f.template = tpl
	}
	return f, nil
}

// Format renders order for line. Only tracked lines are accepted.
func (f *Formatter) Format(ctx context.Context, line models.ProductLine, order *models.ClassifiedOrder) (*Formatted, error) {
	switch line {
	case models.LineTileWare:
		items := order.ItemsFor(line)
		if len(items) == 0 {
			return nil, fmt.Errorf("order %s has no %s items", order.OrderID, line.DisplayName())
		}
		return &Formatted{Payload: FormatText(order, items), Order: order}, nil
	case models.LineLaticrete:
		return f.formatDocument(ctx, order)
	case models.LineBoth, models.LineNone:
		return nil, fmt.Errorf("cannot format for product line %q", line)
	}
	return nil, fmt.Errorf("unknown product line %q", line)
}

func (f *Formatter) formatDocument(ctx context.Context, order *models.ClassifiedOrder) (*Formatted, error) {
	if f.matcher == nil {
		return nil, fmt.Errorf("no catalog configured for %s orders", models.LineLaticrete.DisplayName())
	}
	if len(f.template) == 0 {
		return nil, fmt.Errorf("no order form template configured")
	}

	items := order.ItemsFor(models.LineLaticrete)
	if len(items) == 0 {
		return nil, fmt.Errorf("order %s has no %s items", order.OrderID, models.LineLaticrete.DisplayName())
	}
	enriched := f.matcher.Enrich(order.OrderID, items)

	formatted := *order
	formatted.LineItems = enriched
	formatted.Line = models.LineLaticrete

	now := f.now()
	data := BuildFormData(&formatted, now)
	if len(enriched) > MaxFormRows {
		slog.Warn("order has more items than the form has rows",
			"order_id", order.OrderID,
			"product_line", models.LineLaticrete,
			"stage", "format",
			"items", len(enriched),
			"rows", MaxFormRows,
		)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	pdf, technique, err := f.chain.Fill(ctx, f.template, data)
	if err != nil {
		return nil, &DocumentGenerationError{OrderID: order.OrderID, Err: err}
	}
	slog.Debug("order form generated",
		"order_id", order.OrderID,
		"technique", technique,
		"bytes", len(pdf),
	)

	payload := DocumentPayload(&formatted, now)
	payload.Attachment = &models.Attachment{
		Name:        fmt.Sprintf("Laticrete_Order_%s.pdf", order.OrderID),
		ContentType: "application/pdf",
		Data:        pdf,
	}
	return &Formatted{Payload: payload, Order: &formatted}, nil
}
