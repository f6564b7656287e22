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

// Package ledger is the durable record of dispatched orders. A record is
// keyed by (order id, product line) and is created at most once; every
// decision about an order is also written to an append-only audit log that
// outlives the records themselves.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tpd/orderrelay/internal/models"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("ledger record not found")

// RecordResult is the outcome of RecordDispatch.
type RecordResult int

const (
	// Created means the record was inserted.
	Created RecordResult = iota + 1
	// Conflict means a record for the key already existed; nothing changed.
	Conflict
)

func (r RecordResult) String() string {
	switch r {
	case Created:
		return "created"
	case Conflict:
		return "conflict"
	}
	return fmt.Sprintf("RecordResult(%d)", int(r))
}

// Record is one dispatched (order, line) pair.
type Record struct {
	ID           int64
	OrderID      string
	Line         models.ProductLine
	SentTo       string
	SentAt       time.Time
	CustomerName string
	LineItems    []models.LineItem
	OrderTotal   string
	Snapshot     models.Payload
	CreatedAt    time.Time
}

// Action names an audit event.
type Action string

const (
	ActionDispatched        Action = "dispatched"
	ActionResent            Action = "resent"
	ActionDuplicateSkipped  Action = "duplicate-skipped"
	ActionDuplicateConflict Action = "duplicate-conflict"
	ActionExtractionFailed  Action = "extraction-failed"
	ActionFormatFailed      Action = "format-failed"
	ActionDispatchFailed    Action = "dispatch-failed"
	ActionDeleted           Action = "deleted"
)

// AuditEvent is one append-only audit row. Line is empty when the event is
// not tied to a single line.
type AuditEvent struct {
	ID        int64
	OrderID   string
	Line      models.ProductLine
	Action    Action
	Actor     string
	Details   string
	CreatedAt time.Time
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	// Search matches order id or customer name, case-insensitively.
	Search string
	Line   models.ProductLine
	Since  time.Time
	Until  time.Time
}

// Page selects a window of Query results, newest first.
type Page struct {
	Limit  int
	Offset int
}

// DefaultPageLimit applies when Page.Limit is zero.
const DefaultPageLimit = 50

// DayCount is the number of records first dispatched on Day (YYYY-MM-DD,
// UTC) for one line.
type DayCount struct {
	Day   string
	Line  models.ProductLine
	Count int
}

// Stats summarises ledger activity.
type Stats struct {
	Since      time.Time
	Total      int
	ByLine     map[models.ProductLine]int
	Daily      []DayCount
	Duplicates int
	Resends    int
}

// Store is the persistence behind a Ledger.
type Store interface {
	Exists(ctx context.Context, orderID string, line models.ProductLine) (bool, error)
	// Insert adds rec unless its key exists. It must be atomic with respect
	// to concurrent inserts of the same key.
	Insert(ctx context.Context, rec Record) (RecordResult, error)
	UpdateSent(ctx context.Context, orderID string, line models.ProductLine, sentTo string, sentAt time.Time) error
	Get(ctx context.Context, orderID string, line models.ProductLine) (*Record, error)
	Query(ctx context.Context, f Filter, p Page) ([]Record, int, error)
	// Delete removes every line of orderID and returns the removed lines.
	Delete(ctx context.Context, orderID string) ([]models.ProductLine, error)
	AppendAudit(ctx context.Context, ev AuditEvent) error
	History(ctx context.Context, orderID string, line models.ProductLine) ([]AuditEvent, error)
	Stats(ctx context.Context, since time.Time) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Sender re-dispatches a stored payload.
type Sender interface {
	Send(ctx context.Context, recipient string, payload models.Payload) (*models.Receipt, error)
}

// Ledger implements the ledger operations on top of a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New wraps store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Store exposes the underlying store.
func (l *Ledger) Store() Store { return l.store }

// Close closes the underlying store.
func (l *Ledger) Close() error { return l.store.Close() }

// Ping checks the store connection.
func (l *Ledger) Ping(ctx context.Context) error { return l.store.Ping(ctx) }

// IsDispatched reports whether a record exists for (orderID, line).
func (l *Ledger) IsDispatched(ctx context.Context, orderID string, line models.ProductLine) (bool, error) {
	if err := checkKey(orderID, line); err != nil {
		return false, err
	}
	ok, err := l.store.Exists(ctx, orderID, line)
	if err != nil {
		return false, fmt.Errorf("check dispatched %s/%s: %w", orderID, line, err)
	}
	return ok, nil
}

// RecordDispatch persists a confirmed dispatch. It returns Conflict, without
// modifying anything, when the key was already recorded.
func (l *Ledger) RecordDispatch(ctx context.Context, rec Record) (RecordResult, error) {
	if err := checkKey(rec.OrderID, rec.Line); err != nil {
		return 0, err
	}
	now := l.now().UTC()
	if rec.SentAt.IsZero() {
		rec.SentAt = now
	}
	rec.SentAt = rec.SentAt.UTC()
	rec.CreatedAt = now

	res, err := l.store.Insert(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("record dispatch %s/%s: %w", rec.OrderID, rec.Line, err)
	}
	return res, nil
}

// AppendAudit writes an audit event. Failures are logged and never returned
// so auditing cannot change the outcome of the operation being audited.
func (l *Ledger) AppendAudit(ctx context.Context, ev AuditEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	if ev.Actor == "" {
		ev.Actor = "system"
	}
	if err := l.store.AppendAudit(ctx, ev); err != nil {
		slog.Error("audit append failed",
			"order_id", ev.OrderID,
			"product_line", ev.Line,
			"action", ev.Action,
			"error", err,
		)
	}
}

// Query lists records matching f, newest first, and the total match count.
func (l *Ledger) Query(ctx context.Context, f Filter, p Page) ([]Record, int, error) {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	recs, total, err := l.store.Query(ctx, f, p)
	if err != nil {
		return nil, 0, fmt.Errorf("query ledger: %w", err)
	}
	return recs, total, nil
}

// Get returns the record for (orderID, line) or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, orderID string, line models.ProductLine) (*Record, error) {
	if err := checkKey(orderID, line); err != nil {
		return nil, err
	}
	return l.store.Get(ctx, orderID, line)
}

// History returns the audit trail for (orderID, line), oldest first. An
// empty line returns every event of the order.
func (l *Ledger) History(ctx context.Context, orderID string, line models.ProductLine) ([]AuditEvent, error) {
	events, err := l.store.History(ctx, orderID, line)
	if err != nil {
		return nil, fmt.Errorf("audit history %s: %w", orderID, err)
	}
	return events, nil
}

// Remove deletes every line recorded for orderID and returns how many were
// removed. The audit trail is kept and a deleted event is added per line.
func (l *Ledger) Remove(ctx context.Context, orderID, actor string) (int, error) {
	if orderID == "" {
		return 0, errors.New("order id is required")
	}
	lines, err := l.store.Delete(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("remove %s: %w", orderID, err)
	}
	if len(lines) == 0 {
		return 0, ErrNotFound
	}
	for _, line := range lines {
		l.AppendAudit(ctx, AuditEvent{OrderID: orderID, Line: line, Action: ActionDeleted, Actor: actor})
	}
	slog.Info("ledger records removed", "order_id", orderID, "lines", len(lines), "actor", actor)
	return len(lines), nil
}

// Resend dispatches the stored snapshot for (orderID, line) again, unchanged,
// to the original recipient. It updates the send time and never inserts.
func (l *Ledger) Resend(ctx context.Context, orderID string, line models.ProductLine, actor string, sender Sender) (*Record, error) {
	rec, err := l.Get(ctx, orderID, line)
	if err != nil {
		return nil, err
	}

	receipt, err := sender.Send(ctx, rec.SentTo, rec.Snapshot)
	if err != nil {
		l.AppendAudit(ctx, AuditEvent{
			OrderID: orderID, Line: line, Action: ActionDispatchFailed, Actor: actor,
			Details: "resend: " + err.Error(),
		})
		return nil, fmt.Errorf("resend %s/%s: %w", orderID, line, err)
	}

	sentAt := l.now().UTC()
	if receipt != nil && !receipt.AcceptedAt.IsZero() {
		sentAt = receipt.AcceptedAt.UTC()
	}
	if err := l.store.UpdateSent(ctx, orderID, line, rec.SentTo, sentAt); err != nil {
		return nil, fmt.Errorf("update sent time %s/%s: %w", orderID, line, err)
	}
	rec.SentAt = sentAt

	details := "to " + rec.SentTo
	if receipt != nil && receipt.MessageID != "" {
		details += " message " + receipt.MessageID
	}
	l.AppendAudit(ctx, AuditEvent{OrderID: orderID, Line: line, Action: ActionResent, Actor: actor, Details: details})
	return rec, nil
}

// Stats summarises the ledger over the last days days.
func (l *Ledger) Stats(ctx context.Context, days int) (*Stats, error) {
	if days <= 0 {
		days = 30
	}
	now := l.now().UTC()
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))
	st, err := l.store.Stats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("ledger stats: %w", err)
	}
	return st, nil
}

func checkKey(orderID string, line models.ProductLine) error {
	if orderID == "" {
		return errors.New("order id is required")
	}
	if !line.Tracked() {
		return fmt.Errorf("product line %q cannot key a ledger record", line)
	}
	return nil
}
