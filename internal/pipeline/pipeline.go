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

// Package pipeline drives vendor notifications from the inbox to the
// fulfillment teams. Each cycle fetches recent messages, classifies them and
// runs one unit of work per tracked product line: extract, format, dispatch,
// record. The ledger makes every (order, line) pair go out at most once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tpd/orderrelay/internal/classifier"
	"github.com/tpd/orderrelay/internal/formatter"
	"github.com/tpd/orderrelay/internal/ledger"
	"github.com/tpd/orderrelay/internal/logging"
	"github.com/tpd/orderrelay/internal/mailbox"
	"github.com/tpd/orderrelay/internal/models"
)

// DefaultLookback is how far back each cycle lists the inbox.
const DefaultLookback = 24 * time.Hour

// ErrLockHeld is returned by RunOnce when another process holds the cycle
// lock.
var ErrLockHeld = errors.New("cycle lock held by another process")

// Classifier decides which product lines a message carries.
type Classifier interface {
	Classify(msg models.IncomingMessage) classifier.Result
}

// Extractor turns message text into a structured order.
type Extractor interface {
	Extract(ctx context.Context, text string, line models.ProductLine) (*models.ClassifiedOrder, error)
}

// Formatter renders an order into a dispatch payload.
type Formatter interface {
	Format(ctx context.Context, line models.ProductLine, order *models.ClassifiedOrder) (*formatter.Formatted, error)
}

// Locker serialises cycles across processes.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// Notifier is told about every recorded dispatch.
type Notifier interface {
	Notify(ctx context.Context, event models.DispatchEvent) error
}

// Config wires an Orchestrator.
type Config struct {
	Source     mailbox.Source
	Classifier Classifier
	Extractor  Extractor
	Formatter  Formatter
	Sender     ledger.Sender
	Ledger     *ledger.Ledger

	// Recipients maps each tracked line to its fulfillment address. A line
	// without a recipient is skipped.
	Recipients map[models.ProductLine]string

	Lookback     time.Duration
	FetchTimeout time.Duration

	// Locker and Notifier are optional.
	Locker   Locker
	Notifier Notifier

	// Actor is recorded on audit events written by the pipeline.
	Actor string

	Now func() time.Time
}

// Orchestrator runs processing cycles.
type Orchestrator struct {
	source     mailbox.Source
	classifier Classifier
	extractor  Extractor
	formatter  Formatter
	sender     ledger.Sender
	ledger     *ledger.Ledger
	recipients map[models.ProductLine]string

	lookback     time.Duration
	fetchTimeout time.Duration
	locker       Locker
	notifier     Notifier
	actor        string
	now          func() time.Time

	mu      sync.Mutex
	trigger chan struct{}
}

// New validates cfg and creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("pipeline: mailbox source is required")
	case cfg.Classifier == nil:
		return nil, errors.New("pipeline: classifier is required")
	case cfg.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case cfg.Formatter == nil:
		return nil, errors.New("pipeline: formatter is required")
	case cfg.Sender == nil:
		return nil, errors.New("pipeline: sender is required")
	case cfg.Ledger == nil:
		return nil, errors.New("pipeline: ledger is required")
	}

	o := &Orchestrator{
		source:       cfg.Source,
		classifier:   cfg.Classifier,
		extractor:    cfg.Extractor,
		formatter:    cfg.Formatter,
		sender:       cfg.Sender,
		ledger:       cfg.Ledger,
		recipients:   cfg.Recipients,
		lookback:     cfg.Lookback,
		fetchTimeout: cfg.FetchTimeout,
		locker:       cfg.Locker,
		notifier:     cfg.Notifier,
		actor:        cfg.Actor,
		now:          cfg.Now,
		trigger:      make(chan struct{}, 1),
	}
	if o.lookback <= 0 {
		o.lookback = DefaultLookback
	}
	if o.fetchTimeout <= 0 {
		o.fetchTimeout = 2 * time.Minute
	}
	if o.actor == "" {
		o.actor = "pipeline"
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// CycleReport summarises one cycle.
type CycleReport struct {
	CycleID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Since      time.Time
	Fetched    int
	Ignored    int // classified None
	Units      []*Unit
}

// Count returns how many units ended in state.
func (r *CycleReport) Count(state State) int {
	n := 0
	for _, u := range r.Units {
		if u.State == state {
			n++
		}
	}
	return n
}

// Failures returns how many units ended in a failure state.
func (r *CycleReport) Failures() int {
	n := 0
	for _, u := range r.Units {
		if u.State.Failed() {
			n++
		}
	}
	return n
}

// RunOnce runs a single cycle. A mailbox failure is returned as an error
// after logging; unit failures are reported in the CycleReport only.
func (o *Orchestrator) RunOnce(ctx context.Context) (*CycleReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.locker != nil {
		unlock, ok, err := o.locker.TryLock(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire cycle lock: %w", err)
		}
		if !ok {
			return nil, ErrLockHeld
		}
		defer unlock()
	}

	report := &CycleReport{
		CycleID:   uuid.NewString(),
		StartedAt: o.now(),
	}
	report.Since = report.StartedAt.Add(-o.lookback)
	log := slog.With("cycle_id", report.CycleID)

	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	msgs, err := o.source.Fetch(fetchCtx, report.Since)
	cancel()
	if err != nil {
		log.Warn("mailbox fetch failed", "stage", "mailbox", "error", err)
		report.FinishedAt = o.now()
		return report, fmt.Errorf("fetch candidates: %w", err)
	}
	report.Fetched = len(msgs)

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
	})

	for i, msg := range msgs {
		if ctx.Err() != nil {
			log.Info("cycle interrupted", "remaining", len(msgs)-i)
			break
		}

		res := o.classifier.Classify(msg)
		if res.Line == models.LineNone {
			report.Ignored++
			log.Log(ctx, logging.LevelTrace, "message ignored",
				"message_id", msg.ID,
				"subject", msg.Subject,
				"reason", res.Reason,
			)
			continue
		}

		for _, line := range res.Lines() {
			report.Units = append(report.Units, o.processUnit(ctx, log, msg, res, line, report.CycleID))
		}
	}

	report.FinishedAt = o.now()
	log.Info("cycle complete",
		"fetched", report.Fetched,
		"ignored", report.Ignored,
		"recorded", report.Count(StateRecorded),
		"skipped_dispatched", report.Count(StateSkippedDispatched),
		"failures", report.Failures(),
		"elapsed", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, nil
}

func (o *Orchestrator) processUnit(ctx context.Context, log *slog.Logger, msg models.IncomingMessage, res classifier.Result, line models.ProductLine, cycleID string) *Unit {
	u := newUnit(msg.ID, line)
	u.OrderID = res.OrderIDHint
	log = log.With("message_id", msg.ID, "product_line", line)

	recipient := o.recipients[line]
	if recipient == "" {
		log.Warn("no recipient configured for product line", "stage", "classify")
		u.advance(StateSkippedNoRecipient)
		return u
	}

	if res.OrderIDHint != "" {
		if stop := o.checkDispatched(ctx, log, u, res.OrderIDHint); stop {
			return u
		}
	}

	u.advance(StateExtracting)
	order, err := o.extractor.Extract(ctx, res.Text, line)
	if err != nil {
		u.fail(StateExtractionFailed, err)
		log.Error("order extraction failed", "order_id", u.OrderID, "stage", "extraction", "error", err)
		o.audit(ctx, u, ledger.ActionExtractionFailed, err.Error())
		return u
	}
	u.advance(StateExtracted)

	if order.OrderID != res.OrderIDHint {
		if res.OrderIDHint != "" {
			log.Warn("extracted order id differs from subject",
				"order_id", order.OrderID,
				"subject_order_id", res.OrderIDHint,
				"stage", "extraction",
			)
		}
		u.OrderID = order.OrderID
		if stop := o.checkDispatched(ctx, log, u, order.OrderID); stop {
			return u
		}
	}
	log = log.With("order_id", order.OrderID)

	if len(order.ItemsFor(line)) == 0 {
		log.Info("order has no items for product line", "stage", "extraction")
		u.advance(StateSkippedNotActionable)
		return u
	}

	u.advance(StateFormatting)
	formatted, err := o.formatter.Format(ctx, line, order)
	if err != nil {
		u.fail(StateFormatFailed, err)
		log.Error("order formatting failed", "stage", "format", "error", err)
		o.audit(ctx, u, ledger.ActionFormatFailed, err.Error())
		return u
	}
	u.advance(StateFormatted)

	// From here on the unit must reach a terminal state even if the cycle
	// is cancelled; each call below carries its own timeout.
	dctx := context.WithoutCancel(ctx)

	u.advance(StateDispatching)
	receipt, err := o.sender.Send(dctx, recipient, formatted.Payload)
	if err != nil {
		u.fail(StateDispatchFailed, err)
		log.Error("order dispatch failed", "stage", "dispatch", "recipient", recipient, "error", err)
		o.audit(dctx, u, ledger.ActionDispatchFailed, err.Error())
		return u
	}
	u.advance(StateDispatched)

	rec := ledger.Record{
		OrderID:      order.OrderID,
		Line:         line,
		SentTo:       recipient,
		SentAt:       receipt.AcceptedAt,
		CustomerName: order.CustomerName,
		LineItems:    formatted.Order.ItemsFor(line),
		OrderTotal:   order.OrderTotal,
		Snapshot:     formatted.Payload,
	}
	result, err := o.ledger.RecordDispatch(dctx, rec)
	if err != nil {
		u.fail(StateRecordFailed, err)
		log.Error("dispatched order could not be recorded",
			"stage", "record",
			"message_id_sent", receipt.MessageID,
			"error", err,
		)
		o.audit(dctx, u, ledger.ActionDispatched, fmt.Sprintf("sent to %s as %s; record failed: %v", recipient, receipt.MessageID, err))
		return u
	}

	switch result {
	case ledger.Conflict:
		u.advance(StateSkippedConflict)
		log.Warn("order recorded concurrently by another dispatch", "stage", "record")
		o.audit(dctx, u, ledger.ActionDuplicateConflict, fmt.Sprintf("sent to %s as %s after a concurrent dispatch", recipient, receipt.MessageID))
	case ledger.Created:
		u.advance(StateRecorded)
		log.Info("order dispatched", "stage", "record", "recipient", recipient, "attempts", receipt.Attempts)
		o.audit(dctx, u, ledger.ActionDispatched, fmt.Sprintf("sent to %s as %s", recipient, receipt.MessageID))
		o.notify(dctx, log, models.DispatchEvent{
			OrderID:      order.OrderID,
			Line:         line,
			CustomerName: order.CustomerName,
			Recipient:    recipient,
			MessageID:    receipt.MessageID,
			OrderTotal:   order.OrderTotal,
			Items:        len(rec.LineItems),
			DispatchedAt: receipt.AcceptedAt,
			CycleID:      cycleID,
		})
	}
	return u
}

// checkDispatched ends the unit when orderID is already in the ledger or the
// lookup fails. It reports whether the unit stopped.
func (o *Orchestrator) checkDispatched(ctx context.Context, log *slog.Logger, u *Unit, orderID string) bool {
	done, err := o.ledger.IsDispatched(ctx, orderID, u.Line)
	if err != nil {
		u.fail(StateLedgerError, err)
		log.Error("ledger lookup failed", "order_id", orderID, "stage", "dedup", "error", err)
		return true
	}
	if !done {
		return false
	}
	u.advance(StateSkippedDispatched)
	log.Info("order already dispatched, skipping", "order_id", orderID, "stage", "dedup")
	o.audit(ctx, u, ledger.ActionDuplicateSkipped, "already dispatched")
	return true
}

func (o *Orchestrator) audit(ctx context.Context, u *Unit, action ledger.Action, details string) {
	if u.OrderID == "" {
		return
	}
	o.ledger.AppendAudit(ctx, ledger.AuditEvent{
		OrderID: u.OrderID,
		Line:    u.Line,
		Action:  action,
		Actor:   o.actor,
		Details: details,
	})
}

func (o *Orchestrator) notify(ctx context.Context, log *slog.Logger, ev models.DispatchEvent) {
	if o.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.notifier.Notify(nctx, ev); err != nil {
		log.Warn("failed to publish dispatch event", "stage", "notify", "error", err)
	}
}

// Trigger asks a running Run loop for an immediate cycle. It reports false
// when a triggered cycle is already pending.
func (o *Orchestrator) Trigger() bool {
	select {
	case o.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run runs a cycle now and then on every tick or Trigger until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	slog.Info("pipeline started", "interval", interval, "lookback", o.lookback)

	o.runCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pipeline stopped")
			return
		case <-ticker.C:
			o.runCycle(ctx)
		case <-o.trigger:
			slog.Info("manual cycle triggered")
			o.runCycle(ctx)
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context) {
	_, err := o.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrLockHeld):
		slog.Info("cycle skipped, another processor holds the lock")
	default:
		slog.Warn("cycle failed", "error", err)
	}
}
