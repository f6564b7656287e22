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

// Package dispatch delivers formatted payloads to fulfillment teams. It
// composes the MIME message, hands it to a transport with bounded retry, and
// files a copy in the sender's own mailbox.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tpd/orderrelay/internal/models"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// Transport hands a composed message to the outbound mail system.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, msg *Message) error
}

// SentStore files a copy of an accepted message in the sender's mailbox.
type SentStore interface {
	StoreSent(ctx context.Context, msg *Message) error
}

// Config configures a Service.
type Config struct {
	Transport Transport
	From      string

	// SentStore is optional.
	SentStore SentStore

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// SentCopyTimeout bounds the sent-copy call.
	SentCopyTimeout time.Duration

	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

// Service sends payloads with retry.
type Service struct {
	transport       Transport
	from            string
	sent            SentStore
	maxAttempts     int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	sentCopyTimeout time.Duration
	now             func() time.Time
	sleep           func(context.Context, time.Duration) error
}

// New creates a dispatch service.
func New(cfg Config) (*Service, error) {
	if cfg.Transport == nil {
		return nil, errors.New("dispatch: transport is required")
	}
	if cfg.From == "" {
		return nil, errors.New("dispatch: sender address is required")
	}
	s := &Service{
		transport:       cfg.Transport,
		from:            cfg.From,
		sent:            cfg.SentStore,
		maxAttempts:     cfg.MaxAttempts,
		initialBackoff:  cfg.InitialBackoff,
		maxBackoff:      cfg.MaxBackoff,
		sentCopyTimeout: cfg.SentCopyTimeout,
		now:             cfg.Now,
		sleep:           cfg.Sleep,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.initialBackoff <= 0 {
		s.initialBackoff = DefaultInitialBackoff
	}
	if s.maxBackoff <= 0 {
		s.maxBackoff = DefaultMaxBackoff
	}
	if s.sentCopyTimeout <= 0 {
		s.sentCopyTimeout = 30 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	return s, nil
}

// From returns the sender address.
func (s *Service) From() string { return s.from }

// Send delivers payload to recipient. Transient transport errors are retried
// with exponential backoff; permanent errors are returned at once. The
// returned receipt confirms acceptance by the transport.
func (s *Service) Send(ctx context.Context, recipient string, payload models.Payload) (*models.Receipt, error) {
	msg, err := Compose(s.from, recipient, payload, s.now())
	if err != nil {
		return nil, models.Permanent("compose", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
				return nil, fmt.Errorf("dispatch to %s: %w (last error: %v)", recipient, err, lastErr)
			}
		}

		err := s.transport.Deliver(ctx, msg)
		if err == nil {
			receipt := &models.Receipt{
				MessageID:  msg.ID,
				Recipient:  recipient,
				AcceptedAt: s.now(),
				Attempts:   attempt,
			}
			slog.Info("message dispatched",
				"transport", s.transport.Name(),
				"recipient", recipient,
				"message_id", msg.ID,
				"attempt", attempt,
			)
			s.storeSent(ctx, msg)
			return receipt, nil
		}

		lastErr = err
		if models.IsPermanent(err) {
			return nil, fmt.Errorf("dispatch to %s: %w", recipient, err)
		}
		slog.Warn("dispatch attempt failed",
			"transport", s.transport.Name(),
			"recipient", recipient,
			"stage", "dispatch",
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, fmt.Errorf("dispatch to %s failed after %d attempts: %w", recipient, s.maxAttempts, lastErr)
}

// backoff returns the wait before the given attempt (2-based).
func (s *Service) backoff(attempt int) time.Duration {
	d := s.initialBackoff << (attempt - 2)
	if d <= 0 || d > s.maxBackoff {
		return s.maxBackoff
	}
	return d
}

// storeSent files the sent copy. Failures are logged only.
func (s *Service) storeSent(ctx context.Context, msg *Message) {
	if s.sent == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sentCopyTimeout)
	defer cancel()
	if err := s.sent.StoreSent(ctx, msg); err != nil {
		slog.Warn("failed to store sent copy",
			"message_id", msg.ID,
			"recipient", msg.To,
			"error", err,
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
