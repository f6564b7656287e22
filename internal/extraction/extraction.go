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

// Package extraction turns normalised order text into a ClassifiedOrder by
// calling a structured-extraction backend. The adapter never trusts the
// backend: every response is decoded and validated, and malformed output is
// retried a bounded number of times.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tpd/orderrelay/internal/models"
)

const (
	DefaultMaxAttempts    = 2
	DefaultInitialBackoff = time.Second
	DefaultTimeout        = 60 * time.Second
)

// Request is one completion request to the backend.
type Request struct {
	System string
	Prompt string
}

// Backend completes a prompt and returns the raw model text.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ExtractionValidationError reports that the backend never produced a
// schema-valid order within the attempt budget.
type ExtractionValidationError struct {
	Line     models.ProductLine
	Attempts int
	Err      error
}

func (e *ExtractionValidationError) Error() string {
	return fmt.Sprintf("extraction for %s failed validation after %d attempts: %v", e.Line, e.Attempts, e.Err)
}

func (e *ExtractionValidationError) Unwrap() error { return e.Err }

// Config tunes the adapter.
type Config struct {
	Backend        Backend
	MaxAttempts    int
	InitialBackoff time.Duration

	// Timeout bounds each backend call.
	Timeout time.Duration

	// Limiter paces backend calls; nil disables rate limiting.
	Limiter *rate.Limiter

	Sleep func(context.Context, time.Duration) error
}

// Adapter validates and retries calls to the extraction backend.
type Adapter struct {
	backend        Backend
	maxAttempts    int
	initialBackoff time.Duration
	timeout        time.Duration
	limiter        *rate.Limiter
	sleep          func(context.Context, time.Duration) error
}

// NewAdapter creates an adapter with defaults for unset fields.
func NewAdapter(cfg Config) *Adapter {
	a := &Adapter{
		backend:        cfg.Backend,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		timeout:        cfg.Timeout,
		limiter:        cfg.Limiter,
		sleep:          cfg.Sleep,
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = DefaultMaxAttempts
	}
	if a.initialBackoff <= 0 {
		a.initialBackoff = DefaultInitialBackoff
	}
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}
	if a.sleep == nil {
		a.sleep = sleepCtx
	}
	return a
}

// Extract asks the backend for the order in text, restricted to line.
// Malformed or incomplete responses and transient backend faults are
// retried up to the attempt bound; permanent backend errors are returned
// at once.
func (a *Adapter) Extract(ctx context.Context, text string, line models.ProductLine) (*models.ClassifiedOrder, error) {
	if !line.Tracked() {
		return nil, fmt.Errorf("extraction requires a single tracked line, got %q", line)
	}

	req := buildRequest(text, line)
	var lastErr error
	validationFailures := 0

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := a.initialBackoff * time.Duration(1<<(attempt-2))
			if err := a.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("extraction rate limiter: %w", err)
			}
		}

		raw, err := a.complete(ctx, req)
		if err != nil {
			if models.IsPermanent(err) || ctx.Err() != nil {
				return nil, fmt.Errorf("extraction backend: %w", err)
			}
			lastErr = err
			slog.Warn("extraction backend call failed",
				"product_line", line,
				"stage", "extraction",
				"attempt", attempt,
				"error", err,
			)
			continue
		}

		order, err := decodeOrder(raw, line)
		if err == nil {
			err = validate(order)
		}
		if err != nil {
			validationFailures++
			lastErr = err
			slog.Warn("extraction response rejected",
				"product_line", line,
				"stage", "extraction",
				"attempt", attempt,
				"error", err,
			)
			continue
		}

		return order, nil
	}

	if validationFailures == 0 && lastErr != nil {
		return nil, fmt.Errorf("extraction backend unavailable after %d attempts: %w", a.maxAttempts, lastErr)
	}
	return nil, &ExtractionValidationError{Line: line, Attempts: a.maxAttempts, Err: lastErr}
}

func (a *Adapter) complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.backend.Complete(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !models.IsTransient(err) {
		return "", models.Transient("extraction call", err)
	}
	return raw, err
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
