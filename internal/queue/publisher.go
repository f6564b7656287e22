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

// Package queue publishes dispatch events to a Redis list for downstream
// consumers such as reporting or ERP sync workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tpd/orderrelay/internal/models"
)

// DefaultQueue is the list events are pushed to.
const DefaultQueue = "orderrelay:dispatches"

// EventDispatched is the envelope type of a recorded dispatch.
const EventDispatched = "order.dispatched"

type pusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Publisher pushes events onto a Redis list. Consumers BRPOP the other end.
type Publisher struct {
	rdb       pusher
	queueName string
}

// NewPublisher creates a publisher targeting queueName.
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	return newPublisher(rdb, queueName)
}

func newPublisher(rdb pusher, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{rdb: rdb, queueName: queueName}
}

// Envelope wraps every published event.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Notify publishes a dispatch event.
func (p *Publisher) Notify(ctx context.Context, event models.DispatchEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal dispatch event: %w", err)
	}

	env := Envelope{
		ID:         uuid.New().String(),
		Type:       EventDispatched,
		OccurredAt: event.DispatchedAt.UTC(),
		Data:       data,
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(msg)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published dispatch event",
		"event_id", env.ID,
		"order_id", event.OrderID,
		"product_line", event.Line,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
