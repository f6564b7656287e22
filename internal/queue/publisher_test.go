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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tpd/orderrelay/internal/models"
)

type mockList struct {
	mu      sync.Mutex
	pushed  map[string][]string
	pushErr error
}

func (m *mockList) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushErr != nil {
		return redis.NewIntResult(0, m.pushErr)
	}
	if m.pushed == nil {
		m.pushed = make(map[string][]string)
	}
	for _, v := range values {
		m.pushed[key] = append(m.pushed[key], v.(string))
	}
	return redis.NewIntResult(int64(len(m.pushed[key])), nil)
}

func (m *mockList) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func TestNotify_PushesEnvelope(t *testing.T) {
	rdb := &mockList{}
	p := newPublisher(rdb, "")

	at := time.Date(2026, 4, 21, 15, 4, 5, 0, time.UTC)
	err := p.Notify(context.Background(), models.DispatchEvent{
		OrderID:      "43060",
		Line:         models.LineTileWare,
		Recipient:    "cs@example.com",
		MessageID:    "<abc@tileprodepot.com>",
		DispatchedAt: at,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	items := rdb.pushed[DefaultQueue]
	if len(items) != 1 {
		t.Fatalf("pushed %d items to %s", len(items), DefaultQueue)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(items[0]), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != EventDispatched || env.ID == "" || !env.OccurredAt.Equal(at) {
		t.Errorf("envelope = %+v", env)
	}
	var ev models.DispatchEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.OrderID != "43060" || ev.Line != models.LineTileWare {
		t.Errorf("event = %+v", ev)
	}
}

func TestNotify_PushError(t *testing.T) {
	p := newPublisher(&mockList{pushErr: errors.New("READONLY")}, "q")
	if err := p.Notify(context.Background(), models.DispatchEvent{OrderID: "1"}); err == nil {
		t.Error("expected error")
	}
}
