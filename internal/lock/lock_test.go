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

package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// --- Mock Redis ---

type mockRedis struct {
	mu      sync.Mutex
	values  map[string]string
	setErr  error
	evals   []string
	extends int
}

func newMockRedis() *mockRedis {
	return &mockRedis{values: make(map[string]string)}
}

func (m *mockRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return redis.NewBoolResult(false, m.setErr)
	}
	if _, ok := m.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (m *mockRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evals = append(m.evals, script)
	if m.values[keys[0]] != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch script {
	case releaseScript:
		delete(m.values, keys[0])
	case extendScript:
		m.extends++
	}
	return redis.NewCmdResult(int64(1), nil)
}

func TestTryLock_ExclusiveUntilUnlock(t *testing.T) {
	rdb := newMockRedis()
	a := newMutex(rdb, "cycle", time.Minute)
	b := newMutex(rdb, "cycle", time.Minute)
	ctx := context.Background()

	unlock, ok, err := a.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v", ok, err)
	}
	if _, ok, _ := b.TryLock(ctx); ok {
		t.Fatal("second holder acquired a held lock")
	}

	unlock()
	if _, held := rdb.values[a.Key()]; held {
		t.Error("key still present after unlock")
	}

	unlockB, ok, err := b.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("TryLock after release = %v, %v", ok, err)
	}
	unlockB()
}

func TestTryLock_ReleaseChecksToken(t *testing.T) {
	rdb := newMockRedis()
	m := newMutex(rdb, "cycle", time.Minute)

	unlock, ok, _ := m.TryLock(context.Background())
	if !ok {
		t.Fatal("lock not acquired")
	}
	// Another process took over after expiry.
	rdb.mu.Lock()
	rdb.values[m.Key()] = "someone-else"
	rdb.mu.Unlock()
	unlock()

	if rdb.values[m.Key()] != "someone-else" {
		t.Error("unlock released a lock held by another token")
	}
}

func TestTryLock_ExtendsWhileHeld(t *testing.T) {
	rdb := newMockRedis()
	m := newMutex(rdb, "cycle", 30*time.Millisecond)

	unlock, ok, _ := m.TryLock(context.Background())
	if !ok {
		t.Fatal("lock not acquired")
	}
	time.Sleep(60 * time.Millisecond)
	unlock()

	rdb.mu.Lock()
	defer rdb.mu.Unlock()
	if rdb.extends == 0 {
		t.Error("lock TTL was never extended")
	}
}

func TestTryLock_RedisError(t *testing.T) {
	rdb := newMockRedis()
	rdb.setErr = errors.New("connection refused")
	m := newMutex(rdb, "cycle", time.Minute)

	if _, ok, err := m.TryLock(context.Background()); err == nil || ok {
		t.Errorf("TryLock = %v, %v; want error", ok, err)
	}
}

// TestTryLock_Redis runs against a live server when LOCK_TEST_REDIS_URL is set.
func TestTryLock_Redis(t *testing.T) {
	url := os.Getenv("LOCK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LOCK_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	name := "test-" + time.Now().Format("150405.000000")
	a := NewMutex(rdb, name, time.Minute)
	b := NewMutex(rdb, name, time.Minute)
	ctx := context.Background()

	unlock, ok, err := a.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	if _, ok, _ := b.TryLock(ctx); ok {
		t.Fatal("second holder acquired a held lock")
	}
	unlock()
	if n, _ := rdb.Exists(ctx, a.Key()).Result(); n != 0 {
		t.Error("key still present after unlock")
	}
}
