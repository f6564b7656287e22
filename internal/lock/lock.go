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

// Package lock provides a cross-process mutex on a Redis key so that only
// one processor instance runs a cycle at a time.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed holder blocks others.
	DefaultTTL = 10 * time.Minute

	keyPrefix = "orderrelay:lock:"
)

// Only the holder's token may release or extend the key.
const (
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`
	extendScript  = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) end return 0`
)

// client is the subset of redis.Cmdable used here.
type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Mutex is a named Redis lock.
type Mutex struct {
	rdb client
	key string
	ttl time.Duration
}

// NewMutex creates a lock on name.
func NewMutex(rdb redis.Cmdable, name string, ttl time.Duration) *Mutex {
	return newMutex(rdb, name, ttl)
}

func newMutex(rdb client, name string, ttl time.Duration) *Mutex {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Mutex{rdb: rdb, key: keyPrefix + name, ttl: ttl}
}

// Key returns the Redis key guarded by the mutex.
func (m *Mutex) Key() string { return m.key }

// TryLock acquires the lock without waiting. While held, the key's TTL is
// refreshed in the background; unlock stops the refresh and releases it.
func (m *Mutex) TryLock(ctx context.Context) (unlock func(), ok bool, err error) {
	token := uuid.NewString()

	set, err := m.rdb.SetNX(ctx, m.key, token, m.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock SETNX %s: %w", m.key, err)
	}
	if !set {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go m.keepAlive(token, stop, done)

	return func() {
		close(stop)
		<-done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.rdb.Eval(releaseCtx, releaseScript, []string{m.key}, token).Err(); err != nil {
			slog.Warn("failed to release lock", "key", m.key, "error", err)
		}
	}, true, nil
}

func (m *Mutex) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := m.rdb.Eval(ctx, extendScript, []string{m.key}, token, m.ttl.Milliseconds()).Int64()
			cancel()
			switch {
			case err != nil:
				slog.Warn("failed to extend lock", "key", m.key, "error", err)
			case n == 0:
				slog.Error("lock lost before release", "key", m.key)
				return
			}
		}
	}
}
