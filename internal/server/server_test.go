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


package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeTrigger struct {
	mu      sync.Mutex
	calls   int
	pending bool
}

func (f *fakeTrigger) Trigger() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.pending {
		return false
	}
	f.pending = true
	return true
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestServeHealth(t *testing.T) {
	tests := []struct {
		name     string
		checks   []Check
		wantCode int
		wantBody string
	}{
		{
			name:     "all healthy",
			checks:   []Check{{Name: "ledger", Pinger: fakePinger{}}, {Name: "redis", Pinger: fakePinger{}}},
			wantCode: http.StatusOK,
			wantBody: "healthy",
		},
		{
			name:     "redis down",
			checks:   []Check{{Name: "ledger", Pinger: fakePinger{}}, {Name: "redis", Pinger: fakePinger{err: errors.New("dial tcp: refused")}}},
			wantCode: http.StatusServiceUnavailable,
			wantBody: "redis unhealthy",
		},
		{
			name:     "ledger down",
			checks:   []Check{{Name: "ledger", Pinger: fakePinger{err: errors.New("database is closed")}}},
			wantCode: http.StatusServiceUnavailable,
			wantBody: "ledger unhealthy",
		},
		{
			name:     "nil pinger ignored",
			checks:   []Check{{Name: "redis"}},
			wantCode: http.StatusOK,
			wantBody: "healthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(nil, tt.checks...)
			rr := httptest.NewRecorder()
			h.ServeHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if !strings.Contains(rr.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rr.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestServeCycle_Accepted(t *testing.T) {
	trig := &fakeTrigger{}
	srv := httptest.NewServer(NewHandler(trig).Routes())
	defer srv.Close()

	for i, want := range []string{`"queued":true`, `"queued":false`} {
		resp, err := http.Post(srv.URL+"/cycle", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("request %d: status = %d, want 202", i, resp.StatusCode)
		}
		if !strings.Contains(string(body), want) {
			t.Errorf("request %d: body = %q, want %s", i, body, want)
		}
	}
	if n := trig.count(); n != 2 {
		t.Errorf("Trigger calls = %d, want 2", n)
	}
}

func TestServeCycle_RejectsGet(t *testing.T) {
	trig := &fakeTrigger{}
	rr := httptest.NewRecorder()
	NewHandler(trig).ServeCycle(rr, httptest.NewRequest(http.MethodGet, "/cycle", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
	if n := trig.count(); n != 0 {
		t.Errorf("Trigger called %d times", n)
	}
}

func TestServeCycle_NoPipeline(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHandler(nil).ServeCycle(rr, httptest.NewRequest(http.MethodPost, "/cycle", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ready, err := Serve(ctx, 0, NewHandler(nil))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	<-ready
	cancel()
}
