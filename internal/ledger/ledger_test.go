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

package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tpd/orderrelay/internal/models"
)

// storeFactories yields every backend the suite runs against. Postgres runs
// only against the disposable database named by LEDGER_TEST_DATABASE_URL,
// which the suite truncates.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	factories := map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("LEDGER_TEST_DATABASE_URL"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			return openTestPostgres(t, dsn)
		}
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, l *Ledger)) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, New(open(t)))
		})
	}
}

// fixedClock returns a controllable clock for a Ledger.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sampleRecord(orderID string, line models.ProductLine) Record {
	return Record{
		OrderID:      orderID,
		Line:         line,
		SentTo:       "cs@example.com",
		CustomerName: "Jane Doe",
		OrderTotal:   "$130.20",
		LineItems:    []models.LineItem{{Name: "Tee Hook", SKU: "TW-TH", Quantity: 3, Family: line}},
		Snapshot: models.Payload{
			Subject:  "TileWare Order #" + orderID + " - Action Required",
			TextBody: "Hi CS - Please place this order::::",
			HTMLBody: "<p>Hi CS</p>",
			Attachment: &models.Attachment{
				Name: "form.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.7 bytes"),
			},
		},
	}
}

func TestRecordDispatch_CreatedThenConflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		rec := sampleRecord("43060", models.LineTileWare)

		res, err := l.RecordDispatch(ctx, rec)
		if err != nil || res != Created {
			t.Fatalf("first RecordDispatch = %v, %v; want created", res, err)
		}
		before, err := l.Get(ctx, "43060", models.LineTileWare)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}

		changed := rec
		changed.SentTo = "someone-else@example.com"
		changed.CustomerName = "Mallory"
		res, err = l.RecordDispatch(ctx, changed)
		if err != nil || res != Conflict {
			t.Fatalf("second RecordDispatch = %v, %v; want conflict", res, err)
		}

		after, err := l.Get(ctx, "43060", models.LineTileWare)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !reflect.DeepEqual(before, after) {
			t.Errorf("conflict mutated the record:\nbefore %+v\nafter  %+v", before, after)
		}
	})
}

func TestRecordDispatch_IndependentLines(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		for _, line := range models.TrackedLines {
			if res, err := l.RecordDispatch(ctx, sampleRecord("500", line)); err != nil || res != Created {
				t.Fatalf("%s: %v, %v", line, res, err)
			}
		}
		for _, line := range models.TrackedLines {
			ok, err := l.IsDispatched(ctx, "500", line)
			if err != nil || !ok {
				t.Errorf("IsDispatched(%s) = %v, %v", line, ok, err)
			}
		}
	})
}

func TestRecordDispatch_RejectsUntrackedLine(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		if _, err := l.RecordDispatch(context.Background(), sampleRecord("1", models.LineBoth)); err == nil {
			t.Error("expected error for Both")
		}
	})
}

func TestRecordDispatch_ConcurrentSameKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		const workers = 8
		var wg sync.WaitGroup
		results := make(chan RecordResult, workers)
		errs := make(chan error, workers)

		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := l.RecordDispatch(context.Background(), sampleRecord("777", models.LineLaticrete))
				if err != nil {
					errs <- err
					return
				}
				results <- res
			}()
		}
		wg.Wait()
		close(results)
		close(errs)

		for err := range errs {
			t.Errorf("RecordDispatch: %v", err)
		}
		created := 0
		for res := range results {
			if res == Created {
				created++
			}
		}
		if created != 1 {
			t.Errorf("created = %d, want exactly 1", created)
		}
	})
}

func TestGet_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		_, err := l.Get(context.Background(), "nope", models.LineTileWare)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		rec := sampleRecord("900", models.LineLaticrete)
		if _, err := l.RecordDispatch(ctx, rec); err != nil {
			t.Fatal(err)
		}
		got, err := l.Get(ctx, "900", models.LineLaticrete)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got.Snapshot, rec.Snapshot) {
			t.Errorf("snapshot = %+v, want %+v", got.Snapshot, rec.Snapshot)
		}
		if !reflect.DeepEqual(got.LineItems, rec.LineItems) {
			t.Errorf("line items = %+v, want %+v", got.LineItems, rec.LineItems)
		}
	})
}

// --- Resend ---

type recordingSender struct {
	mu       sync.Mutex
	sent     []models.Payload
	to       []string
	err      error
	accepted time.Time
}

func (s *recordingSender) Send(_ context.Context, to string, p models.Payload) (*models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.sent = append(s.sent, p)
	s.to = append(s.to, to)
	return &models.Receipt{MessageID: "<m1@test>", Recipient: to, AcceptedAt: s.accepted}, nil
}

func TestResend_ReusesSnapshot(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		clock := &fixedClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
		l.now = clock.Now

		rec := sampleRecord("43060", models.LineTileWare)
		if _, err := l.RecordDispatch(ctx, rec); err != nil {
			t.Fatal(err)
		}

		clock.Advance(48 * time.Hour)
		sender := &recordingSender{}
		updated, err := l.Resend(ctx, "43060", models.LineTileWare, "admin", sender)
		if err != nil {
			t.Fatalf("Resend: %v", err)
		}

		if len(sender.sent) != 1 || !reflect.DeepEqual(sender.sent[0], rec.Snapshot) {
			t.Errorf("resent payload differs from the stored snapshot: %+v", sender.sent)
		}
		if sender.to[0] != rec.SentTo {
			t.Errorf("resent to %q, want %q", sender.to[0], rec.SentTo)
		}
		if !updated.SentAt.Equal(clock.Now()) {
			t.Errorf("SentAt = %v, want %v", updated.SentAt, clock.Now())
		}

		recs, total, err := l.Query(ctx, Filter{Search: "43060"}, Page{})
		if err != nil {
			t.Fatal(err)
		}
		if total != 1 || len(recs) != 1 {
			t.Errorf("records after resend = %d, want 1", total)
		}

		history, err := l.History(ctx, "43060", models.LineTileWare)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 1 || history[0].Action != ActionResent || history[0].Actor != "admin" {
			t.Errorf("history = %+v", history)
		}
	})
}

func TestResend_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		_, err := l.Resend(context.Background(), "missing", models.LineTileWare, "admin", &recordingSender{})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestResend_FailureKeepsRecord(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		rec := sampleRecord("1", models.LineTileWare)
		if _, err := l.RecordDispatch(ctx, rec); err != nil {
			t.Fatal(err)
		}
		before, _ := l.Get(ctx, "1", models.LineTileWare)

		_, err := l.Resend(ctx, "1", models.LineTileWare, "admin", &recordingSender{err: errors.New("smtp down")})
		if err == nil {
			t.Fatal("expected error")
		}
		after, _ := l.Get(ctx, "1", models.LineTileWare)
		if !after.SentAt.Equal(before.SentAt) {
			t.Error("failed resend changed SentAt")
		}
		history, _ := l.History(ctx, "1", models.LineTileWare)
		if len(history) != 1 || history[0].Action != ActionDispatchFailed {
			t.Errorf("history = %+v", history)
		}
	})
}

// --- Remove ---

func TestRemove_KeepsAudit(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		for _, line := range models.TrackedLines {
			if _, err := l.RecordDispatch(ctx, sampleRecord("42", line)); err != nil {
				t.Fatal(err)
			}
			l.AppendAudit(ctx, AuditEvent{OrderID: "42", Line: line, Action: ActionDispatched, Actor: "pipeline"})
		}

		n, err := l.Remove(ctx, "42", "admin")
		if err != nil || n != 2 {
			t.Fatalf("Remove = %d, %v; want 2", n, err)
		}
		for _, line := range models.TrackedLines {
			if ok, _ := l.IsDispatched(ctx, "42", line); ok {
				t.Errorf("%s still dispatched after remove", line)
			}
		}

		history, err := l.History(ctx, "42", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 4 {
			t.Fatalf("history = %d events, want 4", len(history))
		}
		deleted := 0
		for _, ev := range history {
			if ev.Action == ActionDeleted {
				deleted++
			}
		}
		if deleted != 2 {
			t.Errorf("deleted events = %d, want 2", deleted)
		}

		if _, err := l.Remove(ctx, "42", "admin"); !errors.Is(err, ErrNotFound) {
			t.Errorf("second Remove err = %v, want ErrNotFound", err)
		}

		// The key can be dispatched again after removal.
		if res, err := l.RecordDispatch(ctx, sampleRecord("42", models.LineTileWare)); err != nil || res != Created {
			t.Errorf("re-record = %v, %v", res, err)
		}
	})
}

// --- Query and Stats ---

func TestQuery_FiltersAndPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
		for i := range 5 {
			rec := sampleRecord(fmt.Sprintf("10%d", i), models.LineTileWare)
			rec.SentAt = base.Add(time.Duration(i) * time.Hour)
			if i == 3 {
				rec.Line = models.LineLaticrete
				rec.CustomerName = "Acme Tile_Co"
			}
			if _, err := l.RecordDispatch(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}

		recs, total, err := l.Query(ctx, Filter{}, Page{Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if total != 5 || len(recs) != 2 || recs[0].OrderID != "104" {
			t.Errorf("page 1: total=%d len=%d first=%v", total, len(recs), recs)
		}

		recs, _, _ = l.Query(ctx, Filter{}, Page{Limit: 2, Offset: 4})
		if len(recs) != 1 || recs[0].OrderID != "100" {
			t.Errorf("last page = %+v", recs)
		}

		recs, total, _ = l.Query(ctx, Filter{Line: models.LineLaticrete}, Page{})
		if total != 1 || recs[0].OrderID != "103" {
			t.Errorf("line filter = %+v", recs)
		}

		recs, total, _ = l.Query(ctx, Filter{Search: "acme tile_"}, Page{})
		if total != 1 || recs[0].OrderID != "103" {
			t.Errorf("search by customer = %+v", recs)
		}

		_, total, _ = l.Query(ctx, Filter{Search: "tile%"}, Page{})
		if total != 0 {
			t.Errorf("wildcards in search must be literal, got %d matches", total)
		}

		_, total, _ = l.Query(ctx, Filter{Since: base.Add(2 * time.Hour), Until: base.Add(4 * time.Hour)}, Page{})
		if total != 2 {
			t.Errorf("time window total = %d, want 2", total)
		}
	})
}

func TestStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		clock := &fixedClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
		l.now = clock.Now

		// Outside a 7 day window.
		if _, err := l.RecordDispatch(ctx, sampleRecord("1", models.LineTileWare)); err != nil {
			t.Fatal(err)
		}
		clock.Advance(20 * 24 * time.Hour)

		if _, err := l.RecordDispatch(ctx, sampleRecord("2", models.LineTileWare)); err != nil {
			t.Fatal(err)
		}
		if _, err := l.RecordDispatch(ctx, sampleRecord("2", models.LineLaticrete)); err != nil {
			t.Fatal(err)
		}
		l.AppendAudit(ctx, AuditEvent{OrderID: "2", Line: models.LineTileWare, Action: ActionDuplicateSkipped})
		l.AppendAudit(ctx, AuditEvent{OrderID: "2", Line: models.LineTileWare, Action: ActionDuplicateConflict})
		if _, err := l.Resend(ctx, "2", models.LineLaticrete, "admin", &recordingSender{}); err != nil {
			t.Fatal(err)
		}

		st, err := l.Stats(ctx, 7)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if st.Total != 3 || st.ByLine[models.LineTileWare] != 2 || st.ByLine[models.LineLaticrete] != 1 {
			t.Errorf("totals = %d %v", st.Total, st.ByLine)
		}
		wantDaily := []DayCount{
			{Day: "2026-04-21", Line: models.LineLaticrete, Count: 1},
			{Day: "2026-04-21", Line: models.LineTileWare, Count: 1},
		}
		if !reflect.DeepEqual(st.Daily, wantDaily) {
			t.Errorf("Daily = %+v, want %+v", st.Daily, wantDaily)
		}
		if st.Duplicates != 2 || st.Resends != 1 {
			t.Errorf("duplicates=%d resends=%d, want 2 and 1", st.Duplicates, st.Resends)
		}
	})
}

func TestAppendAudit_WithoutRecord(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		l.AppendAudit(ctx, AuditEvent{OrderID: "55", Line: models.LineLaticrete, Action: ActionExtractionFailed, Details: "missing order_total"})

		history, err := l.History(ctx, "55", models.LineLaticrete)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 1 || history[0].Actor != "system" {
			t.Errorf("history = %+v", history)
		}
	})
}

func TestAppendAudit_SwallowsStoreErrors(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	l := New(s)
	s.Close()

	// Must not panic or return anything.
	l.AppendAudit(context.Background(), AuditEvent{OrderID: "1", Action: ActionDispatched})
}

func TestSQLite_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(s).RecordDispatch(context.Background(), sampleRecord("1", models.LineTileWare)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if ok, _ := New(s).IsDispatched(context.Background(), "1", models.LineTileWare); !ok {
		t.Error("record lost across reopen")
	}
}
