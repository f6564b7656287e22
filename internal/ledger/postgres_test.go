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
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/tpd/orderrelay/internal/models"
)

// openTestPostgres opens the store on an empty schema.
func openTestPostgres(t *testing.T, dsn string) *PostgresStore {
	t.Helper()
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.pool.Exec(ctx, `TRUNCATE dispatches, audit_log`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

// requirePostgres opens the store named by DATABASE_URL. The tests using it
// write under a unique order ID and remove their rows afterwards, so the
// database may be shared.
func requirePostgres(t *testing.T) (*PostgresStore, string) {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	orderID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		s.Delete(context.Background(), orderID)
		s.Close()
	})
	return s, orderID
}

func TestPostgres_SchemaIdempotent(t *testing.T) {
	s, orderID := requirePostgres(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, sampleRecord(orderID, models.LineTileWare)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	again, err := NewPostgresStore(ctx, s.pool)
	if err != nil {
		t.Fatalf("NewPostgresStore on existing schema: %v", err)
	}
	if ok, err := again.Exists(ctx, orderID, models.LineTileWare); err != nil || !ok {
		t.Errorf("Exists after schema re-run = %v, %v; want true", ok, err)
	}
}

func TestPostgres_InsertOnConflictKeepsFirst(t *testing.T) {
	s, orderID := requirePostgres(t)
	ctx := context.Background()
	sentAt := time.Date(2026, 3, 7, 9, 30, 0, 0, time.UTC)

	first := sampleRecord(orderID, models.LineLaticrete)
	first.SentAt, first.CreatedAt = sentAt, sentAt
	res, err := s.Insert(ctx, first)
	if err != nil || res != Created {
		t.Fatalf("first Insert = %v, %v; want created", res, err)
	}

	second := first
	second.SentTo = "other@example.com"
	second.Snapshot = models.Payload{Subject: "replaced"}
	res, err = s.Insert(ctx, second)
	if err != nil || res != Conflict {
		t.Fatalf("second Insert = %v, %v; want conflict", res, err)
	}

	got, err := s.Get(ctx, orderID, models.LineLaticrete)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SentTo != first.SentTo {
		t.Errorf("SentTo = %q, want first writer's %q", got.SentTo, first.SentTo)
	}
	if !got.SentAt.Equal(sentAt) {
		t.Errorf("SentAt = %v, want %v", got.SentAt, sentAt)
	}
	if !reflect.DeepEqual(got.Snapshot, first.Snapshot) {
		t.Errorf("snapshot = %+v, want %+v", got.Snapshot, first.Snapshot)
	}
	if !reflect.DeepEqual(got.LineItems, first.LineItems) {
		t.Errorf("line items = %+v, want %+v", got.LineItems, first.LineItems)
	}

	var subject string
	if err := s.pool.QueryRow(ctx,
		`SELECT snapshot->>'subject' FROM dispatches WHERE order_id = $1 AND product_line = $2`,
		orderID, string(models.LineLaticrete)).Scan(&subject); err != nil {
		t.Fatalf("query jsonb: %v", err)
	}
	if subject != first.Snapshot.Subject {
		t.Errorf("stored subject = %q, want %q", subject, first.Snapshot.Subject)
	}
}
