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
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tpd/orderrelay/internal/models"
)

// PostgresStore keeps the ledger in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and ensures the ledger tables exist.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore creates a store on an existing pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	slog.Info("postgres ledger initialised")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dispatches (
			id            BIGSERIAL PRIMARY KEY,
			order_id      TEXT NOT NULL,
			product_line  TEXT NOT NULL,
			sent_to       TEXT NOT NULL,
			sent_at       TIMESTAMPTZ NOT NULL,
			customer_name TEXT NOT NULL DEFAULT '',
			line_items    JSONB NOT NULL DEFAULT '[]',
			order_total   TEXT NOT NULL DEFAULT '',
			snapshot      JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(order_id, product_line)
		);
		CREATE INDEX IF NOT EXISTS idx_dispatches_sent_at ON dispatches(sent_at);
		CREATE INDEX IF NOT EXISTS idx_dispatches_created_at ON dispatches(created_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			id           BIGSERIAL PRIMARY KEY,
			order_id     TEXT NOT NULL,
			product_line TEXT NOT NULL DEFAULT '',
			action       TEXT NOT NULL,
			actor        TEXT NOT NULL,
			details      TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_key ON audit_log(order_id, product_line);
		CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_log(created_at);
	`)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Exists(ctx context.Context, orderID string, line models.ProductLine) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM dispatches WHERE order_id = $1 AND product_line = $2)
	`, orderID, string(line)).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) (RecordResult, error) {
	items, snapshot, err := encodeContent(rec)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO dispatches
			(order_id, product_line, sent_to, sent_at, customer_name, line_items, order_total, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id, product_line) DO NOTHING
	`, rec.OrderID, string(rec.Line), rec.SentTo, rec.SentAt, rec.CustomerName,
		string(items), rec.OrderTotal, string(snapshot), rec.CreatedAt)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return Conflict, nil
	}
	return Created, nil
}

func (s *PostgresStore) UpdateSent(ctx context.Context, orderID string, line models.ProductLine, sentTo string, sentAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatches SET sent_to = $1, sent_at = $2
		WHERE order_id = $3 AND product_line = $4
	`, sentTo, sentAt, orderID, string(line))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const pgRecordColumns = `id, order_id, product_line, sent_to, sent_at, customer_name,
	line_items, order_total, snapshot, created_at`

func (s *PostgresStore) Get(ctx context.Context, orderID string, line models.ProductLine) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgRecordColumns+`
		FROM dispatches WHERE order_id = $1 AND product_line = $2
	`, orderID, string(line))
	rec, err := scanPGRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) Query(ctx context.Context, f Filter, p Page) ([]Record, int, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Search != "" {
		ph := arg("%" + escapeLike(f.Search) + "%")
		where = append(where, "(order_id ILIKE "+ph+" OR customer_name ILIKE "+ph+")")
	}
	if f.Line != "" {
		where = append(where, "product_line = "+arg(string(f.Line)))
	}
	if !f.Since.IsZero() {
		where = append(where, "sent_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "sent_at < "+arg(f.Until))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispatches`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + pgRecordColumns + ` FROM dispatches` + clause +
		` ORDER BY sent_at DESC, id DESC LIMIT ` + arg(p.Limit) + ` OFFSET ` + arg(p.Offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, orderID string) ([]models.ProductLine, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM dispatches WHERE order_id = $1 RETURNING product_line
	`, orderID)
	if err != nil {
		return nil, err
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ProductLine, error) {
		var line string
		err := row.Scan(&line)
		return models.ProductLine(line), err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i] < lines[j] })
	return lines, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, ev AuditEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (order_id, product_line, action, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.OrderID, string(ev.Line), string(ev.Action), ev.Actor, ev.Details, ev.CreatedAt)
	return err
}

func (s *PostgresStore) History(ctx context.Context, orderID string, line models.ProductLine) ([]AuditEvent, error) {
	query := `SELECT id, order_id, product_line, action, actor, details, created_at
		FROM audit_log WHERE order_id = $1`
	args := []any{orderID}
	if line != "" {
		query += " AND product_line = $2"
		args = append(args, string(line))
	}
	rows, err := s.pool.Query(ctx, query+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (AuditEvent, error) {
		var ev AuditEvent
		var line, action string
		err := row.Scan(&ev.ID, &ev.OrderID, &line, &action, &ev.Actor, &ev.Details, &ev.CreatedAt)
		ev.Line = models.ProductLine(line)
		ev.Action = Action(action)
		return ev, err
	})
}

func (s *PostgresStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	st := &Stats{Since: since, ByLine: map[models.ProductLine]int{}}

	rows, err := s.pool.Query(ctx, `SELECT product_line, COUNT(*) FROM dispatches GROUP BY product_line`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var line string
		var n int
		if err := rows.Scan(&line, &n); err != nil {
			rows.Close()
			return nil, err
		}
		st.ByLine[models.ProductLine(line)] = n
		st.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, product_line, COUNT(*)
		FROM dispatches WHERE created_at >= $1
		GROUP BY day, product_line ORDER BY day, product_line
	`, since)
	if err != nil {
		return nil, err
	}
	st.Daily, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (DayCount, error) {
		var dc DayCount
		var line string
		err := row.Scan(&dc.Day, &line, &dc.Count)
		dc.Line = models.ProductLine(line)
		return dc, err
	})
	if err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE action IN ($1, $2)),
			COUNT(*) FILTER (WHERE action = $3)
		FROM audit_log WHERE created_at >= $4
	`, string(ActionDuplicateSkipped), string(ActionDuplicateConflict), string(ActionResent), since).
		Scan(&st.Duplicates, &st.Resends)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func scanPGRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var line string
	var items, snapshot []byte
	if err := row.Scan(&rec.ID, &rec.OrderID, &line, &rec.SentTo, &rec.SentAt, &rec.CustomerName,
		&items, &rec.OrderTotal, &snapshot, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Line = models.ProductLine(line)
	rec.SentAt = rec.SentAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	if err := decodeContent(&rec, items, snapshot); err != nil {
		return nil, err
	}
	return &rec, nil
}
