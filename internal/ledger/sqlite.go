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
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tpd/orderrelay/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore keeps the ledger in a SQLite database in WAL mode, so readers
// such as the admin CLI never block the pipeline's writes.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger database: %w", err)
	}
	slog.Info("sqlite ledger opened", "path", path)
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	names, err := fs.Glob(migrationFS, "migrations/*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		var version int
		if _, err := fmt.Sscanf(filepath.Base(name), "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, formatTime(time.Now())); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		slog.Debug("ledger migration applied", "migration", name)
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, orderID string, line models.ProductLine) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dispatches WHERE order_id = ? AND product_line = ?
	`, orderID, string(line)).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) Insert(ctx context.Context, rec Record) (RecordResult, error) {
	items, snapshot, err := encodeContent(rec)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatches
			(order_id, product_line, sent_to, sent_at, customer_name, line_items, order_total, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id, product_line) DO NOTHING
	`, rec.OrderID, string(rec.Line), rec.SentTo, formatTime(rec.SentAt), rec.CustomerName,
		string(items), rec.OrderTotal, string(snapshot), formatTime(rec.CreatedAt))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return Conflict, nil
	}
	return Created, nil
}

func (s *SQLiteStore) UpdateSent(ctx context.Context, orderID string, line models.ProductLine, sentTo string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatches SET sent_to = ?, sent_at = ?
		WHERE order_id = ? AND product_line = ?
	`, sentTo, formatTime(sentAt), orderID, string(line))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const sqliteRecordColumns = `id, order_id, product_line, sent_to, sent_at, customer_name,
	line_items, order_total, snapshot, created_at`

func (s *SQLiteStore) Get(ctx context.Context, orderID string, line models.ProductLine) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteRecordColumns+`
		FROM dispatches WHERE order_id = ? AND product_line = ?
	`, orderID, string(line))
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter, p Page) ([]Record, int, error) {
	var where []string
	var args []any
	if f.Search != "" {
		pattern := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		where = append(where, `(LOWER(order_id) LIKE ? ESCAPE '\' OR LOWER(customer_name) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if f.Line != "" {
		where = append(where, "product_line = ?")
		args = append(args, string(f.Line))
	}
	if !f.Since.IsZero() {
		where = append(where, "sent_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "sent_at < ?")
		args = append(args, formatTime(f.Until))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatches`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteRecordColumns+` FROM dispatches`+clause+`
		ORDER BY sent_at DESC, id DESC LIMIT ? OFFSET ?`, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, orderID string) ([]models.ProductLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM dispatches WHERE order_id = ? RETURNING product_line
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []models.ProductLine
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, models.ProductLine(line))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i] < lines[j] })
	return lines, nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, ev AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (order_id, product_line, action, actor, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.OrderID, string(ev.Line), string(ev.Action), ev.Actor, ev.Details, formatTime(ev.CreatedAt))
	return err
}

func (s *SQLiteStore) History(ctx context.Context, orderID string, line models.ProductLine) ([]AuditEvent, error) {
	query := `SELECT id, order_id, product_line, action, actor, details, created_at
		FROM audit_log WHERE order_id = ?`
	args := []any{orderID}
	if line != "" {
		query += " AND product_line = ?"
		args = append(args, string(line))
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var line, action, created string
		if err := rows.Scan(&ev.ID, &ev.OrderID, &line, &action, &ev.Actor, &ev.Details, &created); err != nil {
			return nil, err
		}
		ev.Line = models.ProductLine(line)
		ev.Action = Action(action)
		if ev.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	st := &Stats{Since: since, ByLine: map[models.ProductLine]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT product_line, COUNT(*) FROM dispatches GROUP BY product_line`)
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

	rows, err = s.db.QueryContext(ctx, `
		SELECT substr(created_at, 1, 10) AS day, product_line, COUNT(*)
		FROM dispatches WHERE created_at >= ?
		GROUP BY day, product_line ORDER BY day, product_line
	`, formatTime(since))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var dc DayCount
		var line string
		if err := rows.Scan(&dc.Day, &line, &dc.Count); err != nil {
			rows.Close()
			return nil, err
		}
		dc.Line = models.ProductLine(line)
		st.Daily = append(st.Daily, dc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN action IN (?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN action = ? THEN 1 ELSE 0 END), 0)
		FROM audit_log WHERE created_at >= ?
	`, string(ActionDuplicateSkipped), string(ActionDuplicateConflict), string(ActionResent),
		formatTime(since)).Scan(&st.Duplicates, &st.Resends)
	if err != nil {
		return nil, err
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*Record, error) {
	var rec Record
	var line, sentAt, items, snapshot, created string
	if err := row.Scan(&rec.ID, &rec.OrderID, &line, &rec.SentTo, &sentAt, &rec.CustomerName,
		&items, &rec.OrderTotal, &snapshot, &created); err != nil {
		return nil, err
	}
	rec.Line = models.ProductLine(line)

	var err error
	if rec.SentAt, err = parseTime(sentAt); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if err := decodeContent(&rec, []byte(items), []byte(snapshot)); err != nil {
		return nil, err
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// encodeContent serialises the line items and payload snapshot.
func encodeContent(rec Record) (items, snapshot []byte, err error) {
	if rec.LineItems == nil {
		rec.LineItems = []models.LineItem{}
	}
	if items, err = json.Marshal(rec.LineItems); err != nil {
		return nil, nil, fmt.Errorf("encode line items: %w", err)
	}
	if snapshot, err = json.Marshal(rec.Snapshot); err != nil {
		return nil, nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return items, snapshot, nil
}

func decodeContent(rec *Record, items, snapshot []byte) error {
	if err := json.Unmarshal(items, &rec.LineItems); err != nil {
		return fmt.Errorf("decode line items: %w", err)
	}
	if err := json.Unmarshal(snapshot, &rec.Snapshot); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}
