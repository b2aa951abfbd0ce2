package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"quotedesk/internal/market"
)

// Store is the sqlite journal: an append-only history of published quotes,
// refresh outcomes, engine events and alerts. Nothing in it is loaded back
// into the live snapshot.
type Store struct {
	db *sql.DB
}

type QuoteRecord struct {
	ID        int64   `json:"id"`
	RefreshID string  `json:"refresh_id"`
	TS        int64   `json:"ts"`
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Segment   string  `json:"segment"`
	Current   float64 `json:"current"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	PrevClose float64 `json:"prev_close"`
	ChangePct float64 `json:"change_pct"`
	Volume    int64   `json:"volume"`
	Amount    float64 `json:"amount"`
	CreatedAt string  `json:"created_at"`
}

type RefreshRecord struct {
	ID                  int64  `json:"id"`
	RefreshID           string `json:"refresh_id"`
	TS                  int64  `json:"ts"`
	Source              string `json:"source"`
	OK                  bool   `json:"ok"`
	Instruments         int    `json:"instruments"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Error               string `json:"error,omitempty"`
	CreatedAt           string `json:"created_at"`
}

type AlertRecord struct {
	TS              int64  `json:"ts"`
	Priority        string `json:"priority"`
	GroupName       string `json:"group"`
	Title           string `json:"title"`
	DedupKey        string `json:"dedup_key"`
	MergeKey        string `json:"merge_key"`
	Status          string `json:"status"`
	Channel         string `json:"channel"`
	DingTalkErrCode int    `json:"dingtalk_errcode"`
	DingTalkErrMsg  string `json:"dingtalk_errmsg"`
	PayloadMD       string `json:"payload_md"`
	CreatedAt       string `json:"created_at"`
}

type EventRecord struct {
	ID           int64  `json:"id"`
	TS           int64  `json:"ts"`
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	Code         string `json:"code"`
	GroupName    string `json:"group"`
	Title        string `json:"title"`
	DedupKey     string `json:"dedup_key"`
	MergeKey     string `json:"merge_key"`
	EvidenceJSON string `json:"evidence_json"`
	CreatedAt    string `json:"created_at"`
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = "data/quotedesk.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer connection keeps the pragmas below in effect
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS quote_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			refresh_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			code TEXT NOT NULL,
			name TEXT,
			segment TEXT,
			current REAL,
			open REAL,
			high REAL,
			low REAL,
			prev_close REAL,
			change_pct REAL,
			volume INTEGER,
			amount REAL,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_quote_journal_code_ts ON quote_journal(code, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_quote_journal_refresh ON quote_journal(refresh_id);`,
		`CREATE TABLE IF NOT EXISTS refresh_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			refresh_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			source TEXT,
			ok INTEGER,
			instruments INTEGER,
			consecutive_failures INTEGER,
			error TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_log_ts ON refresh_log(ts);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			priority TEXT,
			group_name TEXT,
			title TEXT,
			dedup_key TEXT,
			merge_key TEXT,
			status TEXT,
			channel TEXT,
			dingtalk_errcode INTEGER,
			dingtalk_errmsg TEXT,
			payload_md TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(dedup_key);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			type TEXT,
			severity TEXT,
			code TEXT,
			group_name TEXT,
			title TEXT,
			dedup_key TEXT,
			merge_key TEXT,
			evidence_json TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_events_code ON events(code);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// InsertQuotes journals one refresh worth of quotes in a single transaction.
func (s *Store) InsertQuotes(ctx context.Context, refreshID string, ts time.Time, insts []market.Instrument) error {
	if s == nil || s.db == nil || len(insts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quotes: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO quote_journal (refresh_id, ts, code, name, segment, current, open, high, low, prev_close, change_pct, volume, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare quotes: %w", err)
	}
	defer stmt.Close()

	createdAt := time.Now().Format(time.RFC3339)
	for _, inst := range insts {
		q := inst.Quote
		if _, err := stmt.ExecContext(ctx,
			refreshID, ts.Unix(), inst.Code, inst.Name, inst.Segment.String(),
			q.Current, q.Open, q.High, q.Low, q.PrevClose, q.ChangePercent(), q.Volume, q.Amount, createdAt,
		); err != nil {
			return fmt.Errorf("insert quote %s: %w", inst.Code, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit quotes: %w", err)
	}
	return nil
}

func (s *Store) QueryQuotes(ctx context.Context, code string, limit int, offset int) ([]QuoteRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	limit, offset = page(limit, offset)
	query := `SELECT id, refresh_id, ts, code, name, segment, current, open, high, low, prev_close, change_pct, volume, amount, created_at
		FROM quote_journal`
	var args []any
	if code != "" {
		query += " WHERE code = ?"
		args = append(args, code)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query quotes: %w", err)
	}
	defer rows.Close()

	var out []QuoteRecord
	for rows.Next() {
		var r QuoteRecord
		if err := rows.Scan(&r.ID, &r.RefreshID, &r.TS, &r.Code, &r.Name, &r.Segment, &r.Current, &r.Open, &r.High, &r.Low, &r.PrevClose, &r.ChangePct, &r.Volume, &r.Amount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows quote: %w", err)
	}
	return out, nil
}

func (s *Store) InsertRefresh(ctx context.Context, r RefreshRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if r.CreatedAt == "" {
		r.CreatedAt = time.Now().Format(time.RFC3339)
	}
	ok := 0
	if r.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_log (refresh_id, ts, source, ok, instruments, consecutive_failures, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RefreshID, r.TS, r.Source, ok, r.Instruments, r.ConsecutiveFailures, r.Error, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refresh: %w", err)
	}
	return nil
}

func (s *Store) QueryRefreshes(ctx context.Context, failedOnly bool, limit int, offset int) ([]RefreshRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	limit, offset = page(limit, offset)
	query := `SELECT id, refresh_id, ts, source, ok, instruments, consecutive_failures, error, created_at FROM refresh_log`
	if failedOnly {
		query += " WHERE ok = 0"
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query refreshes: %w", err)
	}
	defer rows.Close()

	var out []RefreshRecord
	for rows.Next() {
		var r RefreshRecord
		var ok int
		if err := rows.Scan(&r.ID, &r.RefreshID, &r.TS, &r.Source, &ok, &r.Instruments, &r.ConsecutiveFailures, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refresh: %w", err)
		}
		r.OK = ok == 1
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows refresh: %w", err)
	}
	return out, nil
}

func (s *Store) InsertAlert(ctx context.Context, a AlertRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (ts, priority, group_name, title, dedup_key, merge_key, status, channel, dingtalk_errcode, dingtalk_errmsg, payload_md, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TS, a.Priority, a.GroupName, a.Title, a.DedupKey, a.MergeKey, a.Status, a.Channel, a.DingTalkErrCode, a.DingTalkErrMsg, a.PayloadMD, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) QueryAlerts(ctx context.Context, status string, limit int, offset int) ([]AlertRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	limit, offset = page(limit, offset)
	query := `SELECT ts, priority, group_name, title, dedup_key, merge_key, status, channel, dingtalk_errcode, dingtalk_errmsg, payload_md, created_at
		FROM alerts`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var a AlertRecord
		if err := rows.Scan(&a.TS, &a.Priority, &a.GroupName, &a.Title, &a.DedupKey, &a.MergeKey, &a.Status, &a.Channel, &a.DingTalkErrCode, &a.DingTalkErrMsg, &a.PayloadMD, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows alert: %w", err)
	}
	return out, nil
}

func (s *Store) InsertEvent(ctx context.Context, e EventRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (ts, type, severity, code, group_name, title, dedup_key, merge_key, evidence_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TS, e.Type, e.Severity, e.Code, e.GroupName, e.Title, e.DedupKey, e.MergeKey, e.EvidenceJSON, e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func (s *Store) QueryEventsByDate(ctx context.Context, date string, eventType string, limit int, offset int) ([]EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	start, end, err := dateRange(date)
	if err != nil {
		return nil, err
	}
	limit, offset = page(limit, offset)
	query := `SELECT id, ts, type, severity, code, group_name, title, dedup_key, merge_key, evidence_json, created_at
		FROM events WHERE ts >= ? AND ts < ?`
	args := []any{start, end}
	if eventType != "" {
		query += " AND type = ?"
		args = append(args, eventType)
	}
	query += " ORDER BY ts DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Severity, &e.Code, &e.GroupName, &e.Title, &e.DedupKey, &e.MergeKey, &e.EvidenceJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows event: %w", err)
	}
	return out, nil
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// dateRange returns the unix bounds of a trading day in exchange time.
func dateRange(date string) (int64, int64, error) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.FixedZone("CST", 8*3600)
	}
	t, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid date: %q", date)
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.Add(24 * time.Hour)
	return start.Unix(), end.Unix(), nil
}
