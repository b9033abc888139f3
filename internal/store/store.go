// Package store is the durable page store. Captured page images, transcripts
// and the small set of session keys needed for status reconciliation live in
// a single SQLite database so they survive process restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Keys in the kv table.
const (
	KeySessionPageCount = "session_page_count"
	KeyLastActivity     = "last_activity"
	KeyBookTitle        = "book_title"
	KeyTotalPages       = "total_pages"
	KeyCaptureSettings  = "capture_settings"
	KeyCumulativeCost   = "cumulative_cost"
)

var (
	// ErrNonContiguous is returned when a page is appended out of order.
	ErrNonContiguous = errors.New("page index is not contiguous")
	// ErrPageNotFound is returned when no page exists at the requested index.
	ErrPageNotFound = errors.New("page not found")
)

// Page is one captured image.
type Page struct {
	Index      int       `json:"index"`
	Image      []byte    `json:"-"`
	MIME       string    `json:"mime"`
	CapturedAt time.Time `json:"captured_at"`
}

// BookMetadata is advisory information scraped from the reader.
type BookMetadata struct {
	Title      string `json:"title"`
	TotalPages int    `json:"total_pages"`
}

// Transcript is the transcription result for one page.
type Transcript struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Failed bool   `json:"failed"`
}

// Store is the SQLite-backed page store.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the store at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; transactions below rely on it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pages (
		idx         INTEGER PRIMARY KEY,
		image       BLOB NOT NULL,
		mime        TEXT NOT NULL DEFAULT 'image/jpeg',
		captured_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcripts (
		idx    INTEGER PRIMARY KEY,
		text   TEXT NOT NULL DEFAULT '',
		failed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Clear removes all pages, transcripts and session keys. The cumulative cost
// survives so spending is tracked across sessions.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		"DELETE FROM pages",
		"DELETE FROM transcripts",
		"DELETE FROM kv WHERE key <> '" + KeyCumulativeCost + "'",
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	return tx.Commit()
}

// AppendPage stores p as the next page. The page index, the session page
// count and the last activity time are written in one transaction. It returns
// the new session page count.
func (s *Store) AppendPage(ctx context.Context, p Page) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(idx) + 1, 0) FROM pages").Scan(&next); err != nil {
		return 0, fmt.Errorf("next index: %w", err)
	}
	if p.Index != next {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrNonContiguous, p.Index, next)
	}

	mime := p.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	at := p.CapturedAt.UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO pages (idx, image, mime, captured_at) VALUES (?, ?, ?, ?)",
		p.Index, p.Image, mime, at,
	); err != nil {
		return 0, fmt.Errorf("insert page: %w", err)
	}

	count := next + 1
	if err := setTx(ctx, tx, KeySessionPageCount, strconv.Itoa(count)); err != nil {
		return 0, err
	}
	if err := setTx(ctx, tx, KeyLastActivity, at); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

// Page returns the page at idx.
func (s *Store) Page(ctx context.Context, idx int) (Page, error) {
	row := s.db.QueryRowContext(ctx, "SELECT idx, image, mime, captured_at FROM pages WHERE idx = ?", idx)
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Page{}, fmt.Errorf("%w: %d", ErrPageNotFound, idx)
	}
	return p, err
}

// LastPage returns the page with the highest index. ok is false when the
// store is empty.
func (s *Store) LastPage(ctx context.Context) (p Page, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, "SELECT idx, image, mime, captured_at FROM pages ORDER BY idx DESC LIMIT 1")
	p, err = scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Page{}, false, nil
	}
	if err != nil {
		return Page{}, false, err
	}
	return p, true, nil
}

// Pages returns all pages in index order.
func (s *Store) Pages(ctx context.Context) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT idx, image, mime, captured_at FROM pages ORDER BY idx")
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// PageCount returns the number of stored pages.
func (s *Store) PageCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPage(sc scanner) (Page, error) {
	var (
		p  Page
		at string
	)
	if err := sc.Scan(&p.Index, &p.Image, &p.MIME, &at); err != nil {
		return Page{}, err
	}
	p.CapturedAt, _ = time.Parse(time.RFC3339Nano, at)
	return p, nil
}

// SessionPageCount returns the persisted page count of the current session.
func (s *Store) SessionPageCount(ctx context.Context) (int, error) {
	v, ok, err := s.get(ctx, KeySessionPageCount)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", KeySessionPageCount, err)
	}
	return n, nil
}

// LastActivity returns the last persisted activity time, or the zero time.
func (s *Store) LastActivity(ctx context.Context) (time.Time, error) {
	v, ok, err := s.get(ctx, KeyLastActivity)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", KeyLastActivity, err)
	}
	return t, nil
}

// Touch records at as the last activity time.
func (s *Store) Touch(ctx context.Context, at time.Time) error {
	return s.set(ctx, KeyLastActivity, at.UTC().Format(time.RFC3339Nano))
}

// SetMetadata persists book metadata.
func (s *Store) SetMetadata(ctx context.Context, m BookMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := setTx(ctx, tx, KeyBookTitle, m.Title); err != nil {
		return err
	}
	if err := setTx(ctx, tx, KeyTotalPages, strconv.Itoa(m.TotalPages)); err != nil {
		return err
	}
	return tx.Commit()
}

// Metadata returns persisted book metadata. Missing keys yield zero values.
func (s *Store) Metadata(ctx context.Context) (BookMetadata, error) {
	var m BookMetadata
	title, _, err := s.get(ctx, KeyBookTitle)
	if err != nil {
		return m, err
	}
	m.Title = title

	total, ok, err := s.get(ctx, KeyTotalPages)
	if err != nil {
		return m, err
	}
	if ok {
		m.TotalPages, _ = strconv.Atoi(total)
	}
	return m, nil
}

// SetJSON stores v as JSON under key.
func (s *Store) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.set(ctx, key, string(data))
}

// GetJSON decodes the JSON value under key into v. ok is false when the key
// is absent.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := s.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// AddCost adds delta to the cumulative cost and returns the new total.
func (s *Store) AddCost(ctx context.Context, delta float64) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", KeyCumulativeCost).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read cost: %w", err)
	}
	total := parseFloat(cur) + delta

	if err := setTx(ctx, tx, KeyCumulativeCost, strconv.FormatFloat(total, 'g', -1, 64)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// Cost returns the cumulative cost.
func (s *Store) Cost(ctx context.Context) (float64, error) {
	v, _, err := s.get(ctx, KeyCumulativeCost)
	if err != nil {
		return 0, err
	}
	return parseFloat(v), nil
}

// ResetCost sets the cumulative cost back to zero.
func (s *Store) ResetCost(ctx context.Context) error {
	return s.set(ctx, KeyCumulativeCost, "0")
}

// PutTranscript stores or replaces the transcript for a page.
func (s *Store) PutTranscript(ctx context.Context, tr Transcript) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (idx, text, failed) VALUES (?, ?, ?)
		ON CONFLICT(idx) DO UPDATE SET text = excluded.text, failed = excluded.failed`,
		tr.Index, tr.Text, tr.Failed,
	)
	if err != nil {
		return fmt.Errorf("put transcript %d: %w", tr.Index, err)
	}
	return nil
}

// Transcripts returns all transcripts in index order.
func (s *Store) Transcripts(ctx context.Context) ([]Transcript, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT idx, text, failed FROM transcripts ORDER BY idx")
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var tr Transcript
		if err := rows.Scan(&tr.Index, &tr.Text, &tr.Failed); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func setTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
