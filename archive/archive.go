// Package archive provides SQLite-backed persistence for finished research reports.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/quill"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a report id is unknown.
var ErrNotFound = errors.New("report not found")

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS reports (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL DEFAULT '',
	topic             TEXT NOT NULL,
	mode              TEXT NOT NULL DEFAULT '',
	outline           TEXT NOT NULL DEFAULT '',
	document          TEXT NOT NULL DEFAULT '',
	warnings_json     TEXT NOT NULL DEFAULT '[]',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at);

CREATE TABLE IF NOT EXISTS report_citations (
	report_id    TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
	citation_id  INTEGER NOT NULL,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	authors_json TEXT NOT NULL DEFAULT '[]',
	year         TEXT NOT NULL DEFAULT '',
	source_name  TEXT NOT NULL DEFAULT '',
	access_date  TEXT NOT NULL DEFAULT '',
	usage_count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (report_id, citation_id)
);

CREATE TABLE IF NOT EXISTS report_turns (
	report_id TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
	seq       INTEGER NOT NULL,
	persona   TEXT NOT NULL,
	round     INTEGER NOT NULL,
	action    TEXT NOT NULL DEFAULT '',
	reasoning TEXT NOT NULL DEFAULT '',
	at        INTEGER NOT NULL,
	PRIMARY KEY (report_id, seq)
);
`

// Report is a finished research run.
type Report struct {
	ID        string
	SessionID string
	Topic     string
	Mode      quill.Mode
	Outline   string
	Document  string
	Warnings  []string
	Usage     quill.TokenUsage
	Citations []quill.Citation
	Turns     []quill.TurnEvent
	CreatedAt time.Time
}

// Summary is the list view of a report.
type Summary struct {
	ID        string
	Topic     string
	Mode      quill.Mode
	Citations int
	CreatedAt time.Time
}

// Store persists reports in a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores r with its citations and turns in one transaction and returns its id.
// An empty ID is generated; a zero CreatedAt is stamped with the current time.
func (s *Store) Save(ctx context.Context, r Report) (string, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	warnings, err := json.Marshal(nonNil(r.Warnings))
	if err != nil {
		return "", fmt.Errorf("encode warnings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	const insertReport = `INSERT INTO reports (id, session_id, topic, mode, outline, document, warnings_json,
	prompt_tokens, completion_tokens, total_tokens, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertReport,
		r.ID,
		r.SessionID,
		r.Topic,
		string(r.Mode),
		r.Outline,
		r.Document,
		string(warnings),
		r.Usage.Prompt,
		r.Usage.Completion,
		r.Usage.Total,
		r.CreatedAt.UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}

	const insertCitation = `INSERT INTO report_citations (report_id, citation_id, url, title, authors_json,
	year, source_name, access_date, usage_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, c := range r.Citations {
		authors, err := json.Marshal(nonNil(c.Authors))
		if err != nil {
			return "", fmt.Errorf("encode authors: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertCitation,
			r.ID, c.ID, c.URL, c.Title, string(authors), c.Year, c.SourceName, c.AccessDate, c.UsageCount,
		); err != nil {
			return "", fmt.Errorf("insert citation %d: %w", c.ID, err)
		}
	}

	const insertTurn = `INSERT INTO report_turns (report_id, seq, persona, round, action, reasoning, at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	for i, t := range r.Turns {
		if _, err := tx.ExecContext(ctx, insertTurn,
			r.ID, i, string(t.Persona), t.Round, string(t.Action), t.Reasoning, t.At.UnixMilli(),
		); err != nil {
			return "", fmt.Errorf("insert turn %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit save: %w", err)
	}
	return r.ID, nil
}

// List returns the most recent reports first. A non-positive limit returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	const q = `SELECT r.id, r.topic, r.mode, r.created_at,
	(SELECT COUNT(*) FROM report_citations c WHERE c.report_id = r.id)
FROM reports r
ORDER BY r.created_at DESC, r.id ASC
LIMIT ?`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var mode string
		var created int64
		if err := rows.Scan(&sum.ID, &sum.Topic, &mode, &created, &sum.Citations); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		sum.Mode = quill.Mode(mode)
		sum.CreatedAt = time.UnixMilli(created)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get loads a report with its citations and turns.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	const q = `SELECT id, session_id, topic, mode, outline, document, warnings_json,
	prompt_tokens, completion_tokens, total_tokens, created_at
FROM reports WHERE id = ?`

	var r Report
	var mode, warnings string
	var created int64
	err := s.db.QueryRowContext(ctx, q, id).Scan(&r.ID, &r.SessionID, &r.Topic, &mode, &r.Outline, &r.Document,
		&warnings, &r.Usage.Prompt, &r.Usage.Completion, &r.Usage.Total, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	r.Mode = quill.Mode(mode)
	r.CreatedAt = time.UnixMilli(created)
	if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings: %w", err)
	}

	if r.Citations, err = s.citations(ctx, id); err != nil {
		return nil, err
	}
	if r.Turns, err = s.turns(ctx, id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) citations(ctx context.Context, id string) ([]quill.Citation, error) {
	const q = `SELECT citation_id, url, title, authors_json, year, source_name, access_date, usage_count
FROM report_citations WHERE report_id = ? ORDER BY citation_id ASC`

	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("list citations: %w", err)
	}
	defer rows.Close()

	var out []quill.Citation
	for rows.Next() {
		var c quill.Citation
		var authors string
		if err := rows.Scan(&c.ID, &c.URL, &c.Title, &authors, &c.Year, &c.SourceName, &c.AccessDate, &c.UsageCount); err != nil {
			return nil, fmt.Errorf("scan citation: %w", err)
		}
		if err := json.Unmarshal([]byte(authors), &c.Authors); err != nil {
			return nil, fmt.Errorf("decode authors: %w", err)
		}
		if len(c.Authors) == 0 {
			c.Authors = nil
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) turns(ctx context.Context, id string) ([]quill.TurnEvent, error) {
	const q = `SELECT persona, round, action, reasoning, at
FROM report_turns WHERE report_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []quill.TurnEvent
	for rows.Next() {
		var t quill.TurnEvent
		var persona, action string
		var at int64
		if err := rows.Scan(&persona, &t.Round, &action, &t.Reasoning, &at); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Persona = quill.Persona(persona)
		t.Action = quill.Action(action)
		t.At = time.UnixMilli(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes a report and everything attached to it.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete report %s: %w", id, ErrNotFound)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
