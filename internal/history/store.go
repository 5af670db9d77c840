// Package history keeps an append-only log of finished runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

// ErrNotFound is returned when a run id has no history entry.
var ErrNotFound = errors.New("run not found")

// DefaultLimit bounds List when no limit is given.
const DefaultLimit = 50

// Entry is one finished run.
type Entry struct {
	RunID             string         `json:"run_id"`
	State             string         `json:"state"`
	Message           string         `json:"message,omitempty"`
	Error             string         `json:"error,omitempty"`
	ErrorKind         string         `json:"error_kind,omitempty"`
	Generator         string         `json:"generator,omitempty"`
	Records           int64          `json:"records"`
	Size              int64          `json:"size"`
	StartedAt         time.Time      `json:"started_at"`
	EndedAt           time.Time      `json:"ended_at"`
	DurationMS        int64          `json:"duration_ms"`
	Config            map[string]any `json:"config,omitempty"`
	ConfigFingerprint string         `json:"config_fingerprint,omitempty"`
}

// EntryFrom builds an entry from a terminal control record.
func EntryFrom(c *protocol.Control) Entry {
	e := Entry{
		RunID:   c.RunID,
		State:   c.State,
		Message: c.Message,
		Error:   c.Error,
		Records: c.Records,
		Size:    c.Size,
		Config:  c.Config,
	}
	if g, ok := c.Config[config.OptGenerator].(string); ok {
		e.Generator = g
	}
	if c.Start != nil {
		e.StartedAt = c.Start.UTC()
	}
	if c.End != nil {
		e.EndedAt = c.End.UTC()
	}
	if c.Start != nil && c.End != nil {
		e.DurationMS = c.End.Sub(*c.Start).Milliseconds()
	}
	if c.Config != nil {
		e.ConfigFingerprint = config.Fingerprint(c.Config)
	}
	return e
}

// Store reads and writes run_log.
type Store struct {
	db *sql.DB
}

// NewStore wraps a database bootstrapped by storage.OpenSQLite.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends a finished run. Recording the same run id twice keeps the
// latest entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.RunID == "" {
		return fmt.Errorf("run id is empty")
	}

	var cfg any
	if e.Config != nil {
		b, err := json.Marshal(e.Config)
		if err != nil {
			return fmt.Errorf("encode run config: %w", err)
		}
		cfg = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO run_log(
  run_id, state, message, error, error_kind, generator, records, size,
  started_at, ended_at, duration_ms, config, config_fingerprint
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.RunID, e.State, nullable(e.Message), nullable(e.Error), nullable(e.ErrorKind), nullable(e.Generator),
		e.Records, e.Size, e.StartedAt.Format(time.RFC3339Nano), e.EndedAt.Format(time.RFC3339Nano),
		e.DurationMS, cfg, nullable(e.ConfigFingerprint))
	if err != nil {
		return fmt.Errorf("insert run_log: %w", err)
	}
	return nil
}

// SetErrorKind classifies a failed run after the fact.
func (s *Store) SetErrorKind(ctx context.Context, runID, kind string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE run_log SET error_kind = ? WHERE run_id = ?;`, kind, runID)
	if err != nil {
		return fmt.Errorf("update run_log: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectColumns = `run_id, state, message, error, error_kind, generator, records, size,
  started_at, ended_at, duration_ms, config, config_fingerprint`

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+selectColumns+`
FROM run_log
ORDER BY ended_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query run_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run_log: %w", err)
	}
	return out, nil
}

// Get returns one run by id.
func (s *Store) Get(ctx context.Context, runID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM run_log WHERE run_id = ?;`, runID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e           Entry
		message     sql.NullString
		errText     sql.NullString
		errKind     sql.NullString
		generator   sql.NullString
		startedAtS  string
		endedAtS    string
		cfg         sql.NullString
		fingerprint sql.NullString
	)
	if err := row.Scan(
		&e.RunID, &e.State, &message, &errText, &errKind, &generator, &e.Records, &e.Size,
		&startedAtS, &endedAtS, &e.DurationMS, &cfg, &fingerprint,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run_log: %w", err)
	}

	e.Message = message.String
	e.Error = errText.String
	e.ErrorKind = errKind.String
	e.Generator = generator.String
	e.ConfigFingerprint = fingerprint.String
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		e.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, endedAtS); err == nil {
		e.EndedAt = t
	}
	if cfg.Valid {
		if err := json.Unmarshal([]byte(cfg.String), &e.Config); err != nil {
			return nil, fmt.Errorf("decode run config: %w", err)
		}
	}
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
