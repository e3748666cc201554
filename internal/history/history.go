// Package history persists finished dispatcher invocations and saved recipes.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scionmmu/mmuctl/internal/dispatch"
	"github.com/scionmmu/mmuctl/internal/recipe"
	"github.com/scionmmu/mmuctl/internal/storage"
)

const (
	maxTextBytes = 64 * 1024
	defaultLimit = 50
	maxLimit     = 1000
)

var ErrNotFound = errors.New("history entry not found")

// Entry is one finished invocation.
type Entry struct {
	ID          string           `json:"id"`
	Kind        dispatch.Kind    `json:"kind"`
	Command     string           `json:"command"`
	Line        string           `json:"line"`
	Address     string           `json:"address,omitempty"`
	Outcome     dispatch.Outcome `json:"outcome"`
	ExitCode    int              `json:"exit_code"`
	Output      string           `json:"output,omitempty"`
	Stderr      string           `json:"stderr,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// RecipeEntry is one saved recipe.
type RecipeEntry struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Recipe      string    `json:"recipe"`
	Fingerprint string    `json:"fingerprint"`
	SavedAt     time.Time `json:"saved_at"`
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ dispatch.Recorder = (*Store)(nil)

// Record appends a finished invocation. It implements dispatch.Recorder.
func (s *Store) Record(ctx context.Context, rec dispatch.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("invocation id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO command_log(
  id, kind, command, line, address, outcome, exit_code, output, stderr, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, string(rec.Kind), rec.Command, rec.Line, nullable(rec.Address), string(rec.Outcome), rec.ExitCode,
		truncate(rec.Output), truncate(rec.Stderr),
		rec.StartedAt.UTC().Format(storage.TimeFormat), rec.CompletedAt.UTC().Format(storage.TimeFormat))
	if err != nil {
		return fmt.Errorf("insert command_log: %w", err)
	}
	return nil
}

// Get returns one entry by invocation id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, kind, command, line, address, outcome, exit_code, output, stderr, started_at, completed_at
FROM command_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command_log: %w", err)
	}
	return e, nil
}

// Recent returns the newest entries first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, command, line, address, outcome, exit_code, output, stderr, started_at, completed_at
FROM command_log
ORDER BY completed_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list command_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command_log: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// RecordRecipe logs a saved recipe with its fingerprint.
func (s *Store) RecordRecipe(ctx context.Context, saved *recipe.Saved) (string, error) {
	if saved == nil {
		return "", fmt.Errorf("saved recipe is nil")
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO recipe_log(id, path, recipe, fingerprint, saved_at)
VALUES(?, ?, ?, ?, ?);
`, id, saved.Path, saved.Text, saved.Fingerprint, time.Now().UTC().Format(storage.TimeFormat))
	if err != nil {
		return "", fmt.Errorf("insert recipe_log: %w", err)
	}
	return id, nil
}

// Recipes returns the newest saved recipes first.
func (s *Store) Recipes(ctx context.Context, limit int) ([]RecipeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, path, recipe, fingerprint, saved_at
FROM recipe_log
ORDER BY saved_at DESC
LIMIT ?;
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list recipe_log: %w", err)
	}
	defer rows.Close()

	var out []RecipeEntry
	for rows.Next() {
		var (
			e       RecipeEntry
			savedAt string
		)
		if err := rows.Scan(&e.ID, &e.Path, &e.Recipe, &e.Fingerprint, &savedAt); err != nil {
			return nil, fmt.Errorf("scan recipe_log: %w", err)
		}
		e.SavedAt, _ = time.Parse(storage.TimeFormat, savedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries completed before now-retention. It returns the
// number of rows removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(storage.TimeFormat)

	var total int64
	for _, q := range []string{
		`DELETE FROM command_log WHERE completed_at < ?;`,
		`DELETE FROM recipe_log WHERE saved_at < ?;`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune history: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                    Entry
		kind, outcome        string
		address, out, stderr sql.NullString
		started, completed   string
	)
	if err := sc.Scan(&e.ID, &kind, &e.Command, &e.Line, &address, &outcome, &e.ExitCode,
		&out, &stderr, &started, &completed); err != nil {
		return nil, err
	}
	e.Kind = dispatch.Kind(kind)
	e.Outcome = dispatch.Outcome(outcome)
	e.Address = address.String
	e.Output = out.String
	e.Stderr = stderr.String
	e.StartedAt, _ = time.Parse(storage.TimeFormat, started)
	e.CompletedAt, _ = time.Parse(storage.TimeFormat, completed)
	return &e, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func truncate(s string) string {
	if len(s) > maxTextBytes {
		return s[:maxTextBytes]
	}
	return s
}
