// Package state keeps the last known snapshot of each device.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/scionmmu/mmuctl/internal/classify"
	"github.com/scionmmu/mmuctl/internal/storage"
)

const DefaultMaxStateBytes = 64 * 1024

type Store struct {
	db       *sql.DB
	maxBytes int
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		maxBytes: DefaultMaxStateBytes,
	}
}

// Get returns the snapshot for a device, or {} if none was stored.
func (s *Store) Get(ctx context.Context, address string) (json.RawMessage, error) {
	if address == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM device_state WHERE address = ?;", address).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read device state: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored device state is invalid JSON for %q", address)
	}
	return json.RawMessage(raw), nil
}

// ShallowMerge replaces the top-level keys in updates and persists the result.
func (s *Store) ShallowMerge(ctx context.Context, address string, updates json.RawMessage) (json.RawMessage, error) {
	if address == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	upd, err := decodeObjectOrEmpty(updates)
	if err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRaw string
	err = tx.QueryRowContext(ctx, "SELECT state FROM device_state WHERE address = ?;", address).Scan(&curRaw)
	if errors.Is(err, sql.ErrNoRows) {
		curRaw = "{}"
	} else if err != nil {
		return nil, fmt.Errorf("read device state: %w", err)
	}

	cur, err := decodeObjectOrEmpty(json.RawMessage(curRaw))
	if err != nil {
		return nil, fmt.Errorf("decode stored state: %w", err)
	}

	maps.Copy(cur, upd)
	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal merged state: %w", err)
	}
	if len(merged) > s.maxBytes {
		return nil, fmt.Errorf("device state exceeds max size (%d bytes)", s.maxBytes)
	}

	now := time.Now().UTC().Format(storage.TimeFormat)
	_, err = tx.ExecContext(ctx, `
INSERT INTO device_state(address, state, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(address) DO UPDATE SET
  state = excluded.state,
  updated_at = excluded.updated_at;
`, address, string(merged), now)
	if err != nil {
		return nil, fmt.Errorf("upsert device state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return json.RawMessage(merged), nil
}

// Snapshot is the typed view of a stored device state.
type Snapshot struct {
	Printer   *classify.PrinterStatus `json:"printer,omitempty"`
	LastSeen  time.Time               `json:"last_seen,omitempty"`
	LastError string                  `json:"last_error,omitempty"`
	Failures  int                     `json:"failures"`
}

// RecordStatus stores a successful status check.
func (s *Store) RecordStatus(ctx context.Context, address string, st classify.PrinterStatus) error {
	upd, err := json.Marshal(map[string]any{
		"printer":    st,
		"last_seen":  time.Now().UTC(),
		"last_error": "",
		"failures":   0,
	})
	if err != nil {
		return err
	}
	_, err = s.ShallowMerge(ctx, address, upd)
	return err
}

// RecordFailure stores a failed status check, keeping the last good status.
func (s *Store) RecordFailure(ctx context.Context, address, reason string, failures int) error {
	upd, err := json.Marshal(map[string]any{
		"last_error": reason,
		"failures":   failures,
	})
	if err != nil {
		return err
	}
	_, err = s.ShallowMerge(ctx, address, upd)
	return err
}

// Load decodes the stored snapshot for a device.
func (s *Store) Load(ctx context.Context, address string) (Snapshot, error) {
	var snap Snapshot
	raw, err := s.Get(ctx, address)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("decode device state: %w", err)
	}
	return snap, nil
}

func decodeObjectOrEmpty(b json.RawMessage) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("invalid JSON")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
