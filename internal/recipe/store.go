package recipe

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Confirm is asked whether to save despite duplicate layers.
type Confirm func(dups []Duplicate) bool

// Saved describes a written recipe file.
type Saved struct {
	Path        string
	Text        string
	Fingerprint string
	Duplicates  []Duplicate
}

// Store reads and writes the recipe file.
type Store struct {
	path string
}

// NewStore returns a store for the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path is the recipe file location.
func (s *Store) Path() string { return s.path }

// Exists reports whether the recipe file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the recipe file. A missing file is an empty recipe.
func (s *Store) Load() ([]Row, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Row{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	rows, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse recipe %s: %w", s.path, err)
	}
	return rows, nil
}

// Save validates rows and writes them. Duplicate layers need confirm to
// return true; otherwise Save returns ErrDeclined and leaves the file alone.
// A nil confirm declines.
func (s *Store) Save(rows []Row, confirm Confirm) (*Saved, error) {
	if err := Validate(rows); err != nil {
		return nil, err
	}
	dups := DuplicateLayers(rows)
	if len(dups) > 0 && (confirm == nil || !confirm(dups)) {
		return nil, ErrDeclined
	}

	text := Format(rows)
	if err := writeAtomic(s.path, []byte(text)); err != nil {
		return nil, err
	}
	return &Saved{
		Path:        s.path,
		Text:        text,
		Fingerprint: Fingerprint(text),
		Duplicates:  dups,
	}, nil
}

// Fingerprint is the BLAKE3 digest of a recipe text.
func Fingerprint(text string) string {
	sum := blake3.Sum256([]byte(text))
	return "blake3:" + hex.EncodeToString(sum[:])
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create recipe dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".recipe-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp recipe: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write recipe: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync recipe: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close recipe: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod recipe: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace recipe: %w", err)
	}
	return nil
}
