// Package recipe holds the material change table and its text format.
//
// A recipe is an ordered list of (material, layer) pairs stored as
// "A,50:B,120:C,200". Row order is the order the user entered them; the
// print manager script sorts by layer itself.
package recipe

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxRows is the size of the recipe table.
const MaxRows = 12

const (
	entrySep = ":"
	fieldSep = ","
)

// Material identifies one resin reservoir.
type Material string

const (
	MaterialA Material = "A"
	MaterialB Material = "B"
	MaterialC Material = "C"
	MaterialD Material = "D"
)

// Materials lists every known material in display order.
var Materials = []Material{MaterialA, MaterialB, MaterialC, MaterialD}

// ParseMaterial accepts a material letter in either case.
func ParseMaterial(s string) (Material, error) {
	m := Material(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown material %q (want one of A, B, C, D)", s)
	}
	return m, nil
}

// Valid reports whether m is a known material.
func (m Material) Valid() bool {
	for _, k := range Materials {
		if m == k {
			return true
		}
	}
	return false
}

var (
	// ErrEmpty is returned when saving a recipe with no rows.
	ErrEmpty = errors.New("recipe is empty")
	// ErrFull is returned when adding past MaxRows.
	ErrFull = fmt.Errorf("recipe table holds at most %d rows", MaxRows)
	// ErrDeclined is returned when the user does not confirm duplicate layers.
	ErrDeclined = errors.New("save declined")
)

// Row is one material change.
type Row struct {
	Layer    int      `json:"layer"`
	Material Material `json:"material"`
}

func (r Row) String() string {
	return string(r.Material) + fieldSep + strconv.Itoa(r.Layer)
}

// Format serializes rows in order. Zero rows format as "".
func Format(rows []Row) string {
	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = r.String()
	}
	return strings.Join(parts, entrySep)
}

// Parse reads the recipe text format, keeping entry order. Surrounding
// whitespace is ignored and blank text yields no rows. Unlike the print
// manager, which skips bad entries, Parse rejects the whole text and names
// the first offending entry.
func Parse(text string) ([]Row, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []Row{}, nil
	}
	entries := strings.Split(text, entrySep)
	rows := make([]Row, 0, len(entries))
	for i, entry := range entries {
		material, layer, ok := strings.Cut(entry, fieldSep)
		if !ok {
			return nil, fmt.Errorf("entry %d %q: want material,layer", i+1, entry)
		}
		m, err := ParseMaterial(material)
		if err != nil {
			return nil, fmt.Errorf("entry %d %q: %w", i+1, entry, err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(layer))
		if err != nil {
			return nil, fmt.Errorf("entry %d %q: layer is not an integer", i+1, entry)
		}
		rows = append(rows, Row{Layer: n, Material: m})
	}
	return rows, nil
}

// Validate enforces the save rules that are hard errors.
func Validate(rows []Row) error {
	if len(rows) == 0 {
		return ErrEmpty
	}
	if len(rows) > MaxRows {
		return ErrFull
	}
	for i, r := range rows {
		if r.Layer < 1 {
			return fmt.Errorf("row %d: layer must be at least 1, got %d", i+1, r.Layer)
		}
		if !r.Material.Valid() {
			return fmt.Errorf("row %d: unknown material %q", i+1, r.Material)
		}
	}
	return nil
}

// Duplicate is a layer number that appears on more than one row.
type Duplicate struct {
	Layer int `json:"layer"`
	Count int `json:"count"`
}

func (d Duplicate) String() string {
	return fmt.Sprintf("layer %d appears %d times", d.Layer, d.Count)
}

// DuplicateLayers returns repeated layer numbers in ascending order.
func DuplicateLayers(rows []Row) []Duplicate {
	counts := make(map[int]int, len(rows))
	for _, r := range rows {
		counts[r.Layer]++
	}
	var dups []Duplicate
	for layer, n := range counts {
		if n > 1 {
			dups = append(dups, Duplicate{Layer: layer, Count: n})
		}
	}
	sort.Slice(dups, func(i, j int) bool { return dups[i].Layer < dups[j].Layer })
	return dups
}

// Table is the in-memory recipe being edited.
type Table struct {
	rows []Row
}

// NewTable returns a table holding rows. It fails if rows exceed MaxRows.
func NewTable(rows []Row) (*Table, error) {
	t := &Table{}
	if err := t.Replace(rows); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace swaps in a new set of rows.
func (t *Table) Replace(rows []Row) error {
	if len(rows) > MaxRows {
		return ErrFull
	}
	t.rows = append([]Row(nil), rows...)
	return nil
}

// Add appends a row.
func (t *Table) Add(r Row) error {
	if len(t.rows) >= MaxRows {
		return ErrFull
	}
	t.rows = append(t.rows, r)
	return nil
}

// Set overwrites row i.
func (t *Table) Set(i int, r Row) error {
	if i < 0 || i >= len(t.rows) {
		return fmt.Errorf("row %d out of range", i+1)
	}
	t.rows[i] = r
	return nil
}

// Remove deletes row i.
func (t *Table) Remove(i int) error {
	if i < 0 || i >= len(t.rows) {
		return fmt.Errorf("row %d out of range", i+1)
	}
	t.rows = append(t.rows[:i], t.rows[i+1:]...)
	return nil
}

// Clear empties the table.
func (t *Table) Clear() { t.rows = nil }

// Rows returns a copy of the rows.
func (t *Table) Rows() []Row { return append([]Row(nil), t.rows...) }

// Len is the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// String formats the table.
func (t *Table) String() string { return Format(t.rows) }
