package panel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/scionmmu/mmuctl/internal/recipe"
)

// Rows returns the recipe table as edited so far.
func (c *Controller) Rows() []recipe.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Rows()
}

// RecipePath is where SaveRecipe writes.
func (c *Controller) RecipePath() string { return c.recipes.Path() }

// ParseRow reads "<material>,<layer>" or "<layer>,<material>" from the input line.
func ParseRow(input string) (recipe.Row, error) {
	a, b, ok := strings.Cut(strings.TrimSpace(input), ",")
	if !ok {
		return recipe.Row{}, fmt.Errorf("expected material,layer (e.g. 'B,120')")
	}
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if _, err := strconv.Atoi(a); err == nil {
		a, b = b, a
	}
	m, err := recipe.ParseMaterial(a)
	if err != nil {
		return recipe.Row{}, err
	}
	layer, err := strconv.Atoi(b)
	if err != nil {
		return recipe.Row{}, fmt.Errorf("layer %q is not an integer", b)
	}
	return recipe.Row{Layer: layer, Material: m}, nil
}

// AddRow appends a row to the table.
func (c *Controller) AddRow(r recipe.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Add(r)
}

// SetRow overwrites row i.
func (c *Controller) SetRow(i int, r recipe.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Set(i, r)
}

// RemoveRow deletes row i.
func (c *Controller) RemoveRow(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Remove(i)
}

// ClearRecipe empties the table without touching the file.
func (c *Controller) ClearRecipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table.Clear()
}

// ReloadRecipe discards edits and reads the recipe file again.
func (c *Controller) ReloadRecipe() error {
	rows, err := c.recipes.Load()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.table.Replace(rows); err != nil {
		return err
	}
	c.logLocked(LevelInfo, fmt.Sprintf("Recipe loaded: %d row(s)", len(rows)))
	return nil
}

// SaveRecipe writes the table to the recipe file. An empty table or a row
// with layer below 1 is refused. Duplicate layers are saved only if confirm
// agrees; otherwise recipe.ErrDeclined is returned and nothing is written.
func (c *Controller) SaveRecipe(confirm recipe.Confirm) (*recipe.Saved, error) {
	return c.save(c.Rows(), confirm, false)
}

// SaveRows writes rows to the recipe file under the same rules as
// SaveRecipe and, only once the file is written, makes them the table.
func (c *Controller) SaveRows(rows []recipe.Row, confirm recipe.Confirm) (*recipe.Saved, error) {
	return c.save(rows, confirm, true)
}

func (c *Controller) save(rows []recipe.Row, confirm recipe.Confirm, replace bool) (*recipe.Saved, error) {
	saved, err := c.recipes.Save(rows, confirm)

	c.mu.Lock()
	switch {
	case errors.Is(err, recipe.ErrDeclined):
		c.logLocked(LevelWarn, "Recipe not saved: duplicate layers were not confirmed")
		c.mu.Unlock()
		return nil, err
	case err != nil:
		c.logLocked(LevelError, "Recipe not saved: "+err.Error())
		c.mu.Unlock()
		return nil, err
	}
	for _, d := range saved.Duplicates {
		c.logLocked(LevelWarn, "Saved with duplicate: "+d.String())
	}
	if replace {
		// Save already enforced MaxRows.
		_ = c.table.Replace(rows)
	}
	c.logLocked(LevelInfo, fmt.Sprintf("Recipe saved: %s", saved.Text))
	c.mu.Unlock()

	if c.recipeLog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := c.recipeLog.RecordRecipe(ctx, saved); err != nil {
			c.logger.Error("failed to record recipe", "error", err)
		}
	}
	return saved, nil
}
