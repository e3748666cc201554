package panel

import (
	"time"

	"github.com/scionmmu/mmuctl/internal/classify"
	"github.com/scionmmu/mmuctl/internal/command"
	"github.com/scionmmu/mmuctl/internal/recipe"
)

// Snapshot is a copy of the panel state for rendering.
type Snapshot struct {
	Address    string                  `json:"address"`
	Busy       bool                    `json:"busy"`
	Action     Action                  `json:"action,omitempty"`
	Pending    string                  `json:"pending,omitempty"`
	Automated  bool                    `json:"automated"`
	Polling    bool                    `json:"polling"`
	Failures   int                     `json:"failures"`
	Printer    *classify.PrinterStatus `json:"printer,omitempty"`
	Recipe     []recipe.Row            `json:"recipe"`
	Files      []command.File          `json:"files,omitempty"`
	LastUpdate time.Time               `json:"last_update,omitempty"`
}

// Snapshot copies the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Address:    c.address,
		Busy:       c.busy,
		Action:     c.action,
		Pending:    c.pending,
		Automated:  c.automated,
		Polling:    c.polling,
		Failures:   c.failures,
		Recipe:     c.table.Rows(),
		Files:      append([]command.File(nil), c.files...),
		LastUpdate: c.lastUpdate,
	}
	if c.printer != nil {
		p := *c.printer
		s.Printer = &p
	}
	return s
}

// Lines returns the last n log lines, all of them when n <= 0.
func (c *Controller) Lines(n int) []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.lines) {
		n = len(c.lines)
	}
	return append([]Line(nil), c.lines[len(c.lines)-n:]...)
}

// Files returns the print files from the last listing.
func (c *Controller) Files() []command.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]command.File(nil), c.files...)
}
