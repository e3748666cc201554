package api

import (
	"time"

	"github.com/scionmmu/mmuctl/internal/classify"
	"github.com/scionmmu/mmuctl/internal/panel"
	"github.com/scionmmu/mmuctl/internal/poller"
	"github.com/scionmmu/mmuctl/internal/recipe"
)

// InvocationResponse is returned when an action was accepted. The outcome
// arrives on /events and in /history.
type InvocationResponse struct {
	InvocationID string       `json:"invocation_id"`
	Action       panel.Action `json:"action"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Address    string                  `json:"address"`
	Busy       bool                    `json:"busy"`
	Action     panel.Action            `json:"action,omitempty"`
	Automated  bool                    `json:"automated"`
	Polling    bool                    `json:"polling"`
	Failures   int                     `json:"failures"`
	Printer    *classify.PrinterStatus `json:"printer,omitempty"`
	LastUpdate *time.Time              `json:"last_update,omitempty"`
	Poller     *poller.Stats           `json:"poller,omitempty"`
}

// PrintRequest is the body of POST /printer/print.
type PrintRequest struct {
	File string `json:"file"`
}

// PumpRequest is the body of POST /pump.
type PumpRequest struct {
	Motor     string `json:"motor"`
	Direction string `json:"direction"`
	Seconds   int    `json:"seconds"`
}

// PollingRequest is the body of POST /polling.
type PollingRequest struct {
	Enabled bool `json:"enabled"`
}

// RecipeRequest is the body of PUT /recipe. Text, in the recipe file
// format, is used when Rows is empty.
type RecipeRequest struct {
	Rows []recipe.Row `json:"rows,omitempty"`
	Text string       `json:"text,omitempty"`
}

// RecipeResponse describes the recipe table or a save.
type RecipeResponse struct {
	Path        string             `json:"path,omitempty"`
	Rows        []recipe.Row       `json:"rows"`
	Text        string             `json:"text"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Duplicates  []recipe.Duplicate `json:"duplicates,omitempty"`
}

// DuplicatesResponse is returned with 409 when a recipe repeats layers and
// the request did not confirm.
type DuplicatesResponse struct {
	Error      string             `json:"error"`
	Duplicates []recipe.Duplicate `json:"duplicates"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Busy          bool   `json:"busy"`
}
