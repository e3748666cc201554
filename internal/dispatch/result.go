package dispatch

import (
	"time"

	"github.com/scionmmu/mmuctl/internal/classify"
	"github.com/scionmmu/mmuctl/internal/command"
)

// Kind identifies what a Result reports.
type Kind string

const (
	KindStarted        Kind = "started"
	KindOutput         Kind = "output"
	KindError          Kind = "error"
	KindStatus         Kind = "status"
	KindFinished       Kind = "finished"
	KindConnectionLost Kind = "connection_lost"
	KindHardwareError  Kind = "hardware_error"
)

// Outcome is how an invocation ended.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeFailed      Outcome = "failed"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeCanceled    Outcome = "canceled"
	OutcomeStartFailed Outcome = "start_failed"
)

// Reasons attached to connection-lost results.
const (
	ReasonClassified = "classified"
	ReasonThreshold  = "threshold"
)

// Result is one message from the dispatcher worker to its consumer.
//
// For every invocation the consumer sees a started result, then output and
// error chunks in arrival order, then any derived connection-lost or
// hardware-error results, then exactly one terminal result (status for a
// status check, finished for everything else).
type Result struct {
	InvocationID string    `json:"invocation_id"`
	Kind         Kind      `json:"kind"`
	At           time.Time `json:"at"`

	// Command is the name (verb or script) and Line the rendered command line.
	Command string          `json:"command"`
	Line    string          `json:"line,omitempty"`
	Cmd     command.Command `json:"-"`

	// Text holds the chunk, the status payload, or the failure description.
	Text string `json:"text,omitempty"`
	// Reason explains a connection-lost result.
	Reason string `json:"reason,omitempty"`

	// Terminal fields.
	Outcome    Outcome                 `json:"outcome,omitempty"`
	Success    bool                    `json:"success,omitempty"`
	ExitCode   int                     `json:"exit_code,omitempty"`
	NormalExit bool                    `json:"normal_exit,omitempty"`
	Stderr     string                  `json:"stderr,omitempty"`
	Printer    *classify.PrinterStatus `json:"printer,omitempty"`
	// Failures is the consecutive status failure count after this result.
	Failures int `json:"failures,omitempty"`
}

// Terminal reports whether r ends its invocation.
func (r Result) Terminal() bool {
	return r.Kind == KindStatus || r.Kind == KindFinished
}

// Record is the persisted summary of a finished invocation.
type Record struct {
	ID          string
	Kind        Kind
	Command     string
	Line        string
	Address     string
	Outcome     Outcome
	ExitCode    int
	Output      string
	Stderr      string
	StartedAt   time.Time
	CompletedAt time.Time
}
