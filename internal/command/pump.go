package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Motor names one of the four pumps. D drains the vat.
type Motor string

// Direction is the pump rotation.
type Direction string

const (
	Forward Direction = "F"
	Reverse Direction = "R"

	// MaxPumpSeconds bounds a single manual pump run.
	MaxPumpSeconds = 300
)

// Motors lists the pumps in order.
var Motors = []Motor{"A", "B", "C", "D"}

// PumpRun is a manual pump request.
type PumpRun struct {
	Motor     Motor
	Direction Direction
	Seconds   int
}

// Validate checks motor, direction and duration.
func (p PumpRun) Validate() error {
	if !validMotor(p.Motor) {
		return fmt.Errorf("invalid motor %q: must be A, B, C, or D", p.Motor)
	}
	if p.Direction != Forward && p.Direction != Reverse {
		return fmt.Errorf("invalid direction %q: must be F (forward) or R (reverse)", p.Direction)
	}
	if p.Seconds <= 0 || p.Seconds > MaxPumpSeconds {
		return fmt.Errorf("invalid timing %d: must be 1-%d seconds", p.Seconds, MaxPumpSeconds)
	}
	return nil
}

// ParsePumpRun parses "Motor,Direction,Timing", e.g. "A,F,5".
func ParsePumpRun(input string) (PumpRun, error) {
	parts := strings.Split(strings.TrimSpace(input), ",")
	if len(parts) != 3 {
		return PumpRun{}, fmt.Errorf("expected Motor,Direction,Timing (e.g. 'A,F,5'), got %d values", len(parts))
	}
	timing := strings.TrimSpace(parts[2])
	secs, err := strconv.Atoi(timing)
	if err != nil {
		return PumpRun{}, fmt.Errorf("invalid timing %q: must be a positive integer (seconds)", timing)
	}
	run := PumpRun{
		Motor:     Motor(strings.ToUpper(strings.TrimSpace(parts[0]))),
		Direction: Direction(strings.ToUpper(strings.TrimSpace(parts[1]))),
		Seconds:   secs,
	}
	if err := run.Validate(); err != nil {
		return PumpRun{}, err
	}
	return run, nil
}

func validMotor(m Motor) bool {
	for _, v := range Motors {
		if v == m {
			return true
		}
	}
	return false
}
