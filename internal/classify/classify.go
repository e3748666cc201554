// Package classify turns free-text script output into coarse outcomes.
//
// The rules are keyword heuristics. A match means the text looks like a
// communication or hardware fault; it is not a diagnosis, and both false
// positives and misses are expected.
package classify

import "strings"

// Kind is the category a piece of text falls into.
type Kind int

const (
	KindNone Kind = iota
	KindConnectionLost
	KindHardware
)

func (k Kind) String() string {
	switch k {
	case KindConnectionLost:
		return "connection_lost"
	case KindHardware:
		return "hardware_error"
	default:
		return "none"
	}
}

// Verdict is the result of classifying stderr.
type Verdict struct {
	Kind        Kind
	Description string
}

// Classifier is the pluggable classification used by the dispatcher.
type Classifier interface {
	// Stderr classifies the error stream of a failed status check.
	Stderr(text string) Verdict
	// Status returns hardware fault descriptions found in a successful
	// status response, in the order they were detected.
	Status(stdout string) []string
}

// Fixed hardware descriptions.
const (
	PumpFailure        = "Pump failure detected"
	MotorError         = "Motor error detected"
	SensorError        = "Sensor error detected"
	TemperatureError   = "Temperature sensor error"
	PumpStatusError    = "Pump error reported in status"
	MotorStatusError   = "Motor error reported in status"
	UnknownStatusError = "Unknown hardware error reported in status"
	warningPrefix      = "Warning condition detected: "
	warningExcerptLen  = 100
)

// rule matches when every group has at least one keyword present.
type rule struct {
	all         [][]string
	kind        Kind
	description string
}

func (r rule) match(lower string) bool {
	for _, group := range r.all {
		if !containsAny(lower, group...) {
			return false
		}
	}
	return true
}

var stderrRules = []rule{
	{all: [][]string{{"connection"}, {"refused", "timeout"}}, kind: KindConnectionLost, description: "Connection refused or timed out"},
	{all: [][]string{{"network"}, {"unreachable"}}, kind: KindConnectionLost, description: "Network unreachable"},
	{all: [][]string{{"pump"}, {"failure"}}, kind: KindHardware, description: PumpFailure},
	{all: [][]string{{"motor"}, {"error", "fault"}}, kind: KindHardware, description: MotorError},
	{all: [][]string{{"sensor"}, {"error", "fault"}}, kind: KindHardware, description: SensorError},
	{all: [][]string{{"temperature"}, {"error"}}, kind: KindHardware, description: TemperatureError},
}

// Keywords is the default substring classifier.
type Keywords struct{}

var _ Classifier = Keywords{}

// Stderr applies the rules in order; the first match wins.
func (Keywords) Stderr(text string) Verdict {
	lower := strings.ToLower(text)
	for _, r := range stderrRules {
		if r.match(lower) {
			return Verdict{Kind: r.kind, Description: r.description}
		}
	}
	return Verdict{}
}

// Status looks for fault and warning words in a successful status response.
func (Keywords) Status(stdout string) []string {
	lower := strings.ToLower(stdout)
	var found []string

	if containsAny(lower, "error", "fault") {
		switch {
		case strings.Contains(lower, "pump"):
			found = append(found, PumpStatusError)
		case strings.Contains(lower, "motor"):
			found = append(found, MotorStatusError)
		default:
			found = append(found, UnknownStatusError)
		}
	}

	if containsAny(lower, "warning", "overheating") {
		found = append(found, warningPrefix+excerpt(stdout, warningExcerptLen))
	}
	return found
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// excerpt truncates to n runes so multi-byte output is never split.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
