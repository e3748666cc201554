package classify

import (
	"bufio"
	"strconv"
	"strings"
)

// PrinterStatus is the parsed form of the status script's key: value lines.
type PrinterStatus struct {
	State           string            `json:"state"`
	CurrentLayer    int               `json:"current_layer"`
	TotalLayers     int               `json:"total_layers,omitempty"`
	PercentComplete float64           `json:"percent_complete"`
	Fields          map[string]string `json:"fields,omitempty"`
}

// ParseStatus reads "key: value" lines. Keys are lower-cased; unparsable
// numbers are left at zero and the raw value is still kept in Fields.
func ParseStatus(stdout string) PrinterStatus {
	st := PrinterStatus{State: "unknown", Fields: map[string]string{}}
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		st.Fields[key] = value

		switch key {
		case "status":
			if value != "" {
				st.State = strings.ToLower(value)
			}
		case "current_layer":
			if n, err := strconv.Atoi(value); err == nil {
				st.CurrentLayer = n
			}
		case "total_layers":
			if n, err := strconv.Atoi(value); err == nil {
				st.TotalLayers = n
			}
		case "percent_complete":
			if f, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64); err == nil {
				st.PercentComplete = f
			}
		}
	}
	return st
}
