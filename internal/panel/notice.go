package panel

import "time"

// Level grades a log line.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Line is one entry in the panel log view. Repeat counts identical
// consecutive printer states folded into this line.
type Line struct {
	At     time.Time `json:"at"`
	Level  Level     `json:"level"`
	Text   string    `json:"text"`
	Repeat int       `json:"repeat,omitempty"`
}

// NoticeKind classifies a Notice.
type NoticeKind string

const (
	NoticeConnectionLost NoticeKind = "connection_lost"
	NoticeHardware       NoticeKind = "hardware_error"
	NoticeFailed         NoticeKind = "failed"
)

// Notice is something the user must see outside the log. Blocking notices
// need an acknowledgement before the UI carries on. OfferAbort asks whether
// to abort the running automated print; the controller never aborts on its
// own.
type Notice struct {
	Kind       NoticeKind `json:"kind"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Blocking   bool       `json:"blocking"`
	OfferAbort bool       `json:"offer_abort,omitempty"`
}
