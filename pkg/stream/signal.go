package stream

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	// TypeChanged is the only signal relayed between connections.
	TypeChanged = "note.changed"
	// TypeReady is written once when a stream opens.
	TypeReady = "ready"

	legacyNoteEvent = "noteEvent"
)

// Signal is a payload-free event. Origin is the connection it came from and
// never leaves the process.
type Signal struct {
	Type   string `json:"type"`
	At     string `json:"at"`
	Origin string `json:"-"`
}

func NewSignal(signalType, origin string) Signal {
	return Signal{Type: signalType, At: time.Now().UTC().Format(time.RFC3339Nano), Origin: origin}
}

func Changed(origin string) Signal {
	return NewSignal(TypeChanged, origin)
}

// ParseNotice reports whether an inbound frame is a change notice. Frames with
// no type, or the older "noteEvent" name, count as notices; other types are
// ignored.
func ParseNotice(raw []byte) (bool, error) {
	var frame struct {
		Type  string `json:"type"`
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return false, err
	}
	typ := strings.TrimSpace(frame.Type)
	if typ == "" {
		typ = strings.TrimSpace(frame.Event)
	}
	switch typ {
	case "", TypeChanged, legacyNoteEvent:
		return true, nil
	default:
		return false, nil
	}
}
