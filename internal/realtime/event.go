package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders events in the dispatch queue.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name. The empty string is medium.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("realtime: unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if p == 0 {
		return []byte{}, nil
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Event is an immutable notification. Events received from peers carry
// their payload as json.RawMessage.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId,omitempty"`
	Priority  Priority  `json:"priority"`
}

// envelope is the wire form of a broadcast event.
type envelope struct {
	Peer  string `json:"peer"`
	Event Event  `json:"event"`
}

// inbound mirrors envelope so the payload stays raw on decode.
type inbound struct {
	Peer  string `json:"peer"`
	Event struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
		UserID    string          `json:"userId,omitempty"`
		Priority  Priority        `json:"priority"`
	} `json:"event"`
}

func decodeEnvelope(payload []byte) (string, Event, error) {
	var in inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return "", Event{}, err
	}
	if in.Event.ID == "" || in.Event.Type == "" {
		return "", Event{}, fmt.Errorf("realtime: broadcast event missing id or type")
	}
	ev := Event{
		ID:        in.Event.ID,
		Type:      in.Event.Type,
		Timestamp: in.Event.Timestamp,
		UserID:    in.Event.UserID,
		Priority:  in.Event.Priority,
	}
	if len(in.Event.Data) > 0 {
		ev.Data = in.Event.Data
	}
	if ev.Priority == 0 {
		ev.Priority = PriorityMedium
	}
	return in.Peer, ev, nil
}
