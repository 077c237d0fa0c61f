package cache

import (
	"fmt"
	"slices"
	"time"
)

// Priority ranks how strongly an entry resists eviction.
// The zero value means unset and is stored as PriorityMedium.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Reserved tags.
const (
	TagCompressed = "__compressed__"
	TagEssential  = "essential"
	TagTemporary  = "temporary"
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
		return "unknown"
	}
}

// ParsePriority maps a priority name to its value.
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
	return 0, fmt.Errorf("cache: unknown priority %q", s)
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

// Entry is the persisted record for one cached value. Data holds the
// serialized payload, compressed with Encoding when tagged TagCompressed.
// Size is always len(Data).
type Entry struct {
	Key          string    `json:"key"`
	Data         []byte    `json:"data"`
	Timestamp    time.Time `json:"timestamp"`
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
	Size         int64     `json:"size"`
	Priority     Priority  `json:"priority"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Tags         []string  `json:"tags,omitempty"`
	Encoding     string    `json:"encoding,omitempty"`
}

// HasTag reports whether the entry carries tag.
func (e *Entry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

// Expired reports whether the entry has an expiry at or before now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func (e *Entry) compressed() bool {
	return e.HasTag(TagCompressed)
}
