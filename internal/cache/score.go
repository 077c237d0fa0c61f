package cache

import (
	"math"
	"time"
)

var priorityWeight = map[Priority]float64{
	PriorityLow:      10,
	PriorityMedium:   50,
	PriorityHigh:     100,
	PriorityCritical: 1000,
}

var tagAdjustment = map[string]float64{
	TagEssential:  200,
	TagTemporary:  -50,
	TagCompressed: 30,
}

// staleAfter is how long an entry may go unread before cleanup drops it.
// Critical entries are never dropped for staleness.
var staleAfter = map[Priority]time.Duration{
	PriorityLow:    15 * 24 * time.Hour,
	PriorityMedium: 30 * 24 * time.Hour,
	PriorityHigh:   60 * 24 * time.Hour,
}

// Score returns the eviction score of e at now. Higher scores are kept
// longer; the result is never negative.
func Score(e *Entry, now time.Time) float64 {
	p := e.Priority
	if p == 0 {
		p = PriorityMedium
	}
	score := priorityWeight[p]

	access := float64(e.AccessCount)
	days := now.Sub(e.Timestamp).Hours() / 24
	score += access / math.Max(days, 1) * 20

	sinceAccess := now.Sub(e.LastAccessed).Hours()
	score += math.Max(0, 100-sinceAccess)

	sizeKB := float64(e.Size) / 1024
	score += access / math.Max(sizeKB, 1) * 5

	if !e.ExpiresAt.IsZero() {
		if untilExpiry := e.ExpiresAt.Sub(now).Hours(); untilExpiry < 24 {
			score -= (24 - untilExpiry) * 2
		}
	}

	for _, tag := range e.Tags {
		score += tagAdjustment[tag]
	}

	return math.Max(0, score)
}

func isStale(e *Entry, now time.Time) bool {
	window, ok := staleAfter[e.Priority]
	if !ok {
		return false
	}
	return now.Sub(e.LastAccessed) > window
}
