package evaluator

import (
	"errors"
	"sync"
	"time"
)

// ErrInsufficientHistory means the retained window does not cover the
// sustain period yet; the affected rule is skipped for this event only.
var ErrInsufficientHistory = errors.New("insufficient sensor history")

type reading struct {
	value float64
	at    time.Time
}

// History retains a short window of recent readings per sensor, enough to
// answer strictly-continuous sustain checks for hysteresis rules.
type History struct {
	mu        sync.RWMutex
	retention time.Duration
	bySensor  map[string][]reading
}

func NewHistory(retention time.Duration) *History {
	if retention <= 0 {
		retention = 15 * time.Minute
	}
	return &History{retention: retention, bySensor: make(map[string][]reading)}
}

// Observe appends a reading and prunes anything older than the retention
// window. Out-of-order samples are tolerated as long as they are recent.
func (h *History) Observe(sensorID string, value float64, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rs := append(h.bySensor[sensorID], reading{value: value, at: at})
	cutoff := at.Add(-h.retention)
	i := 0
	for ; i < len(rs); i++ {
		if rs[i].at.After(cutoff) {
			break
		}
	}
	h.bySensor[sensorID] = rs[i:]
}

// Latest returns the most recent retained reading for the sensor.
func (h *History) Latest(sensorID string) (float64, time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rs := h.bySensor[sensorID]
	if len(rs) == 0 {
		return 0, time.Time{}, false
	}
	last := rs[len(rs)-1]
	return last.value, last.at, true
}

// SustainedSince reports whether pred held for every retained reading at
// or after since. The window must contain a reading at or before since,
// otherwise coverage is unknown and ErrInsufficientHistory is returned.
func (h *History) SustainedSince(sensorID string, since time.Time, pred func(float64) bool) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rs := h.bySensor[sensorID]
	if len(rs) == 0 {
		return false, ErrInsufficientHistory
	}

	// every sample inside (since, now] must satisfy pred
	coverageIdx := -1
	for i, r := range rs {
		if !r.at.After(since) {
			coverageIdx = i
			continue
		}
		if !pred(r.value) {
			return false, nil
		}
	}
	if coverageIdx < 0 {
		return false, ErrInsufficientHistory
	}
	// the condition must already hold at the newest sample at/before since
	return pred(rs[coverageIdx].value), nil
}
