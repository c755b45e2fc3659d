package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrinet/ruleworker/internal/model"
)

func sensorRule(id, sensorID string, op model.Operator, threshold float64, sustainSec int) model.Rule {
	return model.Rule{
		ID:      id,
		OwnerID: "u1",
		Sensor: &model.SensorTrigger{
			SensorID:       sensorID,
			Operator:       op,
			Threshold:      threshold,
			SustainSeconds: sustainSec,
		},
		Enabled: true,
		Actions: []model.Action{{ActuatorID: "a1", Command: "pump_on"}},
	}
}

func event(sensorID string, value float64, at time.Time) model.SensorEvent {
	return model.SensorEvent{SensorID: sensorID, Value: value, Timestamp: at}
}

func TestBuildSnapshotRejectsInvalid(t *testing.T) {
	bad := sensorRule("bad", "s1", "<", 30, 0)
	bad.Actions = nil
	snap := BuildSnapshot([]model.Rule{sensorRule("good", "s1", "<", 30, 0), bad})

	assert.Len(t, snap.Rules(), 1)
	require.Len(t, snap.Rejected(), 1)
	assert.Equal(t, "bad", snap.Rejected()[0].RuleID)
	_, ok := snap.Rule("bad")
	assert.False(t, ok)
}

func TestEvaluateEventThreshold(t *testing.T) {
	snap := BuildSnapshot([]model.Rule{sensorRule("r1", "moist-1", model.OpLess, 30, 0)})
	hist := NewHistory(time.Minute)
	now := time.Now()

	matches, skips := snap.EvaluateEvent(event("moist-1", 25, now), hist)
	require.Len(t, matches, 1)
	assert.Empty(t, skips)
	assert.Equal(t, "r1", matches[0].Rule.ID)

	matches, _ = snap.EvaluateEvent(event("moist-1", 35, now), hist)
	assert.Empty(t, matches)

	// events for sensors without rules are a no-op
	matches, _ = snap.EvaluateEvent(event("other", 1, now), hist)
	assert.Empty(t, matches)
}

func TestEvaluateEventDisabledRule(t *testing.T) {
	r := sensorRule("r1", "s1", model.OpLess, 30, 0)
	r.Enabled = false
	snap := BuildSnapshot([]model.Rule{r})

	matches, _ := snap.EvaluateEvent(event("s1", 10, time.Now()), NewHistory(time.Minute))
	assert.Empty(t, matches)
}

func TestEvaluateEventIndependentRules(t *testing.T) {
	snap := BuildSnapshot([]model.Rule{
		sensorRule("r1", "s1", model.OpLess, 30, 0),
		sensorRule("r2", "s1", model.OpLess, 50, 0),
		sensorRule("r3", "s1", model.OpGreater, 90, 0),
	})
	matches, _ := snap.EvaluateEvent(event("s1", 25, time.Now()), NewHistory(time.Minute))
	require.Len(t, matches, 2)
	// deterministic order by rule id
	assert.Equal(t, "r1", matches[0].Rule.ID)
	assert.Equal(t, "r2", matches[1].Rule.ID)
}

func TestEvaluateEventSustain(t *testing.T) {
	snap := BuildSnapshot([]model.Rule{sensorRule("r1", "s1", model.OpLess, 30, 60)})
	hist := NewHistory(5 * time.Minute)
	t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	// first reading: window cannot cover 60s yet
	hist.Observe("s1", 25, t0)
	matches, skips := snap.EvaluateEvent(event("s1", 25, t0), hist)
	assert.Empty(t, matches)
	require.Len(t, skips, 1)
	assert.Equal(t, ErrInsufficientHistory.Error(), skips[0].Reason)

	// condition held continuously for the full window
	hist.Observe("s1", 26, t0.Add(30*time.Second))
	hist.Observe("s1", 24, t0.Add(70*time.Second))
	matches, skips = snap.EvaluateEvent(event("s1", 24, t0.Add(70*time.Second)), hist)
	assert.Empty(t, skips)
	require.Len(t, matches, 1)

	// a single sample above threshold inside the window breaks the sustain
	hist.Observe("s1", 40, t0.Add(100*time.Second))
	hist.Observe("s1", 25, t0.Add(130*time.Second))
	matches, skips = snap.EvaluateEvent(event("s1", 25, t0.Add(130*time.Second)), hist)
	assert.Empty(t, skips)
	assert.Empty(t, matches, "strictly continuous: one bad sample resets the window")
}

func TestEvaluateTick(t *testing.T) {
	sched := model.Rule{
		ID:       "sch1",
		OwnerID:  "u1",
		Schedule: &model.ScheduleTrigger{Recurrence: "06:00"},
		Enabled:  true,
		Actions:  []model.Action{{ActuatorID: "a1", Command: "open_valve"}},
	}
	snap := BuildSnapshot([]model.Rule{sched})

	m, ok := snap.EvaluateTick("sch1")
	require.True(t, ok, "schedule ticks match unconditionally")
	assert.Equal(t, "sch1", m.Rule.ID)

	_, ok = snap.EvaluateTick("missing")
	assert.False(t, ok)

	sched.Enabled = false
	snap = BuildSnapshot([]model.Rule{sched})
	_, ok = snap.EvaluateTick("sch1")
	assert.False(t, ok, "disabled rules no longer match")
}

// Replaying the same event sequence against the same snapshot and fresh
// history must always yield the same decisions.
func TestEvaluateDeterminism(t *testing.T) {
	rules := []model.Rule{
		sensorRule("r1", "s1", model.OpLess, 30, 0),
		sensorRule("r2", "s1", model.OpLess, 20, 30),
	}
	t0 := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	events := []model.SensorEvent{
		event("s1", 25, t0),
		event("s1", 18, t0.Add(10*time.Second)),
		event("s1", 19, t0.Add(45*time.Second)),
		event("s1", 31, t0.Add(60*time.Second)),
		event("s1", 15, t0.Add(90*time.Second)),
	}

	run := func() []string {
		snap := BuildSnapshot(rules)
		hist := NewHistory(10 * time.Minute)
		var out []string
		for _, ev := range events {
			hist.Observe(ev.SensorID, ev.Value, ev.Timestamp)
			matches, _ := snap.EvaluateEvent(ev, hist)
			for _, m := range matches {
				out = append(out, m.Rule.ID)
			}
		}
		return out
	}

	first := run()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, run())
	}
}

func TestHistoryRetention(t *testing.T) {
	hist := NewHistory(time.Minute)
	t0 := time.Now()
	hist.Observe("s1", 1, t0)
	hist.Observe("s1", 2, t0.Add(2*time.Minute))

	v, at, ok := hist.Latest("s1")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
	assert.Equal(t, t0.Add(2*time.Minute), at)

	// the old sample fell out of the window
	_, err := hist.SustainedSince("s1", t0.Add(time.Minute), func(float64) bool { return true })
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}
