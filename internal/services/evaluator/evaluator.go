// Package evaluator holds the pure decision function of the rule engine:
// given an event or a tick, a rule snapshot and the retained sensor
// history, it yields candidate triggers. It never touches the ledger.
package evaluator

import (
	"log"

	"github.com/agrinet/ruleworker/internal/model"
)

// Match is one candidate trigger: a rule whose condition held, with the
// ordered actions to dispatch.
type Match struct {
	Rule    *model.Rule
	Actions []model.Action
}

// Skip reports a rule that could not be evaluated for this input (the
// EvaluationError path); it is retried on the next qualifying event.
type Skip struct {
	Rule   *model.Rule
	Reason string
}

// Rejected is a rule excluded from the snapshot at load time.
type Rejected struct {
	RuleID string
	Reason string
}

// Snapshot is an immutable, validated view of the rule set, indexed for
// event evaluation. Workers swap whole snapshots on rule changes.
type Snapshot struct {
	byID     map[string]*model.Rule
	bySensor map[string][]*model.Rule
	rejected []Rejected
}

// BuildSnapshot validates the rules and indexes the valid ones. Invalid
// definitions are excluded and reported in Rejected().
func BuildSnapshot(rules []model.Rule) *Snapshot {
	s := &Snapshot{
		byID:     make(map[string]*model.Rule, len(rules)),
		bySensor: make(map[string][]*model.Rule),
	}
	for i := range rules {
		r := &rules[i]
		if err := r.Validate(); err != nil {
			log.Printf("evaluator: rejecting rule %s: %v", r.ID, err)
			s.rejected = append(s.rejected, Rejected{RuleID: r.ID, Reason: err.Error()})
			continue
		}
		s.byID[r.ID] = r
		if r.Sensor != nil {
			s.bySensor[r.Sensor.SensorID] = append(s.bySensor[r.Sensor.SensorID], r)
		}
	}
	for _, list := range s.bySensor {
		model.SortRules(list)
	}
	return s
}

func (s *Snapshot) Rejected() []Rejected { return s.rejected }

// Rule returns the active rule with the given id.
func (s *Snapshot) Rule(id string) (*model.Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Rules returns all active rules, ordered by id.
func (s *Snapshot) Rules() []*model.Rule {
	out := make([]*model.Rule, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	model.SortRules(out)
	return out
}

// SustainSensors lists sensor ids referenced by rules with a sustain
// window, i.e. the ones needing history warm-up after a restart.
func (s *Snapshot) SustainSensors() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range s.byID {
		if r.Sensor != nil && r.Sensor.SustainSeconds > 0 {
			if _, ok := seen[r.Sensor.SensorID]; !ok {
				seen[r.Sensor.SensorID] = struct{}{}
				out = append(out, r.Sensor.SensorID)
			}
		}
	}
	return out
}

// EvaluateEvent evaluates all enabled sensor rules on the event's sensor.
// Rules on the same sensor are independent: no priority, no
// short-circuiting. hist must already contain the event itself.
func (s *Snapshot) EvaluateEvent(ev model.SensorEvent, hist *History) ([]Match, []Skip) {
	var matches []Match
	var skips []Skip
	for _, r := range s.bySensor[ev.SensorID] {
		if !r.Enabled {
			continue
		}
		trig := r.Sensor
		if !trig.Operator.Compare(ev.Value, trig.Threshold) {
			continue
		}
		if sustain := trig.Sustain(); sustain > 0 {
			since := ev.Timestamp.Add(-sustain)
			held, err := hist.SustainedSince(ev.SensorID, since, func(v float64) bool {
				return trig.Operator.Compare(v, trig.Threshold)
			})
			if err != nil {
				skips = append(skips, Skip{Rule: r, Reason: err.Error()})
				continue
			}
			if !held {
				continue
			}
		}
		matches = append(matches, Match{Rule: r, Actions: r.Actions})
	}
	return matches, skips
}

// EvaluateTick resolves a scheduler tick for a rule. A tick matches
// unconditionally: the scheduler only emits it when the recurrence fired.
// Disabled or deleted rules no longer match.
func (s *Snapshot) EvaluateTick(ruleID string) (Match, bool) {
	r, ok := s.byID[ruleID]
	if !ok || !r.Enabled || r.Schedule == nil {
		return Match{}, false
	}
	return Match{Rule: r, Actions: r.Actions}, true
}
