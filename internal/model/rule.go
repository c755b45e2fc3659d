package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Operator is the comparison applied between a sensor value and a threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Compare applies the operator to (value, threshold).
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreater:
		return value > threshold
	case OpLess:
		return value < threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	}
	return false
}

func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// SensorTrigger fires when a sensor reading crosses a threshold.
// SustainSeconds > 0 requires the condition to hold continuously for that
// long (over the retained reading window) before it counts as matched.
type SensorTrigger struct {
	SensorID       string   `json:"sensor_id"`
	Operator       Operator `json:"operator"`
	Threshold      float64  `json:"threshold"`
	SustainSeconds int      `json:"sustain_seconds,omitempty"`
}

func (t SensorTrigger) Sustain() time.Duration {
	return time.Duration(t.SustainSeconds) * time.Second
}

// ScheduleTrigger fires on a recurrence: either "@every <duration>" or a
// daily "HH:MM" time-of-day, interpreted in Timezone (IANA name).
type ScheduleTrigger struct {
	Recurrence string `json:"recurrence"`
	Timezone   string `json:"timezone,omitempty"`
}

// Recurrence is the parsed form of a ScheduleTrigger.
type Recurrence struct {
	Every  time.Duration // interval mode when > 0
	Hour   int           // daily mode otherwise
	Minute int
	Loc    *time.Location
}

// NextAfter returns the first fire time strictly after t.
func (r Recurrence) NextAfter(t time.Time) time.Time {
	if r.Every > 0 {
		return t.Add(r.Every)
	}
	lt := t.In(r.Loc)
	next := time.Date(lt.Year(), lt.Month(), lt.Day(), r.Hour, r.Minute, 0, 0, r.Loc)
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Parse validates and resolves the recurrence spec.
func (t ScheduleTrigger) Parse() (Recurrence, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Recurrence{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}
	spec := strings.TrimSpace(t.Recurrence)
	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return Recurrence{}, fmt.Errorf("invalid interval %q", rest)
		}
		return Recurrence{Every: d, Loc: loc}, nil
	}
	hhmm := strings.Split(spec, ":")
	if len(hhmm) == 2 {
		h, err1 := strconv.Atoi(hhmm[0])
		m, err2 := strconv.Atoi(hhmm[1])
		if err1 == nil && err2 == nil && h >= 0 && h < 24 && m >= 0 && m < 60 {
			return Recurrence{Hour: h, Minute: m, Loc: loc}, nil
		}
	}
	return Recurrence{}, fmt.Errorf("invalid recurrence %q", spec)
}

// Action is one actuator command a rule performs when triggered. A
// positive DurationSeconds implies the inverse command is scheduled
// DurationSeconds later.
type Action struct {
	ActuatorID      string  `json:"actuator_id"`
	Command         string  `json:"command"`
	Value           float64 `json:"value,omitempty"`
	DurationSeconds int     `json:"duration_seconds,omitempty"`
}

func (a Action) Duration() time.Duration {
	return time.Duration(a.DurationSeconds) * time.Second
}

// Signature identifies the physical effect of the action; the ledger uses
// it to spot duplicate dispatches within a cooldown window.
func (a Action) Signature() string {
	return fmt.Sprintf("%s|%s|%g|%d", a.ActuatorID, a.Command, a.Value, a.DurationSeconds)
}

// inverseCommands maps a command to its compensating counterpart.
var inverseCommands = map[string]string{
	"on":    "off",
	"off":   "on",
	"open":  "close",
	"close": "open",
	"start": "stop",
}

// InverseCommand returns the compensating command for a. Suffixed forms
// like "pump_on" invert to "pump_off". Unknown commands fall back to
// "stop", which every actuator firmware accepts.
func (a Action) InverseCommand() string {
	if inv, ok := inverseCommands[a.Command]; ok {
		return inv
	}
	for cmd, inv := range inverseCommands {
		if suffix, found := strings.CutSuffix(a.Command, "_"+cmd); found {
			return suffix + "_" + inv
		}
	}
	return "stop"
}

// ActionsSignature hashes the ordered action list into one ledger signature.
func ActionsSignature(actions []Action) string {
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		parts = append(parts, a.Signature())
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:16])
}

// Rule maps a trigger condition to an ordered list of actuator actions.
// Exactly one of Sensor/Schedule is set.
type Rule struct {
	ID              string           `json:"rule_id"`
	OwnerID         string           `json:"owner_id"`
	FarmID          string           `json:"farm_id"`
	Name            string           `json:"rule_name"`
	Sensor          *SensorTrigger   `json:"sensor_trigger,omitempty"`
	Schedule        *ScheduleTrigger `json:"schedule_trigger,omitempty"`
	Enabled         bool             `json:"enabled"`
	CooldownSeconds int              `json:"cooldown_seconds"`
	Actions         []Action         `json:"actions"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// DefinitionError marks a rule as malformed; such rules are excluded from
// the active snapshot and reported back to the owner.
type DefinitionError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("rule %s: %s: %s", e.RuleID, e.Field, e.Reason)
}

// Validate checks structural invariants of the rule definition.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return &DefinitionError{RuleID: r.ID, Field: "rule_id", Reason: "missing"}
	}
	if (r.Sensor == nil) == (r.Schedule == nil) {
		return &DefinitionError{RuleID: r.ID, Field: "trigger", Reason: "exactly one of sensor_trigger/schedule_trigger required"}
	}
	if r.Sensor != nil {
		if r.Sensor.SensorID == "" {
			return &DefinitionError{RuleID: r.ID, Field: "sensor_trigger.sensor_id", Reason: "missing"}
		}
		if !r.Sensor.Operator.Valid() {
			return &DefinitionError{RuleID: r.ID, Field: "sensor_trigger.operator", Reason: fmt.Sprintf("unknown operator %q", r.Sensor.Operator)}
		}
		if r.Sensor.SustainSeconds < 0 {
			return &DefinitionError{RuleID: r.ID, Field: "sensor_trigger.sustain_seconds", Reason: "negative"}
		}
	}
	if r.Schedule != nil {
		if _, err := r.Schedule.Parse(); err != nil {
			return &DefinitionError{RuleID: r.ID, Field: "schedule_trigger.recurrence", Reason: err.Error()}
		}
	}
	if r.CooldownSeconds < 0 {
		return &DefinitionError{RuleID: r.ID, Field: "cooldown_seconds", Reason: "negative"}
	}
	if len(r.Actions) == 0 {
		return &DefinitionError{RuleID: r.ID, Field: "actions", Reason: "empty"}
	}
	for i, a := range r.Actions {
		if a.ActuatorID == "" {
			return &DefinitionError{RuleID: r.ID, Field: fmt.Sprintf("actions[%d].actuator_id", i), Reason: "missing"}
		}
		if a.Command == "" {
			return &DefinitionError{RuleID: r.ID, Field: fmt.Sprintf("actions[%d].command", i), Reason: "missing"}
		}
		if a.DurationSeconds < 0 {
			return &DefinitionError{RuleID: r.ID, Field: fmt.Sprintf("actions[%d].duration_seconds", i), Reason: "negative"}
		}
	}
	return nil
}

// SortRules orders rules by ID for deterministic evaluation.
func SortRules(rules []*Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}
