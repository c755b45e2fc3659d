package model

import "time"

// Outcome of one trigger attempt.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
)

// Reason codes attached to execution records.
const (
	ReasonCooldownActive     = "cooldown-active"
	ReasonDuplicateCooldown  = "duplicate-within-cooldown"
	ReasonUnknownActuator    = "unknown-actuator"
	ReasonActuatorNotOwned   = "actuator-not-owned"
	ReasonPublishExhausted   = "publish-retries-exhausted"
	ReasonInvalidDefinition  = "invalid-definition"
	ReasonCompensation       = "compensation"
	ReasonCompensationFailed = "compensation-failed"
)

// ExecutionRecord is the append-only audit entry emitted for every
// trigger attempt; owned by the external rule store.
type ExecutionRecord struct {
	RuleID        string    `json:"rule_id"`
	Timestamp     time.Time `json:"timestamp"`
	Outcome       Outcome   `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// RuleState is the coordinator-visible state of a rule's cooldown entry.
type RuleState string

const (
	StateIdle       RuleState = "idle"
	StateTriggered  RuleState = "triggered"
	StateSuppressed RuleState = "suppressed"
)

// CooldownEntry is the ledger row for one rule. Created on the first
// trigger attempt and updated on every subsequent one, never deleted
// while the rule exists.
type CooldownEntry struct {
	RuleID              string    `json:"rule_id"`
	LastTriggeredAt     time.Time `json:"last_triggered_at"`
	LastAttemptAt       time.Time `json:"last_attempt_at"`
	LastActionSignature string    `json:"last_action_signature"`
	State               RuleState `json:"state"`
}
