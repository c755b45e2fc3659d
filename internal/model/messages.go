package model

import (
	"errors"
	"time"
)

// SensorEvent is the canonical form of a reading arriving from the
// sensor event stream.
type SensorEvent struct {
	DeviceID   string    `json:"device_id"`
	SensorID   string    `json:"sensor_id"`
	SensorType string    `json:"sensor_type,omitempty"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// ActuatorCommand is the wire entity published on the command channel.
type ActuatorCommand struct {
	ActuatorID    string                 `json:"actuator_id"`
	Command       string                 `json:"command"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	IssuedAt      time.Time              `json:"issued_at"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
}

// Compensation is a deferred inverse command, durably recorded when the
// primary action carries a duration.
type Compensation struct {
	ID      string          `json:"compensation_id"`
	RuleID  string          `json:"rule_id"`
	Command ActuatorCommand `json:"command"`
	FireAt  time.Time       `json:"fire_at"`
}

// RuleChangeEvent is the change notification published by the rule
// service when a rule or its actions are created, updated or deleted.
type RuleChangeEvent struct {
	RuleID    string    `json:"rule_id"`
	Change    string    `json:"change"` // insert | update | delete
	Timestamp time.Time `json:"timestamp"`
}

// ActuatorInfo is the registry view of an actuator, used to validate
// ownership before dispatch.
type ActuatorInfo struct {
	ActuatorID string `json:"actuator_id"`
	OwnerID    string `json:"owner_id"`
	FarmID     string `json:"farm_id"`
}

// ErrUnknownActuator marks a permanent dispatch failure: the actuator no
// longer exists, so retrying cannot help.
var ErrUnknownActuator = errors.New("unknown actuator")
