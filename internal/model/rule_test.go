package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSensorRule() Rule {
	return Rule{
		ID:      "r1",
		OwnerID: "u1",
		FarmID:  "f1",
		Name:    "low moisture",
		Sensor: &SensorTrigger{
			SensorID:  "s1",
			Operator:  OpLess,
			Threshold: 30,
		},
		Enabled:         true,
		CooldownSeconds: 600,
		Actions:         []Action{{ActuatorID: "a1", Command: "pump_on", DurationSeconds: 300}},
	}
}

func TestRuleValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		r := validSensorRule()
		require.NoError(t, r.Validate())
	})

	t.Run("missing trigger", func(t *testing.T) {
		r := validSensorRule()
		r.Sensor = nil
		var defErr *DefinitionError
		require.ErrorAs(t, r.Validate(), &defErr)
		assert.Equal(t, "trigger", defErr.Field)
	})

	t.Run("both triggers", func(t *testing.T) {
		r := validSensorRule()
		r.Schedule = &ScheduleTrigger{Recurrence: "06:00"}
		require.Error(t, r.Validate())
	})

	t.Run("empty actions", func(t *testing.T) {
		r := validSensorRule()
		r.Actions = nil
		var defErr *DefinitionError
		require.ErrorAs(t, r.Validate(), &defErr)
		assert.Equal(t, "actions", defErr.Field)
	})

	t.Run("invalid operator", func(t *testing.T) {
		r := validSensorRule()
		r.Sensor.Operator = "<>"
		require.Error(t, r.Validate())
	})

	t.Run("negative cooldown", func(t *testing.T) {
		r := validSensorRule()
		r.CooldownSeconds = -1
		require.Error(t, r.Validate())
	})

	t.Run("bad recurrence", func(t *testing.T) {
		r := validSensorRule()
		r.Sensor = nil
		r.Schedule = &ScheduleTrigger{Recurrence: "every hour"}
		require.Error(t, r.Validate())
	})
}

func TestOperatorCompare(t *testing.T) {
	cases := []struct {
		op        Operator
		v, thresh float64
		want      bool
	}{
		{OpGreater, 5, 4, true},
		{OpGreater, 4, 4, false},
		{OpLess, 3, 4, true},
		{OpGreaterEqual, 4, 4, true},
		{OpLessEqual, 5, 4, false},
		{OpEqual, 4, 4, true},
		{OpNotEqual, 4, 4, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.op.Compare(c.v, c.thresh), "%g %s %g", c.v, c.op, c.thresh)
	}
}

func TestActionsSignature(t *testing.T) {
	a := []Action{{ActuatorID: "a1", Command: "pump_on", DurationSeconds: 300}}
	b := []Action{{ActuatorID: "a1", Command: "pump_on", DurationSeconds: 300}}
	c := []Action{{ActuatorID: "a1", Command: "pump_off"}}

	assert.Equal(t, ActionsSignature(a), ActionsSignature(b))
	assert.NotEqual(t, ActionsSignature(a), ActionsSignature(c))
}

func TestInverseCommand(t *testing.T) {
	cases := map[string]string{
		"on":         "off",
		"off":        "on",
		"open":       "close",
		"pump_on":    "pump_off",
		"valve_open": "valve_close",
		"set_speed":  "stop",
	}
	for cmd, want := range cases {
		assert.Equal(t, want, Action{Command: cmd}.InverseCommand(), cmd)
	}
}

func TestScheduleTriggerParse(t *testing.T) {
	t.Run("interval", func(t *testing.T) {
		rec, err := ScheduleTrigger{Recurrence: "@every 90s"}.Parse()
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, rec.Every)

		base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		assert.Equal(t, base.Add(90*time.Second), rec.NextAfter(base))
	})

	t.Run("daily", func(t *testing.T) {
		rec, err := ScheduleTrigger{Recurrence: "06:00", Timezone: "Europe/Rome"}.Parse()
		require.NoError(t, err)

		rome, _ := time.LoadLocation("Europe/Rome")
		before := time.Date(2026, 3, 1, 5, 30, 0, 0, rome)
		next := rec.NextAfter(before)
		assert.Equal(t, time.Date(2026, 3, 1, 6, 0, 0, 0, rome), next)

		after := time.Date(2026, 3, 1, 6, 0, 0, 0, rome)
		assert.Equal(t, time.Date(2026, 3, 2, 6, 0, 0, 0, rome), rec.NextAfter(after))
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := ScheduleTrigger{Recurrence: "25:00"}.Parse()
		require.Error(t, err)
		_, err = ScheduleTrigger{Recurrence: "@every -5s"}.Parse()
		require.Error(t, err)
		_, err = ScheduleTrigger{Recurrence: "06:00", Timezone: "Mars/Olympus"}.Parse()
		require.Error(t, err)
	})
}
