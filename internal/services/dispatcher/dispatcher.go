// Package dispatcher turns accepted triggers into actuator command
// messages. Delivery is at-least-once: success means the publish call
// succeeded, not that the actuator acknowledged anything.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agrinet/ruleworker/internal/model"
)

// Publisher is the command channel. Satisfied by broker.Publisher.
type Publisher interface {
	PublishToQos(topic string, qos byte, retained bool, payload string) error
}

// Registry resolves actuator ownership before dispatch.
type Registry interface {
	Lookup(ctx context.Context, actuatorID string) (model.ActuatorInfo, error)
}

// Recorder receives one execution record per outcome; nothing is
// silently swallowed.
type Recorder interface {
	Record(ctx context.Context, rec model.ExecutionRecord)
}

// CompensationScheduler arms the deferred inverse command for actions
// with a duration.
type CompensationScheduler interface {
	RegisterCompensation(ctx context.Context, c model.Compensation) error
}

// DispatchResult is the per-action outcome of a dispatch.
type DispatchResult struct {
	Action        model.Action
	Outcome       model.Outcome
	Reason        string
	CorrelationID string
}

type Config struct {
	TopicTemplate  string // e.g. "actuator/cmd/{actuator}"
	MaxAttempts    int
	InitialBackoff time.Duration
	CommandTTL     time.Duration // expires_at = issued_at + TTL when > 0
}

type Dispatcher struct {
	pub   Publisher
	reg   Registry
	rec   Recorder
	sched CompensationScheduler
	cfg   Config
	now   func() time.Time
}

func New(pub Publisher, reg Registry, rec Recorder, sched CompensationScheduler, cfg Config, now func() time.Time) *Dispatcher {
	if cfg.TopicTemplate == "" {
		cfg.TopicTemplate = "actuator/cmd/{actuator}"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{pub: pub, reg: reg, rec: rec, sched: sched, cfg: cfg, now: now}
}

// Dispatch publishes one command per action. Failures are isolated per
// action; a failing action never aborts the rest of the list.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *model.Rule, actions []model.Action, correlationID string) []DispatchResult {
	results := make([]DispatchResult, 0, len(actions))
	for i, action := range actions {
		res := d.dispatchAction(ctx, rule, action, actionCorrelationID(correlationID, i))
		results = append(results, res)
		d.rec.Record(ctx, model.ExecutionRecord{
			RuleID:        rule.ID,
			Timestamp:     d.now().UTC(),
			Outcome:       res.Outcome,
			Reason:        res.Reason,
			CorrelationID: res.CorrelationID,
		})
	}
	return results
}

func (d *Dispatcher) dispatchAction(ctx context.Context, rule *model.Rule, action model.Action, correlationID string) DispatchResult {
	res := DispatchResult{Action: action, CorrelationID: correlationID}

	info, err := d.reg.Lookup(ctx, action.ActuatorID)
	if err != nil {
		if isPermanent(err) {
			// PermanentDispatchError: no retry, flagged for the owner
			res.Outcome = model.OutcomeFailed
			res.Reason = model.ReasonUnknownActuator
			log.Printf("dispatcher: rule %s: actuator %s unknown", rule.ID, action.ActuatorID)
			return res
		}
		res.Outcome = model.OutcomeFailed
		res.Reason = model.ReasonPublishExhausted
		log.Printf("dispatcher: rule %s: registry lookup %s: %v", rule.ID, action.ActuatorID, err)
		return res
	}
	if info.OwnerID != rule.OwnerID {
		res.Outcome = model.OutcomeFailed
		res.Reason = model.ReasonActuatorNotOwned
		log.Printf("dispatcher: rule %s: actuator %s owned by %s, not %s",
			rule.ID, action.ActuatorID, info.OwnerID, rule.OwnerID)
		return res
	}

	now := d.now().UTC()
	cmd := model.ActuatorCommand{
		ActuatorID:    action.ActuatorID,
		Command:       action.Command,
		CorrelationID: correlationID,
		IssuedAt:      now,
	}
	if action.Value != 0 {
		cmd.Parameters = map[string]interface{}{"value": action.Value}
	}
	if d.cfg.CommandTTL > 0 {
		exp := now.Add(d.cfg.CommandTTL)
		cmd.ExpiresAt = &exp
	}

	// Register the compensation before the primary publish: if we crash
	// in between, a spurious inverse command is harmless (commands are
	// idempotent) while a device stuck "on" is not.
	if dur := action.Duration(); dur > 0 {
		comp := model.Compensation{
			ID:     uuid.NewString(),
			RuleID: rule.ID,
			Command: model.ActuatorCommand{
				ActuatorID:    action.ActuatorID,
				Command:       action.InverseCommand(),
				CorrelationID: correlationID + "-comp",
				IssuedAt:      now,
			},
			FireAt: now.Add(dur),
		}
		if err := d.sched.RegisterCompensation(ctx, comp); err != nil {
			res.Outcome = model.OutcomeFailed
			res.Reason = model.ReasonPublishExhausted
			log.Printf("dispatcher: rule %s: register compensation: %v", rule.ID, err)
			return res
		}
	}

	if err := d.publish(ctx, cmd); err != nil {
		res.Outcome = model.OutcomeFailed
		res.Reason = model.ReasonPublishExhausted
		log.Printf("dispatcher: rule %s: publish %s: %v", rule.ID, action.ActuatorID, err)
		return res
	}
	res.Outcome = model.OutcomeDispatched
	return res
}

// DispatchCompensation publishes a due compensating command. It runs
// regardless of the rule's current enabled state.
func (d *Dispatcher) DispatchCompensation(ctx context.Context, comp model.Compensation) {
	cmd := comp.Command
	cmd.IssuedAt = d.now().UTC()

	rec := model.ExecutionRecord{
		RuleID:        comp.RuleID,
		Timestamp:     cmd.IssuedAt,
		CorrelationID: cmd.CorrelationID,
	}
	if err := d.publish(ctx, cmd); err != nil {
		log.Printf("dispatcher: compensation %s publish: %v", comp.ID, err)
		rec.Outcome = model.OutcomeFailed
		rec.Reason = model.ReasonCompensationFailed
	} else {
		rec.Outcome = model.OutcomeDispatched
		rec.Reason = model.ReasonCompensation
	}
	d.rec.Record(ctx, rec)
}

// publish retries transient failures with bounded exponential backoff up
// to the attempt ceiling; there is no further automatic retry after that.
func (d *Dispatcher) publish(ctx context.Context, cmd model.ActuatorCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	topic := strings.ReplaceAll(d.cfg.TopicTemplate, "{actuator}", cmd.ActuatorID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff
	bo.MaxElapsedTime = 0 // bounded by the attempt ceiling, not elapsed time

	return backoff.Retry(func() error {
		return d.pub.PublishToQos(topic, 1, false, string(payload))
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.cfg.MaxAttempts-1)), ctx))
}

func isPermanent(err error) bool {
	return errors.Is(err, model.ErrUnknownActuator)
}

func actionCorrelationID(base string, idx int) string {
	if idx == 0 {
		return base
	}
	return base + "-" + uuid.NewString()[:8]
}
