// Package worker coordinates the control loop: it owns the bounded
// ingestion queue and the scheduler tick stream, drains both into the
// evaluator, routes matches through the cooldown ledger and hands
// accepted triggers to the dispatcher. Work for one rule is always
// serialized on one lane; distinct rules run concurrently.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agrinet/ruleworker/internal/ledger"
	"github.com/agrinet/ruleworker/internal/model"
	"github.com/agrinet/ruleworker/internal/services/dispatcher"
	"github.com/agrinet/ruleworker/internal/services/evaluator"
	"github.com/agrinet/ruleworker/internal/services/scheduler"
	"github.com/agrinet/ruleworker/pkg/dedup"
)

// Shedding policies applied when the ingestion queue is full.
const (
	ShedDropOldest = "drop-oldest"
	ShedBlock      = "block"
)

// RuleSource is the external rule store adapter.
type RuleSource interface {
	Snapshot(ctx context.Context) ([]model.Rule, error)
	PostRecord(ctx context.Context, rec model.ExecutionRecord) error
}

type Config struct {
	QueueSize     int
	Lanes         int
	ShedPolicy    string
	BlockTimeout  time.Duration
	TickInterval  time.Duration
	LedgerTimeout time.Duration
	HistoryWindow time.Duration
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Lanes <= 0 {
		c.Lanes = 8
	}
	if c.ShedPolicy == "" {
		c.ShedPolicy = ShedDropOldest
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 250 * time.Millisecond
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = 2 * time.Second
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 15 * time.Minute
	}
}

type laneTask struct {
	match evaluator.Match
	at    time.Time
	comp  *model.Compensation
}

type Worker struct {
	cfg   Config
	led   ledger.Ledger
	disp  *dispatcher.Dispatcher
	sched *scheduler.Scheduler
	src   RuleSource
	audit *Audit

	snap    atomic.Pointer[evaluator.Snapshot]
	hist    *evaluator.History
	queue   chan model.SensorEvent
	ticks   chan scheduler.TickItem
	lanes   []chan laneTask
	reload  chan struct{}
	deduper *dedup.Deduper
	metrics *Metrics
	now     func() time.Time
}

// New builds a Worker. The dispatcher is wired afterwards with
// SetDispatcher because it needs the worker as its Recorder.
func New(cfg Config, led ledger.Ledger, sched *scheduler.Scheduler, src RuleSource, audit *Audit, reg prometheus.Registerer, now func() time.Time) *Worker {
	cfg.setDefaults()
	if now == nil {
		now = time.Now
	}
	w := &Worker{
		cfg:     cfg,
		led:     led,
		sched:   sched,
		src:     src,
		audit:   audit,
		hist:    evaluator.NewHistory(cfg.HistoryWindow),
		queue:   make(chan model.SensorEvent, cfg.QueueSize),
		ticks:   make(chan scheduler.TickItem, 256),
		reload:  make(chan struct{}, 1),
		deduper: dedup.New(10*time.Minute, 20000),
		now:     now,
	}
	w.lanes = make([]chan laneTask, cfg.Lanes)
	for i := range w.lanes {
		w.lanes[i] = make(chan laneTask, 64)
	}
	w.snap.Store(evaluator.BuildSnapshot(nil))
	w.metrics = NewMetrics(reg, func() float64 { return float64(len(w.queue)) })
	return w
}

// SetDispatcher wires the dispatcher after construction; the dispatcher
// needs the worker as its Recorder, so the two are built in two steps.
func (w *Worker) SetDispatcher(d *dispatcher.Dispatcher) { w.disp = d }

func (w *Worker) History() *evaluator.History   { return w.hist }
func (w *Worker) Snapshot() *evaluator.Snapshot { return w.snap.Load() }

// LoadRules fetches, validates and installs a fresh rule snapshot.
// Rejected definitions are reported through the audit channel.
func (w *Worker) LoadRules(ctx context.Context) error {
	rules, err := w.src.Snapshot(ctx)
	if err != nil {
		return err
	}
	snap := evaluator.BuildSnapshot(rules)
	w.snap.Store(snap)
	w.sched.SyncRules(snap.Rules())
	for _, rej := range snap.Rejected() {
		w.Record(ctx, model.ExecutionRecord{
			RuleID:    rej.RuleID,
			Timestamp: w.now().UTC(),
			Outcome:   model.OutcomeFailed,
			Reason:    model.ReasonInvalidDefinition + ": " + rej.Reason,
		})
	}
	log.Printf("worker: snapshot installed: %d active rule(s), %d rejected", len(snap.Rules()), len(snap.Rejected()))
	return nil
}

// HandleSensorMessage is the MQTT handler for the sensor event stream.
// It normalizes the payload and enqueues it without ever blocking on a
// slow dispatch; saturation triggers the shedding policy instead.
func (w *Worker) HandleSensorMessage(_ string, m mqtt.Message) error {
	sum := sha256.Sum256(m.Payload())
	if !w.deduper.ShouldProcess(hex.EncodeToString(sum[:])) {
		return nil
	}
	var ev model.SensorEvent
	if err := json.Unmarshal(m.Payload(), &ev); err != nil {
		log.Printf("worker: bad sensor payload on %s: %v", m.Topic(), err)
		return nil
	}
	if ev.SensorID == "" {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.now().UTC()
	}
	w.enqueue(ev)
	return nil
}

func (w *Worker) enqueue(ev model.SensorEvent) {
	select {
	case w.queue <- ev:
		w.metrics.EventsIngested.Inc()
		return
	default:
	}

	switch w.cfg.ShedPolicy {
	case ShedBlock:
		select {
		case w.queue <- ev:
			w.metrics.EventsIngested.Inc()
		case <-time.After(w.cfg.BlockTimeout):
			w.metrics.EventsShed.Inc()
			log.Printf("worker: queue full, dropped event sensor=%s", ev.SensorID)
		}
	default: // drop-oldest
		select {
		case <-w.queue:
			w.metrics.EventsShed.Inc()
		default:
		}
		select {
		case w.queue <- ev:
			w.metrics.EventsIngested.Inc()
		default:
			w.metrics.EventsShed.Inc()
		}
	}
}

// HandleRuleChange requests a snapshot reload. Bursts of notifications
// coalesce into one reload.
func (w *Worker) HandleRuleChange(evt model.RuleChangeEvent) {
	log.Printf("worker: rule change %s (%s)", evt.RuleID, evt.Change)
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Run drains the queues until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := range w.lanes {
		wg.Add(1)
		go func(lane chan laneTask) {
			defer wg.Done()
			w.runLane(ctx, lane)
		}(w.lanes[i])
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.sched.Run(ctx, w.cfg.TickInterval, w.ticks)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runIngest(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runTicks(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runReload(ctx)
	}()

	wg.Wait()
}

func (w *Worker) runIngest(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.queue:
			w.hist.Observe(ev.SensorID, ev.Value, ev.Timestamp)
			w.metrics.Evaluations.Inc()
			matches, skips := w.snap.Load().EvaluateEvent(ev, w.hist)
			for _, sk := range skips {
				w.metrics.EvaluationSkips.Inc()
				log.Printf("worker: rule %s skipped for sensor %s: %s", sk.Rule.ID, ev.SensorID, sk.Reason)
			}
			for _, m := range matches {
				w.metrics.Matches.Inc()
				w.routeLane(ctx, m.Rule.ID, laneTask{match: m, at: ev.Timestamp})
			}
		}
	}
}

func (w *Worker) runTicks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-w.ticks:
			if item.Compensation != nil {
				w.routeLane(ctx, item.RuleID, laneTask{comp: item.Compensation, at: item.Due})
				continue
			}
			w.metrics.Evaluations.Inc()
			m, ok := w.snap.Load().EvaluateTick(item.RuleID)
			if !ok {
				continue
			}
			w.metrics.Matches.Inc()
			w.routeLane(ctx, item.RuleID, laneTask{match: m, at: w.now().UTC()})
		}
	}
}

func (w *Worker) runReload(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reload:
			// absorb the burst before hitting the rule store
			time.Sleep(200 * time.Millisecond)
			if err := w.LoadRules(ctx); err != nil {
				log.Printf("worker: snapshot reload failed: %v", err)
			}
		}
	}
}

// routeLane hashes the rule id onto a fixed lane so all work for one
// rule is serialized while distinct rules proceed in parallel.
func (w *Worker) routeLane(ctx context.Context, ruleID string, t laneTask) {
	h := fnv.New32a()
	h.Write([]byte(ruleID))
	lane := w.lanes[int(h.Sum32())%len(w.lanes)]
	select {
	case lane <- t:
	case <-ctx.Done():
	}
}

func (w *Worker) runLane(ctx context.Context, lane chan laneTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-lane:
			if t.comp != nil {
				w.disp.DispatchCompensation(ctx, *t.comp)
				continue
			}
			w.processTrigger(ctx, t.match, t.at)
		}
	}
}

// processTrigger runs the cooldown gate and, on acceptance, dispatches.
// A ledger failure is systemic: the decision is paused (no record, no
// dispatch) and the trigger is dropped until the rule fires again.
func (w *Worker) processTrigger(ctx context.Context, m evaluator.Match, at time.Time) {
	rule := m.Rule
	sig := model.ActionsSignature(m.Actions)

	lctx, cancel := context.WithTimeout(ctx, w.cfg.LedgerTimeout)
	dec, err := w.led.TryAcceptTrigger(lctx, rule.ID, at, sig, rule.Cooldown())
	cancel()
	if err != nil {
		w.metrics.LedgerErrors.Inc()
		log.Printf("worker: ledger unavailable for rule %s: %v", rule.ID, err)
		return
	}
	if !dec.Accepted {
		w.metrics.Suppressed.WithLabelValues(dec.Reason).Inc()
		w.Record(ctx, model.ExecutionRecord{
			RuleID:    rule.ID,
			Timestamp: w.now().UTC(),
			Outcome:   model.OutcomeSuppressed,
			Reason:    dec.Reason,
		})
		return
	}

	w.metrics.Accepted.Inc()
	correlationID := uuid.NewString()
	for _, res := range w.disp.Dispatch(ctx, rule, m.Actions, correlationID) {
		if res.Outcome == model.OutcomeDispatched && res.Action.DurationSeconds > 0 {
			w.metrics.Compensations.Inc()
		}
	}
}

// Record implements dispatcher.Recorder: every outcome is counted,
// mirrored into the audit store and appended to the rule store.
func (w *Worker) Record(ctx context.Context, rec model.ExecutionRecord) {
	w.metrics.Dispatches.WithLabelValues(string(rec.Outcome)).Inc()
	w.audit.WriteRecord(rec)
	if err := w.src.PostRecord(ctx, rec); err != nil {
		log.Printf("worker: post execution record rule %s: %v", rec.RuleID, err)
	}
}

// DryRunResult is the manual "evaluate rule now" outcome: no cooldown
// gate, no dispatch.
type DryRunResult struct {
	RuleID  string         `json:"rule_id"`
	Matched bool           `json:"matched"`
	Reason  string         `json:"reason,omitempty"`
	Value   float64        `json:"value,omitempty"`
	Actions []model.Action `json:"actions,omitempty"`
}

// DryRun evaluates one rule against a supplied value (or the latest
// retained reading when useLatest is set).
func (w *Worker) DryRun(ruleID string, value float64, useLatest bool) (DryRunResult, bool) {
	snap := w.snap.Load()
	rule, ok := snap.Rule(ruleID)
	if !ok {
		return DryRunResult{}, false
	}
	res := DryRunResult{RuleID: ruleID}

	if rule.Schedule != nil {
		// schedule rules always match on a manual evaluation
		res.Matched = true
		res.Actions = rule.Actions
		return res, true
	}

	trig := rule.Sensor
	v := value
	if useLatest {
		latest, _, ok := w.hist.Latest(trig.SensorID)
		if !ok {
			res.Reason = "no retained reading for sensor " + trig.SensorID
			return res, true
		}
		v = latest
	}
	res.Value = v
	if !trig.Operator.Compare(v, trig.Threshold) {
		res.Reason = "condition not met"
		return res, true
	}
	if sustain := trig.Sustain(); sustain > 0 {
		held, err := w.hist.SustainedSince(trig.SensorID, w.now().Add(-sustain), func(x float64) bool {
			return trig.Operator.Compare(x, trig.Threshold)
		})
		if err != nil {
			res.Reason = err.Error()
			return res, true
		}
		if !held {
			res.Reason = "condition not sustained"
			return res, true
		}
	}
	res.Matched = true
	res.Actions = rule.Actions
	return res, true
}

// Cooldowns lists the ledger entries for operational inspection.
func (w *Worker) Cooldowns(ctx context.Context) ([]model.CooldownEntry, error) {
	return w.led.Entries(ctx)
}
