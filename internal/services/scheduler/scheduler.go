// Package scheduler drives time-based rule triggers and deferred
// compensating actions. Recurring entries belong to ScheduleTrigger
// rules; one-shot entries are compensations registered by the dispatcher
// and survive restarts through the CompensationStore.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/agrinet/ruleworker/internal/model"
)

// TickItem is one due item returned by Tick: either a recurring rule
// trigger (Compensation nil) or a one-shot compensating action.
type TickItem struct {
	RuleID       string
	Due          time.Time
	Compensation *model.Compensation
}

// CompensationStore durably records pending one-shot actions so a device
// left "on" still receives its "off" after a process restart.
type CompensationStore interface {
	Save(ctx context.Context, c model.Compensation) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]model.Compensation, error)
}

type recurringEntry struct {
	rec  model.Recurrence
	next time.Time
}

type Scheduler struct {
	mu        sync.Mutex
	recurring map[string]*recurringEntry    // rule_id -> entry
	oneShots  map[string]model.Compensation // compensation_id -> pending
	store     CompensationStore
	now       func() time.Time
}

func New(store CompensationStore, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		recurring: make(map[string]*recurringEntry),
		oneShots:  make(map[string]model.Compensation),
		store:     store,
		now:       now,
	}
}

// SyncRules reconciles recurring entries with the active snapshot:
// schedule rules gain/keep an entry, everything else loses it. Pending
// one-shots are untouched: disabling a rule never cancels its
// compensating action.
func (s *Scheduler) SyncRules(rules []*model.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]struct{}, len(rules))
	now := s.now()
	for _, r := range rules {
		if r.Schedule == nil || !r.Enabled {
			continue
		}
		rec, err := r.Schedule.Parse()
		if err != nil {
			// validated at snapshot build; defensive parse failure only
			log.Printf("scheduler: skip rule %s: %v", r.ID, err)
			continue
		}
		keep[r.ID] = struct{}{}
		if e, ok := s.recurring[r.ID]; ok {
			e.rec = rec
			continue
		}
		s.recurring[r.ID] = &recurringEntry{rec: rec, next: rec.NextAfter(now)}
	}
	for id := range s.recurring {
		if _, ok := keep[id]; !ok {
			delete(s.recurring, id)
		}
	}
}

// RegisterCompensation durably records the one-shot, then arms it.
func (s *Scheduler) RegisterCompensation(ctx context.Context, c model.Compensation) error {
	if s.store != nil {
		if err := s.store.Save(ctx, c); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.oneShots[c.ID] = c
	s.mu.Unlock()
	return nil
}

// Restore reloads pending one-shots recorded before a restart.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	pending, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, c := range pending {
		s.oneShots[c.ID] = c
	}
	s.mu.Unlock()
	log.Printf("scheduler: restored %d pending compensation(s)", len(pending))
	return nil
}

// PendingCompensations returns the armed one-shots, ordered by fire time.
func (s *Scheduler) PendingCompensations() []model.Compensation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Compensation, 0, len(s.oneShots))
	for _, c := range s.oneShots {
		out = append(out, c)
	}
	return out
}

// Tick returns every item due at now and advances the schedule. A
// recurring entry whose next-fire drifted into the past (process
// downtime) fires exactly once, then reschedules forward from now; it
// never replays the missed backlog. One-shots are removed on fire.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []TickItem {
	s.mu.Lock()
	var due []TickItem
	for id, e := range s.recurring {
		if e.next.After(now) {
			continue
		}
		due = append(due, TickItem{RuleID: id, Due: e.next})
		e.next = e.rec.NextAfter(now)
	}
	var fired []model.Compensation
	for id, c := range s.oneShots {
		if c.FireAt.After(now) {
			continue
		}
		c := c
		due = append(due, TickItem{RuleID: c.RuleID, Due: c.FireAt, Compensation: &c})
		fired = append(fired, c)
		delete(s.oneShots, id)
	}
	s.mu.Unlock()

	for _, c := range fired {
		if s.store != nil {
			if err := s.store.Delete(ctx, c.ID); err != nil {
				log.Printf("scheduler: delete compensation %s: %v", c.ID, err)
			}
		}
	}
	return due
}

// Run drives Tick at the configured granularity and pushes due items to
// out. time.Ticker is backed by the monotonic clock, so the cadence does
// not drift with wall-clock adjustments.
func (s *Scheduler) Run(ctx context.Context, granularity time.Duration, out chan<- TickItem) {
	if granularity <= 0 {
		granularity = time.Second
	}
	ticker := time.NewTicker(granularity)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, item := range s.Tick(ctx, s.now()) {
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
