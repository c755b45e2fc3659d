// Package ledger tracks last-trigger time and last action signature per
// rule. It is the single gate preventing duplicate physical actuation, so
// the accept decision must be atomic relative to the read.
package ledger

import (
	"context"
	"time"

	"github.com/agrinet/ruleworker/internal/model"
)

// Decision is the outcome of a cooldown gate check.
type Decision struct {
	Accepted bool
	Reason   string // cooldown-active | duplicate-within-cooldown when suppressed
}

// Ledger is the shared keyed store behind the cooldown gate. Production
// deployments use the Redis implementation so multiple worker instances
// share suppression state; Memory exists for tests and single-node runs.
type Ledger interface {
	// TryAcceptTrigger accepts the trigger iff no entry exists or the
	// cooldown elapsed since last_triggered_at. The read and the update
	// of last_triggered_at/last_action_signature are atomic per rule.
	TryAcceptTrigger(ctx context.Context, ruleID string, now time.Time, signature string, cooldown time.Duration) (Decision, error)

	// Entry returns the cooldown entry for one rule, if present.
	Entry(ctx context.Context, ruleID string) (model.CooldownEntry, bool, error)

	// Entries lists all cooldown entries, for operational inspection.
	Entries(ctx context.Context) ([]model.CooldownEntry, error)
}

func suppressReason(sameSignature bool) string {
	if sameSignature {
		return model.ReasonDuplicateCooldown
	}
	return model.ReasonCooldownActive
}
