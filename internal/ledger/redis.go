package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agrinet/ruleworker/internal/model"
)

const keyPrefix = "rule:cooldown:"

// acceptScript performs the read-compare-update in one atomic step on the
// Redis side, so concurrent candidate triggers for the same rule cannot
// both pass the gate.
//
// KEYS[1] entry hash, ARGV: now_ms, signature, cooldown_ms.
// Returns {accepted(0|1), reason}.
var acceptScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'last_triggered_ms')
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[3])
if last and (now - tonumber(last)) < cooldown then
  local prev = redis.call('HGET', KEYS[1], 'signature')
  redis.call('HSET', KEYS[1], 'state', 'suppressed', 'last_attempt_ms', ARGV[1])
  if prev == ARGV[2] then
    return {0, 'duplicate-within-cooldown'}
  end
  return {0, 'cooldown-active'}
end
redis.call('HSET', KEYS[1], 'last_triggered_ms', ARGV[1], 'signature', ARGV[2], 'state', 'triggered', 'last_attempt_ms', ARGV[1])
return {1, ''}
`)

// Redis is the shared Ledger used when the worker is horizontally scaled.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(client *redis.Client, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{client: client, timeout: timeout}
}

func (r *Redis) TryAcceptTrigger(ctx context.Context, ruleID string, now time.Time, signature string, cooldown time.Duration) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := acceptScript.Run(ctx, r.client,
		[]string{keyPrefix + ruleID},
		now.UnixMilli(), signature, cooldown.Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ledger accept %s: %w", ruleID, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("ledger accept %s: unexpected reply %v", ruleID, res)
	}
	accepted, _ := vals[0].(int64)
	reason, _ := vals[1].(string)
	return Decision{Accepted: accepted == 1, Reason: reason}, nil
}

func (r *Redis) Entry(ctx context.Context, ruleID string) (model.CooldownEntry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, keyPrefix+ruleID).Result()
	if err != nil {
		return model.CooldownEntry{}, false, fmt.Errorf("ledger entry %s: %w", ruleID, err)
	}
	if len(fields) == 0 {
		return model.CooldownEntry{}, false, nil
	}
	return entryFromHash(ruleID, fields), true, nil
}

func (r *Redis) Entries(ctx context.Context) ([]model.CooldownEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.CooldownEntry
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("ledger entries: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, entryFromHash(key[len(keyPrefix):], fields))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ledger entries: %w", err)
	}
	return out, nil
}

func entryFromHash(ruleID string, fields map[string]string) model.CooldownEntry {
	e := model.CooldownEntry{
		RuleID:              ruleID,
		LastActionSignature: fields["signature"],
		State:               model.RuleState(fields["state"]),
	}
	if ms, err := strconv.ParseInt(fields["last_triggered_ms"], 10, 64); err == nil {
		e.LastTriggeredAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["last_attempt_ms"], 10, 64); err == nil {
		e.LastAttemptAt = time.UnixMilli(ms).UTC()
	}
	return e
}
