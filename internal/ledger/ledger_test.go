package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrinet/ruleworker/internal/model"
)

func TestMemoryAcceptAndSuppress(t *testing.T) {
	ctx := context.Background()
	led := NewMemory()
	t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	cooldown := 600 * time.Second

	dec, err := led.TryAcceptTrigger(ctx, "r1", t0, "sig-a", cooldown)
	require.NoError(t, err)
	assert.True(t, dec.Accepted, "first trigger must be accepted")

	// same signature inside the cooldown window
	dec, err = led.TryAcceptTrigger(ctx, "r1", t0.Add(10*time.Second), "sig-a", cooldown)
	require.NoError(t, err)
	assert.False(t, dec.Accepted)
	assert.Equal(t, model.ReasonDuplicateCooldown, dec.Reason)

	// different signature inside the cooldown window
	dec, err = led.TryAcceptTrigger(ctx, "r1", t0.Add(20*time.Second), "sig-b", cooldown)
	require.NoError(t, err)
	assert.False(t, dec.Accepted)
	assert.Equal(t, model.ReasonCooldownActive, dec.Reason)

	// suppressed attempts must not extend the cooldown window
	dec, err = led.TryAcceptTrigger(ctx, "r1", t0.Add(cooldown), "sig-a", cooldown)
	require.NoError(t, err)
	assert.True(t, dec.Accepted, "identical signature after cooldown is intended repetition")
}

func TestMemoryZeroCooldown(t *testing.T) {
	ctx := context.Background()
	led := NewMemory()
	t0 := time.Now()

	for i := 0; i < 3; i++ {
		dec, err := led.TryAcceptTrigger(ctx, "r1", t0.Add(time.Duration(i)*time.Millisecond), "sig", 0)
		require.NoError(t, err)
		assert.True(t, dec.Accepted)
	}
}

func TestMemoryEntryLifecycle(t *testing.T) {
	ctx := context.Background()
	led := NewMemory()
	t0 := time.Now()

	_, ok, err := led.Entry(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok, "no entry before the first attempt")

	_, err = led.TryAcceptTrigger(ctx, "r1", t0, "sig", time.Minute)
	require.NoError(t, err)
	e, ok, err := led.Entry(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StateTriggered, e.State)
	assert.Equal(t, "sig", e.LastActionSignature)

	_, err = led.TryAcceptTrigger(ctx, "r1", t0.Add(time.Second), "sig", time.Minute)
	require.NoError(t, err)
	e, _, _ = led.Entry(ctx, "r1")
	assert.Equal(t, model.StateSuppressed, e.State)
	assert.Equal(t, t0, e.LastTriggeredAt, "suppression must not advance last_triggered_at")

	entries, err := led.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "entries are never deleted")
}

// Concurrent candidate triggers for the same rule inside one cooldown
// window must produce exactly one acceptance.
func TestMemoryConcurrentAttempts(t *testing.T) {
	ctx := context.Background()
	led := NewMemory()
	now := time.Now()

	var wg sync.WaitGroup
	accepted := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := led.TryAcceptTrigger(ctx, "r1", now, "sig", time.Hour)
			assert.NoError(t, err)
			if dec.Accepted {
				accepted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(accepted)

	n := 0
	for range accepted {
		n++
	}
	assert.Equal(t, 1, n)
}
