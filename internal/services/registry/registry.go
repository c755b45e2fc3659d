// Package registry resolves actuator ownership through the external
// device service, with a short TTL cache in front of it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agrinet/ruleworker/internal/model"
)

type cacheEntry struct {
	info    model.ActuatorInfo
	expires time.Time
}

type Client struct {
	base string
	hc   *http.Client
	cb   *gobreaker.CircuitBreaker
	ttl  time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewClient(base string, timeout, cacheTTL time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Client{
		base: base,
		hc:   &http.Client{Timeout: timeout},
		ttl:  cacheTTL,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "actuator-registry",
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Lookup resolves an actuator. A 404 from the device service means the
// actuator was deleted: that is model.ErrUnknownActuator, a permanent
// failure. Transport errors and breaker-open are transient.
func (c *Client) Lookup(ctx context.Context, actuatorID string) (model.ActuatorInfo, error) {
	c.mu.Lock()
	if e, ok := c.cache[actuatorID]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.info, nil
	}
	c.mu.Unlock()

	out, err := c.cb.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/internal/actuators/%s", c.base, actuatorID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownActuator, actuatorID)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		var info model.ActuatorInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return nil, err
		}
		return info, nil
	})
	if err != nil {
		return model.ActuatorInfo{}, fmt.Errorf("registry lookup %s: %w", actuatorID, err)
	}

	info := out.(model.ActuatorInfo)
	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]cacheEntry)
	}
	c.cache[actuatorID] = cacheEntry{info: info, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return info, nil
}
