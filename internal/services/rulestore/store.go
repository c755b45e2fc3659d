// Package rulestore adapts the externally owned rule service: read-only
// rule snapshots, change notifications over MQTT and append-only
// execution records. The core never writes rule definitions.
package rulestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sony/gobreaker"

	"github.com/agrinet/ruleworker/internal/model"
)

// ErrUnavailable wraps breaker-open and transport failures; callers treat
// it as transient.
var ErrUnavailable = errors.New("rule store unavailable")

type Client struct {
	base string
	hc   *http.Client
	cb   *gobreaker.CircuitBreaker
}

func NewClient(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base: base,
		hc:   &http.Client{Timeout: timeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "rule-store",
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Snapshot fetches the current active rule definitions. Validation and
// partitioning happen at snapshot build, not here.
func (c *Client) Snapshot(ctx context.Context) ([]model.Rule, error) {
	body, err := c.get(ctx, c.base+"/internal/rules?active=true")
	if err != nil {
		return nil, err
	}
	var rules []model.Rule
	if err := json.Unmarshal(body, &rules); err != nil {
		return nil, fmt.Errorf("rule store: decode snapshot: %w", err)
	}
	return rules, nil
}

// PostRecord appends an execution record to the rule's audit trail.
func (c *Client) PostRecord(ctx context.Context, rec model.ExecutionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/internal/rules/%s/executions", c.base, rec.RuleID)
	_, err = c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%w: post record rule %s: %v", ErrUnavailable, rec.RuleID, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out.([]byte), nil
}

// ChangeHandler decodes rule change notifications from the broker and
// forwards them to onChange. Malformed payloads are logged and dropped.
func ChangeHandler(onChange func(model.RuleChangeEvent)) func(topic string, m mqtt.Message) error {
	return func(_ string, m mqtt.Message) error {
		var evt model.RuleChangeEvent
		if err := json.Unmarshal(m.Payload(), &evt); err != nil {
			log.Printf("rulestore: bad change payload on %s: %v", m.Topic(), err)
			return nil
		}
		onChange(evt)
		return nil
	}
}
