package rulestore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrinet/ruleworker/internal/model"
)

func TestSnapshot(t *testing.T) {
	rules := []model.Rule{{
		ID:      "r1",
		OwnerID: "u1",
		Sensor:  &model.SensorTrigger{SensorID: "s1", Operator: model.OpLess, Threshold: 30},
		Enabled: true,
		Actions: []model.Action{{ActuatorID: "a1", Command: "pump_on"}},
	}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/rules", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		json.NewEncoder(w).Encode(rules)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	got, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
	require.NotNil(t, got[0].Sensor)
	assert.Equal(t, model.OpLess, got[0].Sensor.Operator)
}

func TestSnapshotServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Snapshot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPostRecord(t *testing.T) {
	var got model.ExecutionRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/internal/rules/r1/executions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	rec := model.ExecutionRecord{
		RuleID:        "r1",
		Timestamp:     time.Now().UTC(),
		Outcome:       model.OutcomeDispatched,
		CorrelationID: "corr-1",
	}
	require.NoError(t, c.PostRecord(context.Background(), rec))
	assert.Equal(t, model.OutcomeDispatched, got.Outcome)
	assert.Equal(t, "corr-1", got.CorrelationID)
}

// The breaker opens after five consecutive failures and then fails fast
// without touching the wire.
func TestBreakerOpens(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := c.Snapshot(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, 5, hits, "open breaker short-circuits further calls")
}

func TestChangeHandler(t *testing.T) {
	var got []model.RuleChangeEvent
	h := ChangeHandler(func(evt model.RuleChangeEvent) { got = append(got, evt) })

	require.NoError(t, h("rule/changed/r1", changeMsg{payload: []byte(`{"rule_id":"r1","change":"update"}`)}))
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RuleID)
	assert.Equal(t, "update", got[0].Change)

	// malformed payloads are dropped without error
	require.NoError(t, h("rule/changed/r1", changeMsg{payload: []byte(`{{`)}))
	assert.Len(t, got, 1)
}

type changeMsg struct {
	payload []byte
}

func (m changeMsg) Duplicate() bool   { return false }
func (m changeMsg) Qos() byte         { return 1 }
func (m changeMsg) Retained() bool    { return false }
func (m changeMsg) Topic() string     { return "rule/changed/r1" }
func (m changeMsg) MessageID() uint16 { return 0 }
func (m changeMsg) Payload() []byte   { return m.payload }
func (m changeMsg) Ack()              {}
