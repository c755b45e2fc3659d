package registry

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

func TestLookup(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/internal/actuators/pump-1", r.URL.Path)
		json.NewEncoder(w).Encode(model.ActuatorInfo{
			ActuatorID: "pump-1", OwnerID: "u1", FarmID: "f1",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, time.Minute)
	ctx := context.Background()

	info, err := c.Lookup(ctx, "pump-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", info.OwnerID)

	// second lookup inside the TTL is served from cache
	_, err = c.Lookup(ctx, "pump-1")
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestLookupUnknownActuator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, time.Minute)
	_, err := c.Lookup(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnknownActuator)
}

func TestLookupTransientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, time.Minute)
	_, err := c.Lookup(context.Background(), "pump-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrUnknownActuator, "a 503 is transient, not a deleted actuator")
}

func TestCacheExpiry(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		json.NewEncoder(w).Encode(model.ActuatorInfo{ActuatorID: "pump-1", OwnerID: "u1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 10*time.Millisecond)
	ctx := context.Background()

	_, err := c.Lookup(ctx, "pump-1")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = c.Lookup(ctx, "pump-1")
	require.NoError(t, err)
	assert.Equal(t, 2, hits, "expired entries hit the device service again")
}
