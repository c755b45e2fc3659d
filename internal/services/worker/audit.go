package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/agrinet/ruleworker/internal/model"
	"github.com/agrinet/ruleworker/internal/services/evaluator"
)

// Audit mirrors execution records into the time-series store so operators
// can chart trigger activity next to the sensor data. It also tracks the
// last async write error for /readyz.
type Audit struct {
	write   api.WriteAPI
	mu      sync.RWMutex
	lastErr time.Time
}

func NewAudit(write api.WriteAPI) *Audit {
	a := &Audit{
		write:   write,
		lastErr: time.Now().Add(-24 * time.Hour),
	}
	go func() {
		for err := range write.Errors() {
			if err != nil {
				a.mu.Lock()
				a.lastErr = time.Now()
				a.mu.Unlock()
				log.Printf("audit: influx write error: %v", err)
			}
		}
	}()
	return a
}

func (a *Audit) WriteRecord(rec model.ExecutionRecord) {
	if a == nil {
		return
	}
	tags := map[string]string{
		"rule_id": rec.RuleID,
		"outcome": string(rec.Outcome),
	}
	if rec.Reason != "" {
		tags["reason"] = rec.Reason
	}
	fields := map[string]interface{}{
		"count":          int64(1),
		"correlation_id": rec.CorrelationID,
	}
	a.write.WritePoint(influxdb2.NewPoint("rule_event", tags, fields, rec.Timestamp))
}

// LastErrorAge reports how long the async writer has been error-free.
func (a *Audit) LastErrorAge() time.Duration {
	if a == nil {
		return 99999 * time.Hour
	}
	a.mu.RLock()
	t := a.lastErr
	a.mu.RUnlock()
	return time.Since(t)
}

// WarmupHistory backfills the evaluator's reading windows from the
// time-series store so hysteresis rules work right after a restart
// instead of waiting a full sustain window of live events.
func WarmupHistory(ctx context.Context, query api.QueryAPI, bucket, measurement string, sensors []string, lookback time.Duration, hist *evaluator.History) error {
	if len(sensors) == 0 {
		return nil
	}
	filter := ""
	for i, id := range sensors {
		if i > 0 {
			filter += " or "
		}
		filter += fmt.Sprintf(`r.sensor_id == %q`, id)
	}
	flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %q and r._field == "value")
  |> filter(fn: (r) => %s)
  |> sort(columns: ["_time"])
`, bucket, int(lookback.Seconds()), measurement, filter)

	res, err := query.Query(ctx, flux)
	if err != nil {
		return fmt.Errorf("history warmup: %w", err)
	}
	defer res.Close()

	n := 0
	for res.Next() {
		rec := res.Record()
		sensorID, _ := rec.ValueByKey("sensor_id").(string)
		if sensorID == "" {
			continue
		}
		var value float64
		switch v := rec.Value().(type) {
		case float64:
			value = v
		case int64:
			value = float64(v)
		default:
			continue
		}
		hist.Observe(sensorID, value, rec.Time())
		n++
	}
	if res.Err() != nil {
		return fmt.Errorf("history warmup: %w", res.Err())
	}
	log.Printf("worker: warmed up %d reading(s) for %d sensor(s)", n, len(sensors))
	return nil
}
