package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/agrinet/ruleworker/internal/ledger"
	"github.com/agrinet/ruleworker/internal/services/dispatcher"
	"github.com/agrinet/ruleworker/internal/services/registry"
	"github.com/agrinet/ruleworker/internal/services/rulestore"
	"github.com/agrinet/ruleworker/internal/services/scheduler"
	"github.com/agrinet/ruleworker/internal/services/worker"
	"github.com/agrinet/ruleworker/pkg/broker"
)

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func main() {
	cfg := struct {
		Broker broker.Config

		RedisAddr     string
		RedisPassword string
		RedisDB       int

		InfluxURL         string
		InfluxToken       string
		InfluxOrg         string
		InfluxBucket      string
		InfluxMeasurement string

		RuleServiceURL   string
		DeviceServiceURL string

		SensorTopics     []string
		RuleChangeTopic  string
		CommandTopicTmpl string

		Worker worker.Config

		MaxAttempts    int
		InitialBackoff time.Duration
		CommandTTL     time.Duration
		PublishTimeout time.Duration
		WarmupLookback time.Duration

		HTTPPort int
	}{
		Broker: broker.Config{
			Host:     envStr("BROKER_HOST", "localhost"),
			Port:     envInt("BROKER_PORT", 1883),
			User:     envStr("BROKER_USER", "guest"),
			Password: envStr("BROKER_PASSWORD", "guest"),
			ClientID: envStr("HOSTNAME", "rule-worker"),
		},

		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		InfluxURL:         envStr("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:       os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:         envStr("INFLUX_ORG", "agrinet"),
		InfluxBucket:      envStr("INFLUX_BUCKET", "farm"),
		InfluxMeasurement: envStr("INFLUX_SENSOR_MEASUREMENT", "sensor_reading"),

		RuleServiceURL:   envStr("RULE_SERVICE_URL", "http://rule-service:8000"),
		DeviceServiceURL: envStr("DEVICE_SERVICE_URL", "http://device-service:8000"),

		SensorTopics: func() []string {
			raw := envStr("SENSOR_SUB_TOPICS", "sensor/+/+")
			parts := strings.Split(raw, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if s := strings.TrimSpace(p); s != "" {
					out = append(out, s)
				}
			}
			return out
		}(),
		RuleChangeTopic:  envStr("RULE_CHANGE_TOPIC", "rule/changed/#"),
		CommandTopicTmpl: envStr("COMMAND_TOPIC_TEMPLATE", "actuator/cmd/{actuator}"),

		Worker: worker.Config{
			QueueSize:     envInt("INGEST_QUEUE_SIZE", 1024),
			Lanes:         envInt("WORKER_LANES", 8),
			ShedPolicy:    envStr("SHED_POLICY", worker.ShedDropOldest),
			BlockTimeout:  envDur("SHED_BLOCK_TIMEOUT", 250*time.Millisecond),
			TickInterval:  envDur("TICK_INTERVAL", time.Second),
			LedgerTimeout: envDur("LEDGER_TIMEOUT", 2*time.Second),
			HistoryWindow: envDur("HISTORY_WINDOW", 15*time.Minute),
		},

		MaxAttempts:    envInt("PUBLISH_MAX_ATTEMPTS", 3),
		InitialBackoff: envDur("PUBLISH_INITIAL_BACKOFF", 200*time.Millisecond),
		CommandTTL:     envDur("COMMAND_TTL", 0),
		PublishTimeout: envDur("PUBLISH_TIMEOUT", 3*time.Second),
		WarmupLookback: envDur("WARMUP_LOOKBACK", 30*time.Minute),

		HTTPPort: envInt("HTTP_PORT", 8080),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === MQTT ===
	mqttClient, err := broker.NewConn(ctx, &cfg.Broker)
	if err != nil {
		log.Fatalf("mqtt connection error: %v", err)
	}

	// === Redis (ledger + durable compensations) ===
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer rdb.Close()
	led := ledger.NewRedis(rdb, cfg.Worker.LedgerTimeout)

	// === Influx (audit + history warm-up) ===
	influx := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	defer influx.Close()
	audit := worker.NewAudit(influx.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket))

	// === External collaborators ===
	ruleStore := rulestore.NewClient(cfg.RuleServiceURL, 5*time.Second)
	reg := registry.NewClient(cfg.DeviceServiceURL, 3*time.Second, time.Minute)

	// === Core ===
	sched := scheduler.New(scheduler.NewRedisStore(rdb, cfg.Worker.LedgerTimeout), time.Now)
	if err := sched.Restore(ctx); err != nil {
		log.Printf("scheduler restore: %v", err)
	}

	promReg := prometheus.NewRegistry()
	w := worker.New(cfg.Worker, led, sched, ruleStore, audit, promReg, time.Now)

	pub := broker.NewPublisher(mqttClient, cfg.PublishTimeout)
	disp := dispatcher.New(pub, reg, w, sched, dispatcher.Config{
		TopicTemplate:  cfg.CommandTopicTmpl,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		CommandTTL:     cfg.CommandTTL,
	}, time.Now)
	w.SetDispatcher(disp)

	// first snapshot, with backoff so a booting rule service doesn't kill us
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = time.Minute
	if err := backoff.Retry(func() error { return w.LoadRules(ctx) }, backoff.WithContext(bo, ctx)); err != nil {
		log.Fatalf("initial rule snapshot: %v", err)
	}

	if sensors := w.Snapshot().SustainSensors(); len(sensors) > 0 {
		if err := worker.WarmupHistory(ctx, influx.QueryAPI(cfg.InfluxOrg), cfg.InfluxBucket,
			cfg.InfluxMeasurement, sensors, cfg.WarmupLookback, w.History()); err != nil {
			log.Printf("history warmup: %v", err)
		}
	}

	// === Consumers ===
	sensorConsumer := broker.NewConsumer(mqttClient, cfg.SensorTopics, w.HandleSensorMessage)
	go sensorConsumer.Consume(ctx)

	changeConsumer := broker.NewConsumer(mqttClient, []string{cfg.RuleChangeTopic},
		rulestore.ChangeHandler(w.HandleRuleChange))
	go changeConsumer.Consume(ctx)

	// === HTTP ===
	hs := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           worker.NewMux(w, mqttClient, promReg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("rule-worker: HTTP listening on :%d", cfg.HTTPPort)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	go w.Run(ctx)

	// === Wait for signal ===
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("rule-worker: shutting down...")

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = hs.Shutdown(shCtx)

	cancel()
	time.Sleep(300 * time.Millisecond)
}
