// Package broker wraps the MQTT client used for sensor ingestion, rule
// change notifications and actuator command publishing.
package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string
}

// NewConn connects to the broker, retrying with exponential backoff.
// The connection is torn down when ctx is cancelled.
func NewConn(ctx context.Context, cfg *Config) (mqtt.Client, error) {
	addr := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(addr)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(false) // keep QoS1 subscriptions across reconnects
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Printf("broker: connect to %s failed: %v", addr, token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 5), ctx))
	if err != nil {
		return nil, fmt.Errorf("broker connect %s: %w", addr, err)
	}
	log.Printf("broker: connected to %s", addr)

	go func() {
		<-ctx.Done()
		client.Disconnect(250)
		log.Printf("broker: connection closed")
	}()
	return client, nil
}
