package broker

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IPublisher publishes payloads on explicit topics. The per-call timeout
// bounds how long a publish may block on a slow broker.
type IPublisher interface {
	PublishToQos(topic string, qos byte, retained bool, payload string) error
	Close()
}

type Publisher struct {
	client  mqtt.Client
	timeout time.Duration
}

func NewPublisher(client mqtt.Client, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Publisher{client: client, timeout: timeout}
}

func (p *Publisher) PublishToQos(topic string, qos byte, retained bool, payload string) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s: timeout after %s", topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
