package broker

import (
	"context"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler processes one inbound message. Returning an error logs it; it
// never stops the consume loop.
type Handler func(topic string, message mqtt.Message) error

// IConsumer subscribes to one or more topic filters and feeds a handler.
type IConsumer interface {
	SetHandler(handler Handler)
	Consume(ctx context.Context)
}

// qosFor picks the subscribe QoS per topic class: command and rule-change
// traffic must survive reconnects, raw sensor streams may not.
func qosFor(topic string) byte {
	t := strings.TrimSpace(topic)
	if strings.HasPrefix(t, "actuator/") || strings.HasPrefix(t, "rule/changed") {
		return 1
	}
	return 0
}

// Consumer subscribes to a set of topic filters on a shared client.
type Consumer struct {
	client  mqtt.Client
	topics  []string
	handler Handler
}

func NewConsumer(client mqtt.Client, topics []string, handler Handler) *Consumer {
	return &Consumer{client: client, topics: topics, handler: handler}
}

func (c *Consumer) SetHandler(handler Handler) { c.handler = handler }

// Consume subscribes to all topics and blocks until ctx is cancelled,
// then unsubscribes.
func (c *Consumer) Consume(ctx context.Context) {
	for _, topic := range c.topics {
		topic := topic
		token := c.client.Subscribe(topic, qosFor(topic), func(_ mqtt.Client, msg mqtt.Message) {
			if c.handler == nil {
				log.Printf("broker: no handler for topic %s", topic)
				return
			}
			if err := c.handler(topic, msg); err != nil {
				log.Printf("broker: handler error on %s: %v", msg.Topic(), err)
			}
		})
		if token.Wait() && token.Error() != nil {
			log.Printf("broker: subscribe %s failed: %v", topic, token.Error())
			continue
		}
		log.Printf("broker: subscribed to %s", topic)
	}

	<-ctx.Done()

	for _, topic := range c.topics {
		c.client.Unsubscribe(topic)
	}
}
