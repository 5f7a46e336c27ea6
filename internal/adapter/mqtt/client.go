// Package mqtt connects the service to a WIS2 Global Broker and feeds
// delivered notification messages to the subscription router.
package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/couchcryptid/wis2-ingest-service/internal/config"
)

// MessageHandler receives every delivered message. It runs on the paho
// delivery goroutine and must return quickly; the heavy pipeline work is
// queued, never run inline.
type MessageHandler func(topic string, payload []byte)

// Client wraps the paho MQTT client. It implements subscription.Broker.
type Client struct {
	client  paho.Client
	logger  *slog.Logger
	handler MessageHandler
}

// NewClient builds the MQTT client from configuration. Global Brokers
// require TLS; the transport is either raw TLS or secure websockets.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	c := &Client{logger: logger}

	scheme := "ssl"
	if cfg.MQTTTransport == "websockets" {
		scheme = "wss"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, cfg.MQTTBroker, cfg.MQTTPort)

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.MQTTClientID).
		SetUsername(cfg.MQTTUsername).
		SetPassword(cfg.MQTTPassword).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("mqtt connected", "broker", broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", broker, "error", err)
	})
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		c.deliver(msg)
	})

	c.client = paho.NewClient(opts)
	return c
}

// SetMessageHandler installs the delivery callback. Must be called before
// Connect.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.handler = handler
}

// Connect establishes the broker session, waiting up to timeout.
func (c *Client) Connect(timeout time.Duration) error {
	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect: timed out after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Disconnect closes the session, allowing in-flight messages a short drain.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

// Subscribe implements subscription.Broker.
func (c *Client) Subscribe(topic string) error {
	token := c.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		c.deliver(msg)
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe implements subscription.Broker.
func (c *Client) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt unsubscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Client) deliver(msg paho.Message) {
	if c.handler == nil {
		c.logger.Warn("message delivered before handler installed", "topic", msg.Topic())
		return
	}
	c.handler(msg.Topic(), msg.Payload())
}
