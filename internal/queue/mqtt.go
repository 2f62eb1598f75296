package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/acme/outbound-dialer/internal/config"
)

// MQTTPublisher wraps a Paho MQTT client. Topics are joined under the
// configured prefix with '/' separators.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
	prefix string
}

// NewMQTTPublisher creates and connects an MQTT publisher.
func NewMQTTPublisher(cfg config.MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}
	return &MQTTPublisher{client: client, qos: cfg.QoS, prefix: strings.TrimSuffix(cfg.TopicPrefix, "/")}, nil
}

// Publish waits for the broker acknowledgement or ctx, whichever is first.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, _ []byte, payload []byte) error {
	token := p.client.Publish(MQTTTopic(p.prefix, topic), p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}

// MQTTTopic maps a dotted event topic onto an MQTT topic path.
func MQTTTopic(prefix, topic string) string {
	path := strings.ReplaceAll(topic, ".", "/")
	if prefix == "" {
		return path
	}
	return prefix + "/" + path
}
