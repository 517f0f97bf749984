// Package publish forwards an acquired location to an MQTT broker.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/whereami/internal/config"
	"github.com/ukydev/whereami/internal/models"
)

var (
	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqtt operation timed out")
)

// Client is the subset of mqtt.Client used by the publisher.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes locations as JSON to a single topic.
type MQTTPublisher struct {
	client  Client
	topic   string
	qos     byte
	timeout time.Duration
	logger  log.FieldLogger
}

// NewMQTTPublisher builds a publisher backed by a paho client for cfg.
func NewMQTTPublisher(cfg config.MQTTConfig, logger log.FieldLogger) *MQTTPublisher {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.Timeout).
		SetAutoReconnect(false)
	return NewMQTTPublisherWithClient(mqtt.NewClient(opts), cfg, logger)
}

// NewMQTTPublisherWithClient builds a publisher around an existing client.
func NewMQTTPublisherWithClient(client Client, cfg config.MQTTConfig, logger log.FieldLogger) *MQTTPublisher {
	return &MQTTPublisher{
		client:  client,
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Publish connects, publishes loc and disconnects.
func (p *MQTTPublisher) Publish(ctx context.Context, loc models.Location) error {
	payload, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	if err := p.wait(ctx, p.client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer p.client.Disconnect(250)

	if err := p.wait(ctx, p.client.Publish(p.topic, p.qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish to %q: %w", p.topic, err)
	}

	p.logger.WithFields(log.Fields{
		"topic": p.topic,
		"qos":   p.qos,
	}).Info("Published location")
	return nil
}

func (p *MQTTPublisher) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
