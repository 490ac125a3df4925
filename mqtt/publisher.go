// Package mqtt publishes live thermometer measurements to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/config"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

// ErrNotConnected is returned when publishing before the broker connection is up
var ErrNotConnected = errors.New("mqtt client not connected")

const publishTimeout = 5 * time.Second

// Payload is the JSON document published for each measurement
type Payload struct {
	MAC         string    `json:"mac"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature_c"`
	Humidity    int       `json:"humidity_pct"`
	Battery     int       `json:"battery_pct"`
	VoltageMV   int       `json:"battery_mv,omitempty"`
}

// Publisher sends measurements to <topicPrefix>/<mac>/measurement
type Publisher struct {
	client paho.Client
	cfg    config.MQTTConfig
	logger *zap.Logger

	mu        sync.RWMutex
	connected bool
}

// NewPublisher prepares a client for the configured broker without connecting
func NewPublisher(cfg config.MQTTConfig, logger *zap.Logger) *Publisher {
	p := &Publisher{cfg: cfg, logger: logger}

	opts := paho.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(paho.Client) {
		p.setConnected(true)
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	p.client = paho.NewClient(opts)
	return p
}

// brokerURL adds the tcp scheme when the broker is given as host:port
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect waits for the initial broker connection or ctx cancellation
func (p *Publisher) Connect(ctx context.Context) error {
	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Topic returns the measurement topic of a device
func (p *Publisher) Topic(mac string) string {
	return Topic(p.cfg.TopicPrefix, mac)
}

// Topic builds <prefix>/<mac>/measurement with the MAC lowercased and colons removed
func Topic(prefix, mac string) string {
	id := strings.ToLower(strings.ReplaceAll(mac, ":", ""))
	return fmt.Sprintf("%s/%s/measurement", strings.TrimSuffix(prefix, "/"), id)
}

// NewPayload builds the published document of a live reading
func NewPayload(mac string, ts time.Time, m types.Measurement) Payload {
	return Payload{
		MAC:         mac,
		Timestamp:   ts.UTC(),
		Temperature: m.Temperature,
		Humidity:    m.Humidity,
		Battery:     m.Battery,
		VoltageMV:   m.VoltageMV,
	}
}

// Publish sends one measurement
func (p *Publisher) Publish(mac string, ts time.Time, m types.Measurement) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	topic := p.Topic(mac)
	data, err := json.Marshal(NewPayload(mac, ts, m))
	if err != nil {
		return fmt.Errorf("marshal measurement: %w", err)
	}

	token := p.client.Publish(topic, byte(p.cfg.QoS), p.cfg.Retained, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish measurement: %w", err)
	}

	p.logger.Debug("published measurement", zap.String("topic", topic))
	return nil
}

// IsConnected reports whether the broker connection is up
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Close disconnects from the broker. Safe to call more than once.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
	p.setConnected(false)
	p.logger.Info("mqtt disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
