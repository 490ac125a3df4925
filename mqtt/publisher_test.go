package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/config"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

func TestTopic(t *testing.T) {
	tests := []struct {
		prefix   string
		mac      string
		expected string
	}{
		{"lywsd03mmc", "A4:C1:38:AA:BB:CC", "lywsd03mmc/a4c138aabbcc/measurement"},
		{"home/sensors/", "a4:c1:38:00:00:01", "home/sensors/a4c138000001/measurement"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := Topic(tt.prefix, tt.mac); got != tt.expected {
				t.Errorf("Expected topic %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestBrokerURL(t *testing.T) {
	if got := brokerURL("localhost:1883"); got != "tcp://localhost:1883" {
		t.Errorf("Expected tcp scheme to be added, got %s", got)
	}
	if got := brokerURL("ssl://broker:8883"); got != "ssl://broker:8883" {
		t.Errorf("Expected scheme to be kept, got %s", got)
	}
}

func TestNewPayload(t *testing.T) {
	ts := time.Date(2024, 1, 1, 13, 0, 0, 0, time.FixedZone("CET", 3600))
	payload := NewPayload("A4:C1:38:00:00:01", ts, types.Measurement{Temperature: 21.37, Humidity: 44, Battery: 85})

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}
	if decoded["timestamp"] != "2024-01-01T12:00:00Z" {
		t.Errorf("Expected UTC timestamp, got %v", decoded["timestamp"])
	}
	if decoded["temperature_c"] != 21.37 {
		t.Errorf("Expected temperature 21.37, got %v", decoded["temperature_c"])
	}
	if _, ok := decoded["battery_mv"]; ok {
		t.Error("Expected battery_mv to be omitted when unknown")
	}
}

func TestPublish_NotConnected(t *testing.T) {
	p := NewPublisher(config.MQTTConfig{Broker: "localhost:1883", ClientID: "test", TopicPrefix: "lywsd03mmc"}, zap.NewNop())

	err := p.Publish("A4:C1:38:00:00:01", time.Now(), types.Measurement{})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if p.Topic("A4:C1:38:00:00:01") != "lywsd03mmc/a4c138000001/measurement" {
		t.Errorf("Unexpected topic %s", p.Topic("A4:C1:38:00:00:01"))
	}
}
