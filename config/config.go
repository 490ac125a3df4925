package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Config represents the application configuration
type Config struct {
	Device        DeviceConfig        `yaml:"device"`
	History       HistoryConfig       `yaml:"history"`
	Logging       LoggingConfig       `yaml:"logging"`
	Prometheus    PrometheusConfig    `yaml:"prometheus"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	OpenTelemetry OpenTelemetryConfig `yaml:"openTelemetry"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
}

// DeviceConfig describes the thermometer and how to talk to it
type DeviceConfig struct {
	MACAddress                 string `yaml:"macAddress" env:"DEVICE_MAC"`
	NotificationTimeoutSeconds int    `yaml:"notificationTimeoutSeconds" env:"NOTIFICATION_TIMEOUT_SECONDS" env-default:"25"`
	ScanTimeoutSeconds         int    `yaml:"scanTimeoutSeconds" env:"SCAN_TIMEOUT_SECONDS" env-default:"30"`
	// TZOffsetHours overrides the host UTC offset used for the device clock, empty keeps the host offset
	TZOffsetHours string `yaml:"tzOffsetHours" env:"TZ_OFFSET_HOURS"`
}

// HistoryConfig contains the incremental sync settings
type HistoryConfig struct {
	File                   string `yaml:"file" env:"HISTORY_FILE"`
	DuplicateWindowSeconds int    `yaml:"duplicateWindowSeconds" env:"DUPLICATE_WINDOW_SECONDS" env-default:"300"`
	MarginEntries          int    `yaml:"marginEntries" env:"MARGIN_ENTRIES" env-default:"2"`
}

// PrometheusConfig contains Prometheus remote write configuration
type PrometheusConfig struct {
	Enabled             bool   `yaml:"enabled" env:"PROMETHEUS_ENABLED" env-default:"false"`
	URL                 string `yaml:"prometheusUrl" env:"PROMETHEUS_URL"`
	Username            string `yaml:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	MetricPrefix        string `yaml:"metricPrefix" env:"METRIC_PREFIX" env-default:"lywsd03mmc"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	StartAtEvenSecond   bool   `yaml:"startAtEvenSecond" env:"START_AT_EVEN_SECOND" env-default:"true"`
	BufferSize          int    `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`
}

// MQTTConfig contains the live measurement publishing configuration
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" env:"MQTT_ENABLED" env-default:"false"`
	Broker      string `yaml:"broker" env:"MQTT_BROKER"`
	ClientID    string `yaml:"clientId" env:"MQTT_CLIENT_ID" env-default:"lywsd03mmc"`
	Username    string `yaml:"username" env:"MQTT_USERNAME"`
	Password    string `yaml:"password" env:"MQTT_PASSWORD"`
	TopicPrefix string `yaml:"topicPrefix" env:"MQTT_TOPIC_PREFIX" env-default:"lywsd03mmc"`
	QoS         int    `yaml:"qos" env:"MQTT_QOS" env-default:"0"`
	Retained    bool   `yaml:"retained" env:"MQTT_RETAINED" env-default:"false"`
}

// ScheduleConfig controls the watch mode
type ScheduleConfig struct {
	Cron string `yaml:"cron" env:"SYNC_CRON" env-default:"5 * * * *"`
}

var macAddressRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Load loads configuration from a YAML file with environment variable overrides.
// When the file does not exist only the environment is used.
func Load(configPath string) (*Config, error) {
	var cfg Config

	if _, statErr := os.Stat(configPath); configPath != "" && statErr == nil {
		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", statErr)
		}
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate normalises and validates the configuration
func (c *Config) Validate() error {
	if err := c.Device.validate(); err != nil {
		return err
	}

	if c.History.DuplicateWindowSeconds < 1 {
		return fmt.Errorf("duplicate window must be at least 1 second")
	}
	if c.History.MarginEntries < 0 {
		return fmt.Errorf("margin entries must be >= 0, got %d", c.History.MarginEntries)
	}

	if err := ValidateLogging(&c.Logging); err != nil {
		return err
	}

	if c.Prometheus.Enabled {
		if c.Prometheus.URL == "" {
			return fmt.Errorf("prometheus URL is required when prometheus is enabled")
		}
		if c.Prometheus.PushIntervalSeconds < 1 {
			return fmt.Errorf("push interval must be at least 1 second")
		}
		if c.Prometheus.BufferSize < 1 {
			return fmt.Errorf("buffer size must be at least 1")
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}

	if err := ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return err
	}
	if err := ValidateProfiling(&c.Profiling); err != nil {
		return err
	}

	if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", c.Schedule.Cron, err)
	}

	return nil
}

func (d *DeviceConfig) validate() error {
	if d.MACAddress != "" {
		if err := ValidateMAC(d.MACAddress); err != nil {
			return err
		}
		d.MACAddress = strings.ToUpper(d.MACAddress)
	}

	if d.NotificationTimeoutSeconds < 1 {
		return fmt.Errorf("notification timeout must be at least 1 second")
	}
	if d.ScanTimeoutSeconds < 1 {
		return fmt.Errorf("scan timeout must be at least 1 second")
	}

	if d.TZOffsetHours != "" {
		hours, err := strconv.ParseFloat(d.TZOffsetHours, 64)
		if err != nil {
			return fmt.Errorf("invalid tz offset %q: %w", d.TZOffsetHours, err)
		}
		if hours < -12 || hours > 14 {
			return fmt.Errorf("tz offset must be between -12 and 14 hours, got %v", hours)
		}
	}
	return nil
}

// ValidateMAC checks the XX:XX:XX:XX:XX:XX format
func ValidateMAC(mac string) error {
	if !macAddressRegex.MatchString(mac) {
		return fmt.Errorf("invalid MAC address format: %s (expected format: XX:XX:XX:XX:XX:XX)", mac)
	}
	return nil
}

// NotificationTimeout returns the notification timeout as a duration
func (d DeviceConfig) NotificationTimeout() time.Duration {
	return time.Duration(d.NotificationTimeoutSeconds) * time.Second
}

// ScanTimeout returns the scan timeout as a duration
func (d DeviceConfig) ScanTimeout() time.Duration {
	return time.Duration(d.ScanTimeoutSeconds) * time.Second
}

// TZOverride returns the configured tz offset, nil when the host offset applies
func (d DeviceConfig) TZOverride() *float64 {
	if d.TZOffsetHours == "" {
		return nil
	}
	hours, err := strconv.ParseFloat(d.TZOffsetHours, 64)
	if err != nil {
		return nil
	}
	return &hours
}

// DuplicateWindow returns the duplicate window as a duration
func (h HistoryConfig) DuplicateWindow() time.Duration {
	return time.Duration(h.DuplicateWindowSeconds) * time.Second
}

// PrintConfig prints the configuration (masking sensitive fields)
func (c *Config) PrintConfig(logger *zap.Logger) {
	logger.Info("configuration loaded",
		zap.String("device_mac", c.Device.MACAddress),
		zap.Int("notification_timeout_seconds", c.Device.NotificationTimeoutSeconds),
		zap.Int("scan_timeout_seconds", c.Device.ScanTimeoutSeconds),
		zap.String("tz_offset_hours", c.Device.TZOffsetHours),
		zap.String("history_file", c.History.File),
		zap.Int("duplicate_window_seconds", c.History.DuplicateWindowSeconds),
		zap.Int("margin_entries", c.History.MarginEntries),
		zap.Bool("prometheus_enabled", c.Prometheus.Enabled),
		zap.String("prometheus_url", c.Prometheus.URL),
		zap.String("prometheus_username", c.Prometheus.Username),
		zap.Bool("prometheus_password_set", c.Prometheus.Password != ""),
		zap.String("metric_prefix", c.Prometheus.MetricPrefix),
		zap.Bool("mqtt_enabled", c.MQTT.Enabled),
		zap.String("mqtt_broker", c.MQTT.Broker),
		zap.Bool("mqtt_password_set", c.MQTT.Password != ""),
		zap.String("mqtt_topic_prefix", c.MQTT.TopicPrefix),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
		zap.String("schedule", c.Schedule.Cron),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
	)
}
