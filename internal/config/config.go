// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package config handles server configuration.
package config

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/tviviano/actilog/pkg/block"
	"github.com/tviviano/actilog/pkg/store"
)

// Config holds the server configuration.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	Log    LogConfig    `json:"log" yaml:"log"`
	Sensor SensorConfig `json:"sensor" yaml:"sensor"`
	MQTT   MQTTConfig   `json:"mqtt" yaml:"mqtt"`
	Notify NotifyConfig `json:"notify" yaml:"notify"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host       string    `json:"host" yaml:"host"`
	Port       int       `json:"port" yaml:"port"`
	Mode       string    `json:"mode" yaml:"mode"`               // "debug" or "release"
	SocketPath string    `json:"socket_path" yaml:"socket_path"` // Unix socket path (empty to disable)
	AdminKey   string    `json:"admin_key" yaml:"admin_key"`     // Required for destructive calls (min 20 chars)
	TLS        TLSConfig `json:"tls" yaml:"tls"`
}

// TLSConfig holds TLS/HTTPS settings.
type TLSConfig struct {
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
}

// LogConfig holds activity log geometry and identity.
type LogConfig struct {
	DataDir         string `json:"data_dir" yaml:"data_dir"`
	NumFiles        uint32 `json:"num_files" yaml:"num_files"`
	BlocksPerFile   uint32 `json:"blocks_per_file" yaml:"blocks_per_file"`
	FilePattern     string `json:"file_pattern" yaml:"file_pattern"`
	EpochSeconds    int    `json:"epoch_seconds" yaml:"epoch_seconds"`
	TickMillis      int    `json:"tick_ms" yaml:"tick_ms"` // Control loop period
	DeviceAddress   string `json:"device_address" yaml:"device_address"`
	FirmwareVersion uint8  `json:"firmware_version" yaml:"firmware_version"`
	ConfigurationID uint32 `json:"configuration_id" yaml:"configuration_id"`
}

// SensorConfig describes the accelerometer feed.
type SensorConfig struct {
	InputRate uint32 `json:"input_rate" yaml:"input_rate"` // Rate the driver delivers, Hz
	LogRate   uint32 `json:"log_rate" yaml:"log_rate"`     // Rate the accumulator expects, Hz
	Type      uint8  `json:"type" yaml:"type"`
	Range     uint8  `json:"range" yaml:"range"`
	RateCode  uint8  `json:"rate_code" yaml:"rate_code"`
}

// MQTTConfig holds block sync settings. An empty broker disables sync.
type MQTTConfig struct {
	Broker    string `json:"broker" yaml:"broker"`
	Topic     string `json:"topic" yaml:"topic"`
	ClientID  string `json:"client_id" yaml:"client_id"` // Defaults to a random id
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"password" yaml:"password"`
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
}

// NotifyConfig holds epoch webhook settings. An empty URL disables it.
type NotifyConfig struct {
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	QueueSize      int    `json:"queue_size" yaml:"queue_size"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	sc := store.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       21090,
			Mode:       "release",
			SocketPath: "/var/run/actilog/actilog.sock",
		},
		Log: LogConfig{
			DataDir:       "./data",
			NumFiles:      sc.NumFiles,
			BlocksPerFile: sc.BlocksPerFile,
			FilePattern:   sc.FilePattern,
			EpochSeconds:  int(sc.EpochInterval / time.Second),
			TickMillis:    1000,
		},
		Sensor: SensorConfig{
			InputRate: sc.SampleRate,
			LogRate:   sc.SampleRate,
		},
		MQTT: MQTTConfig{
			Topic:     "actilog",
			QueueSize: 256,
		},
		Notify: NotifyConfig{
			TimeoutSeconds: 10,
			QueueSize:      128,
		},
	}
}

// Load loads configuration from a JSON or YAML file, chosen by extension.
// If the file doesn't exist, returns default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, nil
}

// Save saves configuration to a JSON or YAML file, chosen by extension.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadFromEnv overrides config values from environment variables.
func (c *Config) LoadFromEnv() {
	if host := os.Getenv("ACTILOG_HOST"); host != "" {
		c.Server.Host = host
	}
	if p, ok := envInt("ACTILOG_PORT"); ok && p > 0 {
		c.Server.Port = p
	}
	if mode := os.Getenv("ACTILOG_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if dir := os.Getenv("ACTILOG_DATA_DIR"); dir != "" {
		c.Log.DataDir = dir
	}
	if socketPath, ok := os.LookupEnv("ACTILOG_SOCKET_PATH"); ok {
		c.Server.SocketPath = socketPath
	}
	if adminKey := os.Getenv("ACTILOG_ADMIN_KEY"); adminKey != "" {
		c.Server.AdminKey = adminKey
	}
	if tlsCert := os.Getenv("ACTILOG_TLS_CERT"); tlsCert != "" {
		c.Server.TLS.CertFile = tlsCert
	}
	if tlsKey := os.Getenv("ACTILOG_TLS_KEY"); tlsKey != "" {
		c.Server.TLS.KeyFile = tlsKey
	}
	if n, ok := envInt("ACTILOG_NUM_FILES"); ok && n > 0 {
		c.Log.NumFiles = uint32(n)
	}
	if n, ok := envInt("ACTILOG_BLOCKS_PER_FILE"); ok && n > 0 {
		c.Log.BlocksPerFile = uint32(n)
	}
	if n, ok := envInt("ACTILOG_EPOCH_SECONDS"); ok && n > 0 {
		c.Log.EpochSeconds = n
	}
	if addr := os.Getenv("ACTILOG_DEVICE_ADDRESS"); addr != "" {
		c.Log.DeviceAddress = addr
	}
	if broker := os.Getenv("ACTILOG_MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}
	if topic := os.Getenv("ACTILOG_MQTT_TOPIC"); topic != "" {
		c.MQTT.Topic = topic
	}
	if url := os.Getenv("ACTILOG_WEBHOOK_URL"); url != "" {
		c.Notify.WebhookURL = url
	}
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// TLSEnabled returns true if TLS is configured with both cert and key files.
func (c *Config) TLSEnabled() bool {
	return c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile != ""
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("invalid port %d", c.Server.Port)
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return errors.Newf("invalid mode %q", c.Server.Mode)
	}
	if c.Server.AdminKey != "" && len(c.Server.AdminKey) < 20 {
		return errors.New("admin key must be at least 20 characters")
	}
	if c.Log.DataDir == "" {
		return errors.New("log data_dir is required")
	}
	if c.Log.TickMillis <= 0 {
		return errors.New("log tick_ms must be greater than 0")
	}
	if c.Sensor.InputRate == 0 {
		return errors.New("sensor input_rate must be greater than 0")
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return errors.New("mqtt topic is required when a broker is set")
	}
	if c.MQTT.QueueSize <= 0 || c.Notify.QueueSize <= 0 {
		return errors.New("queue sizes must be greater than 0")
	}
	sc, err := c.StoreConfig()
	if err != nil {
		return err
	}
	return sc.Validate()
}

// StoreConfig converts the log and sensor sections into a store.Config.
func (c *Config) StoreConfig() (store.Config, error) {
	sc := store.Config{
		NumFiles:        c.Log.NumFiles,
		BlocksPerFile:   c.Log.BlocksPerFile,
		FilePattern:     c.Log.FilePattern,
		EpochInterval:   time.Duration(c.Log.EpochSeconds) * time.Second,
		SampleRate:      c.Sensor.LogRate,
		FirmwareVersion: c.Log.FirmwareVersion,
		ConfigurationID: c.Log.ConfigurationID,
		Sensor: block.SensorInfo{
			Type:  c.Sensor.Type,
			Range: c.Sensor.Range,
			Rate:  c.Sensor.RateCode,
		},
	}
	if c.Log.DeviceAddress != "" {
		hw, err := net.ParseMAC(c.Log.DeviceAddress)
		if err != nil {
			return sc, errors.Wrap(err, "device_address")
		}
		if len(hw) != len(sc.DeviceAddress) {
			return sc, errors.Newf("device_address must be 6 bytes, got %d", len(hw))
		}
		copy(sc.DeviceAddress[:], hw)
	}
	return sc, nil
}

// TickInterval returns the control loop period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Log.TickMillis) * time.Millisecond
}

// NotifyTimeout returns the webhook request timeout.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notify.TimeoutSeconds) * time.Second
}
