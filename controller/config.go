package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devskill-org/heat-capacitor/capacitor"
	"github.com/devskill-org/heat-capacitor/sensor"
)

// Price sources
const (
	PriceSourceFile   = "file"
	PriceSourceENTSOE = "entsoe"
)

// Sensor sources
const (
	SensorSourceModbus = "modbus"
	SensorSourceStatic = "static"
)

// Config represents the configuration for the heat capacitor controller
type Config struct {
	// Storage and comfort band
	StorageID     string  `json:"storage_id" yaml:"storage_id"`         // Identifier used as message key and in records
	Setpoint      float64 `json:"setpoint" yaml:"setpoint"`             // Nominal storage temperature, degrees
	Hysteresis    float64 `json:"hysteresis" yaml:"hysteresis"`         // Allowed drop below setpoint before forced heat
	MaxAdjustment float64 `json:"max_adjustment" yaml:"max_adjustment"` // Maximum shift of the target around setpoint
	MinSavings    float64 `json:"min_savings" yaml:"min_savings"`       // Minimum price advantage to bank heat

	// Thermal model
	HeatMinutesPerDegree float64 `json:"heat_minutes_per_degree" yaml:"heat_minutes_per_degree"`
	CoolMinutesPerDegree float64 `json:"cool_minutes_per_degree" yaml:"cool_minutes_per_degree"`
	EstimateCoolingRate  bool    `json:"estimate_cooling_rate" yaml:"estimate_cooling_rate"` // Learn the cooling rate from readings
	Baseline             string  `json:"baseline" yaml:"baseline"`                           // window_peak or far_edge

	// Scheduling
	TickInterval         time.Duration `json:"tick_interval" yaml:"tick_interval"`                   // How often a decision is made
	PriceRefreshInterval time.Duration `json:"price_refresh_interval" yaml:"price_refresh_interval"` // How long a fetched schedule is reused
	DryRun               bool          `json:"dry_run" yaml:"dry_run"`                               // Log decisions without publishing them to the heater

	// Prices
	PriceSource   string        `json:"price_source" yaml:"price_source"` // file or entsoe
	PriceFile     string        `json:"price_file" yaml:"price_file"`     // JSON or ENTSO-E XML file
	SecurityToken string        `json:"security_token" yaml:"security_token"`
	UrlFormat     string        `json:"url_format" yaml:"url_format"`
	Location      string        `json:"location" yaml:"location"` // Market timezone, e.g. "CET"
	APITimeout    time.Duration `json:"api_timeout" yaml:"api_timeout"`
	UserAgent     string        `json:"user_agent" yaml:"user_agent"`
	OperatorFee   float64       `json:"operator_fee" yaml:"operator_fee"` // Added to each unit price
	DeliveryFee   float64       `json:"delivery_fee" yaml:"delivery_fee"` // Added to each unit price

	// Temperature sensor
	SensorSource       string        `json:"sensor_source" yaml:"sensor_source"`               // modbus or static
	SensorAddress      string        `json:"sensor_address" yaml:"sensor_address"`             // Modbus TCP host:port
	SensorSlaveID      byte          `json:"sensor_slave_id" yaml:"sensor_slave_id"`           // Modbus unit id
	SensorRegister     uint16        `json:"sensor_register" yaml:"sensor_register"`           // Register holding the temperature
	SensorRegisterType string        `json:"sensor_register_type" yaml:"sensor_register_type"` // holding or input
	SensorScale        float64       `json:"sensor_scale" yaml:"sensor_scale"`                 // Degrees per raw unit
	SensorTimeout      time.Duration `json:"sensor_timeout" yaml:"sensor_timeout"`
	StaticTemperature  float64       `json:"static_temperature" yaml:"static_temperature"` // Reported by the static sensor

	// MQTT decision topic (empty broker = disabled)
	MQTTBroker   string `json:"mqtt_broker" yaml:"mqtt_broker"`
	MQTTClientID string `json:"mqtt_client_id" yaml:"mqtt_client_id"`
	MQTTTopic    string `json:"mqtt_topic" yaml:"mqtt_topic"`
	MQTTQoS      byte   `json:"mqtt_qos" yaml:"mqtt_qos"`
	MQTTRetained bool   `json:"mqtt_retained" yaml:"mqtt_retained"`

	// Kafka trace topic (no brokers = disabled)
	KafkaBrokers []string `json:"kafka_brokers" yaml:"kafka_brokers,omitempty"`
	KafkaTopic   string   `json:"kafka_topic" yaml:"kafka_topic"`

	// Persistence
	PostgresConnString string `json:"postgres_conn_string" yaml:"postgres_conn_string"` // PostgreSQL connection string
	HistoryLimit       int    `json:"history_limit" yaml:"history_limit"`               // Rows returned by /api/history

	// Web server
	HTTPPort int `json:"http_port" yaml:"http_port"` // Port for the HTTP API (0 = disabled)

	// Logging settings
	LogLevel  string `json:"log_level" yaml:"log_level"`   // Log level: debug, info, warn, error
	LogFormat string `json:"log_format" yaml:"log_format"` // Log format: text, json
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		StorageID:            "hot-water",
		Setpoint:             48.0,
		Hysteresis:           3.0,
		MaxAdjustment:        3.0,
		MinSavings:           1.0,
		HeatMinutesPerDegree: 11.25, // 45 minutes per 4 degrees
		CoolMinutesPerDegree: 120.0,
		Baseline:             string(capacitor.BaselineWindowPeak),
		TickInterval:         1 * time.Minute,
		PriceRefreshInterval: 1 * time.Hour,
		PriceSource:          PriceSourceFile,
		PriceFile:            "prices.json",
		UrlFormat:            "https://web-api.tp.entsoe.eu/api?documentType=A44&out_Domain=10YLV-1001A00074&in_Domain=10YLV-1001A00074&periodStart=%s&periodEnd=%s&securityToken=%s",
		Location:             "CET",
		APITimeout:           30 * time.Second,
		UserAgent:            "heat-capacitor/1.0",
		SensorSource:         SensorSourceStatic,
		SensorRegisterType:   sensor.HoldingRegister,
		SensorScale:          0.1,
		SensorSlaveID:        1,
		SensorTimeout:        5 * time.Second,
		StaticTemperature:    48.0,
		MQTTClientID:         "heat-capacitor",
		MQTTTopic:            "heat-capacitor/hot-water/decision",
		MQTTQoS:              1,
		MQTTRetained:         true,
		KafkaTopic:           "heat-capacitor.decisions",
		HistoryLimit:         96,
		HTTPPort:             8080,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Bounds returns the comfort band of the storage.
func (c *Config) Bounds() capacitor.Bounds {
	return capacitor.Bounds{
		Setpoint:      c.Setpoint,
		Hysteresis:    c.Hysteresis,
		MaxAdjustment: c.MaxAdjustment,
		MinSavings:    c.MinSavings,
	}
}

// Rates returns the configured thermal rates.
func (c *Config) Rates() capacitor.ThermalRates {
	return capacitor.ThermalRates{
		HeatMinutesPerDegree: c.HeatMinutesPerDegree,
		CoolMinutesPerDegree: c.CoolMinutesPerDegree,
	}
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig loads configuration from a JSON or YAML file, chosen by extension
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	if isYAML(filename) {
		return LoadConfigFromYAML(file)
	}
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads JSON configuration from an io.Reader
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	config := DefaultConfig()

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadConfigFromYAML loads YAML configuration from an io.Reader
func LoadConfigFromYAML(reader io.Reader) (*Config, error) {
	config := DefaultConfig()

	decoder := yaml.NewDecoder(reader)
	if err := decoder.Decode(config); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a JSON or YAML file, chosen by extension
func (c *Config) SaveConfig(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if isYAML(filename) {
		return c.SaveConfigToYAML(file)
	}
	return c.SaveConfigToWriter(file)
}

// SaveConfigToWriter saves the configuration as JSON to an io.Writer
func (c *Config) SaveConfigToWriter(writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config JSON: %w", err)
	}

	return nil
}

// SaveConfigToYAML saves the configuration as YAML to an io.Writer
func (c *Config) SaveConfigToYAML(writer io.Writer) error {
	encoder := yaml.NewEncoder(writer)
	encoder.SetIndent(2)
	defer encoder.Close()

	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config YAML: %w", err)
	}

	return nil
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	if c.StorageID == "" {
		return fmt.Errorf("storage_id cannot be empty")
	}

	bounds := c.Bounds()
	if err := bounds.Validate(); err != nil {
		return err
	}

	if err := c.Rates().Validate(); err != nil {
		return err
	}

	if _, err := capacitor.ParseBaseline(c.Baseline); err != nil {
		return err
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be greater than 0, got: %s", c.TickInterval)
	}

	if c.PriceRefreshInterval <= 0 {
		return fmt.Errorf("price_refresh_interval must be greater than 0, got: %s", c.PriceRefreshInterval)
	}

	switch c.PriceSource {
	case PriceSourceFile:
		if c.PriceFile == "" {
			return fmt.Errorf("price_file cannot be empty when price_source is %s", PriceSourceFile)
		}
	case PriceSourceENTSOE:
		if c.SecurityToken == "" {
			return fmt.Errorf("security_token cannot be empty when price_source is %s", PriceSourceENTSOE)
		}
		if c.UrlFormat == "" {
			return fmt.Errorf("url_format cannot be empty")
		}
		if c.APITimeout <= 0 {
			return fmt.Errorf("api_timeout must be greater than 0, got: %s", c.APITimeout)
		}
		if _, err := time.LoadLocation(c.Location); err != nil {
			return fmt.Errorf("invalid location: %w", err)
		}
	default:
		return fmt.Errorf("invalid price_source: %s, must be one of: %s, %s", c.PriceSource, PriceSourceFile, PriceSourceENTSOE)
	}

	if c.OperatorFee < 0 {
		return fmt.Errorf("operator_fee must be non-negative, got: %f", c.OperatorFee)
	}

	if c.DeliveryFee < 0 {
		return fmt.Errorf("delivery_fee must be non-negative, got: %f", c.DeliveryFee)
	}

	switch c.SensorSource {
	case SensorSourceStatic:
	case SensorSourceModbus:
		if c.SensorAddress == "" {
			return fmt.Errorf("sensor_address cannot be empty when sensor_source is %s", SensorSourceModbus)
		}
		if c.SensorScale == 0 {
			return fmt.Errorf("sensor_scale cannot be zero")
		}
		if c.SensorRegisterType != sensor.HoldingRegister && c.SensorRegisterType != sensor.InputRegister {
			return fmt.Errorf("invalid sensor_register_type: %s, must be one of: %s, %s", c.SensorRegisterType, sensor.HoldingRegister, sensor.InputRegister)
		}
	default:
		return fmt.Errorf("invalid sensor_source: %s, must be one of: %s, %s", c.SensorSource, SensorSourceModbus, SensorSourceStatic)
	}

	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		return fmt.Errorf("mqtt_topic cannot be empty when mqtt_broker is set")
	}

	if c.MQTTQoS > 2 {
		return fmt.Errorf("mqtt_qos must be 0, 1 or 2, got: %d", c.MQTTQoS)
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka_topic cannot be empty when kafka_brokers is set")
	}

	if c.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must be non-negative, got: %d", c.HistoryLimit)
	}

	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 0 and 65535, got: %d", c.HTTPPort)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s, must be one of: debug, info, warn, error", c.LogLevel)
	}

	// Validate log format
	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log_format: %s, must be one of: text, json", c.LogFormat)
	}

	return nil
}

// NewLogger builds the slog logger described by the log settings
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// MarshalJSON implements custom JSON marshaling to handle durations
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		TickInterval         string `json:"tick_interval"`
		PriceRefreshInterval string `json:"price_refresh_interval"`
		APITimeout           string `json:"api_timeout"`
		SensorTimeout        string `json:"sensor_timeout"`
	}{
		Alias:                (*Alias)(c),
		TickInterval:         c.TickInterval.String(),
		PriceRefreshInterval: c.PriceRefreshInterval.String(),
		APITimeout:           c.APITimeout.String(),
		SensorTimeout:        c.SensorTimeout.String(),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling to handle durations
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		TickInterval         string `json:"tick_interval"`
		PriceRefreshInterval string `json:"price_refresh_interval"`
		APITimeout           string `json:"api_timeout"`
		SensorTimeout        string `json:"sensor_timeout"`
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if aux.TickInterval != "" {
		if c.TickInterval, err = time.ParseDuration(aux.TickInterval); err != nil {
			return fmt.Errorf("invalid tick_interval: %w", err)
		}
	}

	if aux.PriceRefreshInterval != "" {
		if c.PriceRefreshInterval, err = time.ParseDuration(aux.PriceRefreshInterval); err != nil {
			return fmt.Errorf("invalid price_refresh_interval: %w", err)
		}
	}

	if aux.APITimeout != "" {
		if c.APITimeout, err = time.ParseDuration(aux.APITimeout); err != nil {
			return fmt.Errorf("invalid api_timeout: %w", err)
		}
	}

	if aux.SensorTimeout != "" {
		if c.SensorTimeout, err = time.ParseDuration(aux.SensorTimeout); err != nil {
			return fmt.Errorf("invalid sensor_timeout: %w", err)
		}
	}

	return nil
}

// String returns a string representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
