// Package config loads csc-sensor settings from flags, CSC_ environment
// variables, a YAML config file and defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/csc-sensor/internal/logging"
)

const (
	DefaultAppName    = "csc-sensor"
	DefaultConfigName = "config"
	DefaultEnvPrefix  = "CSC"

	DefaultScanTimeout      = 10 * time.Second
	DefaultBluetoothAdapter = "hci0"
	DefaultLogLevel         = "info"
	DefaultLogMaxSizeMB     = 10
	DefaultLogMaxBackups    = 3
	DefaultLogMaxAgeDays    = 28
	DefaultMQTTBroker       = "localhost"
	DefaultMQTTPort         = 1883
	DefaultMQTTTopicPrefix  = "csc"
	DefaultMockListen       = ":9903"
	DefaultMockSpeedKmh     = 25.0
	DefaultMockCadenceRPM   = 85.0
	DefaultMockInterval     = 1 * time.Second
)

const DefaultConfigSearchPath1 = "/etc/" + DefaultAppName
const DefaultConfigSearchPath2 = "."

// ErrMissingWheelCircumference is returned when wheel.circumference_mm is unset or zero.
// There is no safe default: every speed value depends on it.
var ErrMissingWheelCircumference = errors.New("wheel.circumference_mm must be set to a positive value")

// ErrInvalid wraps every other validation failure
var ErrInvalid = errors.New("invalid configuration")

type WheelOpt struct {
	CircumferenceMM uint32 `mapstructure:"circumference_mm"`
}

type ScanOpt struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type BluetoothOpt struct {
	Adapter string `mapstructure:"adapter"`
}

type LogOpt struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MQTTOpt struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Port        int    `mapstructure:"port"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type MockOpt struct {
	Enabled    bool          `mapstructure:"enabled"`
	Listen     string        `mapstructure:"listen"`
	SpeedKmh   float64       `mapstructure:"speed_kmh"`
	CadenceRPM float64       `mapstructure:"cadence_rpm"`
	Interval   time.Duration `mapstructure:"interval"`
}

type DashboardOpt struct {
	Enabled bool `mapstructure:"enabled"`
}

type Config struct {
	Wheel     WheelOpt     `mapstructure:"wheel"`
	Scan      ScanOpt      `mapstructure:"scan"`
	Bluetooth BluetoothOpt `mapstructure:"bluetooth"`
	Log       LogOpt       `mapstructure:"log"`
	MQTT      MQTTOpt      `mapstructure:"mqtt"`
	Mock      MockOpt      `mapstructure:"mock"`
	Dashboard DashboardOpt `mapstructure:"dashboard"`
}

// LoggingOptions converts the log section for logging.New
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Console:    !c.Dashboard.Enabled,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// RegisterFlags adds the global flags to flags
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (default searches $HOME/.config/"+DefaultAppName+", "+DefaultConfigSearchPath1+", .)")
	flags.String("log-level", DefaultLogLevel, "log level: debug, info, warn, error")
	flags.Bool("mock", false, "use the simulated sensor instead of Bluetooth")
	flags.Uint32("wheel-circumference", 0, "wheel circumference in millimetres")
	flags.Bool("dashboard", false, "show the terminal dashboard while riding")
}

// New returns a viper instance with defaults, environment binding and the
// flags registered by RegisterFlags bound to their keys. flags may be nil.
func New(flags *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetDefault("scan.timeout", DefaultScanTimeout)
	v.SetDefault("bluetooth.adapter", DefaultBluetoothAdapter)
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", DefaultLogMaxSizeMB)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age_days", DefaultLogMaxAgeDays)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", DefaultMQTTBroker)
	v.SetDefault("mqtt.port", DefaultMQTTPort)
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic_prefix", DefaultMQTTTopicPrefix)
	v.SetDefault("mock.enabled", false)
	v.SetDefault("mock.listen", DefaultMockListen)
	v.SetDefault("mock.speed_kmh", DefaultMockSpeedKmh)
	v.SetDefault("mock.cadence_rpm", DefaultMockCadenceRPM)
	v.SetDefault("mock.interval", DefaultMockInterval)
	v.SetDefault("dashboard.enabled", false)
	// No default: registered so the env variable is seen by Unmarshal
	v.SetDefault("wheel.circumference_mm", 0)

	v.SetEnvPrefix(DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		bind := func(key, flag string) {
			if f := flags.Lookup(flag); f != nil {
				_ = v.BindPFlag(key, f)
			}
		}
		bind("log.level", "log-level")
		bind("mock.enabled", "mock")
		bind("wheel.circumference_mm", "wheel-circumference")
		bind("dashboard.enabled", "dashboard")
	}
	return v
}

// ReadFile reads configFile, or CSC_CONFIG, or searches the default paths.
// A missing file is not an error when searching.
func ReadFile(v *viper.Viper, configFile string) error {
	if configFile == "" {
		configFile = os.Getenv(DefaultEnvPrefix + "_CONFIG")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName(DefaultConfigName)
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", DefaultAppName))
	}
	v.AddConfigPath(DefaultConfigSearchPath1)
	v.AddConfigPath(DefaultConfigSearchPath2)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load unmarshals and validates the configuration
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted
func (c Config) Validate() error {
	if c.Wheel.CircumferenceMM == 0 {
		return ErrMissingWheelCircumference
	}
	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("%w: scan.timeout must be positive, got %v", ErrInvalid, c.Scan.Timeout)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalid)
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("%w: mqtt.port %d out of range", ErrInvalid, c.MQTT.Port)
		}
	}
	if c.Mock.Enabled {
		if c.Mock.Interval <= 0 {
			return fmt.Errorf("%w: mock.interval must be positive, got %v", ErrInvalid, c.Mock.Interval)
		}
		if c.Mock.SpeedKmh < 0 || c.Mock.CadenceRPM < 0 {
			return fmt.Errorf("%w: mock speed and cadence must not be negative", ErrInvalid)
		}
	}
	return nil
}
