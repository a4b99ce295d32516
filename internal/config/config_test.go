package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	v := New(nil)
	v.Set("wheel.circumference_mm", 2105)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, uint32(2105), cfg.Wheel.CircumferenceMM)
	assert.Equal(t, DefaultScanTimeout, cfg.Scan.Timeout)
	assert.Equal(t, DefaultBluetoothAdapter, cfg.Bluetooth.Adapter)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, DefaultMQTTPort, cfg.MQTT.Port)
	assert.Equal(t, DefaultMQTTTopicPrefix, cfg.MQTT.TopicPrefix)
	assert.Equal(t, DefaultMockInterval, cfg.Mock.Interval)
	assert.False(t, cfg.MQTT.Enabled)
	assert.False(t, cfg.Dashboard.Enabled)
}

func TestLoad_MissingCircumference(t *testing.T) {
	_, err := Load(New(nil))
	assert.ErrorIs(t, err, ErrMissingWheelCircumference)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
wheel:
  circumference_mm: 2096
scan:
  timeout: 5s
log:
  level: debug
mqtt:
  enabled: true
  broker: broker.local
  port: 8883
mock:
  speed_kmh: 32.5
`)
	v := New(nil)
	require.NoError(t, ReadFile(v, path))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, uint32(2096), cfg.Wheel.CircumferenceMM)
	assert.Equal(t, 5*time.Second, cfg.Scan.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "broker.local", cfg.MQTT.Broker)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.InDelta(t, 32.5, cfg.Mock.SpeedKmh, 1e-9)
}

func TestReadFile_ExplicitMissingFileFails(t *testing.T) {
	v := New(nil)
	assert.Error(t, ReadFile(v, filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestReadFile_ConfigFromEnv(t *testing.T) {
	path := writeConfig(t, "wheel:\n  circumference_mm: 2070\n")
	t.Setenv("CSC_CONFIG", path)

	v := New(nil)
	require.NoError(t, ReadFile(v, ""))
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, uint32(2070), cfg.Wheel.CircumferenceMM)
}

func TestPrecedence_FlagOverEnvOverFile(t *testing.T) {
	path := writeConfig(t, "wheel:\n  circumference_mm: 2000\nlog:\n  level: error\n")
	t.Setenv("CSC_WHEEL_CIRCUMFERENCE_MM", "2100")
	t.Setenv("CSC_LOG_LEVEL", "warn")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))

	v := New(flags)
	require.NoError(t, ReadFile(v, path))
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, uint32(2100), cfg.Wheel.CircumferenceMM)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		v := New(nil)
		v.Set("wheel.circumference_mm", 2105)
		cfg, err := Load(v)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero scan timeout", func(c *Config) { c.Scan.Timeout = 0 }},
		{"unknown log level", func(c *Config) { c.Log.Level = "chatty" }},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }},
		{"mqtt port out of range", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Port = 70000 }},
		{"mock zero interval", func(c *Config) { c.Mock.Enabled = true; c.Mock.Interval = 0 }},
		{"mock negative speed", func(c *Config) { c.Mock.Enabled = true; c.Mock.SpeedKmh = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoggingOptions_DashboardSuppressesConsole(t *testing.T) {
	cfg := Config{Log: LogOpt{Level: "info", File: "/tmp/x.log"}}
	assert.True(t, cfg.LoggingOptions().Console)

	cfg.Dashboard.Enabled = true
	opts := cfg.LoggingOptions()
	assert.False(t, opts.Console)
	assert.Equal(t, "/tmp/x.log", opts.File)
}
