package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/belavarga1117/xg27-sensor-dashboard/scanner"
	"github.com/belavarga1117/xg27-sensor-dashboard/sensor"
	"github.com/belavarga1117/xg27-sensor-dashboard/web"
)

type config struct {
  Debug, Trace bool
  ConfigFile string
  LogFile string
  DiscoverDevices bool
  BindAddress string
  BluetoothDeviceId int
  ActiveScan bool
  DeviceName string
  Heartbeat time.Duration
  Backoff, BackoffMax time.Duration
  EnableMetrics bool
  MQTTBroker, MQTTTopic, MQTTClientID string
  MQTTUsername, MQTTPassword string
}

// fileConfig mirrors the flags that make sense in a config file. Pointer
// fields distinguish keys absent from the file from keys set to their zero
// value; durations are strings so "500ms" works.
type fileConfig struct {
  Bind *string `yaml:"bind"`
  BluetoothDevice *int `yaml:"bluetoothDevice"`
  ActiveScan *bool `yaml:"activeScan"`
  DeviceName *string `yaml:"deviceName"`
  Heartbeat *string `yaml:"heartbeat"`
  Backoff *string `yaml:"backoff"`
  MaxBackoff *string `yaml:"maxBackoff"`
  Metrics *bool `yaml:"metrics"`
  LogFile *string `yaml:"logFile"`

  MQTT struct {
    Broker *string `yaml:"broker"`
    Topic *string `yaml:"topic"`
    ClientID *string `yaml:"clientId"`
    Username *string `yaml:"username"`
    Password *string `yaml:"password"`
  } `yaml:"mqtt"`
}

func ParseArgs() config {
  var cfg config

  flag.StringVar(&cfg.ConfigFile, "config", "",
    "Optional YAML config file. Explicit flags win over file values")
  flag.StringVar(&cfg.BindAddress, "bind", ":5555", "Where the dashboard server will bind to")
  flag.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
  flag.BoolVar(&cfg.ActiveScan, "active-scan", false,
    "Run active scans instead of passive scans")
  flag.StringVar(&cfg.DeviceName, "device-name", sensor.DefaultDeviceName,
    "Advertised name of the sensor node, used as a secondary filter")
  flag.DurationVar(&cfg.Heartbeat, "heartbeat", web.DefaultHeartbeat,
    "How long an event stream may sit idle before a keep-alive comment is written")
  flag.DurationVar(&cfg.Backoff, "backoff", scanner.DefaultBackoff,
    "Base delay before reopening a failed scan session. Doubles per consecutive failure")
  flag.DurationVar(&cfg.BackoffMax, "max-backoff", scanner.DefaultBackoffMax,
    "Upper bound for the scan restart backoff")
  flag.BoolVar(&cfg.EnableMetrics, "metrics", true, "Expose Prometheus metrics on /metrics")
  flag.StringVar(&cfg.LogFile, "log-file", "", "Mirror logs to this file, with rotation")
  flag.StringVar(&cfg.MQTTBroker, "mqtt-broker", "",
    "MQTT broker to republish readings to (e.g. tcp://localhost:1883). Disabled when empty")
  flag.StringVar(&cfg.MQTTTopic, "mqtt-topic", "xg27/readings",
    "Topic readings are republished to")
  flag.StringVar(&cfg.MQTTClientID, "mqtt-client-id", "xg27-bridge", "MQTT client identifier")
  flag.StringVar(&cfg.MQTTUsername, "mqtt-username", "", "MQTT username")
  flag.StringVar(&cfg.MQTTPassword, "mqtt-password", "", "MQTT password")
  flag.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover available BLE devices and quit")
  flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
  flag.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

  flag.Parse()

  if cfg.ConfigFile != "" {
    data, err := os.ReadFile(cfg.ConfigFile)

    if err != nil {
      fmt.Fprintf(os.Stderr, "Error: cannot read config file: %v\n", err)
      os.Exit(1)
    }

    if err := applyFileConfig(&cfg, data, explicitFlags()); err != nil {
      fmt.Fprintf(os.Stderr, "Error: %v\n", err)
      os.Exit(1)
    }
  }

  if err := cfg.validate(); err != nil {
    fmt.Fprintf(os.Stderr, "Error: %v\n", err)
    flag.Usage()
    os.Exit(1)
  }

  return cfg
}

// explicitFlags reports which flags were given on the command line, as
// opposed to resting at their defaults.
func explicitFlags() map[string]bool {
  explicit := make(map[string]bool)

  flag.Visit(func(f *flag.Flag) {
    explicit[f.Name] = true
  })

  return explicit
}

// applyFileConfig layers file values underneath the command line: a key from
// the file applies only when the matching flag was not given explicitly.
func applyFileConfig(cfg *config, data []byte, explicit map[string]bool) error {
  var file fileConfig

  if err := yaml.UnmarshalStrict(data, &file); err != nil {
    return fmt.Errorf("failed to parse config file: %w", err)
  }

  applyFileValue(explicit, "bind", &cfg.BindAddress, file.Bind)
  applyFileValue(explicit, "bluetooth-device", &cfg.BluetoothDeviceId, file.BluetoothDevice)
  applyFileValue(explicit, "active-scan", &cfg.ActiveScan, file.ActiveScan)
  applyFileValue(explicit, "device-name", &cfg.DeviceName, file.DeviceName)
  applyFileValue(explicit, "metrics", &cfg.EnableMetrics, file.Metrics)
  applyFileValue(explicit, "log-file", &cfg.LogFile, file.LogFile)
  applyFileValue(explicit, "mqtt-broker", &cfg.MQTTBroker, file.MQTT.Broker)
  applyFileValue(explicit, "mqtt-topic", &cfg.MQTTTopic, file.MQTT.Topic)
  applyFileValue(explicit, "mqtt-client-id", &cfg.MQTTClientID, file.MQTT.ClientID)
  applyFileValue(explicit, "mqtt-username", &cfg.MQTTUsername, file.MQTT.Username)
  applyFileValue(explicit, "mqtt-password", &cfg.MQTTPassword, file.MQTT.Password)

  durations := []struct {
    flagName string
    dst *time.Duration
    val *string
  }{
    {"heartbeat", &cfg.Heartbeat, file.Heartbeat},
    {"backoff", &cfg.Backoff, file.Backoff},
    {"max-backoff", &cfg.BackoffMax, file.MaxBackoff},
  }

  for _, d := range durations {
    if err := applyFileDuration(explicit, d.flagName, d.dst, d.val); err != nil {
      return err
    }
  }

  return nil
}

func applyFileValue[T any](explicit map[string]bool, flagName string, dst *T, val *T) {
  if val != nil && !explicit[flagName] {
    *dst = *val
  }
}

func applyFileDuration(explicit map[string]bool, flagName string, dst *time.Duration, val *string) error {
  if val == nil {
    return nil
  }

  d, err := time.ParseDuration(*val)

  if err != nil {
    return fmt.Errorf("config file: bad %s value %q: %w", flagName, *val, err)
  }

  if !explicit[flagName] {
    *dst = d
  }

  return nil
}

func (c config) validate() error {
  if c.BindAddress == "" {
    return fmt.Errorf("the bind address must not be empty")
  }

  if c.Heartbeat <= 0 {
    return fmt.Errorf("the stream heartbeat interval must be positive")
  }

  if c.Backoff <= 0 {
    return fmt.Errorf("the scan restart backoff must be positive")
  }

  if c.BackoffMax < c.Backoff {
    return fmt.Errorf("the maximum backoff cannot be below the base backoff")
  }

  return nil
}
