package forward

import (
  "context"
  "encoding/json"
  "time"

  mqtt "github.com/eclipse/paho.mqtt.golang"
  "github.com/pkg/errors"
  "github.com/rs/zerolog/log"

  "github.com/belavarga1117/xg27-sensor-dashboard/bus"
  "github.com/belavarga1117/xg27-sensor-dashboard/sensor"
)

const publishTimeout = 5 * time.Second

// client is the slice of mqtt.Client the forwarder needs. Tests fake it.
type client interface {
  Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
  Disconnect(quiesce uint)
}

type Config struct {
  Broker string
  ClientID string
  Topic string
  Username string
  Password string
}

// MQTT republishes every bus reading to a broker topic, using the same JSON
// frames the dashboard stream carries.
type MQTT struct {
  client client
  topic string
}

func NewMQTT(cfg Config) (*MQTT, error) {
  opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
  opts.SetAutoReconnect(true)

  if cfg.Username != "" {
    opts.SetUsername(cfg.Username)
    opts.SetPassword(cfg.Password)
  }

  c := mqtt.NewClient(opts)

  if token := c.Connect(); token.Wait() && token.Error() != nil {
    return nil, errors.Wrapf(token.Error(), "failed to connect to MQTT broker %q", cfg.Broker)
  }

  log.Info().
    Str("Broker", cfg.Broker).
    Str("Topic", cfg.Topic).
    Str("ClientID", cfg.ClientID).
    Msg("Connected to MQTT broker")

  return &MQTT{
    client: c,
    topic: cfg.Topic,
  }, nil
}

// Run forwards readings from sub until ctx ends or the subscription closes.
func (f *MQTT) Run(ctx context.Context, sub *bus.Subscriber) error {
  for {
    select {
    case <-ctx.Done():
      return nil
    case reading, ok := <-sub.C():
      if !ok {
        return nil
      }

      f.publish(reading)
    }
  }
}

// publish failures are logged, not returned: the broker going away must not
// take the bridge down.
func (f *MQTT) publish(reading sensor.Reading) {
  payload, err := json.Marshal(reading)

  if err != nil {
    log.Error().Err(err).Msg("Failed to encode reading for MQTT")
    return
  }

  token := f.client.Publish(f.topic, 0, false, payload)

  if !token.WaitTimeout(publishTimeout) {
    log.Warn().Str("Topic", f.topic).Msg("MQTT publish timed out")
    return
  }

  if err := token.Error(); err != nil {
    log.Warn().Err(err).Str("Topic", f.topic).Msg("MQTT publish failed")
  }
}

func (f *MQTT) Close() {
  f.client.Disconnect(250)
}
