package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/belavarga1117/xg27-sensor-dashboard/ble"
	"github.com/belavarga1117/xg27-sensor-dashboard/bus"
	"github.com/belavarga1117/xg27-sensor-dashboard/forward"
	"github.com/belavarga1117/xg27-sensor-dashboard/metrics"
	"github.com/belavarga1117/xg27-sensor-dashboard/scanner"
	"github.com/belavarga1117/xg27-sensor-dashboard/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
  zerolog.DurationFieldUnit = time.Second
  zerolog.TimeFieldFormat = time.RFC3339Nano

  log.Logger = log.Output(zerolog.ConsoleWriter{
    Out: os.Stderr,
    TimeFormat: "15:04:05.000",
  })

  cfg := ParseArgs()

  if cfg.LogFile != "" {
    log.Logger = log.Output(zerolog.MultiLevelWriter(
      zerolog.ConsoleWriter{
        Out: os.Stderr,
        TimeFormat: "15:04:05.000",
      },
      &lumberjack.Logger{
        Filename: cfg.LogFile,
        MaxSize: 20, // megabytes
        MaxBackups: 3,
      },
    ))
  }

  if cfg.Trace || os.Getenv("TRACE") != "" {
      zerolog.SetGlobalLevel(zerolog.TraceLevel)
  } else if cfg.Debug || os.Getenv("DEBUG") != "" {
      zerolog.SetGlobalLevel(zerolog.DebugLevel)
  } else {
      zerolog.SetGlobalLevel(zerolog.InfoLevel)
  }

  if cfg.DiscoverDevices {
    doDeviceDiscovery(cfg)
    return
  }

  log.Info().
    Str("BindAddress", cfg.BindAddress).
    Str("DeviceName", cfg.DeviceName).
    Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
    Msg("Starting with the specified configuration")

  ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
  defer stop()

  registry := prometheus.NewRegistry()
  scanner.RegisterMetrics(registry)
  web.RegisterMetrics(registry)

  readings := bus.New()

  supervisor := scanner.New(newSessionOpener(cfg), readings, cfg.DeviceName)
  supervisor.Backoff = cfg.Backoff
  supervisor.BackoffMax = cfg.BackoffMax

  metrics.RegisterCollector(cfg.DeviceName, supervisor.Latest, registry)

  var metricsHandler http.Handler

  if cfg.EnableMetrics {
    metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
  }

  server := web.NewServer(readings, supervisor.Latest, web.Config{
    BindAddress: cfg.BindAddress,
    Heartbeat: cfg.Heartbeat,
    Metrics: metricsHandler,
  })

  group, ctx := errgroup.WithContext(ctx)

  if cfg.MQTTBroker != "" {
    forwarder, err := forward.NewMQTT(forward.Config{
      Broker: cfg.MQTTBroker,
      ClientID: cfg.MQTTClientID,
      Topic: cfg.MQTTTopic,
      Username: cfg.MQTTUsername,
      Password: cfg.MQTTPassword,
    })

    if err != nil {
      log.Fatal().Err(err).Msg("Failed to connect to the MQTT broker")
    }

    // subscribe before scanning starts so the broker sees every reading
    sub := readings.Subscribe()

    group.Go(func() error {
      defer forwarder.Close()
      defer readings.Unsubscribe(sub)

      return forwarder.Run(ctx, sub)
    })
  }

  group.Go(func() error { return supervisor.Run(ctx) })
  group.Go(func() error { return server.Run(ctx) })

  if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
    log.Fatal().Err(err).Msg("Bridge terminated unexpectedly")
  }

  log.Info().Msg("Bridge stopped")
}

// newSessionOpener binds the radio configuration into an opener the
// supervisor can call every time it needs a fresh scan session.
func newSessionOpener(cfg config) scanner.Opener {
  var flags ble.Flags

  if cfg.ActiveScan {
    flags |= ble.FlagScanTypeActive
  }

  return func() (scanner.Session, error) {
    handle, err := ble.Open(cfg.BluetoothDeviceId, flags)

    if err != nil {
      return nil, err
    }

    return handle, nil
  }
}
