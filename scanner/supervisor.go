package scanner

import (
  "context"
  "encoding/binary"
  "sync"
  "sync/atomic"
  "time"

  "github.com/rs/zerolog/log"

  "github.com/belavarga1117/xg27-sensor-dashboard/ble"
  "github.com/belavarga1117/xg27-sensor-dashboard/bus"
  "github.com/belavarga1117/xg27-sensor-dashboard/sensor"
)

const (
  DefaultBackoff = 500 * time.Millisecond
  DefaultBackoffMax = 5 * time.Second
)

// Session is one live scan. *ble.Handle satisfies this; tests substitute
// fakes.
type Session interface {
  Scan(ctx context.Context, onAdvertisement func(ble.Advertisement)) error
  Stop()
}

// Opener acquires the radio for a new session. It is retried with backoff
// when it fails, so a missing or busy adapter at boot is not fatal.
type Opener func() (Session, error)

// Supervisor keeps exactly one scan session alive, decodes the node's
// advertisements and publishes readings to the bus. It also caches the most
// recent reading for late joiners and the metrics collector.
type Supervisor struct {
  // Base delay before reopening a failed session. Doubles per consecutive
  // failure up to BackoffMax and resets once a session delivers a reading.
  Backoff time.Duration
  BackoffMax time.Duration

  open Opener
  bus *bus.Bus
  deviceName string

  mu sync.Mutex
  latest sensor.Reading
  hasLatest bool

  started bool
}

func New(open Opener, b *bus.Bus, deviceName string) *Supervisor {
  return &Supervisor{
    Backoff: DefaultBackoff,
    BackoffMax: DefaultBackoffMax,
    open: open,
    bus: b,
    deviceName: deviceName,
  }
}

// Latest returns the most recently decoded reading, if any arrived yet.
func (s *Supervisor) Latest() (sensor.Reading, bool) {
  s.mu.Lock()
  defer s.mu.Unlock()

  return s.latest, s.hasLatest
}

func (s *Supervisor) setLatest(r sensor.Reading) {
  s.mu.Lock()
  defer s.mu.Unlock()

  s.latest = r
  s.hasLatest = true
}

// Run scans until ctx ends and returns its error. Failed sessions are
// reopened after a bounded exponential backoff.
func (s *Supervisor) Run(ctx context.Context) error {
  if s.started {
    panic("attempted to call scanner.Supervisor.Run() twice")
  }

  s.started = true

  log.Info().
    Str("DeviceName", s.deviceName).
    Dur("Backoff", s.Backoff).
    Dur("BackoffMax", s.BackoffMax).
    Msg("Starting scan supervisor")

  attempt := 0
  openErrLogged := false

  for {
    if err := ctx.Err(); err != nil {
      return err
    }

    session, err := s.open()

    if err != nil {
      sessionRestartsCounter.Inc()
      backoff := s.backoff(attempt)
      attempt += 1

      // the adapter may show up later. log loudly once, then quietly.
      if openErrLogged {
        log.Debug().Err(err).Dur("Backoff", backoff).Msg("Scan session open failed again")
      } else {
        openErrLogged = true
        log.Error().
          Err(err).
          Dur("Backoff", backoff).
          Msg("Failed to open a scan session - will keep retrying")
      }

      if !sleep(ctx, backoff) {
        return ctx.Err()
      }

      continue
    }

    openErrLogged = false

    log.Info().Str("DeviceName", s.deviceName).Msg("Scan session started")

    var delivered atomic.Bool

    err = session.Scan(ctx, func(a ble.Advertisement) {
      if s.handleAdvertisement(a) {
        delivered.Store(true)
      }
    })
    session.Stop()

    if ctx.Err() != nil {
      return ctx.Err()
    }

    if delivered.Load() {
      attempt = 0
    }

    sessionRestartsCounter.Inc()
    backoff := s.backoff(attempt)
    attempt += 1

    log.Error().Err(err).Dur("Backoff", backoff).Msg("Scan session ended - restarting")

    if !sleep(ctx, backoff) {
      return ctx.Err()
    }
  }
}

// handleAdvertisement reports whether a reading was published. An
// advertisement is ours when the GAP name matches or the manufacturer
// payload leads with the node's company tag; everything else in the air is
// dropped before decoding.
func (s *Supervisor) handleAdvertisement(a ble.Advertisement) bool {
  name := a.LocalName()
  data := a.ManufacturerData()

  nameMatches := name != "" && name == s.deviceName
  tagMatches := len(data) >= 2 && binary.LittleEndian.Uint16(data) == sensor.CompanyID

  if !nameMatches && !tagMatches {
    log.Trace().
      Str("LocalName", name).
      Str("Address", a.Addr().String()).
      Msg("Ignoring advertisement from foreign device")

    return false
  }

  advertisementsCounter.Inc()

  reading, err := sensor.Decode(data, time.Now())

  if err != nil {
    decodeErrorsCounter.Inc()
    log.Debug().
      Err(err).
      Str("LocalName", name).
      Hex("ManufacturerData", data).
      Msg("Discarding undecodable advertisement")

    return false
  }

  log.Debug().
    Stringer("Reading", reading).
    Int("RSSI", a.RSSI()).
    Msg("Decoded reading from advertisement")

  s.setLatest(reading)
  readingsCounter.Inc()
  s.bus.Publish(reading)

  return true
}

func (s *Supervisor) backoff(attempt int) time.Duration {
  backoff := s.Backoff

  // doubling caps out quickly; shifting by attempt directly would wrap to
  // zero once a long outage pushes attempt past 63
  for ; attempt > 0 && 0 < backoff && backoff < s.BackoffMax; attempt -= 1 {
    backoff <<= 1
  }

  if backoff < 0 || backoff > s.BackoffMax {
    backoff = s.BackoffMax
  }

  return backoff
}

func sleep(ctx context.Context, d time.Duration) bool {
  select {
  case <-ctx.Done():
    return false
  case <-time.After(d):
    return true
  }
}
