package scanner_test

import (
  "bufio"
  "context"
  "errors"
  "net/http"
  "net/http/httptest"
  "sync/atomic"
  "testing"
  "time"

  ble_mod "github.com/go-ble/ble"

  "github.com/belavarga1117/xg27-sensor-dashboard/ble"
  "github.com/belavarga1117/xg27-sensor-dashboard/bus"
  "github.com/belavarga1117/xg27-sensor-dashboard/scanner"
  "github.com/belavarga1117/xg27-sensor-dashboard/sensor"
  "github.com/belavarga1117/xg27-sensor-dashboard/web"
)

func waitForLatest(t *testing.T, sup *scanner.Supervisor) {
  t.Helper()

  deadline := time.Now().Add(2 * time.Second)

  for time.Now().Before(deadline) {
    if _, ok := sup.Latest(); ok {
      return
    }

    time.Sleep(5 * time.Millisecond)
  }

  t.Fatalf("no reading arrived at the supervisor")
}

func nextFrame(t *testing.T, frames chan string) string {
  t.Helper()

  select {
  case frame, ok := <-frames:
    if !ok {
      t.Fatalf("stream ended while a frame was expected")
    }
    return frame
  case <-time.After(2 * time.Second):
    t.Fatalf("timed out waiting for a stream frame")
  }

  return ""
}

// One dashboard client stays connected while the radio session dies and is
// replaced underneath it.
func TestBridge_StreamSurvivesScanRestart(t *testing.T) {
  climatePayload := func(temp int16) []byte {
    return sensor.Encode(sensor.Reading{TemperatureCentiC: temp, Flags: sensor.FlagClimate})
  }

  failFirst := make(chan struct{})

  var opens atomic.Int32

  opener := func() (scanner.Session, error) {
    if opens.Add(1) == 1 {
      return &fakeSession{
        run: func(ctx context.Context, onAdvertisement func(ble.Advertisement)) error {
          onAdvertisement(FakeAdvertisement{
            name: sensor.DefaultDeviceName,
            manufacturerData: climatePayload(2100),
            addr: ble_mod.NewAddr("c0:ff:ee:00:00:01"),
          })

          select {
          case <-failFirst:
            return errors.New("adapter reset")
          case <-ctx.Done():
            return ctx.Err()
          }
        },
      }, nil
    }

    return &fakeSession{
      run: func(ctx context.Context, onAdvertisement func(ble.Advertisement)) error {
        for _, temp := range []int16{2200, 2300, 2400} {
          onAdvertisement(FakeAdvertisement{
            name: sensor.DefaultDeviceName,
            manufacturerData: climatePayload(temp),
            addr: ble_mod.NewAddr("c0:ff:ee:00:00:01"),
          })
        }
        <-ctx.Done()
        return ctx.Err()
      },
    }, nil
  }

  b := bus.New()
  sup := newSupervisor(opener, b)

  srv := web.NewServer(b, sup.Latest, web.Config{Heartbeat: time.Minute})
  server := httptest.NewServer(srv.Handler())
  defer server.Close()

  ctx, cancel := context.WithCancel(context.Background())
  done := make(chan error, 1)

  go func() { done <- sup.Run(ctx) }()

  // the first reading must land before the client connects so it arrives as
  // the connect snapshot
  waitForLatest(t, sup)

  resp, err := http.Get(server.URL + "/events")

  if err != nil {
    t.Fatalf("GET /events got error: %v", err)
  }

  defer resp.Body.Close()

  frames := make(chan string, 8)

  go func() {
    s := bufio.NewScanner(resp.Body)

    for s.Scan() {
      if line := s.Text(); line != "" {
        frames <- line
      }
    }

    close(frames)
  }()

  want := `data: {"t":21,"h":0,"l":0,"m":0,"f":1}`

  if got := nextFrame(t, frames); got != want {
    t.Fatalf("snapshot frame: got %q, wanted %q", got, want)
  }

  // kill the first session; the supervisor reopens and the same stream
  // carries everything the replacement session hears, in order
  close(failFirst)

  for _, want := range []string{
    `data: {"t":22,"h":0,"l":0,"m":0,"f":1}`,
    `data: {"t":23,"h":0,"l":0,"m":0,"f":1}`,
    `data: {"t":24,"h":0,"l":0,"m":0,"f":1}`,
  } {
    if got := nextFrame(t, frames); got != want {
      t.Fatalf("post-restart frame: got %q, wanted %q", got, want)
    }
  }

  if got := opens.Load(); got != 2 {
    t.Fatalf("opener called %d times, wanted 2", got)
  }

  cancel()
  waitStopped(t, done)
}
