package web_test

import (
  "bufio"
  "net/http"
  "net/http/httptest"
  "strings"
  "testing"
  "time"

  "github.com/belavarga1117/xg27-sensor-dashboard/bus"
  "github.com/belavarga1117/xg27-sensor-dashboard/sensor"
  "github.com/belavarga1117/xg27-sensor-dashboard/web"
)

func testReading(temp int16) sensor.Reading {
  return sensor.Reading{
    TemperatureCentiC: temp,
    HumidityPercent:   52,
    IlluminanceLux:    100,
    MagneticFieldUT:   511,
    Flags:             sensor.FlagClimate | sensor.FlagLight | sensor.FlagMagnetic,
  }
}

type stream struct {
  resp *http.Response
  lines chan string
}

func openStream(t *testing.T, baseURL string) *stream {
  t.Helper()

  resp, err := http.Get(baseURL + "/events")

  if err != nil {
    t.Fatalf("GET /events got error: %v", err)
  }

  if resp.StatusCode != http.StatusOK {
    t.Fatalf("GET /events: got status %d, wanted 200", resp.StatusCode)
  }

  st := &stream{
    resp: resp,
    lines: make(chan string, 32),
  }

  go func() {
    scanner := bufio.NewScanner(resp.Body)

    for scanner.Scan() {
      if line := scanner.Text(); line != "" {
        st.lines <- line
      }
    }

    close(st.lines)
  }()

  return st
}

func (st *stream) next(t *testing.T) string {
  t.Helper()

  select {
  case line, ok := <-st.lines:
    if !ok {
      t.Fatalf("stream ended while a frame was expected")
    }
    return line
  case <-time.After(2 * time.Second):
    t.Fatalf("timed out waiting for a stream frame")
  }

  return ""
}

func (st *stream) close() {
  st.resp.Body.Close()
}

func waitForClients(t *testing.T, b *bus.Bus, want int) {
  t.Helper()

  deadline := time.Now().Add(2 * time.Second)

  for time.Now().Before(deadline) {
    if b.Len() == want {
      return
    }

    time.Sleep(5 * time.Millisecond)
  }

  t.Fatalf("bus has %d subscribers, wanted %d", b.Len(), want)
}

func newTestServer(b *bus.Bus, latest web.LatestFunc, heartbeat time.Duration) *httptest.Server {
  s := web.NewServer(b, latest, web.Config{Heartbeat: heartbeat})

  return httptest.NewServer(s.Handler())
}

func TestStream_Headers(t *testing.T) {
  server := newTestServer(bus.New(), nil, time.Minute)
  defer server.Close()

  st := openStream(t, server.URL)
  defer st.close()

  headers := map[string]string{
    "Content-Type": "text/event-stream",
    "Cache-Control": "no-cache",
    "Access-Control-Allow-Origin": "*",
  }

  for name, want := range headers {
    if got := st.resp.Header.Get(name); got != want {
      t.Fatalf("header %s: got %q, wanted %q", name, got, want)
    }
  }
}

func TestStream_SnapshotOnConnect(t *testing.T) {
  latest := func() (sensor.Reading, bool) {
    return testReading(2314), true
  }

  server := newTestServer(bus.New(), latest, time.Minute)
  defer server.Close()

  st := openStream(t, server.URL)
  defer st.close()

  want := `data: {"t":23.14,"h":52,"l":100,"m":511,"f":7}`

  if got := st.next(t); got != want {
    t.Fatalf("first frame: got %q, wanted %q", got, want)
  }
}

func TestStream_NoSnapshotBeforeFirstReading(t *testing.T) {
  b := bus.New()

  server := newTestServer(b, nil, time.Minute)
  defer server.Close()

  st := openStream(t, server.URL)
  defer st.close()

  waitForClients(t, b, 1)
  b.Publish(testReading(100))

  want := `data: {"t":1,"h":52,"l":100,"m":511,"f":7}`

  // nothing precedes the first published reading
  if got := st.next(t); got != want {
    t.Fatalf("first frame: got %q, wanted %q", got, want)
  }
}

func TestStream_DeliversReadingsInOrder(t *testing.T) {
  b := bus.New()

  server := newTestServer(b, nil, time.Minute)
  defer server.Close()

  st := openStream(t, server.URL)
  defer st.close()

  waitForClients(t, b, 1)

  b.Publish(testReading(2314))
  b.Publish(testReading(-525))

  first := st.next(t)
  second := st.next(t)

  if !strings.Contains(first, `"t":23.14`) {
    t.Fatalf("first frame: got %q, wanted temperature 23.14", first)
  }

  if !strings.Contains(second, `"t":-5.25`) {
    t.Fatalf("second frame: got %q, wanted temperature -5.25", second)
  }
}

func TestStream_HeartbeatWhenIdle(t *testing.T) {
  server := newTestServer(bus.New(), nil, 50 * time.Millisecond)
  defer server.Close()

  st := openStream(t, server.URL)
  defer st.close()

  for i := 0; i < 2; i += 1 {
    if got := st.next(t); got != ": heartbeat" {
      t.Fatalf("idle frame %d: got %q, wanted %q", i, got, ": heartbeat")
    }
  }
}

func TestStream_DataDefersHeartbeat(t *testing.T) {
  b := bus.New()

  server := newTestServer(b, nil, time.Second)
  defer server.Close()

  st := openStream(t, server.URL)
  defer st.close()

  waitForClients(t, b, 1)

  // a data frame 300ms in restarts the idle timer
  time.Sleep(300 * time.Millisecond)
  b.Publish(testReading(2314))

  if got := st.next(t); !strings.HasPrefix(got, "data: ") {
    t.Fatalf("got %q, wanted a data frame", got)
  }

  gotData := time.Now()

  if got := st.next(t); got != ": heartbeat" {
    t.Fatalf("got %q, wanted %q", got, ": heartbeat")
  }

  // without the restart the heartbeat would arrive ~700ms after the data
  // frame (one idle interval after connect)
  if elapsed := time.Since(gotData); elapsed < 800 * time.Millisecond {
    t.Fatalf("heartbeat arrived %v after a data frame, wanted at least the full idle interval", elapsed)
  }
}

func TestStream_ClientDisconnectDetaches(t *testing.T) {
  b := bus.New()

  server := newTestServer(b, nil, time.Minute)
  defer server.Close()

  st := openStream(t, server.URL)

  waitForClients(t, b, 1)

  st.close()

  waitForClients(t, b, 0)
}

func TestStream_SlowClientDoesNotStallOthers(t *testing.T) {
  b := bus.New()

  server := newTestServer(b, nil, time.Minute)
  defer server.Close()

  // the stalled client never reads its response body
  stalled := openStream(t, server.URL)
  defer stalled.close()

  live := openStream(t, server.URL)
  defer live.close()

  waitForClients(t, b, 2)

  for i := int16(0); i < 100; i += 1 {
    b.Publish(testReading(i))
  }

  // the live client sees everything, in order
  for i := int16(0); i < 100; i += 1 {
    frame := live.next(t)

    if !strings.Contains(frame, `"f":7`) {
      t.Fatalf("frame %d: got %q, wanted a reading frame", i, frame)
    }
  }
}
