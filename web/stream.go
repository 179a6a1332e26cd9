package web

import (
  "encoding/json"
  "fmt"
  "io"
  "net/http"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/rs/zerolog/log"

  "github.com/belavarga1117/xg27-sensor-dashboard/sensor"
)

// DefaultHeartbeat is how long a stream may idle before a comment frame is
// written to keep proxies and browsers from timing the connection out.
const DefaultHeartbeat = 15 * time.Second

var streamClientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
  Name: "xg27_bridge_stream_clients",
})

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(streamClientsGauge)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
  flusher, ok := w.(http.Flusher)

  if !ok {
    http.Error(w, "streaming unsupported", http.StatusInternalServerError)
    return
  }

  w.Header().Set("Content-Type", "text/event-stream")
  w.Header().Set("Cache-Control", "no-cache")
  w.Header().Set("Connection", "keep-alive")
  w.Header().Set("Access-Control-Allow-Origin", "*")
  w.WriteHeader(http.StatusOK)
  flusher.Flush()

  sub := s.bus.Subscribe()
  defer s.bus.Unsubscribe(sub)

  streamClientsGauge.Inc()
  defer streamClientsGauge.Dec()

  log.Debug().Str("RemoteAddr", r.RemoteAddr).Msg("Stream client connected")
  defer log.Debug().Str("RemoteAddr", r.RemoteAddr).Msg("Stream client disconnected")

  // late joiners get the newest reading right away instead of waiting for
  // the next advertisement
  if latest, ok := s.latest(); ok {
    if err := writeReading(w, flusher, latest); err != nil {
      return
    }
  }

  // the heartbeat timer restarts on every data frame: it fires only after a
  // genuinely idle interval
  timer := time.NewTimer(s.heartbeat)
  defer timer.Stop()

  ctx := r.Context()

  for {
    select {
    case <-ctx.Done():
      return
    case reading, ok := <-sub.C():
      if !ok {
        return
      }

      if err := writeReading(w, flusher, reading); err != nil {
        log.Debug().Err(err).Str("RemoteAddr", r.RemoteAddr).Msg("Stream write failed")
        return
      }

      resetTimer(timer, s.heartbeat)
    case <-timer.C:
      if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
        return
      }

      flusher.Flush()
      timer.Reset(s.heartbeat)
    }
  }
}

func writeReading(w io.Writer, flusher http.Flusher, reading sensor.Reading) error {
  payload, err := json.Marshal(reading)

  if err != nil {
    return err
  }

  if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
    return err
  }

  flusher.Flush()

  return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
  if !t.Stop() {
    select {
    case <-t.C:
    default:
    }
  }

  t.Reset(d)
}
