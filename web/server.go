package web

import (
  "context"
  _ "embed"
  "encoding/json"
  "fmt"
  "net"
  "net/http"
  "time"

  "github.com/rs/zerolog/log"

  "github.com/belavarga1117/xg27-sensor-dashboard/bus"
  "github.com/belavarga1117/xg27-sensor-dashboard/sensor"
)

//go:embed dashboard.html
var dashboardHTML []byte

// LatestFunc supplies the most recent reading so late-joining clients get a
// snapshot before the live stream.
type LatestFunc func() (sensor.Reading, bool)

type Config struct {
  BindAddress string
  Heartbeat time.Duration

  // Mounted at /metrics when non-nil.
  Metrics http.Handler
}

// Server is the dashboard frontend: the embedded page, the SSE stream, a
// health endpoint and optionally the metrics exposition.
type Server struct {
  bus *bus.Bus
  latest LatestFunc
  heartbeat time.Duration
  metrics http.Handler
  server *http.Server
}

func NewServer(b *bus.Bus, latest LatestFunc, cfg Config) *Server {
  s := &Server{
    bus: b,
    latest: latest,
    heartbeat: cfg.Heartbeat,
    metrics: cfg.Metrics,
  }

  if s.heartbeat <= 0 {
    s.heartbeat = DefaultHeartbeat
  }

  if s.latest == nil {
    s.latest = func() (sensor.Reading, bool) { return sensor.Reading{}, false }
  }

  s.server = &http.Server{
    Addr: cfg.BindAddress,
    Handler: s.routes(),
  }

  return s
}

func (s *Server) routes() *http.ServeMux {
  mux := http.NewServeMux()

  mux.HandleFunc("/", s.handleDashboard)
  mux.HandleFunc("/events", s.handleEvents)
  mux.HandleFunc("/healthz", s.handleHealthz)

  if s.metrics != nil {
    mux.Handle("/metrics", s.metrics)
  }

  return mux
}

// Handler exposes the routing table, mainly for tests.
func (s *Server) Handler() http.Handler {
  return s.server.Handler
}

// Run serves until ctx ends. A listen failure is returned immediately so a
// busy port aborts startup instead of leaving a dashboard-less bridge behind.
func (s *Server) Run(ctx context.Context) error {
  // active streams inherit ctx through their request context and end with it
  s.server.BaseContext = func(net.Listener) context.Context { return ctx }

  errCh := make(chan error, 1)

  go func() {
    errCh <- s.server.ListenAndServe()
  }()

  select {
  case err := <-errCh:
    return fmt.Errorf("dashboard server failed: %w", err)
  case <-ctx.Done():
  }

  log.Info().Msg("Shutting down dashboard server")

  shutdownCtx, cancel := context.WithTimeout(context.Background(), 5 * time.Second)
  defer cancel()

  if err := s.server.Shutdown(shutdownCtx); err != nil {
    log.Warn().Err(err).Msg("Graceful shutdown failed - closing server")
    s.server.Close()
  }

  return nil
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
  // "/" catches every path the mux doesn't know about
  if r.URL.Path != "/" && r.URL.Path != "/sensor.html" {
    http.NotFound(w, r)
    return
  }

  w.Header().Set("Content-Type", "text/html; charset=utf-8")
  w.Write(dashboardHTML)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
  _, hasReading := s.latest()

  w.Header().Set("Content-Type", "application/json")

  json.NewEncoder(w).Encode(struct {
    Status string `json:"status"`
    StreamClients int `json:"streamClients"`
    HasReading bool `json:"hasReading"`
  }{
    Status: "ok",
    StreamClients: s.bus.Len(),
    HasReading: hasReading,
  })
}
