package scanner

import (
  "github.com/prometheus/client_golang/prometheus"
)

var (
  advertisementsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "xg27_bridge_ble_advertisements_total",
  })
  decodeErrorsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "xg27_bridge_ble_decode_errors_total",
  })
  readingsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "xg27_bridge_readings_published_total",
  })
  sessionRestartsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "xg27_bridge_scan_restarts_total",
  })
)

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(
    advertisementsCounter,
    decodeErrorsCounter,
    readingsCounter,
    sessionRestartsCounter,
  )
}
