package metrics

import (
  "github.com/prometheus/client_golang/prometheus"

  "github.com/belavarga1117/xg27-sensor-dashboard/sensor"
)

var (
  descTemperature = prometheus.NewDesc(
    "sensor_temperature_celsius",
    "Temperature reported by the sensor in Celsius.",
    []string{"name"},
    nil,
  )

  descHumidity = prometheus.NewDesc(
    "sensor_humidity_ratio",
    "Relative humidity reported by the sensor.",
    []string{"name"},
    nil,
  )

  descIlluminance = prometheus.NewDesc(
    "sensor_illuminance_lux",
    "Ambient light reported by the sensor in lux.",
    []string{"name"},
    nil,
  )

  descMagneticField = prometheus.NewDesc(
    "sensor_magnetic_field_microtesla",
    "Magnetic field reported by the sensor in microtesla.",
    []string{"name"},
    nil,
  )

  descFlags = prometheus.NewDesc(
    "sensor_subsystem_flags_info",
    "Raw subsystem bitmask reported by the sensor. bit 0 = climate, bit 1 = light, bit 2 = magnetic.",
    []string{"name"},
    nil,
  )
)

// CollectFunc returns the latest reading, if one arrived yet. Scrapes before
// the first advertisement expose no sensor series at all instead of zeroes.
type CollectFunc func() (sensor.Reading, bool)

type collector struct {
  name string
  CollectFunc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
  prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
  reading, ok := c.CollectFunc()

  if !ok {
    return
  }

  ts := reading.ReceivedAt

  if reading.Flags.HasClimate() {
    temperature := prometheus.MustNewConstMetric(
      descTemperature,
      prometheus.GaugeValue,
      reading.TemperatureC(),
      c.name,
    )

    ch <- prometheus.NewMetricWithTimestamp(ts, temperature)

    humidity := prometheus.MustNewConstMetric(
      descHumidity,
      prometheus.GaugeValue,
      float64(reading.HumidityPercent) / 100,
      c.name,
    )

    ch <- prometheus.NewMetricWithTimestamp(ts, humidity)
  }

  if reading.Flags.HasLight() {
    illuminance := prometheus.MustNewConstMetric(
      descIlluminance,
      prometheus.GaugeValue,
      float64(reading.IlluminanceLux),
      c.name,
    )

    ch <- prometheus.NewMetricWithTimestamp(ts, illuminance)
  }

  if reading.Flags.HasMagnetic() {
    magneticField := prometheus.MustNewConstMetric(
      descMagneticField,
      prometheus.GaugeValue,
      float64(reading.MagneticFieldUT),
      c.name,
    )

    ch <- prometheus.NewMetricWithTimestamp(ts, magneticField)
  }

  flags := prometheus.MustNewConstMetric(
    descFlags,
    prometheus.GaugeValue,
    float64(reading.Flags),
    c.name,
  )

  ch <- prometheus.NewMetricWithTimestamp(ts, flags)
}

func RegisterCollector(name string, f CollectFunc, reg prometheus.Registerer) {
  c := &collector{
    name: name,
    CollectFunc: f,
  }

  reg.MustRegister(c)
}
