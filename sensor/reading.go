package sensor

import (
  "encoding/json"
  "fmt"
  "strings"
  "time"
)

// DefaultDeviceName is the GAP name the xG27 node advertises alongside its
// manufacturer payload.
const DefaultDeviceName = "xG27-Sensor"

// Flags mirrors the subsystem bitmask the firmware puts in the last payload
// byte. A set bit means the matching fields of the same payload are valid.
type Flags uint8

const (
  // Si7021 relative humidity & temperature sensor.
  FlagClimate Flags = 1 << iota
  // VEML6035 ambient light sensor.
  FlagLight
  // Si7210 hall-effect magnetic sensor.
  FlagMagnetic
)

func (f Flags) HasClimate() bool {
  return f & FlagClimate == FlagClimate
}

func (f Flags) HasLight() bool {
  return f & FlagLight == FlagLight
}

func (f Flags) HasMagnetic() bool {
  return f & FlagMagnetic == FlagMagnetic
}

func (f Flags) String() string {
  var flags []string

  if f.HasClimate() {
    flags = append(flags, "climate")
  }

  if f.HasLight() {
    flags = append(flags, "light")
  }

  if f.HasMagnetic() {
    flags = append(flags, "magnetic")
  }

  if len(flags) == 0 {
    return "none"
  }

  return strings.Join(flags, ", ")
}

// Reading is one decoded advertisement payload. Raw integer fields keep the
// wire resolution; accessors convert to display units.
type Reading struct {
  TemperatureCentiC int16
  HumidityPercent uint8
  IlluminanceLux uint16
  MagneticFieldUT int16
  Flags Flags
  ReceivedAt time.Time
}

func (r Reading) TemperatureC() float64 {
  return float64(r.TemperatureCentiC) / 100.0
}

func (r Reading) String() string {
  var fields []string

  if r.Flags.HasClimate() {
    fields = append(fields, fmt.Sprintf("Temperature=%.2f°C", r.TemperatureC()))
    fields = append(fields, fmt.Sprintf("Humidity=%d%%", r.HumidityPercent))
  }

  if r.Flags.HasLight() {
    fields = append(fields, fmt.Sprintf("Illuminance=%dlx", r.IlluminanceLux))
  }

  if r.Flags.HasMagnetic() {
    fields = append(fields, fmt.Sprintf("MagneticField=%dµT", r.MagneticFieldUT))
  }

  return fmt.Sprintf("Reading[Flags=%v,%v]", r.Flags, strings.Join(fields, ","))
}

// MarshalJSON emits the dashboard wire contract. Key names and units are
// shared with the browser client and must not drift.
func (r Reading) MarshalJSON() ([]byte, error) {
  return json.Marshal(struct {
    Temperature float64 `json:"t"`
    Humidity uint8 `json:"h"`
    Illuminance uint16 `json:"l"`
    MagneticField int16 `json:"m"`
    Flags uint8 `json:"f"`
  }{
    Temperature: r.TemperatureC(),
    Humidity: r.HumidityPercent,
    Illuminance: r.IlluminanceLux,
    MagneticField: r.MagneticFieldUT,
    Flags: uint8(r.Flags),
  })
}
