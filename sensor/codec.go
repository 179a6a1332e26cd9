package sensor

import (
  "encoding/binary"
  "time"

  "github.com/pkg/errors"
)

// CompanyID is the identity tag leading every manufacturer payload of the
// node. The firmware uses the Bluetooth SIG test identifier.
const CompanyID uint16 = 0xffff

// PayloadLength is the exact manufacturer payload size the firmware emits:
// 2 tag + 2 temperature + 1 humidity + 2 illuminance + 2 magnetic + 1 flags.
const PayloadLength = 10

var (
  ErrBadLength = errors.New("bad payload length")
  ErrUnrecognizedSource = errors.New("unrecognized source")
)

// Decode parses one manufacturer payload as broadcast by the node. The tag
// is checked before the full length so that a well-formed payload from a
// foreign vendor is reported as such rather than as a truncation.
func Decode(data []byte, receivedAt time.Time) (reading Reading, err error) {
  bo := binary.LittleEndian

  if len(data) < 2 {
    return reading, errors.Wrapf(ErrBadLength, "got %d bytes, want %d", len(data), PayloadLength)
  }

  if tag := bo.Uint16(data); tag != CompanyID {
    return reading, errors.Wrapf(ErrUnrecognizedSource, "company tag 0x%04x, want 0x%04x",
      tag, CompanyID)
  }

  if len(data) != PayloadLength {
    return reading, errors.Wrapf(ErrBadLength, "got %d bytes, want %d", len(data), PayloadLength)
  }

  reading.TemperatureCentiC = int16(bo.Uint16(data[2:])) // this is signed. Go does 2's complement when casting.
  reading.HumidityPercent = data[4]
  reading.IlluminanceLux = bo.Uint16(data[5:])
  reading.MagneticFieldUT = int16(bo.Uint16(data[7:]))
  reading.Flags = Flags(data[9]) // reserved upper bits ride along untouched
  reading.ReceivedAt = receivedAt

  return reading, nil
}

// Encode is the inverse of Decode. It exists for tests and simulators; the
// bridge itself never transmits.
func Encode(r Reading) []byte {
  bo := binary.LittleEndian
  data := make([]byte, PayloadLength)

  bo.PutUint16(data, CompanyID)
  bo.PutUint16(data[2:], uint16(r.TemperatureCentiC))
  data[4] = r.HumidityPercent
  bo.PutUint16(data[5:], r.IlluminanceLux)
  bo.PutUint16(data[7:], uint16(r.MagneticFieldUT))
  data[9] = byte(r.Flags)

  return data
}
