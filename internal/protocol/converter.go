package protocol

import (
	"encoding/binary"
	"math"
)

// ConverterKind selects the wire encoding of a characteristic value.
// Encode and Decode are exhaustive switches over this set; there is no
// user-extensible converter registry.
type ConverterKind int

const (
	ConvUint8 ConverterKind = iota
	ConvUint16
	ConvUint32
	ConvDouble   // value*100 as uint16 little-endian
	ConvScaled32 // value*1024/1e8 as uint32 little-endian (calorie totals)
	ConvBool
	ConvPulse // 4 bytes: current, average, count, source
)

// caloriesScale is inherited from the device firmware. Keep the ratio
// exactly as 1024/1e8 so rescaling stays bit-identical.
const caloriesScale = 1024.0 / 100000000.0

const doubleMax = 655.35

// Width returns the number of payload bytes the converter occupies.
func (k ConverterKind) Width() int {
	switch k {
	case ConvUint8, ConvBool:
		return 1
	case ConvUint16, ConvDouble:
		return 2
	case ConvUint32, ConvScaled32, ConvPulse:
		return 4
	default:
		return 0
	}
}

// Encode appends the wire form of value to dst. The name is only used to
// label errors.
func (k ConverterKind) Encode(dst []byte, name string, value Value) ([]byte, error) {
	switch k {
	case ConvUint8:
		return append(dst, byte(value.Uint)), nil
	case ConvUint16:
		return binary.LittleEndian.AppendUint16(dst, uint16(value.Uint)), nil
	case ConvUint32:
		return binary.LittleEndian.AppendUint32(dst, value.Uint), nil
	case ConvDouble:
		if value.Float < 0 || value.Float > doubleMax {
			return dst, &ValueOutOfRangeError{Name: name, Value: value.Float}
		}
		raw := uint16(math.Round(value.Float * 100))
		return binary.LittleEndian.AppendUint16(dst, raw), nil
	case ConvScaled32:
		if value.Float < 0 {
			return dst, &ValueOutOfRangeError{Name: name, Value: value.Float}
		}
		raw := uint32(math.Round(value.Float * caloriesScale))
		return binary.LittleEndian.AppendUint32(dst, raw), nil
	case ConvBool:
		if value.Bool {
			return append(dst, 0x01), nil
		}
		return append(dst, 0x00), nil
	case ConvPulse:
		p := value.Pulse
		return append(dst, p.CurrentBpm, p.AverageBpm, p.SampleCount, byte(p.Source)), nil
	default:
		return dst, &MalformedValueError{Name: name}
	}
}

// Decode reads one value from the front of buf and reports how many bytes
// it consumed.
func (k ConverterKind) Decode(buf []byte, name string) (Value, int, error) {
	width := k.Width()
	if len(buf) < width {
		return Value{}, 0, &MalformedValueError{Name: name, Raw: buf}
	}
	switch k {
	case ConvUint8:
		return UintValue(uint32(buf[0])), 1, nil
	case ConvUint16:
		return UintValue(uint32(binary.LittleEndian.Uint16(buf))), 2, nil
	case ConvUint32:
		return UintValue(binary.LittleEndian.Uint32(buf)), 4, nil
	case ConvDouble:
		raw := binary.LittleEndian.Uint16(buf)
		return FloatValue(float64(raw) / 100.0), 2, nil
	case ConvScaled32:
		raw := binary.LittleEndian.Uint32(buf)
		return FloatValue(float64(raw) / caloriesScale), 4, nil
	case ConvBool:
		switch buf[0] {
		case 0x00:
			return BoolValue(false), 1, nil
		case 0x01:
			return BoolValue(true), 1, nil
		default:
			return Value{}, 0, &MalformedValueError{Name: name, Raw: buf[:1]}
		}
	case ConvPulse:
		p := PulseValue{
			CurrentBpm:  buf[0],
			AverageBpm:  buf[1],
			SampleCount: buf[2],
			Source:      PulseSource(buf[3]),
		}
		return PulseValueOf(p), 4, nil
	default:
		return Value{}, 0, &MalformedValueError{Name: name, Raw: buf}
	}
}
