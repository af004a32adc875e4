package ftms

import (
	"encoding/binary"
	"math"

	"tinygo.org/x/bluetooth"
)

// Standard FTMS UUIDs (16-bit SIG assignments).
var (
	ServiceUUID              = bluetooth.New16BitUUID(0x1826)
	FeatureUUID              = bluetooth.New16BitUUID(0x2ACC)
	TreadmillDataUUID        = bluetooth.New16BitUUID(0x2ACD)
	SupportedSpeedRangeUUID  = bluetooth.New16BitUUID(0x2AD4)
	SupportedInclineRangeUUID = bluetooth.New16BitUUID(0x2AD5)
	ControlPointUUID         = bluetooth.New16BitUUID(0x2AD9)
	MachineStatusUUID        = bluetooth.New16BitUUID(0x2ADA)
)

// Treadmill Data flag bit positions (FTMS 1.0 spec)
const (
	treadmillFlagMoreData  = 1 << 0
	treadmillFlagIncline   = 1 << 3
	treadmillFlagDistance  = 1 << 4
	treadmillFlagHeartRate = 1 << 6
)

// Control Point opcodes used by the relay.
const (
	OpCodeRequestControl   = 0x00
	OpCodeSetTargetSpeed   = 0x02
	OpCodeSetTargetIncline = 0x03
	OpCodeStartOrResume    = 0x07
	OpCodeStopOrPause      = 0x08
	OpCodeResponseCode     = 0x80
)

// Control Point result codes.
const (
	ResultSuccess           = 0x01
	ResultOpCodeNotSupported = 0x02
	ResultInvalidParameter  = 0x03
	ResultOperationFailed   = 0x04
)

// Machine Status opcodes.
const (
	StatusStoppedOrPaused  = 0x02
	StatusStartedOrResumed = 0x04
)

// Ranges describes the speed and incline limits the relay advertises.
type Ranges struct {
	MinKph           float64
	MaxKph           float64
	MinIncline       float64
	MaxIncline       float64
	SpeedIncrement   float64
	InclineIncrement float64
}

// DefaultRanges returns conservative limits used until the equipment
// reports its own.
func DefaultRanges() Ranges {
	return Ranges{SpeedIncrement: 0.1, InclineIncrement: 0.5}
}

// TreadmillData is the live state pushed on the Treadmill Data
// characteristic. Nil fields are omitted from the notification.
type TreadmillData struct {
	SpeedKph       *float64
	InclinePercent *float64
	DistanceKm     *float64
	HeartRateBpm   *uint8
}

func clampU16(v float64) uint16 {
	raw := math.Round(v)
	if raw < 0 {
		return 0
	}
	if raw > 0xFFFF {
		return 0xFFFF
	}
	return uint16(raw)
}

func clampS16(v float64) int16 {
	raw := math.Round(v)
	if raw < math.MinInt16 {
		return math.MinInt16
	}
	if raw > math.MaxInt16 {
		return math.MaxInt16
	}
	return int16(raw)
}

// EncodeFeature builds the Fitness Machine Feature value: inclination
// support in the machine features word, speed and incline targets in the
// target setting features word.
func EncodeFeature() []byte {
	machineFeatures := uint32(1 << 3) // inclination supported
	targetFeatures := uint32(1<<0 | 1<<1)
	buf := make([]byte, 0, 8)
	buf = binary.LittleEndian.AppendUint32(buf, machineFeatures)
	buf = binary.LittleEndian.AppendUint32(buf, targetFeatures)
	return buf
}

// EncodeSupportedSpeedRange encodes uint16 values in 0.01 km/h units.
func EncodeSupportedSpeedRange(r Ranges) []byte {
	increment := clampU16(r.SpeedIncrement * 100)
	if increment < 1 {
		increment = 1
	}
	buf := make([]byte, 0, 6)
	buf = binary.LittleEndian.AppendUint16(buf, clampU16(r.MinKph*100))
	buf = binary.LittleEndian.AppendUint16(buf, clampU16(r.MaxKph*100))
	buf = binary.LittleEndian.AppendUint16(buf, increment)
	return buf
}

// EncodeSupportedInclineRange encodes sint16 values in 0.1 percent units.
func EncodeSupportedInclineRange(r Ranges) []byte {
	increment := clampU16(r.InclineIncrement * 10)
	if increment < 1 {
		increment = 1
	}
	buf := make([]byte, 0, 6)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(clampS16(r.MinIncline*10)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(clampS16(r.MaxIncline*10)))
	buf = binary.LittleEndian.AppendUint16(buf, increment)
	return buf
}

// EncodeTreadmillData builds a Treadmill Data notification. Speed uses
// 0.01 km/h units and is mandatory on the wire; 0xFFFF marks it unknown.
func EncodeTreadmillData(d TreadmillData) []byte {
	flags := uint16(treadmillFlagMoreData)

	speedRaw := uint16(0xFFFF)
	if d.SpeedKph != nil {
		speedRaw = clampU16(*d.SpeedKph * 100)
	}

	buf := make([]byte, 2, 12)
	buf = binary.LittleEndian.AppendUint16(buf, speedRaw)

	if d.InclinePercent != nil {
		flags |= treadmillFlagIncline
		buf = binary.LittleEndian.AppendUint16(buf, uint16(clampS16(*d.InclinePercent*10)))
	}
	if d.DistanceKm != nil {
		flags |= treadmillFlagDistance
		distanceRaw := uint32(math.Round(*d.DistanceKm * 10))
		if distanceRaw > 0xFFFFFF {
			distanceRaw = 0xFFFFFF
		}
		buf = append(buf, byte(distanceRaw), byte(distanceRaw>>8), byte(distanceRaw>>16))
	}
	if d.HeartRateBpm != nil {
		flags |= treadmillFlagHeartRate
		buf = append(buf, *d.HeartRateBpm)
	}

	binary.LittleEndian.PutUint16(buf[0:2], flags)
	return buf
}

// EncodeControlPointResponse builds the 0x80 response indication.
func EncodeControlPointResponse(requestOpCode byte, result byte) []byte {
	return []byte{OpCodeResponseCode, requestOpCode, result}
}

// EncodeStatusStarted returns the started/resumed machine status value.
func EncodeStatusStarted() []byte { return []byte{StatusStartedOrResumed} }

// EncodeStatusStopped returns the stopped/paused machine status value.
func EncodeStatusStopped() []byte { return []byte{StatusStoppedOrPaused} }

// DecodeTargetValue extracts the sint16 parameter of a Set Target command.
func DecodeTargetValue(value []byte) (int16, bool) {
	if len(value) < 3 {
		return 0, false
	}
	return int16(binary.LittleEndian.Uint16(value[1:3])), true
}
