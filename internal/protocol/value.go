package protocol

import "fmt"

// Equipment identifies the class of device addressed in an envelope.
type Equipment uint8

const (
	EquipmentGeneral   Equipment = 0x02
	EquipmentTreadmill Equipment = 0x04
	// EquipmentEcho shows up in some response streams as a device-type echo.
	// Recognized on parse, never emitted by a client.
	EquipmentEcho Equipment = 0x07
)

func (e Equipment) String() string {
	switch e {
	case EquipmentGeneral:
		return "General"
	case EquipmentTreadmill:
		return "Treadmill"
	case EquipmentEcho:
		return "Echo"
	default:
		return fmt.Sprintf("Equipment(0x%02X)", byte(e))
	}
}

// Command is the operation code carried in byte 6 of every envelope.
type Command uint8

const (
	CommandWriteAndRead          Command = 0x02
	CommandCalibrate             Command = 0x06
	CommandSupportedCapabilities Command = 0x80
	CommandEquipmentInformation  Command = 0x81
	CommandEquipmentReference    Command = 0x82
	CommandEquipmentFirmware     Command = 0x84
	CommandSupportedCommands     Command = 0x88
	CommandEnable                Command = 0x90
	CommandEquipmentSerial       Command = 0x95
)

func (c Command) String() string {
	switch c {
	case CommandWriteAndRead:
		return "WRITE_AND_READ"
	case CommandCalibrate:
		return "CALIBRATE"
	case CommandSupportedCapabilities:
		return "SUPPORTED_CAPABILITIES"
	case CommandEquipmentInformation:
		return "EQUIPMENT_INFORMATION"
	case CommandEquipmentReference:
		return "EQUIPMENT_REFERENCE"
	case CommandEquipmentFirmware:
		return "EQUIPMENT_FIRMWARE"
	case CommandSupportedCommands:
		return "SUPPORTED_COMMANDS"
	case CommandEnable:
		return "ENABLE"
	case CommandEquipmentSerial:
		return "EQUIPMENT_SERIAL"
	default:
		return fmt.Sprintf("COMMAND_0x%02X", byte(c))
	}
}

// Mode is the equipment mode reported and accepted on characteristic 12.
type Mode uint8

const (
	ModeUnknown          Mode = 0
	ModeIdle             Mode = 1
	ModeActive           Mode = 2
	ModePause            Mode = 3
	ModeSummary          Mode = 4
	ModeSettings         Mode = 7
	ModeMissingSafetyKey Mode = 8
)

func (m Mode) String() string {
	switch m {
	case ModeUnknown:
		return "Unknown"
	case ModeIdle:
		return "Idle"
	case ModeActive:
		return "Active"
	case ModePause:
		return "Pause"
	case ModeSummary:
		return "Summary"
	case ModeSettings:
		return "Settings"
	case ModeMissingSafetyKey:
		return "MissingSafetyKey"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// PulseSource is the fourth byte of a Pulse composite.
type PulseSource uint8

const (
	PulseSourceNone     PulseSource = 0
	PulseSourceHandGrip PulseSource = 1
	PulseSourceUnknown2 PulseSource = 2
	PulseSourceUnknown3 PulseSource = 3
	PulseSourceBleHrm   PulseSource = 4
)

func (s PulseSource) String() string {
	switch s {
	case PulseSourceNone:
		return "None"
	case PulseSourceHandGrip:
		return "HandGrip"
	case PulseSourceBleHrm:
		return "BleHrm"
	default:
		return fmt.Sprintf("PulseSource(%d)", uint8(s))
	}
}

// PulseValue is the decoded Pulse composite. Unknown source bytes are kept
// as-is rather than rejected, so re-encoding reproduces the original buffer.
type PulseValue struct {
	CurrentBpm  uint8
	AverageBpm  uint8
	SampleCount uint8
	Source      PulseSource
}

// ValueKind discriminates the Value union.
type ValueKind int

const (
	KindUint ValueKind = iota // UInt8/16/32, width carried by the converter
	KindFloat
	KindBool
	KindPulse
)

// Value is the tagged union over everything a converter can encode or
// decode. It is the only value type that crosses the session's typed
// get/set API.
type Value struct {
	Kind  ValueKind
	Uint  uint32
	Float float64
	Bool  bool
	Pulse PulseValue
}

func UintValue(v uint32) Value        { return Value{Kind: KindUint, Uint: v} }
func FloatValue(v float64) Value      { return Value{Kind: KindFloat, Float: v} }
func BoolValue(v bool) Value          { return Value{Kind: KindBool, Bool: v} }
func PulseValueOf(p PulseValue) Value { return Value{Kind: KindPulse, Pulse: p} }

// ModeValue wraps a Mode for writing to characteristic 12.
func ModeValue(m Mode) Value { return UintValue(uint32(m)) }

// AsMode interprets an integer value as an equipment mode.
func (v Value) AsMode() Mode { return Mode(v.Uint) }

func (v Value) String() string {
	switch v.Kind {
	case KindUint:
		return fmt.Sprintf("%d", v.Uint)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindPulse:
		return fmt.Sprintf("%d bpm (avg %d, n=%d, %s)",
			v.Pulse.CurrentBpm, v.Pulse.AverageBpm, v.Pulse.SampleCount, v.Pulse.Source)
	default:
		return fmt.Sprintf("Value(kind=%d)", int(v.Kind))
	}
}
