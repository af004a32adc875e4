package session

import (
	"context"

	"github.com/ianchi/ifit/internal/protocol"
)

// EquipmentInfo is the metadata gathered during Initialize.
type EquipmentInfo struct {
	Equipment             protocol.Equipment
	Characteristics       map[uint8]bool
	SupportedCapabilities []uint8
	SupportedCommands     []protocol.Command
	SerialNumber          string
	FirmwareVersion       string
	ReferenceNumber       uint32
	Limits                map[string]protocol.Value
}

// SupportsCommand reports whether the equipment listed the command.
func (i *EquipmentInfo) SupportsCommand(cmd protocol.Command) bool {
	for _, c := range i.SupportedCommands {
		if c == cmd {
			return true
		}
	}
	return false
}

// Initialize runs the discovery sequence against a freshly opened session:
// equipment information first (it also fixes the equipment type used in
// every later envelope), then capabilities and commands, then the metadata
// commands the equipment claims to support, then the static range values.
func (s *Session) Initialize(ctx context.Context) (*EquipmentInfo, error) {
	characteristics, err := s.EquipmentInformation(ctx)
	if err != nil {
		return nil, err
	}

	info := &EquipmentInfo{
		Equipment:       s.equipmentType(),
		Characteristics: characteristics,
		Limits:          make(map[string]protocol.Value),
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	if caps, err := s.SupportedCapabilities(ctx); err != nil {
		s.logger.Printf("Session: could not get capabilities: %v", err)
	} else {
		info.SupportedCapabilities = caps
	}
	if cmds, err := s.SupportedCommands(ctx); err != nil {
		s.logger.Printf("Session: could not get commands: %v", err)
	} else {
		info.SupportedCommands = cmds
	}

	if info.SupportsCommand(protocol.CommandEquipmentReference) {
		if ref, err := s.EquipmentReference(ctx); err != nil {
			s.logger.Printf("Session: could not get reference: %v", err)
		} else {
			info.ReferenceNumber = ref
		}
	}
	if info.SupportsCommand(protocol.CommandEquipmentFirmware) {
		if fw, err := s.EquipmentFirmware(ctx); err != nil {
			s.logger.Printf("Session: could not get firmware: %v", err)
		} else {
			info.FirmwareVersion = fw
		}
	}
	if info.SupportsCommand(protocol.CommandEquipmentSerial) {
		if serial, err := s.EquipmentSerial(ctx); err != nil {
			s.logger.Printf("Session: could not get serial: %v", err)
		} else {
			info.SerialNumber = serial
		}
	}

	limits, err := s.ReadByName(ctx, []string{"MaxIncline", "MinIncline", "MaxKph", "MinKph", "MaxPulse", "Metric"})
	if err != nil {
		s.logger.Printf("Session: could not read equipment limits: %v", err)
	} else {
		info.Limits = limits
	}

	s.logger.Printf("Session: initialized %v, %d characteristics, firmware %q, serial %q",
		info.Equipment, len(info.Characteristics), info.FirmwareVersion, info.SerialNumber)
	return info, nil
}
