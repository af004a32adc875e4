package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ianchi/ifit/internal/protocol"
)

// Minimum raw-frame lengths for the metadata responses, derived from the
// offsets in the protocol package.
const (
	minFeaturesResponseLen  = protocol.OffsetFeatureCount + 1
	minFirmwareResponseLen  = protocol.OffsetFirmwareString + 1
	minReferenceResponseLen = protocol.OffsetReferenceNumber + 4
	minSerialResponseLen    = protocol.OffsetSerialLength + 2
	minInformationLen       = protocol.OffsetInformationBitmap + 1
)

var metadataPayload = []byte{0x00, 0x00}

// EquipmentInformation queries which characteristic IDs the equipment
// exposes. It also learns the equipment type echoed in the response, which
// subsequent requests address.
func (s *Session) EquipmentInformation(ctx context.Context) (map[uint8]bool, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	env, err := s.sendChecked(ctx, protocol.CommandEquipmentInformation, nil)
	if err != nil {
		return nil, err
	}
	if len(env.Raw) < minInformationLen {
		return nil, fmt.Errorf("%w: information response too short (%d bytes)", protocol.ErrProtocol, len(env.Raw))
	}
	ids, _, err := protocol.DecodeBitmap(env.Raw[protocol.OffsetInformationBitmap : len(env.Raw)-1])
	if err != nil {
		return nil, err
	}
	set := make(map[uint8]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	s.mu.Lock()
	switch env.Equipment {
	case protocol.EquipmentGeneral, protocol.EquipmentTreadmill:
		s.equipment = env.Equipment
	}
	s.mu.Unlock()
	return set, nil
}

// SupportedCapabilities lists the capability IDs the equipment reports.
func (s *Session) SupportedCapabilities(ctx context.Context) ([]uint8, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	env, err := s.sendChecked(ctx, protocol.CommandSupportedCapabilities, nil)
	if err != nil {
		return nil, err
	}
	return parseFeatureList(env)
}

// SupportedCommands lists the command codes the equipment accepts.
func (s *Session) SupportedCommands(ctx context.Context) ([]protocol.Command, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	env, err := s.sendChecked(ctx, protocol.CommandSupportedCommands, nil)
	if err != nil {
		return nil, err
	}
	raw, err := parseFeatureList(env)
	if err != nil {
		return nil, err
	}
	commands := make([]protocol.Command, len(raw))
	for i, b := range raw {
		commands[i] = protocol.Command(b)
	}
	return commands, nil
}

// parseFeatureList handles the shared shape of the capability and command
// responses: a count byte followed by that many ID bytes.
func parseFeatureList(env *protocol.Envelope) ([]uint8, error) {
	raw := env.Raw
	if len(raw) < minFeaturesResponseLen {
		return nil, fmt.Errorf("%w: feature response too short (%d bytes)", protocol.ErrProtocol, len(raw))
	}
	pos := protocol.OffsetFeatureCount
	count := int(raw[pos])
	pos++
	if pos+count > len(raw)-1 {
		count = len(raw) - 1 - pos
	}
	features := make([]uint8, 0, count)
	for i := 0; i < count; i++ {
		features = append(features, raw[pos+i])
	}
	return features, nil
}

// EquipmentReference reads the equipment reference number.
func (s *Session) EquipmentReference(ctx context.Context) (uint32, error) {
	if err := s.requireConnected(); err != nil {
		return 0, err
	}
	env, err := s.sendChecked(ctx, protocol.CommandEquipmentReference, metadataPayload)
	if err != nil {
		return 0, err
	}
	if len(env.Raw) < minReferenceResponseLen {
		return 0, fmt.Errorf("%w: reference response too short (%d bytes)", protocol.ErrProtocol, len(env.Raw))
	}
	return binary.LittleEndian.Uint32(env.Raw[protocol.OffsetReferenceNumber:]), nil
}

// EquipmentFirmware reads the firmware version string. The string runs
// until the first 0x00 or 0x01 byte.
func (s *Session) EquipmentFirmware(ctx context.Context) (string, error) {
	if err := s.requireConnected(); err != nil {
		return "", err
	}
	env, err := s.sendChecked(ctx, protocol.CommandEquipmentFirmware, metadataPayload)
	if err != nil {
		return "", err
	}
	if len(env.Raw) < minFirmwareResponseLen {
		return "", fmt.Errorf("%w: firmware response too short (%d bytes)", protocol.ErrProtocol, len(env.Raw))
	}
	raw := env.Raw[protocol.OffsetFirmwareString:]
	end := len(raw)
	for i, b := range raw {
		if b == 0x00 || b == 0x01 {
			end = i
			break
		}
	}
	return string(raw[:end]), nil
}

// EquipmentSerial reads the serial number string.
func (s *Session) EquipmentSerial(ctx context.Context) (string, error) {
	if err := s.requireConnected(); err != nil {
		return "", err
	}
	env, err := s.sendChecked(ctx, protocol.CommandEquipmentSerial, metadataPayload)
	if err != nil {
		return "", err
	}
	if len(env.Raw) < minSerialResponseLen {
		return "", fmt.Errorf("%w: serial response too short (%d bytes)", protocol.ErrProtocol, len(env.Raw))
	}
	length := int(env.Raw[protocol.OffsetSerialLength])
	start := protocol.OffsetSerialLength + 1
	if start+length > len(env.Raw)-1 {
		return "", fmt.Errorf("%w: serial length %d exceeds response", protocol.ErrProtocol, length)
	}
	return strings.TrimSpace(string(env.Raw[start : start+length])), nil
}
