package bt

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ianchi/ifit/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type DeviceState int

// Define the constants related to the type
const (
	StateDisconnected DeviceState = iota // 0
	StateConnecting                      // 1
	StateConnected                       // 2
)

// Device is one BLE peripheral tracked by the Manager. GATT operations are
// serialized internally, so a Device may be used from multiple goroutines.
type Device interface {
	AddressString() string
	LocalName() string
	DisplayCode() string
	RSSI() (int16, error)
	LastSeen() time.Time
	IsConnected() bool
	State() DeviceState
	WaitForConnection(timeout time.Duration) error
	EnableNotifications(serviceUUID, charUUID string, callback func(buf []byte)) error
	DisableNotifications(serviceUUID, charUUID string) error
	WriteCharacteristic(serviceUUID, charUUID string, data []byte) error
	WriteCharacteristicWithoutResponse(serviceUUID, charUUID string, data []byte) error
	HasServiceUUID(uuid string) bool
}

type deviceImpl struct {
	address    bluetooth.Address
	logger     *log.Logger
	staleAfter time.Duration

	mu              sync.RWMutex
	scanResult      *bluetooth.ScanResult
	lastSeen        time.Time
	connectedDevice *bluetooth.Device
	state           DeviceState
	localName       string
	displayCode     string
	serviceUUIDs    []string

	// Serializes GATT operations; concurrent discovery confuses some
	// adapters.
	gattMu sync.Mutex

	services        *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristics *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	discoveredAll   bool
	charsDiscovered *safe_map.SafeMap[string, bool]
}

func newDeviceImpl(logger *log.Logger, address bluetooth.Address, staleAfter time.Duration) *deviceImpl {
	if logger == nil {
		panic("Device: logger cannot be nil")
	}
	return &deviceImpl{
		logger:          logger,
		address:         address,
		staleAfter:      staleAfter,
		localName:       "Unknown",
		lastSeen:        time.Unix(0, 0),
		state:           StateDisconnected,
		services:        safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristics: safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		charsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (d *deviceImpl) AddressString() string { return d.address.String() }

func (d *deviceImpl) LocalName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.scanResult != nil {
		if name := d.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return d.localName
}

// DisplayCode returns the 4-digit hex code shown on the equipment console,
// extracted from the advertisement, or "" if none was seen.
func (d *deviceImpl) DisplayCode() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.displayCode
}

func (d *deviceImpl) RSSI() (int16, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.scanResult == nil {
		return 0, errors.New("no rssi available")
	}
	return d.scanResult.RSSI, nil
}

func (d *deviceImpl) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

func (d *deviceImpl) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectedDevice != nil
}

func (d *deviceImpl) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *deviceImpl) isRecentlySeen() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.scanResult == nil {
		return false
	}
	return time.Since(d.lastSeen) <= d.staleAfter
}

func (d *deviceImpl) WaitForConnection(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for {
		select {
		case <-ticker.C:
			if d.IsConnected() {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timeout after %v waiting for connection", timeout)
		}
	}
}

func (d *deviceImpl) HasServiceUUID(uuid string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.serviceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (d *deviceImpl) setScanResult(result *bluetooth.ScanResult, displayCode string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanResult = result
	d.lastSeen = time.Now()
	if displayCode != "" {
		d.displayCode = displayCode
	}
	d.serviceUUIDs = d.serviceUUIDs[:0]
	for _, uuid := range result.ServiceUUIDs() {
		d.serviceUUIDs = append(d.serviceUUIDs, uuid.String())
	}
}

func (d *deviceImpl) setConnectedDevice(dev *bluetooth.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectedDevice = dev
	if dev == nil {
		d.state = StateDisconnected
		// Cached GATT handles are stale once the link drops.
		d.services = safe_map.NewSafeMap[string, *bluetooth.DeviceService]()
		d.characteristics = safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic]()
		d.charsDiscovered = safe_map.NewSafeMap[string, bool]()
		d.discoveredAll = false
	} else {
		d.state = StateConnected
	}
}

func (d *deviceImpl) getConnectedDevice() *bluetooth.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectedDevice
}

func (d *deviceImpl) setState(state DeviceState) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

func (d *deviceImpl) EnableNotifications(serviceUUID, charUUID string, callback func(buf []byte)) error {
	d.gattMu.Lock()
	defer d.gattMu.Unlock()
	char, err := d.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := char.EnableNotifications(callback); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", charUUID, err)
	}
	d.logger.Printf("Device %s: notifications enabled on %s", d.AddressString(), charUUID)
	return nil
}

func (d *deviceImpl) DisableNotifications(serviceUUID, charUUID string) error {
	d.gattMu.Lock()
	defer d.gattMu.Unlock()
	char, err := d.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", charUUID, err)
	}
	return nil
}

func (d *deviceImpl) WriteCharacteristic(serviceUUID, charUUID string, data []byte) error {
	d.gattMu.Lock()
	defer d.gattMu.Unlock()
	return d.write(serviceUUID, charUUID, data, true)
}

func (d *deviceImpl) WriteCharacteristicWithoutResponse(serviceUUID, charUUID string, data []byte) error {
	d.gattMu.Lock()
	defer d.gattMu.Unlock()
	return d.write(serviceUUID, charUUID, data, false)
}

func (d *deviceImpl) write(serviceUUID, charUUID string, data []byte, withResponse bool) error {
	char, err := d.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if withResponse {
		_, err = char.Write(data)
	} else {
		_, err = char.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", charUUID, err)
	}
	return nil
}

func (d *deviceImpl) service(serviceUUID bluetooth.UUID) (*bluetooth.DeviceService, error) {
	key := serviceUUID.String()
	if svc, ok := d.services.Load(key); ok {
		return svc, nil
	}

	dev := d.getConnectedDevice()
	if dev == nil {
		return nil, errors.New("no connected device")
	}

	// Discover everything in one pass; re-running discovery per service
	// interrupts operations on services discovered earlier.
	if !d.discoveredAll {
		services, err := dev.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range services {
			svc := &services[i]
			d.services.Store(svc.UUID().String(), svc)
		}
		d.discoveredAll = true
	}

	svc, ok := d.services.Load(key)
	if !ok {
		return nil, fmt.Errorf("service %s not found on device", key)
	}
	return svc, nil
}

func (d *deviceImpl) characteristic(serviceUUIDStr, charUUIDStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUUID, err := bluetooth.ParseUUID(serviceUUIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUIDStr, err)
	}
	charUUID, err := bluetooth.ParseUUID(charUUIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", charUUIDStr, err)
	}

	key := serviceUUID.String() + "_" + charUUID.String()
	if char, ok := d.characteristics.Load(key); ok {
		return char, nil
	}

	if discovered, _ := d.charsDiscovered.Load(serviceUUID.String()); !discovered {
		svc, err := d.service(serviceUUID)
		if err != nil {
			return nil, err
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics of %s: %w", serviceUUID.String(), err)
		}
		for i := range chars {
			char := &chars[i]
			d.characteristics.Store(serviceUUID.String()+"_"+char.UUID().String(), char)
		}
		d.charsDiscovered.Store(serviceUUID.String(), true)
	}

	char, ok := d.characteristics.Load(key)
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found in service %s", charUUIDStr, serviceUUIDStr)
	}
	return char, nil
}
