package bt

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ianchi/ifit/internal/events"
	"github.com/ianchi/ifit/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

// iFit equipment advertises manufacturer data ending in dd YY XX, where
// XXYY is the 4-digit code shown on the console.
const displayCodeMarker = 0xDD

// ManagerInterface is what collaborators need from the Bluetooth manager.
type ManagerInterface interface {
	Enable() error
	StartScan() error
	StopScan() error
	IsScanning() bool
	DeviceByAddress(address string) Device
	ScanDevices() []Device
	FindByDisplayCode(ctx context.Context, code string) (Device, error)
	Connect(device Device, timeout time.Duration) error
	Disconnect(device Device) error
	ListenToDeviceList(ch chan<- []Device) func()
	Shutdown()
}

// Verify Manager implements ManagerInterface
var _ ManagerInterface = (*Manager)(nil)

// Manager scans for and connects to iFit equipment. Only peripherals whose
// advertisement carries the iFit display-code marker are tracked.
type Manager struct {
	adapter          *bluetooth.Adapter
	logger           *log.Logger
	staleAfter       time.Duration
	mu               sync.RWMutex
	devicesByAddress map[string]*deviceImpl
	scanning         bool
	scanCtx          context.Context
	scanCancel       context.CancelFunc
	deviceListEvent  *events.ChannelEvent[[]Device]
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

func NewManager(adapter *bluetooth.Adapter, logger *log.Logger, staleAfter ...time.Duration) *Manager {
	if adapter == nil {
		panic("Manager: adapter cannot be nil")
	}
	if logger == nil {
		panic("Manager: logger cannot be nil")
	}
	stale := 10 * time.Second
	if len(staleAfter) > 0 && staleAfter[0] > 0 {
		stale = staleAfter[0]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		adapter:          adapter,
		logger:           logger,
		staleAfter:       stale,
		devicesByAddress: make(map[string]*deviceImpl),
		deviceListEvent:  events.NewChannelEvent[[]Device](true),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Enable powers the adapter and installs the connection handler.
func (m *Manager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := device.Address.String()
		m.mu.Lock()
		d, ok := m.devicesByAddress[addr]
		m.mu.Unlock()
		if !ok {
			return
		}
		if connected {
			m.logger.Printf("Manager: device connected: %s", addr)
			d.setConnectedDevice(&device)
		} else {
			m.logger.Printf("Manager: device disconnected: %s", addr)
			d.setConnectedDevice(nil)
		}
	})
	return m.adapter.Enable()
}

// extractDisplayCode pulls the console code out of manufacturer data. The
// marker byte sits third from the end, followed by the code bytes in
// reversed order.
func extractDisplayCode(data []byte) (string, bool) {
	if len(data) < 3 || data[len(data)-3] != displayCodeMarker {
		return "", false
	}
	return hex.EncodeToString([]byte{data[len(data)-1], data[len(data)-2]}), true
}

// matchesAdvertisement reports whether a scan result looks like iFit
// equipment and returns its display code.
func matchesAdvertisement(result *bluetooth.ScanResult) (string, bool) {
	for _, element := range result.ManufacturerData() {
		if code, ok := extractDisplayCode(element.Data); ok {
			return code, true
		}
	}
	return "", false
}

// StartScan begins scanning for iFit equipment. Non-matching peripherals
// are ignored.
func (m *Manager) StartScan() error {
	m.mu.Lock()
	if m.scanning && m.scanCancel != nil {
		m.logger.Printf("Manager: scan already running, restarting")
		m.scanCancel()
	}
	m.scanning = true
	m.scanCtx, m.scanCancel = context.WithCancel(m.ctx)
	scanCtx := m.scanCtx
	m.mu.Unlock()

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		m.cleanupStaleDevices(scanCtx)
	})

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		defer m.logger.Printf("Manager: exiting scan loop")

		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				return
			default:
			}
			code, ok := matchesAdvertisement(&result)
			if !ok {
				return
			}
			addr := result.Address.String()
			m.mu.Lock()
			d, exists := m.devicesByAddress[addr]
			if !exists {
				d = newDeviceImpl(m.logger, result.Address, m.staleAfter)
				m.devicesByAddress[addr] = d
			}
			m.mu.Unlock()
			d.setScanResult(&result, code)
			if !exists {
				m.logger.Printf("Manager: found iFit device %s (%s) code=%s rssi=%d",
					d.LocalName(), addr, code, result.RSSI)
			}
		})
		if err != nil {
			m.logger.Printf("Manager: scan error: %v", err)
		}
	})

	// Emit the current device list once a second while scanning.
	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				m.deviceListEvent.Notify(m.ScanDevices())
			}
		}
	})
	return nil
}

func (m *Manager) StopScan() error {
	m.mu.Lock()
	m.scanning = false
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	m.mu.Unlock()
	return m.adapter.StopScan()
}

func (m *Manager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *Manager) cleanupStaleDevices(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			for addr, d := range m.devicesByAddress {
				if !d.IsConnected() && time.Since(d.LastSeen()) > m.staleAfter {
					delete(m.devicesByAddress, addr)
					m.logger.Printf("Manager: device timeout: %s", addr)
				}
			}
			m.mu.Unlock()
		}
	}
}

// DeviceByAddress returns a tracked device, or nil.
func (m *Manager) DeviceByAddress(address string) Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.devicesByAddress[address]; ok {
		return d
	}
	return nil
}

// ScanDevices returns the devices seen recently.
func (m *Manager) ScanDevices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Device, 0)
	for _, d := range m.devicesByAddress {
		if d.isRecentlySeen() {
			result = append(result, d)
		}
	}
	return result
}

// FindByDisplayCode scans until a device advertising the given console
// code appears, or the context ends.
func (m *Manager) FindByDisplayCode(ctx context.Context, code string) (Device, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if len(code) != 4 {
		return nil, fmt.Errorf("display code must be 4 hex digits, got %q", code)
	}
	if _, err := hex.DecodeString(code); err != nil {
		return nil, fmt.Errorf("display code must be 4 hex digits, got %q", code)
	}

	if err := m.StartScan(); err != nil {
		return nil, err
	}
	defer func() {
		if err := m.StopScan(); err != nil {
			m.logger.Printf("Manager: error stopping scan: %v", err)
		}
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no iFit device found with code %s: %w", code, ctx.Err())
		case <-ticker.C:
			for _, d := range m.ScanDevices() {
				if d.DisplayCode() == code {
					return d, nil
				}
			}
		}
	}
}

// Connect initiates a connection and waits for it to complete.
func (m *Manager) Connect(device Device, timeout time.Duration) error {
	addr := device.AddressString()
	m.mu.RLock()
	impl, ok := m.devicesByAddress[addr]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown device %s", addr)
	}
	if impl.IsConnected() {
		return nil
	}

	m.logger.Printf("Manager: connecting to %s", addr)
	impl.setState(StateConnecting)
	_, err := m.adapter.Connect(impl.address, bluetooth.ConnectionParams{})
	if err != nil {
		impl.setState(StateDisconnected)
		return fmt.Errorf("connect to %s failed: %w", addr, err)
	}
	// Completion is reported through the adapter's connect handler.
	if err := impl.WaitForConnection(timeout); err != nil {
		impl.setState(StateDisconnected)
		return err
	}
	return nil
}

func (m *Manager) Disconnect(device Device) error {
	addr := device.AddressString()
	m.mu.RLock()
	impl, ok := m.devicesByAddress[addr]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown device %s", addr)
	}
	inner := impl.getConnectedDevice()
	if inner == nil {
		return nil
	}
	m.logger.Printf("Manager: disconnecting from %s", addr)
	return inner.Disconnect()
}

// ListenToDeviceList registers a channel for scan-list updates. Returns a
// deregistration function.
func (m *Manager) ListenToDeviceList(ch chan<- []Device) func() {
	return m.deviceListEvent.Listen(ch)
}

// Shutdown disconnects everything and stops all goroutines.
func (m *Manager) Shutdown() {
	m.logger.Printf("Manager: shutting down")
	m.mu.RLock()
	devices := make([]*deviceImpl, 0, len(m.devicesByAddress))
	for _, d := range m.devicesByAddress {
		devices = append(devices, d)
	}
	m.mu.RUnlock()
	for _, d := range devices {
		if d.IsConnected() {
			if err := m.Disconnect(d); err != nil {
				m.logger.Printf("Manager: error disconnecting %s: %v", d.AddressString(), err)
			}
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("Manager: error stopping scan: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Printf("Manager: shutdown complete")
}
