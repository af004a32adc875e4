package bt

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ianchi/ifit/internal/go_func_utils"
	"github.com/ianchi/ifit/internal/session"
)

// Transport adapts a connected Device to the session's transport boundary:
// command chunks go out on the RX characteristic, response chunks come
// back as notifications on the TX characteristic.
type Transport struct {
	device  Device
	manager ManagerInterface
	logger  *log.Logger

	// Write-with-response costs a round trip per chunk but guarantees the
	// device consumed a chunk before the next is sent.
	withResponse bool

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ session.Transport = (*Transport)(nil)

// NewTransport wraps an already-connected device.
func NewTransport(device Device, manager ManagerInterface, logger *log.Logger, withResponse bool) *Transport {
	if device == nil {
		panic("Transport: device cannot be nil")
	}
	if logger == nil {
		panic("Transport: logger cannot be nil")
	}
	return &Transport{
		device:       device,
		manager:      manager,
		logger:       logger,
		withResponse: withResponse,
		stopCh:       make(chan struct{}),
	}
}

// Write sends one command chunk to the RX characteristic.
func (t *Transport) Write(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.device.IsConnected() {
		return errors.New("device not connected")
	}
	if t.withResponse {
		return t.device.WriteCharacteristic(session.ServiceUUID, session.RxCharUUID, chunk)
	}
	return t.device.WriteCharacteristicWithoutResponse(session.ServiceUUID, session.RxCharUUID, chunk)
}

// Subscribe enables notifications on the TX characteristic and starts the
// link watchdog that reports connection loss.
func (t *Transport) Subscribe(notify func(chunk []byte), lost func(err error)) error {
	err := t.device.EnableNotifications(session.ServiceUUID, session.TxCharUUID, notify)
	if err != nil {
		return err
	}

	t.wg.Add(1)
	go_func_utils.SafeGo(t.logger, func() {
		defer t.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				if !t.device.IsConnected() {
					t.logger.Printf("Transport: link to %s lost", t.device.AddressString())
					lost(errors.New("BLE connection dropped"))
					return
				}
			}
		}
	})
	return nil
}

// Close disables notifications and disconnects the device.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stopCh)
	t.mu.Unlock()
	t.wg.Wait()

	if t.device.IsConnected() {
		if err := t.device.DisableNotifications(session.ServiceUUID, session.TxCharUUID); err != nil {
			t.logger.Printf("Transport: error disabling notifications: %v", err)
		}
	}
	if t.manager != nil {
		return t.manager.Disconnect(t.device)
	}
	return nil
}

// Dial is the convenience path used by the CLI: connect to the device,
// give it a moment to settle, and hand back a transport. It does not check
// for the iFit service; a device without it fails when Subscribe enables
// notifications.
func Dial(ctx context.Context, manager ManagerInterface, device Device, logger *log.Logger, connectTimeout time.Duration) (*Transport, error) {
	if err := manager.Connect(device, connectTimeout); err != nil {
		return nil, err
	}
	// Give the device a moment to settle; some firmware reconfigures its
	// GATT table right after connecting.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(600 * time.Millisecond):
	}
	return NewTransport(device, manager, logger, true), nil
}
