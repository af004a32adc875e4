package session

import "context"

// BLE identifiers of the iFit GATT service. The client writes command
// chunks to the RX characteristic and receives response chunks as
// notifications on the TX characteristic.
const (
	ServiceUUID = "000015331412efde1523785feabcd123"
	RxCharUUID  = "000015351412efde1523785feabcd123"
	TxCharUUID  = "000015341412efde1523785feabcd123"
)

// Transport is the boundary to the BLE stack. Implementations deliver
// notification payloads in the order the device produced them and report
// connection loss through the lost callback.
type Transport interface {
	// Write sends one GATT write to the RX characteristic and returns once
	// the write has completed.
	Write(ctx context.Context, chunk []byte) error

	// Subscribe registers the notification and connection-loss handlers and
	// enables notifications on the TX characteristic.
	Subscribe(notify func(chunk []byte), lost func(err error)) error

	// Close tears the connection down.
	Close() error
}
