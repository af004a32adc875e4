package ftms

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ianchi/ifit/internal/go_func_utils"
	"github.com/ianchi/ifit/internal/protocol"
	"github.com/ianchi/ifit/internal/session"

	"tinygo.org/x/bluetooth"
)

// Relay exposes an iFit session as a standard FTMS treadmill peripheral:
// live values are polled from the equipment and notified on Treadmill
// Data; Control Point writes are translated into iFit write operations.
type Relay struct {
	adapter *bluetooth.Adapter
	sess    *session.Session
	logger  *log.Logger
	name    string
	interval time.Duration
	ranges  Ranges

	treadmillData bluetooth.Characteristic
	controlPoint  bluetooth.Characteristic
	machineStatus bluetooth.Characteristic

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRelay creates a relay over an initialized session.
func NewRelay(adapter *bluetooth.Adapter, sess *session.Session, logger *log.Logger, name string, interval time.Duration) *Relay {
	if adapter == nil {
		panic("Relay: adapter cannot be nil")
	}
	if sess == nil {
		panic("Relay: session cannot be nil")
	}
	if logger == nil {
		panic("Relay: logger cannot be nil")
	}
	if name == "" {
		name = "iFit FTMS"
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		adapter:  adapter,
		sess:     sess,
		logger:   logger,
		name:     name,
		interval: interval,
		ranges:   DefaultRanges(),
	}
}

// Start registers the FTMS service, begins advertising, and starts the
// poll loop feeding Treadmill Data notifications.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	r.updateRangesFromEquipment()

	service := bluetooth.Service{
		UUID: ServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  FeatureUUID,
				Flags: bluetooth.CharacteristicReadPermission,
				Value: EncodeFeature(),
			},
			{
				UUID:  SupportedSpeedRangeUUID,
				Flags: bluetooth.CharacteristicReadPermission,
				Value: EncodeSupportedSpeedRange(r.ranges),
			},
			{
				UUID:  SupportedInclineRangeUUID,
				Flags: bluetooth.CharacteristicReadPermission,
				Value: EncodeSupportedInclineRange(r.ranges),
			},
			{
				Handle: &r.treadmillData,
				UUID:   TreadmillDataUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
			{
				Handle: &r.machineStatus,
				UUID:   MachineStatusUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
			{
				Handle: &r.controlPoint,
				UUID:   ControlPointUUID,
				Flags: bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicIndicatePermission,
				WriteEvent: r.handleControlPoint,
			},
		},
	}
	if err := r.adapter.AddService(&service); err != nil {
		return err
	}

	adv := r.adapter.DefaultAdvertisement()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    r.name,
		ServiceUUIDs: []bluetooth.UUID{ServiceUUID},
	})
	if err != nil {
		return err
	}
	if err := adv.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go_func_utils.SafeGo(r.logger, func() {
		defer r.wg.Done()
		r.notifyLoop(ctx)
	})

	r.logger.Printf("Relay: FTMS server started as %q", r.name)
	return nil
}

// Stop halts the poll loop.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
	r.logger.Printf("Relay: FTMS server stopped")
}

func (r *Relay) updateRangesFromEquipment() {
	info := r.sess.Info()
	if info == nil {
		return
	}
	if v, ok := info.Limits["MinKph"]; ok {
		r.ranges.MinKph = v.Float
	}
	if v, ok := info.Limits["MaxKph"]; ok {
		r.ranges.MaxKph = v.Float
	}
	if v, ok := info.Limits["MinIncline"]; ok {
		r.ranges.MinIncline = v.Float
	}
	if v, ok := info.Limits["MaxIncline"]; ok {
		r.ranges.MaxIncline = v.Float
	}
}

func (r *Relay) notifyLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, r.interval*3)
			values, err := r.sess.ReadByName(pollCtx, []string{"CurrentKph", "CurrentIncline", "CurrentDistance", "Pulse"})
			cancel()
			if err != nil {
				r.logger.Printf("Relay: poll failed: %v", err)
				continue
			}

			var data TreadmillData
			if v, ok := values["CurrentKph"]; ok {
				speed := v.Float
				data.SpeedKph = &speed
			}
			if v, ok := values["CurrentIncline"]; ok {
				incline := v.Float
				data.InclinePercent = &incline
			}
			if v, ok := values["CurrentDistance"]; ok {
				km := float64(v.Uint) / 1000.0
				data.DistanceKm = &km
			}
			if v, ok := values["Pulse"]; ok && v.Pulse.Source != protocol.PulseSourceNone {
				hr := v.Pulse.CurrentBpm
				data.HeartRateBpm = &hr
			}

			if _, err := r.treadmillData.Write(EncodeTreadmillData(data)); err != nil {
				r.logger.Printf("Relay: treadmill data notify failed: %v", err)
			}
		}
	}
}

// handleControlPoint translates FTMS control writes into iFit operations.
func (r *Relay) handleControlPoint(client bluetooth.Connection, offset int, value []byte) {
	if offset != 0 || len(value) < 1 {
		return
	}
	opCode := value[0]
	result := byte(ResultSuccess)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch opCode {
	case OpCodeRequestControl:
		// Control is implicit: the session is already authenticated.
	case OpCodeSetTargetSpeed:
		raw, ok := DecodeTargetValue(value)
		if !ok {
			result = ResultInvalidParameter
			break
		}
		if err := r.sess.SetSpeed(ctx, float64(raw)/100.0); err != nil {
			r.logger.Printf("Relay: set speed failed: %v", err)
			result = ResultOperationFailed
		}
	case OpCodeSetTargetIncline:
		raw, ok := DecodeTargetValue(value)
		if !ok {
			result = ResultInvalidParameter
			break
		}
		if err := r.sess.SetIncline(ctx, float64(raw)/10.0); err != nil {
			r.logger.Printf("Relay: set incline failed: %v", err)
			result = ResultOperationFailed
		}
	case OpCodeStartOrResume:
		if err := r.sess.WriteByName(ctx, map[string]protocol.Value{"Mode": protocol.ModeValue(protocol.ModeActive)}); err != nil {
			r.logger.Printf("Relay: start failed: %v", err)
			result = ResultOperationFailed
		} else if _, err := r.machineStatus.Write(EncodeStatusStarted()); err != nil {
			r.logger.Printf("Relay: status notify failed: %v", err)
		}
	case OpCodeStopOrPause:
		if err := r.sess.WriteByName(ctx, map[string]protocol.Value{"Mode": protocol.ModeValue(protocol.ModePause)}); err != nil {
			r.logger.Printf("Relay: stop failed: %v", err)
			result = ResultOperationFailed
		} else if _, err := r.machineStatus.Write(EncodeStatusStopped()); err != nil {
			r.logger.Printf("Relay: status notify failed: %v", err)
		}
	default:
		result = ResultOpCodeNotSupported
	}

	if _, err := r.controlPoint.Write(EncodeControlPointResponse(opCode, result)); err != nil {
		r.logger.Printf("Relay: control point response failed: %v", err)
	}
}
