package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ianchi/ifit/internal/events"
	"github.com/ianchi/ifit/internal/go_func_utils"
	"github.com/ianchi/ifit/internal/protocol"
)

// State describes the session lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Authenticated:
		return "Authenticated"
	default:
		return "Unknown"
	}
}

// ActivationCodeLength is the size of the secret accepted by Enable. The
// session treats the code as opaque bytes.
const ActivationCodeLength = 36

type reply struct {
	env *protocol.Envelope
	err error
}

type request struct {
	command protocol.Command
	payload []byte
	ctx     context.Context
	replyCh chan reply
}

// Session owns the transport handles and serializes all requests through a
// single owner goroutine. At most one request is in flight at a time;
// queued callers are served in FIFO order and receive their response
// through a one-shot reply channel.
type Session struct {
	transport Transport
	logger    *log.Logger
	opts      Options

	mu        sync.Mutex
	state     State
	info      *EquipmentInfo
	equipment protocol.Equipment

	reqCh    chan *request
	notifyCh chan []byte
	lostCh   chan error
	done     chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	watchMu    sync.Mutex
	watchStop  chan struct{}
	watchWg    sync.WaitGroup
	lastValues map[string]protocol.Value
	valuesEvent *events.CallbackEvent[map[string]protocol.Value]
}

// New creates a session over an already-connected transport.
func New(transport Transport, logger *log.Logger, opts Options) *Session {
	if transport == nil {
		panic("Session: transport cannot be nil")
	}
	if logger == nil {
		panic("Session: logger cannot be nil")
	}
	return &Session{
		transport: transport,
		logger:    logger,
		opts:      opts.withDefaults(),
		state:     Disconnected,
		equipment: protocol.EquipmentGeneral,
		reqCh:       make(chan *request, 8),
		notifyCh:    make(chan []byte, 64),
		lostCh:      make(chan error, 1),
		done:        make(chan struct{}),
		valuesEvent: events.NewCallbackEvent[map[string]protocol.Value](true),
	}
}

// Open subscribes to response notifications and starts the request loop.
func (s *Session) Open() error {
	s.setState(Connecting)
	err := s.transport.Subscribe(s.handleNotify, s.handleLost)
	if err != nil {
		s.setState(Disconnected)
		return &TransportError{Op: "subscribe", Err: err}
	}
	s.wg.Add(1)
	go_func_utils.SafeGo(s.logger, func() {
		defer s.wg.Done()
		s.run()
	})
	s.setState(Connected)
	s.logger.Printf("Session: opened, state=%s", s.State())
	return nil
}

// Close stops the request loop and tears down the transport.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.StopWatch()
		close(s.done)
		s.wg.Wait()
		err = s.transport.Close()
		s.setState(Disconnected)
		s.logger.Printf("Session: closed")
	})
	return err
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Info returns the equipment information gathered by Initialize, or nil.
func (s *Session) Info() *EquipmentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Session) handleNotify(chunk []byte) {
	// Copy: the BLE stack may reuse the notification buffer.
	c := make([]byte, len(chunk))
	copy(c, chunk)
	select {
	case s.notifyCh <- c:
	default:
		s.logger.Printf("Session: notification buffer full, dropping %d-byte chunk", len(c))
	}
}

func (s *Session) handleLost(err error) {
	s.logger.Printf("Session: transport lost: %v", err)
	s.setState(Disconnected)
	select {
	case s.lostCh <- err:
	default:
	}
}

// run is the single owner of the transport's write side and of the
// reassembly buffer.
func (s *Session) run() {
	reasm := protocol.NewReassembler(s.logger)
	for {
		select {
		case <-s.done:
			s.failQueued()
			return
		case <-s.lostCh:
			// State already moved to Disconnected in handleLost.
		case req := <-s.reqCh:
			s.perform(req, reasm)
		}
	}
}

func (s *Session) failQueued() {
	for {
		select {
		case req := <-s.reqCh:
			req.replyCh <- reply{err: ErrClosed}
		default:
			return
		}
	}
}

func (s *Session) perform(req *request, reasm *protocol.Reassembler) {
	if req.ctx.Err() != nil {
		req.replyCh <- reply{err: ErrCancelled}
		return
	}

	raw, err := protocol.EncodeEnvelope(s.equipmentType(), req.command, req.payload)
	if err != nil {
		req.replyCh <- reply{err: err}
		return
	}
	chunks, err := protocol.ChunkEnvelope(raw)
	if err != nil {
		req.replyCh <- reply{err: err}
		return
	}

	// Drop anything still buffered from a previous exchange so the new
	// response cannot be confused with stale chunks.
	s.drainNotifications()
	reasm.Reset()

	for _, chunk := range chunks {
		if req.ctx.Err() != nil {
			req.replyCh <- reply{err: ErrCancelled}
			return
		}
		if err := s.transport.Write(req.ctx, chunk); err != nil {
			req.replyCh <- reply{err: &TransportError{Op: "write", Err: err}}
			return
		}
		if s.opts.WriteDelay > 0 {
			time.Sleep(s.opts.WriteDelay)
		}
	}

	s.await(req, reasm)
}

// await collects response chunks until a full envelope arrives, the
// deadline passes, or the transport drops. After a cancellation it keeps
// consuming chunks of the abandoned response so the stream stays aligned
// for the next request.
func (s *Session) await(req *request, reasm *protocol.Reassembler) {
	deadline := time.NewTimer(s.opts.ResponseTimeout)
	defer deadline.Stop()

	cancelled := false
	answer := func(r reply) {
		if !cancelled {
			req.replyCh <- r
		}
	}

	ctxDone := req.ctx.Done()
	for {
		select {
		case <-s.done:
			answer(reply{err: ErrClosed})
			return
		case <-ctxDone:
			answer(reply{err: ErrCancelled})
			cancelled = true
			ctxDone = nil
		case err := <-s.lostCh:
			answer(reply{err: fmt.Errorf("%w: %v", ErrTransportLost, err)})
			reasm.Reset()
			return
		case <-deadline.C:
			answer(reply{err: ErrTimeout})
			reasm.Reset()
			return
		case chunk := <-s.notifyCh:
			raw, err := reasm.Push(chunk)
			if err != nil {
				answer(reply{err: err})
				return
			}
			if raw == nil {
				// The deadline runs from the last chunk observed.
				if !deadline.Stop() {
					<-deadline.C
				}
				deadline.Reset(s.opts.ResponseTimeout)
				continue
			}
			env, err := protocol.DecodeEnvelope(raw)
			if err != nil {
				answer(reply{err: err})
				return
			}
			if env.Command != req.command {
				answer(reply{err: &protocol.UnexpectedCommandError{Got: env.Command, Expected: req.command}})
				return
			}
			answer(reply{env: env})
			return
		}
	}
}

func (s *Session) drainNotifications() {
	for {
		select {
		case <-s.notifyCh:
		default:
			return
		}
	}
}

func (s *Session) equipmentType() protocol.Equipment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.equipment
}

// send queues a request and waits for its reply.
func (s *Session) send(ctx context.Context, command protocol.Command, payload []byte) (*protocol.Envelope, error) {
	req := &request{
		command: command,
		payload: payload,
		ctx:     ctx,
		replyCh: make(chan reply, 1),
	}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-s.done:
		return nil, ErrClosed
	}
	select {
	case r := <-req.replyCh:
		return r.env, r.err
	case <-s.done:
		return nil, ErrClosed
	}
}

// sendChecked sends a command and verifies the response status byte.
func (s *Session) sendChecked(ctx context.Context, command protocol.Command, payload []byte) (*protocol.Envelope, error) {
	env, err := s.send(ctx, command, payload)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(env); err != nil {
		return nil, err
	}
	return env, nil
}

func checkStatus(env *protocol.Envelope) error {
	if len(env.Payload) < 1 {
		return fmt.Errorf("%w: response carries no status byte", protocol.ErrProtocol)
	}
	if env.Payload[0] != protocol.ResponseOK {
		return fmt.Errorf("%w: response status 0x%02x", protocol.ErrProtocol, env.Payload[0])
	}
	return nil
}

func (s *Session) requireConnected() error {
	if st := s.State(); st != Connected && st != Authenticated {
		return ErrNotConnected
	}
	return nil
}

// Enable sends the activation code. It is the only transition from
// Connected to Authenticated; any other status byte in the response is an
// authentication failure and the session stays Connected.
func (s *Session) Enable(ctx context.Context, activationCode []byte) error {
	if len(activationCode) != ActivationCodeLength {
		return fmt.Errorf("activation code must be %d bytes, got %d", ActivationCodeLength, len(activationCode))
	}
	if err := s.requireConnected(); err != nil {
		return err
	}
	env, err := s.send(ctx, protocol.CommandEnable, activationCode)
	if err != nil {
		return err
	}
	if len(env.Payload) < 1 || env.Payload[0] != protocol.ResponseOK {
		return ErrAuthenticationFailed
	}
	s.setState(Authenticated)
	s.logger.Printf("Session: authenticated")
	return nil
}

// Calibrate requests incline calibration.
func (s *Session) Calibrate(ctx context.Context) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	_, err := s.sendChecked(ctx, protocol.CommandCalibrate, []byte{0x00})
	return err
}

// WriteAndRead is the general-purpose operation: set the given writable
// characteristics and return the requested read values. Reads alone are
// allowed from Connected; any write requires Authenticated.
func (s *Session) WriteAndRead(ctx context.Context, writes map[uint8]protocol.Value, reads []uint8) (map[uint8]protocol.Value, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	if len(writes) > 0 && s.State() != Authenticated {
		return nil, ErrNotAuthenticated
	}

	writeIDs := make([]uint8, 0, len(writes))
	for id := range writes {
		c, ok := protocol.CharacteristicByID(id)
		if !ok {
			return nil, &protocol.UnknownCharacteristicError{ID: id}
		}
		if !c.Writable {
			return nil, &protocol.NotWritableError{ID: id}
		}
		writeIDs = append(writeIDs, id)
	}
	sort.Slice(writeIDs, func(i, j int) bool { return writeIDs[i] < writeIDs[j] })

	readIDs := make([]uint8, 0, len(reads))
	for _, id := range reads {
		if _, ok := protocol.CharacteristicByID(id); !ok {
			return nil, &protocol.UnknownCharacteristicError{ID: id}
		}
		readIDs = append(readIDs, id)
	}
	sort.Slice(readIDs, func(i, j int) bool { return readIDs[i] < readIDs[j] })
	readIDs = dedupe(readIDs)

	// Restrict to what the connected equipment actually exposes, once
	// known. Unsupported IDs would desync the positional response decode.
	writeIDs = s.filterSupported(writeIDs)
	readIDs = s.filterSupported(readIDs)

	// Payload: write bitmap, read bitmap, write values ascending by ID.
	payload := protocol.EncodeBitmap(nil, writeIDs)
	payload = protocol.EncodeBitmap(payload, readIDs)
	for _, id := range writeIDs {
		c, _ := protocol.CharacteristicByID(id)
		var err error
		payload, err = c.Converter.Encode(payload, c.Name, writes[id])
		if err != nil {
			return nil, err
		}
	}

	env, err := s.sendChecked(ctx, protocol.CommandWriteAndRead, payload)
	if err != nil {
		return nil, err
	}
	return decodeReadValues(env, readIDs)
}

// decodeReadValues walks the response in ascending read-ID order. Trailing
// bytes after the last value are device padding and stay uninterpreted.
func decodeReadValues(env *protocol.Envelope, readIDs []uint8) (map[uint8]protocol.Value, error) {
	values := make(map[uint8]protocol.Value, len(readIDs))
	buf := env.Raw[protocol.OffsetReadValues : len(env.Raw)-1]
	for _, id := range readIDs {
		c, ok := protocol.CharacteristicByID(id)
		if !ok {
			return nil, &protocol.UnknownCharacteristicError{ID: id, Raw: buf}
		}
		v, n, err := c.Converter.Decode(buf, c.Name)
		if err != nil {
			return nil, err
		}
		values[id] = v
		buf = buf[n:]
	}
	return values, nil
}

func (s *Session) filterSupported(ids []uint8) []uint8 {
	s.mu.Lock()
	info := s.info
	s.mu.Unlock()
	if info == nil || len(info.Characteristics) == 0 {
		return ids
	}
	filtered := ids[:0]
	for _, id := range ids {
		if info.Characteristics[id] {
			filtered = append(filtered, id)
		} else {
			s.logger.Printf("Session: characteristic %d not supported by equipment, skipping", id)
		}
	}
	return filtered
}

func dedupe(sorted []uint8) []uint8 {
	out := sorted[:0]
	for i, id := range sorted {
		if i == 0 || id != sorted[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// ReadByName reads characteristics by catalog name.
func (s *Session) ReadByName(ctx context.Context, names []string) (map[string]protocol.Value, error) {
	ids := make([]uint8, 0, len(names))
	byID := make(map[uint8]string, len(names))
	for _, name := range names {
		c, ok := protocol.CharacteristicByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown characteristic name %q", name)
		}
		ids = append(ids, c.ID)
		byID[c.ID] = c.Name
	}
	values, err := s.WriteAndRead(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	result := make(map[string]protocol.Value, len(values))
	for id, v := range values {
		result[byID[id]] = v
	}
	return result, nil
}

// WriteByName writes characteristics by catalog name.
func (s *Session) WriteByName(ctx context.Context, values map[string]protocol.Value) error {
	writes := make(map[uint8]protocol.Value, len(values))
	for name, v := range values {
		c, ok := protocol.CharacteristicByName(name)
		if !ok {
			return fmt.Errorf("unknown characteristic name %q", name)
		}
		writes[c.ID] = v
	}
	_, err := s.WriteAndRead(ctx, writes, nil)
	return err
}

// SetSpeed sets the target speed in km/h.
func (s *Session) SetSpeed(ctx context.Context, kph float64) error {
	return s.WriteByName(ctx, map[string]protocol.Value{"Kph": protocol.FloatValue(kph)})
}

// SetIncline sets the target incline in percent.
func (s *Session) SetIncline(ctx context.Context, percent float64) error {
	return s.WriteByName(ctx, map[string]protocol.Value{"Incline": protocol.FloatValue(percent)})
}

// ReadCurrentValues reads the commonly updated live values.
func (s *Session) ReadCurrentValues(ctx context.Context) (map[string]protocol.Value, error) {
	return s.ReadByName(ctx, []string{"Kph", "CurrentKph", "CurrentIncline", "Pulse", "Mode"})
}

// LastValues returns the values cached by the most recent Watch poll.
func (s *Session) LastValues() map[string]protocol.Value {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return s.lastValues
}

// ListenValues registers a listener for watch updates. The most recent
// values are replayed to a late subscriber. Returns the deregistration
// function.
func (s *Session) ListenValues(callback func(map[string]protocol.Value)) func() {
	return s.valuesEvent.Listen(callback)
}

// Watch polls ReadCurrentValues on the monitor interval until StopWatch or
// Close. Each successful poll is cached and fanned out to the registered
// value listeners.
func (s *Session) Watch(callback func(map[string]protocol.Value)) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watchStop != nil {
		return errors.New("watch already running")
	}
	if callback != nil {
		s.valuesEvent.Listen(callback)
	}
	stop := make(chan struct{})
	s.watchStop = stop

	s.watchWg.Add(1)
	go_func_utils.SafeGo(s.logger, func() {
		defer s.watchWg.Done()
		s.logger.Printf("Session: watch started, interval=%v", s.opts.MonitorInterval)
		ticker := time.NewTicker(s.opts.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.opts.ResponseTimeout)
				values, err := s.ReadCurrentValues(ctx)
				cancel()
				if err != nil {
					s.logger.Printf("Session: watch poll failed: %v", err)
					continue
				}
				s.watchMu.Lock()
				s.lastValues = values
				s.watchMu.Unlock()
				s.valuesEvent.Notify(values)
			}
		}
	})
	return nil
}

// StopWatch terminates the watch loop if one is running.
func (s *Session) StopWatch() {
	s.watchMu.Lock()
	if s.watchStop != nil {
		close(s.watchStop)
		s.watchStop = nil
	}
	s.watchMu.Unlock()
	s.watchWg.Wait()
}
