package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/ianchi/ifit/internal/protocol"
)

// fakeTransport plays the equipment side of the protocol: it reassembles
// outbound chunks into request envelopes and feeds scripted response
// chunks back through the notification callback.
type fakeTransport struct {
	mu      sync.Mutex
	notify  func(chunk []byte)
	lost    func(err error)
	reasm   *protocol.Reassembler
	handler func(env *protocol.Envelope) [][]byte
	requests []*protocol.Envelope
	writeErr error
	closed   bool
}

func newFakeTransport(handler func(env *protocol.Envelope) [][]byte) *fakeTransport {
	return &fakeTransport{
		reasm:   protocol.NewReassembler(log.New(io.Discard, "", 0)),
		handler: handler,
	}
}

func (f *fakeTransport) Write(ctx context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport closed")
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	raw, err := f.reasm.Push(chunk)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return err
	}
	f.requests = append(f.requests, env)
	if f.handler == nil {
		return nil
	}
	for _, response := range f.handler(env) {
		f.notify(response)
	}
	return nil
}

func (f *fakeTransport) Subscribe(notify func(chunk []byte), lost func(err error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = notify
	f.lost = lost
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) lastRequest() *protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeTransport) dropLink() {
	f.mu.Lock()
	lost := f.lost
	f.mu.Unlock()
	if lost != nil {
		lost(errors.New("simulated link drop"))
	}
}

// respond builds the chunked wire form of a response envelope. The inner
// payload starts with the status byte.
func respond(equipment protocol.Equipment, command protocol.Command, inner []byte) [][]byte {
	raw, err := protocol.EncodeEnvelope(equipment, command, inner)
	if err != nil {
		panic(err)
	}
	chunks, err := protocol.ChunkEnvelope(raw)
	if err != nil {
		panic(err)
	}
	return chunks
}

// okResponse is a minimal RESPONSE_OK reply to any command.
func okResponse(command protocol.Command) [][]byte {
	return respond(protocol.EquipmentTreadmill, command, []byte{protocol.ResponseOK})
}
