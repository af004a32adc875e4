package session

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianchi/ifit/internal/protocol"
)

func newTestSession(t *testing.T, handler func(env *protocol.Envelope) [][]byte) (*Session, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport(handler)
	sess := New(transport, log.New(io.Discard, "", 0), Options{
		ResponseTimeout: 200 * time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
	})
	require.NoError(t, sess.Open())
	t.Cleanup(func() { _ = sess.Close() })
	return sess, transport
}

func testCode() []byte {
	code := make([]byte, ActivationCodeLength)
	for i := range code {
		code[i] = byte(i)
	}
	return code
}

func authenticate(t *testing.T, sess *Session) {
	t.Helper()
	require.NoError(t, sess.Enable(context.Background(), testCode()))
	require.Equal(t, Authenticated, sess.State())
}

func TestSession_OpenState(t *testing.T) {
	sess, _ := newTestSession(t, nil)
	assert.Equal(t, Connected, sess.State())
}

func TestSession_Enable(t *testing.T) {
	sess, transport := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return okResponse(env.Command)
	})
	require.NoError(t, sess.Enable(context.Background(), testCode()))
	assert.Equal(t, Authenticated, sess.State())

	req := transport.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, protocol.CommandEnable, req.Command)
	assert.Equal(t, testCode(), req.Payload)
}

func TestSession_Enable_WrongCode(t *testing.T) {
	sess, _ := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		// Equipment answers but does not accept the code.
		return respond(protocol.EquipmentTreadmill, env.Command, []byte{0x00})
	})
	err := sess.Enable(context.Background(), testCode())
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, Connected, sess.State())
}

func TestSession_Enable_BadCodeLength(t *testing.T) {
	sess, _ := newTestSession(t, nil)
	err := sess.Enable(context.Background(), []byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestSession_SetSpeed_Payload(t *testing.T) {
	sess, transport := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return okResponse(env.Command)
	})
	authenticate(t, sess)

	require.NoError(t, sess.SetSpeed(context.Background(), 10.0))

	req := transport.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, protocol.CommandWriteAndRead, req.Command)
	// Write bitmap {0}, empty read bitmap, 10.0 scaled by 100.
	assert.Equal(t, []byte{0x01, 0x01, 0x00, 0xE8, 0x03}, req.Payload)
}

func TestSession_Write_RequiresAuthentication(t *testing.T) {
	sess, _ := newTestSession(t, nil)
	err := sess.SetSpeed(context.Background(), 5.0)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestSession_WriteAndRead_Validation(t *testing.T) {
	sess, _ := newTestSession(t, nil)
	ctx := context.Background()

	_, err := sess.WriteAndRead(ctx, nil, []uint8{200})
	var unknownErr *protocol.UnknownCharacteristicError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, uint8(200), unknownErr.ID)

	authenticateViaState(sess)
	_, err = sess.WriteAndRead(ctx, map[uint8]protocol.Value{16: protocol.FloatValue(1)}, nil)
	var notWritableErr *protocol.NotWritableError
	require.ErrorAs(t, err, &notWritableErr)
	assert.Equal(t, uint8(16), notWritableErr.ID)
}

// authenticateViaState skips the enable exchange for validation tests.
func authenticateViaState(sess *Session) {
	sess.setState(Authenticated)
}

func TestSession_WriteAndRead_DecodeValues(t *testing.T) {
	// Response carrying CurrentDistance, Pulse, CurrentKph, CurrentIncline,
	// CurrentTime.
	inner := append([]byte{protocol.ResponseOK},
		0x40, 0xE2, 0x01, 0x00, // 4: 123456
		0x78, 0x50, 0x0A, 0x04, // 10: pulse 120/80/10/BLE
		0x2C, 0x01, // 16: 3.0
		0x58, 0x02, // 17: 6.0
		0x78, 0x00, 0x00, 0x00, // 20: 120
	)
	sess, transport := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return respond(protocol.EquipmentTreadmill, env.Command, inner)
	})

	values, err := sess.WriteAndRead(context.Background(), nil, []uint8{4, 10, 16, 17, 20})
	require.NoError(t, err)

	assert.Equal(t, uint32(123456), values[4].Uint)
	assert.Equal(t, protocol.PulseValue{CurrentBpm: 120, AverageBpm: 80, SampleCount: 10, Source: protocol.PulseSourceBleHrm}, values[10].Pulse)
	assert.InDelta(t, 3.0, values[16].Float, 1e-9)
	assert.InDelta(t, 6.0, values[17].Float, 1e-9)
	assert.Equal(t, uint32(120), values[20].Uint)

	// The request orders both bitmaps; no writes, five reads.
	req := transport.lastRequest()
	assert.Equal(t, []byte{0x00, 0x03, 0x10, 0x04, 0x13}, req.Payload)
}

func TestSession_WriteAndRead_TrailingPaddingIgnored(t *testing.T) {
	inner := append([]byte{protocol.ResponseOK}, 0x2C, 0x01, 0xDE, 0xAD)
	sess, _ := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return respond(protocol.EquipmentTreadmill, env.Command, inner)
	})
	values, err := sess.WriteAndRead(context.Background(), nil, []uint8{16})
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.InDelta(t, 3.0, values[16].Float, 1e-9)
}

func TestSession_EquipmentFirmware(t *testing.T) {
	// Captured frame; firmware string from raw offset 11 up to the first
	// 0x01/0x00 terminator.
	raw := []byte{
		0x01, 0x04, 0x02, 0x1C, 0x04, 0x1C, 0x84, 0x02, 0x50, 0xA3, 0x00,
		0x30, 0x2E, 0x31, 0x2E, 0x30, 0x36, 0x31, 0x32, 0x32, 0x30, 0x31,
		0x37, 0x2E, 0x30, 0x39, 0x30, 0x38, 0x01, 0x2A, 0x03, 0x16,
	}
	chunks, err := protocol.ChunkEnvelope(raw)
	require.NoError(t, err)

	sess, transport := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return chunks
	})
	firmware, err := sess.EquipmentFirmware(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.1.06122017.0908", firmware)

	req := transport.lastRequest()
	assert.Equal(t, protocol.CommandEquipmentFirmware, req.Command)
	assert.Equal(t, []byte{0x00, 0x00}, req.Payload)
}

func TestSession_EquipmentReference(t *testing.T) {
	inner := []byte{
		protocol.ResponseOK,
		0, 0, 0, 0, 0, 0, 0, // raw offsets 8..14
		0x2C, 0xFE, 0x05, 0x00, // raw offsets 15..18
	}
	sess, _ := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return respond(protocol.EquipmentTreadmill, env.Command, inner)
	})
	reference, err := sess.EquipmentReference(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(392748), reference)
}

func TestSession_EquipmentSerial(t *testing.T) {
	inner := []byte{protocol.ResponseOK, 0x05, 'A', 'B', '1', '2', '3', 0x00}
	sess, _ := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return respond(protocol.EquipmentTreadmill, env.Command, inner)
	})
	serial, err := sess.EquipmentSerial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AB123", serial)
}

func TestSession_EquipmentInformation(t *testing.T) {
	ids := []uint8{0, 1, 4, 10, 12, 16, 17, 20, 27, 28, 30, 31, 36, 49}
	inner := append([]byte{protocol.ResponseOK, 0, 0, 0, 0, 0, 0, 0, 0},
		protocol.EncodeBitmap(nil, ids)...)
	sess, transport := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return respond(protocol.EquipmentTreadmill, env.Command, inner)
	})

	set, err := sess.EquipmentInformation(context.Background())
	require.NoError(t, err)
	assert.Len(t, set, len(ids))
	for _, id := range ids {
		assert.True(t, set[id], "id %d", id)
	}

	// The treadmill echo fixes the equipment type for later requests.
	_, _ = sess.EquipmentFirmware(context.Background())
	assert.Equal(t, protocol.EquipmentTreadmill, transport.lastRequest().Equipment)
}

func TestSession_SupportedCapabilities(t *testing.T) {
	inner := []byte{protocol.ResponseOK, 0x03, 65, 66, 70}
	sess, _ := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return respond(protocol.EquipmentTreadmill, env.Command, inner)
	})
	capabilities, err := sess.SupportedCapabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint8{65, 66, 70}, capabilities)
}

func TestSession_SupportedCommands(t *testing.T) {
	inner := []byte{protocol.ResponseOK, 0x02, 0x82, 0x84}
	sess, _ := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return respond(protocol.EquipmentTreadmill, env.Command, inner)
	})
	commands, err := sess.SupportedCommands(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []protocol.Command{protocol.CommandEquipmentReference, protocol.CommandEquipmentFirmware}, commands)
}

func TestSession_Timeout(t *testing.T) {
	calls := 0
	sess, _ := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		calls++
		if calls == 1 {
			return nil // first request gets no response
		}
		return okResponse(env.Command)
	})

	_, err := sess.WriteAndRead(context.Background(), nil, []uint8{16})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, Connected, sess.State())

	// Recoverable: the next request goes through.
	err = sess.Calibrate(context.Background())
	assert.NoError(t, err)
}

func TestSession_Cancelled(t *testing.T) {
	sess, _ := newTestSession(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := sess.WriteAndRead(ctx, nil, []uint8{16})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, Connected, sess.State())
}

func TestSession_UnexpectedCommand(t *testing.T) {
	sess, _ := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return okResponse(protocol.CommandCalibrate)
	})
	_, err := sess.WriteAndRead(context.Background(), nil, []uint8{16})
	var cmdErr *protocol.UnexpectedCommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, protocol.CommandCalibrate, cmdErr.Got)
	assert.Equal(t, protocol.CommandWriteAndRead, cmdErr.Expected)
}

func TestSession_FramingErrorFailsRequest(t *testing.T) {
	sess, _ := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return [][]byte{{0x00, 0x01, 0xAA}} // chunk without a header
	})
	_, err := sess.WriteAndRead(context.Background(), nil, []uint8{16})
	assert.ErrorIs(t, err, protocol.ErrFraming)
	assert.Equal(t, Connected, sess.State())
}

func TestSession_BadChecksumFailsRequest(t *testing.T) {
	sess, _ := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		raw, err := protocol.EncodeEnvelope(protocol.EquipmentTreadmill, env.Command, []byte{protocol.ResponseOK})
		if err != nil {
			panic(err)
		}
		raw[len(raw)-1] ^= 0xFF
		chunks, err := protocol.ChunkEnvelope(raw)
		if err != nil {
			panic(err)
		}
		return chunks
	})
	_, err := sess.WriteAndRead(context.Background(), nil, []uint8{16})
	var checksumErr *protocol.BadChecksumError
	assert.ErrorAs(t, err, &checksumErr)
	assert.Equal(t, Connected, sess.State())
}

func TestSession_TransportLost(t *testing.T) {
	sess, transport := newTestSession(t, nil)
	transport.dropLink()

	require.Eventually(t, func() bool {
		return sess.State() == Disconnected
	}, time.Second, 10*time.Millisecond)

	_, err := sess.WriteAndRead(context.Background(), nil, []uint8{16})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSession_SerializesRequests(t *testing.T) {
	sess, transport := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		return respond(protocol.EquipmentTreadmill, env.Command, append([]byte{protocol.ResponseOK}, 0x2C, 0x01))
	})

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := sess.WriteAndRead(context.Background(), nil, []uint8{16})
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		assert.NoError(t, <-done)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Len(t, transport.requests, 4)
}

func TestSession_Initialize(t *testing.T) {
	supported := []uint8{0, 1, 4, 10, 12, 16, 17, 20, 27, 28, 30, 31, 36, 49}
	handler := func(env *protocol.Envelope) [][]byte {
		switch env.Command {
		case protocol.CommandEquipmentInformation:
			inner := append([]byte{protocol.ResponseOK, 0, 0, 0, 0, 0, 0, 0, 0},
				protocol.EncodeBitmap(nil, supported)...)
			return respond(protocol.EquipmentTreadmill, env.Command, inner)
		case protocol.CommandSupportedCapabilities:
			return respond(protocol.EquipmentTreadmill, env.Command, []byte{protocol.ResponseOK, 0x02, 65, 66})
		case protocol.CommandSupportedCommands:
			return respond(protocol.EquipmentTreadmill, env.Command,
				[]byte{protocol.ResponseOK, 0x03, 0x82, 0x84, 0x95})
		case protocol.CommandEquipmentReference:
			inner := []byte{protocol.ResponseOK, 0, 0, 0, 0, 0, 0, 0, 0x2C, 0xFE, 0x05, 0x00}
			return respond(protocol.EquipmentTreadmill, env.Command, inner)
		case protocol.CommandEquipmentFirmware:
			inner := append([]byte{protocol.ResponseOK, 0, 0, 0}, []byte("1.0.42\x00\x00")...)
			return respond(protocol.EquipmentTreadmill, env.Command, inner)
		case protocol.CommandEquipmentSerial:
			return respond(protocol.EquipmentTreadmill, env.Command,
				[]byte{protocol.ResponseOK, 0x04, 'S', 'N', '0', '1'})
		case protocol.CommandWriteAndRead:
			// MaxIncline, MinIncline, MaxKph, MinKph, Metric, MaxPulse.
			inner := append([]byte{protocol.ResponseOK},
				0xB0, 0x04, // 27: 12.0
				0x00, 0x00, // 28: 0.0
				0xD0, 0x07, // 30: 20.0
				0x32, 0x00, // 31: 0.5
				0x01,                   // 36: metric
				0xB4,                   // 49: 180 bpm
			)
			return respond(protocol.EquipmentTreadmill, env.Command, inner)
		default:
			return okResponse(env.Command)
		}
	}

	sess, _ := newTestSession(t, handler)
	info, err := sess.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, protocol.EquipmentTreadmill, info.Equipment)
	assert.Len(t, info.Characteristics, len(supported))
	assert.Equal(t, []uint8{65, 66}, info.SupportedCapabilities)
	assert.True(t, info.SupportsCommand(protocol.CommandEquipmentSerial))
	assert.Equal(t, uint32(392748), info.ReferenceNumber)
	assert.Equal(t, "1.0.42", info.FirmwareVersion)
	assert.Equal(t, "SN01", info.SerialNumber)
	assert.InDelta(t, 12.0, info.Limits["MaxIncline"].Float, 1e-9)
	assert.InDelta(t, 20.0, info.Limits["MaxKph"].Float, 1e-9)
	assert.InDelta(t, 0.5, info.Limits["MinKph"].Float, 1e-9)
	assert.True(t, info.Limits["Metric"].Bool)
	assert.Equal(t, uint32(180), info.Limits["MaxPulse"].Uint)
}

func TestSession_FilterUnsupportedReads(t *testing.T) {
	// Only CurrentKph is supported; the unsupported read is dropped from
	// the request and the response decodes positionally.
	sess, transport := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		switch env.Command {
		case protocol.CommandEquipmentInformation:
			inner := append([]byte{protocol.ResponseOK, 0, 0, 0, 0, 0, 0, 0, 0},
				protocol.EncodeBitmap(nil, []uint8{16})...)
			return respond(protocol.EquipmentTreadmill, env.Command, inner)
		default:
			return respond(protocol.EquipmentTreadmill, env.Command,
				append([]byte{protocol.ResponseOK}, 0x2C, 0x01))
		}
	})

	set, err := sess.EquipmentInformation(context.Background())
	require.NoError(t, err)
	sess.mu.Lock()
	sess.info = &EquipmentInfo{Characteristics: set}
	sess.mu.Unlock()

	values, err := sess.WriteAndRead(context.Background(), nil, []uint8{16, 17})
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.InDelta(t, 3.0, values[16].Float, 1e-9)

	req := transport.lastRequest()
	assert.Equal(t, []byte{0x00, 0x03, 0x00, 0x00, 0x01}, req.Payload)
}

func TestSession_Watch(t *testing.T) {
	sess, _ := newTestSession(t, func(env *protocol.Envelope) [][]byte {
		// Kph, Pulse(10), Mode(12), CurrentKph(16), CurrentIncline(17).
		inner := append([]byte{protocol.ResponseOK},
			0xE8, 0x03, // 0: 10.0
			0x78, 0x50, 0x0A, 0x04, // 10
			0x02,       // 12: active
			0x2C, 0x01, // 16: 3.0
			0x58, 0x02, // 17: 6.0
		)
		return respond(protocol.EquipmentTreadmill, env.Command, inner)
	})

	updates := make(chan map[string]protocol.Value, 1)
	require.NoError(t, sess.Watch(func(values map[string]protocol.Value) {
		select {
		case updates <- values:
		default:
		}
	}))
	defer sess.StopWatch()

	select {
	case values := <-updates:
		assert.InDelta(t, 10.0, values["Kph"].Float, 1e-9)
		assert.InDelta(t, 3.0, values["CurrentKph"].Float, 1e-9)
		assert.Equal(t, protocol.ModeActive, values["Mode"].AsMode())
	case <-time.After(time.Second):
		t.Fatal("no watch update received")
	}
	assert.NotNil(t, sess.LastValues())
}
