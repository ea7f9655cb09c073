package protocol

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func yield() { runtime.Gosched() }

func TestRegionLayout(t *testing.T) {
	r := NewRegion(256)
	assert.Equal(t, 256, r.Capacity())
	assert.Len(t, r.Data(), 256)

	r.publish(mbRsp, record{kind: mbRspDeviceInfo, arg0: 0xC2, arg1: 0x15, arg2: 0x200000})
	assert.Equal(t, uint32(mbRspDeviceInfo), r.load(0x10))
	assert.Equal(t, uint32(0x200000), r.load(0x1C))
	assert.Equal(t, uint32(0), r.load(0x00))

	r.Data()[0] = 0xAB
	assert.Equal(t, uint32(0xAB), r.load(mbData)&0xFF)

	assert.Equal(t, 260, NewRegion(257).Capacity())
}

func TestMailboxCommands(t *testing.T) {
	r := NewRegion(64)
	conn := NewMailboxConn(r, WithPoll(yield))
	e := NewMailboxEngine(r, WithPoll(yield))
	ctx := context.Background()

	tests := []Command{
		SyncCommand{},
		IdentifyCommand{},
		MassEraseCommand{},
		StartWriteCommand{},
		EraseCommand{Offset: 0x1000, Length: 0x100},
		ReadCommand{Offset: 4, Length: 8},
		WriteCommand{Offset: 0x20, Length: 4, Payload: []byte{1, 2, 3, 4}},
	}
	for _, cmd := range tests {
		require.NoError(t, conn.Send(ctx, cmd))
		got, err := e.ReceiveCommand(ctx, make([]byte, 32))
		require.NoError(t, err)
		assert.Equal(t, cmd, got)
		assert.Equal(t, uint32(mbNone), r.load(mbCmd+mbKind), "engine clears the command")
	}
}

func TestMailboxWritePayloadTruncated(t *testing.T) {
	r := NewRegion(16)
	conn := NewMailboxConn(r, WithPoll(yield))
	e := NewMailboxEngine(r, WithPoll(yield))
	ctx := context.Background()

	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, conn.Send(ctx, WriteCommand{Offset: 0, Length: 32, Payload: payload}))

	got, err := e.ReceiveCommand(ctx, make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, WriteCommand{Offset: 0, Length: 32, Payload: payload[:8]}, got)
}

func TestMailboxUnknownCommandIgnored(t *testing.T) {
	r := NewRegion(16)
	e := NewMailboxEngine(r, WithPoll(yield))

	r.publish(mbCmd, record{kind: 0x55})
	polls := 0
	e.cfg.poll = func() {
		if polls++; polls == 3 {
			r.publish(mbCmd, record{kind: mbCmdSync})
		}
	}

	got, err := e.ReceiveCommand(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, SyncCommand{}, got)
}

func TestMailboxSendResponseBlocksUntilConsumed(t *testing.T) {
	r := NewRegion(64)
	var polls atomic.Int32
	e := NewMailboxEngine(r, WithPoll(func() {
		polls.Add(1)
		runtime.Gosched()
	}))
	conn := NewMailboxConn(r, WithPoll(yield))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- e.SendResponse(ctx, DataResponse{Offset: 0x40, Data: []byte("flash")})
	}()

	for polls.Load() < 20 {
		runtime.Gosched()
	}
	select {
	case err := <-done:
		t.Fatalf("SendResponse returned before the response was consumed: %v", err)
	default:
	}
	assert.Equal(t, uint32(mbRspData), r.load(mbRsp+mbKind))

	rsp, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, DataResponse{Offset: 0x40, Data: []byte("flash")}, rsp)
	require.NoError(t, <-done)
}

func TestMailboxResponses(t *testing.T) {
	r := NewRegion(64)
	e := NewMailboxEngine(r, WithPoll(yield))
	conn := NewMailboxConn(r, WithPoll(yield))
	ctx := context.Background()

	tests := []Response{
		AckResponse{},
		AckPendingResponse{},
		DeviceInfoResponse{ManufacturerID: 0xEF, DeviceID: 0x12, Size: 0x80000},
		WriteCapacityResponse{Capacity: 64},
		DataResponse{Offset: 8, Data: []byte{1, 2}},
		GenericError{},
		TransportError{},
		UnsupportedDeviceError{ManufacturerID: 1, DeviceID: 2},
		AddressRangeError{},
		BufferOverflowError{},
	}
	for _, rsp := range tests {
		done := make(chan error, 1)
		go func() { done <- e.SendResponse(ctx, rsp) }()
		got, err := conn.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, rsp, got)
		require.NoError(t, <-done)
	}
}

func TestMailboxDataExceedsWindow(t *testing.T) {
	e := NewMailboxEngine(NewRegion(4), WithPoll(yield))
	err := e.SendResponse(context.Background(), DataResponse{Data: make([]byte, 8)})
	assert.ErrorIs(t, err, ErrFrame)
}

func TestMailboxContext(t *testing.T) {
	r := NewRegion(16)
	e := NewMailboxEngine(r, WithPoll(yield))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.ReceiveCommand(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)

	err = e.SendResponse(ctx, AckResponse{})
	assert.ErrorIs(t, err, context.Canceled)
}
