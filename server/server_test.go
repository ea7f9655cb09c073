package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gentam/xflash"
	"github.com/gentam/xflash/internal/simchip"
	"github.com/gentam/xflash/power"
	"github.com/gentam/xflash/protocol"
)

// scriptEngine serves a fixed list of commands and records the responses.
type scriptEngine struct {
	cmds    []protocol.Command
	rsps    []protocol.Response
	sendErr error

	// failData makes the nth data response (1-based) fail to send.
	failData int
	data     int
}

func (e *scriptEngine) ReceiveCommand(ctx context.Context, buf []byte) (protocol.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(e.cmds) == 0 {
		return nil, protocol.ErrClosed
	}
	cmd := e.cmds[0]
	e.cmds = e.cmds[1:]
	if w, ok := cmd.(protocol.WriteCommand); ok {
		n := copy(buf, w.Payload)
		w.Payload = buf[:n]
		cmd = w
	}
	return cmd, nil
}

func (e *scriptEngine) SendResponse(_ context.Context, rsp protocol.Response) error {
	if d, ok := rsp.(protocol.DataResponse); ok {
		d.Data = bytes.Clone(d.Data)
		rsp = d
		if e.data++; e.data == e.failData {
			e.rsps = append(e.rsps, rsp)
			return protocol.ErrFrame
		}
	}
	e.rsps = append(e.rsps, rsp)
	return e.sendErr
}

func newChipFlash(t *testing.T, chip *simchip.Chip) *xflash.Flash {
	t.Helper()
	pm := power.NewManager(power.NewSoftController(nil))
	return xflash.NewFlash(chip, chip.CS(), pm, xflash.WithSleep(func(time.Duration) {}))
}

func run(t *testing.T, f Flash, bufSize int, cmds ...protocol.Command) []protocol.Response {
	t.Helper()
	e := &scriptEngine{cmds: cmds}
	err := New(e, f, bufSize).Run(context.Background())
	require.ErrorIs(t, err, protocol.ErrClosed)
	return e.rsps
}

var (
	ack     = protocol.AckResponse{}
	pending = protocol.AckPendingResponse{}
)

func TestIdentify(t *testing.T) {
	chip := simchip.New(0xC2, 0x15, 0x200000)
	rsps := run(t, newChipFlash(t, chip), 256, protocol.SyncCommand{}, protocol.IdentifyCommand{})
	assert.Equal(t, []protocol.Response{
		ack,
		protocol.DeviceInfoResponse{ManufacturerID: 0xC2, DeviceID: 0x15, Size: 0x200000},
	}, rsps)
}

func TestUnsupportedDevice(t *testing.T) {
	chip := simchip.New(0x00, 0x00, 0x10000)
	f := newChipFlash(t, chip)
	s := New(&scriptEngine{}, f, 256)

	assert.False(t, s.CheckRange(0, 0))
	assert.False(t, s.CheckRange(0, 1))

	rsps := run(t, f, 256,
		protocol.IdentifyCommand{},
		protocol.ReadCommand{Offset: 0, Length: 16},
		protocol.EraseCommand{Offset: 0, Length: 16},
	)
	assert.Equal(t, []protocol.Response{
		protocol.UnsupportedDeviceError{},
		pending, protocol.AddressRangeError{},
		pending, protocol.AddressRangeError{},
	}, rsps)
}

func TestUnavailableDevice(t *testing.T) {
	chip := simchip.New(0xC2, 0x15, 0x200000)
	chip.FailOpcode(simchip.OpReadMDID)
	f := newChipFlash(t, chip)

	rsps := run(t, f, 256, protocol.IdentifyCommand{}, protocol.MassEraseCommand{})
	assert.Equal(t, []protocol.Response{
		protocol.TransportError{},
		pending, protocol.TransportError{},
	}, rsps)
}

func TestCheckRange(t *testing.T) {
	f := newChipFlash(t, simchip.New(0xEF, 0x12, 0x80000))
	s := New(&scriptEngine{}, f, 256)

	tests := []struct {
		offset, length uint32
		want           bool
	}{
		{0, 0, true},
		{0, 0x80000, true},
		{0x7FFFF, 1, true},
		{0x80000, 0, true},
		{0x80000, 1, false},
		{0x7FFFF, 2, false},
		{math.MaxUint32, 0, false},
		{math.MaxUint32, 1, false},
		{1, math.MaxUint32, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%#x+%#x", tt.offset, tt.length), func(t *testing.T) {
			assert.Equal(t, tt.want, s.CheckRange(tt.offset, tt.length))
		})
	}
}

func TestWriteBufferOverflow(t *testing.T) {
	chip := simchip.New(0xC2, 0x15, 0x200000)
	f := newChipFlash(t, chip)
	frames := chip.Frames()

	rsps := run(t, f, 256,
		protocol.WriteCommand{Offset: 0, Length: 257, Payload: make([]byte, 257)},
		// Overflow is reported before the range check.
		protocol.WriteCommand{Offset: math.MaxUint32, Length: 1024},
	)
	assert.Equal(t, []protocol.Response{
		pending, protocol.BufferOverflowError{},
		pending, protocol.BufferOverflowError{},
	}, rsps)
	assert.Equal(t, frames, chip.Frames(), "no bus transaction")
}

func TestWriteShortPayload(t *testing.T) {
	chip := simchip.New(0xC2, 0x15, 0x200000)
	rsps := run(t, newChipFlash(t, chip), 256,
		protocol.WriteCommand{Offset: 0, Length: 8, Payload: []byte{1, 2, 3}},
	)
	assert.Equal(t, []protocol.Response{pending, protocol.BufferOverflowError{}}, rsps)
}

func TestWriteAndRead(t *testing.T) {
	chip := simchip.New(0xC2, 0x15, 0x200000)
	f := newChipFlash(t, chip)

	data := make([]byte, 600)
	for i := range data {
		data[i] = byte(i * 13)
	}
	rsps := run(t, f, 256,
		protocol.StartWriteCommand{},
		protocol.WriteCommand{Offset: 0x1F0, Length: 256, Payload: data[:256]},
		protocol.WriteCommand{Offset: 0x2F0, Length: 256, Payload: data[256:512]},
		protocol.WriteCommand{Offset: 0x3F0, Length: 88, Payload: data[512:]},
		protocol.ReadCommand{Offset: 0x1F0, Length: 600},
	)
	require.Len(t, rsps, 1+3*2+1+3+1)
	assert.Equal(t, protocol.WriteCapacityResponse{Capacity: 256}, rsps[0])
	assert.Equal(t, []protocol.Response{pending, ack, pending, ack, pending, ack}, rsps[1:7])

	assert.Equal(t, pending, rsps[7])
	var got []byte
	for i, want := range []struct {
		off uint32
		n   int
	}{{0x1F0, 256}, {0x2F0, 256}, {0x3F0, 88}} {
		d, ok := rsps[8+i].(protocol.DataResponse)
		require.True(t, ok, "chunk %d is %v", i, rsps[8+i])
		assert.Equal(t, want.off, d.Offset)
		assert.Len(t, d.Data, want.n)
		got = append(got, d.Data...)
	}
	assert.Equal(t, ack, rsps[11])
	assert.Equal(t, data, got)
	assert.Equal(t, data, chip.Memory()[0x1F0:0x1F0+600])
}

func TestReadZeroLength(t *testing.T) {
	chip := simchip.New(0xC2, 0x15, 0x200000)
	rsps := run(t, newChipFlash(t, chip), 256, protocol.ReadCommand{Offset: 0x100, Length: 0})
	assert.Equal(t, []protocol.Response{pending, ack}, rsps)
}

func TestErase(t *testing.T) {
	chip := simchip.New(0xC2, 0x15, 0x200000)
	f := newChipFlash(t, chip)
	chip.Load(0, make([]byte, 3*xflash.SectorSize))

	rsps := run(t, f, 256,
		protocol.EraseCommand{Offset: xflash.SectorSize, Length: 1},
		protocol.EraseCommand{Offset: 0x1FF000, Length: 0x2000},
	)
	assert.Equal(t, []protocol.Response{
		pending, ack,
		pending, protocol.AddressRangeError{},
	}, rsps)

	mem := chip.Memory()
	assert.Equal(t, byte(0x00), mem[0])
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, xflash.SectorSize), mem[xflash.SectorSize:2*xflash.SectorSize])
	assert.Equal(t, byte(0x00), mem[2*xflash.SectorSize])
}

func TestMassErase(t *testing.T) {
	chip := simchip.New(0xEF, 0x11, 0x40000)
	f := newChipFlash(t, chip)
	chip.Load(0x100, []byte{0, 0, 0})

	rsps := run(t, f, 256, protocol.MassEraseCommand{})
	assert.Equal(t, []protocol.Response{pending, ack}, rsps)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 0x40000), chip.Memory())
}

func TestFlashFailure(t *testing.T) {
	chip := simchip.New(0xC2, 0x15, 0x200000)
	f := newChipFlash(t, chip)
	chip.FailOpcode(simchip.OpRead)

	rsps := run(t, f, 256,
		protocol.ReadCommand{Offset: 0, Length: 512},
		protocol.SyncCommand{},
	)
	assert.Equal(t, []protocol.Response{pending, protocol.TransportError{}, ack}, rsps)
}

// unknownCommand is a command no transport decodes.
type unknownCommand struct{ protocol.SyncCommand }

func TestUnknownCommand(t *testing.T) {
	f := newChipFlash(t, simchip.New(0xC2, 0x15, 0x200000))
	rsps := run(t, f, 256, unknownCommand{})
	assert.Equal(t, []protocol.Response{protocol.GenericError{}}, rsps)
}

func TestSendErrorsAreNotFatal(t *testing.T) {
	f := newChipFlash(t, simchip.New(0xC2, 0x15, 0x200000))
	e := &scriptEngine{
		cmds:    []protocol.Command{protocol.SyncCommand{}, protocol.IdentifyCommand{}},
		sendErr: errors.New("line down"),
	}
	err := New(e, f, 256).Run(context.Background())
	require.ErrorIs(t, err, protocol.ErrClosed)
	assert.Len(t, e.rsps, 2)
}

func TestReadDataSendFails(t *testing.T) {
	chip := simchip.New(0xC2, 0x15, 0x200000)
	data := make([]byte, 3*256)
	for i := range data {
		data[i] = byte(i)
	}
	chip.Load(0, data)

	e := &scriptEngine{
		cmds:     []protocol.Command{protocol.ReadCommand{Offset: 0, Length: 3 * 256}},
		failData: 2,
	}
	err := New(e, newChipFlash(t, chip), 256).Run(context.Background())
	require.ErrorIs(t, err, protocol.ErrClosed)
	assert.Equal(t, []protocol.Response{
		pending,
		protocol.DataResponse{Offset: 0, Data: data[:256]},
		protocol.DataResponse{Offset: 256, Data: data[256:512]},
		protocol.GenericError{},
	}, e.rsps, "no ack after a lost chunk")
}

func TestMailboxWindowSmallerThanBuffer(t *testing.T) {
	f := newChipFlash(t, simchip.New(0xC2, 0x15, 0x200000))

	yield := protocol.WithPoll(func() { time.Sleep(time.Microsecond) })
	r := protocol.NewRegion(64)
	s := New(protocol.NewMailboxEngine(r, yield), f, r.Capacity())
	require.Equal(t, xflash.PageSize, s.BufferSize())
	conn := protocol.NewMailboxConn(r, yield)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, conn.Send(ctx, protocol.ReadCommand{Offset: 0, Length: 128}))
	for _, want := range []protocol.Response{pending, protocol.GenericError{}} {
		rsp, err := conn.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, rsp)
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunContext(t *testing.T) {
	f := newChipFlash(t, simchip.New(0xC2, 0x15, 0x200000))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(&scriptEngine{cmds: []protocol.Command{protocol.SyncCommand{}}}, f, 256).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBufferSize(t *testing.T) {
	f := newChipFlash(t, simchip.New(0xC2, 0x15, 0x200000))
	assert.Equal(t, xflash.PageSize, New(&scriptEngine{}, f, 0).BufferSize())
	assert.Equal(t, 4096, New(&scriptEngine{}, f, 4096).BufferSize())
}

func TestMailboxEndToEnd(t *testing.T) {
	chip := simchip.New(0xC2, 0x15, 0x200000)
	f := newChipFlash(t, chip)

	yield := protocol.WithPoll(func() { time.Sleep(time.Microsecond) })
	r := protocol.NewRegion(256)
	s := New(protocol.NewMailboxEngine(r, yield), f, r.Capacity())
	conn := protocol.NewMailboxConn(r, yield)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	roundTrip := func(cmd protocol.Command, n int) []protocol.Response {
		require.NoError(t, conn.Send(ctx, cmd))
		var rsps []protocol.Response
		for range n {
			rsp, err := conn.Receive(ctx)
			require.NoError(t, err)
			rsps = append(rsps, rsp)
		}
		return rsps
	}

	assert.Equal(t, []protocol.Response{
		protocol.DeviceInfoResponse{ManufacturerID: 0xC2, DeviceID: 0x15, Size: 0x200000},
	}, roundTrip(protocol.IdentifyCommand{}, 1))
	assert.Equal(t, []protocol.Response{pending, ack},
		roundTrip(protocol.WriteCommand{Offset: 0x10, Length: 4, Payload: []byte("nor!")}, 2))
	assert.Equal(t, []protocol.Response{
		pending,
		protocol.DataResponse{Offset: 0x10, Data: []byte("nor!")},
		ack,
	}, roundTrip(protocol.ReadCommand{Offset: 0x10, Length: 4}, 3))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
