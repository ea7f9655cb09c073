package protocol

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// Mailbox layout, native byte order, no padding:
//
//	0x000  command   {kind, arg0, arg1, arg2 u32}
//	0x010  response  {kind, arg0, arg1, arg2 u32}
//	0x100  data window (write payloads, read data)
//
// A kind of zero means the record is empty. The writer of a record fills
// the arguments first and publishes the kind last; the reader copies the
// arguments out and then clears the kind.
const (
	mbCmd  = 0x000
	mbRsp  = 0x010
	mbData = 0x100

	mbKind = 0x0
	mbArg0 = 0x4
	mbArg1 = 0x8
	mbArg2 = 0xC
)

const mbNone = 0

// Mailbox command kinds.
const (
	mbCmdIdentify   = 0xC0
	mbCmdErase      = 0xC1 // arg0 offset, arg1 length
	mbCmdMassErase  = 0xC2
	mbCmdRead       = 0xC3 // arg0 offset, arg1 length
	mbCmdWrite      = 0xC4 // arg0 offset, arg1 length, payload in window
	mbCmdSync       = 0xC5
	mbCmdStartWrite = 0xC6
)

// Mailbox response kinds.
const (
	mbRspAck            = 0xD0
	mbRspDeviceInfo     = 0xD1 // arg0 manf, arg1 dev, arg2 size
	mbRspAckPending     = 0xD2
	mbRspWriteCapacity  = 0xD3 // arg0 capacity
	mbRspData           = 0xD4 // arg0 offset, arg1 length, data in window
	mbRspGenericError   = 0x80
	mbRspTransportError = 0x81
	mbRspUnsupported    = 0x82 // arg0 manf, arg1 dev
	mbRspBufferOverflow = 0x83
	mbRspAddressRange   = 0x84
)

// Region is a mailbox in memory shared by the device and the host. Record
// words are accessed atomically.
type Region struct {
	words []uint32
	mem   []byte
	unmap func() error
}

// NewRegion allocates a heap-backed mailbox with a data window of capacity
// bytes, for use within one process.
func NewRegion(capacity int) *Region {
	words := make([]uint32, regionSize(capacity)/4)
	return newRegion(words, nil)
}

func regionSize(capacity int) int {
	return (mbData + max(capacity, 0) + 3) &^ 3
}

func newRegion(words []uint32, unmap func() error) *Region {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*4)
	return &Region{words: words, mem: mem, unmap: unmap}
}

// Capacity returns the size of the data window.
func (r *Region) Capacity() int { return len(r.mem) - mbData }

// Data returns the data window.
func (r *Region) Data() []byte { return r.mem[mbData:] }

func (r *Region) load(off int) uint32 {
	return atomic.LoadUint32(&r.words[off/4])
}

func (r *Region) store(off int, v uint32) {
	atomic.StoreUint32(&r.words[off/4], v)
}

// record is one decoded command or response record.
type record struct {
	kind, arg0, arg1, arg2 uint32
}

// loadRecord loads the kind before the arguments.
func (r *Region) loadRecord(base int) record {
	return record{
		kind: r.load(base + mbKind),
		arg0: r.load(base + mbArg0),
		arg1: r.load(base + mbArg1),
		arg2: r.load(base + mbArg2),
	}
}

// publish stores the arguments, then the kind.
func (r *Region) publish(base int, rec record) {
	r.store(base+mbArg0, rec.arg0)
	r.store(base+mbArg1, rec.arg1)
	r.store(base+mbArg2, rec.arg2)
	r.store(base+mbKind, rec.kind)
}

// Close unmaps a file-backed region. It is a no-op for heap regions.
func (r *Region) Close() error {
	if r.unmap == nil {
		return nil
	}
	unmap := r.unmap
	r.unmap = nil
	return unmap()
}

func defaultPoll() { time.Sleep(50 * time.Microsecond) }

// await calls cond until it returns true or ctx ends.
func await(ctx context.Context, poll func(), cond func() bool) error {
	for !cond() {
		if err := ctx.Err(); err != nil {
			return err
		}
		poll()
	}
	return nil
}

// WithPoll replaces the function called between mailbox polls. The default
// sleeps for 50µs.
func WithPoll(poll func()) Option {
	return func(c *config) { c.poll = poll }
}

// MailboxEngine is the device side of the mailbox protocol.
type MailboxEngine struct {
	r   *Region
	cfg config
}

func NewMailboxEngine(r *Region, opts ...Option) *MailboxEngine {
	return &MailboxEngine{r: r, cfg: newConfig(opts)}
}

// ReceiveCommand polls the command record until a command is published,
// copies it out and clears the record. Unknown kinds are cleared and
// ignored.
func (e *MailboxEngine) ReceiveCommand(ctx context.Context, buf []byte) (Command, error) {
	for {
		var rec record
		err := await(ctx, e.cfg.poll, func() bool {
			rec = e.r.loadRecord(mbCmd)
			return rec.kind != mbNone
		})
		if err != nil {
			return nil, err
		}

		var cmd Command
		switch rec.kind {
		case mbCmdSync:
			cmd = SyncCommand{}
		case mbCmdIdentify:
			cmd = IdentifyCommand{}
		case mbCmdMassErase:
			cmd = MassEraseCommand{}
		case mbCmdStartWrite:
			cmd = StartWriteCommand{}
		case mbCmdErase:
			cmd = EraseCommand{Offset: rec.arg0, Length: rec.arg1}
		case mbCmdRead:
			cmd = ReadCommand{Offset: rec.arg0, Length: rec.arg1}
		case mbCmdWrite:
			n := min(uint64(rec.arg1), uint64(len(buf)), uint64(e.r.Capacity()))
			copy(buf[:n], e.r.Data())
			cmd = WriteCommand{Offset: rec.arg0, Length: rec.arg1, Payload: buf[:n]}
		default:
			e.cfg.log.Debug("mailbox: unknown command", "kind", fmt.Sprintf("0x%X", rec.kind))
		}
		e.r.store(mbCmd+mbKind, mbNone)
		if cmd != nil {
			return cmd, nil
		}
	}
}

// SendResponse publishes rsp and blocks until the host clears it.
func (e *MailboxEngine) SendResponse(ctx context.Context, rsp Response) error {
	rec, data, err := encodeMailboxResponse(rsp)
	if err != nil {
		return err
	}
	if len(data) > e.r.Capacity() {
		return fmt.Errorf("%w: %d bytes of data exceed the %d byte window", ErrFrame, len(data), e.r.Capacity())
	}
	copy(e.r.Data(), data)
	e.r.publish(mbRsp, rec)
	return await(ctx, e.cfg.poll, func() bool {
		return e.r.load(mbRsp+mbKind) == mbNone
	})
}

func encodeMailboxResponse(rsp Response) (rec record, data []byte, err error) {
	switch r := rsp.(type) {
	case AckResponse:
		rec.kind = mbRspAck
	case AckPendingResponse:
		rec.kind = mbRspAckPending
	case DeviceInfoResponse:
		rec = record{kind: mbRspDeviceInfo, arg0: uint32(r.ManufacturerID), arg1: uint32(r.DeviceID), arg2: r.Size}
	case WriteCapacityResponse:
		rec = record{kind: mbRspWriteCapacity, arg0: r.Capacity}
	case DataResponse:
		rec = record{kind: mbRspData, arg0: r.Offset, arg1: uint32(len(r.Data))}
		data = r.Data
	case GenericError:
		rec.kind = mbRspGenericError
	case TransportError:
		rec.kind = mbRspTransportError
	case UnsupportedDeviceError:
		rec = record{kind: mbRspUnsupported, arg0: uint32(r.ManufacturerID), arg1: uint32(r.DeviceID)}
	case AddressRangeError:
		rec.kind = mbRspAddressRange
	case BufferOverflowError:
		rec.kind = mbRspBufferOverflow
	default:
		return rec, nil, fmt.Errorf("%w: response %T", ErrFrame, rsp)
	}
	return rec, data, nil
}

// MailboxConn is the host side of the mailbox protocol.
type MailboxConn struct {
	r   *Region
	cfg config
}

func NewMailboxConn(r *Region, opts ...Option) *MailboxConn {
	return &MailboxConn{r: r, cfg: newConfig(opts)}
}

// Send waits for the command record to be free and publishes cmd. Write
// payloads longer than the data window are truncated; the declared length
// is kept so that the device can reject it.
func (c *MailboxConn) Send(ctx context.Context, cmd Command) error {
	var (
		rec     record
		payload []byte
	)
	switch cm := cmd.(type) {
	case SyncCommand:
		rec.kind = mbCmdSync
	case IdentifyCommand:
		rec.kind = mbCmdIdentify
	case MassEraseCommand:
		rec.kind = mbCmdMassErase
	case StartWriteCommand:
		rec.kind = mbCmdStartWrite
	case EraseCommand:
		rec = record{kind: mbCmdErase, arg0: cm.Offset, arg1: cm.Length}
	case ReadCommand:
		rec = record{kind: mbCmdRead, arg0: cm.Offset, arg1: cm.Length}
	case WriteCommand:
		rec = record{kind: mbCmdWrite, arg0: cm.Offset, arg1: cm.Length}
		payload = cm.Payload
	default:
		return fmt.Errorf("%w: command %T", ErrFrame, cmd)
	}
	err := await(ctx, c.cfg.poll, func() bool {
		return c.r.load(mbCmd+mbKind) == mbNone
	})
	if err != nil {
		return err
	}
	copy(c.r.Data(), payload)
	c.r.publish(mbCmd, rec)
	return nil
}

// Receive waits for a response, copies it out and clears the record.
func (c *MailboxConn) Receive(ctx context.Context) (Response, error) {
	for {
		err := await(ctx, c.cfg.poll, func() bool {
			return c.r.load(mbRsp+mbKind) != mbNone
		})
		if err != nil {
			return nil, err
		}
		rec := c.r.loadRecord(mbRsp)

		var rsp Response
		switch rec.kind {
		case mbRspAck:
			rsp = AckResponse{}
		case mbRspAckPending:
			rsp = AckPendingResponse{}
		case mbRspDeviceInfo:
			rsp = DeviceInfoResponse{ManufacturerID: uint8(rec.arg0), DeviceID: uint8(rec.arg1), Size: rec.arg2}
		case mbRspWriteCapacity:
			rsp = WriteCapacityResponse{Capacity: rec.arg0}
		case mbRspData:
			n := min(uint64(rec.arg1), uint64(c.r.Capacity()))
			rsp = DataResponse{Offset: rec.arg0, Data: append([]byte(nil), c.r.Data()[:n]...)}
		case mbRspGenericError:
			rsp = GenericError{}
		case mbRspTransportError:
			rsp = TransportError{}
		case mbRspUnsupported:
			rsp = UnsupportedDeviceError{ManufacturerID: uint8(rec.arg0), DeviceID: uint8(rec.arg1)}
		case mbRspAddressRange:
			rsp = AddressRangeError{}
		case mbRspBufferOverflow:
			rsp = BufferOverflowError{}
		default:
			c.cfg.log.Debug("mailbox: unknown response", "kind", fmt.Sprintf("0x%X", rec.kind))
		}
		c.r.store(mbRsp+mbKind, mbNone)
		if rsp != nil {
			return rsp, nil
		}
	}
}
