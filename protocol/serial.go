package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gentam/xflash/power"
)

// Serial framing
//
//	  Start     Type       Arg(s) [u32 LE]   Payload
//	+---------+----------+-----------------+-----------+
//	|   EF    |  <Type>  |   .. (N) ..     | .. (N) .. |
//	+---------+----------+-----------------+-----------+
const serialStart = 0xEF

// Serial command types.
const (
	serialCmdSync       = 0xC0
	serialCmdIdentify   = 0xC1
	serialCmdErase      = 0xC2 // <offset, length>
	serialCmdMassErase  = 0xC3
	serialCmdRead       = 0xC4 // <offset, length>
	serialCmdStartWrite = 0xC5
	serialCmdWrite      = 0xC6 // <offset, length, payload...>
)

// Serial response types.
const (
	serialRspAck            = 0x01
	serialRspAckPending     = 0x02
	serialRspDeviceInfo     = 0x03 // <manf (u8), dev (u8), size>
	serialRspWriteCapacity  = 0x04 // <capacity>
	serialRspData           = 0x05 // <offset, length, payload...>
	serialRspGenericError   = 0x80
	serialRspTransportError = 0x81
	serialRspUnsupported    = 0x82 // <manf (u8), dev (u8)>
	serialRspAddressRange   = 0x83
	serialRspBufferOverflow = 0x84
)

// DefaultMaxPayload bounds data responses accepted by a SerialConn.
const DefaultMaxPayload = 1 << 20

// maxReadErrors bounds consecutive failed reads while resynchronizing.
const maxReadErrors = 16

// ErrFrame is returned for frames that are well delimited but unacceptable.
var ErrFrame = errors.New("bad frame")

// terminal returns the error ending the stream for good, or nil if a read
// failing with err can be retried.
func terminal(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	switch {
	case errors.Is(err, ErrClosed):
		return err
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, os.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return nil
}

// readFull reads exactly len(p) bytes. Reads returning no data and no error,
// as a tty with a read timeout does, give ctx a chance to end the wait.
func readFull(ctx context.Context, r io.Reader, p []byte) error {
	got := 0
	for got < len(p) {
		n, err := r.Read(p[got:])
		got += n
		if err != nil {
			if errors.Is(err, io.EOF) && got > 0 && got < len(p) {
				return io.ErrUnexpectedEOF
			}
			if got == len(p) {
				return nil
			}
			return err
		}
		if n == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// frameReader scans for frames and counts read failures.
type frameReader struct {
	ctx   context.Context
	r     io.Reader
	fails int
	b     [8]byte
}

// fail decides whether a read error ends decoding or leads to a resync.
func (fr *frameReader) fail(err error) error {
	if err := terminal(fr.ctx, err); err != nil {
		return err
	}
	fr.fails++
	if fr.fails >= maxReadErrors {
		return fmt.Errorf("serial read: %w", err)
	}
	return nil
}

// start consumes bytes up to and including the next start byte, then
// returns the type byte.
func (fr *frameReader) start() (byte, error) {
	for {
		if err := fr.ctx.Err(); err != nil {
			return 0, err
		}
		if err := readFull(fr.ctx, fr.r, fr.b[:1]); err != nil {
			if err := fr.fail(err); err != nil {
				return 0, err
			}
			continue
		}
		if fr.b[0] != serialStart {
			continue
		}
		if err := readFull(fr.ctx, fr.r, fr.b[:1]); err != nil {
			if err := fr.fail(err); err != nil {
				return 0, err
			}
			continue
		}
		return fr.b[0], nil
	}
}

func (fr *frameReader) read(p []byte) error {
	return readFull(fr.ctx, fr.r, p)
}

func (fr *frameReader) args() (uint32, uint32, error) {
	if err := fr.read(fr.b[:8]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(fr.b[0:]), binary.LittleEndian.Uint32(fr.b[4:]), nil
}

// DecodeCommand reads the next command from r. Write payloads are read into
// buf up to its length; the rest of the declared payload is left unread.
// Unknown types and failed reads resynchronize on the next start byte. It
// returns an error wrapping ErrClosed once r is exhausted or closed.
func DecodeCommand(ctx context.Context, r io.Reader, buf []byte) (Command, error) {
	fr := &frameReader{ctx: ctx, r: r}
	for {
		typ, err := fr.start()
		if err != nil {
			return nil, err
		}
		switch typ {
		case serialCmdSync:
			return SyncCommand{}, nil
		case serialCmdIdentify:
			return IdentifyCommand{}, nil
		case serialCmdMassErase:
			return MassEraseCommand{}, nil
		case serialCmdStartWrite:
			return StartWriteCommand{}, nil
		case serialCmdErase, serialCmdRead:
			off, n, err := fr.args()
			if err != nil {
				if err := fr.fail(err); err != nil {
					return nil, err
				}
				continue
			}
			if typ == serialCmdErase {
				return EraseCommand{Offset: off, Length: n}, nil
			}
			return ReadCommand{Offset: off, Length: n}, nil
		case serialCmdWrite:
			off, n, err := fr.args()
			if err == nil {
				payload := buf[:min(uint64(n), uint64(len(buf)))]
				if err = fr.read(payload); err == nil {
					return WriteCommand{Offset: off, Length: n, Payload: payload}, nil
				}
			}
			if err := fr.fail(err); err != nil {
				return nil, err
			}
		}
	}
}

// EncodeCommand writes cmd to w as one frame.
func EncodeCommand(w io.Writer, cmd Command) error {
	b := []byte{serialStart, 0}
	switch c := cmd.(type) {
	case SyncCommand:
		b[1] = serialCmdSync
	case IdentifyCommand:
		b[1] = serialCmdIdentify
	case MassEraseCommand:
		b[1] = serialCmdMassErase
	case StartWriteCommand:
		b[1] = serialCmdStartWrite
	case EraseCommand:
		b[1] = serialCmdErase
		b = binary.LittleEndian.AppendUint32(b, c.Offset)
		b = binary.LittleEndian.AppendUint32(b, c.Length)
	case ReadCommand:
		b[1] = serialCmdRead
		b = binary.LittleEndian.AppendUint32(b, c.Offset)
		b = binary.LittleEndian.AppendUint32(b, c.Length)
	case WriteCommand:
		b[1] = serialCmdWrite
		b = binary.LittleEndian.AppendUint32(b, c.Offset)
		b = binary.LittleEndian.AppendUint32(b, c.Length)
		b = append(b, c.Payload...)
	default:
		return fmt.Errorf("%w: command %T", ErrFrame, cmd)
	}
	_, err := w.Write(b)
	return err
}

// DecodeResponse reads the next response from r. Data responses longer than
// maxPayload are rejected with ErrFrame.
func DecodeResponse(ctx context.Context, r io.Reader, maxPayload int) (Response, error) {
	fr := &frameReader{ctx: ctx, r: r}
	for {
		typ, err := fr.start()
		if err != nil {
			return nil, err
		}
		var rsp Response
		switch typ {
		case serialRspAck:
			rsp = AckResponse{}
		case serialRspAckPending:
			rsp = AckPendingResponse{}
		case serialRspGenericError:
			rsp = GenericError{}
		case serialRspTransportError:
			rsp = TransportError{}
		case serialRspAddressRange:
			rsp = AddressRangeError{}
		case serialRspBufferOverflow:
			rsp = BufferOverflowError{}
		case serialRspDeviceInfo:
			if err = fr.read(fr.b[:6]); err == nil {
				rsp = DeviceInfoResponse{
					ManufacturerID: fr.b[0],
					DeviceID:       fr.b[1],
					Size:           binary.LittleEndian.Uint32(fr.b[2:]),
				}
			}
		case serialRspUnsupported:
			if err = fr.read(fr.b[:2]); err == nil {
				rsp = UnsupportedDeviceError{ManufacturerID: fr.b[0], DeviceID: fr.b[1]}
			}
		case serialRspWriteCapacity:
			if err = fr.read(fr.b[:4]); err == nil {
				rsp = WriteCapacityResponse{Capacity: binary.LittleEndian.Uint32(fr.b[:4])}
			}
		case serialRspData:
			var off, n uint32
			if off, n, err = fr.args(); err == nil {
				if int64(n) > int64(maxPayload) {
					return nil, fmt.Errorf("%w: data response of %d bytes exceeds %d", ErrFrame, n, maxPayload)
				}
				data := make([]byte, n)
				if err = fr.read(data); err == nil {
					rsp = DataResponse{Offset: off, Data: data}
				}
			}
		default:
			continue
		}
		if err != nil {
			if err := fr.fail(err); err != nil {
				return nil, err
			}
			continue
		}
		return rsp, nil
	}
}

// EncodeResponse writes rsp to w as one frame.
func EncodeResponse(w io.Writer, rsp Response) error {
	b := []byte{serialStart, 0}
	switch r := rsp.(type) {
	case AckResponse:
		b[1] = serialRspAck
	case AckPendingResponse:
		b[1] = serialRspAckPending
	case DeviceInfoResponse:
		b[1] = serialRspDeviceInfo
		b = append(b, r.ManufacturerID, r.DeviceID)
		b = binary.LittleEndian.AppendUint32(b, r.Size)
	case WriteCapacityResponse:
		b[1] = serialRspWriteCapacity
		b = binary.LittleEndian.AppendUint32(b, r.Capacity)
	case DataResponse:
		b[1] = serialRspData
		b = binary.LittleEndian.AppendUint32(b, r.Offset)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(r.Data)))
		b = append(b, r.Data...)
	case GenericError:
		b[1] = serialRspGenericError
	case TransportError:
		b[1] = serialRspTransportError
	case UnsupportedDeviceError:
		b[1] = serialRspUnsupported
		b = append(b, r.ManufacturerID, r.DeviceID)
	case AddressRangeError:
		b[1] = serialRspAddressRange
	case BufferOverflowError:
		b[1] = serialRspBufferOverflow
	default:
		return fmt.Errorf("%w: response %T", ErrFrame, rsp)
	}
	_, err := w.Write(b)
	return err
}

type config struct {
	log  *slog.Logger
	poll func()
}

type Option func(*config)

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

func newConfig(opts []Option) config {
	c := config{log: slog.New(slog.DiscardHandler), poll: defaultPoll}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// SerialEngine is the device side of the serial protocol.
type SerialEngine struct {
	t    Transport
	uart *power.Handle
	log  *slog.Logger
}

// NewSerialEngine takes ownership of t and holds the UART0 peripheral until
// Close. pm may be nil.
func NewSerialEngine(t Transport, pm *power.Manager, opts ...Option) *SerialEngine {
	c := newConfig(opts)
	e := &SerialEngine{t: t, log: c.log}
	if pm != nil {
		e.uart = pm.AcquirePeripheral(power.UART0)
	}
	return e
}

// ReceiveCommand decodes the next command and discards whatever else the
// host sent with it.
func (e *SerialEngine) ReceiveCommand(ctx context.Context, buf []byte) (Command, error) {
	cmd, err := DecodeCommand(ctx, e.t, buf)
	if err != nil {
		return nil, err
	}
	if err := e.t.Flush(); err != nil {
		e.log.Warn("serial flush", "err", err)
	}
	return cmd, nil
}

func (e *SerialEngine) SendResponse(ctx context.Context, rsp Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return EncodeResponse(e.t, rsp)
}

// Close releases UART0 and closes the transport if it can be closed.
func (e *SerialEngine) Close() error {
	e.uart.Release()
	if c, ok := e.t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// SerialConn is the host side of the serial protocol.
type SerialConn struct {
	rw         io.ReadWriter
	maxPayload int
}

// NewSerialConn speaks the protocol over rw. maxPayload bounds data
// responses; zero selects DefaultMaxPayload.
func NewSerialConn(rw io.ReadWriter, maxPayload int) *SerialConn {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &SerialConn{rw: rw, maxPayload: maxPayload}
}

func (c *SerialConn) Send(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return EncodeCommand(c.rw, cmd)
}

func (c *SerialConn) Receive(ctx context.Context) (Response, error) {
	return DecodeResponse(ctx, c.rw, c.maxPayload)
}

func (c *SerialConn) Close() error {
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
