// Package protocol defines the commands a host sends to the flash server, the
// responses it gets back, and their encodings on a serial line and in a
// shared memory mailbox.
//
// Every well-formed command yields exactly one terminal response: an ack, a
// device info, a write capacity, or an error. Long operations are preceded
// by AckPendingResponse, and reads stream DataResponse values before the
// final ack.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Command is a request from the host.
type Command interface {
	isCommand()
}

type (
	// SyncCommand checks that the server is alive.
	SyncCommand struct{}
	// IdentifyCommand asks for the device ids and size.
	IdentifyCommand struct{}
	// MassEraseCommand erases the whole device.
	MassEraseCommand struct{}
	// EraseCommand erases every sector intersecting the range.
	EraseCommand struct {
		Offset uint32
		Length uint32
	}
	// ReadCommand reads Length bytes at Offset.
	ReadCommand struct {
		Offset uint32
		Length uint32
	}
	// StartWriteCommand asks for the largest payload one WriteCommand may carry.
	StartWriteCommand struct{}
	// WriteCommand programs Payload at Offset. Length is the length the host
	// declared; Payload holds at most the receive buffer capacity of it.
	WriteCommand struct {
		Offset  uint32
		Length  uint32
		Payload []byte
	}
)

func (SyncCommand) isCommand()       {}
func (IdentifyCommand) isCommand()   {}
func (MassEraseCommand) isCommand()  {}
func (EraseCommand) isCommand()      {}
func (ReadCommand) isCommand()       {}
func (StartWriteCommand) isCommand() {}
func (WriteCommand) isCommand()      {}

func (SyncCommand) String() string       { return "sync" }
func (IdentifyCommand) String() string   { return "identify" }
func (MassEraseCommand) String() string  { return "mass-erase" }
func (StartWriteCommand) String() string { return "start-write" }
func (c EraseCommand) String() string {
	return fmt.Sprintf("erase 0x%X+%d", c.Offset, c.Length)
}
func (c ReadCommand) String() string {
	return fmt.Sprintf("read 0x%X+%d", c.Offset, c.Length)
}
func (c WriteCommand) String() string {
	return fmt.Sprintf("write 0x%X+%d (%d bytes received)", c.Offset, c.Length, len(c.Payload))
}

// Response is a reply from the server.
type Response interface {
	isResponse()
}

type (
	AckResponse        struct{}
	AckPendingResponse struct{}
	DeviceInfoResponse struct {
		ManufacturerID uint8
		DeviceID       uint8
		Size           uint32
	}
	WriteCapacityResponse struct {
		Capacity uint32
	}
	// DataResponse carries one chunk of a read. The chunk length is
	// len(Data), which may be shorter than what was requested.
	DataResponse struct {
		Offset uint32
		Data   []byte
	}
)

func (AckResponse) isResponse()           {}
func (AckPendingResponse) isResponse()    {}
func (DeviceInfoResponse) isResponse()    {}
func (WriteCapacityResponse) isResponse() {}
func (DataResponse) isResponse()          {}

func (AckResponse) String() string        { return "ack" }
func (AckPendingResponse) String() string { return "ack-pending" }
func (r DeviceInfoResponse) String() string {
	return fmt.Sprintf("device-info %02X/%02X size 0x%X", r.ManufacturerID, r.DeviceID, r.Size)
}
func (r WriteCapacityResponse) String() string {
	return fmt.Sprintf("write-capacity %d", r.Capacity)
}
func (r DataResponse) String() string {
	return fmt.Sprintf("data 0x%X+%d", r.Offset, len(r.Data))
}

// Error responses. They implement error so that a client can return them
// as is.
type (
	GenericError           struct{}
	TransportError         struct{}
	UnsupportedDeviceError struct {
		ManufacturerID uint8
		DeviceID       uint8
	}
	AddressRangeError   struct{}
	BufferOverflowError struct{}
)

func (GenericError) isResponse()           {}
func (TransportError) isResponse()         {}
func (UnsupportedDeviceError) isResponse() {}
func (AddressRangeError) isResponse()      {}
func (BufferOverflowError) isResponse()    {}

func (GenericError) Error() string   { return "device error" }
func (TransportError) Error() string { return "flash bus error" }
func (e UnsupportedDeviceError) Error() string {
	return fmt.Sprintf("unsupported flash device %02X/%02X", e.ManufacturerID, e.DeviceID)
}
func (AddressRangeError) Error() string   { return "address out of range" }
func (BufferOverflowError) Error() string { return "payload exceeds buffer capacity" }

// Transport is a byte duplex channel. Flush discards received bytes that
// have not been read.
type Transport interface {
	io.Reader
	io.Writer
	Flush() error
}

// Engine is the device side of a transport.
type Engine interface {
	// ReceiveCommand blocks until a well-formed command arrives. Write
	// payloads are stored in buf. Malformed input is skipped.
	ReceiveCommand(ctx context.Context, buf []byte) (Command, error)
	// SendResponse delivers rsp to the host.
	SendResponse(ctx context.Context, rsp Response) error
}

// Conn is the host side of a transport.
type Conn interface {
	Send(ctx context.Context, cmd Command) error
	Receive(ctx context.Context) (Response, error)
}

// ErrClosed is returned once the transport has been closed by either side.
var ErrClosed = errors.New("transport closed")
