// Package server runs the command loop that serves an attached flash part
// over a protocol engine.
//
// Each command gets exactly one terminal response. Erase, mass erase, read
// and write are acknowledged with AckPending before any flash work is done;
// reads then stream one Data response per buffer-sized chunk before the
// final Ack.
package server

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/gentam/xflash"
	"github.com/gentam/xflash/protocol"
)

// Flash is the part of the flash driver the server drives.
type Flash interface {
	Info() (xflash.Info, error)
	Read(p []byte, offset uint32) error
	Write(p []byte, offset uint32) error
	Erase(offset, length uint32) error
	MassErase() error
}

var _ Flash = (*xflash.Flash)(nil)

type Server struct {
	engine protocol.Engine
	flash  Flash
	buf    []byte
	log    *slog.Logger
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New returns a server with a scratch buffer of bufSize bytes, which bounds
// write payloads and read chunks. A bufSize below one page is raised to
// xflash.PageSize.
func New(engine protocol.Engine, flash Flash, bufSize int, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		flash:  flash,
		buf:    make([]byte, max(bufSize, xflash.PageSize)),
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BufferSize returns the scratch buffer capacity announced to hosts.
func (s *Server) BufferSize() int { return len(s.buf) }

// Run serves commands until ctx ends or the engine's transport is closed.
// Errors receiving a single command are logged and the loop goes on.
func (s *Server) Run(ctx context.Context) error {
	for {
		cmd, err := s.engine.ReceiveCommand(ctx, s.buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, protocol.ErrClosed) {
				return err
			}
			s.log.Warn("receive command", "err", err)
			continue
		}
		s.log.Debug("command", "cmd", cmd)
		s.Handle(ctx, cmd)
	}
}

// Handle executes one command and sends its responses.
func (s *Server) Handle(ctx context.Context, cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.SyncCommand:
		s.send(ctx, protocol.AckResponse{})
	case protocol.IdentifyCommand:
		s.identify(ctx)
	case protocol.MassEraseCommand:
		s.send(ctx, protocol.AckPendingResponse{})
		s.finish(ctx, s.flash.MassErase())
	case protocol.EraseCommand:
		s.send(ctx, protocol.AckPendingResponse{})
		if !s.CheckRange(c.Offset, c.Length) {
			s.send(ctx, protocol.AddressRangeError{})
			return
		}
		s.finish(ctx, s.flash.Erase(c.Offset, c.Length))
	case protocol.ReadCommand:
		s.read(ctx, c)
	case protocol.StartWriteCommand:
		s.send(ctx, protocol.WriteCapacityResponse{Capacity: uint32(len(s.buf))})
	case protocol.WriteCommand:
		s.write(ctx, c)
	default:
		s.send(ctx, protocol.GenericError{})
	}
}

func (s *Server) identify(ctx context.Context) {
	info, err := s.flash.Info()
	switch {
	case errors.Is(err, xflash.ErrUnsupported):
		s.send(ctx, protocol.UnsupportedDeviceError{ManufacturerID: info.ManufacturerID, DeviceID: info.DeviceID})
	case err != nil:
		s.log.Warn("identify", "err", err)
		s.send(ctx, protocol.TransportError{})
	default:
		s.send(ctx, protocol.DeviceInfoResponse{ManufacturerID: info.ManufacturerID, DeviceID: info.DeviceID, Size: info.Size})
	}
}

func (s *Server) read(ctx context.Context, c protocol.ReadCommand) {
	s.send(ctx, protocol.AckPendingResponse{})
	if !s.CheckRange(c.Offset, c.Length) {
		s.send(ctx, protocol.AddressRangeError{})
		return
	}
	off, left := c.Offset, c.Length
	for left > 0 {
		chunk := s.buf[:min(uint64(left), uint64(len(s.buf)))]
		if err := s.flash.Read(chunk, off); err != nil {
			s.finish(ctx, err)
			return
		}
		if err := s.engine.SendResponse(ctx, protocol.DataResponse{Offset: off, Data: chunk}); err != nil {
			s.log.Warn("send data", "offset", off, "err", err)
			s.send(ctx, protocol.GenericError{})
			return
		}
		off += uint32(len(chunk))
		left -= uint32(len(chunk))
	}
	s.send(ctx, protocol.AckResponse{})
}

func (s *Server) write(ctx context.Context, c protocol.WriteCommand) {
	s.send(ctx, protocol.AckPendingResponse{})
	if uint64(c.Length) > uint64(len(s.buf)) || len(c.Payload) < int(c.Length) {
		s.send(ctx, protocol.BufferOverflowError{})
		return
	}
	if !s.CheckRange(c.Offset, c.Length) {
		s.send(ctx, protocol.AddressRangeError{})
		return
	}
	s.finish(ctx, s.flash.Write(c.Payload[:c.Length], c.Offset))
}

// CheckRange reports whether [offset, offset+length) may be accessed. It
// rejects ranges running past 2^32-1, and any range at all unless the part
// was identified and is in the chip table. Supported parts also bound the
// range by their size.
func (s *Server) CheckRange(offset, length uint32) bool {
	end := uint64(offset) + uint64(length)
	if end > math.MaxUint32 {
		return false
	}
	info, err := s.flash.Info()
	if err != nil {
		return false
	}
	return end <= uint64(info.Size)
}

// finish sends Ack, or TransportError if the flash operation failed.
func (s *Server) finish(ctx context.Context, err error) {
	if err != nil {
		s.log.Warn("flash operation", "err", err)
		s.send(ctx, protocol.TransportError{})
		return
	}
	s.send(ctx, protocol.AckResponse{})
}

func (s *Server) send(ctx context.Context, rsp protocol.Response) {
	if err := s.engine.SendResponse(ctx, rsp); err != nil {
		s.log.Warn("send response", "rsp", rsp, "err", err)
	}
}
