// Package client is the host side of the flash protocol. It drives a server
// over a protocol.Conn, one command at a time.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gentam/xflash/protocol"
)

var (
	// ErrShortRead is returned when a read completes with fewer bytes than
	// requested.
	ErrShortRead = errors.New("short read")
	// ErrVerify is returned when read-back data differs from what was written.
	ErrVerify = errors.New("verify failed")
)

// UnexpectedResponseError reports a response that does not fit the command
// in flight.
type UnexpectedResponseError struct {
	Command  protocol.Command
	Response protocol.Response
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected response %v to %v", e.Response, e.Command)
}

type Client struct {
	conn     protocol.Conn
	log      *slog.Logger
	progress func(done, total int)
	capacity int
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithProgress sets a function called as reads and writes make progress.
func WithProgress(fn func(done, total int)) Option {
	return func(c *Client) { c.progress = fn }
}

func New(conn protocol.Conn, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		log:      slog.New(slog.DiscardHandler),
		progress: func(int, int) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// receive returns the next response, or the error response as an error.
func (c *Client) receive(ctx context.Context) (protocol.Response, error) {
	rsp, err := c.conn.Receive(ctx)
	if err != nil {
		return nil, err
	}
	c.log.Debug("response", "rsp", rsp)
	if err, ok := rsp.(error); ok {
		return nil, err
	}
	return rsp, nil
}

// expect receives the next response and checks it is a T.
func expect[T protocol.Response](ctx context.Context, c *Client, cmd protocol.Command) (T, error) {
	var zero T
	rsp, err := c.receive(ctx)
	if err != nil {
		return zero, err
	}
	r, ok := rsp.(T)
	if !ok {
		return zero, &UnexpectedResponseError{Command: cmd, Response: rsp}
	}
	return r, nil
}

func (c *Client) send(ctx context.Context, cmd protocol.Command) error {
	c.log.Debug("command", "cmd", cmd)
	return c.conn.Send(ctx, cmd)
}

// pending sends cmd and waits for it to be accepted and then completed.
func (c *Client) pending(ctx context.Context, cmd protocol.Command) error {
	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	if _, err := expect[protocol.AckPendingResponse](ctx, c, cmd); err != nil {
		return err
	}
	_, err := expect[protocol.AckResponse](ctx, c, cmd)
	return err
}

// Sync checks the server is responding.
func (c *Client) Sync(ctx context.Context) error {
	cmd := protocol.SyncCommand{}
	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	_, err := expect[protocol.AckResponse](ctx, c, cmd)
	return err
}

// Info identifies the part attached to the server. An unsupported part is
// reported as a protocol.UnsupportedDeviceError carrying its ids.
func (c *Client) Info(ctx context.Context) (protocol.DeviceInfoResponse, error) {
	cmd := protocol.IdentifyCommand{}
	if err := c.send(ctx, cmd); err != nil {
		return protocol.DeviceInfoResponse{}, err
	}
	return expect[protocol.DeviceInfoResponse](ctx, c, cmd)
}

// Erase erases every sector intersecting [offset, offset+length).
func (c *Client) Erase(ctx context.Context, offset, length uint32) error {
	return c.pending(ctx, protocol.EraseCommand{Offset: offset, Length: length})
}

func (c *Client) MassErase(ctx context.Context) error {
	return c.pending(ctx, protocol.MassEraseCommand{})
}

// Read copies length bytes from offset to w.
func (c *Client) Read(ctx context.Context, offset, length uint32, w io.Writer) error {
	cmd := protocol.ReadCommand{Offset: offset, Length: length}
	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	if _, err := expect[protocol.AckPendingResponse](ctx, c, cmd); err != nil {
		return err
	}
	next := offset
	for {
		rsp, err := c.receive(ctx)
		if err != nil {
			return err
		}
		switch r := rsp.(type) {
		case protocol.DataResponse:
			if r.Offset != next || uint64(r.Offset)+uint64(len(r.Data)) > uint64(offset)+uint64(length) {
				return &UnexpectedResponseError{Command: cmd, Response: rsp}
			}
			if _, err := w.Write(r.Data); err != nil {
				return err
			}
			next += uint32(len(r.Data))
			c.progress(int(next-offset), int(length))
		case protocol.AckResponse:
			if next-offset != length {
				return fmt.Errorf("%w: %d of %d bytes", ErrShortRead, next-offset, length)
			}
			return nil
		default:
			return &UnexpectedResponseError{Command: cmd, Response: rsp}
		}
	}
}

// WriteCapacity returns the largest write the server accepts in one
// command. The answer is cached.
func (c *Client) WriteCapacity(ctx context.Context) (int, error) {
	if c.capacity > 0 {
		return c.capacity, nil
	}
	cmd := protocol.StartWriteCommand{}
	if err := c.send(ctx, cmd); err != nil {
		return 0, err
	}
	r, err := expect[protocol.WriteCapacityResponse](ctx, c, cmd)
	if err != nil {
		return 0, err
	}
	if r.Capacity == 0 {
		return 0, &UnexpectedResponseError{Command: cmd, Response: r}
	}
	c.capacity = int(r.Capacity)
	return c.capacity, nil
}

// Write programs data at offset in chunks of the server's write capacity.
// The target range must be erased.
func (c *Client) Write(ctx context.Context, offset uint32, data []byte) error {
	capacity, err := c.WriteCapacity(ctx)
	if err != nil {
		return err
	}
	for done := 0; done < len(data); {
		chunk := data[done:min(done+capacity, len(data))]
		cmd := protocol.WriteCommand{Offset: offset + uint32(done), Length: uint32(len(chunk)), Payload: chunk}
		if err := c.pending(ctx, cmd); err != nil {
			return fmt.Errorf("write at 0x%X: %w", cmd.Offset, err)
		}
		done += len(chunk)
		c.progress(done, len(data))
	}
	return nil
}

type ProgramOptions struct {
	// Erase erases the sectors covering the range first.
	Erase bool
	// Verify reads the range back and compares it with data.
	Verify bool
}

// Program writes data at offset, optionally erasing before and verifying
// after.
func (c *Client) Program(ctx context.Context, offset uint32, data []byte, opts ProgramOptions) error {
	if opts.Erase && len(data) > 0 {
		if err := c.Erase(ctx, offset, uint32(len(data))); err != nil {
			return fmt.Errorf("erase: %w", err)
		}
	}
	if err := c.Write(ctx, offset, data); err != nil {
		return err
	}
	if !opts.Verify {
		return nil
	}
	var b bytes.Buffer
	b.Grow(len(data))
	if err := c.Read(ctx, offset, uint32(len(data)), &b); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	for i, v := range b.Bytes() {
		if v != data[i] {
			return fmt.Errorf("%w at 0x%X: read 0x%02X, want 0x%02X", ErrVerify, offset+uint32(i), v, data[i])
		}
	}
	return nil
}
