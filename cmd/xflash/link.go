package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pkg/term"

	"github.com/gentam/xflash/protocol"
)

var errNoLink = errors.New("no link: set --port or --mailbox")

// serialPort is a raw tty. Reads time out so that a blocked reader can
// notice cancellation; a timeout surfaces as a read of zero bytes.
type serialPort struct {
	*term.Term
}

func (p serialPort) Read(b []byte) (int, error) {
	n, err := p.Term.Read(b)
	if n == 0 && err == io.EOF {
		return 0, nil
	}
	return n, err
}

func openSerial(tty string, baud int) (serialPort, error) {
	t, err := term.Open(tty, term.Speed(baud), term.RawMode, term.ReadTimeout(100*time.Millisecond))
	if err != nil {
		return serialPort{}, fmt.Errorf("unable to open serial port: %w", err)
	}
	return serialPort{t}, nil
}

// dial opens the host side of the configured link.
func dial() (protocol.Conn, io.Closer, error) {
	switch {
	case cfg.Mailbox != "":
		r, err := protocol.MapRegion(cfg.Mailbox, cfg.Buffer)
		if err != nil {
			return nil, nil, err
		}
		return protocol.NewMailboxConn(r, protocol.WithLogger(logger)), r, nil
	case cfg.Port != "":
		p, err := openSerial(cfg.Port, cfg.Baud)
		if err != nil {
			return nil, nil, err
		}
		return protocol.NewSerialConn(p, 0), p, nil
	}
	return nil, nil, errNoLink
}
