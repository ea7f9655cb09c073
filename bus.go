package xflash

import (
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"

	"github.com/gentam/xflash/power"
)

// Bus is the half-duplex view of an SPI controller used by Flash. Chip
// select is driven separately.
type Bus interface {
	Write(p []byte) error
	Read(p []byte) error
	// Flush discards stale bytes pending in the receive path.
	Flush() error
}

// SPIBus adapts a periph SPI connection to Bus.
type SPIBus struct {
	conn  spi.Conn
	maxTx int
	buf   []byte
	ssi   *power.Handle
}

// NewSPIBus wraps c and holds the SSI0 peripheral until Close. pm may be nil.
func NewSPIBus(c spi.Conn, pm *power.Manager) *SPIBus {
	maxTx := 65536 // [FTDI-AN_108]
	if l, ok := c.(conn.Limits); ok && l.MaxTxSize() > 0 {
		maxTx = l.MaxTxSize()
	}
	b := &SPIBus{conn: c, maxTx: maxTx}
	if pm != nil {
		b.ssi = pm.AcquirePeripheral(power.SSI0)
	}
	return b
}

// scratch returns a zeroed buffer of n bytes.
func (b *SPIBus) scratch(n int) []byte {
	if cap(b.buf) < n {
		b.buf = make([]byte, n)
	}
	s := b.buf[:n]
	clear(s)
	return s
}

// Write clocks p out, splitting it to stay within the maximum transaction
// size. Received bytes are discarded.
func (b *SPIBus) Write(p []byte) error {
	for len(p) > 0 {
		n := min(len(p), b.maxTx)
		if err := b.conn.Tx(p[:n], b.scratch(n)); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Read clocks out zero bytes and fills p with what the device returns.
func (b *SPIBus) Read(p []byte) error {
	for len(p) > 0 {
		n := min(len(p), b.maxTx)
		if err := b.conn.Tx(b.scratch(n), p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Flush is a no-op: an SPI controller only receives while clocking out.
func (b *SPIBus) Flush() error { return nil }

// Close releases the SSI0 peripheral.
func (b *SPIBus) Close() error {
	b.ssi.Release()
	return nil
}
