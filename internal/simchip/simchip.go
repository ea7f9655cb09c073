// Package simchip simulates an SPI NOR flash part at the bus level.
//
// A Chip decodes the byte stream written between chip select edges the way a
// Macronix or Winbond part does: write enable latch, write in progress,
// deep power down, page programming that wraps within the page and can only
// clear bits, and 4 KiB sector and whole chip erase.
package simchip

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

const (
	PageSize   = 256
	SectorSize = 4096
)

// Opcodes understood by the simulator.
const (
	OpProgram     = 0x02
	OpRead        = 0x03
	OpReadStatus  = 0x05
	OpWriteEnable = 0x06
	OpErase4K     = 0x20
	OpEraseChip   = 0xC7
	OpReadMDID    = 0x90
	OpPowerDown   = 0xB9
	OpPowerUp     = 0xAB
	OpReadJEDEC   = 0x9F
)

const (
	statusBusy = 1 << 0
	statusWEL  = 1 << 1
)

// ErrFault is returned by bus calls selected for fault injection.
var ErrFault = errors.New("simchip: injected bus fault")

// Op is one completed transaction, recorded when chip select rises.
type Op struct {
	Opcode byte
	Addr   uint32
	Data   []byte // programmed bytes
}

func (o Op) String() string {
	return fmt.Sprintf("%02X@%06X+%d", o.Opcode, o.Addr, len(o.Data))
}

// Chip is a simulated part. It implements xflash.Bus.
type Chip struct {
	mu sync.Mutex

	manf, dev uint8
	mem       []byte

	busyPolls int // status reads reporting busy after program/erase
	busyLeft  int
	stuck     bool
	fault     func(opcode byte) error

	cs         *csPin
	selected   bool
	cmd        []byte
	readPos    int
	wel        bool
	poweredOff bool
	ops        []Op
	frames     int
	flushes    int
}

type Option func(*Chip)

// WithBusyPolls makes the part report busy for n status reads after each
// program or erase.
func WithBusyPolls(n int) Option {
	return func(c *Chip) { c.busyPolls = n }
}

// WithPoweredDown starts the part in deep power down.
func WithPoweredDown() Option {
	return func(c *Chip) { c.poweredOff = true }
}

// New returns an erased part of size bytes answering the given ids.
func New(manf, dev uint8, size int, opts ...Option) *Chip {
	c := &Chip{
		manf: manf,
		dev:  dev,
		mem:  make([]byte, size),
	}
	for i := range c.mem {
		c.mem[i] = 0xFF
	}
	c.cs = &csPin{Pin: &gpiotest.Pin{N: "CS", L: gpio.High}, chip: c}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CS returns the chip select line. Driving it low starts a transaction and
// driving it high completes it.
func (c *Chip) CS() gpio.PinOut { return c.cs }

type csPin struct {
	*gpiotest.Pin
	chip *Chip
}

func (p *csPin) Out(l gpio.Level) error {
	if err := p.Pin.Out(l); err != nil {
		return err
	}
	p.chip.setSelected(l == gpio.Low)
	return nil
}

// SetFault installs fn, consulted on every bus call with the opcode of the
// current transaction. A non-nil return fails the call. Pass nil to clear.
func (c *Chip) SetFault(fn func(opcode byte) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault = fn
}

// FailOpcode makes every bus call within transactions of op fail.
func (c *Chip) FailOpcode(op byte) {
	c.SetFault(func(opcode byte) error {
		if opcode == op {
			return ErrFault
		}
		return nil
	})
}

// SetStuck makes the part report busy forever.
func (c *Chip) SetStuck(stuck bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stuck = stuck
}

func (c *Chip) setSelected(low bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if low {
		c.selected = true
		c.cmd = c.cmd[:0]
		c.readPos = 0
		return
	}
	if c.selected {
		c.selected = false
		c.frames++
		c.complete()
	}
}

func (c *Chip) opcode() byte {
	if len(c.cmd) == 0 {
		return 0
	}
	return c.cmd[0]
}

func (c *Chip) busy() bool {
	return c.stuck || c.busyLeft > 0
}

func (c *Chip) checkFault() error {
	if c.fault == nil {
		return nil
	}
	return c.fault(c.opcode())
}

func (c *Chip) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFaultWith(p); err != nil {
		return err
	}
	if c.selected {
		c.cmd = append(c.cmd, p...)
	}
	return nil
}

// checkFaultWith consults the fault hook with the opcode the transaction
// will have once p is written.
func (c *Chip) checkFaultWith(p []byte) error {
	if c.fault == nil {
		return nil
	}
	op := c.opcode()
	if len(c.cmd) == 0 && len(p) > 0 {
		op = p[0]
	}
	return c.fault(op)
}

func (c *Chip) Read(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFault(); err != nil {
		return err
	}
	for i := range p {
		p[i] = c.out()
	}
	return nil
}

// out returns the next byte the part drives on MISO.
func (c *Chip) out() byte {
	defer func() { c.readPos++ }()
	if !c.selected || len(c.cmd) == 0 || c.poweredOff {
		return 0xFF
	}
	switch c.cmd[0] {
	case OpReadStatus:
		var sr byte
		if c.busy() {
			sr |= statusBusy
			if c.busyLeft > 0 {
				c.busyLeft--
			}
		}
		if c.wel {
			sr |= statusWEL
		}
		return sr
	case OpRead:
		if len(c.cmd) < 4 || c.busy() {
			return 0xFF
		}
		return c.mem[(int(c.addr())+c.readPos)%len(c.mem)]
	case OpReadMDID:
		if len(c.cmd) < 4 || c.busy() {
			return 0xFF
		}
		if (c.readPos+int(c.cmd[3]))%2 == 0 {
			return c.manf
		}
		return c.dev
	case OpReadJEDEC:
		id := [3]byte{c.manf, 0x40, c.dev}
		return id[c.readPos%3]
	}
	return 0xFF
}

func (c *Chip) addr() uint32 {
	return uint32(c.cmd[1])<<16 | uint32(c.cmd[2])<<8 | uint32(c.cmd[3])
}

// complete executes the buffered transaction at chip select rise.
func (c *Chip) complete() {
	if len(c.cmd) == 0 {
		return
	}
	op := c.cmd[0]
	if c.poweredOff {
		if op == OpPowerUp {
			c.poweredOff = false
			c.ops = append(c.ops, Op{Opcode: op})
		}
		return
	}
	if c.busy() && op != OpReadStatus {
		// A busy part ignores everything but status reads.
		return
	}
	rec := Op{Opcode: op}
	switch op {
	case OpWriteEnable:
		c.wel = true
	case OpPowerDown:
		c.poweredOff = true
	case OpProgram:
		if len(c.cmd) < 4 {
			return
		}
		rec.Addr = c.addr()
		rec.Data = slices.Clone(c.cmd[4:])
		if !c.wel {
			break
		}
		c.program(rec.Addr, rec.Data)
		c.wel = false
		c.busyLeft = c.busyPolls
	case OpErase4K:
		if len(c.cmd) < 4 {
			return
		}
		rec.Addr = c.addr()
		if !c.wel {
			break
		}
		base := int(rec.Addr) / SectorSize * SectorSize % len(c.mem)
		end := min(base+SectorSize, len(c.mem))
		for i := base; i < end; i++ {
			c.mem[i] = 0xFF
		}
		c.wel = false
		c.busyLeft = c.busyPolls
	case OpEraseChip:
		if !c.wel {
			break
		}
		for i := range c.mem {
			c.mem[i] = 0xFF
		}
		c.wel = false
		c.busyLeft = c.busyPolls
	case OpRead, OpReadMDID, OpReadJEDEC:
		if len(c.cmd) >= 4 {
			rec.Addr = c.addr()
		}
	}
	c.ops = append(c.ops, rec)
}

// program ANDs data into the page of addr, wrapping at the page end.
func (c *Chip) program(addr uint32, data []byte) {
	page := int(addr) / PageSize * PageSize
	off := int(addr) % PageSize
	if len(data) > PageSize {
		data = data[len(data)-PageSize:]
	}
	for i, b := range data {
		at := (page + (off+i)%PageSize) % len(c.mem)
		c.mem[at] &= b
	}
}

func (c *Chip) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFault(); err != nil {
		return err
	}
	c.flushes++
	return nil
}

// Ops returns the transactions recorded so far.
func (c *Chip) Ops() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ops)
}

// OpsWith returns the recorded transactions with the given opcode.
func (c *Chip) OpsWith(opcode byte) []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ops []Op
	for _, o := range c.ops {
		if o.Opcode == opcode {
			ops = append(ops, o)
		}
	}
	return ops
}

// ResetOps clears the transaction log and counters.
func (c *Chip) ResetOps() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = nil
	c.frames = 0
	c.flushes = 0
}

// Frames returns the number of chip select frames seen.
func (c *Chip) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Flushes returns the number of Flush calls.
func (c *Chip) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// PoweredDown reports whether the part is in deep power down.
func (c *Chip) PoweredDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poweredOff
}

// Memory returns a copy of the array contents.
func (c *Chip) Memory() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.mem)
}

// Load copies data into the array at offset, bypassing programming rules.
func (c *Chip) Load(offset int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.mem[offset:], data)
}

// Size returns the array size in bytes.
func (c *Chip) Size() int { return len(c.mem) }
