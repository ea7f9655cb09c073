package xflash

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/gentam/xflash/power"
)

var (
	// ErrUnavailable is returned when the part could not be identified at
	// construction, or the driver was closed.
	ErrUnavailable = errors.New("flash unavailable")
	// ErrUnsupported is returned by Info when the ids are not in the chip table.
	ErrUnsupported = errors.New("flash device unsupported")
	// ErrBusy is returned when a poll limit is set and the part stays busy.
	ErrBusy = errors.New("flash busy")
	// ErrAddress is returned for offsets beyond 24-bit addressing.
	ErrAddress = errors.New("address out of 24-bit range")
)

const (
	// PageSize is the program granularity.
	PageSize = 256
	// SectorSize is the erase granularity.
	SectorSize = 4096

	max24 = 1<<24 - 1 // 0xFFFFFF

	// powerDownProbes bounds the id reads confirming power down.
	powerDownProbes = 10
)

// Flash commands:
//   - [MX25R1635F|Command Description]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
const (
	flashCmdPageProgram        = 0x02
	flashCmdRead               = 0x03
	flashCmdReadStatusRegister = 0x05
	flashCmdWriteEnable        = 0x06
	flashCmdErase4KB           = 0x20 // Sector Erase (4KB)
	flashCmdEraseChip          = 0xC7 // Chip Erase
	flashCmdReadMDID           = 0x90 // Manufacturer/Device ID
	flashCmdPowerDown          = 0xB9
	flashCmdPowerUp            = 0xAB // Release Power Down / standby
	flashCmdReadJEDECID        = 0x9F
)

// Info identifies the attached part.
type Info struct {
	ManufacturerID uint8
	DeviceID       uint8
	Size           uint32
	Supported      bool
	Name           string
}

// Flash drives one SPI NOR flash part. It owns the chip select line and
// borrows the bus for each operation. Flash is not safe for concurrent use.
type Flash struct {
	bus  Bus
	cs   gpio.PinOut
	gpio *power.Handle
	log  *slog.Logger

	chips        ChipTable
	sleep        func(time.Duration)
	pollInterval time.Duration
	pollLimit    int

	chip   *Chip // matched table entry
	info   Info
	valid  bool // ids were read
	usable bool
	closed bool
}

type Option func(*Flash)

// WithChipTable replaces DefaultChipTable.
func WithChipTable(t ChipTable) Option {
	return func(f *Flash) { f.chips = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Flash) { f.log = l }
}

// WithSleep replaces time.Sleep for wake, power-down and poll delays.
func WithSleep(sleep func(time.Duration)) Option {
	return func(f *Flash) { f.sleep = sleep }
}

// WithPollInterval sets the delay between status reads while busy.
func WithPollInterval(d time.Duration) Option {
	return func(f *Flash) { f.pollInterval = d }
}

// WithPollLimit bounds the number of status reads per wait; 0 waits forever.
func WithPollLimit(n int) Option {
	return func(f *Flash) { f.pollLimit = n }
}

// NewFlash wakes the part behind cs and identifies it. It never fails: when
// the part cannot be verified it is powered down and every later operation
// returns ErrUnavailable, so callers check Info. pm may be nil.
func NewFlash(bus Bus, cs gpio.PinOut, pm *power.Manager, opts ...Option) *Flash {
	f := &Flash{
		bus:   bus,
		cs:    cs,
		log:   slog.New(slog.DiscardHandler),
		chips: DefaultChipTable,
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(f)
	}
	if pm != nil {
		f.gpio = pm.AcquirePeripheral(power.GPIO)
	}

	if err := f.init(); err != nil {
		f.log.Warn("flash verification failed", "err", err)
		if err := f.shutdown(); err != nil {
			f.log.Warn("flash power down failed", "err", err)
		}
		return f
	}
	f.usable = true
	f.log.Info("flash ready", "chip", f.chip.Name, "size", f.info.Size)
	return f
}

func (f *Flash) init() error {
	if err := f.cs.Out(gpio.High); err != nil {
		return err
	}
	if err := f.PowerUp(); err != nil {
		return err
	}
	return f.verify()
}

// verify reads the ids and resolves them against the chip table.
func (f *Flash) verify() error {
	manf, dev, err := f.ReadID()
	if err != nil {
		return err
	}
	f.valid = true
	f.info = Info{ManufacturerID: manf, DeviceID: dev}
	c, ok := f.chips.Lookup(manf, dev)
	if !ok {
		return f.unsupported()
	}
	f.chip = &c
	f.info.Size = c.Size
	f.info.Name = c.Name
	f.info.Supported = true
	return nil
}

func (f *Flash) unsupported() error {
	return fmt.Errorf("%w: manufacturer 0x%02X device 0x%02X", ErrUnsupported, f.info.ManufacturerID, f.info.DeviceID)
}

// Info returns the identification made at construction. It fails with
// ErrUnavailable if the ids could not be read, and returns the ids along
// with ErrUnsupported if the part is not in the chip table.
func (f *Flash) Info() (Info, error) {
	if !f.valid {
		return Info{}, ErrUnavailable
	}
	if !f.info.Supported {
		return f.info, f.unsupported()
	}
	return f.info, nil
}

// selected runs fn with the chip selected.
func (f *Flash) selected(fn func() error) (err error) {
	if err = f.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := f.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	return fn()
}

// txWrite sends cmd followed by data in one transaction.
func (f *Flash) txWrite(cmd, data []byte) error {
	return f.selected(func() error {
		if err := f.bus.Write(cmd); err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		return f.bus.Write(data)
	})
}

// txRead sends cmd then fills rx in one transaction.
func (f *Flash) txRead(cmd, rx []byte) error {
	return f.selected(func() error {
		if err := f.bus.Write(cmd); err != nil {
			return err
		}
		return f.bus.Read(rx)
	})
}

func addrCmd(op byte, addr uint32) ([]byte, error) {
	if addr > max24 {
		return nil, fmt.Errorf("%w: 0x%X", ErrAddress, addr)
	}
	return []byte{op, byte(addr >> 16), byte(addr >> 8), byte(addr)}, nil
}

// PowerUp releases the part from deep power down and waits until it is
// ready.
func (f *Flash) PowerUp() error {
	if err := f.txWrite([]byte{flashCmdPowerUp}, nil); err != nil {
		return err
	}
	f.sleep(f.tRES1())
	return f.WaitReady()
}

func (f *Flash) powerDown() error {
	if err := f.txWrite([]byte{flashCmdPowerDown}, nil); err != nil {
		return err
	}
	f.sleep(f.tDP())
	return nil
}

// ReadID returns the manufacturer and device ids (0x90).
func (f *Flash) ReadID() (manf, dev uint8, err error) {
	var rx [2]byte
	if err = f.txRead([]byte{flashCmdReadMDID, 0xFF, 0xFF, 0x00}, rx[:]); err != nil {
		return 0, 0, err
	}
	return rx[0], rx[1], nil
}

// ReadJEDECID returns the JEDEC ID of the part. The extended device string
// is ignored.
func (f *Flash) ReadJEDECID() (id [3]byte, err error) {
	err = f.txRead([]byte{flashCmdReadJEDECID}, id[:])
	return id, err
}

func (f *Flash) checkUsable() error {
	if !f.usable || f.closed {
		return ErrUnavailable
	}
	return nil
}

// Read fills p from offset.
func (f *Flash) Read(p []byte, offset uint32) error {
	if err := f.checkUsable(); err != nil {
		return err
	}
	cmd, err := addrCmd(flashCmdRead, offset)
	if err != nil {
		return err
	}
	if err := f.WaitReady(); err != nil {
		return err
	}
	return f.txRead(cmd, p)
}

func (f *Flash) writeEnable() error {
	return f.txWrite([]byte{flashCmdWriteEnable}, nil)
}

// Write programs p at offset, one page program per chunk so that no chunk
// crosses a page boundary. The target range must be erased.
func (f *Flash) Write(p []byte, offset uint32) error {
	if err := f.checkUsable(); err != nil {
		return err
	}
	for len(p) > 0 {
		n := min(len(p), PageSize-int(offset%PageSize))
		cmd, err := addrCmd(flashCmdPageProgram, offset)
		if err != nil {
			return err
		}
		if err := f.WaitReady(); err != nil {
			return err
		}
		if err := f.writeEnable(); err != nil {
			return err
		}
		if err := f.txWrite(cmd, p[:n]); err != nil {
			return err
		}
		offset += uint32(n)
		p = p[n:]
	}
	return nil
}

// Erase erases every sector intersecting [offset, offset+length) and waits
// for the last one to complete. A zero length erases nothing.
func (f *Flash) Erase(offset, length uint32) error {
	if err := f.checkUsable(); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	first := uint64(offset) / SectorSize
	last := (uint64(offset) + uint64(length) - 1) / SectorSize
	for s := first; s <= last; s++ {
		cmd, err := addrCmd(flashCmdErase4KB, uint32(s*SectorSize))
		if err != nil {
			return err
		}
		if err := f.WaitReady(); err != nil {
			return err
		}
		if err := f.writeEnable(); err != nil {
			return err
		}
		if err := f.txWrite(cmd, nil); err != nil {
			return err
		}
	}
	return f.WaitReady()
}

// MassErase erases the whole part.
func (f *Flash) MassErase() error {
	if err := f.checkUsable(); err != nil {
		return err
	}
	if err := f.WaitReady(); err != nil {
		return err
	}
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.txWrite([]byte{flashCmdEraseChip}, nil); err != nil {
		return err
	}
	return f.WaitReady()
}

// WaitReady discards stale bytes on the bus, then polls the status register
// until the part is no longer busy. Only a bus failure, or the optional poll
// limit, ends the wait early.
func (f *Flash) WaitReady() error {
	if err := f.selected(f.bus.Flush); err != nil {
		return err
	}
	for polls := 1; ; polls++ {
		sr, err := f.ReadStatusRegister()
		if err != nil {
			return err
		}
		if !sr.Busy() {
			return nil
		}
		if f.pollLimit > 0 && polls >= f.pollLimit {
			return fmt.Errorf("%w after %d polls (%v)", ErrBusy, polls, sr)
		}
		if f.pollInterval > 0 {
			f.sleep(f.pollInterval)
		}
	}
}

// Close puts the part into deep power down and confirms it by checking that
// the ids no longer verify. It releases the GPIO peripheral. Calling Close
// more than once is a no-op.
func (f *Flash) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	defer f.gpio.Release()
	return f.shutdown()
}

// shutdown enters deep power down, then reads the ids up to powerDownProbes
// times until they no longer verify.
func (f *Flash) shutdown() error {
	if err := f.powerDown(); err != nil {
		return fmt.Errorf("flash power down: %w", err)
	}
	for range powerDownProbes {
		manf, dev, err := f.ReadID()
		if err != nil {
			return nil
		}
		if _, ok := f.chips.Lookup(manf, dev); !ok {
			return nil
		}
	}
	f.log.Warn("flash still answering after power down")
	return errors.New("flash did not enter power down")
}

// StatusRegister is the status register of the flash part.
//
//	Bits| [MX25R1635F|Status Register]        | [W25Q128|7.1 Status Registers]
//	----+-------------------------------------+-------------------------------
//	7   | SRWD: Status register write disable | SRP: Status Register Protect
//	6   | QE: Quad enable                     | SEC: Sector protect
//	5:2 | BP3-0: Block protect                | TB, BP2-0: Block Protect
//	1   | WEL: Write enable latch             | WEL: Write Enable Latch
//	0   | WIP: Write in progress              | BUSY: Erase/Write in progress
type StatusRegister byte

const (
	StatusBusy StatusRegister = 1 << iota
	StatusWriteEnable
	StatusBP0
	StatusBP1
	StatusBP2
	StatusBP3
	StatusQuadEnable
	StatusWriteProtect

	// StatusBlockProtect is the mask of the block protect bits.
	StatusBlockProtect = StatusBP0 | StatusBP1 | StatusBP2 | StatusBP3
)

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&StatusWriteProtect != 0 }
func (sr StatusRegister) QuadEnable() bool            { return sr&StatusQuadEnable != 0 }
func (sr StatusRegister) BlockProtect() uint8         { return uint8(sr&StatusBlockProtect) >> 2 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&StatusWriteEnable != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&StatusBusy != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	s := []string{}
	if sr.StatusRegisterProtect() {
		s = append(s, "SRWD")
	}
	if sr.QuadEnable() {
		s = append(s, "QE")
	}
	if bp := sr.BlockProtect(); bp != 0 {
		s = append(s, fmt.Sprintf("BP=%d", bp))
	}
	if sr.WriteEnabled() {
		s = append(s, "WEL")
	}
	if sr.Busy() {
		s = append(s, "BUSY")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

func (f *Flash) ReadStatusRegister() (StatusRegister, error) {
	var rx [1]byte
	if err := f.txRead([]byte{flashCmdReadStatusRegister}, rx[:]); err != nil {
		return 0, err
	}
	return StatusRegister(rx[0]), nil
}
