package xflash

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"

	"github.com/gentam/xflash/power"
)

// Device is an FTDI MPSSE adapter wired to the flash, as on the iCE40
// boards: the FPGA reset line doubles as the switch that frees the SPI bus.
type Device struct {
	FTDI *ftdi.FT232H

	cs    gpio.PinIO // ADBUS4 Chip Select
	reset gpio.PinIO // ADBUS7 Reset
	cdone gpio.PinIO // ADBUS6 Done

	clock physic.Frequency
	conn  spi.Conn
}

var hostInitialized atomic.Bool

// ErrNoDevice is returned when no supported FTDI adapter is attached.
var ErrNoDevice = errors.New("FTDI device not found")

// OpenDevice finds an FT232H or FT2232H and opens an MPSSE/SPI connection at
// clock, or 30MHz when clock is zero.
func OpenDevice(clock physic.Frequency) (*Device, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host initialization failed: %w", err)
		}
	}

	if clock == 0 {
		clock = 30 * physic.MegaHertz // [FTDI-AN_135 3.2.1 Divisors]
	}
	d := &Device{clock: clock}
	if err := d.findFTDI(); err != nil {
		return nil, err
	}

	// [Lattice-EB82|Appendix A. Sheet 2 of 5 (USB to SPI/RS232)] / [iCEBreaker]
	// ADBUS0 | iCE_SCK
	// ADBUS1 | iCE_MOSI / FLASH_MOSI
	// ADBUS2 | iCE_MISO / FLASH_MISO
	// ADBUS4 | iCE_SS_B
	// ADBUS6 | iCE_CDONE
	// ADBUS7 | iCE_CRESET / iCE_RESET
	d.cs = d.FTDI.D4
	d.reset = d.FTDI.D7
	d.cdone = d.FTDI.D6

	if err := d.connectSPI(); err != nil {
		return nil, err
	}
	return d, nil
}

// Conn returns the SPI connection.
func (d *Device) Conn() spi.Conn { return d.conn }

// CS returns the flash chip select line.
func (d *Device) CS() gpio.PinIO { return d.cs }

// PowerController gates the peripheral domain with the FPGA reset line:
// powering the domain holds the FPGA in reset so that it stops acting as
// an SPI controller, and releasing it lets the FPGA configure from flash.
func (d *Device) PowerController(l *slog.Logger) *power.PinController {
	return power.NewPinController(map[power.Domain]power.DomainPin{
		power.Periph: {Pin: d.reset, Active: gpio.Low},
	}, l)
}

// Done reports the FPGA CDONE line.
func (d *Device) Done() gpio.Level {
	return d.cdone.Read()
}

func (d *Device) findFTDI() error {
	const (
		vendorID   = 0x0403 // FTDI
		productID  = 0x6010 // FT2232H
		productIDH = 0x6014 // FT232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || (info.DevID != productID && info.DevID != productIDH) {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			d.FTDI = ft
			return nil
		}
	}

	return ErrNoDevice
}

func (d *Device) connectSPI() (err error) {
	port, err := d.FTDI.SPI()
	if err != nil {
		return fmt.Errorf("failed to get SPI port: %w", err)
	}

	// [FTDI-AN_114|1.2]> FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	// Both MX25R and W25X parts accept mode 0 and mode 3.
	mode := spi.Mode0
	d.conn, err = port.Connect(d.clock, mode, 8)
	return err
}
