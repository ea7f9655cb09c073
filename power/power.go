// Package power tracks nested acquisition of hardware power domains and
// peripheral clocks.
//
// Every domain and peripheral has a dependency counter. The first acquirer
// (count 0→1) switches the hardware on and waits for the controller to
// confirm it; the last releaser (count 1→0) switches it off and waits again.
// Acquiring a peripheral acquires its parent domain first, and releasing the
// peripheral releases the domain after the clock has stopped.
//
// A Manager is not safe for concurrent use. Handles must be released in the
// reverse order of acquisition.
package power

import (
	"fmt"
	"log/slog"
	"runtime"
)

// Domain is a hardware power island.
type Domain uint8

const (
	RFCore Domain = iota
	Serial
	Periph
	VIMS
	SysBus
	CPU

	numDomains
)

func (d Domain) String() string {
	switch d {
	case RFCore:
		return "rfcore"
	case Serial:
		return "serial"
	case Periph:
		return "periph"
	case VIMS:
		return "vims"
	case SysBus:
		return "sysbus"
	case CPU:
		return "cpu"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// Peripheral is a clocked hardware unit nested under one Domain.
type Peripheral uint8

const (
	Timer0 Peripheral = iota
	Timer1
	Timer2
	Timer3
	SSI0
	SSI1
	UART0
	UART1
	I2C0
	Crypto
	TRNG
	PKA
	UDMA
	GPIO
	I2S

	numPeripherals
)

var peripheralNames = [numPeripherals]string{
	"timer0", "timer1", "timer2", "timer3",
	"ssi0", "ssi1", "uart0", "uart1", "i2c0",
	"crypto", "trng", "pka", "udma", "gpio", "i2s",
}

func (p Peripheral) String() string {
	if p < numPeripherals {
		return peripheralNames[p]
	}
	return fmt.Sprintf("peripheral(%d)", uint8(p))
}

// Domain returns the power domain p lives in.
func (p Peripheral) Domain() Domain {
	switch p {
	case SSI0, UART0, I2C0:
		return Serial
	default:
		return Periph
	}
}

// Controller switches the physical hardware. Set calls are only issued on
// count transitions; the Manager then polls the matching status method until
// it reports the requested state.
type Controller interface {
	SetDomain(d Domain, on bool)
	DomainPowered(d Domain) bool
	SetClock(p Peripheral, on bool)
	ClockSettled(p Peripheral, on bool) bool
}

// maxCount is the saturation bound of a dependency counter.
const maxCount = ^uint8(0)

type Manager struct {
	ctrl    Controller
	wait    func()
	log     *slog.Logger
	domains [numDomains]uint8
	periphs [numPeripherals]uint8

	// parent records whether a peripheral's domain reference was counted.
	parent [numPeripherals]bool
}

type Option func(*Manager)

// WithWait replaces the hook called between status polls. The default yields
// the processor.
func WithWait(wait func()) Option {
	return func(m *Manager) { m.wait = wait }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func NewManager(ctrl Controller, opts ...Option) *Manager {
	m := &Manager{
		ctrl: ctrl,
		wait: runtime.Gosched,
		log:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DomainCount returns the number of holders of d.
func (m *Manager) DomainCount(d Domain) int { return int(m.domains[d]) }

// PeripheralCount returns the number of holders of p.
func (m *Manager) PeripheralCount(p Peripheral) int { return int(m.periphs[p]) }

// AcquireDomain takes a reference on d, powering it on if it was off.
func (m *Manager) AcquireDomain(d Domain) *Handle {
	return &Handle{m: m, domain: d, counted: m.setDomain(d)}
}

// AcquirePeripheral takes a reference on p, powering its domain and enabling
// its clock if it was off.
func (m *Manager) AcquirePeripheral(p Peripheral) *Handle {
	return &Handle{m: m, periph: p, isPeriph: true, counted: m.setPeripheral(p)}
}

// WithDomain runs fn while holding d.
func (m *Manager) WithDomain(d Domain, fn func() error) error {
	h := m.AcquireDomain(d)
	defer h.Release()
	return fn()
}

// WithPeripheral runs fn while holding p.
func (m *Manager) WithPeripheral(p Peripheral, fn func() error) error {
	h := m.AcquirePeripheral(p)
	defer h.Release()
	return fn()
}

func (m *Manager) setDomain(d Domain) bool {
	if m.domains[d] == maxCount {
		return false
	}
	m.domains[d]++
	if m.domains[d] == 1 {
		m.log.Debug("power domain on", "domain", d)
		m.ctrl.SetDomain(d, true)
		for !m.ctrl.DomainPowered(d) {
			m.wait()
		}
	}
	return true
}

func (m *Manager) clearDomain(d Domain) {
	if m.domains[d] == 0 {
		return
	}
	m.domains[d]--
	if m.domains[d] == 0 {
		m.log.Debug("power domain off", "domain", d)
		m.ctrl.SetDomain(d, false)
		for m.ctrl.DomainPowered(d) {
			m.wait()
		}
	}
}

func (m *Manager) setPeripheral(p Peripheral) bool {
	if m.periphs[p] == maxCount {
		return false
	}
	m.periphs[p]++
	if m.periphs[p] == 1 {
		m.parent[p] = m.setDomain(p.Domain())
		m.log.Debug("clock on", "peripheral", p)
		m.ctrl.SetClock(p, true)
		for !m.ctrl.ClockSettled(p, true) {
			m.wait()
		}
	}
	return true
}

func (m *Manager) clearPeripheral(p Peripheral) {
	if m.periphs[p] == 0 {
		return
	}
	m.periphs[p]--
	if m.periphs[p] == 0 {
		m.log.Debug("clock off", "peripheral", p)
		m.ctrl.SetClock(p, false)
		for !m.ctrl.ClockSettled(p, false) {
			m.wait()
		}
		if m.parent[p] {
			m.parent[p] = false
			m.clearDomain(p.Domain())
		}
	}
}

// Handle is one reference on a domain or peripheral.
type Handle struct {
	m        *Manager
	domain   Domain
	periph   Peripheral
	isPeriph bool
	counted  bool
	released bool
}

// Release drops the reference. Releasing twice is a no-op, as is releasing a
// handle whose acquisition hit the counter bound.
func (h *Handle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	if !h.counted {
		return
	}
	if h.isPeriph {
		h.m.clearPeripheral(h.periph)
	} else {
		h.m.clearDomain(h.domain)
	}
}
