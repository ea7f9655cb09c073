package power

import (
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// SoftController models power state in memory. It is used where the power
// islands are not software controlled, and in tests, which read the edge
// counters to check that hardware was only touched on transitions.
type SoftController struct {
	mu       sync.Mutex
	log      *slog.Logger
	domains  [numDomains]bool
	clocks   [numPeripherals]bool
	domainOn [numDomains]int
	domainOf [numDomains]int
	clockOn  [numPeripherals]int
	clockOff [numPeripherals]int
}

func NewSoftController(l *slog.Logger) *SoftController {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &SoftController{log: l}
}

func (c *SoftController) SetDomain(d Domain, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domains[d] = on
	if on {
		c.domainOn[d]++
	} else {
		c.domainOf[d]++
	}
	c.log.Debug("domain", "domain", d, "on", on)
}

func (c *SoftController) DomainPowered(d Domain) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domains[d]
}

func (c *SoftController) SetClock(p Peripheral, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clocks[p] = on
	if on {
		c.clockOn[p]++
	} else {
		c.clockOff[p]++
	}
	c.log.Debug("clock", "peripheral", p, "on", on)
}

func (c *SoftController) ClockSettled(p Peripheral, on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clocks[p] == on
}

// DomainEdges returns how many times d was switched on and off.
func (c *SoftController) DomainEdges(d Domain) (on, off int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domainOn[d], c.domainOf[d]
}

// ClockEdges returns how many times the clock of p was enabled and disabled.
func (c *SoftController) ClockEdges(p Peripheral) (on, off int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockOn[p], c.clockOff[p]
}

// DomainPin is a GPIO line gating one domain.
type DomainPin struct {
	Pin    gpio.PinIO
	Active gpio.Level // level that powers the domain
}

// PinController gates domains through GPIO lines and confirms the state by
// reading the line back. Domains without a pin and all clocks are modelled in
// software.
type PinController struct {
	soft *SoftController
	pins map[Domain]DomainPin
	log  *slog.Logger

	mu  sync.Mutex
	err error
}

func NewPinController(pins map[Domain]DomainPin, l *slog.Logger) *PinController {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &PinController{
		soft: NewSoftController(l),
		pins: pins,
		log:  l,
	}
}

func (c *PinController) SetDomain(d Domain, on bool) {
	dp, ok := c.pins[d]
	if !ok {
		c.soft.SetDomain(d, on)
		return
	}
	l := dp.Active
	if !on {
		l = !l
	}
	if err := dp.Pin.Out(l); err != nil {
		// The line can no longer be confirmed; fall back to the software
		// model so the manager does not spin forever.
		c.log.Error("power pin", "domain", d, "pin", dp.Pin.Name(), "err", err)
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
		delete(c.pins, d)
		c.soft.SetDomain(d, on)
	}
}

func (c *PinController) DomainPowered(d Domain) bool {
	dp, ok := c.pins[d]
	if !ok {
		return c.soft.DomainPowered(d)
	}
	return dp.Pin.Read() == dp.Active
}

func (c *PinController) SetClock(p Peripheral, on bool) { c.soft.SetClock(p, on) }

func (c *PinController) ClockSettled(p Peripheral, on bool) bool {
	return c.soft.ClockSettled(p, on)
}

// Err returns the first pin error, if any.
func (c *PinController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
