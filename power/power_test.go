package power

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestDomainNesting(t *testing.T) {
	ctrl := NewSoftController(nil)
	m := NewManager(ctrl)

	h1 := m.AcquireDomain(Serial)
	assert.True(t, ctrl.DomainPowered(Serial))
	h2 := m.AcquireDomain(Serial)
	h3 := m.AcquireDomain(Serial)
	assert.Equal(t, 3, m.DomainCount(Serial))

	h3.Release()
	h2.Release()
	assert.True(t, ctrl.DomainPowered(Serial))
	h1.Release()
	assert.False(t, ctrl.DomainPowered(Serial))

	on, off := ctrl.DomainEdges(Serial)
	assert.Equal(t, 1, on)
	assert.Equal(t, 1, off)
}

func TestDomainEdgesPerTransition(t *testing.T) {
	ctrl := NewSoftController(nil)
	m := NewManager(ctrl)

	for depth := 1; depth <= 5; depth++ {
		hs := make([]*Handle, depth)
		for i := range hs {
			hs[i] = m.AcquireDomain(Periph)
		}
		for i := len(hs) - 1; i >= 0; i-- {
			hs[i].Release()
		}
	}

	on, off := ctrl.DomainEdges(Periph)
	assert.Equal(t, 5, on)
	assert.Equal(t, 5, off)
	assert.Equal(t, 0, m.DomainCount(Periph))
}

func TestPeripheralAcquiresParentDomain(t *testing.T) {
	ctrl := NewSoftController(nil)
	m := NewManager(ctrl)

	uart := m.AcquirePeripheral(UART0)
	assert.Equal(t, 1, m.DomainCount(Serial))
	assert.True(t, ctrl.DomainPowered(Serial))
	assert.True(t, ctrl.ClockSettled(UART0, true))

	spi := m.AcquirePeripheral(SSI0)
	assert.Equal(t, 2, m.DomainCount(Serial))

	gpioH := m.AcquirePeripheral(GPIO)
	assert.Equal(t, 1, m.DomainCount(Periph))

	gpioH.Release()
	assert.False(t, ctrl.DomainPowered(Periph))

	spi.Release()
	assert.True(t, ctrl.DomainPowered(Serial))
	uart.Release()
	assert.False(t, ctrl.DomainPowered(Serial))
	assert.False(t, ctrl.ClockSettled(UART0, true))

	on, off := ctrl.ClockEdges(UART0)
	assert.Equal(t, 1, on)
	assert.Equal(t, 1, off)
}

func TestPeripheralNestedWithDomainHolder(t *testing.T) {
	ctrl := NewSoftController(nil)
	m := NewManager(ctrl)

	dom := m.AcquireDomain(Serial)
	p1 := m.AcquirePeripheral(UART0)
	p2 := m.AcquirePeripheral(UART0)
	assert.Equal(t, 2, m.PeripheralCount(UART0))
	assert.Equal(t, 2, m.DomainCount(Serial))

	p2.Release()
	p1.Release()
	assert.True(t, ctrl.DomainPowered(Serial), "domain still held directly")
	dom.Release()
	assert.False(t, ctrl.DomainPowered(Serial))

	on, _ := ctrl.DomainEdges(Serial)
	assert.Equal(t, 1, on)
}

func TestSaturation(t *testing.T) {
	ctrl := NewSoftController(nil)
	m := NewManager(ctrl)

	hs := make([]*Handle, 0, 300)
	for range 300 {
		hs = append(hs, m.AcquireDomain(CPU))
	}
	assert.Equal(t, 255, m.DomainCount(CPU))

	// The 45 handles past the bound were not counted and release nothing.
	for _, h := range hs[255:] {
		h.Release()
	}
	assert.Equal(t, 255, m.DomainCount(CPU))
	assert.True(t, ctrl.DomainPowered(CPU))

	for _, h := range hs[:255] {
		h.Release()
	}
	assert.Equal(t, 0, m.DomainCount(CPU))
	assert.False(t, ctrl.DomainPowered(CPU))

	// A peripheral whose domain is saturated leaves the domain count alone.
	hs = hs[:0]
	for range 255 {
		hs = append(hs, m.AcquireDomain(Serial))
	}
	uart := m.AcquirePeripheral(UART0)
	assert.Equal(t, 1, m.PeripheralCount(UART0))
	uart.Release()
	assert.Equal(t, 255, m.DomainCount(Serial))

	for _, h := range hs[1:] {
		h.Release()
	}
	assert.Equal(t, 1, m.DomainCount(Serial))
	assert.True(t, ctrl.DomainPowered(Serial))
	on, off := ctrl.DomainEdges(Serial)
	assert.Equal(t, 1, on)
	assert.Equal(t, 0, off)

	hs[0].Release()
	assert.False(t, ctrl.DomainPowered(Serial))
}

func TestReleaseIdempotent(t *testing.T) {
	m := NewManager(NewSoftController(nil))

	a := m.AcquirePeripheral(GPIO)
	b := m.AcquirePeripheral(GPIO)
	a.Release()
	a.Release()
	assert.Equal(t, 1, m.PeripheralCount(GPIO))
	b.Release()
	assert.Equal(t, 0, m.PeripheralCount(GPIO))

	var nilHandle *Handle
	nilHandle.Release()
}

func TestWithPeripheralReleasesOnError(t *testing.T) {
	ctrl := NewSoftController(nil)
	m := NewManager(ctrl)
	errBoom := errors.New("boom")

	err := m.WithPeripheral(SSI0, func() error {
		assert.Equal(t, 1, m.PeripheralCount(SSI0))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, m.PeripheralCount(SSI0))
	assert.False(t, ctrl.DomainPowered(Serial))

	require.NoError(t, m.WithDomain(VIMS, func() error { return nil }))
	assert.Equal(t, 0, m.DomainCount(VIMS))
}

// slowController confirms a state change only after a number of polls.
type slowController struct {
	*SoftController
	lag   int
	polls int
}

func (c *slowController) DomainPowered(d Domain) bool {
	c.polls++
	if c.polls%c.lag != 0 {
		return !c.SoftController.DomainPowered(d)
	}
	return c.SoftController.DomainPowered(d)
}

func TestAcquireBlocksUntilConfirmed(t *testing.T) {
	ctrl := &slowController{SoftController: NewSoftController(nil), lag: 4}
	waits := 0
	m := NewManager(ctrl, WithWait(func() { waits++ }))

	h := m.AcquireDomain(RFCore)
	assert.Equal(t, 3, waits)
	h.Release()
	assert.Equal(t, 6, waits)
}

func TestPinController(t *testing.T) {
	pin := &gpiotest.Pin{N: "CRESET", L: gpio.High}
	ctrl := NewPinController(map[Domain]DomainPin{
		Periph: {Pin: pin, Active: gpio.Low},
	}, nil)
	m := NewManager(ctrl)

	h := m.AcquirePeripheral(GPIO)
	assert.Equal(t, gpio.Low, pin.Read())
	h.Release()
	assert.Equal(t, gpio.High, pin.Read())

	// Domains without a pin fall back to the software model.
	s := m.AcquirePeripheral(UART0)
	assert.True(t, ctrl.DomainPowered(Serial))
	s.Release()
	assert.False(t, ctrl.DomainPowered(Serial))
	assert.NoError(t, ctrl.Err())
}

func TestNames(t *testing.T) {
	assert.Equal(t, "serial", Serial.String())
	assert.Equal(t, "uart0", UART0.String())
	assert.Equal(t, Serial, SSI0.Domain())
	assert.Equal(t, Periph, GPIO.Domain())
	assert.Equal(t, "domain(42)", Domain(42).String())
}
