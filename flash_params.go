package xflash

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Chip describes one supported flash part.
type Chip struct {
	Name           string `yaml:"name"`
	ManufacturerID uint8  `yaml:"manufacturer"`
	DeviceID       uint8  `yaml:"device"`
	Size           uint32 `yaml:"size"`

	// WakeLatency is the time from standby command to ready (tRES1).
	WakeLatency time.Duration `yaml:"wake"`
	// PowerDownLatency is the time from /CS high to power-down mode (tDP).
	PowerDownLatency time.Duration `yaml:"power_down"`
}

func (c Chip) String() string {
	return fmt.Sprintf("%s (%02X/%02X, %d KiB)", c.Name, c.ManufacturerID, c.DeviceID, c.Size>>10)
}

// ChipTable is the list of parts a Flash accepts at verification time.
type ChipTable []Chip

// DefaultChipTable holds the parts found on the supported boards.
var DefaultChipTable = ChipTable{
	{
		Name:           "Macronix MX25R1635F",
		ManufacturerID: 0xC2,
		DeviceID:       0x15,
		Size:           0x200000,
		// [MX25R1635F|AC Characteristics]
		// tRES1: CS# High to Standby Mode without Electronic Signature Read
		WakeLatency: 35 * time.Microsecond,
		// tDP: CS# High to Deep Power-down Mode
		PowerDownLatency: 10 * time.Microsecond,
	},
	{
		Name:             "Macronix MX25R8035F",
		ManufacturerID:   0xC2,
		DeviceID:         0x14,
		Size:             0x100000,
		WakeLatency:      35 * time.Microsecond,
		PowerDownLatency: 10 * time.Microsecond,
	},
	{
		Name:           "Winbond W25X40CL",
		ManufacturerID: 0xEF,
		DeviceID:       0x12,
		Size:           0x080000,
		// [W25X40CL|AC Electrical Characteristics]
		WakeLatency:      3 * time.Microsecond,
		PowerDownLatency: 3 * time.Microsecond,
	},
	{
		Name:             "Winbond W25X20CL",
		ManufacturerID:   0xEF,
		DeviceID:         0x11,
		Size:             0x040000,
		WakeLatency:      3 * time.Microsecond,
		PowerDownLatency: 3 * time.Microsecond,
	},
	{
		Name:           "Winbond W25Q128JV",
		ManufacturerID: 0xEF,
		DeviceID:       0x17,
		Size:           16 << 20,
		// [W25Q128|9.6 AC Electrical Characteristics]
		WakeLatency:      3 * time.Microsecond,
		PowerDownLatency: 3 * time.Microsecond,
	},
}

// Lookup returns the entry matching the manufacturer and device ids.
func (t ChipTable) Lookup(manf, dev uint8) (Chip, bool) {
	for _, c := range t {
		if c.ManufacturerID == manf && c.DeviceID == dev {
			return c, true
		}
	}
	return Chip{}, false
}

// maxParam returns the largest value of a parameter across the table.
func (t ChipTable) maxParam(get func(*Chip) time.Duration) time.Duration {
	var tmax time.Duration
	for i := range t {
		tmax = max(tmax, get(&t[i]))
	}
	return tmax
}

type chipTableFile struct {
	Chips ChipTable `yaml:"chips"`
}

// LoadChipTable parses a YAML chip table:
//
//	chips:
//	  - name: Macronix MX25R1635F
//	    manufacturer: 0xC2
//	    device: 0x15
//	    size: 0x200000
//	    wake: 35us
//	    power_down: 10us
func LoadChipTable(r io.Reader) (ChipTable, error) {
	var f chipTableFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("chip table: %w", err)
	}
	if err := f.Chips.Validate(); err != nil {
		return nil, err
	}
	return f.Chips, nil
}

// Validate reports empty tables, zero sizes and duplicated ids.
func (t ChipTable) Validate() error {
	if len(t) == 0 {
		return errors.New("chip table: no entries")
	}
	seen := make(map[[2]uint8]string, len(t))
	for _, c := range t {
		if c.Size == 0 {
			return fmt.Errorf("chip table: %q has zero size", c.Name)
		}
		id := [2]uint8{c.ManufacturerID, c.DeviceID}
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("chip table: %q and %q share ids %02X/%02X", prev, c.Name, id[0], id[1])
		}
		seen[id] = c.Name
	}
	return nil
}

func (f *Flash) paramOrMax(get func(*Chip) time.Duration) time.Duration {
	// get parameter if the part is known
	if f.chip != nil {
		return get(f.chip)
	}

	// fall back to maximum duration from the whole table
	return f.chips.maxParam(get)
}

func (f *Flash) tRES1() time.Duration {
	return f.paramOrMax(func(c *Chip) time.Duration { return c.WakeLatency })
}
func (f *Flash) tDP() time.Duration {
	return f.paramOrMax(func(c *Chip) time.Duration { return c.PowerDownLatency })
}
