package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/gentam/xflash"
)

// config holds the settings that may come from a YAML file. Flags given on
// the command line win over the file.
//
//	port: /dev/ttyUSB1
//	baud: 115200
//	buffer: 4096
//	clock: 15MHz
//	chips:
//	  - {name: Winbond W25Q32JV, manufacturer: 0xEF, device: 0x15, size: 0x400000, wake: 3us, power_down: 3us}
type config struct {
	Port    string           `yaml:"port"`
	Baud    int              `yaml:"baud"`
	Mailbox string           `yaml:"mailbox"`
	Buffer  int              `yaml:"buffer"`
	Clock   string           `yaml:"clock"`
	Chips   xflash.ChipTable `yaml:"chips"`
}

func defaultConfig() config {
	return config{
		Baud:   115200,
		Buffer: 4096,
		Clock:  "30MHz",
	}
}

// load merges the file at path into c, skipping settings whose flag is set.
func (c *config) load(path string, changed func(flag string) bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f config
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if f.Port != "" && !changed("port") {
		c.Port = f.Port
	}
	if f.Baud != 0 && !changed("baud") {
		c.Baud = f.Baud
	}
	if f.Mailbox != "" && !changed("mailbox") {
		c.Mailbox = f.Mailbox
	}
	if f.Buffer != 0 && !changed("buffer") {
		c.Buffer = f.Buffer
	}
	if f.Clock != "" && !changed("clock") {
		c.Clock = f.Clock
	}
	if len(f.Chips) > 0 {
		if err := f.Chips.Validate(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		c.Chips = f.Chips
	}
	return nil
}

func (c *config) clock() (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(c.Clock); err != nil {
		return 0, fmt.Errorf("clock %q: %w", c.Clock, err)
	}
	return f, nil
}

// chipTable returns the table from file if set, else the configured or the
// default table.
func (c *config) chipTable(file string) (xflash.ChipTable, error) {
	if file != "" {
		r, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return xflash.LoadChipTable(r)
	}
	if len(c.Chips) > 0 {
		return c.Chips, nil
	}
	return xflash.DefaultChipTable, nil
}
