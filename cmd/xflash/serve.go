package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/gentam/xflash"
	"github.com/gentam/xflash/internal/simchip"
	"github.com/gentam/xflash/power"
	"github.com/gentam/xflash/protocol"
	"github.com/gentam/xflash/server"
)

var (
	serveSim  bool
	chipsFile string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the attached flash over the link",
	Long: `Serve the flash part attached to the FTDI adapter over the serial port
or mailbox until interrupted. With --sim the first chip table entry is
simulated in memory instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := cfg.chipTable(chipsFile)
		if err != nil {
			return err
		}
		b, err := openBackend(table, serveSim)
		if err != nil {
			return err
		}
		defer b.Close()

		if _, err := b.flash.Info(); err != nil {
			logger.Warn("serving without a usable flash", "err", err)
		}

		engine, bufSize, link, err := openEngine(b.pm)
		if err != nil {
			return err
		}
		defer link.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		srv := server.New(engine, b.flash, bufSize, server.WithLogger(logger))
		logger.Info("serving", "buffer", srv.BufferSize())
		err = srv.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveSim, "sim", false, "serve a simulated part")
	serveCmd.Flags().StringVar(&chipsFile, "chips", "", "YAML chip table replacing the built-in one")
	serveCmd.Flags().StringVar(&cfg.Clock, "clock", cfg.Clock, "SPI clock frequency")
}

// backend is the flash part with the resources it was opened with.
type backend struct {
	dev   *xflash.Device // nil when simulated
	pm    *power.Manager
	bus   *xflash.SPIBus
	ctrl  *power.PinController
	flash *xflash.Flash
}

func openBackend(table xflash.ChipTable, sim bool) (*backend, error) {
	opts := []xflash.Option{xflash.WithChipTable(table), xflash.WithLogger(logger)}
	if sim {
		c := table[0]
		chip := simchip.New(c.ManufacturerID, c.DeviceID, int(c.Size))
		pm := power.NewManager(power.NewSoftController(logger), power.WithLogger(logger))
		return &backend{pm: pm, flash: xflash.NewFlash(chip, chip.CS(), pm, opts...)}, nil
	}

	clock, err := cfg.clock()
	if err != nil {
		return nil, err
	}
	d, err := xflash.OpenDevice(clock)
	if err != nil {
		return nil, err
	}
	ctrl := d.PowerController(logger)
	pm := power.NewManager(ctrl, power.WithLogger(logger))
	bus := xflash.NewSPIBus(d.Conn(), pm)
	return &backend{
		dev:   d,
		pm:    pm,
		bus:   bus,
		ctrl:  ctrl,
		flash: xflash.NewFlash(bus, d.CS(), pm, opts...),
	}, nil
}

func (b *backend) Close() error {
	err := b.flash.Close()
	if b.bus != nil {
		err = errors.Join(err, b.bus.Close())
	}
	if b.ctrl != nil {
		err = errors.Join(err, b.ctrl.Err())
	}
	if err != nil {
		logger.Warn("closing flash", "err", err)
	}
	return err
}

// openEngine opens the device side of the configured link and returns the
// server buffer size it supports.
func openEngine(pm *power.Manager) (protocol.Engine, int, io.Closer, error) {
	switch {
	case cfg.Mailbox != "":
		// The data window carries whole buffers, which are at least a page.
		r, err := protocol.MapRegion(cfg.Mailbox, max(cfg.Buffer, xflash.PageSize))
		if err != nil {
			return nil, 0, nil, err
		}
		e := protocol.NewMailboxEngine(r, protocol.WithLogger(logger))
		return e, r.Capacity(), r, nil
	case cfg.Port != "":
		p, err := openSerial(cfg.Port, cfg.Baud)
		if err != nil {
			return nil, 0, nil, err
		}
		e := protocol.NewSerialEngine(p, pm, protocol.WithLogger(logger))
		return e, cfg.Buffer, e, nil
	}
	return nil, 0, nil, errNoLink
}
