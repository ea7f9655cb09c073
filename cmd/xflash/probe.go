package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"periph.io/x/host/v3/ftdi"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Show the FTDI adapter and identify the flash on it",
	Long: `Show the FTDI adapter, its EEPROM and pins, then identify the flash
part on its SPI port directly, without a server.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := cfg.chipTable(chipsFile)
		if err != nil {
			return err
		}
		b, err := openBackend(table, false)
		if err != nil {
			return err
		}
		defer b.Close()
		ft := b.dev.FTDI

		// Reference: https://github.com/periph/cmd/tree/main/ftdi-list
		i := ftdi.Info{}
		ft.Info(&i)
		fmt.Printf("Type:            %s\n", i.Type)
		fmt.Printf("Vendor ID:       %#04x\n", i.VenID)
		fmt.Printf("Device ID:       %#04x\n", i.DevID)

		ee := ftdi.EEPROM{}
		if err := ft.EEPROM(&ee); err != nil {
			color.Red("failed to read EEPROM: %v", err)
		} else {
			fmt.Printf("Manufacturer:    %s\n", ee.Manufacturer)
			fmt.Printf("ManufacturerID:  %s\n", ee.ManufacturerID)
			fmt.Printf("Desc:            %s\n", ee.Desc)
			fmt.Printf("Serial:          %s\n", ee.Serial)
			h := ee.AsHeader()
			fmt.Printf("MaxPower:        %dmA\n", h.MaxPower)
		}
		for _, p := range ft.Header() {
			fmt.Printf("%s: %s\n", p, p.Function())
		}
		fmt.Printf("FPGA CDONE:      %s\n", b.dev.Done())
		fmt.Println()

		f := b.flash
		info, err := f.Info()
		switch {
		case err == nil:
			color.Green("Flash:           %s, %d KiB", info.Name, info.Size/1024)
		case info.ManufacturerID != 0 || info.DeviceID != 0:
			color.Yellow("Flash:           unsupported (MID: 0x%02X, DID: 0x%02X)", info.ManufacturerID, info.DeviceID)
		default:
			color.Red("Flash:           %v", err)
			return nil
		}
		if id, err := f.ReadJEDECID(); err == nil {
			fmt.Printf("JEDEC ID:        %X\n", id)
		}
		if sr, err := f.ReadStatusRegister(); err == nil {
			fmt.Printf("Status:          %s\n", sr)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringVar(&chipsFile, "chips", "", "YAML chip table replacing the built-in one")
	probeCmd.Flags().StringVar(&cfg.Clock, "clock", cfg.Clock, "SPI clock frequency")
}
