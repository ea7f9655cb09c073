package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var chipsCmd = &cobra.Command{
	Use:   "chips",
	Short: "List the supported flash parts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := cfg.chipTable(chipsFile)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %-5s %-5s %10s %8s %10s\n", "NAME", "MID", "DID", "SIZE", "WAKE", "POWERDOWN")
		for _, c := range table {
			fmt.Printf("%-24s 0x%02X  0x%02X  %10d %8s %10s\n",
				c.Name, c.ManufacturerID, c.DeviceID, c.Size, c.WakeLatency, c.PowerDownLatency)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(chipsCmd)
	chipsCmd.Flags().StringVar(&chipsFile, "chips", "", "YAML chip table replacing the built-in one")
}
