package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	cfg     = defaultConfig()
	logger  = slog.New(slog.DiscardHandler)
)

var rootCmd = &cobra.Command{
	Use:   "xflash",
	Short: "Serve and program SPI NOR flash",
	Long: `xflash serves an SPI NOR flash part attached through an FTDI adapter
over a serial line or a shared memory mailbox, and drives such a server
from the host side.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		if cfgFile == "" {
			return nil
		}
		return cfg.load(cfgFile, cmd.Flags().Changed)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&cfgFile, "config", "", "YAML config file")
	pf.StringVarP(&cfg.Port, "port", "p", cfg.Port, "serial port of the link")
	pf.IntVar(&cfg.Baud, "baud", cfg.Baud, "serial baud rate")
	pf.StringVar(&cfg.Mailbox, "mailbox", cfg.Mailbox, "mailbox file; selects the mailbox transport instead of serial")
	pf.IntVar(&cfg.Buffer, "buffer", cfg.Buffer, "buffer size (server) or mailbox data window (both sides)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}
