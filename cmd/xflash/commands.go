package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	xterm "golang.org/x/term"

	"github.com/gentam/xflash"
	"github.com/gentam/xflash/client"
	"github.com/gentam/xflash/protocol"
)

// withClient runs fn with a client on the configured link.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	conn, link, err := dial()
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	opts := []client.Option{client.WithLogger(logger)}
	if xterm.IsTerminal(int(os.Stderr.Fd())) {
		opts = append(opts, client.WithProgress(progress))
	}
	return fn(ctx, client.New(conn, opts...))
}

func progress(done, total int) {
	fmt.Fprintf(os.Stderr, "\r%d/%d bytes", done, total)
	if done == total {
		fmt.Fprintln(os.Stderr)
	}
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return uint32(v), nil
}

func parseRange(args []string) (offset, length uint32, err error) {
	if offset, err = parseUint32(args[0]); err != nil {
		return 0, 0, err
	}
	length, err = parseUint32(args[1])
	return offset, length, err
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Check the server is responding",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.Sync(ctx); err != nil {
				return err
			}
			color.Green("ok")
			return nil
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Identify the flash part attached to the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			info, err := c.Info(ctx)
			var ue protocol.UnsupportedDeviceError
			if errors.As(err, &ue) {
				color.Yellow("Unknown and possibly unsupported flash (MID: 0x%02X, DID: 0x%02X)", ue.ManufacturerID, ue.DeviceID)
				return nil
			}
			if err != nil {
				return err
			}
			name := "unknown"
			if chip, ok := xflash.DefaultChipTable.Lookup(info.ManufacturerID, info.DeviceID); ok {
				name = chip.Name
			}
			fmt.Printf("Name:            %s\n", name)
			fmt.Printf("Manufacturer ID: %#02x\n", info.ManufacturerID)
			fmt.Printf("Device ID:       %#02x\n", info.DeviceID)
			fmt.Printf("Size:            %d KiB\n", info.Size/1024)
			return nil
		})
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase OFFSET LENGTH",
	Short: "Erase the sectors covering a range",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, length, err := parseRange(args)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return c.Erase(ctx, offset, length)
		})
	},
}

var massEraseCmd = &cobra.Command{
	Use:   "mass-erase",
	Short: "Erase the whole part",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			fmt.Fprint(os.Stderr, "Starting mass erase, this may take some time... ")
			if err := c.MassErase(ctx); err != nil {
				fmt.Fprintln(os.Stderr)
				return err
			}
			color.New(color.FgGreen).Fprintln(os.Stderr, "Done.")
			return nil
		})
	},
}

var readOut string

var readCmd = &cobra.Command{
	Use:   "read OFFSET LENGTH",
	Short: "Read a range of flash",
	Long: `Read a range of flash into a file (-o), raw to stdout (-o -), or as a
hexdump when no output is given.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, length, err := parseRange(args)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			switch readOut {
			case "":
				d := hex.Dumper(os.Stdout)
				defer d.Close()
				return c.Read(ctx, offset, length, d)
			case "-":
				if xterm.IsTerminal(int(os.Stdout.Fd())) {
					return errors.New("refusing to write binary data to a terminal")
				}
				w := bufio.NewWriter(os.Stdout)
				if err := c.Read(ctx, offset, length, w); err != nil {
					return err
				}
				return w.Flush()
			}
			f, err := os.Create(readOut)
			if err != nil {
				return err
			}
			if err := c.Read(ctx, offset, length, f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		})
	},
}

var (
	writeIn     string
	writeErase  bool
	writeVerify bool
)

var writeCmd = &cobra.Command{
	Use:   "write OFFSET",
	Short: "Write a file to flash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		var data []byte
		if writeIn == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(writeIn)
		}
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			opts := client.ProgramOptions{Erase: writeErase, Verify: writeVerify}
			if err := c.Program(ctx, offset, data, opts); err != nil {
				return err
			}
			color.Green("wrote %d bytes at %#x", len(data), offset)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, infoCmd, eraseCmd, massEraseCmd, readCmd, writeCmd)

	readCmd.Flags().StringVarP(&readOut, "output", "o", "", "output file, - for stdout (default: hexdump)")

	writeCmd.Flags().StringVarP(&writeIn, "input", "i", "", "input file, - for stdin")
	writeCmd.Flags().BoolVar(&writeErase, "erase", false, "erase the covered sectors first")
	writeCmd.Flags().BoolVar(&writeVerify, "verify", false, "read back and compare")
	writeCmd.MarkFlagRequired("input")
}
