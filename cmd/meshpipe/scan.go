package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"meshpipe/internal/transport"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List mesh devices reachable over serial and BLE",
	RunE: func(cmd *cobra.Command, args []string) error {
		serial, err := transport.ScanSerial()
		if err != nil {
			fmt.Printf("serial scan failed: %v\n", err)
		}
		fmt.Printf("serial ports (%d):\n", len(serial))
		for _, c := range serial {
			fmt.Printf("  %-24s %s\n", c.Identity, c.Detail)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout+5*time.Second)
		defer cancel()
		ble, err := transport.ScanBLE(ctx, scanTimeout)
		if err != nil {
			fmt.Printf("ble scan failed: %v\n", err)
		}
		fmt.Printf("ble devices (%d):\n", len(ble))
		for _, c := range ble {
			fmt.Printf("  %-24s %s (%s)\n", c.Identity, c.Name, c.Detail)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 10*time.Second, "BLE scan duration")
}
