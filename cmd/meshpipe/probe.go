package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"meshpipe/internal/device"
	"meshpipe/internal/logging"
	"meshpipe/internal/mesh"
)

var (
	probeCount    int
	probeDuration time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Connect to the configured device and print decoded rows",
	Long:  "probe exercises the device connection without touching the sink: it connects, decodes packets and prints them as JSON until the count or duration limit is reached.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		mgr := device.NewManager(cfg.Device, logging.Component("device"))

		var seen atomic.Int64
		mgr.Subscribe(func(pkt mesh.RawPacket) {
			row, decodeErr := mesh.Decode(pkt)
			rec := row.Record()
			if decodeErr != nil {
				rec["decode_error"] = decodeErr.Error()
			}
			out, _ := json.Marshal(rec)
			fmt.Println(string(out))
			if seen.Add(1) >= int64(probeCount) {
				mgr.Disconnect()
			}
		})

		ctx, cancel := context.WithTimeout(cmd.Context(), probeDuration)
		defer cancel()
		if err := mgr.Run(ctx); err != nil {
			return err
		}
		fmt.Printf("received %d packets\n", seen.Load())
		return nil
	},
}

func init() {
	probeCmd.Flags().IntVarP(&probeCount, "count", "n", 10, "stop after this many packets")
	probeCmd.Flags().DurationVarP(&probeDuration, "duration", "d", 2*time.Minute, "stop after this long")
}
