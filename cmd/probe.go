// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	probeTimeout int
	probeSide    string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test the connection by waiting for one valid frame",
	Long: `Wait for a valid protocol frame on the connection until timeout.

The full protocol registry for the chosen side decodes the incoming
bytes. Garbage is skipped; the first complete frame that passes its
checksum ends the wait.

Exit codes:
  0 - Valid frame received before timeout
  1 - Timeout reached without a valid frame
  2 - Connection error

Useful for checking the wiring to a board or to a serial-over-
WebSocket bridge before starting the bench.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
	probeCmd.Flags().StringVar(&probeSide, "side", "device", "Decode with the pc or device registry")
}

func runProbe(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Meterbench - Connection Probe\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", probeTimeout)
	fmt.Printf("Waiting for a valid frame...\n\n")

	frameChan := make(chan monitorEvent, 1)
	errChan := make(chan error, 1)

	mgr, err := buildMonitorManager(probeSide, func(ev monitorEvent) {
		select {
		case frameChan <- ev:
		default:
		}
	})
	if err != nil {
		return err
	}
	// The probe never answers.
	discard := func([]byte) error { return nil }
	mgr.SetPCSendFunc(discard)
	mgr.SetDeviceSendFunc(discard)

	parse := mgr.ParseDevice
	if probeSide == "pc" {
		parse = mgr.ParsePC
	}

	go func() {
		buf := make([]byte, 256)
		var pending []byte
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}
			pending = feed(pending, buf[:n], parse)
		}
	}()

	select {
	case ev := <-frameChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Protocol: %s\n", ev.protocol)
		fmt.Printf("  Command:  0x%04X\n", ev.cmd)
		fmt.Printf("  Length:   %d bytes\n", ev.size)
		if ev.detail != "" {
			fmt.Printf("  Decoded:  %s\n", ev.detail)
		}
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(probeTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", probeTimeout)
		os.Exit(1)
	}

	return nil
}
