// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var linkTestCmd = &cobra.Command{
	Use:   "link_test",
	Short: "Test raw connection stability",
	Long: `Hold the connection open without sending anything, logging every
chunk of data received and any errors encountered.

Useful for debugging flaky serial adapters or a serial-over-WebSocket
bridge before starting the bench.

Exit codes:
  0 - Test completed normally
  1 - Connection dropped during the test
  2 - Connection error`,
	RunE: runLinkTest,
}

var linkTestDuration int

func init() {
	rootCmd.AddCommand(linkTestCmd)
	linkTestCmd.Flags().IntVar(&linkTestDuration, "duration", 30, "Test duration in seconds")
}

func runLinkTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Meterbench - Link Stability Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", linkTestDuration)

	readChan := make(chan []byte, 100)
	errChan := make(chan error, 1)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				readChan <- data
			}
		}
	}()

	endTime := time.Now().Add(time.Duration(linkTestDuration) * time.Second)
	bytesReceived := 0
	chunksReceived := 0

	fmt.Printf("Listening for data...\n\n")

	for time.Now().Before(endTime) {
		select {
		case data := <-readChan:
			bytesReceived += len(data)
			chunksReceived++
			fmt.Printf("[%s] Received %d bytes: %x\n",
				time.Now().Format("15:04:05.000"), len(data), data)

		case err := <-errChan:
			fmt.Printf("\n[%s] Connection error: %v\n",
				time.Now().Format("15:04:05.000"), err)
			fmt.Printf("\n--- Test Results ---\n")
			fmt.Printf("Chunks received: %d\n", chunksReceived)
			fmt.Printf("Bytes received: %d\n", bytesReceived)
			fmt.Printf("Result: FAILED (connection error)\n")
			os.Exit(1)

		case <-time.After(1 * time.Second):
			remaining := time.Until(endTime).Seconds()
			fmt.Printf("[%s] Still connected... (%.0fs remaining)\n",
				time.Now().Format("15:04:05.000"), remaining)
		}
	}

	fmt.Printf("\n--- Test Results ---\n")
	fmt.Printf("Duration: %d seconds\n", linkTestDuration)
	fmt.Printf("Chunks received: %d\n", chunksReceived)
	fmt.Printf("Bytes received: %d\n", bytesReceived)
	fmt.Printf("Result: PASSED (connection stable)\n")

	return nil
}
