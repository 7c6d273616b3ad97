// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/veriflux/meterbench/pkg/partition"
	"github.com/veriflux/meterbench/pkg/stats"
	"github.com/veriflux/meterbench/pkg/valvetest"
)

var (
	statsFlash   string
	statsHistory int
	statsClear   bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show persisted test statistics",
	Long: `Read the test statistics block from the fixture's flash image and
print the aggregate counters, per-step failure distribution, and
recent test history.

The same image the bench command writes is read here, so statistics
survive across runs. --clear wipes the block after printing.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVar(&statsFlash, "flash", "", "Flash image path (default <data-dir>/flash.img)")
	statsCmd.Flags().IntVar(&statsHistory, "history", 10, "Number of recent records to show")
	statsCmd.Flags().BoolVar(&statsClear, "clear", false, "Erase the statistics block after printing")
}

func runStats(cmd *cobra.Command, args []string) error {
	if statsFlash == "" {
		statsFlash = filepath.Join(dataDir, "flash.img")
	}
	table, err := partition.Open(statsFlash, partition.DefaultLayout(), logger)
	if err != nil {
		return fmt.Errorf("flash image: %w", err)
	}
	defer table.Close()

	part, err := table.Get(partition.NameTestStats)
	if err != nil {
		return err
	}
	s := stats.Open(part, logger)
	sum := s.Summary()

	fmt.Printf("Meterbench - Test Statistics\n")
	fmt.Printf("Image: %s\n\n", statsFlash)
	fmt.Printf("Station:     %d\n", sum.StationID)
	fmt.Printf("Total tests: %d\n", sum.TotalTests)
	fmt.Printf("Passed:      %d\n", sum.TotalPass)
	fmt.Printf("Failed:      %d\n", sum.TotalFail)
	fmt.Printf("Pass rate:   %d.%02d%%\n", s.PassRate()/100, s.PassRate()%100)

	if sum.TotalFail > 0 {
		fmt.Printf("\nFailures by step:\n")
		for i, n := range sum.StepFail {
			if n == 0 {
				continue
			}
			fmt.Printf("  %2d %-28s %d\n", i, valvetest.Step(i), n)
		}
	}

	if recs := s.History(statsHistory); len(recs) > 0 {
		fmt.Printf("\nRecent tests (newest first):\n")
		for _, r := range recs {
			line := fmt.Sprintf("  #%-5d %-4s %6.1fs  %s",
				r.Seq, r.Result, float64(r.DurationMs)/1000,
				time.Unix(r.Timestamp, 0).Format("2006-01-02 15:04:05"))
			if r.Result == stats.ResultFail {
				line += fmt.Sprintf("  step=%s err=%d", valvetest.Step(r.FailedStep), r.ErrCode)
			}
			fmt.Println(line)
		}
	}

	if statsClear {
		if err := s.Clear(); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		fmt.Printf("\nStatistics cleared\n")
	}
	return nil
}
