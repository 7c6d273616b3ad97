// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/veriflux/meterbench/pkg/checksum"
	"github.com/veriflux/meterbench/pkg/partition"
	"github.com/veriflux/meterbench/pkg/proto"
	"github.com/veriflux/meterbench/pkg/upgrade"
)

var (
	upgradeMode    uint8
	upgradeBaud    uint8
	upgradeTimeout uint8
	upgradeSizeKB  uint16
	upgradeLog     bool
	upgradeWait    int
	upgradeFlash   string
	upgradePending bool
	upgradeClear   bool
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Send a firmware-upgrade request to a fixture",
	Long: `Craft an upgrade command for the connected fixture and report its
answer.

The command carries the chip magic of the fixture family, the target
station number, and the transfer parameters. A fixture that accepts
persists the parameters and restarts into its bootloader; a busy or
mismatched fixture answers with an error status instead.

--pending skips the link entirely and shows the parameters persisted
in the local flash image, which is what a fixture consults on boot.`,
	RunE: runUpgrade,
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
	upgradeCmd.Flags().Uint8Var(&upgradeMode, "mode", 0, "Upgrade mode: 0 manual, 1 automatic")
	upgradeCmd.Flags().Uint8Var(&upgradeBaud, "baud-config", 0, "Transfer baud: 0 9600, 1 115200")
	upgradeCmd.Flags().Uint8Var(&upgradeTimeout, "timeout-sec", 60, "Bootloader wait timeout in seconds")
	upgradeCmd.Flags().Uint16Var(&upgradeSizeKB, "size-kb", 0, "Announced firmware size in KB (required)")
	upgradeCmd.Flags().BoolVar(&upgradeLog, "log", false, "Enable bootloader transfer logging")
	upgradeCmd.Flags().IntVar(&upgradeWait, "wait", 5, "Seconds to wait for the status answer")
	upgradeCmd.Flags().StringVar(&upgradeFlash, "flash", "", "Flash image path (default <data-dir>/flash.img)")
	upgradeCmd.Flags().BoolVar(&upgradePending, "pending", false, "Show locally persisted upgrade parameters")
	upgradeCmd.Flags().BoolVar(&upgradeClear, "clear", false, "With --pending, erase the persisted parameters")
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	if upgradePending {
		return showPendingUpgrade()
	}
	if upgradeSizeKB == 0 {
		return fmt.Errorf("--size-kb is required")
	}
	if upgradeSizeKB > upgrade.MaxFwSizeKB {
		return fmt.Errorf("--size-kb %d exceeds the %d KB flash", upgradeSizeKB, upgrade.MaxFwSizeKB)
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	frame := buildUpgradeFrame()
	fmt.Printf("Meterbench - Firmware Upgrade\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Station: %d  Chip: %s  Size: %d KB\n\n",
		stationID, upgrade.CurrentChip.Name, upgradeSizeKB)

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	status := make(chan uint8, 1)
	go func() {
		buf := make([]byte, 64)
		var pending []byte
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			pending = append(pending, buf[:n]...)
			if s, ok := findUpgradeAck(pending); ok {
				status <- s
				return
			}
			if len(pending) > 256 {
				pending = pending[:0]
			}
		}
	}()

	select {
	case s := <-status:
		fmt.Printf("Fixture answered: %s (0x%02X)\n", upgradeStatusName(s), s)
		if s != upgrade.StatusReady {
			return fmt.Errorf("upgrade refused")
		}
		return nil
	case <-time.After(time.Duration(upgradeWait) * time.Second):
		return fmt.Errorf("no answer within %d seconds", upgradeWait)
	}
}

// buildUpgradeFrame assembles the 17 byte upgrade command.
func buildUpgradeFrame() []byte {
	logByte := uint8(0)
	if upgradeLog {
		logByte = 1
	}
	buf := []byte{proto.FTFrameHead, upgrade.CmdUpgrade, 17}
	buf = upgrade.Magic{Vendor: upgrade.CurrentChip.Vendor, Chip: upgrade.CurrentChip.Chip}.Append(buf)
	buf = append(buf, stationID, upgradeMode, upgradeBaud, 0, upgradeTimeout, logByte)
	buf = append(buf, byte(upgradeSizeKB), byte(upgradeSizeKB>>8))
	buf = append(buf, checksum.Sum8(buf), proto.FTFrameTail)
	return buf
}

// findUpgradeAck scans for a complete 0xBB status answer.
func findUpgradeAck(data []byte) (uint8, bool) {
	for i := 0; i+11 <= len(data); i++ {
		if data[i] != proto.FTFrameHead || data[i+1] != upgrade.CmdUpgradeAck {
			continue
		}
		if data[i+2] != 11 || data[i+10] != proto.FTFrameTail {
			continue
		}
		if checksum.Sum8(data[i:i+9]) != data[i+9] {
			continue
		}
		return data[i+8], true
	}
	return 0, false
}

func upgradeStatusName(s uint8) string {
	switch s {
	case upgrade.StatusReady:
		return "ready, restarting into bootloader"
	case upgrade.StatusParamError:
		return "parameter error"
	case upgrade.StatusBusy:
		return "busy, test in progress"
	case upgrade.StatusSizeError:
		return "firmware too large"
	case upgrade.StatusChipMismatch:
		return "chip mismatch"
	case upgrade.StatusMagicInvalid:
		return "magic invalid"
	default:
		return "unknown status"
	}
}

func showPendingUpgrade() error {
	if upgradeFlash == "" {
		upgradeFlash = filepath.Join(dataDir, "flash.img")
	}
	table, err := partition.Open(upgradeFlash, partition.DefaultLayout(), logger)
	if err != nil {
		return fmt.Errorf("flash image: %w", err)
	}
	defer table.Close()

	part, err := table.Get(partition.NameUpgrade)
	if err != nil {
		return err
	}
	store := upgrade.NewStore(part, logger)

	p, ok := store.Read()
	if !ok {
		fmt.Printf("No persisted upgrade parameters in %s\n", upgradeFlash)
		return nil
	}

	fmt.Printf("Persisted upgrade parameters (%s):\n", upgradeFlash)
	fmt.Printf("  Station:   %d\n", p.StationID)
	fmt.Printf("  Mode:      %d\n", p.Mode)
	fmt.Printf("  Baud:      %d\n", p.BaudConfig)
	fmt.Printf("  Timeout:   %d s\n", p.TimeoutSec)
	fmt.Printf("  Size:      %d KB\n", p.FwSizeKB)
	fmt.Printf("  Vendor:    %s\n", upgrade.VendorName(p.Vendor))
	fmt.Printf("  Chip:      0x%04X\n", p.Chip)
	fmt.Printf("  Pending:   %v\n", store.Pending())

	if upgradeClear {
		if err := store.Clear(); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		fmt.Printf("\nParameters cleared\n")
	}
	return nil
}
