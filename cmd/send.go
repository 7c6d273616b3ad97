// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/veriflux/meterbench/pkg/gasmeter"
	"github.com/veriflux/meterbench/pkg/proto"
	"github.com/veriflux/meterbench/pkg/watermeter"
)

var (
	sendMeter      string
	sendMeterNo    string
	sendData       string
	sendTimeout    int
	sendNoPreamble bool
)

var sendCmd = &cobra.Command{
	Use:   "send <action>",
	Short: "Send one meter command and print the reply",
	Long: `Send a single command to a board on the connection, wake-up preamble
included, then wait for the decoded reply.

Water meter actions:
  open, close        valve control
  status             full status query
  config-mech        valve configuration, mechanical (needs --data, 6 bytes)
  config-ultra       valve configuration, ultrasonic (needs --data, 6 bytes)
  reset-flow         clear the accumulated flow counter

Gas meter actions:
  connect            production connect handshake
  io-high, io-low    IO status check at high or low drive
  open, close        valve control
  network            read network parameters
  check-status       read the production check status

Exit codes:
  0 - Reply received before timeout
  1 - Timeout reached without a reply
  2 - Connection or send error`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendMeter, "meter", "water", "Board family: water or gas")
	sendCmd.Flags().StringVar(&sendMeterNo, "meter-no", "", "Meter number, 12 hex digits (gas)")
	sendCmd.Flags().StringVar(&sendData, "data", "", "Command payload as hex")
	sendCmd.Flags().IntVar(&sendTimeout, "timeout", 5, "Seconds to wait for the reply")
	sendCmd.Flags().BoolVar(&sendNoPreamble, "no-preamble", false, "Skip the wake-up preamble")
}

func runSend(cmd *cobra.Command, args []string) error {
	action := args[0]

	payload, err := hex.DecodeString(strings.ReplaceAll(sendData, " ", ""))
	if err != nil {
		return fmt.Errorf("bad --data: %w", err)
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	mgr := proto.NewManager(logger)
	mgr.Sleep = func(ms uint32) { time.Sleep(time.Duration(ms) * time.Millisecond) }

	replies := make(chan string, 8)

	wm := watermeter.New(logger)
	wm.SetMeterEventCallback(func(ev watermeter.Event) {
		replies <- fmt.Sprintf("%s cmd=0x%04X meter=%X", ev.Type, ev.CmdCode, ev.MeterNo)
	})
	gm := gasmeter.New(logger)
	gm.SetMeterEventCallback(func(ev gasmeter.Event) {
		replies <- fmt.Sprintf("%s mark=0x%04X", ev.Type, ev.DataMark)
	})

	if err := mgr.RegisterDevice(wm); err != nil {
		return err
	}
	if err := mgr.RegisterDevice(gm); err != nil {
		return err
	}
	if sendMeter == "gas" {
		if err := mgr.SetActiveDevice(gm.Name()); err != nil {
			return err
		}
	} else if sendMeter != "water" {
		return fmt.Errorf("unknown meter family %q (use water or gas)", sendMeter)
	}

	if sendMeterNo != "" {
		no, err := hex.DecodeString(sendMeterNo)
		if err != nil || len(no) != 6 {
			return fmt.Errorf("bad --meter-no: want 12 hex digits")
		}
		var n [6]byte
		copy(n[:], no)
		gm.SetMeterNumber(n)
	}

	mgr.SetDeviceSendFunc(func(data []byte) error {
		_, err := conn.Write(data)
		return err
	})
	if sendNoPreamble {
		// Bypass the manager's preamble wrapping.
		raw := func(data []byte) error {
			_, err := conn.Write(data)
			return err
		}
		wm.SetSendFunc(raw)
		gm.SetSendFunc(raw)
	}

	fmt.Printf("Meterbench - Command Send\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Action: %s (%s meter)\n\n", action, sendMeter)

	if err := dispatchSend(action, payload, wm, gm); err != nil {
		return err
	}

	go func() {
		buf := make([]byte, 256)
		var pending []byte
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			pending = feed(pending, buf[:n], mgr.ParseDevice)
		}
	}()

	select {
	case r := <-replies:
		fmt.Printf("Reply: %s\n", r)
		return nil
	case <-time.After(time.Duration(sendTimeout) * time.Second):
		return fmt.Errorf("no reply within %d seconds", sendTimeout)
	}
}

func dispatchSend(action string, payload []byte, wm *watermeter.Protocol, gm *gasmeter.Protocol) error {
	if sendMeter == "water" {
		switch action {
		case "open":
			return wm.SendValveControl(watermeter.ValveOpen)
		case "close":
			return wm.SendValveControl(watermeter.ValveClose)
		case "status":
			return wm.SendQueryStatus()
		case "config-mech", "config-ultra":
			if len(payload) != 6 {
				return fmt.Errorf("%s needs --data with 6 bytes", action)
			}
			return wm.SendConfig(action == "config-mech", payload)
		case "reset-flow":
			return wm.SendResetAccumulatedFlow()
		}
		return fmt.Errorf("unknown water meter action %q", action)
	}

	switch action {
	case "connect":
		return gm.SendConnect()
	case "io-high":
		return gm.SendIOStatusCheck(1)
	case "io-low":
		return gm.SendIOStatusCheck(0)
	case "open":
		return gm.SendValveControl(gasmeter.ValveOpen)
	case "close":
		return gm.SendValveControl(gasmeter.ValveClose)
	case "network":
		return gm.SendReadNetworkParams()
	case "check-status":
		return gm.SendReadCheckStatus()
	}
	return fmt.Errorf("unknown gas meter action %q", action)
}
