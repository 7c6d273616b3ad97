// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/fixture"
	"github.com/veriflux/meterbench/pkg/gasmeter"
	"github.com/veriflux/meterbench/pkg/mes"
	"github.com/veriflux/meterbench/pkg/proto"
	"github.com/veriflux/meterbench/pkg/upgrade"
	"github.com/veriflux/meterbench/pkg/watermeter"
)

var (
	monitorSide    string
	monitorTUI     bool
	monitorRespond bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Decode and display fixture protocol traffic",
	Long: `Attach to a link and decode frames with the full protocol registry.

The device side registers the gas and water meter protocols; the pc
side registers the MES line protocols plus the fixture config and
upgrade protocols. Every decoded frame and protocol event is shown
with a timestamp.

By default the monitor is passive: protocol replies are decoded but
never written to the line, so it can sit on a live link. --respond
makes it answer like a real fixture endpoint.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorSide, "side", "device", "Which registry to decode with: device or pc")
	monitorCmd.Flags().BoolVar(&monitorTUI, "tui", false, "Interactive TUI instead of plain log output")
	monitorCmd.Flags().BoolVar(&monitorRespond, "respond", false, "Write protocol replies back to the line")
}

// monitorEvent is one decoded item handed to the output layer.
type monitorEvent struct {
	when     time.Time
	protocol string
	event    proto.Event
	cmd      uint16
	size     int
	detail   string
}

func (e monitorEvent) String() string {
	s := fmt.Sprintf("%s %-10s %-8s cmd=0x%04X len=%d",
		e.when.Format("15:04:05.000"), e.protocol, e.event, e.cmd, e.size)
	if e.detail != "" {
		s += "  " + e.detail
	}
	return s
}

// buildMonitorManager assembles the protocol registry for one side and
// routes every protocol event into sink.
func buildMonitorManager(side string, sink func(monitorEvent)) (*proto.Manager, error) {
	mgr := proto.NewManager(logger)

	cb := func(name string) proto.EventCallback {
		return func(event proto.Event, cmd uint16, data []byte) {
			sink(monitorEvent{
				when:     time.Now(),
				protocol: name,
				event:    event,
				cmd:      cmd,
				size:     len(data),
			})
		}
	}

	switch side {
	case "device":
		wm := watermeter.New(logger)
		wm.SetEventCallback(cb(wm.Name()))
		wm.SetMeterEventCallback(func(ev watermeter.Event) {
			sink(monitorEvent{
				when:     time.Now(),
				protocol: wm.Name(),
				event:    proto.EventReceived,
				cmd:      ev.CmdCode,
				detail:   ev.Type.String(),
			})
		})

		gm := gasmeter.New(logger)
		gm.SetEventCallback(cb(gm.Name()))

		if err := mgr.RegisterDevice(wm); err != nil {
			return nil, err
		}
		if err := mgr.RegisterDevice(gm); err != nil {
			return nil, err
		}

	case "pc":
		station := func() uint8 { return stationID }

		mw := mes.NewWater(logger, mes.WaterHooks{StationID: station})
		mw.SetEventCallback(cb(mw.Name()))

		mg := mes.NewGas(logger, mes.GasHooks{StationID: station})
		mg.SetEventCallback(cb(mg.Name()))

		fx := fixture.New(logger, fixture.Hooks{StationID: station})
		fx.SetEventCallback(cb(fx.Name()))

		up := upgrade.New(logger, nil, upgrade.Hooks{StationID: station})
		up.SetEventCallback(cb(up.Name()))

		for _, p := range []proto.Protocol{mw, mg, fx, up} {
			if err := mgr.RegisterPC(p); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("unknown side %q (use device or pc)", side)
	}

	return mgr, nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if monitorTUI {
		return runMonitorTUI()
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	mgr, err := buildMonitorManager(monitorSide, func(ev monitorEvent) {
		fmt.Println(ev)
	})
	if err != nil {
		return err
	}

	send := func(data []byte) error {
		if !monitorRespond {
			return nil
		}
		_, err := conn.Write(data)
		return err
	}
	if monitorSide == "pc" {
		mgr.SetPCSendFunc(send)
	} else {
		mgr.SetDeviceSendFunc(send)
	}

	fmt.Printf("Meterbench - Protocol Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Side: %s (%s)\n", monitorSide, strings.Join(registered(mgr, monitorSide), ", "))
	fmt.Printf("Press Ctrl+C to exit\n\n")

	parse := mgr.ParseDevice
	if monitorSide == "pc" {
		parse = mgr.ParsePC
	}

	buf := make([]byte, 256)
	var pending []byte

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err == ErrConnectionClosed {
				logger.Info("connection closed")
				return nil
			}
			logger.Warn("read error", zap.Error(err))
			continue
		}

		pending = append(pending, buf[:n]...)
		switch parse(pending) {
		case proto.Incomplete:
			// Hold the buffer; the rest of the frame is still coming.
			if len(pending) > 4096 {
				pending = pending[:0]
			}
		default:
			pending = pending[:0]
		}
	}
}

func registered(mgr *proto.Manager, side string) []string {
	if side == "pc" {
		return mgr.RegisteredPC()
	}
	return mgr.RegisteredDevice()
}
