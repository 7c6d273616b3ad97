// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package fixture

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/checksum"
	"github.com/veriflux/meterbench/pkg/proto"
)

// Power switch values in a control frame.
const (
	PowerOff  = 0x00
	PowerOn   = 0x01
	PowerKeep = 0xFF // leave the rail as it is
)

// Power-consumption sampling modes.
const (
	SampleStop     = 0
	SampleNormal   = 1
	SampleLowPower = 2
)

// hallPulseMaxS caps electromagnet on-time; longer drives overheat the
// coil.
const hallPulseMaxS = 15

// SampleTask configures one periodic measurement stream.
type SampleTask struct {
	Mode           uint8
	IntervalMs     uint16
	AvgCount       uint8
	PrintIntervalS uint8
	PrintCount     uint8
}

// SignalPulse configures one timed output signal.
type SignalPulse struct {
	Enabled   bool
	DurationS uint8
}

// Control is the decoded fixture-control frame: direct command of the
// bench hardware while an operator drives it from the line PC.
type Control struct {
	// Enter is true while the PC holds the fixture in control mode.
	Enter bool

	MainPower uint8
	AuxPower  uint8

	PowerTest SampleTask // supply-current measurement
	ValveVolt SampleTask // valve drive voltage
	RailVolt  SampleTask // all monitored rails

	Pos1 SignalPulse // valve in-place signal 1
	Pos2 SignalPulse // valve in-place signal 2

	Hall1 SignalPulse
	Hall2 SignalPulse
	Hall3 SignalPulse
}

func decodeSampleTask(b []byte) SampleTask {
	return SampleTask{
		Mode:           b[0],
		IntervalMs:     binary.LittleEndian.Uint16(b[1:]),
		AvgCount:       b[3],
		PrintIntervalS: b[4],
		PrintCount:     b[5],
	}
}

func decodeSignalPulse(b []byte, maxDurS uint8) SignalPulse {
	dur := b[1]
	if dur > maxDurS {
		dur = maxDurS
	}
	return SignalPulse{Enabled: b[0] != 0, DurationS: dur}
}

func decodeControl(frame []byte) Control {
	return Control{
		Enter:     frame[4] != 0,
		MainPower: frame[5],
		AuxPower:  frame[6],
		PowerTest: decodeSampleTask(frame[7:13]),
		ValveVolt: decodeSampleTask(frame[13:19]),
		RailVolt:  decodeSampleTask(frame[19:25]),
		Pos1:      decodeSignalPulse(frame[25:27], 0xFF),
		Pos2:      decodeSignalPulse(frame[27:29], 0xFF),
		Hall1:     decodeSignalPulse(frame[29:31], hallPulseMaxS),
		Hall2:     decodeSignalPulse(frame[31:33], hallPulseMaxS),
		Hall3:     decodeSignalPulse(frame[33:35], hallPulseMaxS),
	}
}

func appendSampleTask(buf []byte, t SampleTask) []byte {
	buf = append(buf, t.Mode)
	buf = binary.LittleEndian.AppendUint16(buf, t.IntervalMs)
	return append(buf, t.AvgCount, t.PrintIntervalS, t.PrintCount)
}

func appendSignalPulse(buf []byte, s SignalPulse) []byte {
	return append(buf, boolByte(s.Enabled), s.DurationS)
}

func (p *Protocol) handleFTControl(frame []byte) {
	if len(frame) < ftControlLen || !p.accept(frame) {
		return
	}

	ctrl := decodeControl(frame)
	p.log.Info("fixture control",
		zap.Bool("enter", ctrl.Enter),
		zap.Uint8("main_power", ctrl.MainPower),
		zap.Uint8("aux_power", ctrl.AuxPower),
		zap.Uint8("power_test", ctrl.PowerTest.Mode),
		zap.Bool("valve_volt", ctrl.ValveVolt.Mode != 0),
		zap.Bool("rail_volt", ctrl.RailVolt.Mode != 0))

	if err := p.sendControlAck(ctrl); err != nil {
		p.log.Error("control ack", zap.Error(err))
	}

	if p.hooks.OnControl != nil {
		p.hooks.OnControl(ctrl)
	}
	if p.eventCb != nil {
		p.eventCb(proto.EventReceived, CmdFTControl, frame)
	}
}

// sendControlAck echoes the accepted parameters. Unlike the query
// responses this goes out even in debug mode, since control frames are
// the debug tool itself.
func (p *Protocol) sendControlAck(ctrl Control) error {
	buf := []byte{proto.FTFrameHead, CmdFTControlAck, ftControlLen, p.station()}
	buf = append(buf, boolByte(ctrl.Enter), ctrl.MainPower, ctrl.AuxPower)
	buf = appendSampleTask(buf, ctrl.PowerTest)
	buf = appendSampleTask(buf, ctrl.ValveVolt)
	buf = appendSampleTask(buf, ctrl.RailVolt)
	buf = appendSignalPulse(buf, ctrl.Pos1)
	buf = appendSignalPulse(buf, ctrl.Pos2)
	buf = appendSignalPulse(buf, ctrl.Hall1)
	buf = appendSignalPulse(buf, ctrl.Hall2)
	buf = appendSignalPulse(buf, ctrl.Hall3)
	buf = append(buf, checksum.Sum8(buf), proto.FTFrameTail)

	if p.send == nil {
		return fmt.Errorf("fixture: no send function installed")
	}
	if err := p.send(buf); err != nil {
		return fmt.Errorf("fixture: send control ack: %w", err)
	}
	if p.eventCb != nil {
		p.eventCb(proto.EventSent, CmdFTControlAck, buf)
	}
	return nil
}
