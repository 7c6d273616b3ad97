// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package cmd

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/mes"
	"github.com/veriflux/meterbench/pkg/timectl"
	"github.com/veriflux/meterbench/pkg/valvetest"
	"github.com/veriflux/meterbench/pkg/watermeter"
)

// simValve stands in for the analog measurement channels of the bench
// hardware. The drive voltages follow the valve commands the way a
// healthy motor would: drive starts with the command and stops when
// the matching in-place signal asserts. On a bench with real
// measurement hardware this is the piece to replace.
type simValve struct {
	state int
}

const (
	simRest = iota // pre-test bias on line A
	simOpening
	simClosing
	simStopped
)

func (s *simValve) voltages() (uint32, uint32) {
	switch s.state {
	case simRest:
		return 1500, 0
	case simOpening:
		return 3300, 0
	case simClosing:
		return 0, 3300
	default:
		return 0, 0
	}
}

func (s *simValve) reset() { s.state = simRest }
func (s *simValve) open()  { s.state = simOpening }
func (s *simValve) close() { s.state = simClosing }
func (s *simValve) stop()  { s.state = simStopped }

// benchHAL binds the valve test state machine to the bench: protocol
// sends go out over the device link through the water meter protocol,
// timing rides the shared time manager, and the analog side comes
// from simValve.
type benchHAL struct {
	log *zap.Logger
	tm  *timectl.Manager
	wm  *watermeter.Protocol
	sim simValve

	meterType valvetest.MeterType
	ultra     mes.UltrasonicParams
	mech      mes.MechanicalParams

	posOpenOut  uint8
	posCloseOut uint8
}

func newBenchHAL(log *zap.Logger, tm *timectl.Manager, wm *watermeter.Protocol) *benchHAL {
	h := &benchHAL{log: log, tm: tm, wm: wm}
	h.sim.reset()
	return h
}

// applyStart latches the meter parameters from a start-test command.
func (h *benchHAL) applyStart(p mes.WaterStartParams) {
	if p.MeterType == 0 {
		h.meterType = valvetest.MeterMechanical
	} else {
		h.meterType = valvetest.MeterUltrasonic
	}
	h.ultra = p.Ultrasonic
	h.mech = p.Mechanical
	h.sim.reset()
}

func (h *benchHAL) ReadVoltageA() uint32 {
	a, _ := h.sim.voltages()
	return a
}

func (h *benchHAL) ReadVoltageB() uint32 {
	_, b := h.sim.voltages()
	return b
}

func (h *benchHAL) ReadPosOpen() uint8  { return h.posOpenOut }
func (h *benchHAL) ReadPosClose() uint8 { return h.posCloseOut }

func (h *benchHAL) SendConfig() {
	var data []byte
	mechanical := h.meterType == valvetest.MeterMechanical
	if mechanical {
		data = make([]byte, 6)
		binary.LittleEndian.PutUint16(data[0:], h.mech.PipeDN)
		data[2] = h.mech.ValveType
		data[3] = h.mech.TimeoutSec
		binary.LittleEndian.PutUint16(data[4:], h.mech.StallCurrentMA)
	} else {
		data = make([]byte, 6)
		data[0] = h.ultra.MeterGen
		data[1] = h.ultra.Transducer
		binary.LittleEndian.PutUint16(data[2:], h.ultra.PipeDN)
		data[4] = h.ultra.ValveType
		data[5] = h.ultra.ModuleType
	}
	if err := h.wm.SendConfig(mechanical, data); err != nil {
		h.log.Warn("config send failed", zap.Error(err))
	}
}

func (h *benchHAL) SendOpenValve() {
	if err := h.wm.SendValveControl(watermeter.ValveOpen); err != nil {
		h.log.Warn("open valve send failed", zap.Error(err))
		return
	}
	h.sim.open()
}

func (h *benchHAL) SendCloseValve() {
	if err := h.wm.SendValveControl(watermeter.ValveClose); err != nil {
		h.log.Warn("close valve send failed", zap.Error(err))
		return
	}
	h.sim.close()
}

func (h *benchHAL) SendReadStatus() {
	if err := h.wm.SendQueryStatus(); err != nil {
		h.log.Warn("status query send failed", zap.Error(err))
	}
}

func (h *benchHAL) OutputPositionSignals(open, close uint8) {
	h.posOpenOut = open
	h.posCloseOut = close
	if open == 1 || close == 1 {
		h.sim.stop()
	}
}

func (h *benchHAL) RestoreSignalInputs() {
	h.posOpenOut = 0
	h.posCloseOut = 0
	h.sim.stop()
}

func (h *benchHAL) SetSoftDelay(ms uint32) { h.tm.SetDelay(ms) }
func (h *benchHAL) SoftDelayDone() bool { return h.tm.DelayComplete() }

func (h *benchHAL) MeterType() valvetest.MeterType { return h.meterType }

func (h *benchHAL) ExpectedConfigCode() uint16 {
	if h.meterType == valvetest.MeterMechanical {
		return valvetest.CodeConfigMechanical
	}
	return valvetest.CodeConfigUltrasonic
}
