// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package mes

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/checksum"
	"github.com/veriflux/meterbench/pkg/proto"
)

// Data marks of the gas meter MES dialect.
const (
	GasMarkTime        = 0xC621
	GasMarkStartTest   = 0xFC03
	GasMarkQueryResult = 0xFC04
)

// Control codes. Responses carry the code with bit 7 set.
const (
	gasCtrlRead    = 0x01
	gasCtrlWrite   = 0x04
	gasCtrlInstall = 0x05
	gasRespBit     = 0x80

	gasDeviceType = 0x08
	gasHeaderLen  = 11
	gasMinFrame   = 23
	gasOffCtrl    = 8
	gasOffLen     = 9
	gasOffTime    = 11
	gasOffMark    = 18
	gasOffPayload = 21
)

var errGasNoSendFunc = errors.New("mes: gas send function not set")

// GasResult is the packed check-result record reported to the gas
// meter line. Field order matches the wire layout.
type GasResult struct {
	MeterType uint8
	Accessory uint8 // accessory presence bits from the 0x1001 block

	MainVoltage     uint8 // units of 0.1 V
	StaticCurrentUA uint8
	CSQ             uint8
	RTCVolt         uint8 // backup rail, units of 0.1 V

	FirmwareVersion uint16

	// IOStatus1 bits, LSB first: module, connect, SIM, EEPROM,
	// metering, valve, 119, IC card.
	IOStatus1 uint8
	// IOStatus2 bits, LSB first: RTC, IR, temp/pressure, cover,
	// tilt, bluetooth.
	IOStatus2 uint8

	IMEI  string // 15 chars
	IMSI  string // 15 chars
	ICCID string // 20 chars

	BuildTime [6]byte
	StarMAC   string // 12 chars
	ESAMID    [8]byte
	Pressure  [4]byte // board pressure sensor reading
}

// SetIOBit sets or clears one bit of the chosen IO status register.
// reg is 1 or 2.
func (r *GasResult) SetIOBit(reg, bit uint8, v bool) {
	if bit > 7 {
		return
	}
	p := &r.IOStatus1
	if reg == 2 {
		p = &r.IOStatus2
	}
	if v {
		*p |= 1 << bit
	} else {
		*p &^= 1 << bit
	}
}

// GasHooks connects the protocol to the fixture, like WaterHooks.
type GasHooks struct {
	StationID func() uint8
	Debug     func() bool

	// OnStart runs when a matching start-test command validates.
	OnStart func(station uint8, meterNo [6]byte)

	// Result returns the current result and whether the test has
	// finished; queries before that are ignored.
	Result func() (*GasResult, bool)

	// OnConfig handles the private 0xAE extension carried inside a
	// double-68 frame.
	OnConfig func(debug, passThrough bool)
}

// GasProtocol implements proto.Protocol for the gas meter MES line.
// The line speaks the meter's own double-68 framing, so the fixture
// looks like a meter to the line controller. Not safe for concurrent
// use.
type GasProtocol struct {
	hooks   GasHooks
	send    proto.SendFunc
	eventCb proto.EventCallback
	log     *zap.Logger

	// meterNo and rtcTime are taken from the last matching command
	// and echoed in responses.
	meterNo [6]byte
	rtcTime [6]byte
}

// NewGas returns a gas line MES protocol. logger may be nil.
func NewGas(logger *zap.Logger, hooks GasHooks) *GasProtocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GasProtocol{hooks: hooks, log: logger.Named("mes.gas")}
}

func (p *GasProtocol) Name() string { return "mes-gas" }

func (p *GasProtocol) Init() error {
	p.meterNo = [6]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	p.rtcTime = [6]byte{0x25, 0x01, 0x20, 0x10, 0x30, 0x00}
	return nil
}

func (p *GasProtocol) SetSendFunc(fn proto.SendFunc)           { p.send = fn }
func (p *GasProtocol) SetEventCallback(cb proto.EventCallback) { p.eventCb = cb }

func (p *GasProtocol) OnResponse(code uint16, data []byte) {
	p.log.Debug("response push", zap.Uint16("code", code))
}

// Parse scans data for double-68 MES command frames. Station checks
// happen after validation: a valid frame for another station is
// consumed silently so the next frame in the buffer still parses.
func (p *GasProtocol) Parse(data []byte) proto.Result {
	pos := 0
	handled := false

	for pos+gasMinFrame <= len(data) {
		if data[pos] != proto.FrameHead68 || data[pos+7] != proto.FrameHead68 {
			pos++
			continue
		}

		dataFieldLen := int(binary.LittleEndian.Uint16(data[pos+gasOffLen:]))
		frameLen := gasHeaderLen + dataFieldLen + 2
		if frameLen < gasMinFrame || frameLen > 256 {
			pos++
			continue
		}
		if pos+frameLen > len(data) {
			return proto.Incomplete
		}

		frame := data[pos : pos+frameLen]
		if frame[frameLen-1] != proto.FrameTail16 {
			pos++
			continue
		}
		if frame[frameLen-2] != checksum.Sum8(frame[:frameLen-2]) {
			p.log.Debug("checksum mismatch", zap.Int("pos", pos))
			pos++
			continue
		}

		ctrl := frame[gasOffCtrl]
		mark := binary.LittleEndian.Uint16(frame[gasOffMark:])
		payload := frame[gasOffPayload : frameLen-2]

		local := station(p.hooks.StationID)
		if len(payload) == 0 || payload[0] != local {
			pos += frameLen
			continue
		}

		copy(p.meterNo[:], frame[1:7])
		copy(p.rtcTime[:], frame[gasOffTime:gasOffTime+6])

		switch {
		case ctrl == gasCtrlInstall && mark == GasMarkStartTest:
			p.handleStartTest(payload)
			handled = true
		case ctrl == gasCtrlRead && mark == GasMarkQueryResult:
			p.handleQueryResult()
			handled = true
		case ctrl == gasCtrlWrite && mark == GasMarkTime:
			// Time already captured from the header.
			handled = true
		case ctrl == CmdSetConfig:
			p.handleSetConfig(payload)
			handled = true
		default:
			p.log.Debug("unhandled command",
				zap.Uint8("ctrl", ctrl), zap.Uint16("mark", mark))
		}

		pos += frameLen
	}

	if handled {
		return proto.OK
	}
	return proto.UnknownCmd
}

func (p *GasProtocol) handleStartTest(payload []byte) {
	stationID := payload[0]
	p.log.Info("start test", zap.Uint8("station", stationID))

	if p.hooks.OnStart != nil {
		p.hooks.OnStart(stationID, p.meterNo)
	}
	if p.eventCb != nil {
		p.eventCb(proto.EventReceived, GasMarkStartTest, payload)
	}

	if err := p.sendStartAck(); err != nil {
		p.log.Error("start test ack", zap.Error(err))
	}
}

func (p *GasProtocol) handleQueryResult() {
	if p.hooks.Result == nil {
		return
	}
	result, done := p.hooks.Result()
	if !done || result == nil {
		p.log.Debug("test not finished, result withheld")
		return
	}
	if err := p.sendResult(result); err != nil {
		p.log.Error("send result", zap.Error(err))
	}
}

func (p *GasProtocol) handleSetConfig(payload []byte) {
	if len(payload) < 3 {
		p.log.Error("config payload too short", zap.Int("len", len(payload)))
		return
	}
	debug := payload[1] != 0
	passThrough := payload[2] != 0
	p.log.Info("config", zap.Bool("debug", debug), zap.Bool("pass_through", passThrough))

	if p.hooks.OnConfig != nil {
		p.hooks.OnConfig(debug, passThrough)
	}

	data := []byte{station(p.hooks.StationID), payload[1], payload[2]}
	frame := p.buildResponse(CmdSetConfig&^gasRespBit, 0x0000, data)
	if err := p.transmit(CmdSetConfig, frame); err != nil {
		p.log.Error("config ack", zap.Error(err))
	}
}

// SendCmd supports the response commands; the line initiates
// everything else.
func (p *GasProtocol) SendCmd(cmd uint16, param any) error {
	switch cmd {
	case CmdStartTestAck:
		return p.sendStartAck()
	case CmdResultResponse:
		result, ok := param.(*GasResult)
		if !ok {
			return fmt.Errorf("mes: result response wants *GasResult, got %T", param)
		}
		return p.sendResult(result)
	default:
		return fmt.Errorf("mes: unsupported gas command 0x%04X", cmd)
	}
}

func (p *GasProtocol) sendStartAck() error {
	data := make([]byte, 0, 8)
	data = append(data, station(p.hooks.StationID))
	data = append(data, p.meterNo[:]...)
	data = append(data, 0)
	frame := p.buildResponse(gasCtrlInstall, GasMarkStartTest, data)
	return p.transmit(GasMarkStartTest, frame)
}

func (p *GasProtocol) sendResult(r *GasResult) error {
	data := make([]byte, 0, 96)
	data = append(data, station(p.hooks.StationID))
	data = append(data, r.MeterType, r.Accessory)
	data = append(data, r.MainVoltage, r.StaticCurrentUA, r.CSQ, r.RTCVolt)
	data = binary.LittleEndian.AppendUint16(data, r.FirmwareVersion)
	data = append(data, 0xFF) // reserved
	data = append(data, r.IOStatus1, r.IOStatus2)
	data = appendFixed(data, r.IMEI, 15)
	data = appendFixed(data, r.IMSI, 15)
	data = appendFixed(data, r.ICCID, 20)
	data = append(data, 0x00) // module backup power status
	data = append(data, r.BuildTime[:]...)
	data = appendFixed(data, r.StarMAC, 12)
	data = append(data, r.ESAMID[:]...)
	data = append(data, r.Pressure[:]...)

	frame := p.buildResponse(gasCtrlRead, GasMarkQueryResult, data)
	return p.transmit(GasMarkQueryResult, frame)
}

func (p *GasProtocol) buildResponse(ctrl byte, mark uint16, data []byte) []byte {
	frame := make([]byte, 0, gasHeaderLen+10+len(data)+2)
	frame = append(frame, proto.FrameHead68)
	frame = append(frame, p.meterNo[:]...)
	frame = append(frame, proto.FrameHead68, ctrl|gasRespBit)
	frame = append(frame, 0, 0) // length, backfilled
	frame = append(frame, p.rtcTime[:]...)
	frame = append(frame, gasDeviceType)
	frame = binary.LittleEndian.AppendUint16(frame, mark)
	frame = append(frame, 0) // sequence
	frame = append(frame, data...)
	binary.LittleEndian.PutUint16(frame[gasOffLen:], uint16(len(frame)-gasHeaderLen))
	frame = append(frame, checksum.Sum8(frame))
	frame = append(frame, proto.FrameTail16)
	return frame
}

func (p *GasProtocol) transmit(cmd uint16, frame []byte) error {
	if debugging(p.hooks.Debug) {
		p.log.Info("debug mode, tx suppressed", zap.Uint16("cmd", cmd), zap.Int("len", len(frame)))
		return nil
	}
	if p.send == nil {
		return errGasNoSendFunc
	}
	if err := p.send(frame); err != nil {
		return fmt.Errorf("mes: send 0x%04X: %w", cmd, err)
	}
	if p.eventCb != nil {
		p.eventCb(proto.EventSent, cmd, frame)
	}
	return nil
}
