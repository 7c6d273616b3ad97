// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

// Package gasmeter implements the device-side protocol of the
// diaphragm gas meter main control board. Frames use a double 0x68
// head with a six byte meter number between the heads, a little
// endian data field length, and an additive sum8 checksum:
//
//	68 id[6] 68 ctrl len:u16le time[6] devtype mark:u16le seq payload sum8 16
//
// The control code's high bit marks a response, bit 6 an abnormal
// reply. Responses are decoded into typed events; commands are built
// from the fixture's meter number and RTC time.
package gasmeter

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/checksum"
	"github.com/veriflux/meterbench/pkg/proto"
)

// Control codes. Commands go down with the plain code; the board
// answers with the response bit set.
const (
	ctrlRead    = 0x01
	ctrlWrite   = 0x04
	ctrlInstall = 0x05

	respBit     = 0x80
	abnormalBit = 0x40
)

// Data marks.
const (
	MarkSelfCheck     = 0x1000 // self-check complete
	MarkBoardInfo     = 0x1001 // connect / power-on info
	MarkOutputIO      = 0x1002 // set output IO state, IO status check
	MarkCloseIR       = 0x1005 // close the IR head
	MarkConfigIO      = 0x1007 // low-power IO configuration
	MarkCheckStatus   = 0x1008 // voltage, star MAC, key state
	MarkNetworkParams = 0xC525 // IMEI/IMSI/ICCID and signal block
	MarkTimeSet       = 0xC621 // RTC time write
)

// Output IO functions for MarkOutputIO control entries.
const (
	IOFuncValve      = 0x01
	IOFuncBuzzer     = 0x02
	IOFuncICSDA      = 0x03
	IOFuncICSCL      = 0x04
	IOFuncICRST      = 0x05
	IOFuncICPOW      = 0x06
	IOFuncPhotoSig   = 0x07
	IOFuncPhotoPower = 0x08
	IOFuncValve2     = 0x09
)

// Valve states for IOFuncValve entries. Other functions take a plain
// level, 0 low or 1 high.
const (
	ValveOpen  = 0x00
	ValveClose = 0x01
	ValveStop  = 0x02
)

const (
	// headerLen covers head, meter number, second head, control code
	// and the data field length. A buffer shorter than this cannot
	// even be length checked.
	headerLen = 11

	// Data field bounds. The minimum covers the time, device type,
	// data mark and sequence fields that every frame carries.
	minDataFieldLen = 10
	maxDataFieldLen = 200

	// Offsets inside a frame.
	offHead2    = 7
	offCtrl     = 8
	offLen      = 9
	offDataMark = 18
	offPayload  = 21

	deviceType = 0x08
)

var errNoSendFunc = errors.New("gasmeter: send function not set")

// IOControl is one function/state pair for SendOutputIO.
type IOControl struct {
	Function uint8
	State    uint8
}

// Protocol implements proto.Protocol for the diaphragm gas meter. Not
// safe for concurrent use; the fixture drives each link from a single
// goroutine.
type Protocol struct {
	send    proto.SendFunc
	eventCb proto.EventCallback
	meterCb MeterEventCallback
	log     *zap.Logger

	meterNumber [6]byte
	rtcTime     [6]byte // BCD, yy mm dd hh mm ss

	// highLow remembers the drive level of the last IO status check
	// so the 0x1002 response can be judged against it.
	highLow uint8
}

// New returns a gas meter protocol. logger may be nil.
func New(logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		log: logger.Named("gasmeter"),
		// Boards fresh off the line all answer to this number.
		meterNumber: [6]byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00},
	}
}

func (p *Protocol) Name() string { return "gasmeter" }

func (p *Protocol) Init() error {
	p.highLow = 0
	return nil
}

// SetMeterNumber sets the six byte meter number used in command
// frames.
func (p *Protocol) SetMeterNumber(n [6]byte) { p.meterNumber = n }

// SetRTCTime sets the BCD time stamped into command frames.
func (p *Protocol) SetRTCTime(t [6]byte) { p.rtcTime = t }

func (p *Protocol) SetSendFunc(fn proto.SendFunc)           { p.send = fn }
func (p *Protocol) SetEventCallback(cb proto.EventCallback) { p.eventCb = cb }

// SetMeterEventCallback installs the decoded-event observer.
func (p *Protocol) SetMeterEventCallback(cb MeterEventCallback) { p.meterCb = cb }

// OnResponse is unused on this side of the link; responses arrive
// through Parse.
func (p *Protocol) OnResponse(code uint16, data []byte) {
	p.log.Debug("unexpected response push", zap.Uint16("code", code), zap.Int("len", len(data)))
}

// Parse scans data for meter response frames. On any validation
// failure it advances one byte and rescans, so a frame following
// line noise is still found. A frame whose tail lies past the end of
// the buffer yields Incomplete without consuming anything.
func (p *Protocol) Parse(data []byte) proto.Result {
	pos := 0
	handled := false

	for pos+headerLen <= len(data) {
		if data[pos] != proto.FrameHead68 || data[pos+offHead2] != proto.FrameHead68 {
			pos++
			continue
		}

		dataFieldLen := int(binary.LittleEndian.Uint16(data[pos+offLen:]))
		if dataFieldLen < minDataFieldLen || dataFieldLen > maxDataFieldLen {
			pos++
			continue
		}

		frameLen := headerLen + dataFieldLen + 2
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

		ctrl := frame[offCtrl]
		mark := binary.LittleEndian.Uint16(frame[offDataMark:])

		if ctrl&respBit == 0 {
			// A command frame, likely our own echo.
			pos++
			continue
		}

		if ctrl&abnormalBit != 0 {
			p.log.Warn("abnormal reply", zap.Uint8("ctrl", ctrl), zap.Uint16("mark", mark))
			p.emitEvent(Event{Type: EventAbnormalReply, DataMark: mark})
			if p.eventCb != nil {
				p.eventCb(proto.EventError, mark, frame[offPayload:frameLen-2])
			}
			pos += frameLen
			continue
		}

		payload := frame[offPayload : frameLen-2]
		switch ctrl {
		case ctrlRead | respBit:
			p.handleReadResponse(mark, payload)
			handled = true
		case ctrlWrite | respBit:
			p.handleWriteResponse(mark, payload)
			handled = true
		case ctrlInstall | respBit:
			p.handleInstallResponse(mark, payload)
			handled = true
		default:
			p.log.Debug("unknown response control code", zap.Uint8("ctrl", ctrl))
		}

		pos += frameLen
	}

	if handled {
		return proto.OK
	}
	return proto.UnknownCmd
}

func (p *Protocol) handleReadResponse(mark uint16, payload []byte) {
	switch mark {
	case MarkNetworkParams:
		if len(payload) < 107 {
			p.log.Warn("short network params payload", zap.Int("len", len(payload)))
			return
		}
		np := &NetworkParams{
			IMEI:           string(payload[0:15]),
			IMSI:           string(payload[15:30]),
			ICCID:          string(payload[30:50]),
			CSQ:            payload[50],
			RSRP:           int16(binary.LittleEndian.Uint16(payload[51:])),
			SNR:            int16(binary.LittleEndian.Uint16(payload[53:])),
			ECL:            payload[55],
			CellID:         binary.LittleEndian.Uint32(payload[56:]),
			ICCID2:         string(payload[60:80]),
			IMSI2:          string(payload[80:95]),
			CSQ2:           payload[95],
			PressureStatus: payload[102],
			PressureValue:  binary.LittleEndian.Uint32(payload[103:]),
		}
		copy(np.BuildTime[:], payload[96:102])
		p.log.Info("network params",
			zap.String("imei", np.IMEI),
			zap.Uint8("csq", np.CSQ),
			zap.Int16("rsrp", np.RSRP))
		p.emitEvent(Event{Type: EventNetworkParams, DataMark: mark, NetworkParams: np})

	case MarkCheckStatus:
		if len(payload) < 17 {
			p.log.Warn("short check status payload", zap.Int("len", len(payload)))
			return
		}
		cs := &CheckStatus{
			// Alone among the meter's fields, the voltage is big
			// endian on the wire.
			Voltage:   binary.BigEndian.Uint16(payload[0:]),
			StarMAC:   string(payload[2:14]),
			Connected: payload[14],
			Signal:    int8(payload[15]),
			KeyStatus: payload[16],
		}
		p.emitEvent(Event{Type: EventCheckStatus, DataMark: mark, CheckStatus: cs})

	default:
		p.log.Debug("unhandled read response", zap.Uint16("mark", mark))
	}
}

func (p *Protocol) handleWriteResponse(mark uint16, payload []byte) {
	switch mark {
	case MarkSelfCheck:
		sc := &SelfCheck{}
		if len(payload) > 0 {
			sc.SignalStrength = payload[0]
		}
		p.emitEvent(Event{Type: EventSelfCheckComplete, DataMark: mark, SelfCheck: sc})

	case MarkBoardInfo:
		if len(payload) < 26 {
			p.log.Warn("short board info payload", zap.Int("len", len(payload)))
			return
		}
		bi := &BoardInfo{
			MeterType:     payload[0],
			HasAddon:      payload[1],
			Voltage:       payload[2],
			ModuleStatus:  payload[3],
			Signal:        payload[4],
			ConnectStatus: payload[5],
			SIMOK:         payload[6],
			StorageICOK:   payload[7],
			MeasureOK:     payload[8],
			SWVer1:        payload[9],
			SWVer2:        payload[10],
			RTCOK:         payload[11],
			TempPressOK:   payload[12],
			// Bytes 13..22 are reserved.
			CoverOpen:   payload[23],
			TiltOK:      payload[24],
			BluetoothOK: payload[25],
		}
		p.log.Info("power-on info",
			zap.Uint8("meter_type", bi.MeterType),
			zap.Uint8("signal", bi.Signal),
			zap.String("sw", fmt.Sprintf("V%d.%d", bi.SWVer1, bi.SWVer2)))
		p.emitEvent(Event{Type: EventPowerOnInfo, DataMark: mark, BoardInfo: bi})

	case MarkTimeSet:
		p.emitEvent(Event{Type: EventTimeSet, DataMark: mark})

	case MarkOutputIO:
		if len(payload) < 7 {
			p.log.Warn("short io status payload", zap.Int("len", len(payload)))
			return
		}
		io := &IOStatus{
			HighLow:  p.highLow,
			OpenPos:  payload[0],
			ClosePos: payload[1],
			Hall1:    payload[2],
			Hall2:    payload[3],
			ICXB:     payload[4],
			IO119:    payload[5],
			ICErr:    payload[6],
		}
		if p.highLow == 1 {
			io.HallOK = io.Hall1 == 0 && io.Hall2 == 1
		} else {
			io.HallOK = io.Hall1 == 1 && io.Hall2 == 0
		}
		io.ICOK = io.ICXB == p.highLow && io.ICErr == p.highLow
		p.emitEvent(Event{Type: EventIOStatus, DataMark: mark, IOStatus: io})

	case MarkCloseIR:
		p.emitEvent(Event{Type: EventIRClosed, DataMark: mark})

	case MarkConfigIO:
		p.emitEvent(Event{Type: EventIOConfigured, DataMark: mark})

	default:
		p.log.Debug("unhandled write response", zap.Uint16("mark", mark))
	}
}

func (p *Protocol) handleInstallResponse(mark uint16, payload []byte) {
	switch mark {
	case MarkSelfCheck:
		sc := &SelfCheck{}
		if len(payload) > 0 {
			sc.SignalStrength = payload[0]
		}
		p.emitEvent(Event{Type: EventSelfCheckComplete, DataMark: mark, SelfCheck: sc})
	default:
		p.log.Debug("unhandled install response", zap.Uint16("mark", mark))
	}
}

func (p *Protocol) emitEvent(ev Event) {
	if p.meterCb != nil {
		p.meterCb(ev)
	}
	if p.eventCb != nil {
		p.eventCb(proto.EventReceived, ev.DataMark, nil)
	}
}

// SendCmd routes the generic command entry point. param is command
// specific: a single level byte for MarkOutputIO, ignored elsewhere.
// Unknown marks are sent as plain reads.
func (p *Protocol) SendCmd(cmd uint16, param any) error {
	switch cmd {
	case MarkBoardInfo:
		return p.SendConnect()
	case MarkOutputIO:
		level, _ := param.(uint8)
		return p.SendIOStatusCheck(level)
	case MarkCloseIR:
		return p.SendCloseIR()
	case MarkNetworkParams, MarkCheckStatus:
		return p.sendRead(cmd)
	default:
		return p.sendRead(cmd)
	}
}

// SendConnect asks the board to report its power-on info block. A
// single 0x01 byte marks the frame as a connect request.
func (p *Protocol) SendConnect() error {
	return p.sendWrite(MarkBoardInfo, []byte{0x01})
}

// SendIOStatusCheck commands the board to drive its inputs to level
// and report what it reads back. level is remembered so the response
// can be judged.
func (p *Protocol) SendIOStatusCheck(level uint8) error {
	p.highLow = level
	return p.sendWrite(MarkOutputIO, []byte{level})
}

// SendOutputIO sets one or more output functions in a single frame.
func (p *Protocol) SendOutputIO(controls ...IOControl) error {
	if len(controls) == 0 || len(controls) > 10 {
		return fmt.Errorf("gasmeter: %d io controls, want 1..10", len(controls))
	}
	data := make([]byte, 0, 1+2*len(controls))
	data = append(data, byte(len(controls)))
	for _, c := range controls {
		data = append(data, c.Function, c.State)
	}
	return p.sendWrite(MarkOutputIO, data)
}

// SendValveControl drives the valve interface. state is ValveOpen,
// ValveClose or ValveStop.
func (p *Protocol) SendValveControl(state uint8) error {
	return p.SendOutputIO(IOControl{Function: IOFuncValve, State: state})
}

// SendCloseIR turns the board's IR head off so it stops answering the
// coupling head after the test.
func (p *Protocol) SendCloseIR() error {
	return p.sendWrite(MarkCloseIR, []byte{0x00})
}

// SendEnterLowPower configures the IO block for low power mode. Only
// the flow-computer variant of the board honors this.
func (p *Protocol) SendEnterLowPower() error {
	// battery alarm: leave, valve: leave, low power: enter, reset: no
	return p.sendWrite(MarkConfigIO, []byte{0x02, 0x02, 0x01, 0x00})
}

// SendReadNetworkParams requests the IMEI/IMSI/ICCID block.
func (p *Protocol) SendReadNetworkParams() error {
	return p.sendRead(MarkNetworkParams)
}

// SendReadCheckStatus requests the voltage / star MAC / key block.
func (p *Protocol) SendReadCheckStatus() error {
	return p.sendRead(MarkCheckStatus)
}

// SendSetTime writes the fixture's RTC time to the board.
func (p *Protocol) SendSetTime() error {
	return p.sendWrite(MarkTimeSet, p.rtcTime[:])
}

func (p *Protocol) sendRead(mark uint16) error {
	return p.transmit(ctrlRead, mark, nil)
}

func (p *Protocol) sendWrite(mark uint16, data []byte) error {
	return p.transmit(ctrlWrite, mark, data)
}

func (p *Protocol) transmit(ctrl byte, mark uint16, data []byte) error {
	if p.send == nil {
		return errNoSendFunc
	}
	frame := p.buildFrame(ctrl, mark, data)
	p.log.Debug("tx", zap.Uint8("ctrl", ctrl), zap.Uint16("mark", mark), zap.Int("len", len(frame)))
	if err := p.send(frame); err != nil {
		return fmt.Errorf("gasmeter: send 0x%04X: %w", mark, err)
	}
	if p.eventCb != nil {
		p.eventCb(proto.EventSent, mark, frame)
	}
	return nil
}

// buildFrame assembles a command frame. The data field length counts
// everything after the length field itself up to the checksum.
func (p *Protocol) buildFrame(ctrl byte, mark uint16, data []byte) []byte {
	frame := make([]byte, 0, headerLen+minDataFieldLen+len(data)+2)
	frame = append(frame, proto.FrameHead68)
	frame = append(frame, p.meterNumber[:]...)
	frame = append(frame, proto.FrameHead68, ctrl)
	frame = append(frame, 0, 0) // length, backfilled
	frame = append(frame, p.rtcTime[:]...)
	frame = append(frame, deviceType)
	frame = binary.LittleEndian.AppendUint16(frame, mark)
	frame = append(frame, 0) // sequence
	frame = append(frame, data...)
	binary.LittleEndian.PutUint16(frame[offLen:], uint16(len(frame)-headerLen))
	frame = append(frame, checksum.Sum8(frame))
	frame = append(frame, proto.FrameTail16)
	return frame
}
