// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

// Package watermeter implements the device-side protocol of the water
// meter main control board. Frames use a single 0x68 head and a CRC16
// trailer:
//
//	68 addr[6] type ver ctrl len:u16le di:u16le payload crc16:u16le 16
//
// len counts the whole frame. The CRC is CCITT over everything before
// it. Unlike the gas meter link, commands and responses share the
// same control codes.
//
// The meter sleeps between polls, so every transmit is preceded by a
// long 0xAA wake-up burst and a short 0xFE sync trailer; the manager
// applies it through the PreambleProvider interface.
package watermeter

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/checksum"
	"github.com/veriflux/meterbench/pkg/proto"
)

// Control codes, shared by commands and responses.
const (
	CtrlRead   = 0x81
	CtrlWrite  = 0x82
	CtrlCtrl   = 0x83
	CtrlReport = 0x84
)

// Command codes (the DI field).
const (
	CmdMeterNumber      = 0x2031
	CmdVersion          = 0x2011
	CmdConfigUltrasonic = 0x2036
	CmdConfigMechanical = 0x2604
	CmdAccumulatedFlow  = 0x9010
	CmdValveControl     = 0xC022
	CmdStartReport      = 0xC030
	CmdReportResult     = 0xF001
	CmdStatus           = 0xF003 // comprehensive test-mode query
)

// Valve states for SendValveControl.
const (
	ValveOpen  = 0x00
	ValveClose = 0x01
	ValveStop  = 0x02
)

const (
	protocolVersion = 0x0A

	// minFrameLen is head + addr + type + ver + ctrl + len + di +
	// crc + tail with an empty payload.
	minFrameLen = 17
	maxFrameLen = 256

	offType    = 7
	offVer     = 8
	offCtrl    = 9
	offLen     = 10
	offCmd     = 12
	offPayload = 14
)

var errNoSendFunc = errors.New("watermeter: send function not set")

// defaultMeterNo answers any meter whose number has not been
// programmed yet.
var defaultMeterNo = [6]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}

// wakePreamble is consulted by the protocol manager before every
// device-side transmit while this protocol is active.
var wakePreamble = proto.Preamble{
	Enabled:     true,
	Data:        bytesRepeat(0xAA, 50),
	RepeatCount: 32,
	DelayMs:     3,
	SyncData:    bytesRepeat(0xFE, 10),
}

func bytesRepeat(b byte, n int) []byte {
	s := make([]byte, n)
	for i := range s {
		s[i] = b
	}
	return s
}

// Protocol implements proto.Protocol and proto.PreambleProvider for
// the water meter. Not safe for concurrent use.
type Protocol struct {
	send    proto.SendFunc
	eventCb proto.EventCallback
	meterCb MeterEventCallback
	log     *zap.Logger

	// meterNo is learned from the first valid response and used to
	// address subsequent commands. Zero means unknown, in which case
	// commands go to the broadcast default.
	meterNo [6]byte
}

// New returns a water meter protocol. logger may be nil.
func New(logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{log: logger.Named("watermeter")}
}

func (p *Protocol) Name() string { return "watermeter" }

func (p *Protocol) Init() error {
	p.meterNo = [6]byte{}
	return nil
}

func (p *Protocol) SetSendFunc(fn proto.SendFunc)           { p.send = fn }
func (p *Protocol) SetEventCallback(cb proto.EventCallback) { p.eventCb = cb }

// SetMeterEventCallback installs the decoded-event observer.
func (p *Protocol) SetMeterEventCallback(cb MeterEventCallback) { p.meterCb = cb }

// Preamble returns the wake-up burst configuration.
func (p *Protocol) Preamble() *proto.Preamble { return &wakePreamble }

// MeterNumber returns the number learned from the last valid
// response, or the broadcast default if none has been seen.
func (p *Protocol) MeterNumber() [6]byte {
	if p.meterNo == ([6]byte{}) {
		return defaultMeterNo
	}
	return p.meterNo
}

// OnResponse is unused on this side of the link; responses arrive
// through Parse.
func (p *Protocol) OnResponse(code uint16, data []byte) {
	p.log.Debug("unexpected response push", zap.Uint16("code", code), zap.Int("len", len(data)))
}

// Parse scans data for water meter frames, resynchronizing one byte
// at a time on any validation failure. A frame that extends past the
// end of the buffer yields Incomplete without consuming anything.
func (p *Protocol) Parse(data []byte) proto.Result {
	pos := 0
	handled := false

	for pos+minFrameLen <= len(data) {
		if data[pos] != proto.FrameHead68 {
			pos++
			continue
		}

		frameLen := int(binary.LittleEndian.Uint16(data[pos+offLen:]))
		if frameLen < minFrameLen || frameLen > maxFrameLen {
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

		crcRecv := binary.LittleEndian.Uint16(frame[frameLen-3:])
		if crcRecv != checksum.CRC16CCITT(frame[:frameLen-3]) {
			p.log.Debug("crc mismatch", zap.Int("pos", pos))
			pos++
			continue
		}

		copy(p.meterNo[:], frame[1:7])
		ctrl := frame[offCtrl]
		cmd := binary.LittleEndian.Uint16(frame[offCmd:])
		payload := frame[offPayload : frameLen-3]

		var hit bool
		switch ctrl {
		case CtrlRead:
			hit = p.handleReadResponse(cmd, payload)
		case CtrlWrite:
			hit = p.handleWriteResponse(cmd)
		case CtrlCtrl:
			hit = p.handleCtrlResponse(cmd)
		case CtrlReport:
			p.emitEvent(Event{Type: EventReport, CmdCode: cmd})
			hit = true
		default:
			p.log.Warn("unknown control code", zap.Uint8("ctrl", ctrl))
		}
		if hit {
			handled = true
		}

		pos += frameLen
	}

	if handled {
		return proto.OK
	}
	return proto.UnknownCmd
}

func (p *Protocol) handleReadResponse(cmd uint16, payload []byte) bool {
	switch cmd {
	case CmdMeterNumber:
		p.emitEvent(Event{Type: EventMeterNumber, CmdCode: cmd})

	case CmdStatus:
		if len(payload) < 100 {
			p.log.Warn("short status payload", zap.Int("len", len(payload)))
			return false
		}
		st := &Status{
			FlashOK:       payload[3],
			MainVoltage:   binary.LittleEndian.Uint16(payload[4:]),
			BackupVoltage: binary.LittleEndian.Uint16(payload[6:]),
			PressureOK:    payload[8],
			EEPROMOK:      payload[9],
			Hall1:         payload[10],
			ModemOK:       payload[11],
			Hall2:         payload[12],
			FlowRunning:   payload[17],
			GP30Voltage:   binary.LittleEndian.Uint16(payload[18:]),
			IMEI:          string(payload[20:35]),
			IMSI:          string(payload[35:50]),
			ICCID:         string(payload[50:70]),
			CSQ:           payload[70],
			OpenPos:       payload[87],
			ClosePos:      payload[88],
			MeteringHall1: payload[89],
			MeteringHall2: payload[90],
			Magnetless:    payload[91],
		}
		copy(st.InstantFlow[:], payload[13:17])
		copy(st.LoRaKey[:], payload[71:87])
		copy(st.Version[:], payload[92:94])
		copy(st.LoRaRSSI[:], payload[94:96])
		copy(st.LoRaSNR[:], payload[96:98])
		copy(st.WaterTemp[:], payload[98:100])
		p.log.Info("status",
			zap.Uint16("main_mv", st.MainVoltage),
			zap.String("imei", st.IMEI),
			zap.Uint8("csq", st.CSQ))
		p.emitEvent(Event{Type: EventStatus, CmdCode: cmd, Status: st})

	case CmdAccumulatedFlow:
		if len(payload) < 5 || payload[0] != 0x00 {
			p.log.Warn("accumulated flow read failed", zap.Int("len", len(payload)))
			return false
		}
		ev := Event{Type: EventAccumulatedFlow, CmdCode: cmd}
		copy(ev.AccumulatedFlow[:], payload[1:5])
		p.emitEvent(ev)

	case CmdReportResult:
		p.emitEvent(Event{Type: EventReportAck, CmdCode: cmd})

	case CmdVersion:
		p.emitEvent(Event{Type: EventVersion, CmdCode: cmd, Version: string(payload)})

	default:
		p.log.Debug("unhandled read response", zap.Uint16("cmd", cmd))
		return false
	}
	return true
}

func (p *Protocol) handleWriteResponse(cmd uint16) bool {
	switch cmd {
	case CmdConfigUltrasonic, CmdConfigMechanical:
		p.emitEvent(Event{Type: EventConfigWritten, CmdCode: cmd})
	case CmdAccumulatedFlow:
		p.emitEvent(Event{Type: EventFlowReset, CmdCode: cmd})
	default:
		p.log.Debug("unhandled write response", zap.Uint16("cmd", cmd))
		return false
	}
	return true
}

func (p *Protocol) handleCtrlResponse(cmd uint16) bool {
	switch cmd {
	case CmdValveControl:
		p.emitEvent(Event{Type: EventValveAck, CmdCode: cmd})
	case CmdStartReport:
		p.emitEvent(Event{Type: EventReportStarted, CmdCode: cmd})
	default:
		p.log.Debug("unhandled control response", zap.Uint16("cmd", cmd))
		return false
	}
	return true
}

func (p *Protocol) emitEvent(ev Event) {
	ev.MeterNo = p.meterNo
	if p.meterCb != nil {
		p.meterCb(ev)
	}
	if p.eventCb != nil {
		p.eventCb(proto.EventReceived, ev.CmdCode, nil)
	}
}

// SendCmd routes the generic command entry point. The high nibble of
// cmd selects the operation for short command codes: 0x1 read, 0x2
// write, 0x3 control, with the code in the low 12 bits. Anything else
// is sent as a plain read of cmd itself, which covers the full-width
// codes like CmdStatus.
func (p *Protocol) SendCmd(cmd uint16, param any) error {
	data, _ := param.([]byte)
	code := cmd & 0x0FFF
	switch cmd >> 12 {
	case 0x1:
		return p.SendRead(code)
	case 0x2:
		return p.transmit(CtrlWrite, code, data)
	case 0x3:
		return p.transmit(CtrlCtrl, code, data)
	default:
		return p.SendRead(cmd)
	}
}

// SendRead requests the value behind a command code.
func (p *Protocol) SendRead(cmd uint16) error {
	return p.transmit(CtrlRead, cmd, nil)
}

// SendQueryStatus issues the comprehensive test-mode query.
func (p *Protocol) SendQueryStatus() error {
	return p.SendRead(CmdStatus)
}

// SendConfig writes the meter configuration. mechanical selects the
// command code; the two meter families use different ones.
func (p *Protocol) SendConfig(mechanical bool, data []byte) error {
	cmd := uint16(CmdConfigUltrasonic)
	if mechanical {
		cmd = CmdConfigMechanical
	}
	return p.transmit(CtrlWrite, cmd, data)
}

// SendValveControl drives the valve. state is ValveOpen, ValveClose
// or ValveStop.
func (p *Protocol) SendValveControl(state uint8) error {
	return p.transmit(CtrlCtrl, CmdValveControl, []byte{state})
}

// SendResetAccumulatedFlow zeroes the meter's accumulated flow
// register.
func (p *Protocol) SendResetAccumulatedFlow() error {
	return p.transmit(CtrlWrite, CmdAccumulatedFlow, []byte{0x00, 0x00, 0x00, 0x00})
}

// SendStartReport asks the meter to begin its unsolicited report.
func (p *Protocol) SendStartReport() error {
	return p.transmit(CtrlCtrl, CmdStartReport, nil)
}

func (p *Protocol) transmit(ctrl byte, cmd uint16, data []byte) error {
	if p.send == nil {
		return errNoSendFunc
	}
	frame := p.buildFrame(ctrl, cmd, data)
	p.log.Debug("tx", zap.Uint8("ctrl", ctrl), zap.Uint16("cmd", cmd), zap.Int("len", len(frame)))
	if err := p.send(frame); err != nil {
		return fmt.Errorf("watermeter: send 0x%04X: %w", cmd, err)
	}
	if p.eventCb != nil {
		p.eventCb(proto.EventSent, cmd, frame)
	}
	return nil
}

func (p *Protocol) buildFrame(ctrl byte, cmd uint16, data []byte) []byte {
	addr := p.MeterNumber()
	frame := make([]byte, 0, minFrameLen+len(data))
	frame = append(frame, proto.FrameHead68)
	frame = append(frame, addr[:]...)
	frame = append(frame, 0x00, protocolVersion, ctrl)
	frame = append(frame, 0, 0) // length, backfilled
	frame = binary.LittleEndian.AppendUint16(frame, cmd)
	frame = append(frame, data...)
	// The length field counts the whole frame, trailer included.
	binary.LittleEndian.PutUint16(frame[offLen:], uint16(len(frame)+3))
	frame = binary.LittleEndian.AppendUint16(frame, checksum.CRC16CCITT(frame))
	frame = append(frame, proto.FrameTail16)
	return frame
}
