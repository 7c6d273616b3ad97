// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package watermeter

// EventType identifies which response a meter Event carries.
type EventType int

const (
	EventNone EventType = iota
	EventMeterNumber
	// EventStatus: the comprehensive test-mode query answered. This
	// is the workhorse response during a board test.
	EventStatus
	EventAccumulatedFlow
	EventVersion
	EventReportAck
	// EventConfigWritten: the meter accepted a mechanical or
	// ultrasonic configuration write.
	EventConfigWritten
	EventFlowReset
	EventValveAck
	EventReportStarted
	// EventReport: an unsolicited report frame from the meter.
	EventReport
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventMeterNumber:
		return "meter number"
	case EventStatus:
		return "status"
	case EventAccumulatedFlow:
		return "accumulated flow"
	case EventVersion:
		return "version"
	case EventReportAck:
		return "report ack"
	case EventConfigWritten:
		return "config written"
	case EventFlowReset:
		return "flow reset"
	case EventValveAck:
		return "valve ack"
	case EventReportStarted:
		return "report started"
	case EventReport:
		return "report"
	default:
		return "unknown"
	}
}

// Status is the payload of the comprehensive test-mode query.
type Status struct {
	FlashOK       uint8
	MainVoltage   uint16 // little endian, units of 0.01 V
	BackupVoltage uint16
	PressureOK    uint8
	EEPROMOK      uint8
	Hall1         uint8
	ModemOK       uint8
	Hall2         uint8

	InstantFlow [4]byte // ultrasonic instantaneous flow
	FlowRunning uint8
	GP30Voltage uint16

	IMEI  string // 15 chars
	IMSI  string
	ICCID string // 20 chars
	CSQ   uint8

	LoRaKey [16]byte

	OpenPos       uint8
	ClosePos      uint8
	MeteringHall1 uint8
	MeteringHall2 uint8
	Magnetless    uint8

	Version   [2]byte
	LoRaRSSI  [2]byte
	LoRaSNR   [2]byte
	WaterTemp [2]byte
}

// Event is one decoded water meter response. MeterNo is taken from
// the frame's address field; payload fields are set per Type.
type Event struct {
	Type    EventType
	CmdCode uint16
	MeterNo [6]byte

	Status          *Status
	AccumulatedFlow [4]byte
	Version         string
}

// MeterEventCallback receives decoded meter events synchronously from
// within Parse.
type MeterEventCallback func(ev Event)
