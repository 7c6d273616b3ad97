// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package gasmeter

// EventType identifies which response a meter Event carries.
type EventType int

const (
	EventNone EventType = iota
	// EventSelfCheckComplete: the main board finished its power-on
	// self check. Arrives either as a write response or, on boards
	// that report unprompted, as an install response.
	EventSelfCheckComplete
	// EventPowerOnInfo: 26 byte status block answering the connect
	// request.
	EventPowerOnInfo
	EventIOStatus
	EventNetworkParams
	EventCheckStatus
	EventIRClosed
	EventIOConfigured
	EventTimeSet
	// EventAbnormalReply: the board answered with the abnormal bit
	// set. The frame's data mark is reported, the payload is not
	// interpreted.
	EventAbnormalReply
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventSelfCheckComplete:
		return "self check complete"
	case EventPowerOnInfo:
		return "power-on info"
	case EventIOStatus:
		return "io status"
	case EventNetworkParams:
		return "network params"
	case EventCheckStatus:
		return "check status"
	case EventIRClosed:
		return "ir closed"
	case EventIOConfigured:
		return "io configured"
	case EventTimeSet:
		return "time set"
	case EventAbnormalReply:
		return "abnormal reply"
	default:
		return "unknown"
	}
}

// SelfCheck is the payload of EventSelfCheckComplete.
type SelfCheck struct {
	SignalStrength uint8 // CSQ at self-check time
}

// BoardInfo is the 26 byte status block of EventPowerOnInfo. Byte 0 is
// the meter type, not the meter number; the meter number travels in
// the frame header.
type BoardInfo struct {
	MeterType     uint8
	HasAddon      uint8
	Voltage       uint8 // units of 0.1 V
	ModuleStatus  uint8
	Signal        uint8
	ConnectStatus uint8
	SIMOK         uint8
	StorageICOK   uint8
	MeasureOK     uint8
	SWVer1        uint8
	SWVer2        uint8
	RTCOK         uint8
	TempPressOK   uint8
	CoverOpen     uint8
	TiltOK        uint8
	BluetoothOK   uint8
}

// IOStatus is the 7 byte payload of EventIOStatus, plus the derived
// pass flags for the drive level the check was issued at.
type IOStatus struct {
	HighLow  uint8 // drive level the command requested
	OpenPos  uint8
	ClosePos uint8
	Hall1    uint8
	Hall2    uint8
	ICXB     uint8
	IO119    uint8
	ICErr    uint8

	// HallOK: hall sensors read opposite to each other with hall1
	// tracking the inverse of the drive level.
	HallOK bool
	// ICOK: both IC card pins track the drive level.
	ICOK bool
}

// NetworkParams is the 107 byte payload of EventNetworkParams.
type NetworkParams struct {
	IMEI   string // 15 chars
	IMSI   string
	ICCID  string // 20 chars
	CSQ    uint8
	RSRP   int16
	SNR    int16
	ECL    uint8
	CellID uint32

	ICCID2 string // backup SIM
	IMSI2  string
	CSQ2   uint8

	BuildTime      [6]byte // BCD, yy mm dd hh mm ss
	PressureStatus uint8   // 0 normal
	PressureValue  uint32  // two decimal places
}

// CheckStatus is the 17 byte payload of EventCheckStatus.
type CheckStatus struct {
	Voltage   uint16 // big endian on the wire, units of 0.01 V
	StarMAC   string // 12 chars ASCII
	Connected uint8
	Signal    int8
	KeyStatus uint8
}

// Event is one decoded meter response. Exactly one payload pointer is
// non-nil, matching Type; events without a payload carry none.
type Event struct {
	Type     EventType
	DataMark uint16

	SelfCheck     *SelfCheck
	BoardInfo     *BoardInfo
	IOStatus      *IOStatus
	NetworkParams *NetworkParams
	CheckStatus   *CheckStatus
}

// MeterEventCallback receives decoded meter events synchronously from
// within Parse.
type MeterEventCallback func(ev Event)
