// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

// Package valvetest drives the valve function test of a water meter
// board: configure the meter, command the valve open and closed over
// the meter link, watch the drive voltages for motor action in both
// directions, and feed the in-place signals back so the meter believes
// its valve moved.
//
// The state machine is hardware-free. All I/O goes through the HAL
// interface and time advances only through Loop's tick argument, so
// the whole test runs under test with a mock and a fake clock.
package valvetest

// MeterType selects which config command the meter under test expects.
type MeterType int

const (
	MeterMechanical MeterType = 0
	MeterUltrasonic MeterType = 1
)

func (t MeterType) String() string {
	switch t {
	case MeterMechanical:
		return "mechanical"
	case MeterUltrasonic:
		return "ultrasonic"
	default:
		return "unknown"
	}
}

// Result is the overall test outcome.
type Result int

const (
	Idle Result = iota
	Running
	Success
	Timeout
	Fail
)

func (r Result) String() string {
	switch r {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Step identifies a position in the test sequence.
type Step int

const (
	StepInit Step = iota
	StepConfig
	StepQueryInitial
	StepCheckInitial
	StepSendOpen
	StepDetectOpening
	StepOutputOpenSignal
	StepQueryOpenState
	StepCheckOpenState
	StepSendClose
	StepDetectClosing
	StepOutputCloseSignal
	StepQueryCloseState
	StepCheckCloseState
	StepEvaluate
	StepDone
)

// StepCount is the number of defined steps.
const StepCount = 16

func (s Step) String() string {
	switch s {
	case StepInit:
		return "init"
	case StepConfig:
		return "send config"
	case StepQueryInitial:
		return "query initial state"
	case StepCheckInitial:
		return "check initial state"
	case StepSendOpen:
		return "send open command"
	case StepDetectOpening:
		return "detect opening"
	case StepOutputOpenSignal:
		return "output open-position signal"
	case StepQueryOpenState:
		return "query open state"
	case StepCheckOpenState:
		return "check open state"
	case StepSendClose:
		return "send close command"
	case StepDetectClosing:
		return "detect closing"
	case StepOutputCloseSignal:
		return "output close-position signal"
	case StepQueryCloseState:
		return "query close state"
	case StepCheckCloseState:
		return "check close state"
	case StepEvaluate:
		return "evaluate"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// FailReason explains a non-success outcome.
type FailReason int

const (
	FailNone FailReason = iota
	FailConfigTimeout
	FailConfigRetry
	FailQueryTimeout
	FailInitialPosOpen
	FailInitialPosClose
	FailInitialVoltageA
	FailInitialVoltageB
	FailInitialRetry
	FailOpenCmdTimeout
	FailOpenDetectTimeout
	FailOpenStateCheck
	FailCloseCmdTimeout
	FailCloseDetectTimeout
	FailCloseStateCheck
	FailTotalTimeout
)

func (r FailReason) String() string {
	switch r {
	case FailNone:
		return "no error"
	case FailConfigTimeout:
		return "config command timeout"
	case FailConfigRetry:
		return "config command retries exhausted"
	case FailQueryTimeout:
		return "query command timeout"
	case FailInitialPosOpen:
		return "initial open-position signal abnormal"
	case FailInitialPosClose:
		return "initial close-position signal abnormal"
	case FailInitialVoltageA:
		return "initial voltage A abnormal"
	case FailInitialVoltageB:
		return "initial voltage B abnormal"
	case FailInitialRetry:
		return "initial state retries exhausted"
	case FailOpenCmdTimeout:
		return "open command timeout"
	case FailOpenDetectTimeout:
		return "open action detect timeout"
	case FailOpenStateCheck:
		return "open state check failed"
	case FailCloseCmdTimeout:
		return "close command timeout"
	case FailCloseDetectTimeout:
		return "close action detect timeout"
	case FailCloseStateCheck:
		return "close state check failed"
	case FailTotalTimeout:
		return "total test timeout"
	default:
		return "unknown error"
	}
}

// Voltage thresholds in millivolts. Below Low means no drive on the
// line; above High means the motor is being driven.
const (
	VoltageLowThreshold  = 100
	VoltageHighThreshold = 2800
)

// Timeouts in milliseconds.
const (
	TotalTimeoutMs       = 60000
	ConfigTimeoutMs      = 10000
	InitialCheckMs       = 5000
	OpenCmdTimeoutMs     = 5000
	OpenDetectTimeoutMs  = 5000
	CloseCmdTimeoutMs    = 5000
	CloseDetectTimeoutMs = 15000
	StateCheckTimeoutMs  = 5000
)

// Post-command settle delays in milliseconds.
const (
	ConfigDelayMs = 500
	CmdDelayMs    = 500
	SignalDelayMs = 500
)

// MaxRetry bounds both mismatch resends and phase retries.
const MaxRetry = 3

// Meter protocol codes the test exchanges with the board.
const (
	CodeValveControl     = 0xC022
	CodeConfigUltrasonic = 0x2036
	CodeConfigMechanical = 0x2604
	CodeQueryStatus      = 0xF003
)

// HAL is everything the state machine needs from the outside world.
type HAL interface {
	// Drive voltages of the two motor lines, in millivolts.
	ReadVoltageA() uint32
	ReadVoltageB() uint32

	// In-place signal levels as the fixture reads them back.
	ReadPosOpen() uint8
	ReadPosClose() uint8

	// Meter link commands. Responses come back through OnResponse.
	SendConfig()
	SendOpenValve()
	SendCloseValve()
	SendReadStatus()

	// OutputPositionSignals drives the in-place signals toward the
	// meter; 1 means asserted.
	OutputPositionSignals(open, close uint8)
	// RestoreSignalInputs releases the signal pins to inputs so they
	// cannot fight the next board.
	RestoreSignalInputs()

	// Cooperative delay shared with the fixture loop.
	SetSoftDelay(ms uint32)
	SoftDelayDone() bool

	MeterType() MeterType
	ExpectedConfigCode() uint16
}
