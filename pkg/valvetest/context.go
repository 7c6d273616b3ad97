// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package valvetest

import (
	"go.uber.org/zap"
)

// stepResult is the outcome of one handler pass over the current step.
type stepResult int

const (
	stepIdle stepResult = iota
	stepBusy
	stepSuccess
	stepTimeout
	stepFail
	stepMismatch
)

// responseState tracks the last meter-link response.
type responseState uint8

const (
	respNone     responseState = 0
	respReceived responseState = 1
	respMismatch responseState = 2
)

// Context holds one run of the valve test. It is not safe for
// concurrent use; drive Loop and OnResponse from the same goroutine.
type Context struct {
	hal HAL
	log *zap.Logger

	enabled bool
	step    Step
	result  Result
	reason  FailReason

	failStep Step

	totalMs   uint32
	stepMs    uint32
	stepLimit uint32

	// retryCount bounds mismatch resends within the current step and
	// resets on every step entry. phaseRetry bounds the larger
	// re-enter loops (config, open command, state checks) and resets
	// only when a phase completes.
	retryCount int
	phaseRetry int

	respState responseState
	respCode  uint16

	meterType  MeterType
	configCode uint16

	configParam1 uint8
	configParam2 uint8
}

// New builds an idle test context around the given HAL. A nil logger
// is replaced with a no-op one.
func New(hal HAL, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		hal:          hal,
		log:          logger.Named("valvetest"),
		step:         StepInit,
		result:       Idle,
		configParam1: 15,
		configParam2: 230,
	}
}

// Start arms the test. The next Loop call begins the sequence.
func (c *Context) Start() {
	c.hal.OutputPositionSignals(0, 0)

	c.enabled = true
	c.step = StepInit
	c.result = Running
	c.reason = FailNone
	c.failStep = StepInit
	c.totalMs = 0
	c.stepMs = 0
	c.stepLimit = 0
	c.retryCount = 0
	c.phaseRetry = 0
	c.respState = respNone
	c.respCode = 0

	c.meterType = c.hal.MeterType()
	c.configCode = c.hal.ExpectedConfigCode()

	c.log.Info("valve test started",
		zap.Stringer("meter_type", c.meterType),
		zap.Uint16("config_code", c.configCode))
}

// Stop aborts the test and releases the signal pins.
func (c *Context) Stop() {
	c.hal.RestoreSignalInputs()
	c.enabled = false
	c.result = Idle
	c.step = StepInit
}

// OnResponse records a decoded meter response code. Called from the
// protocol layer when the board under test answers.
func (c *Context) OnResponse(code uint16) {
	c.respState = respReceived
	c.respCode = code
}

// Result returns the overall outcome.
func (c *Context) Result() Result { return c.result }

// Step returns the step currently executing.
func (c *Context) Step() Step { return c.step }

// FailStep returns the step the test failed in.
func (c *Context) FailStep() Step { return c.failStep }

// FailReason explains a Timeout or Fail result.
func (c *Context) FailReason() FailReason { return c.reason }

// Running reports whether a test is in progress.
func (c *Context) Running() bool { return c.enabled }

// ElapsedMs returns the total test time so far.
func (c *Context) ElapsedMs() uint32 { return c.totalMs }

// ConfigParams returns the two meter config parameters the HAL should
// put into the config command payload.
func (c *Context) ConfigParams() (uint8, uint8) {
	return c.configParam1, c.configParam2
}

// enterStep switches to the given step and resets its clock, response
// latch and mismatch-retry budget.
func (c *Context) enterStep(s Step, limitMs uint32) {
	c.step = s
	c.stepMs = 0
	c.stepLimit = limitMs
	c.retryCount = 0
	c.respState = respNone
}

func (c *Context) finish(result Result, reason FailReason) {
	c.result = result
	c.reason = reason
	c.failStep = c.step
	c.enabled = false
	c.log.Warn("valve test finished",
		zap.Stringer("result", result),
		zap.Stringer("step", c.failStep),
		zap.Stringer("reason", reason))
}

// waitResponse checks the response latch against the expected code.
func (c *Context) waitResponse(code uint16) stepResult {
	if c.respState != respReceived {
		if c.stepMs >= c.stepLimit {
			return stepFail
		}
		return stepBusy
	}
	if c.respCode == code {
		c.respState = respNone
		return stepSuccess
	}
	c.respState = respMismatch
	return stepMismatch
}

// waitResponseRetry is waitResponse with a bounded resend on mismatch.
// resend is invoked each time a wrong code arrives, up to MaxRetry
// times; after that the step fails.
func (c *Context) waitResponseRetry(code uint16, resend func(), successDelayMs, failDelayMs uint32) stepResult {
	switch r := c.waitResponse(code); r {
	case stepSuccess:
		if successDelayMs > 0 {
			c.hal.SetSoftDelay(successDelayMs)
		}
		return stepSuccess
	case stepMismatch:
		c.retryCount++
		if c.retryCount > MaxRetry {
			c.retryCount = 0
			if failDelayMs > 0 {
				c.hal.SetSoftDelay(failDelayMs)
			}
			return stepFail
		}
		c.log.Debug("response mismatch, resending",
			zap.Uint16("want", code),
			zap.Uint16("got", c.respCode),
			zap.Int("retry", c.retryCount))
		c.respState = respNone
		resend()
		return stepBusy
	case stepFail:
		if failDelayMs > 0 {
			c.hal.SetSoftDelay(failDelayMs)
		}
		return stepFail
	default:
		return r
	}
}

// voltagesIdle reports no drive on either motor line.
func voltagesIdle(a, b uint32) bool {
	return a < VoltageLowThreshold && b < VoltageLowThreshold
}
