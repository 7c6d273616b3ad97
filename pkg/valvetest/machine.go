// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package valvetest

import (
	"go.uber.org/zap"
)

// Loop advances the test by tickMs milliseconds and runs the current
// step once. Call it from the fixture main loop; it returns the
// overall result, Running while in progress.
func (c *Context) Loop(tickMs uint32) Result {
	if !c.enabled {
		return c.result
	}

	c.totalMs += tickMs
	c.stepMs += tickMs

	if c.totalMs >= TotalTimeoutMs {
		c.finish(Timeout, FailTotalTimeout)
		return c.result
	}

	// Settle delays run down even while the step logic is held off.
	if !c.hal.SoftDelayDone() {
		return Running
	}

	switch c.step {
	case StepInit:
		c.log.Debug("sending meter config", zap.Uint16("code", c.configCode))
		c.enterStep(StepConfig, ConfigTimeoutMs)
		c.hal.SendConfig()
		c.hal.SetSoftDelay(ConfigDelayMs)

	case StepConfig:
		switch c.waitResponseRetry(c.configCode, c.hal.SendConfig, 100, 0) {
		case stepSuccess:
			c.phaseRetry = 0
			c.enterStep(StepCheckInitial, InitialCheckMs)
		case stepFail:
			c.finish(Fail, FailConfigRetry)
		}

	case StepCheckInitial:
		a, b := c.hal.ReadVoltageA(), c.hal.ReadVoltageB()
		if a > VoltageLowThreshold && b < VoltageLowThreshold {
			c.phaseRetry = 0
			c.enterStep(StepSendOpen, OpenCmdTimeoutMs)
			c.hal.SendOpenValve()
			c.hal.SetSoftDelay(CmdDelayMs)
			break
		}
		c.log.Debug("initial voltages abnormal",
			zap.Uint32("a_mv", a), zap.Uint32("b_mv", b))
		c.phaseRetry++
		if c.phaseRetry > MaxRetry {
			reason := FailInitialRetry
			if a <= VoltageLowThreshold {
				reason = FailInitialVoltageA
			} else if b >= VoltageLowThreshold {
				reason = FailInitialVoltageB
			}
			c.finish(Fail, reason)
			break
		}
		// Reconfigure and look again.
		c.enterStep(StepConfig, ConfigTimeoutMs)
		c.hal.SendConfig()
		c.hal.SetSoftDelay(ConfigDelayMs)

	case StepSendOpen:
		switch c.waitResponseRetry(CodeValveControl, c.hal.SendOpenValve, 0, 0) {
		case stepSuccess:
			// phaseRetry carries across to the detect step; a detect
			// timeout re-enters this step and shares the budget.
			c.enterStep(StepDetectOpening, OpenDetectTimeoutMs)
		case stepFail:
			c.phaseRetry++
			if c.phaseRetry > MaxRetry {
				c.finish(Fail, FailOpenCmdTimeout)
				break
			}
			c.enterStep(StepSendOpen, OpenCmdTimeoutMs)
			c.hal.SendOpenValve()
			c.hal.SetSoftDelay(CmdDelayMs)
		}

	case StepDetectOpening:
		a, b := c.hal.ReadVoltageA(), c.hal.ReadVoltageB()
		if a > VoltageHighThreshold && b < VoltageLowThreshold {
			c.log.Debug("open drive detected", zap.Uint32("a_mv", a))
			c.phaseRetry = 0
			c.enterStep(StepOutputOpenSignal, 1000)
			break
		}
		if c.stepMs >= c.stepLimit {
			c.phaseRetry++
			if c.phaseRetry > MaxRetry {
				c.finish(Timeout, FailOpenDetectTimeout)
				break
			}
			c.enterStep(StepSendOpen, OpenCmdTimeoutMs)
			c.hal.SendOpenValve()
		}

	case StepOutputOpenSignal:
		c.hal.OutputPositionSignals(1, 0)
		c.hal.SetSoftDelay(SignalDelayMs)
		c.enterStep(StepCheckOpenState, StateCheckTimeoutMs)

	case StepCheckOpenState:
		a, b := c.hal.ReadVoltageA(), c.hal.ReadVoltageB()
		if voltagesIdle(a, b) {
			// Motor stopped on the open signal; move on to closing.
			c.hal.OutputPositionSignals(0, 0)
			c.phaseRetry = 0
			c.enterStep(StepSendClose, CloseCmdTimeoutMs)
			c.hal.SendCloseValve()
			break
		}
		if c.stepMs >= c.stepLimit {
			c.phaseRetry++
			if c.phaseRetry > MaxRetry {
				c.finish(Fail, FailOpenStateCheck)
				break
			}
			c.enterStep(StepOutputOpenSignal, 2*StateCheckTimeoutMs)
		}

	case StepSendClose:
		switch c.waitResponseRetry(CodeValveControl, c.hal.SendCloseValve, 0, 0) {
		case stepSuccess:
			c.enterStep(StepDetectClosing, CloseDetectTimeoutMs)
		case stepFail:
			c.finish(Fail, FailCloseCmdTimeout)
		}

	case StepDetectClosing:
		a, b := c.hal.ReadVoltageA(), c.hal.ReadVoltageB()
		if a < VoltageLowThreshold && b > VoltageHighThreshold {
			c.log.Debug("close drive detected", zap.Uint32("b_mv", b))
			c.phaseRetry = 0
			c.enterStep(StepOutputCloseSignal, 1000)
			break
		}
		if c.stepMs >= c.stepLimit {
			c.finish(Timeout, FailCloseDetectTimeout)
		}

	case StepOutputCloseSignal:
		c.hal.OutputPositionSignals(0, 1)
		c.hal.SetSoftDelay(SignalDelayMs)
		c.enterStep(StepCheckCloseState, StateCheckTimeoutMs)

	case StepCheckCloseState:
		a, b := c.hal.ReadVoltageA(), c.hal.ReadVoltageB()
		if voltagesIdle(a, b) {
			c.hal.OutputPositionSignals(0, 0)
			c.phaseRetry = 0
			c.enterStep(StepEvaluate, 1000)
			break
		}
		if c.stepMs >= c.stepLimit {
			c.phaseRetry++
			if c.phaseRetry > MaxRetry {
				c.finish(Fail, FailCloseStateCheck)
				break
			}
			c.enterStep(StepOutputCloseSignal, StateCheckTimeoutMs)
		}

	case StepEvaluate:
		c.result = Success
		c.step = StepDone
		c.log.Info("valve test passed", zap.Uint32("elapsed_ms", c.totalMs))

	case StepDone:
		c.enabled = false
		return c.result
	}

	return c.result
}
