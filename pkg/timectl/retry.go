// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package timectl

// RetryReason records why a retry was requested. Used for logging only;
// every reason takes the same path through TryRetry.
type RetryReason int

const (
	RetryTimeout RetryReason = iota
	RetryResponseInvalid
	RetryCheckFailed
	RetryNoResponse
	RetryCommError
)

func (r RetryReason) String() string {
	switch r {
	case RetryTimeout:
		return "timeout"
	case RetryResponseInvalid:
		return "response invalid"
	case RetryCheckFailed:
		return "check failed"
	case RetryNoResponse:
		return "no response"
	case RetryCommError:
		return "communication error"
	default:
		return "unknown"
	}
}

// RetryResult is the outcome of one TryRetry call.
type RetryResult int

const (
	// RetryOK means state was reset and the retry is under way
	// (immediately, or after the configured delay).
	RetryOK RetryResult = iota
	// RetryExhausted means the budget is spent. Terminal until Reset.
	RetryExhausted
	// RetryNotConfigured means this step was configured with maxRetry 0.
	RetryNotConfigured
)

// RetryManager is the single entry point for retrying a failed
// exchange. Both the timeout path and the bad-response path go through
// TryRetry so they reach identical post-retry state.
type RetryManager struct {
	tm *Manager

	retryCount   uint8
	maxRetry     uint8
	retryDelayMs uint32
	waitingDelay bool

	resetFn  func()
	actionFn func()
}

// NewRetryManager returns a RetryManager bound to tm for step-timeout
// re-basing and delay scheduling.
func NewRetryManager(tm *Manager) *RetryManager {
	return &RetryManager{tm: tm}
}

// Configure prepares the manager for a new step. maxRetry 0 disables
// retrying for the step; retryDelayMs 0 retries immediately.
func (rm *RetryManager) Configure(maxRetry uint8, retryDelayMs uint32) {
	rm.retryCount = 0
	rm.maxRetry = maxRetry
	rm.retryDelayMs = retryDelayMs
	rm.waitingDelay = false
}

// SetResetCallback registers the state reset hook, invoked on every
// accepted retry before the timeout is re-based.
func (rm *RetryManager) SetResetCallback(fn func()) {
	rm.resetFn = fn
}

// SetActionCallback registers the retry action, typically a re-send of
// the last command.
func (rm *RetryManager) SetActionCallback(fn func()) {
	rm.actionFn = fn
}

// TryRetry attempts one retry. On acceptance it resets caller state via
// the reset callback, re-bases the step timeout, and either runs the
// action immediately or schedules it after the configured delay.
func (rm *RetryManager) TryRetry(reason RetryReason) RetryResult {
	_ = reason

	if rm.maxRetry == 0 {
		return RetryNotConfigured
	}
	if rm.retryCount >= rm.maxRetry {
		return RetryExhausted
	}

	rm.retryCount++

	if rm.resetFn != nil {
		rm.resetFn()
	}
	rm.tm.ResetStepTimeout()

	if rm.retryDelayMs > 0 {
		rm.tm.SetDelay(rm.retryDelayMs)
		rm.waitingDelay = true
	} else if rm.actionFn != nil {
		rm.actionFn()
	}

	return RetryOK
}

// WaitingRetryDelay reports whether a retry action is pending on the
// software delay.
func (rm *RetryManager) WaitingRetryDelay() bool {
	return rm.waitingDelay
}

// CheckRetryDelayComplete must be polled every loop iteration while a
// delayed retry is pending. It fires the retry action exactly once per
// retry cycle, returning true on the iteration the delay completes.
func (rm *RetryManager) CheckRetryDelayComplete() bool {
	if !rm.waitingDelay {
		return false
	}
	if !rm.tm.DelayComplete() {
		return false
	}
	rm.waitingDelay = false
	if rm.actionFn != nil {
		rm.actionFn()
	}
	return true
}

// CancelRetryDelay suppresses a pending delayed retry. Called when a
// late but valid response arrives during the delay window.
func (rm *RetryManager) CancelRetryDelay() {
	if rm.waitingDelay {
		rm.waitingDelay = false
		rm.tm.CancelDelay()
	}
}

// RetryCount returns the number of retries consumed this step.
func (rm *RetryManager) RetryCount() uint8 {
	return rm.retryCount
}

// RetryRemaining returns how many retries are left this step.
func (rm *RetryManager) RetryRemaining() uint8 {
	if rm.retryCount >= rm.maxRetry {
		return 0
	}
	return rm.maxRetry - rm.retryCount
}

// Reset clears the retry counter. Called by the owning step transition
// when the step succeeds.
func (rm *RetryManager) Reset() {
	rm.retryCount = 0
	rm.waitingDelay = false
}
