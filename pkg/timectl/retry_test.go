// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package timectl

import "testing"

func TestTryRetry_Bound(t *testing.T) {
	tm := NewManager()
	rm := NewRetryManager(tm)
	rm.Configure(3, 0)

	actions := 0
	rm.SetActionCallback(func() { actions++ })

	for i := 1; i <= 3; i++ {
		if got := rm.TryRetry(RetryTimeout); got != RetryOK {
			t.Fatalf("retry %d = %v, want RetryOK", i, got)
		}
		if rm.RetryCount() != uint8(i) {
			t.Fatalf("count after retry %d = %d", i, rm.RetryCount())
		}
	}
	if got := rm.TryRetry(RetryTimeout); got != RetryExhausted {
		t.Fatalf("4th retry = %v, want RetryExhausted", got)
	}
	// Exhausted is terminal until Reset, with no state change.
	if got := rm.TryRetry(RetryNoResponse); got != RetryExhausted {
		t.Fatalf("5th retry = %v, want RetryExhausted", got)
	}
	if rm.RetryCount() != 3 || actions != 3 {
		t.Errorf("count=%d actions=%d after exhaustion, want 3/3", rm.RetryCount(), actions)
	}

	rm.Reset()
	if got := rm.TryRetry(RetryTimeout); got != RetryOK {
		t.Errorf("retry after Reset = %v, want RetryOK", got)
	}
}

func TestTryRetry_NotConfigured(t *testing.T) {
	rm := NewRetryManager(NewManager())
	rm.Configure(0, 0)
	if got := rm.TryRetry(RetryCheckFailed); got != RetryNotConfigured {
		t.Errorf("TryRetry with maxRetry 0 = %v, want RetryNotConfigured", got)
	}
	if rm.RetryCount() != 0 {
		t.Error("count changed on a rejected retry")
	}
}

func TestTryRetry_ResetCallbackAndTimeoutRebase(t *testing.T) {
	tm := NewManager()
	rm := NewRetryManager(tm)
	rm.Configure(1, 0)

	resets := 0
	rm.SetResetCallback(func() { resets++ })

	tm.SetStepTimeout(100)
	tm.Advance(90)
	rm.TryRetry(RetryResponseInvalid)
	if resets != 1 {
		t.Fatalf("reset callback ran %d times, want 1", resets)
	}
	tm.Advance(90)
	if tm.StepTimedOut() {
		t.Error("step timeout was not re-based by the retry")
	}
}

func TestDelayedRetry_FiresOncePerCycle(t *testing.T) {
	tm := NewManager()
	rm := NewRetryManager(tm)
	rm.Configure(2, 200)

	actions := 0
	rm.SetActionCallback(func() { actions++ })

	if got := rm.TryRetry(RetryTimeout); got != RetryOK {
		t.Fatalf("TryRetry = %v", got)
	}
	if actions != 0 {
		t.Fatal("action ran before the delay elapsed")
	}
	if !rm.WaitingRetryDelay() {
		t.Fatal("not waiting on the retry delay")
	}

	tm.Advance(100)
	if rm.CheckRetryDelayComplete() {
		t.Fatal("delay reported complete early")
	}
	tm.Advance(100)
	if !rm.CheckRetryDelayComplete() {
		t.Fatal("delay did not complete")
	}
	if actions != 1 {
		t.Fatalf("action ran %d times, want 1", actions)
	}
	// Exactly once per cycle.
	if rm.CheckRetryDelayComplete() {
		t.Error("completion reported twice for one retry cycle")
	}
}

func TestCancelRetryDelay(t *testing.T) {
	tm := NewManager()
	rm := NewRetryManager(tm)
	rm.Configure(1, 500)

	actions := 0
	rm.SetActionCallback(func() { actions++ })

	rm.TryRetry(RetryNoResponse)
	rm.CancelRetryDelay()
	if rm.WaitingRetryDelay() {
		t.Error("still waiting after cancel")
	}
	tm.Advance(1000)
	if rm.CheckRetryDelayComplete() || actions != 0 {
		t.Error("cancelled retry action still fired")
	}
	if tm.DelayActive() {
		t.Error("underlying software delay not cancelled")
	}
}

func TestRetryRemaining(t *testing.T) {
	rm := NewRetryManager(NewManager())
	rm.Configure(2, 0)
	if rm.RetryRemaining() != 2 {
		t.Errorf("remaining = %d, want 2", rm.RetryRemaining())
	}
	rm.TryRetry(RetryTimeout)
	if rm.RetryRemaining() != 1 {
		t.Errorf("remaining = %d, want 1", rm.RetryRemaining())
	}
	rm.TryRetry(RetryTimeout)
	if rm.RetryRemaining() != 0 {
		t.Errorf("remaining = %d, want 0", rm.RetryRemaining())
	}
}

func TestRetryReasonStrings(t *testing.T) {
	reasons := []RetryReason{RetryTimeout, RetryResponseInvalid, RetryCheckFailed, RetryNoResponse, RetryCommError}
	for _, r := range reasons {
		if r.String() == "unknown" {
			t.Errorf("reason %d has no string", r)
		}
	}
}
