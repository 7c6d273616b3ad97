// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package timectl

import "testing"

func TestElapsed_Simple(t *testing.T) {
	m := NewManager()
	start := m.Now()
	m.Advance(1500)
	if got := m.Elapsed(start); got != 1500 {
		t.Errorf("Elapsed = %d, want 1500", got)
	}
}

func TestElapsed_Wraparound(t *testing.T) {
	m := NewManager()
	m.tick = 0xFFFFFFF0
	start := m.Now()
	m.Advance(0x20) // wraps past 0xFFFFFFFF to 0x10
	if got := m.Elapsed(start); got != 0x20 {
		t.Errorf("Elapsed across wrap = %d, want 32", got)
	}
}

func TestGlobalTimeout_DefaultAndExpiry(t *testing.T) {
	m := NewManager()
	m.StartGlobalTimeout(0)
	if m.GlobalTimedOut() {
		t.Fatal("timed out immediately")
	}
	m.Advance(DefaultGlobalTimeout - 1)
	if m.GlobalTimedOut() {
		t.Fatal("timed out one tick early")
	}
	m.Tick()
	if !m.GlobalTimedOut() {
		t.Fatal("did not time out at the default deadline")
	}
}

func TestGlobalTimedOut_IsPure(t *testing.T) {
	m := NewManager()
	m.StartGlobalTimeout(10)
	m.Advance(20)
	if !m.GlobalTimedOut() || !m.GlobalTimedOut() {
		t.Error("repeated polls should keep reporting timeout")
	}
}

func TestStepTimeout_ResetRebases(t *testing.T) {
	m := NewManager()
	m.SetStepTimeout(100)
	m.Advance(90)
	m.ResetStepTimeout()
	m.Advance(90)
	if m.StepTimedOut() {
		t.Fatal("reset did not extend the deadline")
	}
	m.Advance(10)
	if !m.StepTimedOut() {
		t.Fatal("step should time out 100ms after reset")
	}
}

func TestResetStepTimeout_InactiveIsNoop(t *testing.T) {
	m := NewManager()
	m.ResetStepTimeout()
	if m.StepTimedOut() {
		t.Error("inactive step timer must not fire")
	}
}

func TestCheckTimeout_GlobalPriority(t *testing.T) {
	m := NewManager()
	m.StartGlobalTimeout(10)
	m.SetStepTimeout(5)
	m.Advance(20)
	if got := m.CheckTimeout(); got != TimeoutGlobal {
		t.Errorf("CheckTimeout = %v, want global", got)
	}
	m.StopGlobalTimeout()
	if got := m.CheckTimeout(); got != TimeoutStep {
		t.Errorf("CheckTimeout = %v, want step", got)
	}
	m.StopStepTimeout()
	if got := m.CheckTimeout(); got != TimeoutNone {
		t.Errorf("CheckTimeout = %v, want none", got)
	}
}

func TestDelay_SelfClearsOnFirstCompletePoll(t *testing.T) {
	m := NewManager()
	m.SetDelay(50)
	if m.DelayComplete() {
		t.Fatal("delay complete before any time passed")
	}
	m.Advance(50)
	if !m.DelayComplete() {
		t.Fatal("delay should be complete")
	}
	if m.DelayActive() {
		t.Fatal("first completing poll should clear the active flag")
	}
	// Inactive delay reads as complete.
	if !m.DelayComplete() {
		t.Fatal("inactive delay should report complete")
	}
}

func TestCancelDelay(t *testing.T) {
	m := NewManager()
	m.SetDelay(100)
	m.CancelDelay()
	if m.DelayActive() {
		t.Error("cancel left the delay active")
	}
	if !m.DelayComplete() {
		t.Error("cancelled delay should report complete")
	}
}

func TestPeriod_SelfRearms(t *testing.T) {
	m := NewManager()
	m.StartPeriod(PeriodUser1, 100)

	fires := 0
	for i := 0; i < 350; i++ {
		m.Tick()
		if m.PeriodElapsed(PeriodUser1) {
			fires++
		}
	}
	if fires != 3 {
		t.Errorf("period fired %d times in 350ms at 100ms interval, want 3", fires)
	}
}

func TestPeriod_InactiveNeverFires(t *testing.T) {
	m := NewManager()
	m.Advance(10000)
	if m.PeriodElapsed(PeriodLED) {
		t.Error("unarmed period fired")
	}
	m.StartPeriod(PeriodLED, 10)
	m.StopPeriod(PeriodLED)
	m.Advance(100)
	if m.PeriodElapsed(PeriodLED) {
		t.Error("stopped period fired")
	}
}

func TestRemaining(t *testing.T) {
	m := NewManager()
	m.StartGlobalTimeout(1000)
	m.SetStepTimeout(500)
	m.SetDelay(200)
	m.Advance(100)
	if got := m.GlobalRemaining(); got != 900 {
		t.Errorf("GlobalRemaining = %d, want 900", got)
	}
	if got := m.StepRemaining(); got != 400 {
		t.Errorf("StepRemaining = %d, want 400", got)
	}
	if got := m.DelayRemaining(); got != 100 {
		t.Errorf("DelayRemaining = %d, want 100", got)
	}
	m.Advance(2000)
	if got := m.GlobalRemaining(); got != 0 {
		t.Errorf("expired GlobalRemaining = %d, want 0", got)
	}
}
