// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package valvetest

import (
	"testing"
)

// mockHAL emulates a meter board on the bench. Command replies are
// latched straight back into the context, and the drive voltages
// follow the commands the way a healthy valve motor would unless a
// fault flag says otherwise.
type mockHAL struct {
	ctx *Context

	a, b     uint32
	posOpen  uint8
	posClose uint8

	delayLeft uint32

	expectCode  uint16 // what the machine should wait for
	configReply uint16 // what the board answers; 0 means never
	openReply   uint16
	closeReply  uint16

	driveOnOpen  bool // motor drives after open ack
	driveOnClose bool
	stopOnSignal bool // motor stops when a position signal asserts

	configSent int
	openSent   int
	closeSent  int
	statusSent int

	signals  [][2]uint8
	restored bool
}

func newMockHAL() *mockHAL {
	return &mockHAL{
		a:            1500,
		b:            0,
		expectCode:   CodeConfigMechanical,
		configReply:  CodeConfigMechanical,
		openReply:    CodeValveControl,
		closeReply:   CodeValveControl,
		driveOnOpen:  true,
		driveOnClose: true,
		stopOnSignal: true,
	}
}

func (h *mockHAL) elapse(ms uint32) {
	if h.delayLeft <= ms {
		h.delayLeft = 0
	} else {
		h.delayLeft -= ms
	}
}

func (h *mockHAL) ReadVoltageA() uint32 { return h.a }
func (h *mockHAL) ReadVoltageB() uint32 { return h.b }
func (h *mockHAL) ReadPosOpen() uint8 { return h.posOpen }
func (h *mockHAL) ReadPosClose() uint8 { return h.posClose }

func (h *mockHAL) SendConfig() {
	h.configSent++
	if h.configReply != 0 {
		h.ctx.OnResponse(h.configReply)
	}
}

func (h *mockHAL) SendOpenValve() {
	h.openSent++
	if h.openReply != 0 {
		h.ctx.OnResponse(h.openReply)
		if h.driveOnOpen {
			h.a, h.b = 3000, 0
		}
	}
}

func (h *mockHAL) SendCloseValve() {
	h.closeSent++
	if h.closeReply != 0 {
		h.ctx.OnResponse(h.closeReply)
		if h.driveOnClose {
			h.a, h.b = 0, 3000
		}
	}
}

func (h *mockHAL) SendReadStatus() { h.statusSent++ }

func (h *mockHAL) OutputPositionSignals(open, close uint8) {
	h.signals = append(h.signals, [2]uint8{open, close})
	if (open == 1 || close == 1) && h.stopOnSignal {
		h.a, h.b = 0, 0
	}
}

func (h *mockHAL) RestoreSignalInputs() { h.restored = true }

func (h *mockHAL) SetSoftDelay(ms uint32) { h.delayLeft = ms }
func (h *mockHAL) SoftDelayDone() bool { return h.delayLeft == 0 }

func (h *mockHAL) MeterType() MeterType { return MeterMechanical }
func (h *mockHAL) ExpectedConfigCode() uint16 { return h.expectCode }

func newTestContext(t *testing.T) (*Context, *mockHAL) {
	t.Helper()
	h := newMockHAL()
	c := New(h, nil)
	h.ctx = c
	return c, h
}

// run ticks the machine in 10ms steps until it stops or budget runs out.
func run(c *Context, h *mockHAL, budgetMs uint32) Result {
	const tick = 10
	for t := uint32(0); t < budgetMs; t += tick {
		h.elapse(tick)
		c.Loop(tick)
		if !c.Running() {
			break
		}
	}
	return c.Result()
}

func TestFullPass(t *testing.T) {
	c, h := newTestContext(t)
	c.Start()

	if got := run(c, h, TotalTimeoutMs); got != Success {
		t.Fatalf("result = %v (step %v, reason %v), want success",
			got, c.FailStep(), c.FailReason())
	}
	if c.FailReason() != FailNone {
		t.Fatalf("fail reason = %v, want none", c.FailReason())
	}
	if h.configSent != 1 || h.openSent != 1 || h.closeSent != 1 {
		t.Fatalf("sends = config %d open %d close %d, want 1 each",
			h.configSent, h.openSent, h.closeSent)
	}

	want := [][2]uint8{{0, 0}, {1, 0}, {0, 0}, {0, 1}, {0, 0}}
	if len(h.signals) != len(want) {
		t.Fatalf("signal sequence = %v, want %v", h.signals, want)
	}
	for i, s := range want {
		if h.signals[i] != s {
			t.Fatalf("signal[%d] = %v, want %v", i, h.signals[i], s)
		}
	}
}

func TestConfigMismatchExhaustsRetries(t *testing.T) {
	c, h := newTestContext(t)
	h.configReply = CodeConfigUltrasonic // board answers the wrong code
	c.Start()

	if got := run(c, h, TotalTimeoutMs); got != Fail {
		t.Fatalf("result = %v, want fail", got)
	}
	if c.FailReason() != FailConfigRetry {
		t.Fatalf("reason = %v, want config retry", c.FailReason())
	}
	if c.FailStep() != StepConfig {
		t.Fatalf("fail step = %v, want config", c.FailStep())
	}
	// Initial send plus MaxRetry resends.
	if h.configSent != 1+MaxRetry {
		t.Fatalf("config sends = %d, want %d", h.configSent, 1+MaxRetry)
	}
}

func TestBadInitialVoltage(t *testing.T) {
	c, h := newTestContext(t)
	h.a = 0 // line A should sit above the low threshold before the test
	c.Start()

	if got := run(c, h, TotalTimeoutMs); got != Fail {
		t.Fatalf("result = %v, want fail", got)
	}
	if c.FailReason() != FailInitialVoltageA {
		t.Fatalf("reason = %v, want initial voltage A", c.FailReason())
	}
	if c.FailStep() != StepCheckInitial {
		t.Fatalf("fail step = %v, want check initial", c.FailStep())
	}
	// One config per pass through the check loop.
	if h.configSent != 1+MaxRetry {
		t.Fatalf("config sends = %d, want %d", h.configSent, 1+MaxRetry)
	}
}

func TestOpenCommandTimeout(t *testing.T) {
	c, h := newTestContext(t)
	h.openReply = 0
	c.Start()

	if got := run(c, h, TotalTimeoutMs); got != Fail {
		t.Fatalf("result = %v, want fail", got)
	}
	if c.FailReason() != FailOpenCmdTimeout {
		t.Fatalf("reason = %v, want open cmd timeout", c.FailReason())
	}
	if h.openSent != 1+MaxRetry {
		t.Fatalf("open sends = %d, want %d", h.openSent, 1+MaxRetry)
	}
}

func TestOpenDetectTimeout(t *testing.T) {
	c, h := newTestContext(t)
	h.driveOnOpen = false // acked but the motor never moves
	c.Start()

	if got := run(c, h, TotalTimeoutMs); got != Timeout {
		t.Fatalf("result = %v, want timeout", got)
	}
	if c.FailReason() != FailOpenDetectTimeout {
		t.Fatalf("reason = %v, want open detect timeout", c.FailReason())
	}
	// Every detect retry resends the open command.
	if h.openSent != 1+MaxRetry {
		t.Fatalf("open sends = %d, want %d", h.openSent, 1+MaxRetry)
	}
}

func TestOpenStateCheckFailure(t *testing.T) {
	c, h := newTestContext(t)
	h.stopOnSignal = false // motor keeps driving despite the signal
	c.Start()

	if got := run(c, h, TotalTimeoutMs); got != Fail {
		t.Fatalf("result = %v, want fail", got)
	}
	if c.FailReason() != FailOpenStateCheck {
		t.Fatalf("reason = %v, want open state check", c.FailReason())
	}
	if c.FailStep() != StepCheckOpenState {
		t.Fatalf("fail step = %v, want check open state", c.FailStep())
	}
}

func TestCloseCommandFailureIsFatal(t *testing.T) {
	c, h := newTestContext(t)
	h.closeReply = 0
	c.Start()

	if got := run(c, h, TotalTimeoutMs); got != Fail {
		t.Fatalf("result = %v, want fail", got)
	}
	if c.FailReason() != FailCloseCmdTimeout {
		t.Fatalf("reason = %v, want close cmd timeout", c.FailReason())
	}
	// No resend loop on the close command.
	if h.closeSent != 1 {
		t.Fatalf("close sends = %d, want 1", h.closeSent)
	}
}

func TestCloseDetectTimeoutIsFatal(t *testing.T) {
	c, h := newTestContext(t)
	h.driveOnClose = false
	c.Start()

	if got := run(c, h, TotalTimeoutMs); got != Timeout {
		t.Fatalf("result = %v, want timeout", got)
	}
	if c.FailReason() != FailCloseDetectTimeout {
		t.Fatalf("reason = %v, want close detect timeout", c.FailReason())
	}
	if h.closeSent != 1 {
		t.Fatalf("close sends = %d, want 1", h.closeSent)
	}
}

func TestTotalTimeout(t *testing.T) {
	c, _ := newTestContext(t)
	c.Start()

	if got := c.Loop(TotalTimeoutMs); got != Timeout {
		t.Fatalf("result = %v, want timeout", got)
	}
	if c.FailReason() != FailTotalTimeout {
		t.Fatalf("reason = %v, want total timeout", c.FailReason())
	}
	if c.Running() {
		t.Fatal("context still running after total timeout")
	}
}

func TestStopReleasesSignals(t *testing.T) {
	c, h := newTestContext(t)
	c.Start()
	run(c, h, 2000)

	c.Stop()
	if !h.restored {
		t.Fatal("signal pins not restored to inputs")
	}
	if c.Running() {
		t.Fatal("context still running after stop")
	}
	if c.Result() != Idle {
		t.Fatalf("result = %v, want idle", c.Result())
	}
}

func TestLoopIdleWithoutStart(t *testing.T) {
	c, h := newTestContext(t)
	if got := c.Loop(10); got != Idle {
		t.Fatalf("result = %v, want idle", got)
	}
	if h.configSent != 0 {
		t.Fatal("idle loop sent config")
	}
}

func TestStepAndReasonNames(t *testing.T) {
	for s := StepInit; s <= StepDone; s++ {
		if s.String() == "unknown" {
			t.Fatalf("step %d has no name", s)
		}
	}
	for r := FailNone; r <= FailTotalTimeout; r++ {
		if r.String() == "unknown error" {
			t.Fatalf("fail reason %d has no name", r)
		}
	}
}
