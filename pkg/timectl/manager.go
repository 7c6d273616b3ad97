// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

// Package timectl provides the cooperative timing services the fixture
// loop is built on: a millisecond tick counter, a global test timeout,
// a per-step timeout, a single non-blocking delay, and a small set of
// self-rearming periodic slots.
//
// Nothing here blocks. The owner advances the tick (normally once per
// millisecond) and polls; all deadline checks happen in the poll calls,
// never in Tick itself.
package timectl

// PeriodID identifies a periodic task slot.
type PeriodID int

// Periodic task slots.
const (
	PeriodLED PeriodID = iota
	PeriodPower
	PeriodDebug
	PeriodWatchdog
	PeriodUser1
	PeriodUser2
	periodCount
)

// Default intervals and timeouts in milliseconds.
const (
	DefaultGlobalTimeout = 90000

	PeriodIntervalLED      = 500
	PeriodIntervalPower    = 500
	PeriodIntervalDebug    = 2000
	PeriodIntervalWatchdog = 1000
)

// TimeoutKind reports which deadline fired, global timeouts taking
// priority over step timeouts.
type TimeoutKind int

const (
	TimeoutNone TimeoutKind = iota
	TimeoutGlobal
	TimeoutStep
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutNone:
		return "none"
	case TimeoutGlobal:
		return "global"
	case TimeoutStep:
		return "step"
	default:
		return "unknown"
	}
}

type timerSlot struct {
	durationMs uint32
	startTick  uint32
	active     bool
}

// Manager holds all timing state for one fixture instance.
// The zero value is ready to use.
type Manager struct {
	tick uint32

	global timerSlot
	step   timerSlot
	delay  timerSlot

	periodInterval [periodCount]uint32
	periodLast     [periodCount]uint32
	periodActive   [periodCount]bool
}

// NewManager returns a Manager with the default periodic intervals
// preloaded (slots still need StartPeriod to arm).
func NewManager() *Manager {
	m := &Manager{}
	m.periodInterval[PeriodLED] = PeriodIntervalLED
	m.periodInterval[PeriodPower] = PeriodIntervalPower
	m.periodInterval[PeriodDebug] = PeriodIntervalDebug
	m.periodInterval[PeriodWatchdog] = PeriodIntervalWatchdog
	return m
}

// Tick advances the millisecond counter by one. Deliberately does no
// deadline comparison work so it stays O(1) for the tick source.
func (m *Manager) Tick() {
	m.tick++
}

// Advance moves the counter forward by ms in one call.
func (m *Manager) Advance(ms uint32) {
	m.tick += ms
}

// Now returns the current tick count in milliseconds.
func (m *Manager) Now() uint32 {
	return m.tick
}

// Elapsed returns milliseconds since start, correct across 32-bit
// counter wraparound.
func (m *Manager) Elapsed(start uint32) uint32 {
	if m.tick >= start {
		return m.tick - start
	}
	return (0xFFFFFFFF - start) + m.tick + 1
}

// StartGlobalTimeout arms the whole-test deadline. A zero timeout
// selects DefaultGlobalTimeout.
func (m *Manager) StartGlobalTimeout(timeoutMs uint32) {
	if timeoutMs == 0 {
		timeoutMs = DefaultGlobalTimeout
	}
	m.global = timerSlot{durationMs: timeoutMs, startTick: m.tick, active: true}
}

// StopGlobalTimeout disarms the whole-test deadline.
func (m *Manager) StopGlobalTimeout() {
	m.global.active = false
}

// GlobalTimedOut reports whether the global deadline has passed.
// Pure poll, no state change.
func (m *Manager) GlobalTimedOut() bool {
	return m.global.active && m.Elapsed(m.global.startTick) >= m.global.durationMs
}

// GlobalRemaining returns milliseconds left on the global deadline,
// 0 when expired or inactive.
func (m *Manager) GlobalRemaining() uint32 {
	return m.remaining(&m.global)
}

// SetStepTimeout arms the per-step deadline from now.
func (m *Manager) SetStepTimeout(timeoutMs uint32) {
	m.step = timerSlot{durationMs: timeoutMs, startTick: m.tick, active: true}
}

// ResetStepTimeout re-bases an active step deadline to now without
// changing its duration. Used by the retry path to extend the deadline.
func (m *Manager) ResetStepTimeout() {
	if m.step.active {
		m.step.startTick = m.tick
	}
}

// StopStepTimeout disarms the per-step deadline.
func (m *Manager) StopStepTimeout() {
	m.step.active = false
}

// StepTimedOut reports whether the step deadline has passed.
func (m *Manager) StepTimedOut() bool {
	return m.step.active && m.Elapsed(m.step.startTick) >= m.step.durationMs
}

// StepRemaining returns milliseconds left on the step deadline.
func (m *Manager) StepRemaining() uint32 {
	return m.remaining(&m.step)
}

// CheckTimeout reports the highest-priority expired deadline:
// global before step.
func (m *Manager) CheckTimeout() TimeoutKind {
	if m.GlobalTimedOut() {
		return TimeoutGlobal
	}
	if m.StepTimedOut() {
		return TimeoutStep
	}
	return TimeoutNone
}

// SetDelay arms the single software delay.
func (m *Manager) SetDelay(delayMs uint32) {
	m.delay = timerSlot{durationMs: delayMs, startTick: m.tick, active: true}
}

// DelayComplete reports whether the software delay has elapsed. An
// inactive delay counts as complete; the first poll after expiry clears
// the active flag, so callers must track whether they armed one.
func (m *Manager) DelayComplete() bool {
	if !m.delay.active {
		return true
	}
	if m.Elapsed(m.delay.startTick) >= m.delay.durationMs {
		m.delay.active = false
		return true
	}
	return false
}

// DelayActive reports whether a software delay is still pending.
func (m *Manager) DelayActive() bool {
	return m.delay.active
}

// CancelDelay disarms the software delay.
func (m *Manager) CancelDelay() {
	m.delay.active = false
}

// DelayRemaining returns milliseconds left on the software delay.
func (m *Manager) DelayRemaining() uint32 {
	return m.remaining(&m.delay)
}

// StartPeriod arms a periodic slot with the given interval.
func (m *Manager) StartPeriod(id PeriodID, intervalMs uint32) {
	if id < 0 || id >= periodCount {
		return
	}
	m.periodInterval[id] = intervalMs
	m.periodLast[id] = m.tick
	m.periodActive[id] = true
}

// StopPeriod disarms a periodic slot.
func (m *Manager) StopPeriod(id PeriodID) {
	if id < 0 || id >= periodCount {
		return
	}
	m.periodActive[id] = false
}

// PeriodElapsed reports whether the slot's interval has passed, and if
// so re-bases the slot so it fires again one interval later.
func (m *Manager) PeriodElapsed(id PeriodID) bool {
	if id < 0 || id >= periodCount || !m.periodActive[id] {
		return false
	}
	if m.Elapsed(m.periodLast[id]) >= m.periodInterval[id] {
		m.periodLast[id] = m.tick
		return true
	}
	return false
}

func (m *Manager) remaining(s *timerSlot) uint32 {
	if !s.active {
		return 0
	}
	elapsed := m.Elapsed(s.startTick)
	if elapsed >= s.durationMs {
		return 0
	}
	return s.durationMs - elapsed
}
