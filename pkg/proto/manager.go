// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package proto

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Registration errors. All are non-fatal to the manager: the system
// keeps running with whatever registered successfully.
var (
	ErrNilProtocol   = errors.New("nil protocol")
	ErrEmptyName     = errors.New("protocol has no name")
	ErrDuplicateName = errors.New("protocol name already registered")
	ErrRegistryFull  = errors.New("protocol registry full")
	ErrNotRegistered = errors.New("protocol not registered")
	ErrNoActive      = errors.New("no active protocol")
	ErrNoSendFunc    = errors.New("no send function configured")
)

// Side selects one of the two links the manager multiplexes.
type Side int

const (
	SidePC Side = iota
	SideDevice
)

func (s Side) String() string {
	if s == SidePC {
		return "pc"
	}
	return "device"
}

type registry struct {
	protocols []Protocol
	active    int // index into protocols, -1 when empty
	rawSend   SendFunc
	send      SendFunc // what registered protocols actually call
}

// Manager owns the protocol registries for both links. One Manager
// instance serves one fixture; it is not safe for concurrent use and
// is intended to be driven from a single cooperative loop.
type Manager struct {
	pc     registry
	device registry

	// Sleep paces preamble repeats. Defaults to a no-op so tests and
	// non-realtime callers never stall.
	Sleep func(ms uint32)

	log *zap.Logger
}

// NewManager returns an initialized Manager with empty registries.
// logger may be nil.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pc:     registry{active: -1},
		device: registry{active: -1},
		Sleep:  func(uint32) {},
		log:    logger,
	}
}

// RegisterPC adds a protocol to the PC-side registry.
func (m *Manager) RegisterPC(p Protocol) error {
	return m.register(SidePC, p)
}

// RegisterDevice adds a protocol to the device-side registry.
func (m *Manager) RegisterDevice(p Protocol) error {
	return m.register(SideDevice, p)
}

func (m *Manager) register(side Side, p Protocol) error {
	if p == nil {
		m.log.Warn("protocol registration rejected", zap.Stringer("side", side), zap.Error(ErrNilProtocol))
		return ErrNilProtocol
	}
	if p.Name() == "" {
		m.log.Warn("protocol registration rejected", zap.Stringer("side", side), zap.Error(ErrEmptyName))
		return ErrEmptyName
	}

	reg := m.side(side)
	for _, existing := range reg.protocols {
		if existing.Name() == p.Name() {
			m.log.Warn("protocol registration rejected",
				zap.Stringer("side", side), zap.String("name", p.Name()), zap.Error(ErrDuplicateName))
			return fmt.Errorf("%w: %s", ErrDuplicateName, p.Name())
		}
	}
	if len(reg.protocols) >= MaxRegisteredProtocols {
		m.log.Warn("protocol registration rejected",
			zap.Stringer("side", side), zap.String("name", p.Name()), zap.Error(ErrRegistryFull))
		return ErrRegistryFull
	}

	if err := p.Init(); err != nil {
		m.log.Warn("protocol init failed",
			zap.Stringer("side", side), zap.String("name", p.Name()), zap.Error(err))
		return fmt.Errorf("init %s: %w", p.Name(), err)
	}

	// Propagate the link send function if one is already configured.
	// Device protocols always get the preamble-wrapping sender.
	if reg.send != nil {
		p.SetSendFunc(reg.send)
	}

	reg.protocols = append(reg.protocols, p)
	if reg.active < 0 {
		reg.active = 0
		m.log.Info("protocol auto-activated", zap.Stringer("side", side), zap.String("name", p.Name()))
	}
	m.log.Info("protocol registered",
		zap.Stringer("side", side), zap.String("name", p.Name()), zap.Int("slot", len(reg.protocols)-1))
	return nil
}

// SetActivePC selects the PC-side protocol targeted by SendCmd and
// OnResponse. Parse dispatch is unaffected.
func (m *Manager) SetActivePC(name string) error {
	return m.setActive(SidePC, name)
}

// SetActiveDevice selects the device-side protocol targeted by SendCmd
// and OnResponse, and whose preamble policy governs every device-side
// transmit.
func (m *Manager) SetActiveDevice(name string) error {
	return m.setActive(SideDevice, name)
}

func (m *Manager) setActive(side Side, name string) error {
	reg := m.side(side)
	for i, p := range reg.protocols {
		if p.Name() == name {
			reg.active = i
			m.log.Info("protocol activated", zap.Stringer("side", side), zap.String("name", name))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotRegistered, name)
}

// ActivePC returns the PC-side active protocol, nil when none.
func (m *Manager) ActivePC() Protocol { return m.activeOn(SidePC) }

// ActiveDevice returns the device-side active protocol, nil when none.
func (m *Manager) ActiveDevice() Protocol { return m.activeOn(SideDevice) }

func (m *Manager) activeOn(side Side) Protocol {
	reg := m.side(side)
	if reg.active < 0 || reg.active >= len(reg.protocols) {
		return nil
	}
	return reg.protocols[reg.active]
}

// ParsePC offers data to the PC-side protocols.
func (m *Manager) ParsePC(data []byte) Result {
	return m.parse(SidePC, data)
}

// ParseDevice offers data to the device-side protocols.
func (m *Manager) ParseDevice(data []byte) Result {
	return m.parse(SideDevice, data)
}

// parse runs the claim loop: registration order, first OK wins, first
// Incomplete short-circuits (the buffer is a prefix of SOME frame and
// offering it to later protocols could mis-claim it), anything else
// moves on. UnknownCmd when nobody claims.
func (m *Manager) parse(side Side, data []byte) Result {
	if len(data) == 0 {
		return UnknownCmd
	}
	for _, p := range m.side(side).protocols {
		switch r := p.Parse(data); r {
		case OK:
			return OK
		case Incomplete:
			return Incomplete
		}
	}
	return UnknownCmd
}

// SendCmdPC sends cmd through the active PC-side protocol.
func (m *Manager) SendCmdPC(cmd uint16, param any) error {
	return m.sendCmd(SidePC, cmd, param)
}

// SendCmdDevice sends cmd through the active device-side protocol.
func (m *Manager) SendCmdDevice(cmd uint16, param any) error {
	return m.sendCmd(SideDevice, cmd, param)
}

func (m *Manager) sendCmd(side Side, cmd uint16, param any) error {
	p := m.activeOn(side)
	if p == nil {
		return ErrNoActive
	}
	return p.SendCmd(cmd, param)
}

// OnResponsePC forwards a response to the active PC-side protocol.
func (m *Manager) OnResponsePC(code uint16, data []byte) {
	if p := m.activeOn(SidePC); p != nil {
		p.OnResponse(code, data)
	}
}

// OnResponseDevice forwards a response to the active device-side
// protocol.
func (m *Manager) OnResponseDevice(code uint16, data []byte) {
	if p := m.activeOn(SideDevice); p != nil {
		p.OnResponse(code, data)
	}
}

// SetPCSendFunc installs the PC link transmit function and propagates
// it to every registered PC protocol.
func (m *Manager) SetPCSendFunc(fn SendFunc) {
	m.pc.rawSend = fn
	m.pc.send = fn
	for _, p := range m.pc.protocols {
		p.SetSendFunc(fn)
	}
}

// SetDeviceSendFunc installs the device link transmit function. Every
// registered device protocol is handed a wrapper that injects the
// active protocol's preamble, never the raw function.
func (m *Manager) SetDeviceSendFunc(fn SendFunc) {
	m.device.rawSend = fn
	m.device.send = m.sendWithPreamble
	for _, p := range m.device.protocols {
		p.SetSendFunc(m.device.send)
	}
}

// sendWithPreamble transmits the active device protocol's wake-up
// sequence, if any, ahead of the payload. The preamble follows the
// ACTIVE protocol, not the sending one: one preamble policy is live at
// a time, selected with SetActiveDevice.
func (m *Manager) sendWithPreamble(payload []byte) error {
	raw := m.device.rawSend
	if raw == nil {
		return ErrNoSendFunc
	}

	if pp, ok := m.activeOn(SideDevice).(PreambleProvider); ok {
		if pre := pp.Preamble(); pre != nil && pre.Enabled {
			for i := 0; i < pre.RepeatCount; i++ {
				if err := raw(pre.Data); err != nil {
					return fmt.Errorf("preamble: %w", err)
				}
				if pre.DelayMs > 0 {
					m.Sleep(pre.DelayMs)
				}
			}
			if len(pre.SyncData) > 0 {
				if err := raw(pre.SyncData); err != nil {
					return fmt.Errorf("preamble sync: %w", err)
				}
			}
		}
	}
	return raw(payload)
}

// RegisteredPC returns the PC-side protocol names in registration
// order.
func (m *Manager) RegisteredPC() []string { return m.names(SidePC) }

// RegisteredDevice returns the device-side protocol names in
// registration order.
func (m *Manager) RegisteredDevice() []string { return m.names(SideDevice) }

func (m *Manager) names(side Side) []string {
	reg := m.side(side)
	out := make([]string, len(reg.protocols))
	for i, p := range reg.protocols {
		out[i] = p.Name()
	}
	return out
}

func (m *Manager) side(s Side) *registry {
	if s == SidePC {
		return &m.pc
	}
	return &m.device
}
