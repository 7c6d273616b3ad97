// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package proto

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// fakeProtocol claims buffers whose first byte matches head.
type fakeProtocol struct {
	name     string
	head     byte
	result   Result // returned when head matches
	preamble *Preamble

	parseCalls int
	lastBuf    []byte
	initErr    error
	send       SendFunc
	responses  []uint16
	sentCmds   []uint16
	eventCb    EventCallback
}

func (f *fakeProtocol) Name() string { return f.name }
func (f *fakeProtocol) Init() error  { return f.initErr }

func (f *fakeProtocol) Parse(data []byte) Result {
	f.parseCalls++
	f.lastBuf = append([]byte(nil), data...)
	if len(data) > 0 && data[0] == f.head {
		return f.result // zero value is OK
	}
	return UnknownCmd
}

func (f *fakeProtocol) SendCmd(cmd uint16, param any) error {
	f.sentCmds = append(f.sentCmds, cmd)
	if f.send != nil {
		return f.send([]byte{f.head, byte(cmd)})
	}
	return nil
}

func (f *fakeProtocol) OnResponse(code uint16, data []byte) { f.responses = append(f.responses, code) }
func (f *fakeProtocol) SetSendFunc(fn SendFunc)             { f.send = fn }
func (f *fakeProtocol) SetEventCallback(cb EventCallback)   { f.eventCb = cb }
func (f *fakeProtocol) Preamble() *Preamble                 { return f.preamble }

func TestRegister_FirstAutoActivates(t *testing.T) {
	m := NewManager(nil)
	a := &fakeProtocol{name: "a", head: 0x68}
	b := &fakeProtocol{name: "b", head: 0x55}

	if err := m.RegisterPC(a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.RegisterPC(b); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if got := m.ActivePC(); got != Protocol(a) {
		t.Errorf("active = %v, want first registered", got)
	}
}

func TestRegister_Rejections(t *testing.T) {
	m := NewManager(nil)

	if err := m.RegisterPC(nil); !errors.Is(err, ErrNilProtocol) {
		t.Errorf("nil registration: %v", err)
	}
	if err := m.RegisterPC(&fakeProtocol{name: ""}); !errors.Is(err, ErrEmptyName) {
		t.Errorf("empty name: %v", err)
	}

	if err := m.RegisterPC(&fakeProtocol{name: "dup"}); err != nil {
		t.Fatalf("first dup: %v", err)
	}
	if err := m.RegisterPC(&fakeProtocol{name: "dup"}); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate name: %v", err)
	}

	// Fill remaining slots.
	for i := 1; i < MaxRegisteredProtocols; i++ {
		if err := m.RegisterPC(&fakeProtocol{name: fmt.Sprintf("p%d", i)}); err != nil {
			t.Fatalf("register p%d: %v", i, err)
		}
	}
	if err := m.RegisterPC(&fakeProtocol{name: "overflow"}); !errors.Is(err, ErrRegistryFull) {
		t.Errorf("overflow registration: %v", err)
	}

	// Rejections leave the registry intact.
	if got := len(m.RegisteredPC()); got != MaxRegisteredProtocols {
		t.Errorf("registry size = %d, want %d", got, MaxRegisteredProtocols)
	}
}

func TestRegister_InitFailure(t *testing.T) {
	m := NewManager(nil)
	bad := &fakeProtocol{name: "bad", initErr: errors.New("boom")}
	if err := m.RegisterPC(bad); err == nil {
		t.Fatal("init failure not propagated")
	}
	if len(m.RegisteredPC()) != 0 {
		t.Error("failed protocol was still registered")
	}
}

func TestParse_ClaimOrder(t *testing.T) {
	m := NewManager(nil)
	a := &fakeProtocol{name: "a", head: 0xAA}
	b := &fakeProtocol{name: "b", head: 0xBA}
	c := &fakeProtocol{name: "c", head: 0xCA}
	for _, p := range []*fakeProtocol{a, b, c} {
		if err := m.RegisterPC(p); err != nil {
			t.Fatal(err)
		}
	}

	if got := m.ParsePC([]byte{0xBA, 0x01}); got != OK {
		t.Fatalf("ParsePC = %v, want OK", got)
	}
	if a.parseCalls != 1 {
		t.Errorf("a tried %d times, want 1 (polled before b)", a.parseCalls)
	}
	if b.parseCalls != 1 {
		t.Errorf("b tried %d times, want 1", b.parseCalls)
	}
	if c.parseCalls != 0 {
		t.Errorf("c tried %d times, want 0 (claim stops the loop)", c.parseCalls)
	}
}

func TestParse_IncompleteShortCircuits(t *testing.T) {
	m := NewManager(nil)
	a := &fakeProtocol{name: "a", head: 0x68, result: Incomplete}
	b := &fakeProtocol{name: "b", head: 0x68}
	m.RegisterPC(a)
	m.RegisterPC(b)

	if got := m.ParsePC([]byte{0x68, 0x01}); got != Incomplete {
		t.Fatalf("ParsePC = %v, want Incomplete", got)
	}
	if b.parseCalls != 0 {
		t.Error("a partial frame must not be offered to later protocols")
	}
}

func TestParse_NoClaimant(t *testing.T) {
	m := NewManager(nil)
	m.RegisterPC(&fakeProtocol{name: "a", head: 0x68})
	if got := m.ParsePC([]byte{0x01, 0x02}); got != UnknownCmd {
		t.Errorf("ParsePC = %v, want UnknownCmd", got)
	}
	if got := m.ParsePC(nil); got != UnknownCmd {
		t.Errorf("ParsePC(empty) = %v, want UnknownCmd", got)
	}
}

func TestSendCmd_TargetsActiveOnly(t *testing.T) {
	m := NewManager(nil)
	a := &fakeProtocol{name: "a"}
	b := &fakeProtocol{name: "b"}
	m.RegisterDevice(a)
	m.RegisterDevice(b)

	if err := m.SendCmdDevice(0x2031, nil); err != nil {
		t.Fatal(err)
	}
	if len(a.sentCmds) != 1 || len(b.sentCmds) != 0 {
		t.Error("SendCmd did not target the active protocol")
	}

	if err := m.SetActiveDevice("b"); err != nil {
		t.Fatal(err)
	}
	m.OnResponseDevice(0xC022, nil)
	if len(b.responses) != 1 || len(a.responses) != 0 {
		t.Error("OnResponse did not target the active protocol")
	}
}

func TestSetActive_Unregistered(t *testing.T) {
	m := NewManager(nil)
	if err := m.SetActivePC("ghost"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("SetActivePC(ghost) = %v", err)
	}
}

func TestSendCmd_NoActive(t *testing.T) {
	m := NewManager(nil)
	if err := m.SendCmdPC(0x01, nil); !errors.Is(err, ErrNoActive) {
		t.Errorf("SendCmdPC with empty registry = %v", err)
	}
}

func TestDeviceSend_PreambleWrapping(t *testing.T) {
	m := NewManager(nil)
	wakeful := &fakeProtocol{
		name: "wakeful",
		head: 0x68,
		preamble: &Preamble{
			Enabled:     true,
			Data:        []byte{0xAA, 0xAA},
			RepeatCount: 3,
			DelayMs:     3,
			SyncData:    []byte{0xFE},
		},
	}
	m.RegisterDevice(wakeful)

	var wire bytes.Buffer
	var sleeps []uint32
	m.Sleep = func(ms uint32) { sleeps = append(sleeps, ms) }
	m.SetDeviceSendFunc(func(data []byte) error {
		wire.Write(data)
		return nil
	})

	payload := []byte{0x68, 0x01, 0x02, 0x16}
	if err := wakeful.send(payload); err != nil {
		t.Fatal(err)
	}

	want := []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xFE, 0x68, 0x01, 0x02, 0x16}
	if !bytes.Equal(wire.Bytes(), want) {
		t.Errorf("wire bytes = % X, want % X", wire.Bytes(), want)
	}
	if len(sleeps) != 3 {
		t.Errorf("slept %d times, want once per preamble repeat", len(sleeps))
	}
}

func TestDeviceSend_PreambleFollowsActiveNotSender(t *testing.T) {
	m := NewManager(nil)
	quiet := &fakeProtocol{name: "quiet", head: 0x68}
	wakeful := &fakeProtocol{
		name:     "wakeful",
		head:     0x55,
		preamble: &Preamble{Enabled: true, Data: []byte{0xAA}, RepeatCount: 1},
	}
	m.RegisterDevice(quiet) // auto-activates
	m.RegisterDevice(wakeful)

	var wire bytes.Buffer
	m.SetDeviceSendFunc(func(data []byte) error {
		wire.Write(data)
		return nil
	})

	// wakeful transmits while quiet is active: no preamble.
	wakeful.send([]byte{0x55, 0x01})
	if !bytes.Equal(wire.Bytes(), []byte{0x55, 0x01}) {
		t.Errorf("inactive protocol's preamble was injected: % X", wire.Bytes())
	}

	wire.Reset()
	m.SetActiveDevice("wakeful")
	quiet.send([]byte{0x68, 0x02})
	if !bytes.Equal(wire.Bytes(), []byte{0xAA, 0x68, 0x02}) {
		t.Errorf("active protocol's preamble missing: % X", wire.Bytes())
	}
}

func TestSetSendFunc_PropagatesToLaterRegistrations(t *testing.T) {
	m := NewManager(nil)
	var wire bytes.Buffer
	m.SetDeviceSendFunc(func(data []byte) error {
		wire.Write(data)
		return nil
	})

	late := &fakeProtocol{name: "late", head: 0x68}
	m.RegisterDevice(late)
	if late.send == nil {
		t.Fatal("send function not propagated at registration")
	}
	late.send([]byte{0x68})
	if wire.Len() == 0 {
		t.Error("propagated sender is not wired to the link")
	}
}
