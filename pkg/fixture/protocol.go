// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

// Package fixture implements the bench-management protocol on the PC
// link: mode configuration, software identification, direct fixture
// hardware control, failed-step queries, and the flash/statistics
// diagnostics. Frames use the 0x55/0xAA head/tail pair so they never
// collide with meter or MES traffic sharing the same line,
//
//	55 cmd len:u8 station payload sum8 AA
//
// with len counting the whole frame and sum8 taken over everything
// before it. Frames for another station are claimed and dropped.
//
// The protocol owns the three link modes. Debug mode suppresses query
// responses (results go to the log instead) so an operator can probe a
// bench without confusing the line controller; pass-through mode and
// the pass-through preamble flag are published through getters for the
// forwarding layer.
package fixture

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/checksum"
	"github.com/veriflux/meterbench/pkg/partition"
	"github.com/veriflux/meterbench/pkg/proto"
	"github.com/veriflux/meterbench/pkg/stats"
)

// Command bytes of the bench-management dialect.
const (
	CmdSetConfig        = 0xAE
	CmdSetConfigAck     = 0xAF
	CmdQueryFailStep    = 0xBE
	CmdFailStepResponse = 0xBF
	CmdQueryConfig      = 0xC0
	CmdQueryConfigAck   = 0xC1
	CmdFTControl        = 0xC2
	CmdFTControlAck     = 0xC3
	CmdFlashInfo        = 0xD0
	CmdFlashInfoAck     = 0xD1
	CmdTestStats        = 0xD4
	CmdTestStatsAck     = 0xD5
)

const (
	minFrameLen      = 6
	setConfigLen     = 9
	ftControlLen     = 37
	defaultStationID = 1
)

// TestStatus reported in the fail-step response.
type TestStatus uint8

const (
	TestRunning TestStatus = 0
	TestPassed  TestStatus = 1
	TestFailed  TestStatus = 2
)

func (s TestStatus) String() string {
	switch s {
	case TestRunning:
		return "running"
	case TestPassed:
		return "passed"
	case TestFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config is the link-mode switch set carried by SetConfig.
type Config struct {
	Debug       bool
	PassThrough bool
	Preamble    bool
}

// FailInfo describes the current or final test step for the 0xBE
// query. Names longer than 63 bytes are truncated on the wire.
type FailInfo struct {
	Status     TestStatus
	StepID     uint8
	StepName   string
	Reason     uint8
	ReasonName string
}

// Hooks connect the protocol to the rest of the fixture. Every field
// is optional; missing hooks fall back to harmless defaults.
type Hooks struct {
	// StationID returns the local station number (default 1).
	StationID func() uint8
	// Version returns the software version, major in the high byte.
	Version func() uint16
	// BuildTime returns the firmware build-time string.
	BuildTime func() string
	// FailInfo returns the current test step and failure detail.
	FailInfo func() FailInfo
	// OnConfig fires after a SetConfig frame changed the link modes.
	OnConfig func(Config)
	// OnControl fires for each accepted fixture-control frame.
	OnControl func(Control)
	// FlashInfo returns the partition table for the 0xD0 diagnostic.
	FlashInfo func() []partition.Info
	// Stats returns the persisted test statistics for 0xD4.
	Stats func() stats.Summary
}

// Protocol is the PC-side bench-management endpoint.
type Protocol struct {
	send    proto.SendFunc
	eventCb proto.EventCallback
	hooks   Hooks
	log     *zap.Logger

	cfg Config
}

// New returns a bench-management protocol with all modes off.
func New(logger *zap.Logger, hooks Hooks) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{hooks: hooks, log: logger.Named("fixture")}
}

func (p *Protocol) Name() string { return "fixture" }

// Init resets the link modes to their power-on defaults.
func (p *Protocol) Init() error {
	p.cfg = Config{}
	return nil
}

func (p *Protocol) SetSendFunc(fn proto.SendFunc)           { p.send = fn }
func (p *Protocol) SetEventCallback(cb proto.EventCallback) { p.eventCb = cb }

// OnResponse is unused; this side only answers.
func (p *Protocol) OnResponse(code uint16, data []byte) {}

// DebugMode reports whether debug mode is on.
func (p *Protocol) DebugMode() bool { return p.cfg.Debug }

// PassThroughMode reports whether the link forwards raw meter traffic.
func (p *Protocol) PassThroughMode() bool { return p.cfg.PassThrough }

// PassThroughPreamble reports whether forwarded traffic gets the wake
// preamble prepended.
func (p *Protocol) PassThroughPreamble() bool { return p.cfg.Preamble }

// SetDebugMode flips debug mode outside the protocol, for the CLI.
func (p *Protocol) SetDebugMode(on bool) {
	p.cfg.Debug = on
	p.log.Info("debug mode set", zap.Bool("on", on))
}

func (p *Protocol) station() uint8 {
	if p.hooks.StationID != nil {
		return p.hooks.StationID()
	}
	return defaultStationID
}

// Parse claims bench-management frames out of data. A recognized
// command byte claims the frame even when the station or checksum
// check later drops it; an unrecognized command releases the buffer to
// the next protocol.
func (p *Protocol) Parse(data []byte) proto.Result {
	pos := 0
	handled := false

	for pos+5 < len(data) {
		if data[pos] != proto.FTFrameHead {
			pos++
			continue
		}
		cmd := data[pos+1]
		frameLen := int(data[pos+2])
		if frameLen < minFrameLen {
			pos++
			continue
		}
		if pos+frameLen > len(data) {
			return proto.Incomplete
		}
		if data[pos+frameLen-1] != proto.FTFrameTail {
			pos++
			continue
		}

		frame := data[pos : pos+frameLen]
		switch cmd {
		case CmdSetConfig:
			p.handleSetConfig(frame)
		case CmdQueryConfig:
			p.handleQueryConfig(frame)
		case CmdFTControl:
			p.handleFTControl(frame)
		case CmdQueryFailStep:
			p.handleQueryFailStep(frame)
		case CmdFlashInfo:
			p.handleFlashInfo(frame)
		case CmdTestStats:
			p.handleTestStats(frame)
		default:
			return proto.UnknownCmd
		}
		handled = true
		pos += frameLen
	}

	if handled {
		return proto.OK
	}
	return proto.UnknownCmd
}

// accept gates a claimed frame on checksum and station address.
func (p *Protocol) accept(frame []byte) bool {
	if checksum.Sum8(frame[:len(frame)-2]) != frame[len(frame)-2] {
		p.log.Error("checksum mismatch", zap.Uint8("cmd", frame[1]))
		return false
	}
	if frame[3] != p.station() {
		p.log.Debug("station mismatch",
			zap.Uint8("got", frame[3]),
			zap.Uint8("local", p.station()))
		return false
	}
	return true
}

func (p *Protocol) handleSetConfig(frame []byte) {
	if len(frame) < setConfigLen || !p.accept(frame) {
		return
	}

	old := p.cfg
	p.cfg = Config{
		Debug:       frame[4] != 0,
		PassThrough: frame[5] != 0,
		Preamble:    frame[6] != 0,
	}
	p.log.Info("link modes updated",
		zap.Bool("debug", p.cfg.Debug),
		zap.Bool("pass_through", p.cfg.PassThrough),
		zap.Bool("preamble", p.cfg.Preamble))
	if old != p.cfg && p.hooks.OnConfig != nil {
		p.hooks.OnConfig(p.cfg)
	}
	if p.eventCb != nil {
		p.eventCb(proto.EventReceived, CmdSetConfig, frame)
	}

	if err := p.sendConfigAck(); err != nil {
		p.log.Error("config ack", zap.Error(err))
	}
}

func (p *Protocol) handleQueryConfig(frame []byte) {
	if !p.accept(frame) {
		return
	}
	if err := p.sendVersionInfo(); err != nil {
		p.log.Error("version response", zap.Error(err))
	}
}

func (p *Protocol) handleQueryFailStep(frame []byte) {
	if !p.accept(frame) {
		return
	}
	if err := p.sendFailStep(); err != nil {
		p.log.Error("fail step response", zap.Error(err))
	}
}

func (p *Protocol) handleFlashInfo(frame []byte) {
	if !p.accept(frame) {
		return
	}
	if err := p.sendFlashInfo(); err != nil {
		p.log.Error("flash info response", zap.Error(err))
	}
}

func (p *Protocol) handleTestStats(frame []byte) {
	if !p.accept(frame) {
		return
	}
	if err := p.sendTestStats(); err != nil {
		p.log.Error("stats response", zap.Error(err))
	}
}

// SendCmd supports the response commands so the fixture loop can push
// them unsolicited.
func (p *Protocol) SendCmd(cmd uint16, param any) error {
	switch cmd {
	case CmdSetConfigAck:
		return p.sendConfigAck()
	case CmdQueryConfigAck:
		return p.sendVersionInfo()
	case CmdFailStepResponse:
		return p.sendFailStep()
	case CmdFlashInfoAck:
		return p.sendFlashInfo()
	case CmdTestStatsAck:
		return p.sendTestStats()
	default:
		return fmt.Errorf("fixture: unsupported command 0x%02X", cmd)
	}
}

func (p *Protocol) sendConfigAck() error {
	frame := []byte{
		proto.FTFrameHead, CmdSetConfigAck, setConfigLen,
		p.station(),
		boolByte(p.cfg.Debug),
		boolByte(p.cfg.PassThrough),
		boolByte(p.cfg.Preamble),
	}
	frame = append(frame, checksum.Sum8(frame), proto.FTFrameTail)
	return p.transmit(CmdSetConfigAck, frame)
}

// VersionString renders ver as the line controller displays it, major
// in the high byte.
func VersionString(ver uint16) string {
	return fmt.Sprintf("V%d.%d", ver>>8, ver&0xFF)
}

func (p *Protocol) sendVersionInfo() error {
	version := "V0.0"
	if p.hooks.Version != nil {
		version = VersionString(p.hooks.Version())
	}
	buildTime := "2000-01-01 00:00"
	if p.hooks.BuildTime != nil {
		buildTime = p.hooks.BuildTime()
	}

	buf := []byte{proto.FTFrameHead, CmdQueryConfigAck, 0, p.station()}
	buf = appendString(buf, version)
	buf = appendString(buf, buildTime)
	buf[2] = byte(len(buf) + 2)
	buf = append(buf, checksum.Sum8(buf), proto.FTFrameTail)
	return p.transmit(CmdQueryConfigAck, buf)
}

func (p *Protocol) sendFailStep() error {
	var info FailInfo
	if p.hooks.FailInfo != nil {
		info = p.hooks.FailInfo()
	}
	p.log.Info("fail step queried",
		zap.String("status", info.Status.String()),
		zap.Uint8("step", info.StepID),
		zap.String("step_name", info.StepName),
		zap.Uint8("reason", info.Reason))

	buf := []byte{proto.FTFrameHead, CmdFailStepResponse, 0, p.station()}
	buf = append(buf, byte(info.Status), info.Reason, info.StepID)
	buf = appendString(buf, info.StepName)
	buf = appendString(buf, info.ReasonName)
	buf[2] = byte(len(buf) + 2)
	buf = append(buf, checksum.Sum8(buf), proto.FTFrameTail)
	return p.transmit(CmdFailStepResponse, buf)
}

func (p *Protocol) sendFlashInfo() error {
	var infos []partition.Info
	if p.hooks.FlashInfo != nil {
		infos = p.hooks.FlashInfo()
	}

	buf := []byte{proto.FTFrameHead, CmdFlashInfoAck, 0, p.station()}
	buf = binary.LittleEndian.AppendUint16(buf, partition.FlashSize/1024)
	buf = binary.LittleEndian.AppendUint16(buf, partition.SectorSize)
	buf = append(buf, byte(len(infos)))
	for _, info := range infos {
		buf = appendString(buf, info.Name)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(info.Addr))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(info.Size))
		buf = append(buf, boolByte(info.Valid))
	}
	buf[2] = byte(len(buf) + 2)
	buf = append(buf, checksum.Sum8(buf), proto.FTFrameTail)
	return p.transmit(CmdFlashInfoAck, buf)
}

func (p *Protocol) sendTestStats() error {
	var sum stats.Summary
	if p.hooks.Stats != nil {
		sum = p.hooks.Stats()
	}
	var rate uint16
	if sum.TotalTests > 0 {
		rate = uint16(uint64(sum.TotalPass) * 10000 / uint64(sum.TotalTests))
	}

	buf := []byte{proto.FTFrameHead, CmdTestStatsAck, 0, p.station()}
	buf = binary.LittleEndian.AppendUint32(buf, sum.TotalTests)
	buf = binary.LittleEndian.AppendUint32(buf, sum.TotalPass)
	buf = binary.LittleEndian.AppendUint32(buf, sum.TotalFail)
	buf = binary.LittleEndian.AppendUint16(buf, rate)
	buf = append(buf, byte(len(sum.StepFail)))
	for _, c := range sum.StepFail {
		if c > 0xFFFF {
			c = 0xFFFF
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(c))
	}
	buf = append(buf, byte(sum.Last.Result), sum.Last.FailedStep, sum.Last.ErrCode)
	buf = binary.LittleEndian.AppendUint32(buf, sum.Last.DurationMs)
	buf[2] = byte(len(buf) + 2)
	buf = append(buf, checksum.Sum8(buf), proto.FTFrameTail)
	return p.transmit(CmdTestStatsAck, buf)
}

// transmit sends a built frame unless debug mode is on, in which case
// it only logs.
func (p *Protocol) transmit(cmd uint16, frame []byte) error {
	if p.cfg.Debug {
		p.log.Info("debug mode, response suppressed",
			zap.Uint16("cmd", cmd),
			zap.Int("len", len(frame)))
		return nil
	}
	if p.send == nil {
		return fmt.Errorf("fixture: no send function installed")
	}
	if err := p.send(frame); err != nil {
		return fmt.Errorf("fixture: send 0x%02X: %w", cmd, err)
	}
	if p.eventCb != nil {
		p.eventCb(proto.EventSent, cmd, frame)
	}
	return nil
}

// appendString appends a length-prefixed string capped at 63 bytes.
func appendString(buf []byte, s string) []byte {
	if len(s) > 63 {
		s = s[:63]
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
