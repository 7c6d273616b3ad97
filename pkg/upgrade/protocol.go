// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package upgrade

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/checksum"
	"github.com/veriflux/meterbench/pkg/proto"
)

// Command bytes.
const (
	CmdUpgrade    = 0xBA
	CmdUpgradeAck = 0xBB
)

// Response status codes.
const (
	StatusReady        = 0x00 // accepted, restarting into the bootloader
	StatusParamError   = 0x01
	StatusBusy         = 0x02 // a test is running
	StatusSizeError    = 0x03
	StatusChipMismatch = 0x04 // valid magic naming a different chip
	StatusMagicInvalid = 0x05 // magic not in the supported-chip table
)

const (
	commandLen  = 17
	responseLen = 11

	// MaxFwSizeKB caps the announced firmware to the flash size.
	MaxFwSizeKB = 256

	defaultStationID = 1
)

// Hooks connect the protocol to the fixture.
type Hooks struct {
	// StationID returns the local station number (default 1).
	StationID func() uint8
	// Busy reports whether a test run is in progress; a busy fixture
	// refuses the upgrade.
	Busy func() bool
	// OnRequest fires after the parameters persisted and verified. The
	// application restarts into the bootloader from here.
	OnRequest func(Params)
}

// Protocol is the PC-side upgrade endpoint. It claims only the 0xBA
// frame and releases everything else.
type Protocol struct {
	send    proto.SendFunc
	eventCb proto.EventCallback
	hooks   Hooks
	store   *Store
	log     *zap.Logger

	pending    Params
	hasPending bool
}

// New returns an upgrade protocol persisting through store, which may
// be nil when the bench runs without a parameter partition.
func New(logger *zap.Logger, store *Store, hooks Hooks) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{hooks: hooks, store: store, log: logger.Named("upgrade")}
}

func (p *Protocol) Name() string { return "upgrade" }

func (p *Protocol) Init() error {
	p.pending = Params{}
	p.hasPending = false
	return nil
}

func (p *Protocol) SetSendFunc(fn proto.SendFunc)           { p.send = fn }
func (p *Protocol) SetEventCallback(cb proto.EventCallback) { p.eventCb = cb }

func (p *Protocol) OnResponse(code uint16, data []byte) {}

func (p *Protocol) station() uint8 {
	if p.hooks.StationID != nil {
		return p.hooks.StationID()
	}
	return defaultStationID
}

// Pending returns the accepted upgrade parameters, if any.
func (p *Protocol) Pending() (Params, bool) {
	return p.pending, p.hasPending
}

// ClearPending forgets an accepted request that was not acted on.
func (p *Protocol) ClearPending() {
	p.pending = Params{}
	p.hasPending = false
}

func (p *Protocol) Parse(data []byte) proto.Result {
	pos := 0
	handled := false

	for pos+5 < len(data) {
		if data[pos] != proto.FTFrameHead {
			pos++
			continue
		}
		frameLen := int(data[pos+2])
		if frameLen < 6 {
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
		if data[pos+1] != CmdUpgrade {
			return proto.UnknownCmd
		}

		p.handleCommand(data[pos : pos+frameLen])
		handled = true
		pos += frameLen
	}

	if handled {
		return proto.OK
	}
	return proto.UnknownCmd
}

// handleCommand validates an upgrade command in fixed order: frame
// length, magic, chip match, station, checksum, size. The station gate
// stays silent; everything else answers with a status code.
func (p *Protocol) handleCommand(frame []byte) {
	if len(frame) < commandLen || frame[2] != commandLen {
		p.log.Error("bad command length", zap.Int("len", len(frame)))
		p.respond(StatusParamError)
		return
	}

	magic, ok := DecodeMagic(frame[3:7])
	if !ok {
		p.log.Error("bad magic prefix", zap.Uint8("got", frame[3]))
		p.respond(StatusMagicInvalid)
		return
	}
	if _, known := FindChip(magic); !known {
		p.log.Error("unknown chip in magic",
			zap.String("vendor", VendorName(magic.Vendor)),
			zap.Uint16("chip", magic.Chip))
		p.respond(StatusMagicInvalid)
		return
	}
	if !magic.MatchesCurrent() {
		target, _ := FindChip(magic)
		p.log.Error("chip mismatch",
			zap.String("current", CurrentChip.Name),
			zap.String("target", target.Name))
		p.respond(StatusChipMismatch)
		return
	}

	if frame[7] != p.station() {
		return
	}

	if checksum.Sum8(frame[:commandLen-2]) != frame[commandLen-2] {
		p.log.Error("checksum mismatch")
		p.respond(StatusParamError)
		return
	}

	fwSize := binary.LittleEndian.Uint16(frame[13:])
	if fwSize > MaxFwSizeKB {
		p.log.Error("firmware too large", zap.Uint16("kb", fwSize))
		p.respond(StatusSizeError)
		return
	}

	if p.hooks.Busy != nil && p.hooks.Busy() {
		p.log.Warn("upgrade refused, test in progress")
		p.respond(StatusBusy)
		return
	}

	params := Params{
		StationID:  frame[7],
		Mode:       frame[8],
		BaudConfig: frame[9],
		Protocol:   frame[10],
		TimeoutSec: frame[11],
		LogEnable:  frame[12],
		FwSizeKB:   fwSize,
		Vendor:     magic.Vendor,
		Chip:       magic.Chip,
	}
	p.log.Info("upgrade accepted",
		zap.String("chip", CurrentChip.Name),
		zap.Uint8("mode", params.Mode),
		zap.Uint8("baud_config", params.BaudConfig),
		zap.Uint8("timeout_s", params.TimeoutSec),
		zap.Uint16("fw_size_kb", params.FwSizeKB))

	p.pending = params
	p.hasPending = true
	p.respond(StatusReady)

	if p.store != nil {
		if err := p.store.Save(params); err != nil {
			p.log.Error("persist upgrade params", zap.Error(err))
		} else if saved, ok := p.store.Read(); !ok || saved.Flag != FlagUpgrade {
			p.log.Error("persisted params verify failed")
		}
	}

	if p.eventCb != nil {
		p.eventCb(proto.EventUpgradeRequest, CmdUpgrade, frame)
	}
	if p.hooks.OnRequest != nil {
		p.hooks.OnRequest(params)
	}
}

// SendCmd supports pushing a response with an explicit status byte.
func (p *Protocol) SendCmd(cmd uint16, param any) error {
	if cmd != CmdUpgradeAck {
		return fmt.Errorf("upgrade: unsupported command 0x%02X", cmd)
	}
	status, ok := param.(uint8)
	if !ok {
		status = StatusReady
	}
	return p.respond(status)
}

func (p *Protocol) respond(status uint8) error {
	buf := []byte{proto.FTFrameHead, CmdUpgradeAck, responseLen}
	buf = Magic{Vendor: CurrentChip.Vendor, Chip: CurrentChip.Chip}.Append(buf)
	buf = append(buf, p.station(), status)
	buf = append(buf, checksum.Sum8(buf), proto.FTFrameTail)

	if p.send == nil {
		return fmt.Errorf("upgrade: no send function installed")
	}
	if err := p.send(buf); err != nil {
		p.log.Error("send response", zap.Error(err))
		return fmt.Errorf("upgrade: send response: %w", err)
	}
	if p.eventCb != nil {
		p.eventCb(proto.EventSent, CmdUpgradeAck, buf)
	}
	return nil
}
