// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package fixture

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/veriflux/meterbench/pkg/checksum"
	"github.com/veriflux/meterbench/pkg/partition"
	"github.com/veriflux/meterbench/pkg/proto"
	"github.com/veriflux/meterbench/pkg/stats"
)

// buildCommand assembles a valid bench-management frame.
func buildCommand(cmd byte, station byte, payload []byte) []byte {
	frame := []byte{proto.FTFrameHead, cmd, byte(4 + len(payload) + 2), station}
	frame = append(frame, payload...)
	frame = append(frame, checksum.Sum8(frame), proto.FTFrameTail)
	return frame
}

func newTestProtocol(t *testing.T, hooks Hooks) (*Protocol, *[][]byte) {
	t.Helper()
	p := New(nil, hooks)
	var sent [][]byte
	p.SetSendFunc(func(data []byte) error {
		sent = append(sent, append([]byte(nil), data...))
		return nil
	})
	if err := p.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return p, &sent
}

func TestSetConfigAppliesModes(t *testing.T) {
	var got Config
	p, sent := newTestProtocol(t, Hooks{
		OnConfig: func(c Config) { got = c },
	})

	frame := buildCommand(CmdSetConfig, 1, []byte{0, 1, 1})
	if res := p.Parse(frame); res != proto.OK {
		t.Fatalf("Parse = %v, want OK", res)
	}
	if got.Debug || !got.PassThrough || !got.Preamble {
		t.Fatalf("config hook got %+v", got)
	}
	if !p.PassThroughMode() || !p.PassThroughPreamble() || p.DebugMode() {
		t.Fatal("getters disagree with applied config")
	}

	if len(*sent) != 1 {
		t.Fatalf("sent %d frames, want 1 ack", len(*sent))
	}
	want := []byte{proto.FTFrameHead, CmdSetConfigAck, 9, 1, 0, 1, 1}
	want = append(want, checksum.Sum8(want), proto.FTFrameTail)
	if !bytes.Equal((*sent)[0], want) {
		t.Fatalf("ack = % X, want % X", (*sent)[0], want)
	}
}

func TestEnablingDebugSuppressesAck(t *testing.T) {
	p, sent := newTestProtocol(t, Hooks{})
	frame := buildCommand(CmdSetConfig, 1, []byte{1, 0, 0})
	if res := p.Parse(frame); res != proto.OK {
		t.Fatalf("Parse = %v, want OK", res)
	}
	if !p.DebugMode() {
		t.Fatal("debug mode not applied")
	}
	if len(*sent) != 0 {
		t.Fatalf("ack sent in debug mode: % X", (*sent)[0])
	}
}

func TestStationMismatchClaimedButDropped(t *testing.T) {
	configured := false
	p, sent := newTestProtocol(t, Hooks{
		StationID: func() uint8 { return 2 },
		OnConfig:  func(Config) { configured = true },
	})
	frame := buildCommand(CmdSetConfig, 5, []byte{1, 1, 1})
	if res := p.Parse(frame); res != proto.OK {
		t.Fatalf("Parse = %v, want OK", res)
	}
	if configured || len(*sent) != 0 {
		t.Fatal("frame for another station was acted on")
	}
}

func TestQueryConfigResponse(t *testing.T) {
	p, sent := newTestProtocol(t, Hooks{
		Version:   func() uint16 { return 0x0103 },
		BuildTime: func() string { return "2026-08-30 12:00" },
	})
	if res := p.Parse(buildCommand(CmdQueryConfig, 1, nil)); res != proto.OK {
		t.Fatalf("Parse = %v, want OK", res)
	}
	if len(*sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(*sent))
	}
	resp := (*sent)[0]
	if resp[1] != CmdQueryConfigAck || resp[3] != 1 {
		t.Fatalf("response header = % X", resp[:4])
	}
	if int(resp[2]) != len(resp) {
		t.Fatalf("length field = %d, frame is %d", resp[2], len(resp))
	}
	verLen := int(resp[4])
	version := string(resp[5 : 5+verLen])
	if version != "V1.3" {
		t.Fatalf("version = %q, want V1.3", version)
	}
	btOff := 5 + verLen
	btLen := int(resp[btOff])
	if got := string(resp[btOff+1 : btOff+1+btLen]); got != "2026-08-30 12:00" {
		t.Fatalf("build time = %q", got)
	}
	if checksum.Sum8(resp[:len(resp)-2]) != resp[len(resp)-2] {
		t.Fatal("response checksum invalid")
	}
}

func TestFTControlDecodeAndAck(t *testing.T) {
	var got Control
	p, sent := newTestProtocol(t, Hooks{
		OnControl: func(c Control) { got = c },
	})

	payload := make([]byte, 31)
	payload[0] = 1          // enter control mode
	payload[1] = PowerOn    // main power
	payload[2] = PowerKeep  // aux power
	payload[3] = SampleLowPower
	binary.LittleEndian.PutUint16(payload[4:], 250) // sample interval
	payload[6] = 8   // averaging count
	payload[7] = 2   // print interval
	payload[8] = 10  // print count
	payload[9] = 1   // valve voltage on
	binary.LittleEndian.PutUint16(payload[10:], 100)
	payload[21] = 1  // pos1 on
	payload[22] = 5  // pos1 duration
	payload[25] = 1  // hall1 on
	payload[26] = 99 // hall1 duration, over the hardware cap

	frame := buildCommand(CmdFTControl, 1, payload)
	if len(frame) != ftControlLen {
		t.Fatalf("command frame length = %d, want %d", len(frame), ftControlLen)
	}
	if res := p.Parse(frame); res != proto.OK {
		t.Fatalf("Parse = %v, want OK", res)
	}

	if !got.Enter || got.MainPower != PowerOn || got.AuxPower != PowerKeep {
		t.Fatalf("power fields = %+v", got)
	}
	if got.PowerTest.Mode != SampleLowPower || got.PowerTest.IntervalMs != 250 ||
		got.PowerTest.AvgCount != 8 || got.PowerTest.PrintCount != 10 {
		t.Fatalf("power test task = %+v", got.PowerTest)
	}
	if got.ValveVolt.Mode != 1 || got.ValveVolt.IntervalMs != 100 {
		t.Fatalf("valve voltage task = %+v", got.ValveVolt)
	}
	if !got.Pos1.Enabled || got.Pos1.DurationS != 5 {
		t.Fatalf("pos1 = %+v", got.Pos1)
	}
	if got.Hall1.DurationS != 15 {
		t.Fatalf("hall1 duration = %d, want clamped to 15", got.Hall1.DurationS)
	}

	if len(*sent) != 1 {
		t.Fatalf("sent %d frames, want 1 ack", len(*sent))
	}
	ack := (*sent)[0]
	if ack[1] != CmdFTControlAck || len(ack) != ftControlLen {
		t.Fatalf("ack = % X", ack)
	}
	if ack[4] != 1 || ack[5] != PowerOn || ack[6] != PowerKeep {
		t.Fatalf("ack does not echo power fields: % X", ack[4:7])
	}
	if ack[30] != 15 {
		t.Fatalf("ack hall1 duration = %d, want 15", ack[30])
	}
	if checksum.Sum8(ack[:len(ack)-2]) != ack[len(ack)-2] {
		t.Fatal("ack checksum invalid")
	}
}

func TestControlAckSentInDebugMode(t *testing.T) {
	p, sent := newTestProtocol(t, Hooks{})
	p.SetDebugMode(true)
	frame := buildCommand(CmdFTControl, 1, make([]byte, 31))
	if res := p.Parse(frame); res != proto.OK {
		t.Fatalf("Parse = %v, want OK", res)
	}
	if len(*sent) != 1 {
		t.Fatal("control ack must go out even in debug mode")
	}
}

func TestFailStepResponse(t *testing.T) {
	p, sent := newTestProtocol(t, Hooks{
		FailInfo: func() FailInfo {
			return FailInfo{
				Status:     TestFailed,
				StepID:     7,
				StepName:   "valve open detect",
				Reason:     3,
				ReasonName: "position signal timeout",
			}
		},
	})
	if res := p.Parse(buildCommand(CmdQueryFailStep, 1, nil)); res != proto.OK {
		t.Fatalf("Parse = %v, want OK", res)
	}
	resp := (*sent)[0]
	if resp[1] != CmdFailStepResponse {
		t.Fatalf("cmd = 0x%02X", resp[1])
	}
	if resp[4] != byte(TestFailed) || resp[5] != 3 || resp[6] != 7 {
		t.Fatalf("status/reason/step = % X", resp[4:7])
	}
	nameLen := int(resp[7])
	if got := string(resp[8 : 8+nameLen]); got != "valve open detect" {
		t.Fatalf("step name = %q", got)
	}
	rOff := 8 + nameLen
	rLen := int(resp[rOff])
	if got := string(resp[rOff+1 : rOff+1+rLen]); got != "position signal timeout" {
		t.Fatalf("reason name = %q", got)
	}
	if int(resp[2]) != len(resp) {
		t.Fatalf("length field = %d, frame is %d", resp[2], len(resp))
	}
}

func TestFlashInfoResponse(t *testing.T) {
	p, sent := newTestProtocol(t, Hooks{
		FlashInfo: func() []partition.Info {
			return []partition.Info{
				{Name: "app", Addr: 0x4000, Size: 224 * 1024, Valid: true},
				{Name: "test_stats", Addr: 0x3C000, Size: 8 * 1024, Valid: false},
			}
		},
	})
	if res := p.Parse(buildCommand(CmdFlashInfo, 1, nil)); res != proto.OK {
		t.Fatalf("Parse = %v, want OK", res)
	}
	resp := (*sent)[0]
	if resp[1] != CmdFlashInfoAck {
		t.Fatalf("cmd = 0x%02X", resp[1])
	}
	if binary.LittleEndian.Uint16(resp[4:]) != 256 {
		t.Fatalf("flash size = %d KB", binary.LittleEndian.Uint16(resp[4:]))
	}
	if binary.LittleEndian.Uint16(resp[6:]) != 2048 {
		t.Fatalf("sector size = %d", binary.LittleEndian.Uint16(resp[6:]))
	}
	if resp[8] != 2 {
		t.Fatalf("partition count = %d", resp[8])
	}
	nameLen := int(resp[9])
	if got := string(resp[10 : 10+nameLen]); got != "app" {
		t.Fatalf("first partition name = %q", got)
	}
	off := 10 + nameLen
	if binary.LittleEndian.Uint32(resp[off:]) != 0x4000 {
		t.Fatalf("app addr = %#x", binary.LittleEndian.Uint32(resp[off:]))
	}
	if binary.LittleEndian.Uint32(resp[off+4:]) != 224*1024 {
		t.Fatalf("app size = %d", binary.LittleEndian.Uint32(resp[off+4:]))
	}
	if resp[off+8] != 1 {
		t.Fatal("app valid flag not set")
	}
}

func TestStatsResponse(t *testing.T) {
	var sum stats.Summary
	sum.TotalTests = 40
	sum.TotalPass = 30
	sum.TotalFail = 10
	sum.StepFail[6] = 4
	sum.Last = stats.Record{Result: stats.ResultFail, FailedStep: 6, ErrCode: 2, DurationMs: 12345}

	p, sent := newTestProtocol(t, Hooks{
		Stats: func() stats.Summary { return sum },
	})
	if res := p.Parse(buildCommand(CmdTestStats, 1, nil)); res != proto.OK {
		t.Fatalf("Parse = %v, want OK", res)
	}
	resp := (*sent)[0]
	if resp[1] != CmdTestStatsAck {
		t.Fatalf("cmd = 0x%02X", resp[1])
	}
	if binary.LittleEndian.Uint32(resp[4:]) != 40 ||
		binary.LittleEndian.Uint32(resp[8:]) != 30 ||
		binary.LittleEndian.Uint32(resp[12:]) != 10 {
		t.Fatalf("totals = % X", resp[4:16])
	}
	if binary.LittleEndian.Uint16(resp[16:]) != 7500 {
		t.Fatalf("pass rate = %d, want 7500", binary.LittleEndian.Uint16(resp[16:]))
	}
	if resp[18] != stats.StepCount {
		t.Fatalf("step count = %d", resp[18])
	}
	if binary.LittleEndian.Uint16(resp[19+6*2:]) != 4 {
		t.Fatalf("step 6 fail count = %d", binary.LittleEndian.Uint16(resp[19+6*2:]))
	}
	last := 19 + stats.StepCount*2
	if resp[last] != byte(stats.ResultFail) || resp[last+1] != 6 || resp[last+2] != 2 {
		t.Fatalf("last record = % X", resp[last:last+3])
	}
	if binary.LittleEndian.Uint32(resp[last+3:]) != 12345 {
		t.Fatalf("last duration = %d", binary.LittleEndian.Uint32(resp[last+3:]))
	}
}

func TestForeignCommandReleasesBuffer(t *testing.T) {
	p, _ := newTestProtocol(t, Hooks{})
	frame := buildCommand(0xBA, 1, []byte{0xF7, 0x01, 0x04, 0x33})
	if res := p.Parse(frame); res != proto.UnknownCmd {
		t.Fatalf("Parse = %v, want UnknownCmd", res)
	}
}

func TestParseEdges(t *testing.T) {
	p, _ := newTestProtocol(t, Hooks{})
	full := buildCommand(CmdQueryConfig, 1, nil)

	t.Run("incomplete", func(t *testing.T) {
		if res := p.Parse(full[:5]); res != proto.Incomplete {
			t.Fatalf("Parse = %v, want Incomplete", res)
		}
	})
	t.Run("resync after noise", func(t *testing.T) {
		buf := append([]byte{0x00, 0x01, 0x02}, full...)
		if res := p.Parse(buf); res != proto.OK {
			t.Fatalf("Parse = %v, want OK", res)
		}
	})
	t.Run("bad tail skips a byte", func(t *testing.T) {
		bad := append([]byte(nil), full...)
		bad[len(bad)-1] = 0x00
		if res := p.Parse(bad); res != proto.UnknownCmd {
			t.Fatalf("Parse = %v, want UnknownCmd", res)
		}
	})
	t.Run("zero length does not wedge", func(t *testing.T) {
		buf := []byte{proto.FTFrameHead, CmdQueryConfig, 0, 1, 0, 0, 0, 0}
		if res := p.Parse(buf); res != proto.UnknownCmd {
			t.Fatalf("Parse = %v, want UnknownCmd", res)
		}
	})
	t.Run("corrupt checksum drops frame", func(t *testing.T) {
		q, sent := newTestProtocol(t, Hooks{})
		bad := append([]byte(nil), full...)
		bad[len(bad)-2] ^= 0xFF
		if res := q.Parse(bad); res != proto.OK {
			t.Fatalf("Parse = %v, want OK", res)
		}
		if len(*sent) != 0 {
			t.Fatal("corrupt frame was answered")
		}
	})
}
