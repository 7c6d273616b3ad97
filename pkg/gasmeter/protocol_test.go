// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package gasmeter

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/veriflux/meterbench/pkg/checksum"
	"github.com/veriflux/meterbench/pkg/proto"
)

// buildResponse assembles a valid meter response frame for tests.
func buildResponse(ctrl byte, mark uint16, payload []byte) []byte {
	frame := []byte{proto.FrameHead68}
	frame = append(frame, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00)
	frame = append(frame, proto.FrameHead68, ctrl)
	frame = append(frame, 0, 0)
	frame = append(frame, 0x25, 0x08, 0x30, 0x12, 0x00, 0x00) // time
	frame = append(frame, deviceType)
	frame = binary.LittleEndian.AppendUint16(frame, mark)
	frame = append(frame, 0)
	frame = append(frame, payload...)
	binary.LittleEndian.PutUint16(frame[offLen:], uint16(len(frame)-headerLen))
	frame = append(frame, checksum.Sum8(frame))
	frame = append(frame, proto.FrameTail16)
	return frame
}

func collectEvents(p *Protocol) *[]Event {
	events := &[]Event{}
	p.SetMeterEventCallback(func(ev Event) { *events = append(*events, ev) })
	return events
}

func TestParseBoardInfoResponse(t *testing.T) {
	p := New(nil)
	events := collectEvents(p)

	payload := make([]byte, 26)
	payload[0] = 3    // meter type
	payload[2] = 36   // 3.6 V
	payload[4] = 24   // CSQ
	payload[9] = 1    // sw ver
	payload[10] = 7
	payload[23] = 0 // cover closed
	frame := buildResponse(ctrlWrite|respBit, MarkBoardInfo, payload)

	if got := p.Parse(frame); got != proto.OK {
		t.Fatalf("Parse = %v, want OK", got)
	}
	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	ev := (*events)[0]
	if ev.Type != EventPowerOnInfo || ev.BoardInfo == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	bi := ev.BoardInfo
	if bi.MeterType != 3 || bi.Voltage != 36 || bi.Signal != 24 {
		t.Errorf("board info = %+v", bi)
	}
	if bi.SWVer1 != 1 || bi.SWVer2 != 7 {
		t.Errorf("sw version = %d.%d, want 1.7", bi.SWVer1, bi.SWVer2)
	}
}

func TestParseResyncAfterNoise(t *testing.T) {
	p := New(nil)
	events := collectEvents(p)

	frame := buildResponse(ctrlWrite|respBit, MarkTimeSet, []byte{0x00})
	// Noise that includes a stray 0x68 so the scanner has to back off
	// one byte at a time.
	buf := append([]byte{0x00, 0x68, 0xFF, 0x68, 0x01}, frame...)

	if got := p.Parse(buf); got != proto.OK {
		t.Fatalf("Parse = %v, want OK", got)
	}
	if len(*events) != 1 || (*events)[0].Type != EventTimeSet {
		t.Fatalf("events = %+v", *events)
	}
}

func TestParseIncompleteFrame(t *testing.T) {
	p := New(nil)
	events := collectEvents(p)

	frame := buildResponse(ctrlRead|respBit, MarkCheckStatus, make([]byte, 17))

	for cut := headerLen; cut < len(frame); cut++ {
		if got := p.Parse(frame[:cut]); got != proto.Incomplete {
			t.Fatalf("Parse(%d bytes) = %v, want Incomplete", cut, got)
		}
	}
	if len(*events) != 0 {
		t.Fatalf("events fired on incomplete input: %+v", *events)
	}
	if got := p.Parse(frame); got != proto.OK {
		t.Fatalf("Parse(full) = %v, want OK", got)
	}
}

func TestParseAbnormalReply(t *testing.T) {
	p := New(nil)
	events := collectEvents(p)

	var errEvents []proto.Event
	p.SetEventCallback(func(ev proto.Event, cmd uint16, data []byte) {
		if ev == proto.EventError {
			errEvents = append(errEvents, ev)
		}
	})

	abnormal := buildResponse(ctrlWrite|respBit|abnormalBit, MarkBoardInfo, make([]byte, 26))
	ok := buildResponse(ctrlWrite|respBit, MarkTimeSet, []byte{0x00})
	buf := append(abnormal, ok...)

	// The abnormal frame is skipped whole, the good frame behind it
	// still parses.
	if got := p.Parse(buf); got != proto.OK {
		t.Fatalf("Parse = %v, want OK", got)
	}
	if len(errEvents) != 1 {
		t.Fatalf("got %d error events, want 1", len(errEvents))
	}
	want := []EventType{EventAbnormalReply, EventTimeSet}
	if len(*events) != len(want) {
		t.Fatalf("events = %+v", *events)
	}
	for i, ev := range *events {
		if ev.Type != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, ev.Type, want[i])
		}
	}
}

func TestParseChecksumMismatchResyncs(t *testing.T) {
	p := New(nil)

	frame := buildResponse(ctrlWrite|respBit, MarkTimeSet, []byte{0x00})
	frame[len(frame)-2] ^= 0xFF

	if got := p.Parse(frame); got != proto.UnknownCmd {
		t.Fatalf("Parse = %v, want UnknownCmd", got)
	}
}

func TestParseClaimsNothingForeign(t *testing.T) {
	p := New(nil)

	// A fixture config frame and some ASCII.
	buf := []byte{0x55, 0xAE, 0x09, 0x01, 0x00, 0x00, 0x00, 0x0D, 0xAA}
	buf = append(buf, []byte("hello")...)

	if got := p.Parse(buf); got != proto.UnknownCmd {
		t.Fatalf("Parse = %v, want UnknownCmd", got)
	}
}

func TestParseNetworkParams(t *testing.T) {
	p := New(nil)
	events := collectEvents(p)

	payload := make([]byte, 107)
	copy(payload[0:], "123456789012345")
	copy(payload[15:], "460001234567890")
	copy(payload[30:], "89860012345678901234")
	payload[50] = 28
	rsrp := int16(-87)
	binary.LittleEndian.PutUint16(payload[51:], uint16(rsrp)) // RSRP
	binary.LittleEndian.PutUint16(payload[53:], 12)                 // SNR
	binary.LittleEndian.PutUint32(payload[56:], 0x00ABCDEF)         // cell id
	payload[102] = 0
	binary.LittleEndian.PutUint32(payload[103:], 10132) // 101.32 kPa

	frame := buildResponse(ctrlRead|respBit, MarkNetworkParams, payload)
	if got := p.Parse(frame); got != proto.OK {
		t.Fatalf("Parse = %v, want OK", got)
	}
	np := (*events)[0].NetworkParams
	if np == nil {
		t.Fatal("no network params payload")
	}
	if np.IMEI != "123456789012345" {
		t.Errorf("IMEI = %q", np.IMEI)
	}
	if np.RSRP != -87 {
		t.Errorf("RSRP = %d, want -87", np.RSRP)
	}
	if np.CellID != 0x00ABCDEF {
		t.Errorf("CellID = %#x", np.CellID)
	}
	if np.PressureValue != 10132 {
		t.Errorf("PressureValue = %d", np.PressureValue)
	}
}

func TestParseCheckStatusBigEndianVoltage(t *testing.T) {
	p := New(nil)
	events := collectEvents(p)

	payload := make([]byte, 17)
	payload[0], payload[1] = 0x01, 0x68 // 3.60 V, big endian
	copy(payload[2:], "AABBCCDDEEFF")
	payload[14] = 1
	temperature := int8(-40)
	payload[15] = byte(temperature)

	frame := buildResponse(ctrlRead|respBit, MarkCheckStatus, payload)
	if got := p.Parse(frame); got != proto.OK {
		t.Fatalf("Parse = %v, want OK", got)
	}
	cs := (*events)[0].CheckStatus
	if cs.Voltage != 360 {
		t.Errorf("Voltage = %d, want 360", cs.Voltage)
	}
	if cs.StarMAC != "AABBCCDDEEFF" {
		t.Errorf("StarMAC = %q", cs.StarMAC)
	}
	if cs.Signal != -40 {
		t.Errorf("Signal = %d, want -40", cs.Signal)
	}
}

func TestIOStatusJudgement(t *testing.T) {
	tests := []struct {
		name     string
		level    uint8
		payload  []byte
		wantHall bool
		wantIC   bool
	}{
		{"high level pass", 1, []byte{1, 0, 0, 1, 1, 0, 1}, true, true},
		{"high level hall swapped", 1, []byte{1, 0, 1, 0, 1, 0, 1}, false, true},
		{"low level pass", 0, []byte{1, 0, 1, 0, 0, 1, 0}, true, true},
		{"low level ic stuck high", 0, []byte{1, 0, 1, 0, 1, 1, 1}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(nil)
			var sent []byte
			p.SetSendFunc(func(b []byte) error { sent = b; return nil })
			events := collectEvents(p)

			if err := p.SendIOStatusCheck(tt.level); err != nil {
				t.Fatal(err)
			}
			if sent == nil {
				t.Fatal("nothing sent")
			}

			frame := buildResponse(ctrlWrite|respBit, MarkOutputIO, tt.payload)
			if got := p.Parse(frame); got != proto.OK {
				t.Fatalf("Parse = %v, want OK", got)
			}
			io := (*events)[0].IOStatus
			if io.HallOK != tt.wantHall {
				t.Errorf("HallOK = %v, want %v", io.HallOK, tt.wantHall)
			}
			if io.ICOK != tt.wantIC {
				t.Errorf("ICOK = %v, want %v", io.ICOK, tt.wantIC)
			}
			if io.HighLow != tt.level {
				t.Errorf("HighLow = %d, want %d", io.HighLow, tt.level)
			}
		})
	}
}

func TestBuildFrameLayout(t *testing.T) {
	p := New(nil)
	p.SetRTCTime([6]byte{0x25, 0x08, 0x30, 0x14, 0x30, 0x00})
	var sent []byte
	p.SetSendFunc(func(b []byte) error { sent = b; return nil })

	if err := p.SendConnect(); err != nil {
		t.Fatal(err)
	}

	want := []byte{
		0x68,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00,
		0x68,
		0x04,       // write
		0x0B, 0x00, // data field length 11
		0x25, 0x08, 0x30, 0x14, 0x30, 0x00,
		0x08,       // device type
		0x01, 0x10, // mark 0x1001 little endian
		0x00, // sequence
		0x01, // connect byte
	}
	want = append(want, checksum.Sum8(want), proto.FrameTail16)

	if !bytes.Equal(sent, want) {
		t.Fatalf("frame = % X\nwant    % X", sent, want)
	}
}

func TestSendValveControl(t *testing.T) {
	p := New(nil)
	var sent []byte
	p.SetSendFunc(func(b []byte) error { sent = b; return nil })

	if err := p.SendValveControl(ValveClose); err != nil {
		t.Fatal(err)
	}

	payload := sent[offPayload : len(sent)-2]
	want := []byte{1, IOFuncValve, ValveClose}
	if !bytes.Equal(payload, want) {
		t.Fatalf("payload = % X, want % X", payload, want)
	}
	mark := binary.LittleEndian.Uint16(sent[offDataMark:])
	if mark != MarkOutputIO {
		t.Errorf("mark = %#x, want %#x", mark, MarkOutputIO)
	}
}

func TestSendWithoutSendFunc(t *testing.T) {
	p := New(nil)
	if err := p.SendConnect(); err == nil {
		t.Fatal("expected error with no send function")
	}
}

func TestCommandRoundTrip(t *testing.T) {
	// Frames built by the command side must satisfy the parser's
	// validation when echoed back with the response bit set.
	p := New(nil)
	var sent []byte
	p.SetSendFunc(func(b []byte) error { sent = b; return nil })

	if err := p.SendSetTime(); err != nil {
		t.Fatal(err)
	}

	echo := append([]byte(nil), sent...)
	echo[offCtrl] |= respBit
	echo[len(echo)-2] = checksum.Sum8(echo[:len(echo)-2])

	rx := New(nil)
	events := collectEvents(rx)
	if got := rx.Parse(echo); got != proto.OK {
		t.Fatalf("Parse = %v, want OK", got)
	}
	if len(*events) != 1 || (*events)[0].Type != EventTimeSet {
		t.Fatalf("events = %+v", *events)
	}
}

func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

func TestFuzzParseNoiseResync(t *testing.T) {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	rng := rand.New(rand.NewSource(seed))

	for round := 0; round < getFuzzRounds(); round++ {
		p := New(nil)
		events := collectEvents(p)

		frame := buildResponse(ctrlWrite|respBit, MarkTimeSet, []byte{0x00})

		// Random leading noise, but never a byte pair that could start
		// a plausible frame before ours.
		noise := make([]byte, rng.Intn(32))
		for i := range noise {
			b := byte(rng.Intn(256))
			if b == proto.FrameHead68 {
				b = 0x69
			}
			noise[i] = b
		}
		buf := append(noise, frame...)

		if got := p.Parse(buf); got != proto.OK {
			t.Fatalf("round %d: Parse = %v, want OK (noise % X)", round, got, noise)
		}
		if len(*events) != 1 || (*events)[0].Type != EventTimeSet {
			t.Fatalf("round %d: events = %+v", round, *events)
		}
	}
}
