// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

// Package proto defines the protocol contract shared by every wire
// format the fixture speaks, and the manager that multiplexes several
// protocol implementations over each of the two serial links (the PC
// side MES link and the device-under-test link).
//
// Dispatch is claim based: the manager offers each incoming buffer to
// every registered protocol in registration order, and the first one
// that recognizes a frame owns the buffer. Protocols with disjoint
// head/tail markers or command spaces can therefore share one link.
package proto

// Frame delimiters shared across the meter protocols.
const (
	FrameHead68 = 0x68 // meter frame head
	FrameTail16 = 0x16 // meter frame tail
	FTFrameHead = 0x55 // fixture config/upgrade frame head
	FTFrameTail = 0xAA // fixture config/upgrade frame tail
)

// MaxRegisteredProtocols is the registry capacity per link side.
const MaxRegisteredProtocols = 8

// Result is the outcome of one Parse call. Only OK and Incomplete
// affect manager control flow; the other values all mean "not mine,
// try the next protocol".
type Result int

const (
	// OK: at least one frame was recognized and fully handled.
	OK Result = iota
	// Incomplete: the buffer ends inside a valid frame. The caller
	// must re-offer the same logical buffer once more bytes arrive,
	// and no other protocol may attempt it in the meantime.
	Incomplete
	InvalidHead
	InvalidTail
	ChecksumError
	LengthError
	// UnknownCmd: nothing in the buffer belongs to this protocol.
	UnknownCmd
	Err
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case Incomplete:
		return "incomplete"
	case InvalidHead:
		return "invalid head"
	case InvalidTail:
		return "invalid tail"
	case ChecksumError:
		return "checksum error"
	case LengthError:
		return "length error"
	case UnknownCmd:
		return "unknown command"
	case Err:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a protocol-level notification delivered synchronously from
// within the Parse call stack.
type Event int

const (
	EventReceived Event = iota
	EventSent
	EventError
	EventTimeout
	EventUpgradeRequest
)

func (e Event) String() string {
	switch e {
	case EventReceived:
		return "received"
	case EventSent:
		return "sent"
	case EventError:
		return "error"
	case EventTimeout:
		return "timeout"
	case EventUpgradeRequest:
		return "upgrade request"
	default:
		return "unknown"
	}
}

// EventCallback receives protocol events. cmd identifies the command or
// data mark the event relates to; data is valid only for the duration
// of the call.
type EventCallback func(event Event, cmd uint16, data []byte)

// SendFunc transmits raw bytes on a link. Implementations must not
// block indefinitely.
type SendFunc func(data []byte) error

// Preamble describes a wake-up sequence transmitted before every frame
// on links where the receiver needs time to synchronize, such as an
// inductively coupled meter head.
type Preamble struct {
	Enabled     bool
	Data        []byte // primary sequence
	RepeatCount int    // times Data is sent
	DelayMs     uint32 // pause between repeats
	SyncData    []byte // optional trailer sent once after the repeats
}

// Protocol is the contract every wire format implements. Parse is the
// only method whose return value steers manager control flow.
type Protocol interface {
	// Name uniquely identifies the protocol for registration and
	// activation. Registration is de-duplicated by exact name match.
	Name() string

	// Init prepares internal state. Called once, at registration.
	Init() error

	// Parse scans data for frames of this protocol, dispatching every
	// complete valid frame it finds. It must resynchronize byte by
	// byte on any validation failure and never consume past an
	// incomplete trailing frame.
	Parse(data []byte) Result

	// SendCmd builds and transmits the frame for cmd. param is
	// command specific and may be nil.
	SendCmd(cmd uint16, param any) error

	// OnResponse hands a response code and payload to the protocol's
	// consumer, typically from a test state machine.
	OnResponse(code uint16, data []byte)

	// SetSendFunc installs the transmit function. The manager calls
	// this during registration and again whenever the link's send
	// function changes.
	SetSendFunc(fn SendFunc)

	// SetEventCallback installs the event observer.
	SetEventCallback(cb EventCallback)
}

// PreambleProvider is implemented by device-side protocols that need a
// wake-up sequence. The manager consults the ACTIVE device protocol's
// preamble on every transmit, regardless of which protocol is sending.
type PreambleProvider interface {
	Preamble() *Preamble
}
