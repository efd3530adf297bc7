// Package hdlc implements the HDLC-style byte-stream framing used to carry
// RPC packets over serial links, sockets and in-process pipes.
//
// A byte stream has no message boundaries of its own. Frames are delimited
// by FLAG bytes; any FLAG or ESCAPE inside the frame contents is escaped so
// the receiver can always find the next boundary, even after corruption.
//
// Frame format (before escaping):
//
//	┌──────┬─────────┬─────────┬──────────────────┬───────────────┬──────┐
//	│ 0x7E │ address │ control │ payload ...      │ CRC-32 (LE)   │ 0x7E │
//	│ FLAG │   1B    │   1B    │ N bytes          │ 4 bytes       │ FLAG │
//	└──────┴─────────┴─────────┴──────────────────┴───────────────┴──────┘
//
// Escaping: every 0x7E or 0x7D between the flags is written as
// 0x7D followed by the original byte XOR 0x20.
package hdlc

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	Flag       byte = 0x7E
	Escape     byte = 0x7D
	EscapeMask byte = 0x20

	// UIFrameControl is the control byte of an unnumbered information
	// frame, the only frame kind this package produces.
	UIFrameControl byte = 0x03

	// MinFrameSize is address + control + 4-byte FCS, measured after unescaping.
	MinFrameSize = 6
	fcsSize      = 4
)

// Status reports the integrity of a decoded frame.
// Corruption is data, not an error: the decoder never fails.
type Status int

const (
	StatusOK Status = iota
	StatusIncomplete
	StatusFCSMismatch
	StatusInvalidEscape
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusIncomplete:
		return "INCOMPLETE"
	case StatusFCSMismatch:
		return "FCS_MISMATCH"
	case StatusInvalidEscape:
		return "INVALID_ESCAPE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Frame is one decoded HDLC frame. It is immutable once produced.
type Frame struct {
	raw       []byte // unescaped bytes between the flags
	status    Status
	discarded int // bytes thrown away while this frame was being assembled
}

// NewFrame builds a frame from unescaped contents and validates it.
func NewFrame(raw []byte) Frame {
	return Frame{raw: raw, status: checkFrame(raw, false)}
}

// Raw returns the unescaped frame contents, FCS included.
func (f Frame) Raw() []byte { return f.raw }

func (f Frame) Status() Status { return f.status }

func (f Frame) OK() bool { return f.status == StatusOK }

// Discarded is the number of received bytes that did not make it into
// Raw, e.g. bytes dropped after an invalid escape.
func (f Frame) Discarded() int { return f.discarded }

// Address returns the first byte of the frame, or 0 if the frame is empty.
func (f Frame) Address() byte {
	if len(f.raw) == 0 {
		return 0
	}
	return f.raw[0]
}

// Control returns the second byte of the frame, or 0 if there is none.
func (f Frame) Control() byte {
	if len(f.raw) < 2 {
		return 0
	}
	return f.raw[1]
}

// Data returns the payload between the control byte and the FCS. Frames
// too short to carry an FCS return everything after the control byte.
func (f Frame) Data() []byte {
	switch {
	case len(f.raw) >= MinFrameSize:
		return f.raw[2 : len(f.raw)-fcsSize]
	case len(f.raw) > 2:
		return f.raw[2:]
	default:
		return []byte{}
	}
}

// FCS returns the trailing frame check sequence, or nil for short frames.
func (f Frame) FCS() []byte {
	if len(f.raw) < MinFrameSize {
		return nil
	}
	return f.raw[len(f.raw)-fcsSize:]
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame(status=%s, address=0x%02x, control=0x%02x, data=%x)",
		f.status, f.Address(), f.Control(), f.Data())
}

// checkFrame computes the final status of a frame closed by a FLAG.
func checkFrame(raw []byte, escapePending bool) Status {
	if escapePending || len(raw) < MinFrameSize {
		return StatusIncomplete
	}
	body := raw[:len(raw)-fcsSize]
	want := binary.LittleEndian.Uint32(raw[len(raw)-fcsSize:])
	if crc32.ChecksumIEEE(body) != want {
		return StatusFCSMismatch
	}
	return StatusOK
}
