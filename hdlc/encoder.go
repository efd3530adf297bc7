package hdlc

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

// Encode builds a complete escaped frame: FLAG, escaped contents with the
// little-endian CRC-32 appended, FLAG.
func Encode(address, control byte, payload []byte) []byte {
	contents := make([]byte, 0, 2+len(payload)+fcsSize)
	contents = append(contents, address, control)
	contents = append(contents, payload...)
	contents = binary.LittleEndian.AppendUint32(contents, crc32.ChecksumIEEE(contents))

	out := make([]byte, 0, len(contents)+len(contents)/8+2)
	out = append(out, Flag)
	out = appendEscaped(out, contents)
	return append(out, Flag)
}

// EncodeUIFrame encodes payload as an unnumbered information frame.
func EncodeUIFrame(address byte, payload []byte) []byte {
	return Encode(address, UIFrameControl, payload)
}

// WriteUIFrame encodes and writes one UI frame with a single Write call.
// Callers sharing w across goroutines must serialize calls themselves,
// otherwise frames from different writers interleave on the wire.
func WriteUIFrame(w io.Writer, address byte, payload []byte) error {
	_, err := w.Write(EncodeUIFrame(address, payload))
	return err
}

// NeedsEscaping reports whether b must be escaped inside a frame.
func NeedsEscaping(b byte) bool {
	return b == Flag || b == Escape
}

func appendEscaped(dst, src []byte) []byte {
	for _, b := range src {
		if NeedsEscaping(b) {
			dst = append(dst, Escape, b^EscapeMask)
			continue
		}
		dst = append(dst, b)
	}
	return dst
}
