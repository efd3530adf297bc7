package hdlc

import (
	"iter"

	"go.uber.org/zap"
)

type state int

const (
	stateInterframe state = iota
	stateAddress
	stateControl
	stateData
)

// Decoder turns an escaped byte stream into frames. It keeps its state
// between calls, so a stream may be fed in arbitrary chunks, down to one
// byte at a time, with identical results.
//
// A Decoder is not safe for concurrent use; a transport owns exactly one
// and feeds it from its single reader goroutine.
type Decoder struct {
	state      state
	pendingErr Status // carried through interframe after an invalid escape
	escape     bool
	buf        []byte
	discarded  int
	logger     *zap.Logger
}

// NewDecoder creates a decoder that starts between frames: bytes before
// the first FLAG are discarded.
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Process decodes data and returns every frame completed within it.
// Corrupt frames are returned with a non-OK status.
func (d *Decoder) Process(data []byte) []Frame {
	var frames []Frame
	for _, b := range data {
		frames = d.processByte(b, frames)
	}
	return frames
}

// Frames is the lazy form of Process. Bytes are consumed only as far as
// the caller iterates; stopping early leaves the decoder positioned after
// the last yielded frame.
func (d *Decoder) Frames(data []byte) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		var out []Frame
		for _, b := range data {
			out = d.processByte(b, out[:0])
			for _, f := range out {
				if !yield(f) {
					return
				}
			}
		}
	}
}

// ValidFrames yields only OK frames. Every other frame is logged along
// with the number of bytes that were thrown away.
func (d *Decoder) ValidFrames(data []byte) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		for f := range d.Frames(data) {
			if !f.OK() {
				d.logger.Warn("dropped invalid frame",
					zap.Stringer("status", f.status),
					zap.Int("discarded", len(f.raw)+f.discarded),
					zap.Binary("raw", f.raw))
				continue
			}
			if !yield(f) {
				return
			}
		}
	}
}

func (d *Decoder) processByte(b byte, out []Frame) []Frame {
	if d.state == stateInterframe {
		if b != Flag {
			d.discarded++
			return out
		}
		if d.pendingErr != StatusOK {
			out = append(out, d.emit(d.pendingErr))
		}
		d.restart()
		return out
	}

	switch b {
	case Flag:
		if d.state == stateData {
			out = append(out, d.emit(checkFrame(d.buf, d.escape)))
		} else if len(d.buf) > 0 || d.escape {
			out = append(out, d.emit(StatusIncomplete))
		}
		d.restart()
	case Escape:
		if d.escape {
			// Two escapes in a row; nothing can be trusted until the next flag.
			d.escape = false
			d.state = stateInterframe
			d.pendingErr = StatusInvalidEscape
			d.discarded += 2
			return out
		}
		d.escape = true
	default:
		if d.escape {
			b ^= EscapeMask
			d.escape = false
		}
		d.buf = append(d.buf, b)
		switch d.state {
		case stateAddress:
			d.state = stateControl
		case stateControl:
			d.state = stateData
		}
	}
	return out
}

func (d *Decoder) emit(status Status) Frame {
	raw := make([]byte, len(d.buf))
	copy(raw, d.buf)
	return Frame{raw: raw, status: status, discarded: d.discarded}
}

func (d *Decoder) restart() {
	d.state = stateAddress
	d.pendingErr = StatusOK
	d.escape = false
	d.buf = d.buf[:0]
	d.discarded = 0
}
