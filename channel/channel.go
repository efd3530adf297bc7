// Package channel implements numbered logical pipes between an RPC client
// and a server.
//
// A Channel owns only an output function. Everything written through it is
// a complete encoded packet; the output decides how the bytes reach the
// wire (an HDLC frame on a serial port, a socket write, an in-process
// queue). Channels are created once and are read-only afterwards, so any
// number of calls may share one.
package channel

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"hdlc-rpc/hdlc"
)

var ErrNoOutput = errors.New("channel: no output")

// OutputFunc sends one encoded packet.
type OutputFunc func(data []byte) error

type Channel struct {
	ID     uint32
	output OutputFunc
}

// New creates a channel. Middlewares wrap output in the order given:
// New(id, out, A, B) sends through A, then B, then out.
func New(id uint32, output OutputFunc, mws ...Middleware) *Channel {
	if output != nil && len(mws) > 0 {
		output = Chain(mws...)(output)
	}
	return &Channel{ID: id, output: output}
}

// Send writes one encoded packet to the channel's output.
func (c *Channel) Send(data []byte) error {
	if c.output == nil {
		return fmt.Errorf("%w: channel %d", ErrNoOutput, c.ID)
	}
	return c.output(data)
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel(%d)", c.ID)
}

// HDLCWriter returns an output that wraps each packet in an HDLC UI frame
// for address and writes it to w.
//
// The returned function holds a lock for the whole write: several calls
// share one writer, and two frames written concurrently would interleave
// on the wire (frame A's first half + frame B = two corrupt frames).
func HDLCWriter(w io.Writer, address byte) OutputFunc {
	var mu sync.Mutex
	return func(data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		return hdlc.WriteUIFrame(w, address, data)
	}
}
