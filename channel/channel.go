// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the synapse.Transport interface.
package channel

import (
	"bufio"
	"bytes"
	"cmp"
	"io"
	"net"
	"sync/atomic"

	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/wire"
)

// directBuffer is the number of messages a direct transport holds before a
// sender blocks, like the receive buffer of a serial line.
const directBuffer = 16

// Direct constructs a connected pair of in-memory transports. Messages sent to
// A are received by B and vice versa. Each send is split into messages at the
// terminator term (or wire.DefaultTerminator if term == ""), as a device link
// would frame them.
func Direct(term string) (A, B synapse.Transport) {
	a2b := make(chan []byte, directBuffer)
	b2a := make(chan []byte, directBuffer)
	sep := []byte(cmp.Or(term, wire.DefaultTerminator))
	aDone, bDone := make(chan struct{}), make(chan struct{})
	A = &direct{a2b: a2b, b2a: b2a, sep: sep, done: aDone, peer: bDone}
	B = &direct{a2b: b2a, b2a: a2b, sep: sep, done: bDone, peer: aDone}
	return
}

type direct struct {
	a2b    chan<- []byte
	b2a    <-chan []byte
	sep    []byte
	done   chan struct{} // closed when this end is closed
	peer   chan struct{} // closed when the other end is closed
	closed atomic.Bool
}

// Send implements a method of the [synapse.Transport] interface.
func (d *direct) Send(msg []byte) (err error) {
	if d.closed.Load() {
		return net.ErrClosed
	}
	defer safeClose(&err)
	for len(msg) != 0 {
		frame, rest, _ := bytes.Cut(msg, d.sep)
		select {
		case d.a2b <- bytes.Clone(frame):
		case <-d.peer:
			return net.ErrClosed
		case <-d.done:
			return net.ErrClosed
		}
		msg = rest
	}
	return nil
}

// Recv implements a method of the [synapse.Transport] interface.
func (d *direct) Recv() ([]byte, error) {
	select {
	case msg, ok := <-d.b2a:
		if !ok {
			return nil, net.ErrClosed
		}
		return msg, nil
	case <-d.done:
		return nil, net.ErrClosed
	}
}

// IsOpen implements a method of the [synapse.Transport] interface.
func (d *direct) IsOpen() bool { return !d.closed.Load() }

// Close implements a method of the [synapse.Transport] interface.
func (d *direct) Close() (err error) {
	if d.closed.Swap(true) {
		return net.ErrClosed
	}
	close(d.done)
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a transport that receives from r and sends to wc. Inbound data
// are split into messages at the terminator term, or wire.DefaultTerminator if
// term == "". Messages consisting only of line endings are skipped.
func IO(r io.Reader, wc io.WriteCloser, term string) *IOTransport {
	s := bufio.NewScanner(r)
	s.Split(wire.SplitFunc(term))
	return &IOTransport{s: s, w: bufio.NewWriter(wc), c: wc}
}

// An IOTransport sends and receives messages on a reader and a writer.
type IOTransport struct {
	s      *bufio.Scanner
	w      *bufio.Writer
	c      io.Closer
	closed atomic.Bool
}

// Send implements a method of the [synapse.Transport] interface.
func (c *IOTransport) Send(msg []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if _, err := c.w.Write(msg); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [synapse.Transport] interface.
func (c *IOTransport) Recv() ([]byte, error) {
	for c.s.Scan() {
		if len(bytes.Trim(c.s.Bytes(), "\r\n")) == 0 {
			continue
		}
		return bytes.Clone(c.s.Bytes()), nil
	}
	if c.closed.Load() {
		return nil, net.ErrClosed
	} else if err := c.s.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// IsOpen implements a method of the [synapse.Transport] interface.
func (c *IOTransport) IsOpen() bool { return !c.closed.Load() }

// Close implements a method of the [synapse.Transport] interface.
func (c *IOTransport) Close() error {
	if c.closed.Swap(true) {
		return net.ErrClosed
	}
	return c.c.Close()
}
