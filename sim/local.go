// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package sim

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a dispatcher connected to a simulated device in memory, suitable
// for testing.
type Local struct {
	D   *synapse.Dispatcher
	Dev *Device
}

// NewLocal creates a dispatcher and a device connected by a direct channel.
// The dispatcher records its metrics privately. Both are started.
func NewLocal() *Local {
	a, b := channel.Direct("")
	return &Local{
		D:   synapse.NewDispatcher().Detach().Start(a),
		Dev: NewDevice().Start(b),
	}
}

// Stop shuts down both ends, dispatcher first, and blocks until both have
// exited. It reports the errors of both.
func (p *Local) Stop() error { return errors.Join(p.D.Stop(), p.Dev.Stop()) }

// A Conn is a client connection accepted for a simulated device.
type Conn struct {
	synapse.Transport
	Peer string // identifies the client, for logging
}

// An Accepter accepts client connections for simulated devices.
type Accepter interface {
	Accept(context.Context) (Conn, error)
}

// Loop accepts connections from acc and serves each with its own device, made
// by calling newDevice with the peer label of the connection. It runs until
// acc closes or ctx ends; a closed accepter is not an error.
//
// Ending ctx stops every running device. Either way, Loop waits for running
// devices to exit before returning. A connection that ends abnormally is
// reported to the OnError hook of its device.
func Loop(ctx context.Context, acc Accepter, newDevice func(peer string) *Device) error {
	g := taskgroup.New(nil)
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			g.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		dev := newDevice(conn.Peer).Start(conn.Transport)
		stop := context.AfterFunc(ctx, func() { dev.Stop() })
		g.Go(func() error {
			defer stop()
			if err := dev.Wait(); err != nil {
				dev.report(fmt.Errorf("connection from %s: %w", conn.Peer, err))
			}
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Connections
// use the message terminator term, or the default if term == "", and are
// labelled with their remote address. The listener is closed if the context
// passed to Accept ends while it is waiting.
func NetAccepter(lst net.Listener, term string) Accepter {
	return netAccepter{lst: lst, term: term}
}

type netAccepter struct {
	lst  net.Listener
	term string
}

func (n netAccepter) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() { n.lst.Close() })
	defer stop()

	conn, err := n.lst.Accept()
	if err != nil {
		return Conn{}, err
	}
	return Conn{
		Transport: channel.IO(conn, conn, n.term),
		Peer:      conn.RemoteAddr().String(),
	}, nil
}
