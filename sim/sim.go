// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package sim provides a simulated device, for testing dispatchers and for
// exercising the protocol without hardware.
package sim

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/wire"
	"github.com/creachadair/taskgroup"
)

// ErrNoReply may be returned by a HandlerFunc to suppress the reply to a call
// without reporting an error.
var ErrNoReply = errors.New("no reply")

// A HandlerFunc handles a command received by a device. It receives the
// arguments of the call and returns the values of the reply. If it reports an
// error, the device does not reply.
type HandlerFunc func(args []string) ([]string, error)

// Reply returns a HandlerFunc that ignores its arguments and replies with the
// given values.
func Reply(values ...string) HandlerFunc {
	return func([]string) ([]string, error) { return values, nil }
}

// Echo is a HandlerFunc that replies with its arguments.
func Echo(args []string) ([]string, error) { return args, nil }

type handler struct {
	silent bool
	run    HandlerFunc
}

type ticker struct {
	id     uint32
	period time.Duration
	next   func(n int) []any
}

// A Device simulates the remote end of a dispatcher. It answers commands
// using registered handlers, and can push unsolicited messages. Messages for
// identifiers with no handler are ignored, as a device would ignore them.
//
// The methods of a Device are safe for concurrent use.
type Device struct {
	out struct {
		sync.Mutex
		t synapse.Transport
	}

	μ        sync.Mutex
	tasks    *taskgroup.Group
	err      error
	term     string
	handlers map[string]handler // decimal id → handler
	tickers  []ticker
	plog     synapse.MessageLogger
	onError  func(error)
}

// NewDevice constructs a new unstarted device with no handlers.
func NewDevice() *Device {
	return &Device{term: wire.DefaultTerminator, handlers: make(map[string]handler)}
}

// Terminator sets the terminator for messages sent by d. If term == "" the
// default is restored. It returns d to permit chaining.
func (d *Device) Terminator(term string) *Device {
	d.μ.Lock()
	defer d.μ.Unlock()
	if term == "" {
		term = wire.DefaultTerminator
	}
	d.term = term
	return d
}

// Handle registers f to handle the command with identifier id. If silent is
// true, the command carries no token and f's results are discarded. If f ==
// nil, the handler for id is removed. It returns d to permit chaining.
func (d *Device) Handle(id uint32, silent bool, f HandlerFunc) *Device {
	key := strconv.FormatUint(uint64(id), 10)
	d.μ.Lock()
	defer d.μ.Unlock()
	if f == nil {
		delete(d.handlers, key)
	} else {
		d.handlers[key] = handler{silent: silent, run: f}
	}
	return d
}

// Every arranges for d to push a message with identifier id once per period
// while it is running. The values of the nth push (from 1) are given by
// next(n). It returns d to permit chaining. Every panics if period <= 0.
func (d *Device) Every(period time.Duration, id uint32, next func(n int) []any) *Device {
	if period <= 0 {
		panic("period must be positive")
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	d.tickers = append(d.tickers, ticker{id: id, period: period, next: next})
	return d
}

// LogMessages registers a callback invoked for each message the device
// exchanges. Passing nil disables logging.
func (d *Device) LogMessages(log synapse.MessageLogger) *Device {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.plog = log
	return d
}

// OnError registers a callback invoked for errors reported by handlers, other
// than ErrNoReply, and for replies that could not be encoded or sent.
func (d *Device) OnError(f func(error)) *Device {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.onError = f
	return d
}

// Start starts d serving messages from t. It does not block; call Wait to
// wait for d to exit. Start panics if d is already running.
func (d *Device) Start(t synapse.Transport) *Device {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.tasks != nil {
		panic("device is already started")
	}
	d.out.Lock()
	d.out.t = t
	d.out.Unlock()

	d.err = nil
	d.tasks = taskgroup.New(nil)
	done := make(chan struct{})
	for _, tk := range d.tickers {
		d.tasks.Go(func() error { d.tick(tk, done); return nil })
	}
	d.tasks.Go(func() error {
		defer close(done)
		defer d.closeOut()
		for {
			msg, err := t.Recv()
			if err != nil {
				d.μ.Lock()
				d.err = err
				d.μ.Unlock()
				return nil
			}
			d.serve(msg)
		}
	})
	return d
}

// Stop closes the transport of d and blocks until it has exited.
func (d *Device) Stop() error {
	d.closeOut()
	return d.Wait()
}

// Wait blocks until d exits and reports the error that caused it to stop. A
// transport that closed cleanly is reported as nil.
func (d *Device) Wait() error {
	d.μ.Lock()
	g := d.tasks
	d.μ.Unlock()
	if g == nil {
		return nil
	}
	g.Wait()

	d.μ.Lock()
	defer d.μ.Unlock()
	d.tasks = nil
	if errors.Is(d.err, io.EOF) || errors.Is(d.err, net.ErrClosed) {
		return nil
	}
	return d.err
}

// Push sends an unsolicited message with the given identifier and values.
func (d *Device) Push(id uint32, values ...any) error {
	d.μ.Lock()
	term := d.term
	d.μ.Unlock()

	msg, err := wire.Encode(term, id, "", values...)
	if err != nil {
		return fmt.Errorf("push %d: %w", id, err)
	}
	return d.send(msg)
}

// tick runs the periodic pushes for tk until done is closed.
func (d *Device) tick(tk ticker, done <-chan struct{}) {
	t := time.NewTicker(tk.period)
	defer t.Stop()
	for n := 1; ; n++ {
		select {
		case <-done:
			return
		case <-t.C:
		}
		if err := d.Push(tk.id, tk.next(n)...); err != nil && !errors.Is(err, synapse.ErrTransportClosed) && !errors.Is(err, net.ErrClosed) {
			d.report(err)
		}
	}
}

// serve handles a single message received by d.
func (d *Device) serve(msg []byte) {
	d.μ.Lock()
	plog, term := d.plog, d.term
	d.μ.Unlock()
	if plog != nil {
		plog(synapse.MessageInfo{Data: msg})
	}

	in := wire.Parse(msg)
	d.μ.Lock()
	h, ok := d.handlers[in.Key]
	d.μ.Unlock()
	if !ok {
		return // unknown identifiers are ignored
	}

	args := in.Values
	var token string
	if !h.silent {
		if len(args) == 0 {
			d.report(fmt.Errorf("command %s: missing token", in.Key))
			return
		}
		token, args = args[0], args[1:]
	}
	values, err := h.run(args)
	if err != nil {
		if !errors.Is(err, ErrNoReply) {
			d.report(fmt.Errorf("command %s: %w", in.Key, err))
		}
		return
	} else if h.silent {
		return
	}

	b := wire.Builder{Term: term}
	if err := b.Field(token); err != nil {
		d.report(fmt.Errorf("command %s: %w", in.Key, err))
		return
	}
	for _, v := range values {
		if err := b.Field(v); err != nil {
			d.report(fmt.Errorf("command %s reply: %w", in.Key, err))
			return
		}
	}
	b.Terminate()
	if err := d.send(b.Bytes()); err != nil {
		d.report(fmt.Errorf("command %s reply: %w", in.Key, err))
	}
}

func (d *Device) send(msg []byte) error {
	d.μ.Lock()
	plog := d.plog
	d.μ.Unlock()

	d.out.Lock()
	defer d.out.Unlock()
	if d.out.t == nil {
		return synapse.ErrTransportClosed
	}
	if plog != nil {
		plog(synapse.MessageInfo{Data: msg, Sent: true})
	}
	return d.out.t.Send(msg)
}

func (d *Device) closeOut() {
	d.out.Lock()
	defer d.out.Unlock()
	if d.out.t != nil {
		d.out.t.Close()
		d.out.t = nil
	}
}

func (d *Device) report(err error) {
	d.μ.Lock()
	f := d.onError
	d.μ.Unlock()
	if f != nil {
		f(err)
	}
}
