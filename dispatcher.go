// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/synapse/registry"
	"github.com/creachadair/synapse/wire"
	"github.com/creachadair/taskgroup"
)

// A Transport is a duplex link to a device that exchanges framed messages.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Transport interface {
	// Send writes a complete encoded message, including its terminator.
	// Delivery is not acknowledged.
	Send(msg []byte) error

	// Recv returns the next framed message from the device, without its
	// terminator. When the transport closes, Recv reports io.EOF or
	// net.ErrClosed; any other error means the transport failed.
	Recv() ([]byte, error)

	// IsOpen reports whether the transport is able to send.
	IsOpen() bool

	// Close closes the transport, causing any pending Recv to terminate and
	// report an error.
	Close() error
}

// A ReconnectFunc is called when the transport of a dispatcher closes or
// fails, with the error that caused it. If it returns a transport, the
// dispatcher attaches it and resumes. If it reports an error, the dispatcher
// exits with that error. The context ends when the dispatcher is stopped.
type ReconnectFunc func(ctx context.Context, cause error) (Transport, error)

// A Dispatcher issues calls to a device over a Transport and routes the
// messages the device sends back, either to the call awaiting a reply or to
// a registered update handler. Use NewDispatcher to construct one.
//
// Register commands and update handlers before or after starting. Call Start
// with a transport to begin routing inbound messages. Once started, the
// dispatcher runs until Stop is called or the transport closes. When the
// transport closes, every call still awaiting a reply fails with
// ErrDisconnected; if a reconnect policy is installed the dispatcher then
// attaches the transport it provides.
//
// Callbacks, update handlers, and the OnError and OnClose hooks are invoked
// without any lock held, in the order their messages arrived, on a goroutine
// separate from the one receiving messages. Timeouts are reported from a timer
// goroutine. A callback is invoked at most once per call. A callback may call
// Stop or Swap; a ReconnectFunc must not.
//
// The methods of a Dispatcher are safe for concurrent use by multiple
// goroutines.
type Dispatcher struct {
	reg *registry.Registry
	out struct {
		// Must hold the lock to send to or set t.
		sync.Mutex
		t Transport
	}
	metrics atomic.Pointer[dispatchMetrics]

	μ sync.Mutex

	tasks   *taskgroup.Group
	deliv   *deliverer // runs callbacks for the current run
	ctx     context.Context
	stop    context.CancelFunc
	err     error                   // the error that closed the transport
	pending map[string]*pendingCall // token → call awaiting a reply
	nextTok uint32                  // counter for correlation tokens
	term    string                  // message terminator
	plog    MessageLogger
	onError func(error)
	onClose func(error)
	redial  ReconnectFunc
}

// NewDispatcher constructs a new unstarted dispatcher with an empty registry,
// in which the given names are reserved.
func NewDispatcher(reserved ...string) *Dispatcher {
	d := &Dispatcher{
		reg:     registry.New(reserved...),
		pending: make(map[string]*pendingCall),
		term:    wire.DefaultTerminator,
	}
	d.metrics.Store(rootMetrics)
	return d
}

// Registry returns the registry of commands and updates used by d.
func (d *Dispatcher) Registry() *registry.Registry { return d.reg }

// Start starts the dispatcher receiving messages from t. Start does not block;
// call Wait to wait for the dispatcher to exit and report its status.
// Start panics if d is already running.
func (d *Dispatcher) Start(t Transport) *Dispatcher {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.tasks != nil {
		panic("dispatcher is already started")
	}
	d.ctx, d.stop = context.WithCancel(context.Background())
	d.tasks = taskgroup.New(nil)
	d.deliv = newDeliverer()
	d.err = nil
	d.attachLocked(t)
	return d
}

// attachLocked makes t the active transport and starts a receive loop for it.
func (d *Dispatcher) attachLocked(t Transport) {
	d.out.Lock()
	d.out.t = t
	d.out.Unlock()

	d.tasks.Go(func() error {
		for {
			msg, err := t.Recv()
			if err != nil {
				d.fail(t, err)
				return nil
			}
			d.Route(msg)
		}
	})
}

// Stop closes the transport and terminates the dispatcher. It blocks until
// the dispatcher has exited and returns its status. Calls awaiting a reply
// fail with ErrDisconnected, though their callbacks may still be running when
// Stop returns. After Stop completes it is safe to restart the dispatcher with
// a new transport.
func (d *Dispatcher) Stop() error {
	d.μ.Lock()
	if d.stop != nil {
		d.stop()
	}
	d.μ.Unlock()
	d.closeOut(nil)
	return d.Wait()
}

// Swap replaces the transport of d with t. The current transport is closed,
// its receive loop stopped, and its pending calls drained before t is
// attached, so no message is delivered twice. Swap reports the exit status of
// the previous transport. Swap may be called from a callback or an update
// handler, for example to fail over when the device reports a fault.
func (d *Dispatcher) Swap(t Transport) error {
	err := d.Stop()
	d.Start(t)
	return err
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Wait blocks until d terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the dispatcher with a new
// transport.
//
// If d is not running, was stopped, or exited because its transport closed
// cleanly, Wait returns nil; otherwise it reports the error. Wait does not
// wait for callbacks already queued for delivery, so it is safe to call from
// a callback.
func (d *Dispatcher) Wait() error {
	d.μ.Lock()
	g := d.tasks
	d.μ.Unlock()
	if g == nil {
		return nil // the dispatcher is not running
	}
	g.Wait()

	d.μ.Lock()
	defer d.μ.Unlock()
	if d.tasks == nil {
		return nil // another waiter got here first
	}
	stopped := d.ctx.Err() != nil
	d.stop()
	d.tasks = nil

	err := d.err
	if treatErrorAsSuccess(err) || (stopped && errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

// Metrics returns a metrics map for the dispatcher. It is safe for the caller
// to add additional metrics to the map while the dispatcher is active.
func (d *Dispatcher) Metrics() *expvar.Map { return d.metrics.Load().emap }

// Detach detaches d from the global metrics, so that thereafter it records
// its activity in a metrics map of its own. Detach returns d to permit
// chaining.
func (d *Dispatcher) Detach() *Dispatcher {
	d.metrics.Store(newMetrics())
	return d
}

// Terminator sets the message terminator used for outbound messages. If term
// == "" the default terminator is restored. Terminator returns d to permit
// chaining.
func (d *Dispatcher) Terminator(term string) *Dispatcher {
	d.μ.Lock()
	defer d.μ.Unlock()
	if term == "" {
		term = wire.DefaultTerminator
	}
	d.term = term
	return d
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the device, including messages that are discarded.
//
// Passing a nil callback disables logging. The logger is invoked
// synchronously, prior to sending or routing a message.
func (d *Dispatcher) LogMessages(log MessageLogger) *Dispatcher {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.plog = log
	return d
}

// OnError registers a callback to be invoked for errors that do not belong to
// any call: inbound messages that match no pending call or update handler,
// update handlers that panic, transport failures, and reconnect failures.
// Errors reported for messages have concrete type *MessageError.
//
// Only one error callback can be registered at a time; if f == nil the
// callback is removed.
func (d *Dispatcher) OnError(f func(error)) *Dispatcher {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.onError = f
	return d
}

// OnClose registers a callback to be invoked when the transport closes, after
// pending calls have been drained. Its argument is nil if the transport closed
// cleanly, or otherwise the error that closed it. The callback may call Stop,
// for example to shut down rather than reconnect.
//
// Only one close callback can be registered at a time; if f == nil the
// callback is removed.
func (d *Dispatcher) OnClose(f func(error)) *Dispatcher {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.onClose = f
	return d
}

// Reconnect installs a policy that is consulted when the transport closes
// other than by a call to Stop. If f == nil, the dispatcher exits when the
// transport closes. Reconnect returns d to permit chaining.
func (d *Dispatcher) Reconnect(f ReconnectFunc) *Dispatcher {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.redial = f
	return d
}

// RegisterCommand adds a command definition to the registry of d, and returns
// a handle to invoke it. Any error has concrete type *ValidationError.
func (d *Dispatcher) RegisterCommand(def Command) (*Handle, error) {
	cmd, err := d.reg.AddCommand(def)
	if err != nil {
		return nil, err
	}
	return &Handle{d: d, cmd: cmd}, nil
}

// RegisterUpdate adds an update handler definition to the registry of d. Any
// error has concrete type *ValidationError.
func (d *Dispatcher) RegisterUpdate(def Update) error { return d.reg.AddUpdate(def) }

// Register adds a definition of the given kind to the registry of d. For a
// command, it returns a handle to invoke the command; for an update it
// returns a nil handle. Any error has concrete type *ValidationError.
func (d *Dispatcher) Register(kind Kind, def any) (*Handle, error) {
	if err := d.reg.Add(kind, def); err != nil {
		return nil, err
	}
	var name string
	switch t := def.(type) {
	case Command:
		name = t.Name
	case *Command:
		name = t.Name
	default:
		return nil, nil
	}
	cmd, _ := d.reg.Command(name)
	return &Handle{d: d, cmd: cmd}, nil
}

// Invoke sends a call to the named command with the given arguments, and
// returns without waiting for a reply. The result of the call is reported to
// cb, including any error that prevents the call from being sent. Errors
// reported to cb have concrete type *CallError.
//
// For a silent command, cb is called with (nil, nil) once the message has been
// sent. If cb == nil, Invoke behaves as Send and discards its error.
func (d *Dispatcher) Invoke(name string, cb Callback, args ...any) {
	if cb == nil {
		d.Send(name, args...)
		return
	}
	pc, err := d.issue(name, cb, args)
	if err != nil {
		cb(nil, err)
	} else if pc == nil {
		cb(nil, nil) // silent
	}
}

// Send sends a call to the named command with the given arguments, and
// reports any error that prevents the call from being sent. It is meant for
// silent commands, which have no reply. If the command is not silent, its
// reply is consumed and discarded. Errors have concrete type *CallError.
func (d *Dispatcher) Send(name string, args ...any) error {
	_, err := d.issue(name, nil, args)
	return err
}

// Call sends a call to the named command with the given arguments, and blocks
// until ctx ends or until the reply is received. If ctx ends first, the call
// is abandoned and a later reply for it is treated as unknown. For a silent
// command, Call returns (nil, nil) once the message has been sent. Errors
// have concrete type *CallError.
func (d *Dispatcher) Call(ctx context.Context, name string, args ...any) (*Response, error) {
	type result struct {
		rsp *Response
		err error
	}
	ch := make(chan result, 1)
	pc, err := d.issue(name, func(rsp *Response, err error) { ch <- result{rsp, err} }, args)
	if err != nil {
		return nil, err
	} else if pc == nil {
		return nil, nil // silent
	}
	select {
	case r := <-ch:
		return r.rsp, r.err
	case <-ctx.Done():
		if d.release(pc) {
			d.metrics.Load().callOutErr.Add(1)
			return nil, callError(name, pc.token, ctx.Err())
		}
		// The call completed while we were giving up; report its result.
		r := <-ch
		return r.rsp, r.err
	}
}

// issue sends a call to the named command. For a non-silent command it
// returns the pending call that will receive the reply. For a silent command
// it returns nil. It reports an error if the call could not be sent; in that
// case cb is not invoked.
func (d *Dispatcher) issue(name string, cb Callback, args []any) (_ *pendingCall, err error) {
	m := d.metrics.Load()
	m.callOut.Add(1)
	defer func() {
		if err != nil {
			m.callOutErr.Add(1)
		}
	}()

	cmd, ok := d.reg.Command(name)
	if !ok {
		return nil, callError(name, "", ErrUnknownCommand)
	}
	if !d.isOpen() {
		return nil, callError(name, "", ErrTransportClosed)
	}

	// Phase 1: Assign a token, encode the message, and record the call.
	d.μ.Lock()
	var pc *pendingCall
	var token string
	if !cmd.Silent {
		token, err = d.newTokenLocked()
		if err != nil {
			d.μ.Unlock()
			return nil, callError(name, "", err)
		}
	}
	msg, err := wire.Encode(d.term, cmd.ID, token, args...)
	if err != nil {
		d.μ.Unlock()
		return nil, callError(name, token, err)
	}
	plog := d.plog
	if !cmd.Silent {
		pc = &pendingCall{token: token, cmd: cmd, issued: time.Now(), cb: cb}
		d.pending[token] = pc
		m.callPending.Add(1)
		if cmd.HasTimeout() {
			pc.timer = time.AfterFunc(cmd.Timeout, func() { d.expire(pc) })
		}
	}
	d.μ.Unlock()

	// Send the message to the device. Note we MUST NOT hold the state lock
	// while doing this, as that will block the receiver from routing replies.
	err = d.sendOut(msg, plog)

	// Phase 2: If the send failed, withdraw the call. If the call is no longer
	// pending it has already been resolved, and its callback was invoked.
	if err != nil && (pc == nil || d.release(pc)) {
		return nil, callError(name, token, err)
	}
	return pc, nil
}

// Route routes an inbound message from the device: to the call awaiting a
// reply with a matching token, otherwise to the update handler with a
// matching identifier. A message that matches neither is reported to the
// OnError callback. The dispatcher calls Route for each message received from
// its transport; a host that receives messages by other means may call it
// directly.
func (d *Dispatcher) Route(msg []byte) {
	m := d.metrics.Load()
	m.msgRecv.Add(1)

	d.μ.Lock()
	plog := d.plog
	d.μ.Unlock()
	if plog != nil {
		plog(MessageInfo{Data: msg, Sent: false})
	}

	raw := string(msg)
	in := wire.Parse(raw)

	d.μ.Lock()
	pc, ok := d.pending[in.Key]
	if ok {
		d.releaseLocked(pc)
	}
	d.μ.Unlock()
	if ok {
		rsp := &Response{
			Command: pc.cmd.Name,
			Token:   pc.token,
			Fields:  in.Assign(pc.cmd.Returns),
			Raw:     raw,
			Issued:  pc.issued,
			Elapsed: time.Since(pc.issued),
		}
		d.dispatch(func() { pc.deliver(rsp, nil) })
		return
	}

	if u, ok := d.reg.Update(in.Key); ok {
		m.updateIn.Add(1)
		data := in.Assign(u.Returns)
		d.dispatch(func() {
			if err := runUpdate(u, data, raw); err != nil {
				d.report(&MessageError{Key: in.Key, Raw: raw, Err: err})
			}
		})
		return
	}

	m.msgDropped.Add(1)
	d.dispatch(func() { d.report(&MessageError{Key: in.Key, Raw: raw, Err: ErrUnknownMessage}) })
}

// dispatch runs f on the deliverer of the current run, or directly if d is
// not running.
func (d *Dispatcher) dispatch(f func()) {
	d.μ.Lock()
	dl := d.deliv
	d.μ.Unlock()
	if dl == nil || !dl.add(f) {
		f()
	}
}

// runUpdate calls the handler for u, and converts a panic into an error.
func runUpdate(u Update, data wire.Fields, raw string) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("update handler %q panicked (recovered): %v", u.Name, x)
		}
	}()
	u.Handle(data, raw)
	return nil
}

// expire reports a timeout for pc, if it is still pending.
func (d *Dispatcher) expire(pc *pendingCall) {
	if !d.release(pc) {
		return // already resolved
	}
	m := d.metrics.Load()
	m.callTimeout.Add(1)
	m.callOutErr.Add(1)

	err := ErrTimeout
	if f := pc.cmd.OnTimeout; f != nil {
		if terr := f(pc.cmd.Name, pc.issued); terr != nil {
			err = terr
		}
	}
	pc.deliver(nil, callError(pc.cmd.Name, pc.token, err))
}

// fail terminates all pending calls after transport t has closed or failed,
// and consults the reconnect policy if there is one. Callbacks for the drained
// calls, and the error and close hooks, run on the deliverer; the deliverer is
// closed unless a new transport is attached.
func (d *Dispatcher) fail(t Transport, cause error) {
	d.closeOut(t)

	d.μ.Lock()
	drained := d.pending
	d.pending = make(map[string]*pendingCall)
	for _, pc := range drained {
		if pc.timer != nil {
			pc.timer.Stop()
		}
	}
	d.err = cause
	onError, onClose, redial, ctx, dl := d.onError, d.onClose, d.redial, d.ctx, d.deliv
	d.μ.Unlock()

	run := func(f func()) {
		if dl == nil || !dl.add(f) {
			f()
		}
	}
	reattached := false
	defer func() {
		if !reattached && dl != nil {
			dl.close()
		}
	}()

	m := d.metrics.Load()
	m.callPending.Add(-int64(len(drained)))
	m.callDrained.Add(int64(len(drained)))
	m.callOutErr.Add(int64(len(drained)))
	for _, pc := range drained {
		err := callError(pc.cmd.Name, pc.token, fmt.Errorf("%w: %w", ErrDisconnected, cause))
		run(func() { pc.deliver(nil, err) })
	}

	clean := treatErrorAsSuccess(cause)
	if !clean && onError != nil {
		run(func() { onError(cause) })
	}
	if onClose != nil {
		run(func() {
			if clean {
				onClose(nil)
			} else {
				onClose(cause)
			}
		})
	}
	if redial == nil || ctx.Err() != nil {
		return // no policy, or stopped on purpose
	}

	nt, err := redial(ctx, cause)
	d.μ.Lock()
	if err != nil {
		d.err = fmt.Errorf("reconnect: %w", err)
		d.μ.Unlock()
		if onError != nil && ctx.Err() == nil {
			run(func() { onError(err) })
		}
		return
	}
	defer d.μ.Unlock()
	if ctx.Err() != nil {
		nt.Close() // stopped while reconnecting
		return
	}
	d.err = nil
	d.attachLocked(nt)
	reattached = true
}

func (d *Dispatcher) report(err error) {
	d.μ.Lock()
	f := d.onError
	d.μ.Unlock()
	if f != nil {
		f(err)
	}
}

// release removes pc from the pending table, and reports whether it was
// still pending.
func (d *Dispatcher) release(pc *pendingCall) bool {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.releaseLocked(pc)
}

func (d *Dispatcher) releaseLocked(pc *pendingCall) bool {
	if d.pending[pc.token] != pc {
		return false
	}
	delete(d.pending, pc.token)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	d.metrics.Load().callPending.Add(-1)
	return true
}

// tokenSpace is the number of distinct correlation tokens. Tokens are written
// as "t" followed by up to 5 base-36 digits, so that a token never looks like
// the decimal identifier of an update.
const tokenSpace = 36 * 36 * 36 * 36 * 36

var errTooManyCalls = errors.New("too many pending calls")

// newTokenLocked returns a correlation token not used by any pending call.
// Tokens are issued in sequence, wrapping around after tokenSpace calls.
func (d *Dispatcher) newTokenLocked() (string, error) {
	if len(d.pending) >= tokenSpace {
		return "", errTooManyCalls
	}
	for {
		d.nextTok = (d.nextTok + 1) % tokenSpace
		tok := formatToken(d.nextTok)
		if _, ok := d.pending[tok]; !ok {
			return tok, nil
		}
	}
}

func formatToken(n uint32) string { return "t" + strconv.FormatUint(uint64(n), 36) }

func (d *Dispatcher) isOpen() bool {
	d.out.Lock()
	defer d.out.Unlock()
	return d.out.t != nil && d.out.t.IsOpen()
}

func (d *Dispatcher) sendOut(msg []byte, plog MessageLogger) error {
	d.out.Lock()
	defer d.out.Unlock()
	if d.out.t == nil {
		return ErrTransportClosed
	}
	d.metrics.Load().msgSent.Add(1)
	if plog != nil {
		plog(MessageInfo{Data: msg, Sent: true})
	}
	return d.out.t.Send(msg)
}

// closeOut closes the active transport if it is t, or whatever it is if t is
// nil, and detaches it.
func (d *Dispatcher) closeOut(t Transport) {
	d.out.Lock()
	defer d.out.Unlock()
	if d.out.t != nil && (t == nil || d.out.t == t) {
		d.out.t.Close()
		d.out.t = nil
	}
}

// A pendingCall is a call awaiting a reply.
type pendingCall struct {
	token  string
	cmd    Command
	issued time.Time
	timer  *time.Timer // nil if the command has no timeout
	cb     Callback    // nil if the caller does not want the result
}

func (pc *pendingCall) deliver(rsp *Response, err error) {
	if pc.cb != nil {
		pc.cb(rsp, err)
	}
}
