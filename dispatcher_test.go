// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package synapse_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/channel"
	"github.com/creachadair/synapse/registry"
	"github.com/creachadair/synapse/sim"
	"github.com/creachadair/synapse/wire"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// newRaw returns a started dispatcher whose transport is connected to dev,
// the far end, so that a test can act as the device.
func newRaw(t *testing.T) (d *synapse.Dispatcher, dev synapse.Transport) {
	t.Helper()
	a, b := channel.Direct("")
	d = synapse.NewDispatcher().Detach().Start(a).LogMessages(logMessage(t, "dispatcher"))
	t.Cleanup(func() {
		if err := d.Stop(); err != nil {
			t.Errorf("Stop dispatcher: %v", err)
		}
		b.Close()
	})
	return d, b
}

func logMessage(t *testing.T, tag string) synapse.MessageLogger {
	return func(m synapse.MessageInfo) {
		t.Helper()
		t.Logf("%s: %v", tag, m)
	}
}

func mustRegister(t *testing.T, d *synapse.Dispatcher, def synapse.Command) *synapse.Handle {
	t.Helper()
	h, err := d.RegisterCommand(def)
	if err != nil {
		t.Fatalf("RegisterCommand %q: %v", def.Name, err)
	}
	return h
}

// recvMsg reads the next message from tr, failing if there is none.
func recvMsg(t *testing.T, tr synapse.Transport) string {
	t.Helper()
	msg, err := tr.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return string(msg)
}

// sendMsg sends the given messages to tr, each with the default terminator.
func sendMsg(t *testing.T, tr synapse.Transport, msgs ...string) {
	t.Helper()
	for _, msg := range msgs {
		if err := tr.Send([]byte(msg + wire.DefaultTerminator)); err != nil {
			t.Fatalf("Send %q: %v", msg, err)
		}
	}
}

// tokenOf returns the correlation token of an outbound call message.
func tokenOf(t *testing.T, msg string) string {
	t.Helper()
	in := wire.Parse(msg)
	if len(in.Values) == 0 {
		t.Fatalf("Message %q has no token", msg)
	}
	return in.Values[0]
}

type result struct {
	rsp *synapse.Response
	err error
}

// collect returns a callback that sends its result to the returned channel.
func collect() (synapse.Callback, <-chan result) {
	ch := make(chan result, 1)
	return func(rsp *synapse.Response, err error) { ch <- result{rsp, err} }, ch
}

// errorChan installs an OnError callback on d that sends to the returned
// channel.
func errorChan(d *synapse.Dispatcher) <-chan error {
	ch := make(chan error, 16)
	d.OnError(func(err error) { ch <- err })
	return ch
}

func wantUnknown(t *testing.T, errc <-chan error, key string) {
	t.Helper()
	err := <-errc
	var me *synapse.MessageError
	if !errors.As(err, &me) || !errors.Is(err, synapse.ErrUnknownMessage) {
		t.Fatalf("OnError: got %v, want MessageError wrapping %v", err, synapse.ErrUnknownMessage)
	}
	if me.Key != key {
		t.Errorf("MessageError key: got %q, want %q", me.Key, key)
	}
}

func metric(d *synapse.Dispatcher, name string) int64 {
	return d.Metrics().Get(name).(*expvar.Int).Value()
}

func TestRegister(t *testing.T) {
	d := synapse.NewDispatcher("reset")

	if _, err := d.RegisterCommand(synapse.Command{Name: "setLevel", ID: 3}); err != nil {
		t.Fatalf("RegisterCommand: unexpected error: %v", err)
	}
	if err := d.RegisterUpdate(synapse.Update{
		Name: "level", ID: 3, Handle: func(wire.Fields, string) {},
	}); err != nil {
		t.Errorf("RegisterUpdate with a command ID: unexpected error: %v", err)
	}

	for _, def := range []synapse.Command{
		{Name: "other", ID: 3},    // duplicate ID
		{Name: "bad name", ID: 4}, // pattern
		{Name: "_hidden", ID: 5},  // reserved prefix
		{Name: "setLevel", ID: 6}, // name in use
		{Name: "level", ID: 7},    // name in use by an update
		{Name: "reset", ID: 8},    // reserved name
		{Name: "zero"},            // missing ID
	} {
		h, err := d.RegisterCommand(def)
		var ve *synapse.ValidationError
		if !errors.As(err, &ve) || !errors.Is(err, registry.ErrInvalid) {
			t.Errorf("RegisterCommand(%+v): got (%v, %v), want ValidationError", def, h, err)
		}
	}

	if _, err := d.Register("gizmo", synapse.Command{Name: "gizmo", ID: 9}); !errors.Is(err, registry.ErrInvalid) {
		t.Errorf("Register(gizmo): got %v, want %v", err, registry.ErrInvalid)
	}
	h, err := d.Register("Command", &synapse.Command{Name: "beep", ID: 9, Silent: true, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Register(command): unexpected error: %v", err)
	}
	if got := h.Command(); got.Timeout != synapse.NoTimeout {
		t.Errorf("Silent command timeout: got %v, want %v", got.Timeout, synapse.NoTimeout)
	}
	if h, err := d.Register("update", synapse.Update{
		Name: "tick", ID: 7, Handle: func(wire.Fields, string) {},
	}); err != nil || h != nil {
		t.Errorf("Register(update): got (%v, %v), want (nil, nil)", h, err)
	}
}

func TestUnknownCommand(t *testing.T) {
	d, _ := newRaw(t)

	cb, res := collect()
	d.Invoke("nonesuch", cb, 1)
	r := <-res
	var ce *synapse.CallError
	if !errors.As(r.err, &ce) || !errors.Is(r.err, synapse.ErrUnknownCommand) {
		t.Errorf("Invoke: got %v, want CallError wrapping %v", r.err, synapse.ErrUnknownCommand)
	} else if ce.Command != "nonesuch" {
		t.Errorf("CallError command: got %q, want nonesuch", ce.Command)
	}
	if r.rsp != nil {
		t.Errorf("Invoke: got response %v, want nil", r.rsp)
	}

	if err := d.Send("nonesuch"); !errors.Is(err, synapse.ErrUnknownCommand) {
		t.Errorf("Send: got %v, want %v", err, synapse.ErrUnknownCommand)
	}
}

func TestTransportClosed(t *testing.T) {
	d := synapse.NewDispatcher().Detach()
	mustRegister(t, d, synapse.Command{Name: "ping", ID: 1})
	mustRegister(t, d, synapse.Command{Name: "beep", ID: 2, Silent: true})

	check := func(t *testing.T) {
		t.Helper()
		cb, res := collect()
		d.Invoke("ping", cb)
		if r := <-res; !errors.Is(r.err, synapse.ErrTransportClosed) {
			t.Errorf("Invoke: got %v, want %v", r.err, synapse.ErrTransportClosed)
		}
		if err := d.Send("beep"); !errors.Is(err, synapse.ErrTransportClosed) {
			t.Errorf("Send: got %v, want %v", err, synapse.ErrTransportClosed)
		}
	}

	t.Run("NotStarted", check)

	a, b := channel.Direct("")
	d.Start(a)
	if err := d.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	b.Close()
	t.Run("Stopped", check)

	if got := metric(d, "calls_out_failed"); got != 4 {
		t.Errorf("calls_out_failed: got %d, want 4", got)
	}
}

func TestReply(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // after newRaw stops the dispatcher
	d, dev := newRaw(t)
	errc := errorChan(d)

	setLevel := mustRegister(t, d, synapse.Command{Name: "setLevel", ID: 3, Returns: []string{"state"}})
	cb, res := collect()
	setLevel.Invoke(cb, 1)

	if got, want := recvMsg(t, dev), "3,t1,1"; got != want {
		t.Fatalf("Sent message: got %q, want %q", got, want)
	}
	if got := metric(d, "calls_pending"); got != 1 {
		t.Errorf("calls_pending: got %d, want 1", got)
	}

	sendMsg(t, dev, "t1,ok")
	r := <-res
	if r.err != nil {
		t.Fatalf("Invoke: unexpected error: %v", r.err)
	}
	want := &synapse.Response{
		Command: "setLevel",
		Token:   "t1",
		Fields:  wire.Fields{"state": "ok"},
		Raw:     "t1,ok",
	}
	opt := cmpopts.IgnoreFields(synapse.Response{}, "Issued", "Elapsed")
	if diff := cmp.Diff(want, r.rsp, opt); diff != "" {
		t.Errorf("Response (-want, +got):\n%s", diff)
	}

	// The call is no longer pending, so a second delivery is unknown.
	sendMsg(t, dev, "t1,ok")
	wantUnknown(t, errc, "t1")
	select {
	case r := <-res:
		t.Errorf("Callback invoked twice: %+v", r)
	default:
	}

	if got := metric(d, "calls_pending"); got != 0 {
		t.Errorf("calls_pending: got %d, want 0", got)
	}
	if got := metric(d, "messages_dropped"); got != 1 {
		t.Errorf("messages_dropped: got %d, want 1", got)
	}
}

func TestOutOfOrder(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // after newRaw stops the dispatcher
	d, dev := newRaw(t)

	echo := mustRegister(t, d, synapse.Command{Name: "echo", ID: 5, Returns: []string{"v"}})
	const numCalls = 5
	var results []<-chan result
	var tokens []string
	for i := range numCalls {
		cb, res := collect()
		echo.Invoke(cb, i)
		results = append(results, res)
		tokens = append(tokens, tokenOf(t, recvMsg(t, dev)))
	}

	// Reply in reverse order.
	for i := numCalls - 1; i >= 0; i-- {
		sendMsg(t, dev, fmt.Sprintf("%s,%d", tokens[i], i))
	}
	for i, res := range results {
		r := <-res
		if r.err != nil {
			t.Errorf("Call %d: unexpected error: %v", i, r.err)
			continue
		}
		if got, want := r.rsp.Fields["v"], fmt.Sprint(i); got != want {
			t.Errorf("Call %d: got %q, want %q", i, got, want)
		}
	}
}

func TestSilent(t *testing.T) {
	d, dev := newRaw(t)
	beep := mustRegister(t, d, synapse.Command{Name: "beep", ID: 4, Silent: true})

	if err := beep.Send(440, 0.5); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if got, want := recvMsg(t, dev), "4,440,0.5"; got != want {
		t.Errorf("Sent message: got %q, want %q", got, want)
	}

	// Invoke reports success of a silent command with (nil, nil).
	cb, res := collect()
	beep.Invoke(cb, true)
	if r := <-res; r.rsp != nil || r.err != nil {
		t.Errorf("Invoke: got (%v, %v), want (nil, nil)", r.rsp, r.err)
	}
	if got, want := recvMsg(t, dev), "4,true"; got != want {
		t.Errorf("Sent message: got %q, want %q", got, want)
	}

	if rsp, err := beep.Call(t.Context()); rsp != nil || err != nil {
		t.Errorf("Call: got (%v, %v), want (nil, nil)", rsp, err)
	}
	recvMsg(t, dev)

	if got := metric(d, "calls_pending"); got != 0 {
		t.Errorf("calls_pending: got %d, want 0", got)
	}
}

func TestSendDiscardsReply(t *testing.T) {
	d, dev := newRaw(t)
	errc := errorChan(d)
	ping := mustRegister(t, d, synapse.Command{Name: "ping", ID: 1})

	if err := ping.Send(); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	tok := tokenOf(t, recvMsg(t, dev))

	// The reply is consumed without error; the push that follows proves it
	// was routed before the next message.
	sendMsg(t, dev, tok+",pong", "99")
	wantUnknown(t, errc, "99")
}

func TestBadArgument(t *testing.T) {
	d, _ := newRaw(t)
	ping := mustRegister(t, d, synapse.Command{Name: "ping", ID: 1})

	cb, res := collect()
	ping.Invoke(cb, "a,b")
	if r := <-res; !errors.Is(r.err, wire.ErrBadField) {
		t.Errorf("Invoke: got %v, want %v", r.err, wire.ErrBadField)
	}
	if err := ping.Send("x;"); !errors.Is(err, wire.ErrBadField) {
		t.Errorf("Send: got %v, want %v", err, wire.ErrBadField)
	}
	if got := metric(d, "calls_pending"); got != 0 {
		t.Errorf("calls_pending: got %d, want 0", got)
	}
}

func TestTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d, dev := newRaw(t)
		errc := errorChan(d)

		slow := mustRegister(t, d, synapse.Command{Name: "slow", ID: 2, Timeout: 50 * time.Millisecond})

		type timed struct {
			err  error
			when time.Duration
		}
		calls := make(chan timed, 2)
		start := time.Now()
		slow.Invoke(func(rsp *synapse.Response, err error) {
			calls <- timed{err, time.Since(start)}
		})
		tok := tokenOf(t, recvMsg(t, dev))

		got := <-calls
		if !errors.Is(got.err, synapse.ErrTimeout) {
			t.Errorf("Callback error: got %v, want %v", got.err, synapse.ErrTimeout)
		}
		if got.when != 50*time.Millisecond {
			t.Errorf("Callback time: got %v, want %v", got.when, 50*time.Millisecond)
		}

		// A late reply is unknown, and does not invoke the callback again.
		time.Sleep(time.Second)
		sendMsg(t, dev, tok+",done")
		wantUnknown(t, errc, tok)
		synctest.Wait()
		if n := len(calls); n != 0 {
			t.Errorf("Callback invoked %d more times after late reply, want 0", n)
		}
		if got := metric(d, "calls_timed_out"); got != 1 {
			t.Errorf("calls_timed_out: got %d, want 1", got)
		}
	})
}

func TestOnTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d, dev := newRaw(t)

		errStale := errors.New("sensor is stale")
		var gotName string
		var gotIssued time.Time
		start := time.Now()
		h := mustRegister(t, d, synapse.Command{
			Name:    "read",
			ID:      6,
			Timeout: time.Second,
			OnTimeout: func(name string, issued time.Time) error {
				gotName, gotIssued = name, issued
				return errStale
			},
		})
		h2 := mustRegister(t, d, synapse.Command{
			Name:      "read2",
			ID:        7,
			Timeout:   time.Second,
			OnTimeout: func(string, time.Time) error { return nil },
		})

		rsp, err := h.Call(t.Context())
		if !errors.Is(err, errStale) {
			t.Errorf("Call: got (%v, %v), want %v", rsp, err, errStale)
		}
		if gotName != "read" || !gotIssued.Equal(start) {
			t.Errorf("OnTimeout: got (%q, %v), want (read, %v)", gotName, gotIssued, start)
		}
		recvMsg(t, dev)

		// A nil result from OnTimeout keeps the default error.
		if _, err := h2.Call(t.Context()); !errors.Is(err, synapse.ErrTimeout) {
			t.Errorf("Call: got %v, want %v", err, synapse.ErrTimeout)
		}
		recvMsg(t, dev)
	})
}

func TestCallContext(t *testing.T) {
	d, dev := newRaw(t)
	errc := errorChan(d)
	ping := mustRegister(t, d, synapse.Command{Name: "ping", ID: 1})

	ctx, cancel := context.WithCancel(t.Context())
	done := taskgroup.Go(func() error {
		_, err := ping.Call(ctx)
		return err
	})
	tok := tokenOf(t, recvMsg(t, dev))
	cancel()
	if err := done.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("Call: got %v, want %v", err, context.Canceled)
	}

	// The abandoned call no longer accepts its reply.
	sendMsg(t, dev, tok+",pong")
	wantUnknown(t, errc, tok)
	if got := metric(d, "calls_pending"); got != 0 {
		t.Errorf("calls_pending: got %d, want 0", got)
	}
}

func TestUpdate(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // after newRaw stops the dispatcher
	d, dev := newRaw(t)
	errc := errorChan(d)

	type push struct {
		data wire.Fields
		raw  string
	}
	got := make(chan push, 4)
	if err := d.RegisterUpdate(synapse.Update{
		Name:    "tick",
		ID:      7,
		Returns: []string{"x"},
		Handle:  func(data wire.Fields, raw string) { got <- push{data, raw} },
	}); err != nil {
		t.Fatalf("RegisterUpdate: %v", err)
	}

	sendMsg(t, dev, "7,5,6", "7")
	p := <-got
	if diff := cmp.Diff(wire.Fields{"x": "5"}, p.data); diff != "" {
		t.Errorf("Update data (-want, +got):\n%s", diff)
	}
	if p.raw != "7,5,6" {
		t.Errorf("Update raw: got %q, want %q", p.raw, "7,5,6")
	}

	// A missing value leaves its name unset.
	p = <-got
	if v, ok := p.data.Get("x"); ok {
		t.Errorf("Update data: got x=%q, want unset", v)
	}

	sendMsg(t, dev, "8,1")
	wantUnknown(t, errc, "8")

	if n := metric(d, "updates_in"); n != 2 {
		t.Errorf("updates_in: got %d, want 2", n)
	}
}

func TestUpdatePanic(t *testing.T) {
	d, dev := newRaw(t)
	errc := errorChan(d)

	ok := make(chan string, 1)
	d.RegisterUpdate(synapse.Update{
		Name:   "boom",
		ID:     1,
		Handle: func(wire.Fields, string) { panic("kaboom") },
	})
	d.RegisterUpdate(synapse.Update{
		Name:   "fine",
		ID:     2,
		Handle: func(_ wire.Fields, raw string) { ok <- raw },
	})

	sendMsg(t, dev, "1", "2,x")
	err := <-errc
	var me *synapse.MessageError
	if !errors.As(err, &me) || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("OnError: got %v, want MessageError for panic", err)
	}
	if got := <-ok; got != "2,x" {
		t.Errorf("Next update: got %q, want %q", got, "2,x")
	}
}

func TestDrain(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Direct("")
	d := synapse.NewDispatcher().Detach()
	closed := make(chan error, 1)
	d.OnClose(func(err error) { closed <- err })
	d.Start(a)

	ping := mustRegister(t, d, synapse.Command{Name: "ping", ID: 1})
	cb1, res1 := collect()
	cb2, res2 := collect()
	ping.Invoke(cb1)
	ping.Invoke(cb2)
	recvMsg(t, b)
	recvMsg(t, b)

	b.Close()
	for i, res := range []<-chan result{res1, res2} {
		if r := <-res; !errors.Is(r.err, synapse.ErrDisconnected) || !errors.Is(r.err, net.ErrClosed) {
			t.Errorf("Call %d: got %v, want %v wrapping %v", i+1, r.err, synapse.ErrDisconnected, net.ErrClosed)
		}
	}
	if err := <-closed; err != nil {
		t.Errorf("OnClose: got %v, want nil", err)
	}
	if err := d.Wait(); err != nil {
		t.Errorf("Wait: got %v, want nil", err)
	}
	if got := metric(d, "calls_drained"); got != 2 {
		t.Errorf("calls_drained: got %d, want 2", got)
	}
	if got := metric(d, "calls_pending"); got != 0 {
		t.Errorf("calls_pending: got %d, want 0", got)
	}

	// After exit, calls fail as closed.
	cb, res := collect()
	ping.Invoke(cb)
	if r := <-res; !errors.Is(r.err, synapse.ErrTransportClosed) {
		t.Errorf("Invoke after close: got %v, want %v", r.err, synapse.ErrTransportClosed)
	}
}

// brokenTransport is a transport whose Recv fails with err.
type brokenTransport struct {
	synapse.Transport
	err error
}

func (b brokenTransport) Recv() ([]byte, error) { return nil, b.err }

func TestTransportError(t *testing.T) {
	defer leaktest.Check(t)()

	errLine := errors.New("framing error")
	a, b := channel.Direct("")
	defer b.Close()

	d := synapse.NewDispatcher().Detach()
	errc := errorChan(d)
	closed := make(chan error, 1)
	d.OnClose(func(err error) { closed <- err })
	d.Start(brokenTransport{Transport: a, err: errLine})

	if err := <-errc; !errors.Is(err, errLine) {
		t.Errorf("OnError: got %v, want %v", err, errLine)
	}
	if err := <-closed; !errors.Is(err, errLine) {
		t.Errorf("OnClose: got %v, want %v", err, errLine)
	}
	if err := d.Wait(); !errors.Is(err, errLine) {
		t.Errorf("Wait: got %v, want %v", err, errLine)
	}
	if a.IsOpen() {
		t.Error("Transport is still open after failure")
	}
}

func TestReconnect(t *testing.T) {
	defer leaktest.Check(t)()

	a1, b1 := channel.Direct("")
	a2, b2 := channel.Direct("")
	defer b2.Close()

	causes := make(chan error, 1)
	next := &notifyTransport{Transport: a2, ready: make(chan struct{})}
	d := synapse.NewDispatcher().Detach().Reconnect(func(_ context.Context, cause error) (synapse.Transport, error) {
		causes <- cause
		return next, nil
	}).Start(a1)
	defer d.Stop()

	ping := mustRegister(t, d, synapse.Command{Name: "ping", ID: 1, Returns: []string{"v"}})
	cb, res := collect()
	ping.Invoke(cb)
	recvMsg(t, b1)

	b1.Close()
	if r := <-res; !errors.Is(r.err, synapse.ErrDisconnected) {
		t.Errorf("Pending call: got %v, want %v", r.err, synapse.ErrDisconnected)
	}
	if err := <-causes; !errors.Is(err, net.ErrClosed) {
		t.Errorf("Reconnect cause: got %v, want %v", err, net.ErrClosed)
	}

	<-next.ready

	// Calls now go to the new transport. The token sequence continues.
	done := taskgroup.Go(func() error {
		rsp, err := ping.Call(t.Context())
		if err == nil && rsp.Fields["v"] != "pong" {
			err = fmt.Errorf("got %v, want pong", rsp.Fields)
		}
		return err
	})
	msg := recvMsg(t, b2)
	if got, want := msg, "1,t2"; got != want {
		t.Errorf("Sent message: got %q, want %q", got, want)
	}
	sendMsg(t, b2, tokenOf(t, msg)+",pong")
	if err := done.Wait(); err != nil {
		t.Errorf("Call after reconnect: %v", err)
	}
}

// notifyTransport closes ready the first time its Recv method is called,
// which happens once a dispatcher has attached it.
type notifyTransport struct {
	synapse.Transport
	once  sync.Once
	ready chan struct{}
}

func (n *notifyTransport) Recv() ([]byte, error) {
	n.once.Do(func() { close(n.ready) })
	return n.Transport.Recv()
}

func TestReconnectFails(t *testing.T) {
	defer leaktest.Check(t)()

	errNoDevice := errors.New("no device")
	a, b := channel.Direct("")
	d := synapse.NewDispatcher().Detach().Reconnect(func(context.Context, error) (synapse.Transport, error) {
		return nil, errNoDevice
	})
	errc := errorChan(d)
	d.Start(a)

	b.Close()
	if err := <-errc; !errors.Is(err, errNoDevice) {
		t.Errorf("OnError: got %v, want %v", err, errNoDevice)
	}
	if err := d.Wait(); !errors.Is(err, errNoDevice) {
		t.Errorf("Wait: got %v, want %v", err, errNoDevice)
	}
}

func TestSwap(t *testing.T) {
	defer leaktest.Check(t)()

	loc := sim.NewLocal()
	defer loc.Stop()
	loc.Dev.Handle(1, false, sim.Reply("one"))

	ping := mustRegister(t, loc.D, synapse.Command{Name: "ping", ID: 1, Returns: []string{"v"}})
	if rsp, err := ping.Call(t.Context()); err != nil || rsp.Fields["v"] != "one" {
		t.Fatalf("Call: got (%v, %v), want one", rsp, err)
	}

	a, b := channel.Direct("")
	dev2 := sim.NewDevice().Handle(1, false, sim.Reply("two")).Start(b)
	defer dev2.Stop()

	if err := loc.D.Swap(a); err != nil {
		t.Errorf("Swap: unexpected error: %v", err)
	}
	if err := loc.Dev.Wait(); err != nil {
		t.Errorf("Old device: %v", err)
	}
	if rsp, err := ping.Call(t.Context()); err != nil || rsp.Fields["v"] != "two" {
		t.Errorf("Call after swap: got (%v, %v), want two", rsp, err)
	}
}

func TestStopFromCallback(t *testing.T) {
	t.Run("OnClose", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			a, b := channel.Direct("")
			d := synapse.NewDispatcher().Detach()
			stopped := make(chan error, 1)
			d.OnClose(func(error) { stopped <- d.Stop() })
			d.Start(a)

			b.Close()
			if err := <-stopped; err != nil {
				t.Errorf("Stop in OnClose: unexpected error: %v", err)
			}
			if err := d.Wait(); err != nil {
				t.Errorf("Wait: unexpected error: %v", err)
			}
		})
	})

	t.Run("SwapInUpdate", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			a1, b1 := channel.Direct("")
			a2, b2 := channel.Direct("")
			defer b1.Close()
			defer b2.Close()

			d := synapse.NewDispatcher().Detach()
			swapped := make(chan error, 1)
			if err := d.RegisterUpdate(synapse.Update{
				Name:   "fault",
				ID:     9,
				Handle: func(wire.Fields, string) { swapped <- d.Swap(a2) },
			}); err != nil {
				t.Fatalf("RegisterUpdate: %v", err)
			}
			ping := mustRegister(t, d, synapse.Command{Name: "ping", ID: 1, Returns: []string{"v"}})
			d.Start(a1)
			defer d.Stop()

			sendMsg(t, b1, "9")
			if err := <-swapped; err != nil {
				t.Errorf("Swap in update: unexpected error: %v", err)
			}
			if a1.IsOpen() {
				t.Error("Old transport is still open after swap")
			}

			done := taskgroup.Go(func() error {
				rsp, err := ping.Call(t.Context())
				if err == nil && rsp.Fields["v"] != "ok" {
					err = fmt.Errorf("got %v, want ok", rsp.Fields)
				}
				return err
			})
			msg := recvMsg(t, b2)
			sendMsg(t, b2, tokenOf(t, msg)+",ok")
			if err := done.Wait(); err != nil {
				t.Errorf("Call after swap: %v", err)
			}
		})
	})
}

func TestStartTwice(t *testing.T) {
	d, _ := newRaw(t)
	a, b := channel.Direct("")
	defer b.Close()
	defer a.Close()
	mtest.MustPanic(t, func() { d.Start(a) })
}

func TestTerminator(t *testing.T) {
	a, b := channel.Direct("\r\n")
	d := synapse.NewDispatcher().Detach().Terminator("\r\n").Start(a)
	defer d.Stop()
	defer b.Close()

	cmd := mustRegister(t, d, synapse.Command{Name: "ping", ID: 12, Returns: []string{"v"}})
	done := taskgroup.Go(func() error {
		_, err := cmd.Call(t.Context(), "a;b")
		return err
	})
	msg := recvMsg(t, b)
	if got, want := msg, "12,t1,a;b"; got != want {
		t.Errorf("Sent message: got %q, want %q", got, want)
	}
	if err := b.Send([]byte(tokenOf(t, msg) + ",ok\r\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := done.Wait(); err != nil {
		t.Errorf("Call: %v", err)
	}
}

func TestConcurrency(t *testing.T) {
	defer leaktest.Check(t)()

	loc := sim.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
		if got := metric(loc.D, "calls_pending"); got != 0 {
			t.Errorf("calls_pending at exit: got %d, want 0", got)
		}
		t.Logf("Metrics at exit: %v", loc.D.Metrics())
	}()
	loc.Dev.Handle(100, false, sim.Echo)
	echo := mustRegister(t, loc.D, synapse.Command{Name: "echo", ID: 100, Returns: []string{"v"}})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	const numCalls = 256
	calls := taskgroup.New(func(error) { cancel() })
	for i := range numCalls {
		want := fmt.Sprintf("call-%d", i+1)
		calls.Go(func() error {
			rsp, err := echo.Call(ctx, want)
			if err != nil {
				return err
			} else if got := rsp.Fields["v"]; got != want {
				return fmt.Errorf("got %q, want %q", got, want)
			}
			return nil
		})
	}
	if err := calls.Wait(); err != nil {
		t.Errorf("Calls: %v", err)
	}
	if got := metric(loc.D, "calls_out"); got != numCalls {
		t.Errorf("calls_out: got %d, want %d", got, numCalls)
	}
}
