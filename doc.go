// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package synapse implements a request/reply dispatcher for devices that speak
// a simple textual protocol over a byte-oriented link, such as a serial port
// connected to a microcontroller.
//
// The application registers named commands, each mapped to a small numeric
// identifier the device understands, and invokes them with positional
// arguments. A call that expects a reply carries a correlation token, which
// the device echoes at the front of its reply; the dispatcher uses the token
// to deliver the reply to the call that caused it. The device may also send
// unsolicited messages at any time, keyed by an identifier of its choosing;
// the dispatcher delivers those to registered update handlers.
//
// # Dispatchers
//
// The core type defined by this package is the [Dispatcher]. To create a new,
// unstarted dispatcher:
//
//	d := synapse.NewDispatcher()
//
// To start routing messages, call the Start method with a transport connected
// to the device:
//
//	d.Start(t)
//
// The dispatcher runs until [Dispatcher.Stop] is called or the transport
// closes. Call [Dispatcher.Wait] to wait for it to exit and return its status.
//
// # Transports
//
// The [Transport] interface defines the ability to send and receive framed
// messages. The channel package provides implementations over in-memory pipes,
// network connections, and device files.
//
// # Commands
//
// To define a command, register it with the dispatcher:
//
//	setLevel, err := d.RegisterCommand(synapse.Command{
//	   Name:    "setLevel",
//	   ID:      3,
//	   Returns: []string{"state"},
//	   Timeout: 500 * time.Millisecond,
//	})
//
// The result is a [Handle] for invoking the command. A call reports its result
// asynchronously to a [Callback]:
//
//	setLevel.Invoke(func(rsp *synapse.Response, err error) {
//	   if err != nil {
//	      log.Printf("setLevel failed: %v", err)
//	      return
//	   }
//	   log.Printf("state is %q", rsp.Fields["state"])
//	}, 1)
//
// This sends "3,<token>,1;" to the device, and a reply "<token>,ok" delivers a
// response whose Fields are {"state": "ok"}. To wait for the reply instead,
// use [Handle.Call]:
//
//	rsp, err := setLevel.Call(ctx, 1)
//
// A silent command expects no reply. Use [Handle.Send] for these; any error
// that prevents the message from being sent is returned directly:
//
//	if err := beep.Send(440); err != nil {
//	   log.Fatalf("Send: %v", err)
//	}
//
// Errors reported for calls have concrete type [*CallError], and can be
// checked with errors.Is against [ErrUnknownCommand], [ErrTransportClosed],
// [ErrTimeout], and [ErrDisconnected].
//
// # Updates
//
// To receive unsolicited messages, register an update handler:
//
//	d.RegisterUpdate(synapse.Update{
//	   Name:    "tick",
//	   ID:      7,
//	   Returns: []string{"count"},
//	   Handle: func(data wire.Fields, raw string) {
//	      log.Printf("tick %s", data["count"])
//	   },
//	})
//
// A message "7,5" from the device then calls the handler with {"count": "5"}.
// Messages that match neither a pending call nor an update handler are
// reported to the callback set by [Dispatcher.OnError], as a [*MessageError]
// wrapping [ErrUnknownMessage].
//
// # Metrics
//
// Dispatchers maintain a collection of metrics while running. Use the
// [Dispatcher.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the dispatcher. By default, metrics are shared globally among
// all dispatchers; use [Dispatcher.Detach] to give a dispatcher its own.
//
// The metrics currently exported include:
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of messages matching no call or update
//   - calls_out: counter of calls issued
//   - calls_out_failed: counter of calls resulting in errors
//   - calls_pending: gauge of calls awaiting a reply
//   - calls_timed_out: counter of calls that timed out
//   - calls_drained: counter of calls failed by a transport close
//   - updates_in: counter of update messages delivered
package synapse
