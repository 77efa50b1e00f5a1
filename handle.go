// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package synapse

import "context"

// A Handle invokes a registered command on the dispatcher that registered it.
type Handle struct {
	d   *Dispatcher
	cmd Command
}

// Name returns the name of the command.
func (h *Handle) Name() string { return h.cmd.Name }

// Command returns the definition of the command, as registered.
func (h *Handle) Command() Command { return h.cmd }

// Invoke invokes the command as Dispatcher.Invoke.
func (h *Handle) Invoke(cb Callback, args ...any) { h.d.Invoke(h.cmd.Name, cb, args...) }

// Send invokes the command as Dispatcher.Send.
func (h *Handle) Send(args ...any) error { return h.d.Send(h.cmd.Name, args...) }

// Call invokes the command as Dispatcher.Call.
func (h *Handle) Call(ctx context.Context, args ...any) (*Response, error) {
	return h.d.Call(ctx, h.cmd.Name, args...)
}
