// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package stream provides helpers for consuming and producing streams of
// update messages, where a device pushes a sequence of values rather than
// answering a single call.
package stream

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/sim"
	"github.com/creachadair/synapse/wire"
)

// DefaultBuffer is the capacity of a feed created with size <= 0.
const DefaultBuffer = 64

// A Push is a single update message received from a device.
type Push struct {
	Fields   wire.Fields // values named by the update's Returns
	Raw      string      // the raw text of the message
	Received time.Time
}

// A Feed buffers update messages for consumption by an iterator. Its Handle
// method is a synapse.UpdateFunc; it never blocks, so a consumer that falls
// behind loses messages rather than stalling the dispatcher. The number of
// messages lost is reported by Dropped.
type Feed struct {
	ch      chan Push
	done    chan struct{}
	stop    sync.Once
	dropped atomic.Int64
}

// NewFeed constructs a feed that buffers up to size messages. If size <= 0,
// DefaultBuffer is used.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &Feed{ch: make(chan Push, size), done: make(chan struct{})}
}

// Subscribe registers an update handler with d for the given name and
// identifier, delivering its messages to a new feed of the given size.
func Subscribe(d *synapse.Dispatcher, name string, id uint32, size int, returns ...string) (*Feed, error) {
	f := NewFeed(size)
	if err := d.RegisterUpdate(synapse.Update{
		Name:    name,
		ID:      id,
		Returns: returns,
		Handle:  f.Handle,
	}); err != nil {
		return nil, err
	}
	return f, nil
}

// Handle implements the synapse.UpdateFunc signature. Messages received
// after f is closed are discarded.
func (f *Feed) Handle(data wire.Fields, raw string) {
	select {
	case <-f.done:
		return
	default:
	}
	select {
	case f.ch <- Push{Fields: data, Raw: raw, Received: time.Now()}:
	default:
		f.dropped.Add(1)
	}
}

// Dropped reports the number of messages discarded because the buffer of f
// was full.
func (f *Feed) Dropped() int64 { return f.dropped.Load() }

// Close closes f, ending any iterators over it after the messages already
// buffered have been consumed. Messages not yet routed to f when it closes are
// discarded, so close a feed from the consuming side, once the dispatcher has
// delivered what it needs. A sender on the device side cannot tell when its
// last message has been routed.
func (f *Feed) Close() { f.stop.Do(func() { close(f.done) }) }

// Updates returns an iterator over the messages delivered to f. The iterator
// ends when f is closed and its buffer is empty, or when ctx ends. In the
// latter case it yields a final (zero, ctx.Err()) pair.
func (f *Feed) Updates(ctx context.Context) iter.Seq2[Push, error] {
	return func(yield func(Push, error) bool) {
		for {
			select {
			case p := <-f.ch:
				if !yield(p, nil) {
					return
				}
				continue
			default:
			}
			select {
			case p := <-f.ch:
				if !yield(p, nil) {
					return
				}
			case <-f.done:
				// Drain what remains, then stop.
				for {
					select {
					case p := <-f.ch:
						if !yield(p, nil) {
							return
						}
					default:
						return
					}
				}
			case <-ctx.Done():
				yield(Push{}, ctx.Err())
				return
			}
		}
	}
}

// Call invokes the command h with args, and if it succeeds yields the
// messages delivered to f until ctx ends or f is closed. If the call fails,
// the iterator yields only a (zero, err) pair. The caller is responsible for
// closing f, subject to the same ordering as Feed.Close.
func Call(ctx context.Context, h *synapse.Handle, f *Feed, args ...any) iter.Seq2[Push, error] {
	return func(yield func(Push, error) bool) {
		if _, err := h.Call(ctx, args...); err != nil {
			yield(Push{}, err)
			return
		}
		for p, err := range f.Updates(ctx) {
			if !yield(p, err) {
				return
			}
		}
	}
}

// Emit pushes the values yielded by seq from dev with the given identifier,
// one message per period. It returns when seq is exhausted, when ctx ends, or
// when a push fails. Reaching the end of seq is reported as nil.
func Emit(ctx context.Context, dev *sim.Device, id uint32, period time.Duration, seq iter.Seq[[]any]) error {
	tick := time.NewTicker(period)
	defer tick.Stop()
	for vals := range seq {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		if err := dev.Push(id, vals...); err != nil {
			return err
		}
	}
	return nil
}
