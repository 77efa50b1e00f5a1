// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"sync"

	"github.com/creachadair/mds/queue"
)

// A deliverer runs callbacks in order on a goroutine of its own, so that the
// receive loop never waits for user code. Its queue is unbounded: a slow
// callback delays later callbacks but never the routing of messages.
type deliverer struct {
	μ      sync.Mutex
	q      queue.Queue[func()]
	closed bool
	ready  chan struct{} // signals that q is non-empty or closed
	done   chan struct{} // closed when the run loop exits
}

func newDeliverer() *deliverer {
	dl := &deliverer{ready: make(chan struct{}, 1), done: make(chan struct{})}
	go dl.run()
	return dl
}

// add queues f to be run after any callbacks already queued. It reports false
// without queueing f if dl is closed.
func (dl *deliverer) add(f func()) bool {
	dl.μ.Lock()
	defer dl.μ.Unlock()
	if dl.closed {
		return false
	}
	dl.q.Add(f)
	dl.signal()
	return true
}

// close closes dl to further callbacks. Callbacks already queued still run.
func (dl *deliverer) close() {
	dl.μ.Lock()
	defer dl.μ.Unlock()
	dl.closed = true
	dl.signal()
}

func (dl *deliverer) signal() {
	select {
	case dl.ready <- struct{}{}:
	default:
	}
}

func (dl *deliverer) run() {
	defer close(dl.done)
	for {
		dl.μ.Lock()
		f, ok := dl.q.Pop()
		closed := dl.closed
		dl.μ.Unlock()
		if ok {
			f()
			continue
		} else if closed {
			return
		}
		<-dl.ready
	}
}
