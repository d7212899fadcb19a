package network

import "sync"

// dispatcher marshals inbound dispatch onto the owner's goroutine when
// IO-thread mode is enabled. The socket reader feeds completed messages
// through invoke; with IO-thread mode off the closure runs directly on
// the reader goroutine, otherwise it is queued and drained by a single
// owner goroutine so handler and callback code never runs concurrently
// with itself.
type dispatcher struct {
	inline bool
	queue  chan func()

	stopOnce sync.Once
	stopped  chan struct{}
}

func newDispatcher(enableIOThread bool) *dispatcher {
	d := &dispatcher{
		inline:  !enableIOThread,
		stopped: make(chan struct{}),
	}

	if enableIOThread {
		d.queue = make(chan func(), 256)
		go d.loop()
	}

	return d
}

func (d *dispatcher) loop() {
	for {
		select {
		case fn := <-d.queue:
			fn()
		case <-d.stopped:
			// Drain what was already queued before stop.
			for {
				select {
				case fn := <-d.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// invoke runs fn inline or hands it to the owner goroutine
func (d *dispatcher) invoke(fn func()) {
	if d.inline {
		fn()
		return
	}

	// Prefer enqueueing: work posted during the post-stop drain still
	// lands in the queue instead of being dropped.
	select {
	case d.queue <- fn:
		return
	default:
	}

	select {
	case d.queue <- fn:
	case <-d.stopped:
	}
}

func (d *dispatcher) stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
	})
}

func (d *dispatcher) isStopped() bool {
	select {
	case <-d.stopped:
		return true
	default:
		return false
	}
}

// stateNotifier coalesces state-change notifications. While one
// notification is queued and not yet delivered, later transitions
// collapse into it, so a slow owner sees at most one pending
// notification per source.
type stateNotifier struct {
	mu       sync.Mutex
	pending  bool
	from, to int32
}

func (n *stateNotifier) post(d *dispatcher, from, to int32, deliver func(from, to int32)) {
	n.mu.Lock()
	if n.pending {
		n.to = to
		n.mu.Unlock()
		return
	}
	n.pending = true
	n.from = from
	n.to = to
	n.mu.Unlock()

	d.invoke(func() {
		n.mu.Lock()
		f, t := n.from, n.to
		n.pending = false
		n.mu.Unlock()
		deliver(f, t)
	})
}
