package network

import (
	"sync"
	"time"

	"github.com/incware/inc/pkg/protocol"
)

// OpState is the lifecycle state of an Operation
type OpState int32

const (
	OpRunning OpState = iota
	OpDone
	OpCancelled
)

// String returns the state name
func (s OpState) String() string {
	switch s {
	case OpRunning:
		return "RUNNING"
	case OpDone:
		return "DONE"
	case OpCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// FinishedCallback is invoked exactly once when an operation leaves
// RUNNING. userData is the opaque pointer given at registration.
type FinishedCallback func(op *Operation, userData interface{})

// Operation is the asynchronous handle for one outstanding request: a
// method call, ping, subscribe/unsubscribe, or stream write. It is
// created RUNNING and makes a single one-way transition to DONE or
// CANCELLED; after that it is immutable, and Cancel/SetTimeout/repeat
// completions are silent no-ops. The handle stays valid for its owner
// even after the connection that issued it is torn down.
type Operation struct {
	mu       sync.Mutex
	state    OpState
	code     uint16
	result   []byte
	seqNum   uint32
	deadline int64 // Unix ms; protocol.DeadlineNever = no expiry
	callback FinishedCallback
	userData interface{}
	done     chan struct{}
}

func newOperation(seqNum uint32, deadline int64) *Operation {
	return &Operation{
		seqNum:   seqNum,
		deadline: deadline,
		done:     make(chan struct{}),
	}
}

// completedOperation builds an operation that is already finished; used
// for errors detected synchronously at the call site.
func completedOperation(code uint16) *Operation {
	op := newOperation(0, protocol.DeadlineNever)
	op.complete(code, nil)
	return op
}

// State returns the current lifecycle state
func (o *Operation) State() OpState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ErrorCode returns the outcome code; CodeOK for success. Meaningful
// once the operation has finished.
func (o *Operation) ErrorCode() uint16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.code
}

// ResultData returns the result bytes of a finished operation
func (o *Operation) ResultData() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// SeqNum returns the wire sequence number the operation was issued with
func (o *Operation) SeqNum() uint32 {
	return o.seqNum
}

// SetTimeout rearms the deadline relative to now. Only effective while
// RUNNING; on a finished operation it is a no-op.
func (o *Operation) SetTimeout(timeout time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != OpRunning {
		return
	}
	o.deadline = protocol.DeadlineFromTimeout(timeout)
}

// SetFinishedCallback registers fn, replacing any earlier callback. If
// the operation already finished, fn is invoked synchronously exactly
// once with the determined outcome; the previous callback sees no
// re-delivery.
func (o *Operation) SetFinishedCallback(fn FinishedCallback, userData interface{}) {
	o.mu.Lock()
	if o.state != OpRunning {
		o.mu.Unlock()
		if fn != nil {
			fn(o, userData)
		}
		return
	}

	o.callback = fn
	o.userData = userData
	o.mu.Unlock()
}

// Cancel moves a RUNNING operation to CANCELLED and fires its callback.
// Cancellation is local bookkeeping only; the peer is not told to stop
// executing the request.
func (o *Operation) Cancel() {
	o.finish(OpCancelled, protocol.CodeCancelled, nil)
}

// Await blocks until the operation finishes or timeout elapses, and
// reports whether it finished.
func (o *Operation) Await(timeout time.Duration) bool {
	if timeout <= 0 {
		<-o.done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-o.done:
		return true
	case <-timer.C:
		return false
	}
}

// complete finishes the operation with the given outcome. Reports false
// when the operation had already left RUNNING.
func (o *Operation) complete(code uint16, data []byte) bool {
	return o.finish(OpDone, code, data)
}

// expired reports whether the deadline has passed at now (Unix ms)
func (o *Operation) expired(now int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == OpRunning &&
		o.deadline != protocol.DeadlineNever && now > o.deadline
}

func (o *Operation) finish(state OpState, code uint16, data []byte) bool {
	o.mu.Lock()
	if o.state != OpRunning {
		o.mu.Unlock()
		return false
	}

	o.state = state
	o.code = code
	o.result = data
	fn := o.callback
	userData := o.userData
	o.callback = nil
	close(o.done)
	o.mu.Unlock()

	if fn != nil {
		fn(o, userData)
	}
	return true
}
