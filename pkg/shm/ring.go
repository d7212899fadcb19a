package shm

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

var (
	ErrRingTooSmall = errors.New("segment too small for ring")
	ErrRingFull     = errors.New("write does not fit in unacknowledged ring space")
	ErrRingRange    = errors.New("read beyond published ring data")
)

// ringHeaderSize reserves the first two cache lines of the segment for
// the cursors so writer and reader never share a line.
const ringHeaderSize = 128

const (
	writeCursorOffset = 0
	ackCursorOffset   = 64
)

// Ring is a single-writer single-reader byte ring laid out in a shared
// memory segment. It is guarded only by its two cursors:
//
//   - the write cursor is published by the writer after the data bytes
//     are in place;
//   - the ack cursor is published by the reader after the bytes have
//     been consumed.
//
// Cursors are monotonically increasing logical positions; the byte at
// logical position p lives at offset p % capacity in the data region.
// Cursor publication uses atomic stores, so a reader that observes an
// advanced write cursor also observes the data written before it.
// There is no OS lock in the cursor protocol itself; every operation
// pins the segment mapping so a concurrent Close cannot unmap memory
// under an in-flight copy, and operations on a closed segment return
// ErrSegmentClosed.
type Ring struct {
	seg      *Segment
	writePos *uint64
	ackPos   *uint64
	data     []byte
}

// NewRing lays a ring over a mapped segment. Both peers call this on
// the same segment; cursor state lives in the segment itself.
func NewRing(seg *Segment) (*Ring, error) {
	buf := seg.Bytes()
	if len(buf) <= ringHeaderSize {
		return nil, ErrRingTooSmall
	}

	return &Ring{
		seg:      seg,
		writePos: (*uint64)(unsafe.Pointer(&buf[writeCursorOffset])),
		ackPos:   (*uint64)(unsafe.Pointer(&buf[ackCursorOffset])),
		data:     buf[ringHeaderSize:],
	}, nil
}

// Capacity returns the usable data capacity in bytes
func (r *Ring) Capacity() uint64 {
	return uint64(len(r.data))
}

// WritePos returns the published write cursor; 0 once the segment is
// closed.
func (r *Ring) WritePos() uint64 {
	if !r.seg.acquire() {
		return 0
	}
	defer r.seg.release()
	return atomic.LoadUint64(r.writePos)
}

// AckPos returns the published acknowledged-consumption cursor; 0 once
// the segment is closed.
func (r *Ring) AckPos() uint64 {
	if !r.seg.acquire() {
		return 0
	}
	defer r.seg.release()
	return atomic.LoadUint64(r.ackPos)
}

// Free returns the number of bytes the writer may still place without
// overrunning unconsumed data.
func (r *Ring) Free() uint64 {
	if !r.seg.acquire() {
		return 0
	}
	defer r.seg.release()
	return r.Capacity() - (atomic.LoadUint64(r.writePos) - atomic.LoadUint64(r.ackPos))
}

// WriteAt copies p into the ring at logical position pos and publishes
// the write cursor past it. The write must land inside the window of
// unacknowledged capacity; anything else returns ErrRingFull.
func (r *Ring) WriteAt(pos uint64, p []byte) error {
	if !r.seg.acquire() {
		return ErrSegmentClosed
	}
	defer r.seg.release()

	n := uint64(len(p))
	if n == 0 {
		return nil
	}
	if n > r.Capacity() {
		return ErrRingFull
	}

	ack := atomic.LoadUint64(r.ackPos)
	if pos < ack || pos+n > ack+r.Capacity() {
		return ErrRingFull
	}

	r.copyIn(pos, p)

	// Publish after the bytes are in place. Only advance; rewrites of
	// already-published positions keep the cursor where it is.
	for {
		cur := atomic.LoadUint64(r.writePos)
		if pos+n <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(r.writePos, cur, pos+n) {
			break
		}
	}

	return nil
}

// ReadAt copies n bytes out of the ring starting at logical position
// pos. The range must already be published by the writer.
func (r *Ring) ReadAt(pos uint64, n int) ([]byte, error) {
	if !r.seg.acquire() {
		return nil, ErrSegmentClosed
	}
	defer r.seg.release()

	if n < 0 || uint64(n) > r.Capacity() {
		return nil, ErrRingRange
	}
	if pos+uint64(n) > atomic.LoadUint64(r.writePos) {
		return nil, ErrRingRange
	}

	out := make([]byte, n)
	r.copyOut(pos, out)
	return out, nil
}

// Ack publishes consumption up to pos (exclusive), releasing capacity
// back to the writer. The cursor only moves forward; on a closed
// segment it is a no-op.
func (r *Ring) Ack(pos uint64) {
	if !r.seg.acquire() {
		return
	}
	defer r.seg.release()

	for {
		cur := atomic.LoadUint64(r.ackPos)
		if pos <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(r.ackPos, cur, pos) {
			return
		}
	}
}

func (r *Ring) copyIn(pos uint64, p []byte) {
	off := pos % r.Capacity()
	first := copy(r.data[off:], p)
	if first < len(p) {
		copy(r.data, p[first:])
	}
}

func (r *Ring) copyOut(pos uint64, p []byte) {
	off := pos % r.Capacity()
	first := copy(p, r.data[off:])
	if first < len(p) {
		copy(p[first:], r.data)
	}
}
