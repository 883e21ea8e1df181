// Package framering implements the bounded, overwrite-on-full ring that
// holds the most recent raw video frames between desktop capture and the
// video pacer. It never blocks a capture thread: Push always succeeds,
// evicting the oldest frame if the ring is full.
//
// Grounded on spec.md §4.1 and the buffer-sizing idiom of prism's
// media.VideoBufferSize; no pack repo implements an SPMC overwrite ring
// directly, so this is built fresh in the teacher's concurrency style
// (a short mutex-guarded critical section, not lock-free — spec.md §5
// only requires "a single slot-index pair with atomic publication",
// which a short mutex satisfies without the complexity of a lock-free
// ring).
package framering

import "sync"

// Ring is a bounded, single-producer, multi-consumer ring of the most
// recent avmedia.RawVideoFrame values. The zero value is not usable;
// construct with New.
type Ring struct {
	mu      sync.Mutex
	buf     []frameSlot
	head    int // index of the oldest occupied slot
	count   int
	written int64 // total frames ever pushed, for diagnostics
}

type frameSlot struct {
	data        []byte
	width       int
	height      int
	pixelFormat string
	captureNS   int64
	valid       bool
}

// RawVideoFrame mirrors avmedia.RawVideoFrame; framering does not import
// avmedia to avoid a dependency cycle risk with future consumers, and
// because the ring only ever needs these five fields.
type RawVideoFrame struct {
	Data        []byte
	Width       int
	Height      int
	PixelFormat string
	CaptureNS   int64
}

// New creates a Ring with the given capacity. Capacity must be at least
// 2; values below that are rounded up, matching the "capacity >= 2"
// requirement in spec.md §4.1.
func New(capacity int) *Ring {
	if capacity < 2 {
		capacity = 2
	}
	return &Ring{buf: make([]frameSlot, capacity)}
}

// Push inserts frame, overwriting the oldest slot if the ring is full.
// Never blocks and never returns an error: video must never backpressure
// capture (spec.md §4.1).
func (r *Ring) Push(frame RawVideoFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := frameSlot{
		data:        frame.Data,
		width:       frame.Width,
		height:      frame.Height,
		pixelFormat: frame.PixelFormat,
		captureNS:   frame.CaptureNS,
		valid:       true,
	}

	if r.count < len(r.buf) {
		idx := (r.head + r.count) % len(r.buf)
		r.buf[idx] = slot
		r.count++
	} else {
		// Full: overwrite the oldest slot and advance head.
		r.buf[r.head] = slot
		r.head = (r.head + 1) % len(r.buf)
	}
	r.written++
}

// Latest returns the most recently pushed frame without removing it, or
// ok == false if nothing has ever been pushed.
func (r *Ring) Latest() (frame RawVideoFrame, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return RawVideoFrame{}, false
	}
	idx := (r.head + r.count - 1) % len(r.buf)
	return toFrame(r.buf[idx]), true
}

// TakeLatest returns the most recently pushed frame and removes every
// frame up to and including it from the ring (the pacer has now
// consumed all of history up to this point). ok is false if nothing has
// ever been pushed.
func (r *Ring) TakeLatest() (frame RawVideoFrame, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return RawVideoFrame{}, false
	}
	idx := (r.head + r.count - 1) % len(r.buf)
	f := toFrame(r.buf[idx])
	r.head = (idx + 1) % len(r.buf)
	r.count = 0
	return f, true
}

// Written returns the total number of frames ever pushed, for
// diagnostics and tests.
func (r *Ring) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

func toFrame(s frameSlot) RawVideoFrame {
	return RawVideoFrame{
		Data:        s.data,
		Width:       s.width,
		Height:      s.height,
		PixelFormat: s.pixelFormat,
		CaptureNS:   s.captureNS,
	}
}
