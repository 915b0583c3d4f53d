//go:build !tinygo

package hal

import "time"

// hostTime is a millisecond tick stream derived from the wall clock. The
// runner loop calls step; nothing else advances it.
type hostTime struct {
	ch  chan uint64
	seq uint64

	now   func() time.Time
	start time.Time
	// base is the tick number the stream had at start.
	base uint64
}

func newHostTime() *hostTime {
	return &hostTime{ch: make(chan uint64, 1024), now: time.Now}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

// step catches the stream up with the wall clock. The first call starts the
// clock and emits first ticks.
func (t *hostTime) step(first uint64) {
	now := t.now()
	if t.start.IsZero() {
		t.start, t.base = now, t.seq+first
		t.emitTo(t.base)
		return
	}
	t.emitTo(t.base + uint64(now.Sub(t.start)/time.Millisecond))
}

// emitTo sends every tick up to target. Ticks nobody drains are lost.
func (t *hostTime) emitTo(target uint64) {
	for t.seq < target {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
		}
	}
}
