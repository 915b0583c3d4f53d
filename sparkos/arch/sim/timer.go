package sim

import "sync"

// Timer is a quantum countdown driven by simulated time.
type Timer struct {
	mu        sync.Mutex
	running   bool
	remaining uint32
}

func NewTimer() *Timer { return &Timer{} }

// Start arms the timer for quantumUS microseconds.
func (t *Timer) Start(quantumUS uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = true
	t.remaining = quantumUS
}

// Advance lets us microseconds pass.
func (t *Timer) Advance(us uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	if us >= t.remaining {
		t.remaining = 0
		return
	}
	t.remaining -= us
}

func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running && t.remaining == 0
}

func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.remaining = 0
}

// Remaining is the time left in the current quantum.
func (t *Timer) Remaining() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}
