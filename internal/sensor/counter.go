package sensor

import "sync"

// Counter turns the device's raw cumulative step counter into a resettable
// increment-since-attach. The raw counter survives app restarts but resets on
// device reboot; Record treats a reading below the previous one as a fresh
// counter and credits the new absolute value as the delta.
type Counter struct {
	mu          sync.Mutex
	attached    bool
	lastReading int64
	increment   int64
	cumulative  int64
}

func NewCounter() *Counter {
	return &Counter{}
}

// Record ingests a raw device reading and returns the step delta credited.
func (c *Counter) Record(reading int64) int64 {
	if reading < 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.attached {
		c.attached = true
		c.lastReading = reading
		return 0
	}

	delta := reading - c.lastReading
	if delta < 0 {
		// Device counter reset; the new reading is the whole delta.
		delta = reading
	}
	c.lastReading = reading
	c.increment += delta
	c.cumulative += delta
	return delta
}

// Increment reports steps accrued since attach or the last Reset.
func (c *Counter) Increment() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.increment
}

// Reset zeroes the session increment. Cumulative diagnostics are kept.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.increment = 0
}

// Cumulative reports total steps seen this process lifetime, across resets.
func (c *Counter) Cumulative() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cumulative
}
