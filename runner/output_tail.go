package runner

import "sync"

// outputTail keeps the most recent bytes of a case's combined output, so a
// chatty benchmark cannot grow the harness without bound.
type outputTail struct {
	limit int

	mu      sync.Mutex
	written int64
	data    []byte
}

func newOutputTail(limit int) *outputTail {
	if limit <= 0 {
		limit = DefaultOutputTailBytes
	}
	return &outputTail{limit: limit}
}

func (t *outputTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.written += int64(len(p))
	if len(p) >= t.limit {
		t.data = append(t.data[:0], p[len(p)-t.limit:]...)
		return len(p), nil
	}
	if over := len(t.data) + len(p) - t.limit; over > 0 {
		t.data = append(t.data[:0], t.data[over:]...)
	}
	t.data = append(t.data, p...)
	return len(p), nil
}

// String returns the kept output, prefixed with a marker when earlier output
// was dropped.
func (t *outputTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.written > int64(len(t.data)) {
		return "...(truncated)\n" + string(t.data)
	}
	return string(t.data)
}

func (t *outputTail) Written() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written
}
