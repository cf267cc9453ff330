package device

import "sync"

// int16Ring is a bounded sample FIFO. Writers overwrite the oldest samples
// when it is full.
type int16Ring struct {
	mu       sync.Mutex
	buf      []int16
	head     int
	tail     int
	count    int
	shutdown bool
}

func newInt16Ring(capacity int) *int16Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &int16Ring{buf: make([]int16, capacity)}
}

func (r *int16Ring) Close() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
}

func (r *int16Ring) Reset() {
	r.mu.Lock()
	r.head, r.tail, r.count = 0, 0, 0
	r.mu.Unlock()
}

func (r *int16Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *int16Ring) Write(data []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range data {
		if r.count == len(r.buf) {
			r.head = (r.head + 1) % len(r.buf)
			r.count--
		}
		r.buf[r.tail] = v
		r.tail = (r.tail + 1) % len(r.buf)
		r.count++
	}
}

// ReadPartial copies up to len(dst) samples. ok is false once closed.
func (r *int16Ring) ReadPartial(dst []int16) (n int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return 0, false
	}
	n = len(dst)
	if n > r.count {
		n = r.count
	}
	for i := 0; i < n; i++ {
		dst[i] = r.buf[r.head]
		r.head = (r.head + 1) % len(r.buf)
		r.count--
	}
	return n, true
}
