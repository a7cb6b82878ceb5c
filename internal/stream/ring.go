package stream

// ReplayRing keeps the most recent terminal output bytes for replay after a
// transport reconnect. Output older than the capacity is lost.
type ReplayRing struct {
	buf []byte
	max int
}

func NewReplayRing(capacity int) *ReplayRing {
	if capacity <= 0 {
		capacity = DefaultConfig().ReplayBufferBytes
	}
	return &ReplayRing{max: capacity}
}

// Write appends output, evicting the oldest bytes beyond capacity.
func (r *ReplayRing) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	if len(p) >= r.max {
		r.buf = append(r.buf[:0], p[len(p)-r.max:]...)
		return
	}
	r.buf = append(r.buf, p...)
	if overflow := len(r.buf) - r.max; overflow > 0 {
		r.buf = append(r.buf[:0], r.buf[overflow:]...)
	}
}

// Bytes returns a copy of the buffered tail, oldest first.
func (r *ReplayRing) Bytes() []byte {
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

func (r *ReplayRing) Len() int {
	return len(r.buf)
}

// Reset drops all buffered output.
func (r *ReplayRing) Reset() {
	r.buf = r.buf[:0]
}
