package bench

import (
	"sync/atomic"
	"time"
)

const unset int64 = -1

// Recorder stores one latency sample per message sequence number. Writers
// for different sequence numbers never share a slot, so Record is safe to
// call from concurrent completion callbacks without a lock.
type Recorder struct {
	slots  []int64
	sealed int32
}

// NewRecorder returns a Recorder with n unset slots.
func NewRecorder(n int) *Recorder {
	if n < 0 {
		n = 0
	}
	slots := make([]int64, n)
	for i := range slots {
		slots[i] = unset
	}
	return &Recorder{slots: slots}
}

// Len returns the number of slots.
func (r *Recorder) Len() int {
	return len(r.slots)
}

// Record stores d in the slot for the 1-based sequence number seq. Negative
// durations are stored as zero. Writes after Seal are dropped.
func (r *Recorder) Record(seq int, d time.Duration) error {
	if seq < 1 || seq > len(r.slots) {
		return ErrSequenceOutOfRange
	}
	if atomic.LoadInt32(&r.sealed) == 1 {
		return nil
	}
	if d < 0 {
		d = 0
	}
	atomic.StoreInt64(&r.slots[seq-1], int64(d))
	return nil
}

// Seal stops the Recorder from accepting further samples.
func (r *Recorder) Seal() {
	atomic.StoreInt32(&r.sealed, 1)
}

// Sealed reports whether Seal was called.
func (r *Recorder) Sealed() bool {
	return atomic.LoadInt32(&r.sealed) == 1
}

// Sample returns the value recorded for seq and whether one was recorded.
func (r *Recorder) Sample(seq int) (time.Duration, bool) {
	if seq < 1 || seq > len(r.slots) {
		return 0, false
	}
	v := atomic.LoadInt64(&r.slots[seq-1])
	if v == unset {
		return 0, false
	}
	return time.Duration(v), true
}

// Samples returns the recorded samples in sequence order. Unset slots are
// skipped.
func (r *Recorder) Samples() []time.Duration {
	out := make([]time.Duration, 0, len(r.slots))
	for i := range r.slots {
		if v := atomic.LoadInt64(&r.slots[i]); v != unset {
			out = append(out, time.Duration(v))
		}
	}
	return out
}

// Unset returns the number of slots that never received a sample.
func (r *Recorder) Unset() int {
	n := 0
	for i := range r.slots {
		if atomic.LoadInt64(&r.slots[i]) == unset {
			n++
		}
	}
	return n
}
