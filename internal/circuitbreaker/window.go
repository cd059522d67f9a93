package circuitbreaker

import "time"

const windowBuckets = 10

// slidingWindow counts outcomes over a trailing duration using a ring of
// fixed-width buckets. Not safe for concurrent use; the owning circuit locks.
type slidingWindow struct {
	size    time.Duration
	width   time.Duration
	buckets []bucket
}

type bucket struct {
	start    time.Time
	used     bool
	success  int
	failures int
}

func newSlidingWindow(size time.Duration) *slidingWindow {
	if size <= 0 {
		size = time.Minute
	}
	width := size / windowBuckets
	if width <= 0 {
		width = size
	}
	return &slidingWindow{
		size:    size,
		width:   width,
		buckets: make([]bucket, windowBuckets),
	}
}

func (w *slidingWindow) bucketFor(now time.Time) *bucket {
	start := now.Truncate(w.width)
	slot := (start.UnixNano() / int64(w.width)) % int64(len(w.buckets))
	if slot < 0 {
		slot += int64(len(w.buckets))
	}
	b := &w.buckets[slot]
	if !b.used || !b.start.Equal(start) {
		*b = bucket{start: start, used: true}
	}
	return b
}

func (w *slidingWindow) record(now time.Time, success bool) {
	b := w.bucketFor(now)
	if success {
		b.success++
	} else {
		b.failures++
	}
}

// counts returns the samples inside (now-size, now].
func (w *slidingWindow) counts(now time.Time) (total, failures int) {
	cutoff := now.Add(-w.size)
	for i := range w.buckets {
		b := &w.buckets[i]
		if !b.used || !b.start.After(cutoff) || b.start.After(now) {
			continue
		}
		total += b.success + b.failures
		failures += b.failures
	}
	return total, failures
}

func (w *slidingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
