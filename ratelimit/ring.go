package ratelimit

import "time"

// ring is a fixed-capacity buffer of timestamps in arrival order. Pushing into
// a full ring overwrites the oldest entry.
type ring struct {
	entries []time.Time
	start   int
	size    int
}

func newRing(capacity int) *ring {
	return &ring{entries: make([]time.Time, capacity)}
}

func (r *ring) capacity() int { return len(r.entries) }

func (r *ring) full() bool { return r.size == len(r.entries) }

// oldest is only meaningful on a non-empty ring.
func (r *ring) oldest() time.Time {
	return r.entries[r.start]
}

func (r *ring) push(t time.Time) {
	if r.full() {
		r.entries[r.start] = t
		r.start = (r.start + 1) % len(r.entries)
		return
	}
	r.entries[(r.start+r.size)%len(r.entries)] = t
	r.size++
}

// newest is only meaningful on a non-empty ring.
func (r *ring) newest() time.Time {
	return r.at(r.size - 1)
}

// at returns the i-th entry, oldest first.
func (r *ring) at(i int) time.Time {
	return r.entries[(r.start+i)%len(r.entries)]
}

// resize returns a ring of the new capacity holding the newest entries of r.
func (r *ring) resize(capacity int) *ring {
	var (
		out  = newRing(capacity)
		skip = max(r.size-capacity, 0)
	)
	for i := skip; i < r.size; i++ {
		out.push(r.at(i))
	}
	return out
}
