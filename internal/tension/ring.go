package tension

// Ring is a fixed-capacity buffer of samples; the oldest sample is
// overwritten once it is full.
type Ring struct {
	buf  []Sample
	head int
	n    int
}

// NewRing creates a ring holding at most size samples.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{buf: make([]Sample, size)}
}

// Push appends s, evicting the oldest sample when full.
func (r *Ring) Push(s Sample) {
	r.buf[(r.head+r.n)%len(r.buf)] = s
	if r.n < len(r.buf) {
		r.n++
		return
	}
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of samples held.
func (r *Ring) Len() int { return r.n }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Last returns up to k most recent samples, oldest first.
func (r *Ring) Last(k int) []Sample {
	if k > r.n {
		k = r.n
	}
	if k <= 0 {
		return nil
	}
	out := make([]Sample, k)
	start := r.n - k
	for i := 0; i < k; i++ {
		out[i] = r.buf[(r.head+start+i)%len(r.buf)]
	}
	return out
}

// Values returns every sample held, oldest first.
func (r *Ring) Values() []Sample { return r.Last(r.n) }
