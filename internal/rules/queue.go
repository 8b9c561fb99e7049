package rules

import "slices"

// #region queue
// Queue holds unconsumed interventions. Nothing is ever dropped: callers
// take a bounded number per tick and the rest wait.
type Queue struct {
	items []Intervention
}

// NewQueue creates an empty queue.
func NewQueue() *Queue { return &Queue{} }

// Enqueue adds each intervention unless an equivalent one (same kind and
// targets) is already waiting. It returns how many were added.
func (q *Queue) Enqueue(ivs ...Intervention) int {
	added := 0
	for _, iv := range ivs {
		if q.hasEquivalent(iv) {
			continue
		}
		c := iv.Clone()
		c.Consumed = false
		q.items = append(q.items, c)
		added++
	}
	sortInterventions(q.items)
	return added
}

func (q *Queue) hasEquivalent(iv Intervention) bool {
	for _, p := range q.items {
		if p.Kind == iv.Kind && slices.Equal(p.Targets, iv.Targets) {
			return true
		}
	}
	return false
}

// Take removes and returns up to n interventions in priority order,
// marked consumed.
func (q *Queue) Take(n int) []Intervention {
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	n = min(n, len(q.items))
	out := make([]Intervention, n)
	for i := 0; i < n; i++ {
		out[i] = q.items[i].Clone()
		out[i].Consumed = true
	}
	q.items = append([]Intervention(nil), q.items[n:]...)
	return out
}

// Pending returns copies of the waiting interventions in priority order.
func (q *Queue) Pending() []Intervention {
	out := make([]Intervention, len(q.items))
	for i, iv := range q.items {
		out[i] = iv.Clone()
	}
	return out
}

// Len returns the number of waiting interventions.
func (q *Queue) Len() int { return len(q.items) }

// Restore replaces the queue contents.
func (q *Queue) Restore(ivs []Intervention) {
	q.items = q.items[:0]
	for _, iv := range ivs {
		q.items = append(q.items, iv.Clone())
	}
	sortInterventions(q.items)
}

// #endregion queue
