package climax

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCyclicArcDependency is returned when an arc plan's dependencies loop.
	ErrCyclicArcDependency = errors.New("cyclic arc dependency")
	// ErrInvalidArcPlan is returned for empty, duplicated, or dangling steps.
	ErrInvalidArcPlan = errors.New("invalid arc plan")
)

// ArcStep is one thread's climax inside a plan; it resolves after every id in After.
type ArcStep struct {
	ThreadID string   `json:"thread_id"`
	After    []string `json:"after,omitempty"`
}

// ArcPlan choreographs the climaxes of several threads.
type ArcPlan struct {
	Name  string    `json:"name"`
	Steps []ArcStep `json:"steps"`
	Order []string  `json:"order"`
}

// NewArcPlan validates steps and computes a topological order.
// Plans are rejected here so a bad plan never reaches a tick.
func NewArcPlan(name string, steps []ArcStep) (ArcPlan, error) {
	if len(steps) == 0 {
		return ArcPlan{}, fmt.Errorf("%w: plan %q has no steps", ErrInvalidArcPlan, name)
	}
	indegree := make(map[string]int, len(steps))
	for _, s := range steps {
		if s.ThreadID == "" {
			return ArcPlan{}, fmt.Errorf("%w: plan %q has a step without a thread", ErrInvalidArcPlan, name)
		}
		if _, dup := indegree[s.ThreadID]; dup {
			return ArcPlan{}, fmt.Errorf("%w: plan %q lists %s twice", ErrInvalidArcPlan, name, s.ThreadID)
		}
		indegree[s.ThreadID] = 0
	}

	next := make(map[string][]string)
	copied := make([]ArcStep, len(steps))
	for i, s := range steps {
		copied[i] = ArcStep{ThreadID: s.ThreadID, After: append([]string(nil), s.After...)}
		for _, dep := range s.After {
			if _, ok := indegree[dep]; !ok {
				return ArcPlan{}, fmt.Errorf("%w: plan %q: %s waits on unknown step %s", ErrInvalidArcPlan, name, s.ThreadID, dep)
			}
			if dep == s.ThreadID {
				return ArcPlan{}, fmt.Errorf("%w: plan %q: %s waits on itself", ErrCyclicArcDependency, name, dep)
			}
			next[dep] = append(next[dep], s.ThreadID)
			indegree[s.ThreadID]++
		}
	}

	// Kahn's algorithm; ready set kept sorted for a deterministic order.
	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, n := range next[id] {
			indegree[n]--
			if indegree[n] == 0 {
				ready = append(ready, n)
			}
		}
		sort.Strings(ready)
	}
	if len(order) != len(steps) {
		return ArcPlan{}, fmt.Errorf("%w: plan %q", ErrCyclicArcDependency, name)
	}
	return ArcPlan{Name: name, Steps: copied, Order: order}, nil
}

// Predecessors returns the ids threadID waits on in this plan.
func (p ArcPlan) Predecessors(threadID string) []string {
	for _, s := range p.Steps {
		if s.ThreadID == threadID {
			return s.After
		}
	}
	return nil
}

// Successors returns the ids that wait on threadID in this plan.
func (p ArcPlan) Successors(threadID string) []string {
	var out []string
	for _, s := range p.Steps {
		for _, dep := range s.After {
			if dep == threadID {
				out = append(out, s.ThreadID)
				break
			}
		}
	}
	return out
}
