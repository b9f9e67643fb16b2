// Package dependency discovers the records a seed set of records refers to and
// orders them so that every record comes after the records it depends on.
package dependency

import (
	"errors"
	"fmt"
)

// DefaultMaxCount caps discovery when no WithMaxCount option is given.
const DefaultMaxCount = 100

var (
	// ErrCapacity is returned when discovery would exceed the node cap.
	ErrCapacity = errors.New("dependency: too many dependencies")
	// ErrCycle is returned by AllObjects when references form a cycle.
	ErrCycle = errors.New("dependency: reference cycle")
)

// RefsFunc returns the records n refers to (its parents). A nil reference is
// represented by omitting it.
type RefsFunc[N comparable] func(n N) ([]N, error)

// Resolver builds a dependency graph among records of type N.
type Resolver[N comparable] struct {
	refs     RefsFunc[N]
	maxCount int

	// order is discovery order, used for deterministic output.
	order   []N
	known   map[N]bool
	pending []N
	queued  map[N]bool
	parents map[N][]N
	succ    map[N][]N
}

// Option configures a Resolver.
type Option[N comparable] func(*Resolver[N])

// WithMaxCount sets the discovery cap. The count includes the sentinel root.
func WithMaxCount[N comparable](n int) Option[N] {
	return func(r *Resolver[N]) { r.maxCount = n }
}

// NewResolver creates a Resolver seeded with seeds.
func NewResolver[N comparable](seeds []N, refs RefsFunc[N], opts ...Option[N]) *Resolver[N] {
	r := &Resolver[N]{
		refs:     refs,
		maxCount: DefaultMaxCount,
		known:    make(map[N]bool),
		parents:  make(map[N][]N),
		succ:     make(map[N][]N),
		queued:   make(map[N]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, s := range seeds {
		r.enqueue(s)
	}
	return r
}

func (r *Resolver[N]) enqueue(n N) {
	if r.known[n] || r.queued[n] {
		return
	}
	r.queued[n] = true
	r.pending = append(r.pending, n)
}

// Count returns the number of discovered nodes, including the sentinel root.
func (r *Resolver[N]) Count() int {
	return len(r.known) + 1
}

// Resolve expands every pending record until the closure is complete.
func (r *Resolver[N]) Resolve() error {
	for len(r.pending) > 0 {
		if r.Count() >= r.maxCount {
			return fmt.Errorf("%w: discovered %d nodes, cap is %d", ErrCapacity, r.Count(), r.maxCount)
		}
		n := r.pending[0]
		r.pending = r.pending[1:]
		delete(r.queued, n)

		r.known[n] = true
		r.order = append(r.order, n)

		parents, err := r.refs(n)
		if err != nil {
			return fmt.Errorf("dependency: load references of %v: %w", n, err)
		}
		for _, p := range parents {
			if !containsNode(r.parents[n], p) {
				r.parents[n] = append(r.parents[n], p)
				r.succ[p] = append(r.succ[p], n)
			}
			r.enqueue(p)
		}
	}
	return nil
}

// Successors returns the discovered records that reference n.
func (r *Resolver[N]) Successors(n N) []N {
	return r.succ[n]
}

// Parents returns the records n references.
func (r *Resolver[N]) Parents(n N) []N {
	return r.parents[n]
}

// AllObjects returns every discovered record with dependencies before
// dependents. Records with no references hang off the sentinel root and come first.
func (r *Resolver[N]) AllObjects() ([]N, error) {
	indegree := make(map[N]int, len(r.order))
	for _, n := range r.order {
		indegree[n] = len(r.parents[n])
	}

	var ready []N
	for _, n := range r.order {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]N, 0, len(r.order))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, child := range r.succ[n] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(out) != len(r.order) {
		var stuck []N
		for _, n := range r.order {
			if indegree[n] > 0 {
				stuck = append(stuck, n)
			}
		}
		return nil, fmt.Errorf("%w among %v", ErrCycle, stuck)
	}
	return out, nil
}

func containsNode[N comparable](list []N, n N) bool {
	for _, item := range list {
		if item == n {
			return true
		}
	}
	return false
}
