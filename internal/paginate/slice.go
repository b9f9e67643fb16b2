package paginate

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// SliceSource is an in-memory Source. Rows are kept sorted by key and may be
// added or removed while a pagination is in progress.
type SliceSource[K cmp.Ordered, R any] struct {
	mu    sync.RWMutex
	rows  []R
	keyOf func(R) K
}

// NewSliceSource creates a SliceSource from rows in any order.
func NewSliceSource[K cmp.Ordered, R any](rows []R, keyOf func(R) K) *SliceSource[K, R] {
	s := &SliceSource[K, R]{rows: slices.Clone(rows), keyOf: keyOf}
	slices.SortStableFunc(s.rows, func(a, b R) int { return cmp.Compare(keyOf(a), keyOf(b)) })
	return s
}

// Insert adds a row at its ordered position.
func (s *SliceSource[K, R]) Insert(row R) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.lowerBound(s.keyOf(row))
	s.rows = slices.Insert(s.rows, i, row)
}

// Delete removes every row with the given key.
func (s *SliceSource[K, R]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = slices.DeleteFunc(s.rows, func(r R) bool { return s.keyOf(r) == key })
}

func (s *SliceSource[K, R]) lowerBound(key K) int {
	i, _ := slices.BinarySearchFunc(s.rows, key, func(r R, k K) int { return cmp.Compare(s.keyOf(r), k) })
	return i
}

func (s *SliceSource[K, R]) First(_ context.Context) (K, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero K
	if len(s.rows) == 0 {
		return zero, false, nil
	}
	return s.keyOf(s.rows[0]), true, nil
}

func (s *SliceSource[K, R]) Offset(_ context.Context, from K, n int) (K, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero K
	i := s.lowerBound(from) + n
	if i >= len(s.rows) {
		return zero, false, nil
	}
	return s.keyOf(s.rows[i]), true, nil
}

func (s *SliceSource[K, R]) Range(_ context.Context, from, to K, bounded bool) ([]R, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lo := s.lowerBound(from)
	hi := len(s.rows)
	if bounded {
		hi = s.lowerBound(to)
	}
	if lo >= hi {
		return nil, nil
	}
	return slices.Clone(s.rows[lo:hi]), nil
}

func (s *SliceSource[K, R]) KeyOf(row R) K {
	return s.keyOf(row)
}

var _ Source[int, int] = (*SliceSource[int, int])(nil)
