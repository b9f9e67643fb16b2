// Package paginate splits an ordered, possibly changing dataset into contiguous
// windows keyed on the value of an ordering field.
//
// Boundaries are computed one window at a time from the current data, so a
// window stays correct when rows are inserted or deleted outside of it after
// an earlier window was produced. The ordering field must be totally ordered
// and cheap to seek on (a primary key or an indexed column).
package paginate

import (
	"cmp"
	"context"
	"fmt"
	"iter"
)

// DefaultBatchSize is the window size used when a non-positive batch size is given.
const DefaultBatchSize = 256

// Source is an ordered collection of rows of type R with ordering keys of type K.
// Keys must be unique; rows sharing a key at a window edge can be split or repeated.
type Source[K cmp.Ordered, R any] interface {
	// First returns the smallest key, or ok=false when the source is empty.
	First(ctx context.Context) (key K, ok bool, err error)
	// Offset returns the key of the row n positions after the first row whose
	// key is >= from, or ok=false when there is no such row.
	Offset(ctx context.Context, from K, n int) (key K, ok bool, err error)
	// Range returns the rows with from <= key < to ordered by key. When
	// bounded is false, to is ignored and every row with key >= from is returned.
	Range(ctx context.Context, from, to K, bounded bool) ([]R, error)
	// KeyOf returns the ordering key of a row.
	KeyOf(row R) K
}

// Window is one contiguous slice of a Source.
type Window[K cmp.Ordered, R any] struct {
	Start   K
	End     K
	Bounded bool // false for the final window, which is open-ended
	Rows    []R
	keyOf   func(R) K
}

// First returns the key of the first row in the window.
func (w Window[K, R]) First() K {
	return w.keyOf(w.Rows[0])
}

// Last returns the key of the last row in the window.
func (w Window[K, R]) Last() K {
	return w.keyOf(w.Rows[len(w.Rows)-1])
}

// Len returns the number of rows in the window.
func (w Window[K, R]) Len() int {
	return len(w.Rows)
}

// Windows returns a lazy sequence of windows of roughly batchSize rows. The
// sequence stops after the first error, which is yielded alongside a zero Window.
func Windows[K cmp.Ordered, R any](ctx context.Context, src Source[K, R], batchSize int) iter.Seq2[Window[K, R], error] {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return func(yield func(Window[K, R], error) bool) {
		start, ok, err := src.First(ctx)
		if err != nil {
			yield(Window[K, R]{}, fmt.Errorf("paginate: first key: %w", err))
			return
		}
		if !ok {
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(Window[K, R]{}, err)
				return
			}

			end, found, err := src.Offset(ctx, start, batchSize)
			if err != nil {
				yield(Window[K, R]{}, fmt.Errorf("paginate: offset %d from %v: %w", batchSize, start, err))
				return
			}

			if !found {
				rows, err := src.Range(ctx, start, start, false)
				if err != nil {
					yield(Window[K, R]{}, fmt.Errorf("paginate: tail from %v: %w", start, err))
					return
				}
				if len(rows) > 0 {
					yield(Window[K, R]{Start: start, Rows: rows, keyOf: src.KeyOf}, nil)
				}
				return
			}

			rows, err := src.Range(ctx, start, end, true)
			if err != nil {
				yield(Window[K, R]{}, fmt.Errorf("paginate: range [%v, %v): %w", start, end, err))
				return
			}
			if len(rows) == 0 {
				return
			}
			if !yield(Window[K, R]{Start: start, End: end, Bounded: true, Rows: rows, keyOf: src.KeyOf}, nil) {
				return
			}
			start = end
		}
	}
}
