// Package bisect finds where a monotone error predicate first becomes true
// inside an ordered range.
//
// hasError(a, b) must be true for the full range and, once true for a
// sub-range, true for every range containing it. FindFirstError then returns
// the last known-good point, accurate to within step.
package bisect

import (
	"errors"
	"fmt"
)

var (
	// ErrUsage is the parent of every error caused by calling Bisect incorrectly.
	ErrUsage = errors.New("bisect: usage error")
	// ErrNoRange is returned by Check when the full range reports no error.
	ErrNoRange = fmt.Errorf("%w: no error between start and end", ErrUsage)
	// ErrNotChecked is returned by FindFirstError before a successful Check.
	ErrNotChecked = fmt.Errorf("%w: call Check before FindFirstError", ErrUsage)
	// ErrBadStep is returned when Step is not positive.
	ErrBadStep = fmt.Errorf("%w: step must be positive", ErrUsage)
	// ErrNoProgress is returned when the midpoint does not fall strictly
	// inside a range wider than Step.
	ErrNoProgress = fmt.Errorf("%w: midpoint does not split the range", ErrUsage)
)

// Number is the set of types a Bisect can search over.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Predicate reports whether the range [start, end] contains an error.
type Predicate[T Number] func(start, end T) (bool, error)

// Bisect searches [Start, End] for the error boundary.
type Bisect[T Number] struct {
	Start T
	End   T
	Step  T

	hasError Predicate[T]
	middle   func(start, end T) T
	checked  bool
}

// Option configures a Bisect.
type Option[T Number] func(*Bisect[T])

// WithMiddle overrides the midpoint function. The default is floorMiddle.
func WithMiddle[T Number](middle func(start, end T) T) Option[T] {
	return func(b *Bisect[T]) { b.middle = middle }
}

// New creates a Bisect and runs Check immediately. Use NewUnchecked to defer the check.
func New[T Number](start, end, step T, hasError Predicate[T], opts ...Option[T]) (*Bisect[T], error) {
	b := NewUnchecked(start, end, step, hasError, opts...)
	if err := b.Check(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewUnchecked creates a Bisect without checking the range. Check must
// succeed before FindFirstError can be used.
func NewUnchecked[T Number](start, end, step T, hasError Predicate[T], opts ...Option[T]) *Bisect[T] {
	b := &Bisect[T]{
		Start:    start,
		End:      end,
		Step:     step,
		hasError: hasError,
		middle:   floorMiddle[T],
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Check verifies that Step is positive and the full range reports an error.
func (b *Bisect[T]) Check() error {
	if b.Step <= 0 {
		return fmt.Errorf("%w: got %v", ErrBadStep, b.Step)
	}
	bad, err := b.hasError(b.Start, b.End)
	if err != nil {
		return fmt.Errorf("bisect: check [%v, %v]: %w", b.Start, b.End, err)
	}
	if !bad {
		return ErrNoRange
	}
	b.checked = true
	return nil
}

// FindFirstError narrows the range until it is no wider than Step and returns
// the largest start for which hasError(start, End) is still false.
func (b *Bisect[T]) FindFirstError() (T, error) {
	if !b.checked {
		var zero T
		return zero, ErrNotChecked
	}
	if b.Step <= 0 {
		return b.Start, fmt.Errorf("%w: got %v", ErrBadStep, b.Step)
	}
	start, end := b.Start, b.End
	for end-start > b.Step {
		middle := b.middle(start, end)
		if middle <= start || middle >= end {
			return start, fmt.Errorf("%w: %v for [%v, %v]", ErrNoProgress, middle, start, end)
		}
		bad, err := b.hasError(start, middle)
		if err != nil {
			return start, fmt.Errorf("bisect: probe [%v, %v]: %w", start, middle, err)
		}
		if bad {
			end = middle
		} else {
			start = middle
		}
	}
	return start, nil
}

// floorMiddle rounds integer midpoints toward negative infinity, so negative
// ranges split the same way as positive ones. Floating point ranges use the
// exact midpoint; flooring them would stall on steps below one.
func floorMiddle[T Number](start, end T) T {
	sum := start + end
	if T(1)/2 != 0 {
		return sum / 2
	}
	middle := sum / 2
	if sum < 0 && middle*2 != sum {
		middle--
	}
	return middle
}
