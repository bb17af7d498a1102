// Package xset provides a minimal generic set, adapted from the teacher's
// sets package and trimmed to what the classifier and confusion matrix
// actually need: insertion, membership and a stable sorted view.
package xset

import (
	"sort"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
)

// Set[T] is a set of comparable values.
type Set[T comparable] map[T]struct{}

// New returns a set containing vs.
func New[T comparable](vs ...T) Set[T] {
	s := make(Set[T], len(vs))
	s.Insert(vs...)
	return s
}

// Insert adds vs to s.
func (s Set[T]) Insert(vs ...T) {
	for _, v := range vs {
		s[v] = struct{}{}
	}
}

// Contains reports whether v is a member of s.
func (s Set[T]) Contains(v T) bool {
	_, ok := s[v]
	return ok
}

// Size returns the number of elements in s.
func (s Set[T]) Size() int {
	return len(s)
}

// Clone returns an independent copy of s.
func (s Set[T]) Clone() Set[T] {
	return maps.Clone(s)
}

// AsSlice returns the set's elements in a nondeterministic order.
func (s Set[T]) AsSlice() []T {
	rv := make([]T, 0, len(s))
	for v := range s {
		rv = append(rv, v)
	}
	return rv
}

// SortedSlice returns an ordered type's set elements, sorted ascending.
func SortedSlice[T constraints.Ordered](s Set[T]) []T {
	rv := make([]T, 0, len(s))
	for v := range s {
		rv = append(rv, v)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i] < rv[j] })
	return rv
}
