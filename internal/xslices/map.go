// Package xslices provides tiny generic slice helpers, adapted from the
// teacher's slices package.
package xslices

// Map applies f to each element of s in order, returning the results.
func Map[T1, T2 any](s []T1, f func(T1) T2) []T2 {
	if s == nil {
		return nil
	}
	rv := make([]T2, len(s))
	for i, v := range s {
		rv[i] = f(v)
	}
	return rv
}
