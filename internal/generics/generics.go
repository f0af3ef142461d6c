// Package generics implements generic slice helpers missing from the stdlib.
package generics

// SliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SliceWithValue returns a slice of the given size with every element set to value.
func SliceWithValue[T any](size int, value T) []T {
	out := make([]T, size)
	for ii := range out {
		out[ii] = value
	}
	return out
}
