package slices

// Map returns a new slice whose i-th element is fn(s[i]).
func Map[S ~[]E, E any, V any](s S, fn func(E) V) []V {
	rv := make([]V, len(s))
	for i, e := range s {
		rv[i] = fn(e)
	}
	return rv
}

// Filter returns a new slice containing the elements of s for which predicate
// returns true, preserving order.
func Filter[S ~[]E, E any](s S, predicate func(E) bool) S {
	rv := make(S, 0, len(s))
	for _, e := range s {
		if predicate(e) {
			rv = append(rv, e)
		}
	}
	return rv
}

// Unique returns a new slice containing the distinct elements of s,
// preserving the order in which they first appear.
func Unique[S ~[]E, E comparable](s S) S {
	seen := make(map[E]bool, len(s))
	rv := make(S, 0, len(s))
	for _, e := range s {
		if !seen[e] {
			seen[e] = true
			rv = append(rv, e)
		}
	}
	return rv
}
