// Package channels defines the fixed-width brightness vector that flows
// between every ingress path, the mode arbiter and the dimming engine.
package channels

// Vector is a per-channel brightness frame, one byte (0-255) per physical
// output. Its length is always N, the compile-time channel count of the
// node; From* constructors pad or truncate any differently-sized source.
type Vector []byte

// New returns a zeroed vector of length n.
func New(n int) Vector {
	return make(Vector, n)
}

// FromBytes builds an N-length vector out of src, zero-padding a short
// source and truncating a long one. It never returns a shorter or longer
// slice than n, regardless of len(src).
func FromBytes(src []byte, n int) Vector {
	v := make(Vector, n)
	copy(v, src)
	return v
}

// Equal reports whether a and b hold the same bytes. Different lengths
// are never equal, even if the shared prefix matches.
func Equal(a, b Vector) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of v.
func Clone(v Vector) Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}
