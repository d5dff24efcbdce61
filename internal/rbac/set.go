package rbac

import "sort"

// Set is a permission set. The engine's failure mode is an empty set,
// never an error, so a nil Set is valid and grants nothing.
type Set[T ~string] map[T]struct{}

// NewSet builds a set from items.
func NewSet[T ~string](items ...T) Set[T] {
	s := make(Set[T], len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

// Has reports membership. Safe on a nil set.
func (s Set[T]) Has(item T) bool {
	_, ok := s[item]
	return ok
}

// HasAll reports whether every item is a member.
func (s Set[T]) HasAll(items ...T) bool {
	for _, item := range items {
		if !s.Has(item) {
			return false
		}
	}
	return true
}

// SubsetOf reports whether every member of s is in other.
func (s Set[T]) SubsetOf(other Set[T]) bool {
	for item := range s {
		if !other.Has(item) {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order.
func (s Set[T]) Sorted() []T {
	out := make([]T, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Set[T]) add(items ...T) Set[T] {
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

func (s Set[T]) remove(items ...T) Set[T] {
	for _, item := range items {
		delete(s, item)
	}
	return s
}
