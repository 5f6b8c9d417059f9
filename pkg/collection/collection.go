// Package collection provides a uniform, generic container over any
// metadata kind (tables, columns, partitions, measures, relationships,
// cultures, roles): positional and by-name lookup, substring filtering, and
// order-preserving union.
package collection

import "strings"

// Named is implemented by every element a Collection can hold.
type Named interface {
	ObjectName() string
}

// Collection is an ordered, named container over elements of type T. The
// zero value is an empty collection; New builds one from a slice.
type Collection[T Named] struct {
	items []T
}

// New builds a Collection preserving the given insertion order.
func New[T Named](items []T) *Collection[T] {
	c := &Collection[T]{items: make([]T, len(items))}
	copy(c.items, items)
	return c
}

// Len returns the number of elements.
func (c *Collection[T]) Len() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}

// At returns the element at a zero-based position. Panics if out of range,
// matching slice semantics — callers needing a safe lookup should check Len
// first.
func (c *Collection[T]) At(i int) T {
	return c.items[i]
}

// ByName returns the element whose ObjectName() exactly matches name. On a
// name collision (which the uniqueness invariant should prevent) the last
// inserted match wins. ok is false if no element matches.
func (c *Collection[T]) ByName(name string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	for i := len(c.items) - 1; i >= 0; i-- {
		if c.items[i].ObjectName() == name {
			return c.items[i], true
		}
	}
	return zero, false
}

// All returns the elements in insertion order. The returned slice shares no
// backing array with the collection's internal state.
func (c *Collection[T]) All() []T {
	if c == nil {
		return nil
	}
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Find returns a new Collection of the same kind holding elements whose
// ObjectName() contains substr, case-insensitively.
func (c *Collection[T]) Find(substr string) *Collection[T] {
	if c == nil {
		return New[T](nil)
	}
	needle := strings.ToLower(substr)
	var matched []T
	for _, item := range c.items {
		if strings.Contains(strings.ToLower(item.ObjectName()), needle) {
			matched = append(matched, item)
		}
	}
	return New(matched)
}

// Union returns a new Collection holding this collection's elements
// followed by other's, preserving order. It is a view-construction helper:
// it never mutates the server-side model, only produces a new in-memory
// Collection value.
func (c *Collection[T]) Union(other *Collection[T]) *Collection[T] {
	base := c.All()
	if other != nil {
		base = append(base, other.items...)
	}
	return New(base)
}
