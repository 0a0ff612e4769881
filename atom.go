package oniri

import "sync/atomic"

// Atom holds a value of any type that is replaced as a whole.
type Atom[T any] struct {
	ptr atomic.Pointer[T]
}

func (av *Atom[T]) Set(v T) {
	av.ptr.Store(&v)
}

// Get returns the zero value until the first Set.
func (av *Atom[T]) Get() T {
	var p *T
	var zero T

	p = av.ptr.Load()
	if p == nil { return zero }
	return *p
}

// Swap stores v and returns the value it replaced.
func (av *Atom[T]) Swap(v T) T {
	var p *T
	var zero T

	p = av.ptr.Swap(&v)
	if p == nil { return zero }
	return *p
}
