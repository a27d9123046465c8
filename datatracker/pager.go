package datatracker

import "context"

// page is the datatracker's list-endpoint envelope.
type page[T any] struct {
	Meta struct {
		Next string `json:"next"`
	} `json:"meta"`
	Objects []T `json:"objects"`
}

// Iterator walks a paginated enumeration. The next-page cursor is explicit
// state on the iterator; a fresh iterator restarts the enumeration from the
// beginning. Iterators are finite and single-use.
type Iterator[T any] struct {
	client *Client
	next   string
	buf    []T
	pos    int
	done   bool
	err    error
	each   func(*T)
}

func newIterator[T any](c *Client, firstPage string) *Iterator[T] {
	return &Iterator[T]{client: c, next: firstPage}
}

// Next returns the next element, fetching the following page when the
// buffered one is exhausted. It returns false at the end of the enumeration
// or on error; check Err afterwards.
func (it *Iterator[T]) Next(ctx context.Context) (T, bool) {
	var zero T
	if it.done || it.err != nil {
		return zero, false
	}

	for it.pos >= len(it.buf) {
		if it.next == "" {
			it.done = true
			return zero, false
		}
		var pg page[T]
		if err := it.client.get(ctx, it.next, &pg); err != nil {
			it.err = err
			return zero, false
		}
		it.buf = pg.Objects
		it.pos = 0
		it.next = pg.Meta.Next
	}

	elem := it.buf[it.pos]
	it.pos++
	if it.each != nil {
		it.each(&elem)
	}
	return elem, true
}

// Err returns the error that terminated the enumeration, if any.
func (it *Iterator[T]) Err() error { return it.err }

// Collect drains the iterator into a slice.
func (it *Iterator[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for {
		elem, ok := it.Next(ctx)
		if !ok {
			return out, it.Err()
		}
		out = append(out, elem)
	}
}
