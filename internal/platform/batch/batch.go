// Package batch holds the paging and chunked-write primitives shared by the
// store backends.
package batch

import (
	"context"
	"fmt"
)

// Page is one page of a paginated read. Next is the cursor of the following
// page and is only meaningful when Done is false.
type Page[T, C any] struct {
	Items []T
	Next  C
	Done  bool
}

type FetchFunc[T, C any] func(ctx context.Context, cursor C) (Page[T, C], error)

// Each pulls pages starting at start until the source reports Done, calling fn
// for every item. It stops between pages once ctx is cancelled, so a long scan
// can be interrupted and re-run later.
func Each[T, C any](ctx context.Context, start C, fetch FetchFunc[T, C], fn func(ctx context.Context, item T) error) error {
	cursor := start
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("paging cancelled: %w", ctx.Err())
		default:
		}

		page, err := fetch(ctx, cursor)
		if err != nil {
			return err
		}
		for _, item := range page.Items {
			if err := fn(ctx, item); err != nil {
				return err
			}
		}
		if page.Done {
			return nil
		}
		cursor = page.Next
	}
}

// Collect gathers every item of a paginated source.
func Collect[T, C any](ctx context.Context, start C, fetch FetchFunc[T, C]) ([]T, error) {
	var out []T
	err := Each(ctx, start, fetch, func(_ context.Context, item T) error {
		out = append(out, item)
		return nil
	})
	return out, err
}

type FlushFunc[T any] func(ctx context.Context, chunk []T) error

// Writer accumulates items and hands them to flush in chunks of at most size.
// A full chunk is flushed as soon as it fills; Flush sends the remainder.
type Writer[T any] struct {
	size    int
	flush   FlushFunc[T]
	pending []T
	written int
}

func NewWriter[T any](size int, flush FlushFunc[T]) *Writer[T] {
	if size < 1 {
		size = 1
	}
	return &Writer[T]{size: size, flush: flush, pending: make([]T, 0, size)}
}

func (w *Writer[T]) Add(ctx context.Context, item T) error {
	w.pending = append(w.pending, item)
	if len(w.pending) < w.size {
		return nil
	}
	return w.Flush(ctx)
}

func (w *Writer[T]) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}

	chunk := w.pending
	w.pending = make([]T, 0, w.size)
	if err := w.flush(ctx, chunk); err != nil {
		return err
	}
	w.written += len(chunk)
	return nil
}

// Written is the number of items successfully flushed so far.
func (w *Writer[T]) Written() int {
	return w.written
}
