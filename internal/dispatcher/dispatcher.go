// Package dispatcher fans queued work out to a fixed set of handlers.
package dispatcher

import (
	"context"
	"sync"
)

// Source yields queued items until it is closed.
type Source[T any] interface {
	Dequeue(ctx context.Context) (T, error)
}

// Handler processes one item. Each handler runs on its own goroutine, so a
// handler may own state (such as an HTTP client) without locking.
type Handler[T any] func(item T)

// Dispatcher fans out queue work to a pool of handlers.
type Dispatcher[T any] struct {
	queue    Source[T]
	handlers []Handler[T]
}

// New creates a Dispatcher.
func New[T any](queue Source[T], handlers []Handler[T]) *Dispatcher[T] {
	return &Dispatcher[T]{
		queue:    queue,
		handlers: handlers,
	}
}

// Run starts one goroutine per handler and blocks until the queue is closed
// and drained, or ctx ends.
func (d *Dispatcher[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range d.handlers {
		wg.Add(1)
		go func(handle Handler[T]) {
			defer wg.Done()
			for {
				item, err := d.queue.Dequeue(ctx)
				if err != nil {
					return
				}
				handle(item)
			}
		}(h)
	}
	wg.Wait()
}
