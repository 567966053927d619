package rtm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// serialQueue runs tasks one at a time, in submission order, on a single
// goroutine. enqueue never blocks, so it is safe to call from the transport
// read loop while another task waits on a response from that same loop.
type serialQueue struct {
	name string
	log  *slog.Logger

	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSerialQueue(name string, log *slog.Logger) *serialQueue {
	q := &serialQueue{
		name: name,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// enqueue appends task and reports whether the queue accepted it.
func (q *serialQueue) enqueue(task func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *serialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.exec(task)
	}
}

func (q *serialQueue) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task panicked", "queue", q.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}

// stop rejects new tasks; already queued tasks still run.
func (q *serialQueue) stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// wait blocks until every accepted task has run. Never call it from a task
// on the same queue.
func (q *serialQueue) wait() {
	<-q.done
}

// runSerial executes fn on q and waits for its result. The task is skipped
// when ctx is already done by the time it reaches the head of the queue; a
// caller whose ctx ends while waiting returns immediately and the late
// result is discarded. Either way the caller sees exactly one outcome.
func runSerial[T any](ctx context.Context, q *serialQueue, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	ch := make(chan result, 1)

	accepted := q.enqueue(func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("rtm: %s task panicked: %v", q.name, r)}
				panic(r)
			}
		}()
		if err := ctx.Err(); err != nil {
			ch <- result{err: contextError(err)}
			return
		}
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	})
	if !accepted {
		return zero, ErrClientClosed
	}

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, contextError(ctx.Err())
	}
}
