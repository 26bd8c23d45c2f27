package feed

import "sync"

// Queue is an unbounded FIFO between one producer that must never block
// and one consumer reading from Out.
type Queue[T any] struct {
	mu     sync.Mutex
	data   []T
	closed bool

	notify chan struct{}
	abort  chan struct{}
	out    chan T

	abortOnce sync.Once
}

func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		notify: make(chan struct{}, 1),
		abort:  make(chan struct{}),
		out:    make(chan T),
	}
	go q.run()
	return q
}

// Push appends v. It reports false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.data = append(q.data, v)
	q.mu.Unlock()

	q.wake()
	return true
}

// Close stops accepting values. Out is closed after everything queued was delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Abort drops whatever is still queued and closes Out.
func (q *Queue[T]) Abort() {
	q.Close()
	q.abortOnce.Do(func() { close(q.abort) })
}

func (q *Queue[T]) Out() <-chan T { return q.out }

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) run() {
	defer close(q.out)

	var zero T
	for {
		q.mu.Lock()
		if len(q.data) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.notify:
			case <-q.abort:
				return
			}
			continue
		}
		v := q.data[0]
		q.data[0] = zero
		q.data = q.data[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.abort:
			return
		}
	}
}
