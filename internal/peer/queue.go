package peer

import "sync"

// callbackQueue runs pushed funcs one at a time, in push order, on its own
// goroutine. push never blocks, so pion's internal goroutines are never held
// up by a slow owner.
type callbackQueue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func newCallbackQueue() *callbackQueue {
	q := &callbackQueue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *callbackQueue) push(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *callbackQueue) close() {
	q.once.Do(func() { close(q.stop) })
}

func (q *callbackQueue) run() {
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			select {
			case <-q.stop:
				return
			default:
			}
			fn()
		}
	}
}
