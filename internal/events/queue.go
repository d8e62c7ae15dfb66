package events

import "sync"

type Emitter interface {
	Emit(Event)
}

// Queue hands events to an Emitter from a single goroutine, in push order.
// Push never blocks, so it can be called while holding a lock that handlers
// may also need.
type Queue struct {
	out  Emitter
	mu   sync.Mutex
	cond *sync.Cond
	buf  []Event
	shut bool
	done chan struct{}
}

func NewQueue(out Emitter) *Queue {
	q := &Queue{out: out, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *Queue) Push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shut {
		return
	}
	q.buf = append(q.buf, e)
	q.cond.Signal()
}

// Close stops accepting events. Events already queued are still delivered;
// Done is closed after the last one.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shut = true
	q.cond.Signal()
}

func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.buf) == 0 && !q.shut {
			q.cond.Wait()
		}
		if len(q.buf) == 0 {
			q.mu.Unlock()
			return
		}
		batch := q.buf
		q.buf = nil
		q.mu.Unlock()

		for _, e := range batch {
			q.out.Emit(e)
		}
	}
}
