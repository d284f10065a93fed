package app

import "sync"

// ingestQueue is the single-consumer FIFO that totally orders every
// chain-state-mutating operation. Operations run strictly in enqueue order:
// an enqueued operation's handle resolves only after the operation itself and
// every earlier one has fully run, regardless of which external call finishes
// first.
type ingestQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ops    []*queuedOp
	closed bool
}

type queuedOp struct {
	run  func() error
	done chan error
}

func newIngestQueue() *ingestQueue {
	q := &ingestQueue{}
	q.cond = sync.NewCond(&q.mu)
	go q.consume()
	return q
}

// Enqueue adds fn to the queue and returns a handle that receives the
// operation's result once it, and everything enqueued before it, has run.
func (q *ingestQueue) Enqueue(fn func() error) <-chan error {
	op := &queuedOp{run: fn, done: make(chan error, 1)}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		op.done <- errQueueClosed
		return op.done
	}
	q.ops = append(q.ops, op)
	q.mu.Unlock()
	q.cond.Signal()
	return op.done
}

// Do enqueues fn and waits for it.
func (q *ingestQueue) Do(fn func() error) error {
	return <-q.Enqueue(fn)
}

func (q *ingestQueue) consume() {
	for {
		q.mu.Lock()
		for len(q.ops) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.ops) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		op := q.ops[0]
		q.ops = q.ops[1:]
		q.mu.Unlock()

		op.done <- op.run()
	}
}

// Close drains nothing: already-enqueued operations still run, new enqueues
// fail fast.
func (q *ingestQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
