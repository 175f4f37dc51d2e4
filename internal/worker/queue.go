package worker

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

type Task func(ctx context.Context) error

type job struct {
	name string
	run  Task
}

// Queue runs best-effort background tasks. Submit never blocks the caller, a
// failing task is logged and dropped, and nothing is retried.
type Queue struct {
	jobs    chan job
	workers sync.WaitGroup
	timeout time.Duration

	// pending counts submitted tasks that have not finished. It is a counter
	// under mu rather than a WaitGroup so Submit may race with Wait and Close.
	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	closed  bool
}

func NewQueue(workers int, buffer int, taskTimeout time.Duration) *Queue {
	if workers < 1 {
		workers = 4
	}
	if buffer < 0 {
		buffer = 0
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	q := &Queue{
		jobs:    make(chan job, buffer),
		timeout: taskTimeout,
	}
	q.idle = sync.NewCond(&q.mu)
	for i := 0; i < workers; i++ {
		q.workers.Add(1)
		go q.loop()
	}
	return q
}

func (q *Queue) Submit(name string, run Task) {
	j := job{name: name, run: run}

	q.mu.Lock()
	q.pending++
	queued := false
	if !q.closed {
		select {
		case q.jobs <- j:
			queued = true
		default:
		}
	}
	q.mu.Unlock()

	// late or overflowing submissions still run, just not on the pool
	if !queued {
		go q.execute(j)
	}
}

// Wait blocks until every task submitted so far has finished.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending > 0 {
		q.idle.Wait()
	}
}

// Close stops accepting pool work, drains the buffer and waits for all tasks.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.workers.Wait()
	q.Wait()
	return nil
}

func (q *Queue) loop() {
	defer q.workers.Done()
	for j := range q.jobs {
		q.execute(j)
	}
}

func (q *Queue) execute(j job) {
	defer q.done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[deferred] ERROR: task %s panicked: %v\n%s", j.name, r, debug.Stack())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	if err := j.run(ctx); err != nil {
		log.Printf("[deferred] WARN: task %s failed: %v", j.name, err)
	}
}

func (q *Queue) done() {
	q.mu.Lock()
	q.pending--
	if q.pending == 0 {
		q.idle.Broadcast()
	}
	q.mu.Unlock()
}
