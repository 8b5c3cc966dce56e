package ingest

import (
	"context"
	"sync"
)

// Task is one unit of per-user background work.
type Task func(ctx context.Context)

type userQueue struct {
	pending []Task
	running bool
}

// Queue runs tasks with exactly one in flight per user while distinct users
// proceed concurrently. This is what keeps two overlapping notifications for
// the same user from racing on the same cursor.
type Queue struct {
	ctx context.Context

	mu    sync.Mutex
	users map[string]*userQueue
	wg    sync.WaitGroup
}

// NewQueue creates a queue whose tasks run under ctx.
func NewQueue(ctx context.Context) *Queue {
	return &Queue{
		ctx:   ctx,
		users: make(map[string]*userQueue),
	}
}

// Enqueue appends a task to the user's ordered queue and starts a drainer if
// none is running. Enqueue never blocks; the caller can acknowledge the
// notification immediately.
func (q *Queue) Enqueue(userID string, t Task) {
	q.mu.Lock()
	uq, ok := q.users[userID]
	if !ok {
		uq = &userQueue{}
		q.users[userID] = uq
	}
	uq.pending = append(uq.pending, t)
	if !uq.running {
		uq.running = true
		q.wg.Add(1)
		go q.drain(userID, uq)
	}
	q.mu.Unlock()
}

func (q *Queue) drain(userID string, uq *userQueue) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(uq.pending) == 0 {
			// Drop the idle entry so the map does not grow with every
			// distinct user ever notified.
			uq.running = false
			delete(q.users, userID)
			q.mu.Unlock()
			return
		}
		t := uq.pending[0]
		uq.pending = uq.pending[1:]
		q.mu.Unlock()

		t(q.ctx)
	}
}

// Wait blocks until all in-flight tasks finish. Used for shutdown and tests.
func (q *Queue) Wait() {
	q.wg.Wait()
}
