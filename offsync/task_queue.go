package offsync

import (
	"sync"
)

// fifo ordering primitive over asynchronous units of work.
// operations enqueued by the same owner observe the completion of all
// prior operations before running past their await point, even when
// individual operations are independently cancelled.
//
// one queue per owning singleton. the queue's own lock is never the
// owning object's lock, so enqueue can be called from code holding
// an object stateLock without inverting lock order.

type TaskQueue struct {
	mutex sync.Mutex

	// the most recently enqueued unit of work, joined with everything before it.
	// nil when the queue is idle. completed tasks before the tail are not retained.
	tail *Task[any]
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// `taskStart` receives a wait handle for the queue position and must return
// the unit of work. the synchronous segment of `taskStart` runs immediately,
// under the queue lock, before prior operations have settled. that segment
// is where callers snapshot state (e.g. a session token) that must reflect
// enqueue time rather than run time. the body must not run its effects
// until the wait handle settles.
//
// cancelling the returned task does not cancel or skip operations queued
// behind it. the new tail is old tail joined with the new task, so the tail
// absorbs every terminal state.
func (self *TaskQueue) Enqueue(taskStart func(toAwait *Task[any]) *Task[any]) *Task[any] {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	oldTail := self.tail
	if oldTail == nil {
		oldTail = ResolvedTask[any](nil)
	}
	toAwait := AwaitAnyOutcome(oldTail)
	task := taskStart(toAwait)
	self.tail = JoinTasks(oldTail, task)
	return task
}

// blocks until everything enqueued so far has settled.
// returns immediately on an idle queue. safe to call concurrently
// with `Enqueue`; work enqueued after the call is not waited on.
func (self *TaskQueue) WaitUntilFinished() {
	self.mutex.Lock()
	tail := self.tail
	self.mutex.Unlock()

	if tail == nil {
		return
	}
	tail.WaitDone()
}
