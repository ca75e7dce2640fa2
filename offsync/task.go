package offsync

import (
	"context"
	"errors"
	"sync"
)

// asynchronous unit of work with exactly one terminal transition.
// replaces the `done(result, error)` callback convention:
// callback registration is a continuation attached to the task,
// dispatched on a chosen executor.

var ErrCancelled = errors.New("task cancelled")

type TaskState int

const (
	TaskPending TaskState = iota
	TaskResolved
	TaskRejected
	TaskCancelled
)

type taskContinuation[R any] struct {
	executor Executor
	fn       func(result R, err error)
}

type Task[R any] struct {
	mutex sync.Mutex

	state  TaskState
	result R
	err    error

	done chan struct{}

	continuations []*taskContinuation[R]
}

func NewTask[R any]() *Task[R] {
	return &Task[R]{
		state: TaskPending,
		done:  make(chan struct{}),
	}
}

func ResolvedTask[R any](result R) *Task[R] {
	task := NewTask[R]()
	task.Resolve(result)
	return task
}

func RejectedTask[R any](err error) *Task[R] {
	task := NewTask[R]()
	task.Reject(err)
	return task
}

func CancelledTask[R any]() *Task[R] {
	task := NewTask[R]()
	task.Cancel()
	return task
}

func (self *Task[R]) Resolve(result R) bool {
	return self.complete(TaskResolved, result, nil)
}

func (self *Task[R]) Reject(err error) bool {
	var empty R
	return self.complete(TaskRejected, empty, err)
}

func (self *Task[R]) Cancel() bool {
	var empty R
	return self.complete(TaskCancelled, empty, ErrCancelled)
}

// the first terminal transition wins. later transitions are no-ops.
func (self *Task[R]) complete(state TaskState, result R, err error) bool {
	self.mutex.Lock()
	if self.state != TaskPending {
		self.mutex.Unlock()
		return false
	}
	self.state = state
	self.result = result
	self.err = err
	continuations := self.continuations
	self.continuations = nil
	close(self.done)
	self.mutex.Unlock()

	for _, continuation := range continuations {
		self.dispatch(continuation, result, err)
	}
	return true
}

func (self *Task[R]) dispatch(continuation *taskContinuation[R], result R, err error) {
	fn := continuation.fn
	continuation.executor.Execute(func() {
		fn(result, err)
	})
}

func (self *Task[R]) State() TaskState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *Task[R]) IsDone() bool {
	return self.State() != TaskPending
}

// closed on the terminal transition
func (self *Task[R]) Done() <-chan struct{} {
	return self.done
}

// blocks until the task is terminal
func (self *Task[R]) WaitDone() {
	<-self.done
}

// blocks until the task is terminal or ctx is done.
// for a cancelled task the error is `ErrCancelled`.
func (self *Task[R]) Result(ctx context.Context) (R, error) {
	select {
	case <-self.done:
	case <-ctx.Done():
		var empty R
		return empty, ctx.Err()
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.result, self.err
}

// registers a continuation dispatched on `executor` once the task is terminal.
// a continuation added after the terminal transition dispatches immediately.
func (self *Task[R]) ContinueWith(executor Executor, fn func(result R, err error)) {
	continuation := &taskContinuation[R]{
		executor: executor,
		fn:       fn,
	}

	self.mutex.Lock()
	if self.state == TaskPending {
		self.continuations = append(self.continuations, continuation)
		self.mutex.Unlock()
		return
	}
	result := self.result
	err := self.err
	self.mutex.Unlock()

	self.dispatch(continuation, result, err)
}

// runs `fn` on `executor` and exposes its outcome as a task
func TaskCall[R any](executor Executor, fn func() (R, error)) *Task[R] {
	task := NewTask[R]()
	executor.Execute(func() {
		result, err := fn()
		if err != nil {
			task.Reject(err)
		} else {
			task.Resolve(result)
		}
	})
	return task
}

// a derived view of `task` that resolves when `task` reaches any terminal state.
// cancelling the view does not cancel `task`, and the view never rejects,
// so an awaiting caller is released in order regardless of how `task` ended.
func AwaitAnyOutcome[R any](task *Task[R]) *Task[any] {
	view := NewTask[any]()
	task.ContinueWith(InlineExecutor, func(result R, err error) {
		view.Resolve(nil)
	})
	return view
}

// a join that completes only when both complete, in any terminal state
func JoinTasks(a *Task[any], b *Task[any]) *Task[any] {
	join := NewTask[any]()
	remaining := 2
	var mutex sync.Mutex
	settle := func(any, error) {
		mutex.Lock()
		remaining -= 1
		done := remaining == 0
		mutex.Unlock()
		if done {
			join.Resolve(nil)
		}
	}
	a.ContinueWith(InlineExecutor, settle)
	b.ContinueWith(InlineExecutor, settle)
	return join
}
