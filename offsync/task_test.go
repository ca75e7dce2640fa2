package offsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestTaskTerminalStates(t *testing.T) {
	task := NewTask[int]()
	assert.Equal(t, TaskPending, task.State())
	assert.Equal(t, false, task.IsDone())

	assert.Equal(t, true, task.Resolve(7))
	assert.Equal(t, TaskResolved, task.State())

	// the first terminal transition wins
	assert.Equal(t, false, task.Reject(errors.New("late")))
	assert.Equal(t, false, task.Cancel())

	result, err := task.Result(context.Background())
	assert.Equal(t, 7, result)
	assert.Equal(t, nil, err)
}

func TestTaskCancel(t *testing.T) {
	task := NewTask[int]()
	assert.Equal(t, true, task.Cancel())
	assert.Equal(t, TaskCancelled, task.State())

	_, err := task.Result(context.Background())
	assert.Equal(t, true, errors.Is(err, ErrCancelled))
}

func TestTaskContinuations(t *testing.T) {
	task := NewTask[string]()

	c := make(chan string, 2)
	task.ContinueWith(InlineExecutor, func(result string, err error) {
		c <- result
	})

	task.Resolve("a")

	// a continuation added after the terminal transition dispatches immediately
	task.ContinueWith(InlineExecutor, func(result string, err error) {
		c <- result
	})

	assert.Equal(t, "a", <-c)
	assert.Equal(t, "a", <-c)
}

func TestTaskCallRunsOffCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := NewPoolExecutor(ctx, 2, 16)
	defer executor.Close()

	task := TaskCall(executor, func() (int, error) {
		return 42, nil
	})
	result, err := task.Result(context.Background())
	assert.Equal(t, 42, result)
	assert.Equal(t, nil, err)

	failed := TaskCall(executor, func() (int, error) {
		return 0, errors.New("nope")
	})
	_, err = failed.Result(context.Background())
	assert.NotEqual(t, err, nil)
}

func TestAwaitAnyOutcomeAbsorbsFailure(t *testing.T) {
	task := NewTask[any]()
	view := AwaitAnyOutcome(task)

	task.Reject(errors.New("boom"))

	view.WaitDone()
	_, err := view.Result(context.Background())
	assert.Equal(t, nil, err)
}

func TestAwaitAnyOutcomeIndependentCancel(t *testing.T) {
	task := NewTask[any]()
	view := AwaitAnyOutcome(task)

	// cancelling the view must not cancel the underlying task
	view.Cancel()
	assert.Equal(t, TaskPending, task.State())

	task.Resolve(nil)
	assert.Equal(t, TaskResolved, task.State())
}

func TestJoinTasksWaitsForBoth(t *testing.T) {
	a := NewTask[any]()
	b := NewTask[any]()
	join := JoinTasks(a, b)

	a.Cancel()
	assert.Equal(t, false, join.IsDone())

	b.Reject(errors.New("boom"))
	join.WaitDone()
	assert.Equal(t, TaskResolved, join.State())
}

func TestTaskResultHonorsContext(t *testing.T) {
	task := NewTask[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := task.Result(ctx)
	assert.Equal(t, true, errors.Is(err, context.DeadlineExceeded))
}
