package offsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type scriptedHttpExecutor struct {
	mutex sync.Mutex

	fail     bool
	requests []*RestCommand
	respond  func(command *RestCommand) (*RestResponse, error)
}

func (self *scriptedHttpExecutor) Execute(ctx context.Context, command *RestCommand) (*RestResponse, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.fail {
		return nil, NewError(ErrorConnectionFailed, "connection failed")
	}
	self.requests = append(self.requests, command)
	if self.respond != nil {
		return self.respond(command)
	}
	return &RestResponse{
		StatusCode: 200,
		Body:       map[string]any{},
	}, nil
}

func (self *scriptedHttpExecutor) setFail(fail bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.fail = fail
}

func (self *scriptedHttpExecutor) requestPaths() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	paths := []string{}
	for _, command := range self.requests {
		paths = append(paths, command.Path)
	}
	return paths
}

func newTestEventuallyQueue(t *testing.T, httpExecutor HttpExecutor) (*PinEventuallyQueue, *SqlitePinStore) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := NewSqlitePinStore(t.TempDir())
	assert.Equal(t, nil, err)
	t.Cleanup(func() {
		store.Close()
	})

	executor := NewPoolExecutor(ctx, 4, 64)
	t.Cleanup(executor.Close)

	scheduler := NewSerialScheduler(ctx)
	t.Cleanup(scheduler.Close)

	settings := &EventuallyQueueSettings{
		RetryInitialInterval: 5 * time.Millisecond,
		RetryMaxInterval:     10 * time.Millisecond,
		RetryMaxElapsedTime:  50 * time.Millisecond,
	}
	queue := NewPinEventuallyQueue(ctx, store, httpExecutor, NewObjectCache(64), executor, scheduler, settings)
	t.Cleanup(queue.Close)
	return queue, store
}

func TestEventuallyReplayOnConnect(t *testing.T) {
	httpExecutor := &scriptedHttpExecutor{}
	queue, _ := newTestEventuallyQueue(t, httpExecutor)

	tasks := []*Task[*RestResponse]{}
	for _, path := range []string{"classes/Thing/a", "classes/Thing/b", "events/open"} {
		command := &RestCommand{
			Method: "POST",
			Path:   path,
		}
		tasks = append(tasks, queue.EnqueueEventuallyAsync(command, nil))
	}
	queue.WaitUntilFinished()

	// offline: everything is pinned, nothing resolved
	assert.Equal(t, 3, queue.PendingCount())
	for _, task := range tasks {
		assert.Equal(t, false, task.IsDone())
	}

	queue.SetConnected(true)

	waitForCondition(t, 5*time.Second, func() bool {
		return queue.PendingCount() == 0
	})
	for _, task := range tasks {
		task.WaitDone()
		response, err := task.Result(context.Background())
		assert.Equal(t, nil, err)
		assert.Equal(t, 200, response.StatusCode)
	}

	// causal order preserved
	assert.Equal(t, []string{"classes/Thing/a", "classes/Thing/b", "events/open"}, httpExecutor.requestPaths())
}

func TestEventuallyTransientFailureKeepsPin(t *testing.T) {
	httpExecutor := &scriptedHttpExecutor{
		fail: true,
	}
	queue, _ := newTestEventuallyQueue(t, httpExecutor)

	command := &RestCommand{
		Method: "POST",
		Path:   "events/open",
	}
	task := queue.EnqueueEventuallyAsync(command, nil)
	queue.WaitUntilFinished()

	queue.SetConnected(true)

	// the replay gives up on transient failures and keeps the pin
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, queue.PendingCount())
	assert.Equal(t, false, task.IsDone())

	// connectivity flaps, the server recovers, the pin drains
	httpExecutor.setFail(false)
	queue.SetConnected(false)
	queue.SetConnected(true)

	waitForCondition(t, 5*time.Second, func() bool {
		return queue.PendingCount() == 0
	})
	task.WaitDone()
	_, err := task.Result(context.Background())
	assert.Equal(t, nil, err)
}

func TestEventuallyPermanentFailureRemovesPin(t *testing.T) {
	rejection := NewError(ErrorObjectNotFound, "object not found")
	httpExecutor := &scriptedHttpExecutor{
		respond: func(command *RestCommand) (*RestResponse, error) {
			return &RestResponse{StatusCode: 404}, rejection
		},
	}
	queue, _ := newTestEventuallyQueue(t, httpExecutor)

	command := &RestCommand{
		Method: "DELETE",
		Path:   "classes/Thing/gone",
	}
	task := queue.EnqueueEventuallyAsync(command, nil)
	queue.WaitUntilFinished()

	queue.SetConnected(true)

	waitForCondition(t, 5*time.Second, func() bool {
		return queue.PendingCount() == 0
	})
	task.WaitDone()
	_, err := task.Result(context.Background())
	assert.Equal(t, ErrorObjectNotFound, CodeOf(err))
}

func TestEventuallyPauseResume(t *testing.T) {
	httpExecutor := &scriptedHttpExecutor{}
	queue, _ := newTestEventuallyQueue(t, httpExecutor)

	queue.SetConnected(true)
	queue.Pause()

	command := &RestCommand{
		Method: "POST",
		Path:   "events/open",
	}
	task := queue.EnqueueEventuallyAsync(command, nil)
	queue.WaitUntilFinished()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, queue.PendingCount())
	assert.Equal(t, false, task.IsDone())

	queue.Resume()

	waitForCondition(t, 5*time.Second, func() bool {
		return queue.PendingCount() == 0
	})
	task.WaitDone()
	_, err := task.Result(context.Background())
	assert.Equal(t, nil, err)
}

func TestEventuallySimulateReboot(t *testing.T) {
	httpExecutor := &scriptedHttpExecutor{}
	queue, _ := newTestEventuallyQueue(t, httpExecutor)

	for _, path := range []string{"events/a", "events/b"} {
		queue.EnqueueEventuallyAsync(&RestCommand{
			Method: "POST",
			Path:   path,
		}, nil)
	}
	queue.WaitUntilFinished()
	assert.Equal(t, 2, queue.PendingCount())

	// process death loses in-flight tasks but never pins
	queue.SimulateReboot()
	assert.Equal(t, 2, queue.PendingCount())

	queue.SetConnected(true)
	waitForCondition(t, 5*time.Second, func() bool {
		return queue.PendingCount() == 0
	})
	assert.Equal(t, []string{"events/a", "events/b"}, httpExecutor.requestPaths())
}

func TestEventuallyRepinSupersedes(t *testing.T) {
	httpExecutor := &scriptedHttpExecutor{}
	queue, _ := newTestEventuallyQueue(t, httpExecutor)

	object := NewObject("Thing")
	object.SetObjectId("obj-1")
	object.Put("name", "first")
	operationSet := object.StartSave()

	command := &RestCommand{
		Method:           "PUT",
		Path:             "classes/Thing/obj-1",
		Body:             map[string]any{"name": "first"},
		OperationSetUuid: operationSet.Uuid,
	}
	first := queue.EnqueueEventuallyAsync(command, object)
	queue.WaitUntilFinished()

	// the same logical mutation pinned again supersedes the first pin
	repin := &RestCommand{
		Method:           "PUT",
		Path:             "classes/Thing/obj-1",
		Body:             map[string]any{"name": "second"},
		OperationSetUuid: operationSet.Uuid,
	}
	second := queue.EnqueueEventuallyAsync(repin, object)
	queue.WaitUntilFinished()

	assert.Equal(t, 1, queue.PendingCount())
	first.WaitDone()
	assert.Equal(t, TaskCancelled, first.State())

	queue.SetConnected(true)
	waitForCondition(t, 5*time.Second, func() bool {
		return queue.PendingCount() == 0
	})
	second.WaitDone()
	_, err := second.Result(context.Background())
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(httpExecutor.requestPaths()))
}

func TestEventuallySaveMergesIntoLiveObject(t *testing.T) {
	httpExecutor := &scriptedHttpExecutor{
		respond: func(command *RestCommand) (*RestResponse, error) {
			return &RestResponse{
				StatusCode: 200,
				Body:       map[string]any{"updatedAt": "2026-08-30T00:00:00Z"},
			}, nil
		},
	}
	queue, _ := newTestEventuallyQueue(t, httpExecutor)

	object := NewObject("Thing")
	object.SetObjectId("obj-1")
	object.Put("name", "ada")
	operationSet := object.StartSave()

	command := &RestCommand{
		Method:           "PUT",
		Path:             "classes/Thing/obj-1",
		Body:             map[string]any{"name": "ada"},
		OperationSetUuid: operationSet.Uuid,
	}
	task := queue.EnqueueEventuallyAsync(command, object)
	queue.WaitUntilFinished()

	queue.SetConnected(true)
	task.WaitDone()

	// the committed diff moved into server state on the same instance
	assert.Equal(t, false, object.IsDirty())
	assert.Equal(t, "ada", object.Get("name"))
	assert.Equal(t, "2026-08-30T00:00:00Z", object.Get("updatedAt"))
}

func TestEventuallyRecoversWithoutConnectivityFlap(t *testing.T) {
	httpExecutor := &scriptedHttpExecutor{
		fail: true,
	}
	queue, _ := newTestEventuallyQueue(t, httpExecutor)

	command := &RestCommand{
		Method: "POST",
		Path:   "events/open",
	}
	task := queue.EnqueueEventuallyAsync(command, nil)
	queue.WaitUntilFinished()

	queue.SetConnected(true)

	// the replay gives up on transient failures and keeps the pin
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, queue.PendingCount())
	assert.Equal(t, false, task.IsDone())

	// the server recovers. no connectivity event and no new enqueue:
	// the scheduled re-wake alone must drain the pin.
	httpExecutor.setFail(false)

	waitForCondition(t, 5*time.Second, func() bool {
		return queue.PendingCount() == 0
	})
	task.WaitDone()
	_, err := task.Result(context.Background())
	assert.Equal(t, nil, err)
}

func TestEventuallyDropsPinWithMangledId(t *testing.T) {
	httpExecutor := &scriptedHttpExecutor{}
	queue, store := newTestEventuallyQueue(t, httpExecutor)

	commandJson, err := (&RestCommand{
		Method: "POST",
		Path:   "events/x",
	}).ToJson()
	assert.Equal(t, nil, err)
	err = store.Put(context.Background(), &EventuallyPin{
		Uuid:        "not-an-id",
		Time:        1,
		Type:        PinTypeCommand,
		CommandJson: commandJson,
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, queue.PendingCount())

	queue.SetConnected(true)

	// the unreadable pin is dropped, never dispatched
	waitForCondition(t, 5*time.Second, func() bool {
		return queue.PendingCount() == 0
	})
	assert.Equal(t, []string{}, httpExecutor.requestPaths())
}
