package offsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/looplab/fsm"

	"github.com/golang/glog"
)

// durably records commands that could not complete synchronously and
// replays them, oldest first, when connectivity allows. a recorded
// command resolves its task when the server eventually commits it,
// possibly much later and possibly after a process restart.
type EventuallyQueue interface {
	EnqueueEventuallyAsync(command *RestCommand, object *Object) *Task[*RestResponse]
	PendingCount() int
	Pause()
	Resume()
	Clear() error
	// test hook: drops all in-process state and re-reads the persisted
	// pins as if the process had restarted
	SimulateReboot()
}

const (
	queueStateIdle    = "idle"
	queueStateRunning = "running"
	queueStatePaused  = "paused"
)

func DefaultEventuallyQueueSettings() *EventuallyQueueSettings {
	return &EventuallyQueueSettings{
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     30 * time.Second,
		RetryMaxElapsedTime:  5 * time.Minute,
	}
}

type EventuallyQueueSettings struct {
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// give up the current replay attempt after this long and keep the pin
	RetryMaxElapsedTime time.Duration
}

var errReplayStopped = errors.New("replay stopped")

type PinEventuallyQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	store        PinStore
	httpExecutor HttpExecutor
	objectCache  *ObjectCache
	executor     Executor
	scheduler    *SerialScheduler
	settings     *EventuallyQueueSettings

	// serializes pin writes so insertion order matches enqueue order
	taskQueue *TaskQueue

	// idle <-> running on connectivity, paused overrides both
	machine *fsm.FSM

	mutex sync.Mutex
	// pin uuid -> task resolved when the pin commits.
	// lost on reboot, like any in-process state.
	pendingTasks map[string]*Task[*RestResponse]
	// (class/object/opset) -> pin uuid, to cancel a superseded pin's task
	pendingOperationSets map[string]string
	// connectivity as last reported, remembered across pause/resume
	online bool

	wake chan struct{}
}

func NewPinEventuallyQueueWithDefaults(ctx context.Context, store PinStore, httpExecutor HttpExecutor, objectCache *ObjectCache, executor Executor, scheduler *SerialScheduler) *PinEventuallyQueue {
	return NewPinEventuallyQueue(ctx, store, httpExecutor, objectCache, executor, scheduler, DefaultEventuallyQueueSettings())
}

func NewPinEventuallyQueue(ctx context.Context, store PinStore, httpExecutor HttpExecutor, objectCache *ObjectCache, executor Executor, scheduler *SerialScheduler, settings *EventuallyQueueSettings) *PinEventuallyQueue {
	cancelCtx, cancel := context.WithCancel(ctx)

	queue := &PinEventuallyQueue{
		ctx:                  cancelCtx,
		cancel:               cancel,
		store:                store,
		httpExecutor:         httpExecutor,
		objectCache:          objectCache,
		executor:             executor,
		scheduler:            scheduler,
		settings:             settings,
		taskQueue:            NewTaskQueue(),
		pendingTasks:         map[string]*Task[*RestResponse]{},
		pendingOperationSets: map[string]string{},
		wake:                 make(chan struct{}, 1),
	}

	queue.machine = fsm.NewFSM(
		queueStateIdle,
		fsm.Events{
			{Name: "connect", Src: []string{queueStateIdle}, Dst: queueStateRunning},
			{Name: "disconnect", Src: []string{queueStateRunning}, Dst: queueStateIdle},
			{Name: "pause", Src: []string{queueStateIdle, queueStateRunning}, Dst: queueStatePaused},
			{Name: "resume", Src: []string{queueStatePaused}, Dst: queueStateIdle},
		},
		fsm.Callbacks{
			"enter_running": func(ctx context.Context, e *fsm.Event) {
				queue.notify()
			},
		},
	)

	go queue.run()

	return queue
}

func (self *PinEventuallyQueue) notify() {
	select {
	case self.wake <- struct{}{}:
	default:
	}
}

func (self *PinEventuallyQueue) isRunning() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.machine.Current() == queueStateRunning
}

// replaces the dispatch contract. for tests and late-bound transports.
func (self *PinEventuallyQueue) SetHttpExecutor(httpExecutor HttpExecutor) {
	self.mutex.Lock()
	self.httpExecutor = httpExecutor
	self.mutex.Unlock()
	self.notify()
}

func (self *PinEventuallyQueue) getHttpExecutor() HttpExecutor {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.httpExecutor
}

// connectivity events from the monitor
func (self *PinEventuallyQueue) SetConnected(online bool) {
	self.mutex.Lock()
	self.online = online
	var event string
	if online {
		event = "connect"
	} else {
		event = "disconnect"
	}
	err := self.machine.Event(self.ctx, event)
	self.mutex.Unlock()

	if err == nil {
		glog.V(2).Infof("[ev]connectivity %t\n", online)
	}
}

func (self *PinEventuallyQueue) Pause() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.machine.Event(self.ctx, "pause")
}

func (self *PinEventuallyQueue) Resume() {
	self.mutex.Lock()
	online := self.online
	self.machine.Event(self.ctx, "resume")
	if online {
		self.machine.Event(self.ctx, "connect")
	}
	self.mutex.Unlock()
}

func (self *PinEventuallyQueue) EnqueueEventuallyAsync(command *RestCommand, object *Object) *Task[*RestResponse] {
	pin, err := NewEventuallyPin(command, object)
	if err != nil {
		return RejectedTask[*RestResponse](err)
	}
	if object != nil {
		// replay resolves the object through the identity cache
		self.objectCache.Put(object)
	}

	result := NewTask[*RestResponse]()
	self.taskQueue.Enqueue(func(toAwait *Task[any]) *Task[any] {
		return TaskCall(self.executor, func() (any, error) {
			toAwait.WaitDone()

			if err := self.store.Put(self.ctx, pin); err != nil {
				result.Reject(WrapError(ErrorOtherCause, "cannot record command", err))
				return nil, nil
			}
			self.registerPending(pin, result)
			glog.V(2).Infof("[ev]pinned %s %s\n", pin.Type, pin.Uuid)
			self.notify()
			return nil, nil
		})
	})
	return result
}

func (self *PinEventuallyQueue) registerPending(pin *EventuallyPin, task *Task[*RestResponse]) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if pin.OperationSetUuid != "" && pin.ObjectId != "" {
		key := pin.ClassName + "/" + pin.ObjectId + "/" + pin.OperationSetUuid
		if supersededUuid, ok := self.pendingOperationSets[key]; ok {
			if superseded, ok := self.pendingTasks[supersededUuid]; ok {
				delete(self.pendingTasks, supersededUuid)
				superseded.Cancel()
			}
		}
		self.pendingOperationSets[key] = pin.Uuid
	}
	self.pendingTasks[pin.Uuid] = task
}

func (self *PinEventuallyQueue) takePending(pin *EventuallyPin) *Task[*RestResponse] {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	task := self.pendingTasks[pin.Uuid]
	delete(self.pendingTasks, pin.Uuid)
	if pin.OperationSetUuid != "" && pin.ObjectId != "" {
		key := pin.ClassName + "/" + pin.ObjectId + "/" + pin.OperationSetUuid
		if self.pendingOperationSets[key] == pin.Uuid {
			delete(self.pendingOperationSets, key)
		}
	}
	return task
}

func (self *PinEventuallyQueue) PendingCount() int {
	count, err := self.store.Count(self.ctx)
	if err != nil {
		glog.Infof("[ev]cannot count pins: %s\n", err)
		return 0
	}
	return count
}

func (self *PinEventuallyQueue) Clear() error {
	self.mutex.Lock()
	pendingTasks := self.pendingTasks
	self.pendingTasks = map[string]*Task[*RestResponse]{}
	self.pendingOperationSets = map[string]string{}
	self.mutex.Unlock()

	for _, task := range pendingTasks {
		task.Cancel()
	}
	return self.store.Clear(self.ctx)
}

func (self *PinEventuallyQueue) SimulateReboot() {
	// in-process state does not survive process death.
	// pending tasks are simply lost; the pins are not.
	self.mutex.Lock()
	self.pendingTasks = map[string]*Task[*RestResponse]{}
	self.pendingOperationSets = map[string]string{}
	self.mutex.Unlock()

	glog.V(1).Infof("[ev]simulated reboot, %d pins persisted\n", self.PendingCount())
	self.notify()
}

func (self *PinEventuallyQueue) Close() {
	self.cancel()
}

// blocks until all enqueue work (not replay) has settled. for tests.
func (self *PinEventuallyQueue) WaitUntilFinished() {
	self.taskQueue.WaitUntilFinished()
}

func (self *PinEventuallyQueue) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.wake:
		}

		for self.isRunning() {
			pins, err := self.store.FindAllPinned(self.ctx, nil)
			if err != nil {
				glog.Infof("[ev]cannot scan pins: %s\n", err)
				break
			}
			if len(pins) == 0 {
				break
			}

			stopped := false
			for _, pin := range pins {
				if !self.isRunning() {
					stopped = true
					break
				}
				if err := self.replayPin(pin); err != nil {
					if !errors.Is(err, errReplayStopped) {
						// transient give-up. keep the pin and retry on a
						// timer: the server can recover without any
						// connectivity event or new enqueue re-waking us.
						self.scheduler.ExecuteAfter(self.settings.RetryMaxInterval, self.notify)
					}
					stopped = true
					break
				}
			}
			if stopped {
				break
			}
		}
	}
}

// dispatches one pin with exponential backoff for transient failures.
// a nil return means the pin reached a final disposition (committed or
// permanently rejected) and was removed. a non-nil return means the pin
// was kept for a later replay pass.
func (self *PinEventuallyQueue) replayPin(pin *EventuallyPin) error {
	httpExecutor := self.getHttpExecutor()
	if httpExecutor == nil {
		// nothing to dispatch through yet. keep the pin.
		return errReplayStopped
	}

	// a corrupt pin can never replay. remove it.
	if _, idErr := ParseId(pin.Uuid); idErr != nil {
		glog.Infof("[ev]dropping pin with mangled id %s: %s\n", pin.Uuid, idErr)
		self.store.Delete(self.ctx, pin.Uuid)
		if task := self.takePending(pin); task != nil {
			task.Reject(WrapError(ErrorCommandUnavailable, "invalid pin id", idErr))
		}
		return nil
	}
	command, err := pin.Command()
	if err != nil {
		glog.Infof("[ev]dropping corrupt pin %s: %s\n", pin.Uuid, err)
		self.store.Delete(self.ctx, pin.Uuid)
		if task := self.takePending(pin); task != nil {
			task.Reject(WrapError(ErrorCommandUnavailable, "cannot reconstruct command", err))
		}
		return nil
	}

	// materialize the owning object so the replay result applies to the
	// same instance live callers hold
	var object *Object
	if pin.HasObject() {
		object, _ = self.objectCache.Get(pin.ClassName, pin.ObjectId)
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = self.settings.RetryInitialInterval
	retry.MaxInterval = self.settings.RetryMaxInterval
	retry.MaxElapsedTime = self.settings.RetryMaxElapsedTime

	var response *RestResponse
	err = backoff.Retry(func() error {
		if !self.isRunning() {
			return backoff.Permanent(errReplayStopped)
		}
		var dispatchErr error
		response, dispatchErr = httpExecutor.Execute(self.ctx, command)
		if dispatchErr == nil {
			return nil
		}
		if IsTransientError(dispatchErr) {
			return dispatchErr
		}
		return backoff.Permanent(dispatchErr)
	}, backoff.WithContext(retry, self.ctx))

	if errors.Is(err, errReplayStopped) || errors.Is(err, context.Canceled) {
		return errReplayStopped
	}
	if err != nil && IsTransientError(err) {
		glog.V(1).Infof("[ev]replay of %s gave up for now: %s\n", pin.Uuid, err)
		return err
	}

	// final disposition
	if deleteErr := self.store.Delete(self.ctx, pin.Uuid); deleteErr != nil {
		glog.Infof("[ev]cannot unpin %s: %s\n", pin.Uuid, deleteErr)
	}
	task := self.takePending(pin)

	if err != nil {
		glog.V(1).Infof("[ev]replay of %s rejected: %s\n", pin.Uuid, err)
		if task != nil {
			task.Reject(err)
		}
		return nil
	}

	if object != nil && pin.Type == PinTypeSave && response != nil {
		object.MergeAfterSave(pin.OperationSetUuid, response.Body)
	}
	glog.V(2).Infof("[ev]replayed %s %s\n", pin.Type, pin.Uuid)
	if task != nil {
		task.Resolve(response)
	}
	return nil
}
