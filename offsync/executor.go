package offsync

import (
	"context"
	"sync"
	"time"
)

// the three pools described in the scheduling model:
// a small pool for short-lived background work (disk, bookkeeping),
// a wider pool for network i/o,
// and a single-goroutine scheduler for delayed/retry timers.
// serialization per singleton is enforced by `TaskQueue`, not by pool size.

type Executor interface {
	Execute(fn func())
}

func DefaultExecutorSettings() *ExecutorSettings {
	return &ExecutorSettings{
		BackgroundWorkerCount: 4,
		NetworkWorkerCount:    8,
		QueueSize:             256,
	}
}

type ExecutorSettings struct {
	BackgroundWorkerCount int
	NetworkWorkerCount    int
	QueueSize             int
}

type PoolExecutor struct {
	ctx    context.Context
	cancel context.CancelFunc

	work chan func()

	closeOnce sync.Once
}

func NewPoolExecutor(ctx context.Context, workerCount int, queueSize int) *PoolExecutor {
	cancelCtx, cancel := context.WithCancel(ctx)
	poolExecutor := &PoolExecutor{
		ctx:    cancelCtx,
		cancel: cancel,
		work:   make(chan func(), queueSize),
	}
	for i := 0; i < workerCount; i += 1 {
		go poolExecutor.run()
	}
	return poolExecutor
}

func (self *PoolExecutor) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case fn, ok := <-self.work:
			if !ok {
				return
			}
			HandleCallback(fn)
		}
	}
}

func (self *PoolExecutor) Execute(fn func()) {
	select {
	case <-self.ctx.Done():
	case self.work <- fn:
	}
}

func (self *PoolExecutor) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
	})
}

// runs all work on one goroutine, with support for delayed execution.
// used for the replay re-wake timer so that a pending retry never
// occupies a pool worker.
type SerialScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	work chan func()

	closeOnce sync.Once
}

func NewSerialScheduler(ctx context.Context) *SerialScheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	serialScheduler := &SerialScheduler{
		ctx:    cancelCtx,
		cancel: cancel,
		work:   make(chan func(), 64),
	}
	go serialScheduler.run()
	return serialScheduler
}

func (self *SerialScheduler) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case fn, ok := <-self.work:
			if !ok {
				return
			}
			HandleCallback(fn)
		}
	}
}

func (self *SerialScheduler) Execute(fn func()) {
	select {
	case <-self.ctx.Done():
	case self.work <- fn:
	}
}

func (self *SerialScheduler) ExecuteAfter(timeout time.Duration, fn func()) {
	go func() {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(timeout):
		}
		self.Execute(fn)
	}()
}

func (self *SerialScheduler) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
	})
}

// runs the callback on the calling goroutine
// used where a continuation must observe a state change immediately
type inlineExecutor struct{}

func (self *inlineExecutor) Execute(fn func()) {
	HandleCallback(fn)
}

var InlineExecutor Executor = &inlineExecutor{}
