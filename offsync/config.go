package offsync

import (
	"context"
	"sync"
	"time"
)

// server-driven configuration, the third cached singleton next to the
// current user and installation

type Config struct {
	mutex     sync.Mutex
	params    map[string]any
	fetchedAt time.Time
}

func NewConfig(params map[string]any, fetchedAt time.Time) *Config {
	if params == nil {
		params = map[string]any{}
	}
	return &Config{
		params:    params,
		fetchedAt: fetchedAt,
	}
}

func (self *Config) Get(key string) any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.params[key]
}

func (self *Config) Params() map[string]any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	params := map[string]any{}
	for key, value := range self.params {
		params[key] = value
	}
	return params
}

func (self *Config) FetchedAt() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.fetchedAt
}

type configDocumentCoder struct{}

func (self *configDocumentCoder) Encode(config *Config) (map[string]any, error) {
	return map[string]any{
		"params":    config.Params(),
		"fetchedAt": config.FetchedAt().UnixMilli(),
	}, nil
}

func (self *configDocumentCoder) Decode(document map[string]any) (*Config, error) {
	params, _ := document["params"].(map[string]any)
	var fetchedAt time.Time
	if millis, ok := document["fetchedAt"].(float64); ok {
		fetchedAt = time.UnixMilli(int64(millis))
	}
	return NewConfig(params, fetchedAt), nil
}

// caches the most recently fetched config in memory, backed by one file.
// the same serialized singleton pattern as the current user, without the
// hot-swap and auth concerns.
type CurrentConfigController struct {
	ctx context.Context

	store    ObjectStore[*Config]
	executor Executor

	taskQueue *TaskQueue

	mutex   sync.Mutex
	current *Config
}

func NewCurrentConfigController(ctx context.Context, store ObjectStore[*Config], executor Executor) *CurrentConfigController {
	return &CurrentConfigController{
		ctx:       ctx,
		store:     store,
		executor:  executor,
		taskQueue: NewTaskQueue(),
	}
}

// resolves the cached config, reading disk once. resolves an empty
// config when nothing is cached, never nil.
func (self *CurrentConfigController) GetAsync() *Task[*Config] {
	self.mutex.Lock()
	current := self.current
	self.mutex.Unlock()
	if current != nil {
		return ResolvedTask(current)
	}

	result := NewTask[*Config]()
	self.taskQueue.Enqueue(func(toAwait *Task[any]) *Task[any] {
		return TaskCall(self.executor, func() (any, error) {
			toAwait.WaitDone()

			self.mutex.Lock()
			current := self.current
			self.mutex.Unlock()
			if current == nil {
				config, _ := self.store.GetAsync().Result(self.ctx)
				if config == nil {
					config = NewConfig(nil, time.Time{})
				}
				self.mutex.Lock()
				self.current = config
				current = config
				self.mutex.Unlock()
			}
			result.Resolve(current)
			return nil, nil
		})
	})
	return result
}

func (self *CurrentConfigController) SetAsync(config *Config) *Task[*Config] {
	result := NewTask[*Config]()
	self.taskQueue.Enqueue(func(toAwait *Task[any]) *Task[any] {
		return TaskCall(self.executor, func() (any, error) {
			toAwait.WaitDone()

			self.store.SetAsync(config).WaitDone()
			self.mutex.Lock()
			self.current = config
			self.mutex.Unlock()
			result.Resolve(config)
			return nil, nil
		})
	})
	return result
}

func (self *CurrentConfigController) ClearFromMemory() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.current = nil
}

func (self *CurrentConfigController) ClearFromDisk() *Task[bool] {
	self.ClearFromMemory()

	result := NewTask[bool]()
	self.taskQueue.Enqueue(func(toAwait *Task[any]) *Task[any] {
		return TaskCall(self.executor, func() (any, error) {
			toAwait.WaitDone()

			deleted, _ := self.store.DeleteAsync().Result(self.ctx)
			result.Resolve(deleted)
			return nil, nil
		})
	})
	return result
}
