package offsync

import (
	"context"
	"os"
	"path/filepath"
	"reflect"

	"github.com/goccy/go-json"

	"github.com/golang/glog"
)

// exactly one persisted value per store instance, addressed by a fixed
// location. all operations run off the calling goroutine.
//
// `GetAsync` resolves the zero value for "not found" and never rejects
// for a missing or unreadable value. `SetAsync` and `DeleteAsync` resolve
// whether the disk operation took effect; a false result is a degraded
// cache, not a failure, so neither rejects for i/o errors.
type ObjectStore[T any] interface {
	GetAsync() *Task[T]
	SetAsync(value T) *Task[bool]
	ExistsAsync() *Task[bool]
	DeleteAsync() *Task[bool]
}

// codec between a value and its persisted document.
// the document schema is internal and stable, distinct from wire json.
type DocumentCoder[T any] interface {
	Encode(value T) (map[string]any, error)
	Decode(document map[string]any) (T, error)
}

func isZeroValue[T any](value T) bool {
	v := reflect.ValueOf(&value).Elem()
	return v.IsZero()
}

type FileObjectStore[T any] struct {
	path     string
	coder    DocumentCoder[T]
	executor Executor
}

func NewFileObjectStore[T any](path string, coder DocumentCoder[T], executor Executor) *FileObjectStore[T] {
	return &FileObjectStore[T]{
		path:     path,
		coder:    coder,
		executor: executor,
	}
}

func (self *FileObjectStore[T]) GetAsync() *Task[T] {
	return TaskCall(self.executor, func() (T, error) {
		var empty T
		documentBytes, err := os.ReadFile(self.path)
		if err != nil {
			// missing or unreadable cache is "not found"
			return empty, nil
		}
		document := map[string]any{}
		if err := json.Unmarshal(documentBytes, &document); err != nil {
			glog.V(1).Infof("[store]corrupt cache at %s: %s\n", self.path, err)
			return empty, nil
		}
		value, err := self.coder.Decode(document)
		if err != nil {
			glog.V(1).Infof("[store]wrong document at %s: %s\n", self.path, err)
			return empty, nil
		}
		return value, nil
	})
}

func (self *FileObjectStore[T]) SetAsync(value T) *Task[bool] {
	return TaskCall(self.executor, func() (bool, error) {
		document, err := self.coder.Encode(value)
		if err != nil {
			glog.Infof("[store]cannot encode value for %s: %s\n", self.path, err)
			return false, nil
		}
		documentBytes, err := json.Marshal(document)
		if err != nil {
			glog.Infof("[store]cannot marshal value for %s: %s\n", self.path, err)
			return false, nil
		}
		// atomic replace so a crashed write never leaves a torn document
		tempPath := self.path + ".tmp"
		if err := os.WriteFile(tempPath, documentBytes, 0600); err != nil {
			glog.Infof("[store]cannot write %s: %s\n", self.path, err)
			return false, nil
		}
		if err := os.Rename(tempPath, self.path); err != nil {
			glog.Infof("[store]cannot replace %s: %s\n", self.path, err)
			os.Remove(tempPath)
			return false, nil
		}
		return true, nil
	})
}

func (self *FileObjectStore[T]) ExistsAsync() *Task[bool] {
	return TaskCall(self.executor, func() (bool, error) {
		_, err := os.Stat(self.path)
		return err == nil, nil
	})
}

func (self *FileObjectStore[T]) DeleteAsync() *Task[bool] {
	return TaskCall(self.executor, func() (bool, error) {
		err := os.Remove(self.path)
		if err != nil && !os.IsNotExist(err) {
			glog.Infof("[store]cannot delete %s: %s\n", self.path, err)
			return false, nil
		}
		// already absent counts as deleted
		return true, nil
	})
}

func SingletonFilePath(dataDir string, name string) string {
	return filepath.Join(dataDir, name)
}

// moves a value from a legacy store to a new store exactly once.
// reads prefer the new store; a legacy hit is migrated before it is
// returned, with the write and the legacy delete awaited together.
// all operations are serialized on one queue so that concurrent reads
// cannot both run the migration.
type MigrationStore[T any] struct {
	ctx context.Context

	store       ObjectStore[T]
	legacyStore ObjectStore[T]

	taskQueue *TaskQueue
	executor  Executor
}

func NewMigrationStore[T any](ctx context.Context, store ObjectStore[T], legacyStore ObjectStore[T], executor Executor) *MigrationStore[T] {
	return &MigrationStore[T]{
		ctx:         ctx,
		store:       store,
		legacyStore: legacyStore,
		taskQueue:   NewTaskQueue(),
		executor:    executor,
	}
}

func (self *MigrationStore[T]) GetAsync() *Task[T] {
	result := NewTask[T]()
	self.taskQueue.Enqueue(func(toAwait *Task[any]) *Task[any] {
		return TaskCall(self.executor, func() (any, error) {
			toAwait.WaitDone()

			value, _ := self.store.GetAsync().Result(self.ctx)
			if !isZeroValue(value) {
				result.Resolve(value)
				return nil, nil
			}

			legacyValue, _ := self.legacyStore.GetAsync().Result(self.ctx)
			if isZeroValue(legacyValue) {
				var empty T
				result.Resolve(empty)
				return nil, nil
			}

			set := self.store.SetAsync(legacyValue)
			legacyDelete := self.legacyStore.DeleteAsync()
			JoinTasks(AwaitAnyOutcome(set), AwaitAnyOutcome(legacyDelete)).WaitDone()
			glog.V(1).Infof("[store]migrated legacy value\n")

			result.Resolve(legacyValue)
			return nil, nil
		})
	})
	return result
}

func (self *MigrationStore[T]) SetAsync(value T) *Task[bool] {
	result := NewTask[bool]()
	self.taskQueue.Enqueue(func(toAwait *Task[any]) *Task[any] {
		return TaskCall(self.executor, func() (any, error) {
			toAwait.WaitDone()

			set := self.store.SetAsync(value)
			// the legacy copy is stale after any new write
			legacyDelete := self.legacyStore.DeleteAsync()
			JoinTasks(AwaitAnyOutcome(set), AwaitAnyOutcome(legacyDelete)).WaitDone()

			ok, _ := set.Result(self.ctx)
			result.Resolve(ok)
			return nil, nil
		})
	})
	return result
}

func (self *MigrationStore[T]) ExistsAsync() *Task[bool] {
	result := NewTask[bool]()
	self.taskQueue.Enqueue(func(toAwait *Task[any]) *Task[any] {
		return TaskCall(self.executor, func() (any, error) {
			toAwait.WaitDone()

			exists, _ := self.store.ExistsAsync().Result(self.ctx)
			if !exists {
				exists, _ = self.legacyStore.ExistsAsync().Result(self.ctx)
			}
			result.Resolve(exists)
			return nil, nil
		})
	})
	return result
}

func (self *MigrationStore[T]) DeleteAsync() *Task[bool] {
	result := NewTask[bool]()
	self.taskQueue.Enqueue(func(toAwait *Task[any]) *Task[any] {
		return TaskCall(self.executor, func() (any, error) {
			toAwait.WaitDone()

			deleteTask := self.store.DeleteAsync()
			legacyDelete := self.legacyStore.DeleteAsync()
			JoinTasks(AwaitAnyOutcome(deleteTask), AwaitAnyOutcome(legacyDelete)).WaitDone()

			ok, _ := deleteTask.Result(self.ctx)
			legacyOk, _ := legacyDelete.Result(self.ctx)
			result.Resolve(ok && legacyOk)
			return nil, nil
		})
	})
	return result
}
