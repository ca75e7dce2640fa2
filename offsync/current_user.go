package offsync

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

func DefaultCurrentUserControllerSettings() *CurrentUserControllerSettings {
	return &CurrentUserControllerSettings{}
}

type CurrentUserControllerSettings struct {
	// called when a user becomes current, to restore third-party auth
	// provider sessions. may be nil.
	AuthDataSynchronizer func(user *User)
	// called during logout to revoke the server session. may be nil.
	// its outcome is the logout outcome; disk cleanup is best-effort.
	SessionRevoker func(sessionToken string) *Task[any]
}

// manages the single process-wide current user: login installs, logout,
// lazy creation of an anonymous user, and session token reads, all
// serialized on one task queue so that hot-swapping the current user
// can never interleave with an in-flight read or persist.
//
// lock ordering: the controller mutex may be taken from code that holds
// a user stateLock, never the reverse. inside the mutex the controller
// only reads and writes its own two fields; any call that can take a
// user stateLock happens outside the mutex.
type CurrentUserController struct {
	ctx context.Context

	store    ObjectStore[*User]
	executor Executor
	settings *CurrentUserControllerSettings

	taskQueue *TaskQueue

	// protects `current` and `currentMatchesDisk`.
	// never held across a suspension point.
	mutex sync.Mutex
	// in-memory instance. nil until the first disk read, login, or lazy create.
	current *User
	// whether `current` is known to equal the persisted state,
	// including a confirmed absence. avoids redundant disk reads.
	currentMatchesDisk bool
}

func NewCurrentUserControllerWithDefaults(ctx context.Context, store ObjectStore[*User], executor Executor) *CurrentUserController {
	return NewCurrentUserController(ctx, store, executor, DefaultCurrentUserControllerSettings())
}

func NewCurrentUserController(ctx context.Context, store ObjectStore[*User], executor Executor, settings *CurrentUserControllerSettings) *CurrentUserController {
	return &CurrentUserController{
		ctx:       ctx,
		store:     store,
		executor:  executor,
		settings:  settings,
		taskQueue: NewTaskQueue(),
	}
}

// loads the current user into memory from disk if it is not already
// loaded and the disk state is not already known. runs inside the queue.
func (self *CurrentUserController) ensureFromDisk() *User {
	self.mutex.Lock()
	current := self.current
	matchesDisk := self.currentMatchesDisk
	self.mutex.Unlock()

	if current != nil || matchesDisk {
		return current
	}

	user, _ := self.store.GetAsync().Result(self.ctx)

	self.mutex.Lock()
	if self.current == nil {
		self.current = user
		self.currentMatchesDisk = true
	}
	current = self.current
	self.mutex.Unlock()

	if user != nil && current == user {
		user.setCurrent(true)
	}
	return current
}

// installs an anonymous placeholder as current, in memory only.
// it reaches disk on the next explicit set or save.
func (self *CurrentUserController) lazyLogIn() *User {
	user := NewAnonymousUser()
	user.setCurrent(true)

	self.mutex.Lock()
	self.current = user
	self.currentMatchesDisk = false
	self.mutex.Unlock()

	glog.V(2).Infof("[cu]lazy anonymous user created\n")
	return user
}

// resolves the current user, or nil when none is cached or persisted and
// `shouldAutoCreate` is false. the fast path resolves from memory without
// entering the queue.
func (self *CurrentUserController) GetAsync(shouldAutoCreate bool) *Task[*User] {
	self.mutex.Lock()
	current := self.current
	self.mutex.Unlock()
	if current != nil {
		return ResolvedTask(current)
	}

	result := NewTask[*User]()
	self.taskQueue.Enqueue(func(toAwait *Task[any]) *Task[any] {
		return TaskCall(self.executor, func() (any, error) {
			toAwait.WaitDone()

			current := self.ensureFromDisk()
			if current == nil && shouldAutoCreate {
				current = self.lazyLogIn()
			}
			result.Resolve(current)
			return nil, nil
		})
	})
	return result
}

// installs `user` as the current user. a different previous occupant is
// logged out locally first; its errors never block the install. the user
// is persisted and memory is updated together with the persist outcome.
func (self *CurrentUserController) SetAsync(user *User) *Task[*User] {
	result := NewTask[*User]()
	self.taskQueue.Enqueue(func(toAwait *Task[any]) *Task[any] {
		return TaskCall(self.executor, func() (any, error) {
			toAwait.WaitDone()

			self.mutex.Lock()
			previous := self.current
			self.mutex.Unlock()

			if previous != nil && previous != user {
				func() {
					defer recover()
					previous.LogOutInternal()
				}()
			}

			user.setCurrent(true)
			if self.settings.AuthDataSynchronizer != nil {
				HandleCallback(func() {
					self.settings.AuthDataSynchronizer(user)
				})
			}

			persisted, _ := self.store.SetAsync(user).Result(self.ctx)

			self.mutex.Lock()
			self.current = user
			self.currentMatchesDisk = persisted
			self.mutex.Unlock()

			result.Resolve(user)
			return nil, nil
		})
	})
	return result
}

// no-op when `user` is already current and memory is known to match disk.
// used on hot paths to avoid redundant writes when the current user is
// mutated and implicitly re-saved.
func (self *CurrentUserController) SetIfNeededAsync(user *User) *Task[*User] {
	self.mutex.Lock()
	isCurrent := self.current == user
	matchesDisk := self.currentMatchesDisk
	self.mutex.Unlock()

	if isCurrent && matchesDisk {
		return ResolvedTask(user)
	}
	return self.SetAsync(user)
}

func (self *CurrentUserController) ExistsAsync() *Task[bool] {
	self.mutex.Lock()
	current := self.current
	self.mutex.Unlock()
	if current != nil {
		return ResolvedTask(true)
	}

	result := NewTask[bool]()
	self.taskQueue.Enqueue(func(toAwait *Task[any]) *Task[any] {
		return TaskCall(self.executor, func() (any, error) {
			toAwait.WaitDone()

			exists, _ := self.store.ExistsAsync().Result(self.ctx)
			result.Resolve(exists)
			return nil, nil
		})
	})
	return result
}

// identity comparison, not equality. a copy of the current user is not
// the current user.
func (self *CurrentUserController) IsCurrent(user *User) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.current == user
}

func (self *CurrentUserController) ClearFromMemory() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.current = nil
	self.currentMatchesDisk = false
}

func (self *CurrentUserController) ClearFromDisk() *Task[bool] {
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

func (self *CurrentUserController) GetCurrentSessionTokenAsync() *Task[string] {
	result := NewTask[string]()
	self.GetAsync(false).ContinueWith(InlineExecutor, func(user *User, err error) {
		if err != nil {
			result.Reject(err)
			return
		}
		if user == nil {
			result.Resolve("")
			return
		}
		result.Resolve(user.SessionToken())
	})
	return result
}

// logs out the current user. the persisted state is read first so the
// rest of the operation sees accurate current state, then the session
// revocation and the disk delete proceed together. a failed disk delete
// degrades `currentMatchesDisk` but never fails the logout; the resolved
// error reflects only the session revocation outcome.
//
// the queue task settles after the local logout and disk delete. the
// returned task additionally waits for revocation, which can ride the
// durable queue and settle much later (or after a restart), so it must
// not hold the controller queue.
func (self *CurrentUserController) LogOutAsync() *Task[any] {
	result := NewTask[any]()
	self.taskQueue.Enqueue(func(toAwait *Task[any]) *Task[any] {
		return TaskCall(self.executor, func() (any, error) {
			toAwait.WaitDone()

			user := self.ensureFromDisk()

			var revokeTask *Task[any]
			if user != nil {
				sessionToken := user.SessionToken()
				user.LogOutInternal()
				if self.settings.SessionRevoker != nil && sessionToken != "" {
					revokeTask = self.settings.SessionRevoker(sessionToken)
				}
			}
			if revokeTask == nil {
				revokeTask = ResolvedTask[any](nil)
			}

			deleteTask := self.store.DeleteAsync()
			AwaitAnyOutcome(deleteTask).WaitDone()

			deleted, _ := deleteTask.Result(self.ctx)
			if !deleted {
				glog.Infof("[cu]logout could not remove cached user\n")
			}

			self.mutex.Lock()
			self.current = nil
			self.currentMatchesDisk = deleted
			self.mutex.Unlock()

			revokeTask.ContinueWith(InlineExecutor, func(value any, revokeErr error) {
				if revokeErr != nil {
					result.Reject(revokeErr)
				} else {
					result.Resolve(nil)
				}
			})
			return nil, nil
		})
	})
	return result
}

// blocks until all in-flight operations settle. for shutdown and tests.
func (self *CurrentUserController) WaitUntilFinished() {
	self.taskQueue.WaitUntilFinished()
}
