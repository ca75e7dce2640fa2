package offsync

import (
	"context"
	"os"
)

// file names under the data dir
const (
	currentUserFileName       = "current_user.json"
	currentUserLegacyFileName = "currentUser"
	currentConfigFileName     = "current_config.json"
)

func DefaultClientSettings(dataDir string) *ClientSettings {
	return &ClientSettings{
		DataDir:         dataDir,
		ObjectCacheSize: defaultObjectCacheSize,
		Executor:        DefaultExecutorSettings(),
		CurrentUser:     DefaultCurrentUserControllerSettings(),
		Eventually:      DefaultEventuallyQueueSettings(),
		Connectivity:    DefaultConnectivityMonitorSettings(),
	}
}

type ClientSettings struct {
	// rest endpoint. empty leaves the queue without a default executor,
	// which then must be set explicitly (tests do this).
	ApiUrl string
	// websocket keepalive endpoint. empty disables the monitor and the
	// queue must be driven via `SetConnected`.
	ConnectivityUrl string

	DataDir string

	ObjectCacheSize int

	Executor     *ExecutorSettings
	CurrentUser  *CurrentUserControllerSettings
	Eventually   *EventuallyQueueSettings
	Connectivity *ConnectivityMonitorSettings
}

type userDocumentCoder struct{}

func (self *userDocumentCoder) Encode(user *User) (map[string]any, error) {
	return user.ToDocument(), nil
}

func (self *userDocumentCoder) Decode(document map[string]any) (*User, error) {
	return UserFromDocument(document)
}

// explicitly constructed dependency context. controllers live here,
// not in package globals, so tests build and discard as many as needed.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	backgroundExecutor *PoolExecutor
	networkExecutor    *PoolExecutor
	scheduler          *SerialScheduler

	objectCache *ObjectCache
	lockSet     *LockSet

	httpExecutor HttpExecutor

	currentUserStore ObjectStore[*User]
	currentUser      *CurrentUserController
	currentConfig    *CurrentConfigController

	pinStore        PinStore
	eventuallyQueue *PinEventuallyQueue

	connectivity      ConnectivityMonitor
	connectivityUnsub func()
}

func NewClientWithDefaults(ctx context.Context, apiUrl string, dataDir string) (*Client, error) {
	settings := DefaultClientSettings(dataDir)
	settings.ApiUrl = apiUrl
	return NewClient(ctx, settings)
}

func NewClient(ctx context.Context, settings *ClientSettings) (*Client, error) {
	if err := os.MkdirAll(settings.DataDir, 0700); err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	client := &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
	}

	client.backgroundExecutor = NewPoolExecutor(cancelCtx, settings.Executor.BackgroundWorkerCount, settings.Executor.QueueSize)
	client.networkExecutor = NewPoolExecutor(cancelCtx, settings.Executor.NetworkWorkerCount, settings.Executor.QueueSize)
	client.scheduler = NewSerialScheduler(cancelCtx)

	client.objectCache = NewObjectCache(settings.ObjectCacheSize)
	client.lockSet = NewLockSet()

	if settings.ApiUrl != "" {
		client.httpExecutor = NewClientHttpExecutor(settings.ApiUrl)
	}

	coder := &userDocumentCoder{}
	store := NewFileObjectStore[*User](
		SingletonFilePath(settings.DataDir, currentUserFileName),
		coder,
		client.backgroundExecutor,
	)
	legacyStore := NewFileObjectStore[*User](
		SingletonFilePath(settings.DataDir, currentUserLegacyFileName),
		coder,
		client.backgroundExecutor,
	)
	client.currentUserStore = NewMigrationStore[*User](cancelCtx, store, legacyStore, client.backgroundExecutor)

	pinStore, err := NewSqlitePinStore(settings.DataDir)
	if err != nil {
		cancel()
		return nil, err
	}
	client.pinStore = pinStore

	client.eventuallyQueue = NewPinEventuallyQueue(
		cancelCtx,
		pinStore,
		client.httpExecutor,
		client.objectCache,
		client.networkExecutor,
		client.scheduler,
		settings.Eventually,
	)

	currentUserSettings := settings.CurrentUser
	if currentUserSettings.SessionRevoker == nil {
		// revocation rides the eventually queue so a logout while
		// offline still reaches the server
		currentUserSettings = &CurrentUserControllerSettings{
			AuthDataSynchronizer: settings.CurrentUser.AuthDataSynchronizer,
			SessionRevoker:       client.revokeSessionEventually,
		}
	}
	client.currentUser = NewCurrentUserController(cancelCtx, client.currentUserStore, client.backgroundExecutor, currentUserSettings)

	client.currentConfig = NewCurrentConfigController(
		cancelCtx,
		NewFileObjectStore[*Config](
			SingletonFilePath(settings.DataDir, currentConfigFileName),
			&configDocumentCoder{},
			client.backgroundExecutor,
		),
		client.backgroundExecutor,
	)

	if settings.ConnectivityUrl != "" {
		monitor := NewWebsocketConnectivityMonitor(cancelCtx, settings.ConnectivityUrl, settings.Connectivity)
		client.connectivity = monitor
		client.connectivityUnsub = monitor.AddConnectivityCallback(client.eventuallyQueue.SetConnected)
	}

	return client, nil
}

func (self *Client) revokeSessionEventually(sessionToken string) *Task[any] {
	command := &RestCommand{
		Method:       "POST",
		Path:         "logout",
		SessionToken: sessionToken,
	}
	result := NewTask[any]()
	self.eventuallyQueue.EnqueueEventuallyAsync(command, nil).ContinueWith(InlineExecutor, func(response *RestResponse, err error) {
		if err != nil {
			result.Reject(err)
		} else {
			result.Resolve(response)
		}
	})
	return result
}

func (self *Client) CurrentUser() *CurrentUserController {
	return self.currentUser
}

func (self *Client) CurrentConfig() *CurrentConfigController {
	return self.currentConfig
}

func (self *Client) EventuallyQueue() *PinEventuallyQueue {
	return self.eventuallyQueue
}

func (self *Client) PinStore() PinStore {
	return self.pinStore
}

func (self *Client) ObjectCache() *ObjectCache {
	return self.objectCache
}

func (self *Client) LockSet() *LockSet {
	return self.lockSet
}

func (self *Client) Connectivity() ConnectivityMonitor {
	return self.connectivity
}

func (self *Client) BackgroundExecutor() Executor {
	return self.backgroundExecutor
}

func (self *Client) NetworkExecutor() Executor {
	return self.networkExecutor
}

func (self *Client) Scheduler() *SerialScheduler {
	return self.scheduler
}

// test hook: drops all in-memory caches without touching disk
func (self *Client) ResetForTesting() {
	self.currentUser.ClearFromMemory()
	self.currentConfig.ClearFromMemory()
	self.objectCache.Clear()
}

func (self *Client) Close() error {
	if self.connectivityUnsub != nil {
		self.connectivityUnsub()
	}
	// drain before cancelling. a cancelled executor drops queued work,
	// which would leave the queues waiting on tasks that never settle.
	self.currentUser.WaitUntilFinished()
	self.eventuallyQueue.WaitUntilFinished()
	self.cancel()

	self.backgroundExecutor.Close()
	self.networkExecutor.Close()
	self.scheduler.Close()

	return self.pinStore.Close()
}
