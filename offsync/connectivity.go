package offsync

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// reports whether the backend is reachable. the eventually queue
// subscribes to drive its connect/disconnect transitions.
type ConnectivityMonitor interface {
	IsOnline() bool
	// returns the unsub function
	AddConnectivityCallback(callback func(online bool)) func()
}

func DefaultConnectivityMonitorSettings() *ConnectivityMonitorSettings {
	return &ConnectivityMonitorSettings{
		DialTimeout:       5 * time.Second,
		PingInterval:      15 * time.Second,
		ReconnectInterval: 5 * time.Second,
	}
}

type ConnectivityMonitorSettings struct {
	DialTimeout       time.Duration
	PingInterval      time.Duration
	ReconnectInterval time.Duration
}

// maintains a keepalive websocket to the api endpoint.
// online while the socket answers pings, offline otherwise.
type WebsocketConnectivityMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl    string
	settings *ConnectivityMonitorSettings

	callbacks *CallbackList[func(online bool)]

	mutex  sync.Mutex
	online bool
}

func NewWebsocketConnectivityMonitorWithDefaults(ctx context.Context, wsUrl string) *WebsocketConnectivityMonitor {
	return NewWebsocketConnectivityMonitor(ctx, wsUrl, DefaultConnectivityMonitorSettings())
}

func NewWebsocketConnectivityMonitor(ctx context.Context, wsUrl string, settings *ConnectivityMonitorSettings) *WebsocketConnectivityMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	monitor := &WebsocketConnectivityMonitor{
		ctx:       cancelCtx,
		cancel:    cancel,
		wsUrl:     wsUrl,
		settings:  settings,
		callbacks: NewCallbackList[func(online bool)](),
	}
	go monitor.run()
	return monitor
}

func (self *WebsocketConnectivityMonitor) IsOnline() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.online
}

func (self *WebsocketConnectivityMonitor) AddConnectivityCallback(callback func(online bool)) func() {
	callbackId := self.callbacks.Add(callback)
	return func() {
		self.callbacks.Remove(callbackId)
	}
}

func (self *WebsocketConnectivityMonitor) setOnline(online bool) {
	self.mutex.Lock()
	changed := self.online != online
	self.online = online
	self.mutex.Unlock()

	if !changed {
		return
	}
	glog.V(1).Infof("[conn]online=%t\n", online)
	for _, callback := range self.callbacks.Get() {
		HandleCallback(func() {
			callback(online)
		})
	}
}

func (self *WebsocketConnectivityMonitor) run() {
	for {
		if self.ctx.Err() != nil {
			return
		}

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.DialTimeout,
		}
		conn, _, err := dialer.DialContext(self.ctx, self.wsUrl, nil)
		if err != nil {
			self.setOnline(false)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectInterval):
			}
			continue
		}

		self.setOnline(true)
		self.pingLoop(conn)
		conn.Close()
		self.setOnline(false)
	}
}

// returns when the connection stops answering pings or the monitor closes
func (self *WebsocketConnectivityMonitor) pingLoop(conn *websocket.Conn) {
	readDeadline := 2 * self.settings.PingInterval

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			// drain control and data frames. pongs reset the deadline.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(self.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-readDone:
			return
		case <-ticker.C:
			deadline := time.Now().Add(self.settings.DialTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (self *WebsocketConnectivityMonitor) Close() {
	self.cancel()
}

// fixed connectivity for tests and for callers that manage their own
// reachability signal
type StaticConnectivityMonitor struct {
	callbacks *CallbackList[func(online bool)]

	mutex  sync.Mutex
	online bool
}

func NewStaticConnectivityMonitor(online bool) *StaticConnectivityMonitor {
	return &StaticConnectivityMonitor{
		callbacks: NewCallbackList[func(online bool)](),
		online:    online,
	}
}

func (self *StaticConnectivityMonitor) IsOnline() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.online
}

func (self *StaticConnectivityMonitor) AddConnectivityCallback(callback func(online bool)) func() {
	callbackId := self.callbacks.Add(callback)
	return func() {
		self.callbacks.Remove(callbackId)
	}
}

func (self *StaticConnectivityMonitor) SetOnline(online bool) {
	self.mutex.Lock()
	changed := self.online != online
	self.online = online
	self.mutex.Unlock()

	if !changed {
		return
	}
	for _, callback := range self.callbacks.Get() {
		HandleCallback(func() {
			callback(online)
		})
	}
}
