package mesh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// one websocket per session
// Each opened connection is a `ConnectionHandle` with its own id. Opening a different session
// supersedes the current handle. Callbacks from a superseded handle are discarded, so a late frame
// from an old socket can never reach the observer.
//
// there is no retry and no outbound buffering. A handle that fails to connect or drops moves to
// closed and stays closed. Sends on a handle that is not open are rejected.

var ErrSendRejected = errors.New("Send rejected: connection is not open.")

type ConnectionState int

const (
	ConnectionStateConnecting ConnectionState = iota
	ConnectionStateOpen
	ConnectionStateClosed
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateOpen:
		return "open"
	case ConnectionStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// failed to establish or dropped
type ConnectionError struct {
	SessionId string
	Err       error
}

func (self *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %s", self.SessionId, self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

// callbacks are only delivered for the current handle
// the observer must not block; the actor implementation posts to its event loop
type ConnectionObserver interface {
	OnOpen(handle *ConnectionHandle)
	OnMessage(handle *ConnectionHandle, envelope *Envelope)
	OnClose(handle *ConnectionHandle)
	OnError(handle *ConnectionHandle, err error)
}

type ConnectionSettings struct {
	// base websocket url, e.g. ws://localhost:8000
	Url string `yaml:"url"`
	// the session id is appended to this path
	SessionPath string `yaml:"session_path"`
	// zero means no timeout. A connection that never opens stays connecting.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
	// optional bearer token sent with the handshake
	ByJwt string `yaml:"jwt"`
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		Url:              "ws://localhost:8000",
		SessionPath:      "/ws/session/",
		HandshakeTimeout: 0,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1024 * 1024,
	}
}

func (self *ConnectionSettings) SessionUrl(sessionId string) string {
	return strings.TrimSuffix(self.Url, "/") + self.SessionPath + url.PathEscape(sessionId)
}

type ConnectionHandle struct {
	ctx    context.Context
	cancel context.CancelFunc

	id        Id
	sessionId string
	url       string

	stateLock sync.Mutex
	state     ConnectionState
	ws        *websocket.Conn

	writeLock sync.Mutex
}

func newConnectionHandle(ctx context.Context, sessionId string, url string) *ConnectionHandle {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionHandle{
		ctx:       cancelCtx,
		cancel:    cancel,
		id:        NewId(),
		sessionId: sessionId,
		url:       url,
		state:     ConnectionStateConnecting,
	}
}

func (self *ConnectionHandle) Id() Id {
	return self.id
}

func (self *ConnectionHandle) SessionId() string {
	return self.sessionId
}

func (self *ConnectionHandle) Url() string {
	return self.url
}

func (self *ConnectionHandle) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ConnectionHandle) String() string {
	return fmt.Sprintf("%s(%s)", self.sessionId, self.id)
}

// returns true only on the connecting->open transition
func (self *ConnectionHandle) setOpen(ws *websocket.Conn) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != ConnectionStateConnecting {
		return false
	}
	self.state = ConnectionStateOpen
	self.ws = ws
	return true
}

// returns true only on the first transition to closed
// close errors are swallowed
func (self *ConnectionHandle) setClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state == ConnectionStateClosed {
		return false
	}
	self.state = ConnectionStateClosed
	self.cancel()
	if self.ws != nil {
		self.ws.Close()
	}
	return true
}

func (self *ConnectionHandle) write(frame []byte, timeout time.Duration) error {
	self.stateLock.Lock()
	state := self.state
	ws := self.ws
	self.stateLock.Unlock()

	if state != ConnectionStateOpen {
		return fmt.Errorf("%w (%s)", ErrSendRejected, state)
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	if 0 < timeout {
		ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return ws.WriteMessage(websocket.TextMessage, frame)
}

type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	observer ConnectionObserver
	settings *ConnectionSettings
	metrics  *Metrics
	dialer   *websocket.Dialer

	mutex   sync.Mutex
	current *ConnectionHandle
}

func NewConnectionManagerWithDefaults(ctx context.Context, observer ConnectionObserver) *ConnectionManager {
	return NewConnectionManager(ctx, observer, DefaultConnectionSettings(), NewNoopMetrics())
}

func NewConnectionManager(
	ctx context.Context,
	observer ConnectionObserver,
	settings *ConnectionSettings,
	metrics *Metrics,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		observer: observer,
		settings: settings,
		metrics:  metrics,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
	}
}

// opens a connection for the session unless the current connection already serves it
// the previous connection, if any, is closed and its future callbacks are discarded
func (self *ConnectionManager) Open(sessionId string) *ConnectionHandle {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.current != nil && self.current.sessionId == sessionId && self.current.State() != ConnectionStateClosed {
		return self.current
	}

	previous := self.current
	handle := newConnectionHandle(self.ctx, sessionId, self.settings.SessionUrl(sessionId))
	self.current = handle
	if previous != nil {
		// superseded before closing, so its close is not reported
		previous.setClosed()
		glog.V(2).Infof("[c]supersede %s -> %s\n", previous, handle)
	}
	self.metrics.setConnectionState(ConnectionStateConnecting)

	go HandleError(func() {
		self.run(handle)
	})
	return handle
}

func (self *ConnectionManager) Current() *ConnectionHandle {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.current
}

func (self *ConnectionManager) IsCurrent(handle *ConnectionHandle) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return handle != nil && self.current == handle
}

// writes one utterance frame
// rejected with `ErrSendRejected` unless `handle` is current and open. Nothing is queued.
func (self *ConnectionManager) Send(handle *ConnectionHandle, utterance *Utterance) error {
	if !self.IsCurrent(handle) {
		return self.reject(handle, fmt.Errorf("%w (superseded)", ErrSendRejected))
	}
	frame, err := EncodeUtterance(utterance)
	if err != nil {
		return err
	}
	if err := handle.write(frame, self.settings.WriteTimeout); err != nil {
		if errors.Is(err, ErrSendRejected) {
			return self.reject(handle, err)
		}
		// write errors cannot be recovered on a websocket
		glog.Infof("[cs]%s-> error = %s\n", handle, err)
		self.closeWithError(handle, &ConnectionError{SessionId: handle.sessionId, Err: err})
		return err
	}
	self.metrics.UtterancesSent.Inc()
	glog.V(2).Infof("[cs]%s->\n", handle)
	return nil
}

func (self *ConnectionManager) reject(handle *ConnectionHandle, err error) error {
	self.metrics.SendsRejected.Inc()
	if handle == nil {
		glog.Warningf("[cs]no connection: %s\n", err)
	} else {
		glog.Warningf("[cs]%s: %s\n", handle, err)
	}
	return err
}

// closes the current connection without notifying the observer
func (self *ConnectionManager) Close() {
	self.mutex.Lock()
	current := self.current
	self.current = nil
	self.mutex.Unlock()

	if current != nil {
		current.setClosed()
	}
	self.cancel()
}

// delivers a callback only if `handle` is still current
func (self *ConnectionManager) emit(handle *ConnectionHandle, callback func(ConnectionObserver)) {
	if !self.IsCurrent(handle) {
		self.metrics.StaleEvents.Inc()
		glog.V(2).Infof("[c]discard stale callback %s\n", handle)
		return
	}
	if self.observer == nil {
		return
	}
	HandleError(func() {
		callback(self.observer)
	})
}

func (self *ConnectionManager) closeWithError(handle *ConnectionHandle, err error) {
	if !handle.setClosed() {
		return
	}
	if self.IsCurrent(handle) {
		self.metrics.setConnectionState(ConnectionStateClosed)
	}
	if err != nil {
		self.emit(handle, func(observer ConnectionObserver) {
			observer.OnError(handle, err)
		})
	}
	self.emit(handle, func(observer ConnectionObserver) {
		observer.OnClose(handle)
	})
}

func (self *ConnectionManager) run(handle *ConnectionHandle) {
	connect := func() (*websocket.Conn, error) {
		header := http.Header{}
		if self.settings.ByJwt != "" {
			header.Set("Authorization", fmt.Sprintf("Bearer %s", self.settings.ByJwt))
		}
		ws, _, err := self.dialer.DialContext(handle.ctx, handle.url, header)
		return ws, err
	}

	var ws *websocket.Conn
	var err error
	if glog.V(2) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s", handle), connect)
	} else {
		ws, err = connect()
	}
	if err != nil {
		glog.Infof("[c]connect error %s = %s\n", handle, err)
		self.closeWithError(handle, &ConnectionError{SessionId: handle.sessionId, Err: err})
		return
	}
	if 0 < self.settings.ReadLimit {
		ws.SetReadLimit(self.settings.ReadLimit)
	}
	if !handle.setOpen(ws) {
		// closed while the handshake was in flight
		ws.Close()
		return
	}
	if self.IsCurrent(handle) {
		self.metrics.setConnectionState(ConnectionStateOpen)
	}
	self.emit(handle, func(observer ConnectionObserver) {
		observer.OnOpen(handle)
	})

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if handle.ctx.Err() != nil {
				// closed locally
				self.closeWithError(handle, nil)
			} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Infof("[cr]%s<- closed\n", handle)
				self.closeWithError(handle, nil)
			} else {
				glog.Infof("[cr]%s<- error = %s\n", handle, err)
				self.closeWithError(handle, &ConnectionError{SessionId: handle.sessionId, Err: err})
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			envelope, err := ParseEnvelope(message, handle.sessionId)
			if err != nil {
				glog.Infof("[cr]%s<- drop = %s\n", handle, err)
				self.metrics.ProtocolErrors.Inc()
				self.emit(handle, func(observer ConnectionObserver) {
					observer.OnError(handle, err)
				})
				continue
			}
			self.metrics.FramesReceived.WithLabelValues(envelope.Type).Inc()
			switch envelope.Type {
			case MessageTypeGraphUpdate:
				glog.V(2).Infof("[cr]%s<- %s %s\n", handle, envelope.Type, envelope.GraphUpdate.Node.Id)
				self.emit(handle, func(observer ConnectionObserver) {
					observer.OnMessage(handle, envelope)
				})
			default:
				glog.V(2).Infof("[cr]%s<- ignore type=%s\n", handle, envelope.Type)
			}
		default:
			glog.V(2).Infof("[cr]%s<- ignore message type=%d\n", handle, messageType)
		}
	}
}
