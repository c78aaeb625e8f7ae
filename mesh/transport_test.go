package mesh

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type receivedUtterance struct {
	sessionId string
	frame     []byte
}

// a session broadcast server
// records every socket by session and every frame the client writes
type testSessionServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mutex         sync.Mutex
	sessionConns  map[string][]*websocket.Conn
	authorization []string

	connected  chan string
	utterances chan receivedUtterance
}

func newTestSessionServer() *testSessionServer {
	testServer := &testSessionServer{
		sessionConns: map[string][]*websocket.Conn{},
		connected:    make(chan string, 64),
		utterances:   make(chan receivedUtterance, 64),
	}
	testServer.server = httptest.NewServer(http.HandlerFunc(testServer.serve))
	return testServer
}

func (self *testSessionServer) serve(w http.ResponseWriter, r *http.Request) {
	sessionId := strings.TrimPrefix(r.URL.Path, "/ws/session/")
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	self.mutex.Lock()
	self.sessionConns[sessionId] = append(self.sessionConns[sessionId], ws)
	self.authorization = append(self.authorization, r.Header.Get("Authorization"))
	self.mutex.Unlock()
	self.connected <- sessionId

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		self.utterances <- receivedUtterance{sessionId: sessionId, frame: frame}
	}
}

func (self *testSessionServer) Url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testSessionServer) Conns(sessionId string) []*websocket.Conn {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]*websocket.Conn{}, self.sessionConns[sessionId]...)
}

// writes to the most recent socket for the session
func (self *testSessionServer) Write(sessionId string, frame []byte) error {
	conns := self.Conns(sessionId)
	if len(conns) == 0 {
		return errors.New("No connection.")
	}
	return conns[len(conns)-1].WriteMessage(websocket.TextMessage, frame)
}

func (self *testSessionServer) Close() {
	self.mutex.Lock()
	for _, conns := range self.sessionConns {
		for _, ws := range conns {
			ws.Close()
		}
	}
	self.mutex.Unlock()
	self.server.Close()
}

type testObserver struct {
	opens    chan *ConnectionHandle
	messages chan *Envelope
	closes   chan *ConnectionHandle
	errors   chan error
}

func newTestObserver() *testObserver {
	return &testObserver{
		opens:    make(chan *ConnectionHandle, 64),
		messages: make(chan *Envelope, 64),
		closes:   make(chan *ConnectionHandle, 64),
		errors:   make(chan error, 64),
	}
}

func (self *testObserver) OnOpen(handle *ConnectionHandle) {
	self.opens <- handle
}

func (self *testObserver) OnMessage(handle *ConnectionHandle, envelope *Envelope) {
	self.messages <- envelope
}

func (self *testObserver) OnClose(handle *ConnectionHandle) {
	self.closes <- handle
}

func (self *testObserver) OnError(handle *ConnectionHandle, err error) {
	self.errors <- err
}

func testConnectionSettings(url string) *ConnectionSettings {
	settings := DefaultConnectionSettings()
	settings.Url = url
	return settings
}

func receive[T any](t *testing.T, c chan T) T {
	select {
	case v := <-c:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout.")
		var zero T
		return zero
	}
}

func assertNone[T any](t *testing.T, c chan T, timeout time.Duration) {
	select {
	case v := <-c:
		t.Fatalf("Unexpected %v", v)
	case <-time.After(timeout):
	}
}

func TestConnectionOpenSendReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newTestSessionServer()
	defer testServer.Close()

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	observer := newTestObserver()
	manager := NewConnectionManager(ctx, observer, testConnectionSettings(testServer.Url()), metrics)
	defer manager.Close()

	handle := manager.Open("s1")
	assert.Equal(t, receive(t, testServer.connected), "s1")
	assert.Equal(t, receive(t, observer.opens) == handle, true)
	assert.Equal(t, handle.State(), ConnectionStateOpen)
	assert.Equal(t, testutil.ToFloat64(metrics.ConnectionState.WithLabelValues("open")), float64(1))

	// same session reuses the handle
	assert.Equal(t, manager.Open("s1") == handle, true)

	err := manager.Send(handle, NewUtterance("ada", "rivers carve canyons"))
	assert.Equal(t, err, nil)
	received := receive(t, testServer.utterances)
	assert.Equal(t, received.sessionId, "s1")
	assert.Equal(t, string(received.frame), `{"type":"utterance","user":"ada","text":"rivers carve canyons"}`)
	assert.Equal(t, testutil.ToFloat64(metrics.UtterancesSent), float64(1))

	frame, err := EncodeGraphUpdate("s1", &UpdatePayload{
		Node:  Node{Id: "n1", Text: "rivers carve canyons", User: "ada"},
		Links: []Link{},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, testServer.Write("s1", frame), nil)

	envelope := receive(t, observer.messages)
	assert.Equal(t, envelope.GraphUpdate.Node.Id, "n1")
	assert.Equal(t, testutil.ToFloat64(metrics.FramesReceived.WithLabelValues(MessageTypeGraphUpdate)), float64(1))
}

func TestConnectionSendRejectedWhileConnecting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// never completes the handshake
	requested := make(chan struct{}, 1)
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested <- struct{}{}
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(block)

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	observer := newTestObserver()
	settings := testConnectionSettings("ws" + strings.TrimPrefix(server.URL, "http"))
	manager := NewConnectionManager(ctx, observer, settings, metrics)
	defer manager.Close()

	handle := manager.Open("s1")
	receive(t, requested)
	assert.Equal(t, handle.State(), ConnectionStateConnecting)

	err := manager.Send(handle, NewUtterance("ada", "hello"))
	assert.Equal(t, errors.Is(err, ErrSendRejected), true)
	assert.Equal(t, testutil.ToFloat64(metrics.SendsRejected), float64(1))
	assert.Equal(t, testutil.ToFloat64(metrics.UtterancesSent), float64(0))
	assert.Equal(t, handle.State(), ConnectionStateConnecting)

	// no handle at all
	err = manager.Send(nil, NewUtterance("ada", "hello"))
	assert.Equal(t, errors.Is(err, ErrSendRejected), true)
}

func TestConnectionSessionChangeDiscardsStale(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newTestSessionServer()
	defer testServer.Close()

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	observer := newTestObserver()
	manager := NewConnectionManager(ctx, observer, testConnectionSettings(testServer.Url()), metrics)
	defer manager.Close()

	first := manager.Open("s1")
	receive(t, testServer.connected)
	assert.Equal(t, receive(t, observer.opens) == first, true)

	second := manager.Open("s2")
	assert.NotEqual(t, first.Id(), second.Id())
	assert.Equal(t, first.Id().String() < second.Id().String(), true)
	assert.Equal(t, first.State(), ConnectionStateClosed)
	assert.Equal(t, manager.IsCurrent(first), false)
	assert.Equal(t, manager.Current() == second, true)

	assert.Equal(t, receive(t, testServer.connected), "s2")
	assert.Equal(t, receive(t, observer.opens) == second, true)

	// the superseded close is not reported
	assertNone(t, observer.closes, 100*time.Millisecond)

	// sends on the old handle are rejected
	err := manager.Send(first, NewUtterance("ada", "late"))
	assert.Equal(t, errors.Is(err, ErrSendRejected), true)

	// a late callback from the old handle is discarded
	delivered := false
	manager.emit(first, func(observer ConnectionObserver) {
		delivered = true
	})
	assert.Equal(t, delivered, false)
	assert.Equal(t, 1 <= testutil.ToFloat64(metrics.StaleEvents), true)

	frame, _ := EncodeGraphUpdate("s2", &UpdatePayload{Node: Node{Id: "n2"}, Links: []Link{}})
	assert.Equal(t, testServer.Write("s2", frame), nil)
	assert.Equal(t, receive(t, observer.messages).GraphUpdate.Node.Id, "n2")
	assertNone(t, observer.messages, 100*time.Millisecond)
}

func TestConnectionProtocolErrorKeepsOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newTestSessionServer()
	defer testServer.Close()

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	observer := newTestObserver()
	manager := NewConnectionManager(ctx, observer, testConnectionSettings(testServer.Url()), metrics)
	defer manager.Close()

	handle := manager.Open("s1")
	receive(t, testServer.connected)
	receive(t, observer.opens)

	assert.Equal(t, testServer.Write("s1", []byte(`{"type": "graph_update", `)), nil)
	assert.Equal(t, testServer.Write("s1", []byte(`{"type": "presence", "payload": {"user": "ada"}}`)), nil)
	frame, _ := EncodeGraphUpdate("s1", &UpdatePayload{Node: Node{Id: "n1"}, Links: []Link{}})
	assert.Equal(t, testServer.Write("s1", frame), nil)

	err := receive(t, observer.errors)
	assert.Equal(t, IsProtocolError(err), true)
	assert.Equal(t, receive(t, observer.messages).GraphUpdate.Node.Id, "n1")
	assert.Equal(t, handle.State(), ConnectionStateOpen)
	assert.Equal(t, testutil.ToFloat64(metrics.ProtocolErrors), float64(1))
	assert.Equal(t, testutil.ToFloat64(metrics.FramesReceived.WithLabelValues("presence")), float64(1))

	// unknown types produce no message
	assertNone(t, observer.messages, 100*time.Millisecond)
}

func TestConnectionServerCloseNoReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newTestSessionServer()
	defer testServer.Close()

	observer := newTestObserver()
	manager := NewConnectionManager(ctx, observer, testConnectionSettings(testServer.Url()), NewNoopMetrics())
	defer manager.Close()

	handle := manager.Open("s1")
	receive(t, testServer.connected)
	receive(t, observer.opens)

	conns := testServer.Conns("s1")
	assert.Equal(t, len(conns), 1)
	conns[0].WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	conns[0].Close()

	assert.Equal(t, receive(t, observer.closes) == handle, true)
	assert.Equal(t, handle.State(), ConnectionStateClosed)

	err := manager.Send(handle, NewUtterance("ada", "hello"))
	assert.Equal(t, errors.Is(err, ErrSendRejected), true)

	// stays closed
	assertNone(t, testServer.connected, 200*time.Millisecond)
	assert.Equal(t, len(testServer.Conns("s1")), 1)

	// opening the same session again makes a new connection
	next := manager.Open("s1")
	assert.Equal(t, next == handle, false)
	assert.Equal(t, receive(t, testServer.connected), "s1")
	assert.Equal(t, receive(t, observer.opens) == next, true)
}

func TestConnectionDialError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nothing listens here once the server is closed
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	observer := newTestObserver()
	manager := NewConnectionManager(ctx, observer, testConnectionSettings(url), NewNoopMetrics())
	defer manager.Close()

	handle := manager.Open("s1")
	err := receive(t, observer.errors)
	var connectionErr *ConnectionError
	assert.Equal(t, errors.As(err, &connectionErr), true)
	assert.Equal(t, connectionErr.SessionId, "s1")
	assert.Equal(t, receive(t, observer.closes) == handle, true)
	assert.Equal(t, handle.State(), ConnectionStateClosed)
}

func TestConnectionBearerToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newTestSessionServer()
	defer testServer.Close()

	settings := testConnectionSettings(testServer.Url())
	settings.ByJwt = "token123"
	observer := newTestObserver()
	manager := NewConnectionManager(ctx, observer, settings, NewNoopMetrics())
	defer manager.Close()

	manager.Open("s/1")
	// path escaped on the wire, decoded by the server
	assert.Equal(t, receive(t, testServer.connected), "s/1")
	receive(t, observer.opens)

	testServer.mutex.Lock()
	defer testServer.mutex.Unlock()
	assert.Equal(t, testServer.authorization, []string{"Bearer token123"})
}

func TestSessionUrl(t *testing.T) {
	settings := DefaultConnectionSettings()
	assert.Equal(t, settings.SessionUrl("abc"), "ws://localhost:8000/ws/session/abc")
	settings.Url = "wss://mesh.example.com/"
	assert.Equal(t, settings.SessionUrl("a b"), "wss://mesh.example.com/ws/session/a%20b")
}
