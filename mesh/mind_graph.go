package mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
	"gonum.org/v1/gonum/spatial/r2"
)

// the single actor for one client
// Socket callbacks, layout ticks and pointer events all run on the `run` goroutine, one at a
// time. Websocket read loops only post closures here, and every inbound closure re-checks that
// its connection is still the current one before touching the graph.
//
// structural changes mark the layout dirty and the reseed happens on the next tick, so a burst of
// updates costs one rebuild.

var ErrClosed = errors.New("Closed.")
var ErrEmptyUtterance = errors.New("Empty utterance.")

// the rendering side
// `Render` is called on the actor goroutine with a frame it may keep
type Surface interface {
	Viewport() (width float64, height float64)
	Render(frame *Frame)
}

type FrameLink struct {
	Link
	SourcePos r2.Vec
	TargetPos r2.Vec
}

type Frame struct {
	SessionId string
	// zero when no connection has been opened
	ConnectionId    Id
	ConnectionState ConnectionState
	Nodes           []SimNode
	Links           []FrameLink
	Alpha           float64
	Stopped         bool
	TickCount       uint64
}

func (self *Frame) Node(id string) (SimNode, bool) {
	i := slices.IndexFunc(self.Nodes, func(node SimNode) bool {
		return node.Id == id
	})
	if i < 0 {
		return SimNode{}, false
	}
	return self.Nodes[i], true
}

type ConnectionStateFunction func(sessionId string, state ConnectionState)
type ErrorFunction func(sessionId string, err error)

type MindGraph struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MindGraphSettings
	metrics  *Metrics
	surface  Surface

	manager    *ConnectionManager
	aggregator *GraphAggregator
	simulator  *Simulator

	events chan func()

	stateCallbacks *CallbackList[ConnectionStateFunction]
	errorCallbacks *CallbackList[ErrorFunction]

	// copies of the session and connection state, readable off the actor
	statusLock            sync.Mutex
	statusSessionId       string
	statusConnectionState ConnectionState

	// state below is owned by the run goroutine
	sessionId       string
	handle          *ConnectionHandle
	connectionState ConnectionState
	state           *SimState
	seededVersion   uint64
	drags           map[string]*DragController
	log             LogFunction
}

func NewMindGraphWithDefaults(ctx context.Context, surface Surface) *MindGraph {
	return NewMindGraph(ctx, surface, DefaultMindGraphSettings(), NewNoopMetrics())
}

// `surface` may be nil for a headless graph
func NewMindGraph(
	ctx context.Context,
	surface Surface,
	settings *MindGraphSettings,
	metrics *Metrics,
) *MindGraph {
	cancelCtx, cancel := context.WithCancel(ctx)
	mindGraph := &MindGraph{
		ctx:                   cancelCtx,
		cancel:                cancel,
		settings:              settings,
		metrics:               metrics,
		surface:               surface,
		aggregator:            NewGraphAggregator(metrics),
		simulator:             NewSimulator(settings.Layout),
		events:                make(chan func(), settings.EventBufferSize),
		stateCallbacks:        NewCallbackList[ConnectionStateFunction](),
		errorCallbacks:        NewCallbackList[ErrorFunction](),
		connectionState:       ConnectionStateClosed,
		statusConnectionState: ConnectionStateClosed,
		drags:                 map[string]*DragController{},
		log:                   LogFn(LogLevelDebug, "graph"),
	}
	mindGraph.manager = NewConnectionManager(cancelCtx, &mindGraphObserver{mindGraph: mindGraph}, settings.Connection, metrics)
	go mindGraph.run()
	return mindGraph
}

func (self *MindGraph) run() {
	defer self.manager.Close()

	ticker := time.NewTicker(self.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.events:
			HandleError(event)
		case <-ticker.C:
			HandleError(self.tick)
		}
	}
}

func (self *MindGraph) Close() {
	self.cancel()
}

func (self *MindGraph) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *MindGraph) post(event func()) bool {
	if self.ctx.Err() != nil {
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.events <- event:
		return true
	}
}

// runs `event` on the actor and waits for it
func (self *MindGraph) call(event func()) error {
	done := make(chan struct{})
	posted := self.post(func() {
		defer close(done)
		event()
	})
	if !posted {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-self.ctx.Done():
		return ErrClosed
	}
}

// connects to `sessionId`
// Switching to a different session supersedes the previous connection. With
// `ResetOnSessionChange` the graph, the layout and any drags are dropped as well.
func (self *MindGraph) SetSession(sessionId string) error {
	return self.call(func() {
		if self.handle != nil && self.sessionId == sessionId && self.handle.State() != ConnectionStateClosed {
			return
		}
		if self.sessionId != "" && self.sessionId != sessionId && self.settings.ResetOnSessionChange {
			self.log("reset %s -> %s", self.sessionId, sessionId)
			self.aggregator.Reset()
			self.state = nil
			self.drags = map[string]*DragController{}
		}
		self.sessionId = sessionId
		self.statusLock.Lock()
		self.statusSessionId = sessionId
		self.statusLock.Unlock()
		self.handle = self.manager.Open(sessionId)
		self.setConnectionState(self.handle.State())
	})
}

// safe to call from a callback
func (self *MindGraph) SessionId() string {
	self.statusLock.Lock()
	defer self.statusLock.Unlock()
	return self.statusSessionId
}

// sends one utterance on the current connection
// blank text is not sent. Anything but an open connection rejects with `ErrSendRejected`.
func (self *MindGraph) SendUtterance(user string, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyUtterance
	}
	return self.manager.Send(self.manager.Current(), NewUtterance(user, text))
}

// safe to call from a callback
func (self *MindGraph) ConnectionState() ConnectionState {
	self.statusLock.Lock()
	defer self.statusLock.Unlock()
	return self.statusConnectionState
}

// callbacks run on the actor goroutine
// They may call `SessionId`, `ConnectionState` and `SendUtterance`. Any other method waits on
// the actor and would deadlock.
// returns a function that removes the callback
func (self *MindGraph) AddConnectionStateCallback(callback ConnectionStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *MindGraph) AddErrorCallback(callback ErrorFunction) func() {
	return self.errorCallbacks.Add(callback)
}

// the merged graph, in canonical order
func (self *MindGraph) Graph() (nodes []Node, links []Link, err error) {
	err = self.call(func() {
		nodes, links = self.aggregator.CurrentGraph()
	})
	return
}

// the layout as of the last tick, reseeding first if the graph changed
func (self *MindGraph) Snapshot() (frame *Frame, err error) {
	err = self.call(func() {
		self.reseedIfChanged()
		frame = self.frame()
	})
	return
}

// advances the layout one tick outside the regular cadence
func (self *MindGraph) TickNow() error {
	return self.call(self.tick)
}

func (self *MindGraph) DragStart(pointerId string, nodeId string) (err error) {
	callErr := self.call(func() {
		self.reseedIfChanged()
		if drag, ok := self.drags[pointerId]; ok {
			drag.DragEnd(self.state)
			delete(self.drags, pointerId)
		}
		drag := NewDragController(self.simulator, nodeId)
		if err = drag.DragStart(self.state); err != nil {
			return
		}
		self.drags[pointerId] = drag
	})
	if callErr != nil {
		return callErr
	}
	return
}

func (self *MindGraph) DragMove(pointerId string, pos r2.Vec) (err error) {
	callErr := self.call(func() {
		drag, ok := self.drags[pointerId]
		if !ok {
			err = fmt.Errorf("%w (pointer %s)", ErrNotDragging, pointerId)
			return
		}
		err = drag.DragMove(self.state, pos)
	})
	if callErr != nil {
		return callErr
	}
	return
}

func (self *MindGraph) DragEnd(pointerId string) error {
	return self.call(func() {
		if drag, ok := self.drags[pointerId]; ok {
			drag.DragEnd(self.state)
			delete(self.drags, pointerId)
		}
	})
}

func (self *MindGraph) setConnectionState(state ConnectionState) {
	if self.connectionState == state {
		return
	}
	self.connectionState = state
	self.statusLock.Lock()
	self.statusConnectionState = state
	self.statusLock.Unlock()
	sessionId := self.sessionId
	for _, callback := range self.stateCallbacks.Get() {
		HandleError(func() {
			callback(sessionId, state)
		})
	}
}

func (self *MindGraph) reportError(err error) {
	sessionId := self.sessionId
	for _, callback := range self.errorCallbacks.Get() {
		HandleError(func() {
			callback(sessionId, err)
		})
	}
}

// inbound events are applied only if `handle` is still the live connection
func (self *MindGraph) isLive(handle *ConnectionHandle) bool {
	if handle != self.handle || !self.manager.IsCurrent(handle) {
		self.metrics.StaleEvents.Inc()
		glog.V(2).Infof("[graph]discard stale event %s\n", handle)
		return false
	}
	return true
}

func (self *MindGraph) reseedIfChanged() bool {
	version := self.aggregator.Version()
	if self.state != nil && version == self.seededVersion {
		return false
	}
	nodes, links := self.aggregator.CurrentGraph()
	self.state = self.simulator.Seed(nodes, links, self.state)
	if self.surface != nil {
		width, height := self.surface.Viewport()
		self.simulator.SetViewport(self.state, width, height)
	}
	self.seededVersion = version
	self.metrics.Reseeds.Inc()
	self.log("reseed v%d nodes=%d links=%d", version, len(self.state.Nodes), len(self.state.Links))
	return true
}

func (self *MindGraph) tick() {
	reseeded := self.reseedIfChanged()
	if self.surface != nil {
		width, height := self.surface.Viewport()
		self.simulator.SetViewport(self.state, width, height)
	}
	advanced := !self.state.Stopped
	self.simulator.Tick(self.state, 1)
	if advanced {
		self.metrics.Ticks.Inc()
	}
	self.metrics.Alpha.Set(self.state.Alpha)
	if (advanced || reseeded) && self.surface != nil {
		frame := self.frame()
		HandleError(func() {
			self.surface.Render(frame)
		})
	}
}

func (self *MindGraph) frame() *Frame {
	frame := &Frame{
		SessionId:       self.sessionId,
		ConnectionState: self.connectionState,
		Nodes:           make([]SimNode, len(self.state.Nodes)),
		Links:           make([]FrameLink, 0, len(self.state.Links)),
		Alpha:           self.state.Alpha,
		Stopped:         self.state.Stopped,
		TickCount:       self.state.TickCount,
	}
	if self.handle != nil {
		frame.ConnectionId = self.handle.Id()
	}
	for i, node := range self.state.Nodes {
		frame.Nodes[i] = *node
		if node.Pin != nil {
			pin := *node.Pin
			frame.Nodes[i].Pin = &pin
		}
	}
	for i, endpoints := range self.state.LinkEndpoints() {
		frame.Links = append(frame.Links, FrameLink{
			Link:      self.state.Links[i],
			SourcePos: endpoints[0].Pos,
			TargetPos: endpoints[1].Pos,
		})
	}
	return frame
}

// adapts connection callbacks onto the actor
type mindGraphObserver struct {
	mindGraph *MindGraph
}

func (self *mindGraphObserver) OnOpen(handle *ConnectionHandle) {
	mindGraph := self.mindGraph
	mindGraph.post(func() {
		if mindGraph.isLive(handle) {
			mindGraph.setConnectionState(ConnectionStateOpen)
		}
	})
}

func (self *mindGraphObserver) OnMessage(handle *ConnectionHandle, envelope *Envelope) {
	mindGraph := self.mindGraph
	mindGraph.post(func() {
		if !mindGraph.isLive(handle) {
			return
		}
		if envelope.Type != MessageTypeGraphUpdate || envelope.GraphUpdate == nil {
			return
		}
		if mindGraph.aggregator.Append(envelope.GraphUpdate) {
			mindGraph.log("merge %s v%d", envelope.GraphUpdate.Node.Id, mindGraph.aggregator.Version())
		}
	})
}

func (self *mindGraphObserver) OnClose(handle *ConnectionHandle) {
	mindGraph := self.mindGraph
	mindGraph.post(func() {
		if mindGraph.isLive(handle) {
			mindGraph.setConnectionState(ConnectionStateClosed)
		}
	})
}

func (self *mindGraphObserver) OnError(handle *ConnectionHandle, err error) {
	mindGraph := self.mindGraph
	mindGraph.post(func() {
		if !mindGraph.isLive(handle) {
			return
		}
		if !IsProtocolError(err) {
			// connection errors fold into closed
			mindGraph.setConnectionState(ConnectionStateClosed)
		}
		mindGraph.reportError(err)
	})
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	callbacks []idCallback[T]
}

type idCallback[T any] struct {
	id       int
	callback T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, len(self.callbacks))
	for i, c := range self.callbacks {
		callbacks[i] = c.callback
	}
	return callbacks
}

// returns a function that removes the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextId += 1
	id := self.nextId
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, idCallback[T]{id: id, callback: callback})
	self.callbacks = nextCallbacks

	return func() {
		self.remove(id)
	}
}

func (self *CallbackList[T]) remove(id int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.callbacks = slices.DeleteFunc(slices.Clone(self.callbacks), func(c idCallback[T]) bool {
		return c.id == id
	})
}
