package mesh

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// a one-shot event backed by a context
// set once, by hand or by a signal, and never reset
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEvent() *Event {
	return NewEventWithContext(context.Background())
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) Set() {
	self.cancel()
}

func (self *Event) IsSet() bool {
	select {
	case <-self.ctx.Done():
		return true
	default:
		return false
	}
}

// sets the event on the first of `signals`
// returns a function that stops listening
func (self *Event) SetOnSignals(signals ...os.Signal) func() {
	stopSignal := make(chan os.Signal, len(signals))
	stop := make(chan struct{})
	signal.Notify(stopSignal, signals...)
	go func() {
		defer signal.Stop(stopSignal)
		select {
		case sig := <-stopSignal:
			LogFn(LogLevelUrgent, "event")("signal %s", sig)
			self.Set()
		case <-stop:
		case <-self.ctx.Done():
		}
	}()
	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			close(stop)
		})
	}
}
