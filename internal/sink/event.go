// Package sink delivers inbound data and error notifications for a
// connection to whichever consumer is currently bound to its handle.
package sink

import (
	"time"

	"github.com/rickgao/tcpsocket/internal/errs"
	"github.com/rickgao/tcpsocket/internal/registry"
)

// Kind identifies the type of an Event.
type Kind string

const (
	KindData   Kind = "data"
	KindError  Kind = "error"
	KindClosed Kind = "closed" // end of stream, always the last event for a handle
)

// Event is one notification for a handle.
type Event struct {
	Handle  registry.Handle
	Kind    Kind
	Data    []byte    // KindData only; owned by the receiver
	ErrKind errs.Kind // KindError only
	Message string    // KindError only
	At      time.Time // when the producer observed it
}

// Data builds a data event. data is not copied.
func Data(h registry.Handle, data []byte) Event {
	return Event{Handle: h, Kind: KindData, Data: data, At: time.Now()}
}

// Error builds an error event from err, keeping its errs.Kind when tagged.
func Error(h registry.Handle, err error) Event {
	return Event{
		Handle:  h,
		Kind:    KindError,
		ErrKind: errs.KindOf(err),
		Message: errs.MessageOf(err),
		At:      time.Now(),
	}
}

// Closed builds the end-of-stream event.
func Closed(h registry.Handle) Event {
	return Event{Handle: h, Kind: KindClosed, At: time.Now()}
}

// Sink is a delivery destination. Send must not block; it reports false when
// the event was dropped.
type Sink interface {
	Send(Event) bool
}

// Func adapts a function to Sink. The function must not block.
type Func func(Event) bool

// Send implements Sink.
func (f Func) Send(ev Event) bool {
	return f(ev)
}
