package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rickgao/tcpsocket/internal/errs"
	"github.com/rickgao/tcpsocket/internal/registry"
	"github.com/rickgao/tcpsocket/internal/sink"
)

// Method names accepted in Request.Method.
const (
	MethodConnect            = "connect"
	MethodSendData           = "sendData"
	MethodClose              = "close"
	MethodSubscribe          = "subscribe"
	MethodUnsubscribe        = "unsubscribe"
	MethodGetPlatformVersion = "getPlatformVersion"
)

// Event names carried in EventFrame.Event.
const (
	EventData   = "data"
	EventError  = "error"
	EventClosed = "closed"
)

// Request is a command sent by a bridge client.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Response answers the Request with the same ID. Exactly one of Result and
// Error is set.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the JSON form of an errs.Error.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Err converts the wire error back into a tagged error.
func (e *WireError) Err() error {
	if e == nil {
		return nil
	}
	return &errs.Error{Kind: errs.Kind(e.Code), Message: e.Message}
}

func wireError(err error) *WireError {
	return &WireError{Code: string(errs.KindOf(err)), Message: errs.MessageOf(err)}
}

// EventFrame is an unsolicited message for a subscribed handle.
type EventFrame struct {
	Event  string          `json:"event"`
	Handle registry.Handle `json:"handle"`
	Data   ByteList        `json:"data,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

func eventFrame(ev sink.Event) EventFrame {
	f := EventFrame{Handle: ev.Handle}
	switch ev.Kind {
	case sink.KindData:
		f.Event = EventData
		f.Data = ev.Data
	case sink.KindError:
		f.Event = EventError
		f.Error = &WireError{Code: string(ev.ErrKind), Message: ev.Message}
	default:
		f.Event = EventClosed
	}
	return f
}

// ByteList is a byte slice encoded as a JSON array of integers 0..255.
type ByteList []byte

// MarshalJSON implements json.Marshaler.
func (b ByteList) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteList) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	if ints == nil {
		*b = nil
		return nil
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("data[%d] = %d is not a byte", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// ConnectArgs are the arguments of MethodConnect. Timeout is in
// milliseconds.
type ConnectArgs struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Timeout *int   `json:"timeout,omitempty"`
}

func (a ConnectArgs) timeout() time.Duration {
	if a.Timeout == nil {
		return 0
	}
	return time.Duration(*a.Timeout) * time.Millisecond
}

// SendDataArgs are the arguments of MethodSendData.
type SendDataArgs struct {
	ID   registry.Handle `json:"id"`
	Data ByteList        `json:"data"`
}

// HandleArgs are the arguments of MethodClose, MethodSubscribe and
// MethodUnsubscribe.
type HandleArgs struct {
	ID registry.Handle `json:"id"`
}
