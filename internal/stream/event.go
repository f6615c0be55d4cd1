package stream

import "time"

// InboundEvent is a received frame. The payload is passed through untouched.
type InboundEvent struct {
	Kind       string
	Data       []byte
	ReceivedAt time.Time
	Seq        uint64
}

type OpenEvent struct {
	Endpoint string
	At       time.Time
}

type CloseEvent struct {
	Code      int
	Reason    string
	Clean     bool
	WillRetry bool
	Retry     int
}

type StateEvent struct {
	Old State
	New State
}

type Listener interface {
	OnOpen(OpenEvent)
	OnClose(CloseEvent)
	OnError(error)
	OnMessage(InboundEvent)
	OnStateChange(StateEvent)
}

// ListenerFuncs adapts plain functions to Listener; nil fields are skipped.
type ListenerFuncs struct {
	Open        func(OpenEvent)
	Close       func(CloseEvent)
	Error       func(error)
	Message     func(InboundEvent)
	StateChange func(StateEvent)
}

func (l ListenerFuncs) OnOpen(e OpenEvent) {
	if l.Open != nil {
		l.Open(e)
	}
}

func (l ListenerFuncs) OnClose(e CloseEvent) {
	if l.Close != nil {
		l.Close(e)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

func (l ListenerFuncs) OnMessage(e InboundEvent) {
	if l.Message != nil {
		l.Message(e)
	}
}

func (l ListenerFuncs) OnStateChange(e StateEvent) {
	if l.StateChange != nil {
		l.StateChange(e)
	}
}
