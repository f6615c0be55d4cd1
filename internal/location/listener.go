package location

import "fmt"

type Listener interface {
	OnUpdate(Fix)
	OnError(error)
}

// ListenerFuncs adapts plain functions to Listener; nil fields are skipped.
type ListenerFuncs struct {
	Update func(Fix)
	Error  func(error)
}

func (l ListenerFuncs) OnUpdate(f Fix) {
	if l.Update != nil {
		l.Update(f)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

type listenerEntry struct {
	id uint64
	l  Listener
}

// AddListener registers l; listeners run in registration order.
func (t *Tracker) AddListener(l Listener) (remove func()) {
	t.mu.Lock()
	t.nextLid++
	id := t.nextLid
	t.listeners = append(t.listeners, listenerEntry{id: id, l: l})
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, e := range t.listeners {
			if e.id == id {
				t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

func (t *Tracker) listenerList() []Listener {
	ls := make([]Listener, len(t.listeners))
	for i, e := range t.listeners {
		ls[i] = e.l
	}
	return ls
}

func (t *Tracker) invoke(fire func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Str("panic", fmt.Sprint(r)).Msg("listener panicked")
		}
	}()
	fire()
}
