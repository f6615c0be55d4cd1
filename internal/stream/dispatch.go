package stream

import "fmt"

type listenerEntry struct {
	id uint64
	l  Listener
}

type queued struct {
	epoch uint64
	fire  func(Listener)
}

// AddListener registers l. Listeners are invoked in registration order, one
// event at a time, never concurrently with each other.
func (c *Client) AddListener(l Listener) (remove func()) {
	c.mu.Lock()
	c.nextLid++
	id := c.nextLid
	c.listeners = append(c.listeners, listenerEntry{id: id, l: l})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.listeners {
			if e.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// emit queues an event for the listeners. Must be called with c.mu held so the
// queue order matches the order of state changes.
func (c *Client) emit(fire func(Listener)) {
	c.queue = append(c.queue, queued{epoch: c.epoch, fire: fire})
	if !c.dispatching {
		c.dispatching = true
		go c.dispatch()
	}
}

func (c *Client) dispatch() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.dispatching = false
			c.mu.Unlock()
			return
		}
		ev := c.queue[0]
		c.queue[0] = queued{}
		c.queue = c.queue[1:]
		if ev.epoch != c.epoch {
			c.mu.Unlock()
			continue
		}
		ls := make([]Listener, len(c.listeners))
		for i, e := range c.listeners {
			ls[i] = e.l
		}
		c.mu.Unlock()
		for _, l := range ls {
			if !c.live(ev.epoch) {
				break
			}
			c.invoke(l, ev.fire)
		}
	}
}

func (c *Client) live(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epoch == c.epoch
}

func (c *Client) invoke(l Listener, fire func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("panic", fmt.Sprint(r)).Msg("listener panicked")
		}
	}()
	fire(l)
}
