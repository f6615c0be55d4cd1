package eventstream

import (
	"sort"
	"sync"
)

// Subscriber receives envelopes for a channel. Push reports true once the
// subscriber is gone, which removes it from the list.
type Subscriber interface {
	Push(channel string, d []byte) (closed bool)
}

type SublistMap struct {
	mu   sync.Mutex
	list map[string]*Sublist
}

// Sublist is the set of subscribers of one channel plus the last envelope
// sent on it, replayed to late subscribers.
type Sublist struct {
	key  string
	mu   sync.Mutex
	list map[Subscriber]bool
	data []byte
}

func NewSublistMap() *SublistMap {
	return &SublistMap{list: map[string]*Sublist{}}
}

func (s *SublistMap) GetSublist(key string, create bool) (*Sublist, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.list[key]
	if ok {
		return l, true
	}
	if !create {
		return nil, false
	}
	l = &Sublist{key: key, list: map[Subscriber]bool{}}
	s.list[key] = l
	return l, true
}

// Keys lists channels that currently have at least one subscriber.
func (s *SublistMap) Keys() []string {
	s.mu.Lock()
	lists := make([]*Sublist, 0, len(s.list))
	for _, l := range s.list {
		lists = append(lists, l)
	}
	s.mu.Unlock()
	keys := []string{}
	for _, l := range lists {
		if l.Count() > 0 {
			keys = append(keys, l.key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list[sub] = true
	if s.data != nil {
		if sub.Push(s.key, s.data) {
			delete(s.list, sub)
		}
	}
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

// Send records d as the channel's last envelope and pushes it to every
// subscriber. It returns how many subscribers received it.
func (s *Sublist) Send(d []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = d
	n := 0
	for sub := range s.list {
		if sub.Push(s.key, d) {
			delete(s.list, sub)
			continue
		}
		n++
	}
	return n
}

func (s *Sublist) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}
