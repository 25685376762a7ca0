package signaling

import (
	"sync"
	"sync/atomic"
)

// Handler receives inbound messages of one event type.
type Handler func(Message)

// ListenerID identifies a registration for later removal.
type ListenerID uint64

// listenerSet is owned by the Channel, not by the transport, so replacing the
// underlying connection on reconnect never loses a registration.
type listenerSet struct {
	next atomic.Uint64

	mu        sync.RWMutex
	byEvent   map[Event]map[ListenerID]Handler
	reconnect map[ListenerID]func()
	fatal     map[ListenerID]func(error)
}

func newListenerSet() *listenerSet {
	return &listenerSet{
		byEvent:   make(map[Event]map[ListenerID]Handler),
		reconnect: make(map[ListenerID]func()),
		fatal:     make(map[ListenerID]func(error)),
	}
}

func (l *listenerSet) add(event Event, h Handler) ListenerID {
	id := ListenerID(l.next.Add(1))
	l.mu.Lock()
	defer l.mu.Unlock()
	hs, ok := l.byEvent[event]
	if !ok {
		hs = make(map[ListenerID]Handler)
		l.byEvent[event] = hs
	}
	hs[id] = h
	return id
}

func (l *listenerSet) remove(event Event, id ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hs, ok := l.byEvent[event]; ok {
		delete(hs, id)
		if len(hs) == 0 {
			delete(l.byEvent, event)
		}
	}
}

func (l *listenerSet) addReconnect(fn func()) ListenerID {
	id := ListenerID(l.next.Add(1))
	l.mu.Lock()
	l.reconnect[id] = fn
	l.mu.Unlock()
	return id
}

func (l *listenerSet) removeReconnect(id ListenerID) {
	l.mu.Lock()
	delete(l.reconnect, id)
	l.mu.Unlock()
}

func (l *listenerSet) addFatal(fn func(error)) ListenerID {
	id := ListenerID(l.next.Add(1))
	l.mu.Lock()
	l.fatal[id] = fn
	l.mu.Unlock()
	return id
}

func (l *listenerSet) removeFatal(id ListenerID) {
	l.mu.Lock()
	delete(l.fatal, id)
	l.mu.Unlock()
}

// dispatch calls every handler for msg.Event outside the lock, so handlers
// may register or emit.
func (l *listenerSet) dispatch(msg Message) int {
	l.mu.RLock()
	hs := make([]Handler, 0, len(l.byEvent[msg.Event]))
	for _, h := range l.byEvent[msg.Event] {
		hs = append(hs, h)
	}
	l.mu.RUnlock()
	for _, h := range hs {
		h(msg)
	}
	return len(hs)
}

func (l *listenerSet) fireReconnect() {
	l.mu.RLock()
	fns := make([]func(), 0, len(l.reconnect))
	for _, fn := range l.reconnect {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (l *listenerSet) fireFatal(err error) {
	l.mu.RLock()
	fns := make([]func(error), 0, len(l.fatal))
	for _, fn := range l.fatal {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (l *listenerSet) count(event Event) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byEvent[event])
}
