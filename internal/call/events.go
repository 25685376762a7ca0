package call

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// Event names a lifecycle notification.
type Event string

const (
	EventIncoming           Event = "call:incoming"
	EventStarted            Event = "call:started"
	EventAccepted           Event = "call:accepted"
	EventRemoteStream       Event = "call:remote-stream"
	EventConnected          Event = "call:connected"
	EventEnded              Event = "call:ended"
	EventError              Event = "call:error"
	EventMuteToggled        Event = "call:mute-toggled"
	EventVideoToggled       Event = "call:video-toggled"
	EventScreenShareToggled Event = "call:screen-share-toggled"
	EventStatus             Event = "call:status"
)

// Notification is what subscribers receive. Fields not relevant to the
// event are zero.
type Notification struct {
	Event     Event
	SessionID core.SessionID
	ChatID    domain.ChatID
	Role      Role
	Status    Status
	IsVideo   bool
	Caller    domain.User
	Stream    *RemoteStream
	// On carries the resulting flag of a toggle: muted, video off, or
	// sharing.
	On     bool
	Reason string
	Err    error
}

type SubscriptionID uint64

type bus struct {
	next atomic.Uint64

	mu   sync.RWMutex
	subs map[Event]map[SubscriptionID]func(Notification)
}

func newBus() *bus {
	return &bus{subs: make(map[Event]map[SubscriptionID]func(Notification))}
}

func (b *bus) on(e Event, fn func(Notification)) SubscriptionID {
	id := SubscriptionID(b.next.Add(1))
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subs[e]
	if !ok {
		m = make(map[SubscriptionID]func(Notification))
		b.subs[e] = m
	}
	m[id] = fn
	return id
}

func (b *bus) off(e Event, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[e], id)
}

func (b *bus) publish(n Notification) {
	b.mu.RLock()
	fns := make([]func(Notification), 0, len(b.subs[n.Event]))
	for _, fn := range b.subs[n.Event] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}
