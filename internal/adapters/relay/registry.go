package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// Registry tracks live connections and the chats each one has joined.
type Registry struct {
	mu      sync.RWMutex
	members map[core.SessionID]*member
	chats   map[domain.ChatID]map[core.SessionID]struct{}
	joined  map[core.SessionID]map[domain.ChatID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[core.SessionID]*member),
		chats:   make(map[domain.ChatID]map[core.SessionID]struct{}),
		joined:  make(map[core.SessionID]map[domain.ChatID]struct{}),
	}
}

func (r *Registry) add(m *member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[m.sid] = m
	r.joined[m.sid] = make(map[domain.ChatID]struct{})
	log.Info().Str("module", "relay.registry").Str("sid", string(m.sid)).Str("user", string(m.user.ID)).Msg("bound connection")
}

// remove drops sid and all of its chat memberships.
func (r *Registry) remove(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for chat := range r.joined[sid] {
		r.leaveLocked(sid, chat)
	}
	delete(r.joined, sid)
	delete(r.members, sid)
	log.Info().Str("module", "relay.registry").Str("sid", string(sid)).Msg("unbind connection")
}

func (r *Registry) get(sid core.SessionID) *member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[sid]
}

func (r *Registry) join(sid core.SessionID, chat domain.ChatID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	chats, ok := r.joined[sid]
	if !ok {
		return false
	}
	chats[chat] = struct{}{}
	set, ok := r.chats[chat]
	if !ok {
		set = make(map[core.SessionID]struct{})
		r.chats[chat] = set
	}
	set[sid] = struct{}{}
	return true
}

func (r *Registry) leave(sid core.SessionID, chat domain.ChatID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sid, chat)
}

func (r *Registry) leaveLocked(sid core.SessionID, chat domain.ChatID) {
	delete(r.joined[sid], chat)
	if set, ok := r.chats[chat]; ok {
		delete(set, sid)
		if len(set) == 0 {
			delete(r.chats, chat)
		}
	}
}

func (r *Registry) isMember(sid core.SessionID, chat domain.ChatID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chats[chat][sid]
	return ok
}

// others returns the connections in chat that belong to a different user
// than from.
func (r *Registry) others(from *member, chat domain.ChatID) []*member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*member, 0, len(r.chats[chat]))
	for sid := range r.chats[chat] {
		m := r.members[sid]
		if m == nil || m.user.ID == from.user.ID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Members counts the connections joined to chat.
func (r *Registry) Members(chat domain.ChatID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chats[chat])
}

// Connections counts live connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Registry) online(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m.user.ID == uid {
			return true
		}
	}
	return false
}

func (r *Registry) all() []*member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}
