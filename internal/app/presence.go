package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/signaling"
)

type presenceSignal interface {
	Emit(event signaling.Event, payload any) error
	OnReconnect(fn func()) signaling.ListenerID
	OffReconnect(id signaling.ListenerID)
}

// Presence remembers the chats this client wants to receive calls for and
// announces them again after every (re)connect, since the relay forgets a
// connection's chats when it drops.
type Presence struct {
	sig presenceSignal

	mu    sync.Mutex
	chats map[domain.ChatID]struct{}
	rid   signaling.ListenerID
}

func NewPresence(sig presenceSignal) *Presence {
	p := &Presence{sig: sig, chats: make(map[domain.ChatID]struct{})}
	p.rid = sig.OnReconnect(p.rejoin)
	return p
}

// Join records chat and announces it now if the channel is up.
func (p *Presence) Join(chat domain.ChatID) error {
	if _, err := domain.ParseChatID(string(chat)); err != nil {
		return err
	}
	p.mu.Lock()
	p.chats[chat] = struct{}{}
	p.mu.Unlock()
	if err := p.sig.Emit(signaling.EventChatJoin, signaling.ChatPayload{ChatID: chat}); err != nil {
		log.Debug().Err(err).Str("module", "presence").Str("chat", string(chat)).Msg("join deferred to next connect")
	}
	return nil
}

func (p *Presence) Leave(chat domain.ChatID) {
	p.mu.Lock()
	_, ok := p.chats[chat]
	delete(p.chats, chat)
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := p.sig.Emit(signaling.EventChatLeave, signaling.ChatPayload{ChatID: chat}); err != nil {
		log.Debug().Err(err).Str("module", "presence").Str("chat", string(chat)).Msg("leave not sent")
	}
}

// Chats lists the joined chats in order.
func (p *Presence) Chats() []domain.ChatID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ChatID, 0, len(p.chats))
	for c := range p.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Presence) rejoin() {
	chats := p.Chats()
	for _, chat := range chats {
		if err := p.sig.Emit(signaling.EventChatJoin, signaling.ChatPayload{ChatID: chat}); err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("chat", string(chat)).Msg("rejoin")
		}
	}
	if len(chats) > 0 {
		log.Info().Str("module", "presence").Int("chats", len(chats)).Msg("rejoined chats")
	}
}

func (p *Presence) Close() {
	p.sig.OffReconnect(p.rid)
}
