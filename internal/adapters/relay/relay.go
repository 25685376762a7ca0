// Package relay is the signaling server: it authenticates websocket
// clients, tracks which chats they joined and forwards call messages to the
// other members of a chat.
package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/signaling"
)

type Config struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendQueue  int
	PerSecond  float64
	Burst      int
}

func DefaultConfig() Config {
	return Config{
		ReadLimit:  32768,
		PingPeriod: 54 * time.Second,
		WriteWait:  5 * time.Second,
		SendQueue:  64,
		PerSecond:  50,
		Burst:      100,
	}
}

type Relay struct {
	cfg      Config
	Registry *Registry
	Calls    *Calls
	Policy   Policy
	Limiter  *RateLimiter
	upgrader websocket.Upgrader
}

func New(cfg Config) *Relay {
	def := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	return &Relay{
		cfg:      cfg,
		Registry: NewRegistry(),
		Calls:    NewCalls(),
		Policy:   SimplePolicy{},
		Limiter:  NewRateLimiter(cfg.PerSecond, cfg.Burst),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and serves user until the connection or ctx
// ends. It returns once the connection is running. Headers already set on w,
// such as cookies, go out with the handshake.
func (rl *Relay) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, user domain.User) {
	ws, err := rl.upgrader.Upgrade(w, r, w.Header())
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	sid := core.SessionID(uuid.NewString())
	ctx, cancel := context.WithCancel(ctx)
	m := &member{
		sid:    sid,
		user:   user,
		conn:   ws,
		send:   make(chan []byte, rl.cfg.SendQueue),
		cancel: cancel,
		log:    log.With().Str("module", "relay").Str("sid", string(sid)).Str("user", string(user.ID)).Logger(),
	}
	rl.Registry.add(m)
	m.log.Info().Str("name", user.Name).Msg("new WS connection")

	go rl.writePump(ctx, m)
	go rl.readPump(ctx, m)
}

// Close drops every connection.
func (rl *Relay) Close() {
	for _, m := range rl.Registry.all() {
		m.close()
	}
}

func (rl *Relay) handle(m *member, frame []byte) {
	env, err := signaling.DecodeEnvelope(frame)
	if err != nil {
		m.log.Warn().Err(err).Msg("bad json")
		rl.sendError(m, "bad_payload")
		return
	}
	if !rl.Limiter.Allow(m.user.ID) {
		m.log.Warn().Str("event", string(env.Event)).Msg("rate limited")
		rl.sendError(m, "rate_limited")
		return
	}
	msg := signaling.NewMessage(env.Event, env.Data)

	switch env.Event {
	case signaling.EventChatJoin:
		rl.handleJoin(m, msg)
	case signaling.EventChatLeave:
		rl.handleLeave(m, msg)
	case signaling.EventCallStart:
		rl.handleStart(m, msg)
	case signaling.EventCallAnswer,
		signaling.EventCallICECandidate,
		signaling.EventCallReject,
		signaling.EventCallEnd:
		rl.forward(m, env.Event, msg, frame)
	default:
		m.log.Warn().Str("event", string(env.Event)).Msg("unknown event")
		rl.sendError(m, "unknown_event")
	}
}

func (rl *Relay) chatOf(m *member, msg signaling.Message) (domain.ChatID, bool) {
	var p signaling.ChatPayload
	if err := msg.Decode(&p); err != nil {
		m.log.Warn().Err(err).Msg("bad payload")
		rl.sendError(m, "bad_payload")
		return "", false
	}
	chat, err := domain.ParseChatID(string(p.ChatID))
	if err != nil {
		rl.sendError(m, "invalid_chat")
		return "", false
	}
	return chat, true
}

func (rl *Relay) handleJoin(m *member, msg signaling.Message) {
	chat, ok := rl.chatOf(m, msg)
	if !ok {
		return
	}
	rl.Registry.join(m.sid, chat)
	m.log.Info().Str("chat", string(chat)).Msg("join")
}

func (rl *Relay) handleLeave(m *member, msg signaling.Message) {
	chat, ok := rl.chatOf(m, msg)
	if !ok {
		return
	}
	rl.Registry.leave(m.sid, chat)
	m.log.Info().Str("chat", string(chat)).Msg("leave")
}

// handleStart turns a call:start into call:incoming for the other members,
// stamped with the caller's authenticated identity.
func (rl *Relay) handleStart(m *member, msg signaling.Message) {
	var p signaling.StartPayload
	if err := msg.Decode(&p); err != nil {
		m.log.Warn().Err(err).Msg("bad start payload")
		rl.sendError(m, "bad_payload")
		return
	}
	if !rl.Registry.isMember(m.sid, p.ChatID) {
		rl.sendError(m, "not_a_member")
		return
	}
	targets := rl.Registry.others(m, p.ChatID)
	if len(targets) == 0 {
		m.log.Info().Str("chat", string(p.ChatID)).Msg("call to empty chat")
		rl.send(m, p.ChatID, signaling.EventCallReject, signaling.RejectPayload{ChatID: p.ChatID, CallID: p.CallID, Reason: "unavailable"})
		return
	}
	frame, err := signaling.Encode(signaling.EventCallIncoming, signaling.IncomingPayload{
		ChatID:  p.ChatID,
		CallID:  p.CallID,
		Offer:   p.Offer,
		IsVideo: p.IsVideo,
		Caller:  m.user,
	})
	if err != nil {
		m.log.Error().Err(err).Msg("encode incoming")
		return
	}
	if p.CallID != "" {
		rl.Calls.start(p.CallID, p.ChatID, m, targets)
	}
	m.log.Info().Str("chat", string(p.ChatID)).Str("call", p.CallID).Int("targets", len(targets)).Bool("video", p.IsVideo).Msg("call start")
	for _, t := range targets {
		rl.deliver(t, p.ChatID, frame)
	}
}

// forward passes the frame through unchanged. Frames of a tracked call go
// only to its other end; the rest fan out to the other members of the chat.
func (rl *Relay) forward(m *member, event signaling.Event, msg signaling.Message, frame []byte) {
	var ref signaling.CallRef
	if err := msg.Decode(&ref); err != nil {
		m.log.Warn().Err(err).Msg("bad payload")
		rl.sendError(m, "bad_payload")
		return
	}
	chat, err := domain.ParseChatID(string(ref.ChatID))
	if err != nil {
		rl.sendError(m, "invalid_chat")
		return
	}
	if !rl.Registry.isMember(m.sid, chat) {
		rl.sendError(m, "not_a_member")
		return
	}
	if ref.CallID != "" {
		if r, ok := rl.Calls.route(ref.CallID, chat, m, event); ok {
			rl.routeCall(chat, ref.CallID, r, frame)
			return
		}
	}
	for _, t := range rl.Registry.others(m, chat) {
		rl.deliver(t, chat, frame)
	}
}

func (rl *Relay) routeCall(chat domain.ChatID, id string, r route, frame []byte) {
	for _, sid := range r.to {
		if t := rl.Registry.get(sid); t != nil {
			rl.deliver(t, chat, frame)
		}
	}
	for _, sid := range r.elsewhere {
		if t := rl.Registry.get(sid); t != nil {
			t.log.Info().Str("chat", string(chat)).Str("call", id).Msg("answered elsewhere")
			rl.send(t, chat, signaling.EventCallEnd, signaling.EndPayload{ChatID: chat, CallID: id, Reason: "answered-elsewhere"})
		}
	}
}

// dropRinging stops sid ringing and tells callers nobody is left to answer.
func (rl *Relay) dropRinging(sid core.SessionID) {
	for _, u := range rl.Calls.drop(sid) {
		if c := rl.Registry.get(u.caller); c != nil {
			rl.send(c, u.chat, signaling.EventCallReject, signaling.RejectPayload{ChatID: u.chat, CallID: u.id, Reason: "unavailable"})
		}
	}
}

func (rl *Relay) send(m *member, chat domain.ChatID, event signaling.Event, payload any) {
	frame, err := signaling.Encode(event, payload)
	if err != nil {
		m.log.Error().Err(err).Msg("encode")
		return
	}
	rl.deliver(m, chat, frame)
}

func (rl *Relay) sendError(m *member, reason string) {
	rl.send(m, "", signaling.EventError, signaling.ErrorPayload{Error: reason})
}

func (rl *Relay) deliver(m *member, chat domain.ChatID, frame []byte) {
	err := m.trySend(frame)
	if err == nil || errors.Is(err, ErrClosed) {
		return
	}
	switch rl.Policy.OnBackPressure(chat, m.user) {
	case KickMember:
		m.log.Warn().Str("chat", string(chat)).Msg("send queue full, kicking member")
		m.close()
	case MarkSlow:
		m.log.Warn().Str("chat", string(chat)).Msg("slow member")
	case DropFrame, NoAction:
	}
}
