// Package call drives one peer-to-peer call at a time: offer/answer over
// the signaling channel, ICE candidate ordering, and the session lifecycle.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/media"
	"github.com/dkeye/Call/internal/signaling"
)

var (
	ErrBusy         = errors.New("another call is active")
	ErrNoCall       = errors.New("no active call")
	ErrInvalidState = errors.New("not valid in the current call state")
	ErrSessionEnded = errors.New("call ended while the operation was in flight")
	ErrSetupTimeout = errors.New("call setup timed out")
)

// Signaling is the part of the signaling channel the orchestrator uses.
// *signaling.Channel satisfies it.
type Signaling interface {
	Emit(event signaling.Event, payload any) error
	On(event signaling.Event, h signaling.Handler) signaling.ListenerID
	Off(event signaling.Event, id signaling.ListenerID)
	OnReconnect(fn func()) signaling.ListenerID
	OffReconnect(id signaling.ListenerID)
	OnFatal(fn func(error)) signaling.ListenerID
	OffFatal(id signaling.ListenerID)
}

type Config struct {
	// SetupTimeout bounds Outgoing/Incoming → Connected. Zero disables it.
	SetupTimeout   time.Duration
	ICEBufferLimit int
}

func DefaultConfig() Config {
	return Config{SetupTimeout: 30 * time.Second, ICEBufferLimit: DefaultICEBufferLimit}
}

// Orchestrator owns the current call session. Lock order is session opMu,
// then mu; nothing blocking runs under mu.
type Orchestrator struct {
	cfg     Config
	sig     Signaling
	pcs     core.PeerConnectionFactory
	devices media.Devices
	events  *bus

	mu       sync.Mutex
	cur      *Session
	subs     map[signaling.Event]signaling.ListenerID
	reconnID signaling.ListenerID
	fatalID  signaling.ListenerID
	started  bool
}

func New(cfg Config, sig Signaling, pcs core.PeerConnectionFactory, devices media.Devices) *Orchestrator {
	if cfg.ICEBufferLimit <= 0 {
		cfg.ICEBufferLimit = DefaultICEBufferLimit
	}
	return &Orchestrator{
		cfg:     cfg,
		sig:     sig,
		pcs:     pcs,
		devices: devices,
		events:  newBus(),
	}
}

// Start subscribes to inbound call messages. Calling it again is a no-op.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	handlers := map[signaling.Event]signaling.Handler{
		signaling.EventCallIncoming:     o.onIncoming,
		signaling.EventCallAnswer:       o.onAnswer,
		signaling.EventCallICECandidate: o.onCandidate,
		signaling.EventCallReject:       o.onReject,
		signaling.EventCallEnd:          o.onEnd,
	}
	o.subs = make(map[signaling.Event]signaling.ListenerID, len(handlers))
	for e, h := range handlers {
		o.subs[e] = o.sig.On(e, h)
	}
	o.reconnID = o.sig.OnReconnect(o.onReconnect)
	o.fatalID = o.sig.OnFatal(o.onSignalingLost)
}

// Close ends any call and drops the signaling subscriptions.
func (o *Orchestrator) Close() {
	_ = o.EndCall()
	o.mu.Lock()
	subs, rid, fid, started := o.subs, o.reconnID, o.fatalID, o.started
	o.subs, o.started = nil, false
	o.mu.Unlock()
	if !started {
		return
	}
	for e, id := range subs {
		o.sig.Off(e, id)
	}
	o.sig.OffReconnect(rid)
	o.sig.OffFatal(fid)
}

// On subscribes fn to lifecycle notifications of e.
func (o *Orchestrator) On(e Event, fn func(Notification)) SubscriptionID {
	return o.events.on(e, fn)
}

func (o *Orchestrator) Off(e Event, id SubscriptionID) {
	o.events.off(e, id)
}

// Status of the current session; Idle when there has been none.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return StatusIdle
	}
	return o.cur.status
}

// Current returns a snapshot of the current session.
func (o *Orchestrator) Current() (Info, bool) {
	o.mu.Lock()
	s := o.cur
	if s == nil {
		o.mu.Unlock()
		return Info{}, false
	}
	info := Info{
		ID:      s.ID,
		CallID:  s.CallID,
		ChatID:  s.ChatID,
		Role:    s.Role,
		Status:  s.status,
		IsVideo: s.IsVideo,
		Peer:    s.Peer,
	}
	ctrl := s.media
	o.mu.Unlock()
	if ctrl != nil {
		info.Media = ctrl.Flags()
	}
	return info, true
}

// StartCall places a call in chat. Audio is always captured, the camera only
// when video is set.
func (o *Orchestrator) StartCall(ctx context.Context, chat domain.ChatID, video bool) error {
	if chat == "" {
		return domain.ErrChatIDInvalid
	}
	o.mu.Lock()
	if o.cur != nil && !o.cur.status.Terminal() {
		o.mu.Unlock()
		return ErrBusy
	}
	s := newSession(chat, RoleCaller, video, o.cfg.ICEBufferLimit)
	ctrl := media.NewController(o.devices)
	s.media = ctrl
	o.cur = s
	s.opMu.Lock()
	o.mu.Unlock()
	defer s.opMu.Unlock()

	s.log.Info().Bool("video", video).Msg("starting call")
	ctx, stop := joinCtx(ctx, s.ctx)
	defer stop()

	if err := ctrl.Acquire(ctx, video); err != nil {
		return o.abort(s, err)
	}
	pc, err := o.newPeerConnection(s)
	if err != nil {
		return err
	}
	if err := ctrl.Attach(pc); err != nil {
		return o.abort(s, core.NewError(core.KindPeerConnection, "add track", err))
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		return o.abort(s, core.NewError(core.KindPeerConnection, "create offer", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return o.abort(s, core.NewError(core.KindPeerConnection, "set local offer", err))
	}
	if o.ended(s) {
		return ErrSessionEnded
	}
	err = o.sig.Emit(signaling.EventCallStart, signaling.StartPayload{
		ChatID:  chat,
		CallID:  s.CallID,
		Offer:   signaling.FromDescription(offer),
		IsVideo: video,
	})
	if err != nil {
		return o.abort(s, err)
	}

	o.mu.Lock()
	if s.status.Terminal() {
		o.mu.Unlock()
		// the start went out after a local end; tell the peer it is over
		_ = o.sig.Emit(signaling.EventCallEnd, signaling.EndPayload{ChatID: chat, CallID: s.CallID, Reason: "cancelled"})
		return ErrSessionEnded
	}
	notes := o.moveLocked(s, StatusOutgoing)
	notes = append(notes, o.noteLocked(s, EventStarted))
	o.announceLocked(s)
	o.armTimerLocked(s)
	o.mu.Unlock()

	o.publish(notes...)
	return nil
}

// AcceptCall answers the incoming call with media matching its type.
func (o *Orchestrator) AcceptCall(ctx context.Context) error {
	o.mu.Lock()
	s := o.cur
	if s == nil || s.Role != RoleCallee || s.status != StatusIncoming {
		o.mu.Unlock()
		return ErrInvalidState
	}
	o.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	o.mu.Lock()
	if s.status != StatusIncoming {
		o.mu.Unlock()
		if s.status.Terminal() {
			return ErrSessionEnded
		}
		return ErrInvalidState
	}
	notes := o.moveLocked(s, StatusConnecting)
	ctrl := media.NewController(o.devices)
	s.media = ctrl
	o.mu.Unlock()
	o.publish(notes...)

	s.log.Info().Bool("video", s.IsVideo).Msg("accepting call")
	ctx, stop := joinCtx(ctx, s.ctx)
	defer stop()

	if err := ctrl.Acquire(ctx, s.IsVideo); err != nil {
		return o.abort(s, err)
	}
	pc, err := o.newPeerConnection(s)
	if err != nil {
		return err
	}
	if err := ctrl.Attach(pc); err != nil {
		return o.abort(s, core.NewError(core.KindPeerConnection, "add track", err))
	}
	offer, err := s.offer.Description(webrtc.SDPTypeOffer)
	if err != nil {
		return o.abort(s, err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return o.abort(s, core.NewError(core.KindInvalidOffer, "set remote offer", err))
	}
	if err := s.ice.Flush(pc); err != nil {
		s.log.Warn().Err(err).Msg("buffered candidates refused")
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		return o.abort(s, core.NewError(core.KindPeerConnection, "create answer", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return o.abort(s, core.NewError(core.KindPeerConnection, "set local answer", err))
	}
	if o.ended(s) {
		return ErrSessionEnded
	}
	err = o.sig.Emit(signaling.EventCallAnswer, signaling.AnswerPayload{
		ChatID: s.ChatID,
		CallID: s.CallID,
		Answer: signaling.FromDescription(answer),
	})
	if err != nil {
		return o.abort(s, err)
	}

	o.mu.Lock()
	if s.status.Terminal() {
		o.mu.Unlock()
		return ErrSessionEnded
	}
	o.announceLocked(s)
	notes = []Notification{o.noteLocked(s, EventAccepted)}
	o.mu.Unlock()
	o.publish(notes...)
	return nil
}

// RejectCall declines the incoming call without touching any device.
func (o *Orchestrator) RejectCall() error {
	o.mu.Lock()
	s := o.cur
	if s == nil || s.status != StatusIncoming {
		o.mu.Unlock()
		return ErrInvalidState
	}
	o.mu.Unlock()

	if ok, _ := o.teardown(s, StatusEnded, "rejected", nil, false); !ok {
		return ErrSessionEnded
	}
	return o.sig.Emit(signaling.EventCallReject, signaling.RejectPayload{ChatID: s.ChatID, CallID: s.CallID})
}

// EndCall hangs up. Tracks are released and the peer connection closed
// before it returns; an error only means the peer could not be told.
func (o *Orchestrator) EndCall() error {
	o.mu.Lock()
	s := o.cur
	o.mu.Unlock()
	if s == nil {
		return nil
	}
	_, err := o.teardown(s, StatusEnded, "hangup", nil, true)
	return err
}

func (o *Orchestrator) ToggleMute() (bool, error) {
	s, ctrl := o.liveMedia()
	if ctrl == nil {
		return false, ErrNoCall
	}
	muted, err := ctrl.ToggleMute()
	if err != nil {
		return false, err
	}
	o.publishToggle(s, EventMuteToggled, muted)
	return muted, nil
}

func (o *Orchestrator) ToggleVideo() (bool, error) {
	s, ctrl := o.liveMedia()
	if ctrl == nil {
		return false, ErrNoCall
	}
	off, err := ctrl.ToggleVideo()
	if err != nil {
		return false, err
	}
	o.publishToggle(s, EventVideoToggled, off)
	return off, nil
}

// ToggleScreenShare swaps the outbound video between camera and screen. A
// refused display capture is reported as call:error but keeps the call up.
func (o *Orchestrator) ToggleScreenShare(ctx context.Context) (bool, error) {
	s, ctrl := o.liveMedia()
	if ctrl == nil {
		return false, ErrNoCall
	}
	on, err := ctrl.ToggleScreenShare(ctx)
	if err != nil {
		if core.KindOf(err) != core.KindUnknown {
			o.mu.Lock()
			n := o.noteLocked(s, EventError)
			o.mu.Unlock()
			n.Err = err
			o.publish(n)
		}
		return false, err
	}
	o.publishToggle(s, EventScreenShareToggled, on)
	return on, nil
}

func (o *Orchestrator) onReconnect() {
	o.mu.Lock()
	s := o.cur
	o.mu.Unlock()
	if s != nil && !s.status.Terminal() {
		s.log.Info().Str("status", s.status.String()).Msg("signaling restored during call")
	}
}

// onSignalingLost fails the live session once the channel has given up
// reconnecting; frames queued for replay, such as call:start, are gone.
func (o *Orchestrator) onSignalingLost(err error) {
	o.mu.Lock()
	s := o.cur
	o.mu.Unlock()
	if s == nil {
		return
	}
	if core.KindOf(err) != core.KindSignalingConnection {
		err = core.NewError(core.KindSignalingConnection, "signaling", err)
	}
	o.fail(s, err, "signaling-lost")
}

func (o *Orchestrator) onIncoming(msg signaling.Message) {
	var p signaling.IncomingPayload
	if err := msg.Decode(&p); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("bad incoming payload")
		return
	}
	if _, err := p.Offer.Description(webrtc.SDPTypeOffer); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("chat", string(p.ChatID)).Msg("invalid offer, rejecting")
		_ = o.sig.Emit(signaling.EventCallReject, signaling.RejectPayload{ChatID: p.ChatID, CallID: p.CallID, Reason: "invalid-offer"})
		o.publish(Notification{Event: EventError, ChatID: p.ChatID, Role: RoleCallee, Caller: p.Caller, Err: err})
		return
	}

	o.mu.Lock()
	if cur := o.cur; cur != nil && !cur.status.Terminal() {
		dup := cur.ChatID == p.ChatID && cur.CallID == p.CallID && cur.Role == RoleCallee
		o.mu.Unlock()
		if dup {
			cur.log.Debug().Msg("duplicate incoming ignored")
			return
		}
		log.Info().Str("module", "call").Str("chat", string(p.ChatID)).Msg("busy, rejecting incoming call")
		_ = o.sig.Emit(signaling.EventCallReject, signaling.RejectPayload{ChatID: p.ChatID, CallID: p.CallID, Reason: "busy"})
		return
	}
	s := newSession(p.ChatID, RoleCallee, p.IsVideo, o.cfg.ICEBufferLimit)
	s.Peer = p.Caller
	s.CallID = p.CallID
	s.offer = p.Offer
	o.cur = s
	notes := o.moveLocked(s, StatusIncoming)
	notes = append(notes, o.noteLocked(s, EventIncoming))
	o.armTimerLocked(s)
	o.mu.Unlock()

	s.log.Info().Str("caller", string(p.Caller.ID)).Bool("video", p.IsVideo).Msg("incoming call")
	o.publish(notes...)
}

func (o *Orchestrator) onAnswer(msg signaling.Message) {
	var p signaling.AnswerPayload
	if err := msg.Decode(&p); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("bad answer payload")
		return
	}
	s := o.match(p.ChatID, p.CallID)
	if s == nil || s.Role != RoleCaller {
		log.Debug().Str("module", "call").Str("chat", string(p.ChatID)).Msg("answer for no outgoing call")
		return
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	o.mu.Lock()
	if s.status != StatusOutgoing {
		o.mu.Unlock()
		s.log.Debug().Str("status", s.status.String()).Msg("answer ignored")
		return
	}
	pc := s.pc
	o.mu.Unlock()

	answer, err := p.Answer.Description(webrtc.SDPTypeAnswer)
	if err != nil {
		o.fail(s, err, "invalid-answer")
		return
	}
	o.mu.Lock()
	notes := o.moveLocked(s, StatusConnecting)
	o.mu.Unlock()
	o.publish(notes...)

	if err := pc.SetRemoteDescription(answer); err != nil {
		o.fail(s, core.NewError(core.KindInvalidOffer, "set remote answer", err), "invalid-answer")
		return
	}
	if err := s.ice.Flush(pc); err != nil {
		s.log.Warn().Err(err).Msg("buffered candidates refused")
	}

	o.mu.Lock()
	if s.status.Terminal() {
		o.mu.Unlock()
		return
	}
	notes = []Notification{o.noteLocked(s, EventAccepted)}
	o.mu.Unlock()
	s.log.Info().Msg("answer applied")
	o.publish(notes...)
}

func (o *Orchestrator) onCandidate(msg signaling.Message) {
	var p signaling.CandidatePayload
	if err := msg.Decode(&p); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("bad candidate payload")
		return
	}
	s := o.match(p.ChatID, p.CallID)
	if s == nil {
		return
	}
	err := s.ice.Offer(p.Candidate)
	switch {
	case err == nil:
	case core.KindOf(err) == core.KindProtocolViolation:
		o.fail(s, err, "protocol-violation")
	default:
		s.log.Warn().Err(err).Msg("remote candidate refused")
	}
}

func (o *Orchestrator) onReject(msg signaling.Message) {
	var p signaling.RejectPayload
	if err := msg.Decode(&p); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("bad reject payload")
		return
	}
	if s := o.match(p.ChatID, p.CallID); s != nil {
		reason := p.Reason
		if reason == "" {
			reason = "rejected"
		}
		o.teardown(s, StatusEnded, reason, nil, false)
	}
}

func (o *Orchestrator) onEnd(msg signaling.Message) {
	var p signaling.EndPayload
	if err := msg.Decode(&p); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("bad end payload")
		return
	}
	if s := o.match(p.ChatID, p.CallID); s != nil {
		reason := p.Reason
		if reason == "" {
			reason = "remote"
		}
		o.teardown(s, StatusEnded, reason, nil, false)
	}
}

// newPeerConnection creates and wires the session's peer connection. A
// session that ended meanwhile gets nothing; the connection is closed.
func (o *Orchestrator) newPeerConnection(s *Session) (core.PeerConnection, error) {
	pc, err := o.pcs.NewPeerConnection(s.ID)
	if err != nil {
		return nil, o.abort(s, core.NewError(core.KindPeerConnection, "new peer connection", err))
	}
	o.mu.Lock()
	if s.status.Terminal() {
		o.mu.Unlock()
		_ = pc.Close()
		return nil, ErrSessionEnded
	}
	s.pc = pc
	ctrl := s.media
	o.mu.Unlock()

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		o.mu.Lock()
		defer o.mu.Unlock()
		if s.status.Terminal() {
			return
		}
		if !s.announced {
			s.localCands = append(s.localCands, c)
			return
		}
		o.sendCandidateLocked(s, c)
	})
	pc.OnTrack(func(t core.RemoteTrack) {
		o.mu.Lock()
		if s.status.Terminal() {
			o.mu.Unlock()
			return
		}
		s.remote.add(t)
		n := o.noteLocked(s, EventRemoteStream)
		n.Stream = s.remote
		o.mu.Unlock()
		s.log.Info().Str("kind", t.Kind().String()).Str("track_id", t.ID()).Msg("remote track")
		o.publish(n)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.log.Debug().Str("peer_connection_state", st.String()).Msg("peer state")
		switch st {
		case webrtc.PeerConnectionStateConnected:
			o.mu.Lock()
			notes := o.moveLocked(s, StatusConnected)
			if len(notes) > 0 {
				if s.timer != nil {
					s.timer.Stop()
				}
				notes = append(notes, o.noteLocked(s, EventConnected))
			}
			o.mu.Unlock()
			o.publish(notes...)
		case webrtc.PeerConnectionStateFailed:
			o.fail(s, core.Errorf(core.KindPeerConnection, "ice", "peer connection failed"), "failed")
		}
	})
	if ctrl != nil {
		ctrl.OnScreenShareEnded(func() { o.publishToggle(s, EventScreenShareToggled, false) })
	}
	return pc, nil
}

// announceLocked marks the session known to the peer and sends the local
// candidates gathered so far, in order.
func (o *Orchestrator) announceLocked(s *Session) {
	s.announced = true
	for _, c := range s.localCands {
		o.sendCandidateLocked(s, c)
	}
	s.localCands = nil
}

func (o *Orchestrator) sendCandidateLocked(s *Session, c webrtc.ICECandidateInit) {
	err := o.sig.Emit(signaling.EventCallICECandidate, signaling.CandidatePayload{ChatID: s.ChatID, CallID: s.CallID, Candidate: c})
	if err != nil {
		s.log.Warn().Err(err).Msg("send candidate")
	}
}

func (o *Orchestrator) armTimerLocked(s *Session) {
	if o.cfg.SetupTimeout <= 0 {
		return
	}
	s.timer = time.AfterFunc(o.cfg.SetupTimeout, func() {
		o.mu.Lock()
		st := s.status
		o.mu.Unlock()
		if st == StatusConnected || st.Terminal() {
			return
		}
		s.log.Warn().Str("status", st.String()).Dur("after", o.cfg.SetupTimeout).Msg("setup timeout")
		o.fail(s, core.NewError(core.KindPeerConnection, "setup", ErrSetupTimeout), "timeout")
	})
}

// abort converts a failed step into Failed, or into ErrSessionEnded when
// the session was already torn down by someone else.
func (o *Orchestrator) abort(s *Session, err error) error {
	if !o.fail(s, err, "failed") {
		return ErrSessionEnded
	}
	return err
}

func (o *Orchestrator) fail(s *Session, err error, reason string) bool {
	ok, _ := o.teardown(s, StatusFailed, reason, err, true)
	if ok {
		s.log.Error().Err(err).Str("kind", core.KindOf(err).String()).Msg("call failed")
	}
	return ok
}

// teardown moves s to a terminal status and releases everything it holds.
// Only the first caller for a session does any work. Release is synchronous
// and does not wait on the network or on an in-flight operation.
func (o *Orchestrator) teardown(s *Session, to Status, reason string, cause error, notifyPeer bool) (bool, error) {
	o.mu.Lock()
	if s.status.Terminal() {
		o.mu.Unlock()
		return false, nil
	}
	s.status = to
	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel()
	s.localCands = nil
	tell := notifyPeer && s.peerKnows()
	pc, ctrl := s.pc, s.media
	notes := []Notification{o.noteLocked(s, EventStatus)}
	switch to {
	case StatusEnded:
		n := o.noteLocked(s, EventEnded)
		n.Reason = reason
		notes = append(notes, n)
	case StatusFailed:
		n := o.noteLocked(s, EventError)
		n.Reason = reason
		n.Err = cause
		notes = append(notes, n)
	}
	o.mu.Unlock()

	var err error
	if tell {
		err = o.sig.Emit(signaling.EventCallEnd, signaling.EndPayload{ChatID: s.ChatID, CallID: s.CallID, Reason: reason})
		if err != nil {
			s.log.Warn().Err(err).Msg("could not notify peer of end")
		}
	}
	if ctrl != nil {
		ctrl.Release()
	}
	if pc != nil {
		if cerr := pc.Close(); cerr != nil {
			s.log.Error().Err(cerr).Msg("close peer connection")
		}
	}
	s.ice.Reset()
	s.log.Info().Str("status", to.String()).Str("reason", reason).Msg("call over")
	o.publish(notes...)
	return true, err
}

// match returns the live session a message addresses. Messages for another
// call in the same chat, such as a second device of the callee hanging up,
// do not match.
func (o *Orchestrator) match(chat domain.ChatID, callID string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s := o.cur; s != nil && s.ChatID == chat && s.CallID == callID && !s.status.Terminal() {
		return s
	}
	return nil
}

func (o *Orchestrator) ended(s *Session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return s.status.Terminal()
}

func (o *Orchestrator) liveMedia() (*Session, *media.Controller) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.cur
	if s == nil || s.status.Terminal() || s.media == nil {
		return nil, nil
	}
	return s, s.media
}

func (o *Orchestrator) publishToggle(s *Session, e Event, on bool) {
	o.mu.Lock()
	n := o.noteLocked(s, e)
	o.mu.Unlock()
	n.On = on
	o.publish(n)
}

// moveLocked applies a forward transition and returns its status note.
func (o *Orchestrator) moveLocked(s *Session, to Status) []Notification {
	if !CanMove(s.status, to) {
		return nil
	}
	s.status = to
	return []Notification{o.noteLocked(s, EventStatus)}
}

func (o *Orchestrator) noteLocked(s *Session, e Event) Notification {
	return Notification{
		Event:     e,
		SessionID: s.ID,
		ChatID:    s.ChatID,
		Role:      s.Role,
		Status:    s.status,
		IsVideo:   s.IsVideo,
		Caller:    s.Peer,
	}
}

func (o *Orchestrator) publish(notes ...Notification) {
	for _, n := range notes {
		o.events.publish(n)
	}
}

// joinCtx returns a context cancelled when either a or b is done.
func joinCtx(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
