package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/media"
	"github.com/dkeye/Call/internal/signaling"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

// fakeBus stands in for the signaling channel: handlers are called
// synchronously by deliver and every Emit is recorded.
type fakeBus struct {
	mu        sync.Mutex
	next      signaling.ListenerID
	handlers  map[signaling.Event]map[signaling.ListenerID]signaling.Handler
	reconnect map[signaling.ListenerID]func()
	fatal     map[signaling.ListenerID]func(error)
	sent      []sentMsg
	down      atomic.Bool
}

type sentMsg struct {
	Event signaling.Event
	Data  json.RawMessage
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers:  make(map[signaling.Event]map[signaling.ListenerID]signaling.Handler),
		reconnect: make(map[signaling.ListenerID]func()),
		fatal:     make(map[signaling.ListenerID]func(error)),
	}
}

func (b *fakeBus) Emit(event signaling.Event, payload any) error {
	if b.down.Load() {
		return core.NewError(core.KindSignalingConnection, "emit "+string(event), signaling.ErrNotConnected)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sent = append(b.sent, sentMsg{Event: event, Data: data})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) On(event signaling.Event, h signaling.Handler) signaling.ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[signaling.ListenerID]signaling.Handler)
	}
	b.handlers[event][b.next] = h
	return b.next
}

func (b *fakeBus) Off(event signaling.Event, id signaling.ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[event], id)
}

func (b *fakeBus) OnReconnect(fn func()) signaling.ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.reconnect[b.next] = fn
	return b.next
}

func (b *fakeBus) OffReconnect(id signaling.ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reconnect, id)
}

func (b *fakeBus) OnFatal(fn func(error)) signaling.ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.fatal[b.next] = fn
	return b.next
}

func (b *fakeBus) OffFatal(id signaling.ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.fatal, id)
}

// giveUp marks the bus down and reports err as a terminal channel failure.
func (b *fakeBus) giveUp(err error) {
	b.down.Store(true)
	b.mu.Lock()
	fns := make([]func(error), 0, len(b.fatal))
	for _, fn := range b.fatal {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (b *fakeBus) deliver(t *testing.T, event signaling.Event, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	b.mu.Lock()
	hs := make([]signaling.Handler, 0)
	for _, h := range b.handlers[event] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	msg := signaling.NewMessage(event, data)
	for _, h := range hs {
		h(msg)
	}
}

func (b *fakeBus) sentOf(event signaling.Event) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []json.RawMessage
	for _, m := range b.sent {
		if m.Event == event {
			out = append(out, m.Data)
		}
	}
	return out
}

func (b *fakeBus) events() []signaling.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]signaling.Event, 0, len(b.sent))
	for _, m := range b.sent {
		out = append(out, m.Event)
	}
	return out
}

type fakeSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type fakeRemoteTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (r fakeRemoteTrack) ID() string                { return r.id }
func (r fakeRemoteTrack) StreamID() string          { return r.stream }
func (r fakeRemoteTrack) Kind() webrtc.RTPCodecType { return r.kind }

// fakePC records the order of SDP and candidate operations.
type fakePC struct {
	mu         sync.Mutex
	ops        []string
	tracks     []webrtc.TrackLocal
	remote     *webrtc.SessionDescription
	local      *webrtc.SessionDescription
	candidates []string
	early      int // candidates added before the remote description
	closes     int

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)

	// gatherOnSetLocal makes SetLocalDescription report one local candidate
	// synchronously, before the description is sent anywhere.
	gatherOnSetLocal bool
}

func (p *fakePC) record(op string) {
	p.mu.Lock()
	p.ops = append(p.ops, op)
	p.mu.Unlock()
}

func (p *fakePC) AddTrack(t webrtc.TrackLocal) (core.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return nil, errors.New("closed")
	}
	p.tracks = append(p.tracks, t)
	p.ops = append(p.ops, "add-track")
	return &fakeSender{track: t}, nil
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	p.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("answer before remote offer")
	}
	p.ops = append(p.ops, "create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}, nil
}

func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &d
	p.ops = append(p.ops, "set-local")
	fn, gather := p.onICE, p.gatherOnSetLocal
	p.mu.Unlock()
	if gather && fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: "candidate:local 1 udp 1 10.0.0.9 9 typ host"})
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &d
	p.ops = append(p.ops, "set-remote")
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.early++
	}
	p.candidates = append(p.candidates, c.Candidate)
	p.ops = append(p.ops, "add-candidate")
	return nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePC) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *fakePC) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes > 0
}

func (p *fakePC) setState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePC) remoteTrack(kind webrtc.RTPCodecType) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(fakeRemoteTrack{id: "remote-" + kind.String(), stream: "remote-stream", kind: kind})
}

func (p *fakePC) snapshot() (ops, cands []string, early int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.ops...), append([]string{}, p.candidates...), p.early
}

type fakeFactory struct {
	mu     sync.Mutex
	pcs    []*fakePC
	gather bool
}

func (f *fakeFactory) NewPeerConnection(core.SessionID) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{gatherOnSetLocal: f.gather}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[len(f.pcs)-1]
}

// gatedDevices blocks GetUserMedia until release is closed, then hands out
// real synthetic tracks regardless of cancellation, like a permission
// prompt the user answers late.
type gatedDevices struct {
	*media.Synthetic
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
	video   atomic.Bool
}

func newGatedDevices(open bool) *gatedDevices {
	d := &gatedDevices{
		Synthetic: media.NewSynthetic(),
		entered:   make(chan struct{}, 4),
		release:   make(chan struct{}),
	}
	if open {
		close(d.release)
	}
	return d
}

func (d *gatedDevices) GetUserMedia(_ context.Context, c media.Constraints) ([]*media.Track, error) {
	d.calls.Add(1)
	d.video.Store(c.Video)
	select {
	case d.entered <- struct{}{}:
	default:
	}
	<-d.release
	return d.Synthetic.GetUserMedia(context.Background(), c)
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func record(o *Orchestrator) *recorder {
	r := &recorder{}
	for _, e := range []Event{
		EventIncoming, EventStarted, EventAccepted, EventRemoteStream, EventConnected,
		EventEnded, EventError, EventMuteToggled, EventVideoToggled, EventScreenShareToggled,
		EventStatus,
	} {
		o.On(e, func(n Notification) {
			r.mu.Lock()
			r.notes = append(r.notes, n)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) of(e Event) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Event == e {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) statuses() []Status {
	var out []Status
	for _, n := range r.of(EventStatus) {
		out = append(out, n.Status)
	}
	return out
}
