package call

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/signaling"
)

var alice = domain.User{ID: "u-alice", Name: "alice"}

const testCallID = "call-1"

type harness struct {
	o   *Orchestrator
	bus *fakeBus
	pcs *fakeFactory
	dev *gatedDevices
	rec *recorder
}

func newHarness(t *testing.T, cfg Config, dev *gatedDevices) *harness {
	t.Helper()
	if dev == nil {
		dev = newGatedDevices(true)
	}
	h := &harness{bus: newFakeBus(), pcs: &fakeFactory{}, dev: dev}
	h.o = New(cfg, h.bus, h.pcs, dev)
	h.rec = record(h.o)
	h.o.Start()
	t.Cleanup(h.o.Close)
	return h
}

func testConfig() Config {
	return Config{ICEBufferLimit: DefaultICEBufferLimit}
}

func (h *harness) incoming(t *testing.T, chat domain.ChatID, video bool) {
	t.Helper()
	h.bus.deliver(t, signaling.EventCallIncoming, signaling.IncomingPayload{
		ChatID:  chat,
		CallID:  testCallID,
		Offer:   signaling.SDP{Type: "offer", SDP: testSDP},
		IsVideo: video,
		Caller:  alice,
	})
}

func (h *harness) candidate(t *testing.T, chat domain.ChatID, i int) string {
	t.Helper()
	c := fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.2 %d typ host", i, 6000+i)
	h.bus.deliver(t, signaling.EventCallICECandidate, signaling.CandidatePayload{
		ChatID:    chat,
		CallID:    h.callID(),
		Candidate: webrtc.ICECandidateInit{Candidate: c},
	})
	return c
}

// callID is the id peers use for the current call.
func (h *harness) callID() string {
	info, _ := h.o.Current()
	return info.CallID
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestStartCallSendsOfferAndGoesOutgoing(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", true))

	starts := h.bus.sentOf(signaling.EventCallStart)
	require.Len(t, starts, 1)
	p := decode[signaling.StartPayload](t, starts[0])
	assert.Equal(t, domain.ChatID("chat-1"), p.ChatID)
	assert.True(t, p.IsVideo)
	assert.Equal(t, "offer", p.Offer.Type)
	assert.NotEmpty(t, p.Offer.SDP)

	assert.Equal(t, StatusOutgoing, h.o.Status())
	assert.Len(t, h.rec.of(EventStarted), 1)
	assert.Equal(t, 2, h.dev.Live())
	assert.True(t, h.dev.video.Load())

	ops, _, _ := h.pcs.last().snapshot()
	assert.Equal(t, []string{"add-track", "add-track", "create-offer", "set-local"}, ops)
}

func TestAudioCallNeverRequestsCamera(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", false))
	assert.False(t, h.dev.video.Load())
	assert.Equal(t, 1, h.dev.Live())

	_, err := h.o.ToggleVideo()
	assert.Error(t, err)
}

func TestStartCallWhileBusy(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", false))
	assert.ErrorIs(t, h.o.StartCall(context.Background(), "chat-2", false), ErrBusy)
}

func TestEndDuringStartReleasesTracks(t *testing.T) {
	dev := newGatedDevices(false)
	h := newHarness(t, testConfig(), dev)

	done := make(chan error, 1)
	go func() { done <- h.o.StartCall(context.Background(), "chat-1", true) }()
	<-dev.entered

	require.NoError(t, h.o.EndCall())
	assert.Equal(t, StatusEnded, h.o.Status())

	close(dev.release)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionEnded)
	case <-time.After(2 * time.Second):
		t.Fatal("StartCall did not return")
	}

	assert.Equal(t, 0, dev.Live())
	assert.Empty(t, h.bus.sentOf(signaling.EventCallStart))
	assert.Empty(t, h.bus.sentOf(signaling.EventCallEnd))
	assert.Equal(t, 0, h.pcs.count())
	assert.Equal(t, StatusEnded, h.o.Status())
	assert.Empty(t, h.rec.of(EventError))
}

func TestEndCallReleasesAndIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", true))
	pc := h.pcs.last()

	require.NoError(t, h.o.EndCall())
	require.NoError(t, h.o.EndCall())

	assert.Len(t, h.bus.sentOf(signaling.EventCallEnd), 1)
	assert.Equal(t, 1, pc.closes)
	assert.Equal(t, 0, h.dev.Live())
	assert.Equal(t, StatusEnded, h.o.Status())
	ended := h.rec.of(EventEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "hangup", ended[0].Reason)

	// terminal until the next session
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", false))
	assert.Equal(t, StatusOutgoing, h.o.Status())
}

func TestRejectSendsOneRejectWithoutMedia(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.incoming(t, "chat-1", true)

	assert.Equal(t, StatusIncoming, h.o.Status())
	in := h.rec.of(EventIncoming)
	require.Len(t, in, 1)
	assert.Equal(t, alice, in[0].Caller)
	assert.True(t, in[0].IsVideo)

	require.NoError(t, h.o.RejectCall())
	assert.ErrorIs(t, h.o.RejectCall(), ErrInvalidState)

	assert.Len(t, h.bus.sentOf(signaling.EventCallReject), 1)
	assert.Empty(t, h.bus.sentOf(signaling.EventCallEnd))
	assert.Equal(t, StatusEnded, h.o.Status())
	assert.Equal(t, int32(0), h.dev.calls.Load())
	assert.Equal(t, 0, h.pcs.count())
}

func TestAcceptAppliesOfferBeforeBufferedCandidates(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.incoming(t, "chat-1", true)
	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, h.candidate(t, "chat-1", i))
	}

	require.NoError(t, h.o.AcceptCall(context.Background()))

	pc := h.pcs.last()
	ops, cands, early := pc.snapshot()
	assert.Equal(t, 0, early)
	assert.Equal(t, want, cands)
	assert.Equal(t, []string{
		"add-track", "add-track", "set-remote",
		"add-candidate", "add-candidate", "add-candidate", "add-candidate", "add-candidate",
		"create-answer", "set-local",
	}, ops)

	answers := h.bus.sentOf(signaling.EventCallAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "answer", decode[signaling.AnswerPayload](t, answers[0]).Answer.Type)
	assert.Equal(t, StatusConnecting, h.o.Status())
	assert.Len(t, h.rec.of(EventAccepted), 1)

	// candidates after the remote description go straight through
	late := h.candidate(t, "chat-1", 9)
	_, cands, _ = pc.snapshot()
	assert.Equal(t, append(want, late), cands)

	pc.setState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StatusConnected, h.o.Status())
	assert.Len(t, h.rec.of(EventConnected), 1)
	assert.Equal(t, []Status{StatusIncoming, StatusConnecting, StatusConnected}, h.rec.statuses())
}

func TestCallerAppliesAnswerThenCandidates(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", true))
	pc := h.pcs.last()

	c0 := h.candidate(t, "chat-1", 0)
	c1 := h.candidate(t, "chat-1", 1)
	_, cands, _ := pc.snapshot()
	assert.Empty(t, cands)

	h.bus.deliver(t, signaling.EventCallAnswer, signaling.AnswerPayload{
		ChatID: "chat-1",
		CallID: h.callID(),
		Answer: signaling.SDP{Type: "answer", SDP: testSDP},
	})
	_, cands, early := pc.snapshot()
	assert.Equal(t, []string{c0, c1}, cands)
	assert.Equal(t, 0, early)
	assert.Equal(t, StatusConnecting, h.o.Status())

	pc.remoteTrack(webrtc.RTPCodecTypeAudio)
	pc.remoteTrack(webrtc.RTPCodecTypeVideo)
	streams := h.rec.of(EventRemoteStream)
	require.Len(t, streams, 2)
	require.NotNil(t, streams[1].Stream)
	assert.True(t, streams[1].Stream.HasKind(webrtc.RTPCodecTypeVideo))
	assert.Equal(t, "remote-stream", streams[1].Stream.ID())

	pc.setState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StatusConnected, h.o.Status())
}

func TestInvalidAnswerFailsCall(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", false))

	h.bus.deliver(t, signaling.EventCallAnswer, signaling.AnswerPayload{
		ChatID: "chat-1",
		CallID: h.callID(),
		Answer: signaling.SDP{Type: "offer", SDP: testSDP},
	})
	assert.Equal(t, StatusFailed, h.o.Status())
	errs := h.rec.of(EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, core.ErrInvalidOffer)
	assert.Len(t, h.bus.sentOf(signaling.EventCallEnd), 1)
	assert.Equal(t, 0, h.dev.Live())
}

func TestAcceptRacingRemoteEndIsNotResurrected(t *testing.T) {
	dev := newGatedDevices(false)
	h := newHarness(t, testConfig(), dev)
	h.incoming(t, "chat-1", true)

	done := make(chan error, 1)
	go func() { done <- h.o.AcceptCall(context.Background()) }()
	<-dev.entered

	h.bus.deliver(t, signaling.EventCallEnd, signaling.EndPayload{ChatID: "chat-1", CallID: testCallID})
	assert.Equal(t, StatusEnded, h.o.Status())
	close(dev.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionEnded)
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptCall did not return")
	}
	assert.Equal(t, StatusEnded, h.o.Status())
	assert.Equal(t, 0, dev.Live())
	assert.Equal(t, 0, h.pcs.count())
	assert.Empty(t, h.bus.sentOf(signaling.EventCallAnswer))
	assert.Empty(t, h.bus.sentOf(signaling.EventCallEnd))
	ended := h.rec.of(EventEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "remote", ended[0].Reason)
}

func TestInvalidIncomingOfferIsRejected(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.bus.deliver(t, signaling.EventCallIncoming, signaling.IncomingPayload{
		ChatID: "chat-1",
		Offer:  signaling.SDP{Type: "answer", SDP: testSDP},
		Caller: alice,
	})

	rejects := h.bus.sentOf(signaling.EventCallReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, "invalid-offer", decode[signaling.RejectPayload](t, rejects[0]).Reason)
	errs := h.rec.of(EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, core.ErrInvalidOffer)
	assert.Equal(t, StatusIdle, h.o.Status())
}

func TestBusyRejectsSecondIncoming(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", false))
	h.incoming(t, "chat-2", false)

	rejects := h.bus.sentOf(signaling.EventCallReject)
	require.Len(t, rejects, 1)
	p := decode[signaling.RejectPayload](t, rejects[0])
	assert.Equal(t, domain.ChatID("chat-2"), p.ChatID)
	assert.Equal(t, "busy", p.Reason)
	assert.Equal(t, StatusOutgoing, h.o.Status())
}

func TestToggleMuteEmitsEvents(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	_, err := h.o.ToggleMute()
	assert.ErrorIs(t, err, ErrNoCall)

	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", true))

	muted, err := h.o.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	info, ok := h.o.Current()
	require.True(t, ok)
	assert.True(t, info.Media.Muted)

	muted, err = h.o.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)

	events := h.rec.of(EventMuteToggled)
	require.Len(t, events, 2)
	assert.True(t, events[0].On)
	assert.False(t, events[1].On)
}

func TestScreenShareToggleEvents(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", true))

	on, err := h.o.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.True(t, on)

	h.dev.StopSharing()
	require.Eventually(t, func() bool { return len(h.rec.of(EventScreenShareToggled)) == 2 }, time.Second, 5*time.Millisecond)
	events := h.rec.of(EventScreenShareToggled)
	assert.True(t, events[0].On)
	assert.False(t, events[1].On)
}

func TestPeerConnectionFailure(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", true))
	pc := h.pcs.last()

	pc.setState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, StatusFailed, h.o.Status())
	errs := h.rec.of(EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, core.ErrPeerConnection)
	assert.Equal(t, 1, pc.closes)
	assert.Equal(t, 0, h.dev.Live())

	// a late connected report does not revive it
	pc.setState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StatusFailed, h.o.Status())
}

func TestSetupTimeoutFailsAndNotifiesPeer(t *testing.T) {
	cfg := testConfig()
	cfg.SetupTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, nil)
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", false))

	require.Eventually(t, func() bool { return h.o.Status() == StatusFailed }, time.Second, 5*time.Millisecond)
	errs := h.rec.of(EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrSetupTimeout)
	ends := h.bus.sentOf(signaling.EventCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "timeout", decode[signaling.EndPayload](t, ends[0]).Reason)
}

func TestConnectedCallIgnoresSetupTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SetupTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.incoming(t, "chat-1", false)
	require.NoError(t, h.o.AcceptCall(context.Background()))
	h.pcs.last().setState(webrtc.PeerConnectionStateConnected)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StatusConnected, h.o.Status())
}

func TestLocalCandidatesWaitForStart(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.pcs.gather = true

	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", false))
	assert.Equal(t, []signaling.Event{signaling.EventCallStart, signaling.EventCallICECandidate}, h.bus.events())
}

func TestPeerHangupTearsDownWithoutEcho(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", true))

	h.bus.deliver(t, signaling.EventCallEnd, signaling.EndPayload{ChatID: "chat-2", CallID: h.callID()})
	assert.Equal(t, StatusOutgoing, h.o.Status())

	h.bus.deliver(t, signaling.EventCallReject, signaling.RejectPayload{ChatID: "chat-1", CallID: h.callID()})
	assert.Equal(t, StatusEnded, h.o.Status())
	assert.Empty(t, h.bus.sentOf(signaling.EventCallEnd))
	assert.Equal(t, 0, h.dev.Live())
	ended := h.rec.of(EventEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "rejected", ended[0].Reason)
}

func TestCandidateFloodIsProtocolViolation(t *testing.T) {
	cfg := testConfig()
	cfg.ICEBufferLimit = 2
	h := newHarness(t, cfg, nil)
	h.incoming(t, "chat-1", false)
	for i := 0; i < 3; i++ {
		h.candidate(t, "chat-1", i)
	}

	assert.Equal(t, StatusFailed, h.o.Status())
	errs := h.rec.of(EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, core.ErrProtocolViolation)
}

func TestStartCallFailsWhenSignalingDown(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.bus.down.Store(true)

	err := h.o.StartCall(context.Background(), "chat-1", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSignalingConnection)
	assert.Equal(t, StatusFailed, h.o.Status())
	assert.Equal(t, 0, h.dev.Live())
	assert.True(t, h.pcs.last().IsClosed())
	assert.Len(t, h.rec.of(EventError), 1)
}

func TestCloseDropsSubscriptions(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.o.Close()
	h.incoming(t, "chat-1", false)
	assert.Equal(t, StatusIdle, h.o.Status())
}

func TestFramesCarryTheCallID(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", false))
	id := h.callID()
	require.NotEmpty(t, id)
	assert.Equal(t, id, decode[signaling.StartPayload](t, h.bus.sentOf(signaling.EventCallStart)[0]).CallID)
	require.NoError(t, h.o.EndCall())
	assert.Equal(t, id, decode[signaling.EndPayload](t, h.bus.sentOf(signaling.EventCallEnd)[0]).CallID)

	callee := newHarness(t, testConfig(), nil)
	callee.incoming(t, "chat-1", false)
	require.NoError(t, callee.o.AcceptCall(context.Background()))
	answers := callee.bus.sentOf(signaling.EventCallAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, testCallID, decode[signaling.AnswerPayload](t, answers[0]).CallID)
}

func TestOtherCallInSameChatIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", false))
	h.bus.deliver(t, signaling.EventCallAnswer, signaling.AnswerPayload{
		ChatID: "chat-1",
		CallID: h.callID(),
		Answer: signaling.SDP{Type: "answer", SDP: testSDP},
	})
	h.pcs.last().setState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, StatusConnected, h.o.Status())

	// a second device of the callee that rang and timed out
	h.bus.deliver(t, signaling.EventCallEnd, signaling.EndPayload{ChatID: "chat-1", CallID: "call-stale", Reason: "timeout"})
	h.bus.deliver(t, signaling.EventCallReject, signaling.RejectPayload{ChatID: "chat-1", CallID: "call-stale", Reason: "busy"})
	h.bus.deliver(t, signaling.EventCallEnd, signaling.EndPayload{ChatID: "chat-1", Reason: "timeout"})
	assert.Equal(t, StatusConnected, h.o.Status())
	assert.Empty(t, h.rec.of(EventEnded))

	h.bus.deliver(t, signaling.EventCallEnd, signaling.EndPayload{ChatID: "chat-1", CallID: h.callID()})
	assert.Equal(t, StatusEnded, h.o.Status())
}

func TestAnsweredElsewhereEndsRinging(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.incoming(t, "chat-1", true)
	h.bus.deliver(t, signaling.EventCallEnd, signaling.EndPayload{ChatID: "chat-1", CallID: testCallID, Reason: "answered-elsewhere"})

	assert.Equal(t, StatusEnded, h.o.Status())
	assert.Empty(t, h.bus.sentOf(signaling.EventCallEnd))
	ended := h.rec.of(EventEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "answered-elsewhere", ended[0].Reason)
}

func TestSignalingGiveUpFailsCall(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.o.StartCall(context.Background(), "chat-1", true))
	require.Equal(t, StatusOutgoing, h.o.Status())

	h.bus.giveUp(core.NewError(core.KindSignalingConnection, "reconnect", signaling.ErrRetryBudget))

	assert.Equal(t, StatusFailed, h.o.Status())
	errs := h.rec.of(EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, core.ErrSignalingConnection)
	assert.ErrorIs(t, errs[0].Err, signaling.ErrRetryBudget)
	assert.Equal(t, "signaling-lost", errs[0].Reason)
	assert.Equal(t, 0, h.dev.Live())
	assert.True(t, h.pcs.last().IsClosed())

	// idle orchestrators shrug it off
	idle := newHarness(t, testConfig(), nil)
	idle.bus.giveUp(signaling.ErrRetryBudget)
	assert.Equal(t, StatusIdle, idle.o.Status())
}
