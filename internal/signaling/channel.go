// Package signaling implements the reconnecting, authenticated message
// channel that carries call setup between peers.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/Call/internal/auth"
	"github.com/dkeye/Call/internal/core"
)

var (
	ErrNotConnected = errors.New("signaling channel not connected")
	ErrQueueFull    = errors.New("replay queue full")
	ErrRetryBudget  = errors.New("reconnect retry budget exhausted")
)

type Config struct {
	URL string `mapstructure:"url"`

	SendQueueSize   int   `mapstructure:"send_queue_size"`
	ReplayQueueSize int   `mapstructure:"replay_queue_size"`
	ReadLimit       int64 `mapstructure:"read_limit"`

	PingPeriod       time.Duration `mapstructure:"ping_period"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		SendQueueSize:    32,
		ReplayQueueSize:  64,
		ReadLimit:        32768,
		PingPeriod:       54 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxRetries:       8,
		InitialInterval:  250 * time.Millisecond,
		MaxInterval:      5 * time.Second,
	}
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	case stateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Channel is a reconnecting websocket client with typed publish/subscribe.
// One Channel is shared by every collaborator of a client process.
type Channel struct {
	cfg    Config
	creds  auth.TokenProvider
	dialer *websocket.Dialer

	listeners *listenerSet
	connect   singleflight.Group

	mu     sync.Mutex
	state  state
	link   *link
	replay [][]byte
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, creds auth.TokenProvider) *Channel {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 32
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 54 * time.Second
	}
	if cfg.PongWait <= cfg.PingPeriod {
		cfg.PongWait = cfg.PingPeriod + cfg.PingPeriod/9
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 5 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 32768
	}
	return &Channel{
		cfg:   cfg,
		creds: creds,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		listeners: newListenerSet(),
	}
}

// Connect dials the relay. Concurrent calls while an attempt is in flight
// share that attempt. It returns a SignalingConnectionError once the retry
// budget is spent.
func (ch *Channel) Connect(ctx context.Context) error {
	if ch.Status() {
		return nil
	}
	_, err, _ := ch.connect.Do("connect", func() (any, error) {
		return nil, ch.connectOnce(ctx)
	})
	return err
}

func (ch *Channel) connectOnce(ctx context.Context) error {
	ch.mu.Lock()
	switch ch.state {
	case stateConnected:
		ch.mu.Unlock()
		return nil
	case stateIdle, stateFailed:
		ch.state = stateConnecting
	}
	if ch.ctx == nil {
		ch.ctx, ch.cancel = context.WithCancel(context.Background())
	}
	runCtx := ch.ctx
	ch.mu.Unlock()

	ctx, stop := mergeDone(ctx, runCtx)
	defer stop()
	return ch.establish(ctx, "connect")
}

// establish dials with retries and attaches the result. Giving up moves the
// channel to failed and drops the replay queue; a give-up that was not caused
// by Disconnect is reported to OnFatal listeners.
func (ch *Channel) establish(ctx context.Context, op string) error {
	conn, err := ch.dialWithRetry(ctx)
	if err != nil {
		ch.mu.Lock()
		if ch.state == stateConnecting || ch.state == stateReconnecting {
			ch.state = stateFailed
		}
		dropped := len(ch.replay)
		ch.replay = nil
		disposed := ch.ctx == nil || ch.ctx.Err() != nil
		ch.mu.Unlock()

		cerr := core.NewError(core.KindSignalingConnection, op, err)
		log.Error().Err(err).Str("module", "signaling").Str("op", op).Int("dropped", dropped).Msg("giving up")
		if !disposed {
			ch.listeners.fireFatal(cerr)
		}
		return cerr
	}
	if !ch.attach(conn) {
		_ = conn.Close()
		return core.NewError(core.KindSignalingConnection, op, ErrNotConnected)
	}
	return nil
}

func (ch *Channel) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = ch.cfg.InitialInterval
	eb.MaxInterval = ch.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, ch.cfg.MaxRetries), ctx)

	var conn *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, err := ch.dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("module", "signaling").Int("attempt", attempt).Dur("retry_in", wait).Msg("dial failed")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetryBudget, attempt, err)
	}
	return conn, nil
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if ch.creds != nil {
		token, err := ch.creds.Token(ctx)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("credential: %w", err))
		}
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := ch.dialer.DialContext(ctx, ch.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(fmt.Errorf("handshake rejected: %s", resp.Status))
		}
		return nil, err
	}
	return conn, nil
}

// attach installs conn as the live link, replays queued frames ahead of any
// new emit, and then notifies reconnect listeners.
func (ch *Channel) attach(conn *websocket.Conn) bool {
	ch.mu.Lock()
	if ch.ctx == nil || ch.ctx.Err() != nil {
		ch.mu.Unlock()
		return false
	}
	l := newLink(conn, ch.cfg.SendQueueSize+len(ch.replay))
	for _, frame := range ch.replay {
		_ = l.trySend(frame)
	}
	replayed := len(ch.replay)
	ch.replay = nil
	ch.link = l
	ch.state = stateConnected
	ch.mu.Unlock()

	go ch.writePump(l)
	go ch.readPump(l)

	log.Info().Str("module", "signaling").Str("url", ch.cfg.URL).Int("replayed", replayed).Msg("connected")
	ch.listeners.fireReconnect()
	return true
}

// onLinkLost starts a reconnect loop unless the loss was requested.
func (ch *Channel) onLinkLost(l *link) {
	ch.mu.Lock()
	if ch.link != l || ch.state != stateConnected {
		ch.mu.Unlock()
		return
	}
	ch.link = nil
	ch.state = stateReconnecting
	runCtx := ch.ctx
	ch.mu.Unlock()

	log.Warn().Str("module", "signaling").Msg("connection lost, reconnecting")
	go ch.reconnect(runCtx)
}

// reconnect joins the same single-flight slot as Connect so a caller that
// asks to connect mid-reconnect waits for this attempt instead of racing it.
func (ch *Channel) reconnect(ctx context.Context) {
	_, _, _ = ch.connect.Do("connect", func() (any, error) {
		return nil, ch.establish(ctx, "reconnect")
	})
}

// Disconnect closes the transport and clears queued frames. It is safe to
// call when already disconnected.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	if ch.cancel != nil {
		ch.cancel()
	}
	ch.ctx, ch.cancel = nil, nil
	l := ch.link
	ch.link = nil
	ch.state = stateIdle
	ch.replay = nil
	ch.mu.Unlock()

	if l != nil {
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.close()
		log.Info().Str("module", "signaling").Msg("disconnected")
	}
}

// Emit sends event with payload. While a (re)connection is in progress the
// frame is queued for replay; in every other down state the caller gets a
// SignalingConnectionError.
func (ch *Channel) Emit(event Event, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return core.NewError(core.KindSignalingConnection, "emit "+string(event), err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	switch ch.state {
	case stateConnected:
		err := ch.link.trySend(frame)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLinkClosed) {
			return core.NewError(core.KindSignalingConnection, "emit "+string(event), err)
		}
		return ch.enqueue(event, frame)
	case stateConnecting, stateReconnecting:
		return ch.enqueue(event, frame)
	default:
		return core.NewError(core.KindSignalingConnection, "emit "+string(event), ErrNotConnected)
	}
}

func (ch *Channel) enqueue(event Event, frame []byte) error {
	if len(ch.replay) >= ch.cfg.ReplayQueueSize {
		return core.NewError(core.KindSignalingConnection, "emit "+string(event), ErrQueueFull)
	}
	ch.replay = append(ch.replay, frame)
	log.Debug().Str("module", "signaling").Str("event", string(event)).Int("queued", len(ch.replay)).Msg("queued for replay")
	return nil
}

// On subscribes h to inbound messages of event.
func (ch *Channel) On(event Event, h Handler) ListenerID {
	return ch.listeners.add(event, h)
}

func (ch *Channel) Off(event Event, id ListenerID) {
	ch.listeners.remove(event, id)
}

// OnReconnect registers fn to run after every successful connection,
// including the first one.
func (ch *Channel) OnReconnect(fn func()) ListenerID {
	return ch.listeners.addReconnect(fn)
}

func (ch *Channel) OffReconnect(id ListenerID) {
	ch.listeners.removeReconnect(id)
}

// OnFatal registers fn to run when reconnecting gives up.
func (ch *Channel) OnFatal(fn func(error)) ListenerID {
	return ch.listeners.addFatal(fn)
}

func (ch *Channel) OffFatal(id ListenerID) {
	ch.listeners.removeFatal(id)
}

// Status reports current connectivity.
func (ch *Channel) Status() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == stateConnected
}

// mergeDone returns a context cancelled when either a or b is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
