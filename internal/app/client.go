// Package app wires the call client together: credentials, the signaling
// channel, peer connections, capture devices and the call orchestrator.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/adapters/rtc"
	"github.com/dkeye/Call/internal/auth"
	"github.com/dkeye/Call/internal/call"
	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/logging"
	"github.com/dkeye/Call/internal/media"
	"github.com/dkeye/Call/internal/signaling"
)

var ErrNotInitialized = errors.New("client not initialized")

type Option func(*Client)

// WithDevices replaces the capture layer chosen by configuration.
func WithDevices(d media.Devices) Option {
	return func(c *Client) { c.devices = d }
}

// WithCredentials replaces the token source chosen by configuration.
func WithCredentials(p auth.TokenProvider) Option {
	return func(c *Client) { c.creds = p }
}

// WithRTCOptions passes extra settings to every peer connection.
func WithRTCOptions(opts ...rtc.Option) Option {
	return func(c *Client) { c.rtcOpts = append(c.rtcOpts, opts...) }
}

// Client owns one signaling connection and one call orchestrator.
type Client struct {
	cfg     *config.Client
	devices media.Devices
	creds   auth.TokenProvider
	rtcOpts []rtc.Option

	mu       sync.Mutex
	User     domain.User
	Signal   *signaling.Channel
	Calls    *call.Orchestrator
	Presence *Presence
	fatalID  signaling.ListenerID
}

func NewClient(cfg *config.Client, opts ...Option) *Client {
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init builds every component and connects. On error nothing is left
// running.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Signal != nil {
		return nil
	}

	user, creds, err := c.credentials()
	if err != nil {
		return err
	}
	devices := c.devices
	if devices == nil {
		if devices, err = c.openDevices(); err != nil {
			return err
		}
	}
	opts := append([]rtc.Option{rtc.WithLoggerFactory(logging.NewPionFactory(c.cfg.Log.PionLevel))}, c.rtcOpts...)
	pcs, err := rtc.NewFactory(c.cfg.RTC, opts...)
	if err != nil {
		return core.NewError(core.KindPeerConnection, "init", err)
	}

	ch := signaling.New(c.cfg.Signaling, creds)
	calls := call.New(call.Config{
		SetupTimeout:   c.cfg.Call.SetupTimeout,
		ICEBufferLimit: c.cfg.Call.ICEBufferLimit,
	}, ch, pcs, devices)
	calls.Start()
	presence := NewPresence(ch)
	fatal := ch.OnFatal(func(err error) {
		log.Error().Err(err).Str("module", "app").Msg("signaling gave up; calls cannot be placed until the next Connect")
	})

	if err := ch.Connect(ctx); err != nil {
		ch.OffFatal(fatal)
		presence.Close()
		calls.Close()
		ch.Disconnect()
		return err
	}

	c.User, c.Signal, c.Calls, c.Presence, c.fatalID = user, ch, calls, presence, fatal
	log.Info().Str("module", "app").Str("user", string(user.ID)).Str("name", user.Name).Msg("client ready")
	return nil
}

// Dispose ends any call and disconnects. The client can be initialized
// again afterwards.
func (c *Client) Dispose() {
	c.mu.Lock()
	ch, calls, presence, fatal := c.Signal, c.Calls, c.Presence, c.fatalID
	c.Signal, c.Calls, c.Presence = nil, nil, nil
	c.mu.Unlock()
	if ch == nil {
		return
	}
	calls.Close()
	presence.Close()
	ch.OffFatal(fatal)
	ch.Disconnect()
	log.Info().Str("module", "app").Msg("client disposed")
}

func (c *Client) credentials() (domain.User, auth.TokenProvider, error) {
	a := c.cfg.Auth
	if c.creds != nil {
		return domain.User{ID: domain.UserID(a.UserID), Name: a.UserName}, c.creds, nil
	}
	if a.Token != "" {
		return domain.User{ID: domain.UserID(a.UserID), Name: a.UserName}, auth.StaticToken(a.Token), nil
	}
	var user *domain.User
	var err error
	if a.UserID != "" {
		user, err = domain.UserFromClaims(a.UserID, a.UserName)
	} else {
		user, err = domain.NewUser(a.UserName)
	}
	if err != nil {
		return domain.User{}, nil, fmt.Errorf("user: %w", err)
	}
	iss, err := auth.NewIssuer(a.Secret, *user, a.TTL)
	if err != nil {
		return domain.User{}, nil, err
	}
	return *user, iss, nil
}

func (c *Client) openDevices() (media.Devices, error) {
	if c.cfg.Devices == "system" {
		d, err := media.NewSystem()
		if err != nil {
			return nil, core.NewError(core.KindMediaAcquisition, "open devices", err)
		}
		return d, nil
	}
	return media.NewSynthetic(), nil
}
