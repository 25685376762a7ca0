package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	calllog "github.com/dkeye/Call/internal/logging"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Config struct {
	ICEServers []ICEServer `mapstructure:"ice_servers"`
	// ICETransportPolicy is "all" or "relay".
	ICETransportPolicy  string        `mapstructure:"ice_transport_policy"`
	PLIInterval         time.Duration `mapstructure:"pli_interval"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepAliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

func DefaultConfig() Config {
	return Config{
		ICEServers:          []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		ICETransportPolicy:  "all",
		PLIInterval:         3 * time.Second,
		DisconnectedTimeout: 5 * time.Second,
		FailedTimeout:       25 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

func (c Config) webrtc() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	policy := webrtc.ICETransportPolicyAll
	if c.ICETransportPolicy != "" {
		policy = webrtc.NewICETransportPolicy(c.ICETransportPolicy)
	}
	return webrtc.Configuration{ICEServers: servers, ICETransportPolicy: policy}
}

type Option func(*webrtc.SettingEngine)

// WithNet runs every connection on n, typically a vnet.Net.
func WithNet(n transport.Net) Option {
	return func(se *webrtc.SettingEngine) { se.SetNet(n) }
}

func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(se *webrtc.SettingEngine) { se.LoggerFactory = f }
}

// Factory builds pion peer connections sharing one API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(cfg Config, opts ...Option) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, reg); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	if cfg.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(cfg.PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("interval pli: %w", err)
		}
		reg.Add(pli)
	}

	se := webrtc.SettingEngine{LoggerFactory: calllog.NewPionFactory("warn")}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}
	for _, opt := range opts {
		opt(&se)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(reg),
		webrtc.WithSettingEngine(se),
	)
	log.Info().Str("module", "webrtc").Int("ice_servers", len(cfg.ICEServers)).Str("policy", cfg.ICETransportPolicy).Msg("peer connection factory ready")
	return &Factory{api: api, cfg: cfg.webrtc()}, nil
}

func (f *Factory) NewPeerConnection(sid core.SessionID) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, sid), nil
}
