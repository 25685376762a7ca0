package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/Call/internal/adapters/rtc"
	"github.com/dkeye/Call/internal/logging"
	"github.com/dkeye/Call/internal/signaling"
)

// Server configures the signaling relay.
type Server struct {
	Mode       string         `mapstructure:"mode"`
	Port       int            `mapstructure:"port"`
	ReadLimit  int64          `mapstructure:"read_limit"`
	PingPeriod time.Duration  `mapstructure:"ping_period"`
	Secret     string         `mapstructure:"secret"`
	SendQueue  int            `mapstructure:"send_queue"`
	Rate       RateLimit      `mapstructure:"rate"`
	Log        logging.Config `mapstructure:"log"`
}

type RateLimit struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// Client configures a call client.
type Client struct {
	Signaling signaling.Config `mapstructure:"signaling"`
	Auth      Auth             `mapstructure:"auth"`
	Call      Call             `mapstructure:"call"`
	RTC       rtc.Config       `mapstructure:"rtc"`
	// Devices is "synthetic" or "system".
	Devices string         `mapstructure:"devices"`
	Log     logging.Config `mapstructure:"log"`
}

// Auth picks the credential: a ready token, or a secret to mint one for
// the named user.
type Auth struct {
	Token    string        `mapstructure:"token"`
	Secret   string        `mapstructure:"secret"`
	UserID   string        `mapstructure:"user_id"`
	UserName string        `mapstructure:"user_name"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type Call struct {
	SetupTimeout   time.Duration `mapstructure:"setup_timeout"`
	ICEBufferLimit int           `mapstructure:"ice_buffer_limit"`
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("send_queue", 64)
	v.SetDefault("rate.per_second", 50)
	v.SetDefault("rate.burst", 100)
	logDefaults(v)
}

func clientDefaults(v *viper.Viper) {
	sc := signaling.DefaultConfig("ws://localhost:8080/api/ws/signal")
	v.SetDefault("signaling.url", sc.URL)
	v.SetDefault("signaling.send_queue_size", sc.SendQueueSize)
	v.SetDefault("signaling.replay_queue_size", sc.ReplayQueueSize)
	v.SetDefault("signaling.read_limit", sc.ReadLimit)
	v.SetDefault("signaling.ping_period", sc.PingPeriod)
	v.SetDefault("signaling.pong_wait", sc.PongWait)
	v.SetDefault("signaling.write_wait", sc.WriteWait)
	v.SetDefault("signaling.handshake_timeout", sc.HandshakeTimeout)
	v.SetDefault("signaling.max_retries", sc.MaxRetries)
	v.SetDefault("signaling.initial_interval", sc.InitialInterval)
	v.SetDefault("signaling.max_interval", sc.MaxInterval)

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.user_id", "")
	v.SetDefault("auth.user_name", "")
	v.SetDefault("auth.ttl", "1h")
	v.SetDefault("call.setup_timeout", "30s")
	v.SetDefault("call.ice_buffer_limit", 256)

	rc := rtc.DefaultConfig()
	v.SetDefault("rtc.ice_servers", []map[string]any{{"urls": rc.ICEServers[0].URLs}})
	v.SetDefault("rtc.ice_transport_policy", rc.ICETransportPolicy)
	v.SetDefault("rtc.pli_interval", rc.PLIInterval)
	v.SetDefault("rtc.disconnected_timeout", rc.DisconnectedTimeout)
	v.SetDefault("rtc.failed_timeout", rc.FailedTimeout)
	v.SetDefault("rtc.keepalive_interval", rc.KeepAliveInterval)

	v.SetDefault("devices", "synthetic")
	logDefaults(v)
}

func logDefaults(v *viper.Viper) {
	lc := logging.DefaultConfig()
	v.SetDefault("log.file", "")
	v.SetDefault("log.level", lc.Level)
	v.SetDefault("log.format", lc.Format)
	v.SetDefault("log.max_size_mb", lc.MaxSizeMB)
	v.SetDefault("log.max_backups", lc.MaxBackups)
	v.SetDefault("log.pion_level", lc.PionLevel)
}

// LoadServer reads config/signald.<env>.yaml. Set flags in fs win over
// CALL_* environment variables, which win over the file.
func LoadServer(fs *pflag.FlagSet) (*Server, error) {
	var cfg Server
	if err := load("signald", fs, serverDefaults, &cfg); err != nil {
		return nil, err
	}
	if cfg.Secret == "" {
		return nil, errors.New("secret is required")
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("server config")
	return &cfg, nil
}

// LoadClient reads config/callclient.<env>.yaml the same way.
func LoadClient(fs *pflag.FlagSet) (*Client, error) {
	var cfg Client
	if err := load("callclient", fs, clientDefaults, &cfg); err != nil {
		return nil, err
	}
	if cfg.Auth.Token == "" && cfg.Auth.Secret == "" {
		return nil, errors.New("auth.token or auth.secret is required")
	}
	if cfg.Devices != "synthetic" && cfg.Devices != "system" {
		return nil, fmt.Errorf("devices %q: want synthetic or system", cfg.Devices)
	}
	log.Info().Str("module", "config").Str("url", cfg.Signaling.URL).Str("devices", cfg.Devices).Msg("client config")
	return &cfg, nil
}

func load(name string, fs *pflag.FlagSet, defaults func(*viper.Viper), out any) error {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	dir := os.Getenv("CONFIG_DIR")
	if dir == "" {
		dir = "config"
	}
	fileName := fmt.Sprintf("%s/%s.%s.yaml", dir, name, env)
	v.SetConfigFile(fileName)

	defaults(v)
	v.SetEnvPrefix("CALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}
