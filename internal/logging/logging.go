// Package logging configures the global zerolog logger and bridges pion's
// internal logging onto it.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
	File   string `mapstructure:"file"`
	// MaxSizeMB and MaxBackups apply to File only.
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	// PionLevel filters pion's own logs, which are noisy below warn.
	PionLevel string `mapstructure:"pion_level"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "console", MaxSizeMB: 50, MaxBackups: 3, PionLevel: "warn"}
}

// Setup installs the global logger. The returned closer flushes the file
// sink, if any.
func Setup(cfg Config) (io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = os.Stderr
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		out = zerolog.MultiLevelWriter(out, lj)
		closer = lj
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	if err != nil {
		return closer, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// PionFactory routes pion loggers through zerolog with a "module" field
// of pion/<scope>.
type PionFactory struct {
	Level zerolog.Level
}

var _ logging.LoggerFactory = PionFactory{}

func NewPionFactory(level string) PionFactory {
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		l = zerolog.WarnLevel
	}
	return PionFactory{Level: l}
}

func (f PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{l: log.Logger.Level(f.Level).With().Str("module", "pion/"+scope).Logger()}
}

type pionLogger struct {
	l zerolog.Logger
}

func (p pionLogger) Trace(msg string)                  { p.l.Trace().Msg(msg) }
func (p pionLogger) Tracef(format string, args ...any) { p.l.Trace().Msgf(format, args...) }
func (p pionLogger) Debug(msg string)                  { p.l.Debug().Msg(msg) }
func (p pionLogger) Debugf(format string, args ...any) { p.l.Debug().Msgf(format, args...) }
func (p pionLogger) Info(msg string)                   { p.l.Info().Msg(msg) }
func (p pionLogger) Infof(format string, args ...any)  { p.l.Info().Msgf(format, args...) }
func (p pionLogger) Warn(msg string)                   { p.l.Warn().Msg(msg) }
func (p pionLogger) Warnf(format string, args ...any)  { p.l.Warn().Msgf(format, args...) }
func (p pionLogger) Error(msg string)                  { p.l.Error().Msg(msg) }
func (p pionLogger) Errorf(format string, args ...any) { p.l.Error().Msgf(format, args...) }
