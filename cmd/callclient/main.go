// Command callclient joins a chat on a signaling relay and places or answers
// one call, logging its lifecycle.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/call"
	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/logging"
)

func main() {
	os.Exit(run())
}

// run returns the exit code, so its deferred cleanup always runs.
func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fs := pflag.NewFlagSet("callclient", pflag.ExitOnError)
	chat := fs.String("chat", "", "chat to join (required)")
	place := fs.Bool("call", false, "place a call into the chat instead of waiting for one")
	video := fs.Bool("video", false, "include a camera track")
	autoAccept := fs.Bool("auto-accept", true, "answer incoming calls")
	duration := fs.Duration("duration", 0, "hang up after this long once connected (0 = stay)")
	fs.String("signaling.url", "ws://localhost:8080/api/ws/signal", "relay websocket URL")
	fs.String("auth.token", "", "ready access token")
	fs.String("auth.secret", "", "secret to mint a token with")
	fs.String("auth.user_id", "", "user id for a minted token")
	fs.String("auth.user_name", "", "display name for a minted token")
	fs.String("devices", "synthetic", "capture devices: synthetic or system")
	fs.String("log.level", "info", "log level")
	_ = fs.Parse(os.Args[1:])

	chatID, err := domain.ParseChatID(*chat)
	if err != nil {
		log.Fatal().Err(err).Msg("--chat")
	}
	cfg, err := config.LoadClient(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Warn().Err(err).Msg("logging")
	}
	defer closer.Close()

	client := app.NewClient(cfg)
	defer client.Dispose()
	if err := client.Init(ctx); err != nil {
		log.Error().Err(err).Msg("init")
		return 1
	}

	calls := client.Calls
	done := make(chan struct{}, 1)
	finish := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}
	calls.On(call.EventStatus, func(n call.Notification) {
		log.Info().Str("chat", string(n.ChatID)).Str("role", n.Role.String()).Str("status", n.Status.String()).Msg("call status")
	})
	calls.On(call.EventRemoteStream, func(n call.Notification) {
		log.Info().Str("stream", n.Stream.ID()).Int("tracks", len(n.Stream.Tracks())).Msg("remote media")
	})
	calls.On(call.EventConnected, func(call.Notification) {
		if *duration > 0 {
			time.AfterFunc(*duration, func() {
				if err := calls.EndCall(); err != nil {
					log.Warn().Err(err).Msg("hang up")
				}
			})
		}
	})
	calls.On(call.EventEnded, func(n call.Notification) {
		log.Info().Str("reason", n.Reason).Msg("call ended")
		finish()
	})
	calls.On(call.EventError, func(n call.Notification) {
		log.Error().Err(n.Err).Str("reason", n.Reason).Msg("call failed")
		finish()
	})
	calls.On(call.EventIncoming, func(n call.Notification) {
		log.Info().Str("from", n.Caller.Name).Bool("video", n.IsVideo).Msg("incoming call")
		go func() {
			if *autoAccept {
				if err := calls.AcceptCall(ctx); err != nil {
					log.Error().Err(err).Msg("accept")
				}
				return
			}
			_ = calls.RejectCall()
		}()
	})

	if err := client.Presence.Join(chatID); err != nil {
		log.Error().Err(err).Msg("join")
		return 1
	}
	if *place {
		if err := calls.StartCall(ctx, chatID, *video); err != nil {
			log.Error().Err(err).Msg("start call")
			return 1
		}
	}

	select {
	case <-ctx.Done():
		_ = calls.EndCall()
	case <-done:
	}
	return 0
}
