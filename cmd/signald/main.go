package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	router "github.com/dkeye/Call/internal/adapters/http"
	"github.com/dkeye/Call/internal/adapters/relay"
	"github.com/dkeye/Call/internal/auth"
	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console logger until the configured one is installed.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fs := pflag.NewFlagSet("signald", pflag.ExitOnError)
	fs.Int("port", 8080, "listen port")
	fs.String("mode", "release", "gin mode: debug, release or test")
	fs.String("secret", "", "HMAC secret for access tokens")
	fs.String("log.level", "info", "log level")
	fs.String("log.file", "", "also write logs to this file")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadServer(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Warn().Err(err).Msg("logging")
	}
	defer closer.Close()

	rl := relay.New(relay.Config{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendQueue:  cfg.SendQueue,
		PerSecond:  cfg.Rate.PerSecond,
		Burst:      cfg.Rate.Burst,
	})
	r := router.SetupRouter(ctx, cfg, rl, auth.NewVerifier(cfg.Secret))
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("signaling relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	rl.Close()
	log.Info().Msg("Server exited gracefully")
}
