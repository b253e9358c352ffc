package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	router "github.com/dkeye/meshroom/internal/adapters/http"
	wsignal "github.com/dkeye/meshroom/internal/adapters/signal"
	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/app/relay"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/events"
	"github.com/dkeye/meshroom/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it; reconfigured once the level is known.
	logging.Setup("debug", "info")

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}
	logging.Setup(cfg.Mode, cfg.LogLevel)

	reg := app.NewRegistry(cfg.MaxRoomSize)
	rl := &relay.Relay{
		Registry: reg,
		Conns:    app.NewConns(),
		Policy:   app.SimplePolicy{},
		Events:   events.NopSink{},
	}

	if cfg.RedisAddr != "" {
		client := events.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer client.Close()
		sink := events.NewRedisSink(client, 256)
		go sink.Run(ctx)
		rl.Events = sink
		log.Info().Str("module", "main").Str("redis", cfg.RedisAddr).Msg("publishing room events")
	}

	limiter := wsignal.NewRoomRateLimiter(cfg.JoinRateLimit, cfg.JoinRateInterval)
	ctl := wsignal.NewSignalWSController(rl, limiter, wsignal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	})

	r := router.SetupRouter(ctx, cfg, ctl, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Meshroom relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	log.Info().Msg("Server exited gracefully")
}
