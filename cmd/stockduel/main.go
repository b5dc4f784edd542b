package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"stockduel/internal/api"
	"stockduel/internal/auth"
	"stockduel/internal/candle"
	"stockduel/internal/config"
	"stockduel/internal/engine"
	"stockduel/internal/fabric"
	"stockduel/internal/matchmaker"
	"stockduel/internal/position"
	"stockduel/internal/room"
	"stockduel/internal/scheduler"
	"stockduel/internal/store"
	"stockduel/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Fatal().Err(err).Msg("configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().Str("instance", cfg.InstanceID).Logger()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("broadcast fabric unreachable")
	}
	cancel()

	candles := candle.NewSource(cfg.CandleDataRoot)
	if symbols, err := candles.Symbols(); err != nil {
		log.Fatal().Err(err).Str("root", cfg.CandleDataRoot).Msg("candle data root")
	} else {
		log.Info().Int("symbols", len(symbols)).Msg("candle data available")
	}

	rooms := room.NewManager()
	positions := position.NewStore()
	verifier := auth.NewVerifier(cfg.SigningSecret, cfg.PreviousSigningSecret)

	hub := ws.NewHub(verifier, rooms, st, candles, cfg.CORSOrigins, log)
	bus := fabric.NewBus(cfg.InstanceID, []byte(cfg.SigningSecret), hub, rdb, log)
	lease := fabric.NewLeaseManager(rdb, cfg.InstanceID, cfg.LeaseTTL)

	exec := engine.NewExecutor(st, positions, candles, bus, log)
	resolver := engine.NewResolver(st, positions, rooms, candles, bus, log)
	registry := scheduler.NewRegistry(st, positions, rooms, candles, lease, bus,
		resolver, cfg.TickInterval, cfg.SchedulerPoolSize, log)
	resolver.SetSchedulerStop(registry.Stop)

	sup := room.NewSupervisor(rooms, st, bus, resolver, cfg.ReconnectGrace, log)
	hub.Wire(exec, sup, registry)

	queue := matchmaker.New(st, rooms, candles, bus, cfg.TicketTTL, matchmaker.Defaults{
		DurationMinutes: int(cfg.MatchmadeDuration / time.Minute),
		StartingBalance: cfg.MatchmadeBalance * 100,
		Tick:            cfg.TickInterval,
	}, log)

	limits := api.NewRateLimiter(cfg.RateGeneral, cfg.RateTrade, cfg.RateCreate)
	server := api.NewServer(st, rooms, candles, exec, resolver, registry, queue,
		verifier, limits, hub, cfg.TickInterval, cfg.CORSOrigins, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go bus.Run(ctx)
	go registry.Run(ctx)
	go queue.Run(ctx)

	// Adopt any ACTIVE matches left over from a previous run of this or a
	// crashed instance before accepting traffic.
	registry.Sweep(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http drain")
	}

	// Stop ticking and release leases so another instance can adopt the
	// matches without waiting out the lease TTL.
	registry.Shutdown()
	sup.Stop()
	hub.Shutdown()

	log.Info().Msg("bye")
}
