package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"stockduel/internal/auth"
	"stockduel/internal/candle"
	"stockduel/internal/engine"
	"stockduel/internal/matchmaker"
	"stockduel/internal/room"
	"stockduel/internal/scheduler"
	"stockduel/internal/store"
)

// Server is the REST surface: match lifecycle, trading, matchmaking, and
// operational endpoints. The WebSocket upgrade is mounted alongside it.
type Server struct {
	store    *store.Store
	rooms    *room.Manager
	candles  *candle.Source
	exec     *engine.Executor
	resolver *engine.Resolver
	registry *scheduler.Registry
	queue    *matchmaker.Queue
	verifier *auth.Verifier
	limits   *RateLimiter
	ws       http.Handler
	log      zerolog.Logger

	tick        time.Duration
	corsOrigins []string
}

// NewServer wires the REST server.
func NewServer(st *store.Store, rooms *room.Manager, candles *candle.Source,
	exec *engine.Executor, resolver *engine.Resolver, registry *scheduler.Registry,
	queue *matchmaker.Queue, verifier *auth.Verifier, limits *RateLimiter,
	ws http.Handler, tick time.Duration, corsOrigins []string, log zerolog.Logger) *Server {
	return &Server{
		store:       st,
		rooms:       rooms,
		candles:     candles,
		exec:        exec,
		resolver:    resolver,
		registry:    registry,
		queue:       queue,
		verifier:    verifier,
		limits:      limits,
		ws:          ws,
		log:         log.With().Str("component", "api").Logger(),
		tick:        tick,
		corsOrigins: corsOrigins,
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", s.ws)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(s.limits.Create)
			r.Post("/match/create", s.handleCreate)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.limits.Trade)
			r.Post("/match/trade", s.handleTrade)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.limits.General)
			r.Get("/match/open", s.handleOpen)
			r.Post("/match/{id}/join", s.handleJoin)
			r.Get("/match/{id}", s.handleGet)
			r.Get("/match/{id}/candle", s.handleCandle)
			r.Get("/match/{id}/candle/remaining", s.handleRemaining)
			r.Post("/match/{id}/finish", s.handleFinish)
			r.Post("/matchmaking/queue", s.handleEnqueue)
			r.Delete("/matchmaking/queue", s.handleDequeue)
		})
	})

	return r
}

type ctxKey int

const claimsKey ctxKey = iota

func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

func userIDFrom(ctx context.Context) string {
	if c := claimsFrom(ctx); c != nil {
		return c.UserID
	}
	return ""
}

// authenticate verifies the bearer token and ensures the user row exists.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.TokenFromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.store.EnsureUser(claims.UserID, claims.Name); err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
