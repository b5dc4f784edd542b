package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stockduel/internal/candle"
	"stockduel/internal/fabric"
	"stockduel/internal/metrics"
	"stockduel/internal/position"
	"stockduel/internal/room"
	"stockduel/internal/store"
)

const (
	// sweepInterval paces the failover scan for ACTIVE matches whose lease
	// owner has lapsed.
	sweepInterval = 10 * time.Second

	finishAttempts   = 3
	finishRetryDelay = 250 * time.Millisecond
)

// ErrPoolExhausted is returned when the instance already runs its maximum
// number of match schedulers.
var ErrPoolExhausted = errors.New("scheduler pool exhausted")

// Leaser is the per-match ownership surface the registry claims ticks under.
type Leaser interface {
	Acquire(ctx context.Context, matchID string) (bool, error)
	Renew(ctx context.Context, matchID string) (bool, error)
	Release(ctx context.Context, matchID string) error
}

// Publisher is the broadcast surface candle and lifecycle events go out on.
type Publisher interface {
	Publish(ctx context.Context, dest string, v interface{})
}

// Finisher resolves a match that has consumed its last candle.
type Finisher interface {
	Finish(ctx context.Context, matchID string) error
}

// CandleEvent is broadcast on the match candle channel once per advance.
type CandleEvent struct {
	MatchID   string `json:"matchId"`
	Index     int    `json:"index"`
	Remaining int    `json:"remaining"`
	Date      string `json:"date"`
	Open      int64  `json:"open"`
	High      int64  `json:"high"`
	Low       int64  `json:"low"`
	Close     int64  `json:"close"`
	Volume    int64  `json:"volume"`
}

// StartedEvent is broadcast on the match started channel when the match
// flips ACTIVE and its scheduler begins ticking.
type StartedEvent struct {
	MatchID         string   `json:"matchId"`
	Symbol          string   `json:"symbol"`
	CandleCount     int      `json:"candleCount"`
	StartingBalance int64    `json:"startingBalance"`
	TickMillis      int64    `json:"tickMillis"`
	Players         []string `json:"players"`
}

type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns every match scheduler ticking on this instance. One runner
// per match, one tick at a time per runner; ticks that run long delay the
// next tick rather than overlapping it.
type Registry struct {
	store     *store.Store
	positions *position.Store
	rooms     *room.Manager
	candles   *candle.Source
	lease     Leaser
	bus       Publisher
	finisher  Finisher
	log       zerolog.Logger

	tick     time.Duration
	poolSize int

	mu      sync.Mutex
	runners map[string]*runner
}

// NewRegistry wires a scheduler registry.
func NewRegistry(st *store.Store, positions *position.Store, rooms *room.Manager,
	candles *candle.Source, lease Leaser, bus Publisher, finisher Finisher,
	tick time.Duration, poolSize int, log zerolog.Logger) *Registry {
	return &Registry{
		store:     st,
		positions: positions,
		rooms:     rooms,
		candles:   candles,
		lease:     lease,
		bus:       bus,
		finisher:  finisher,
		log:       log.With().Str("component", "scheduler").Logger(),
		tick:      tick,
		poolSize:  poolSize,
		runners:   make(map[string]*runner),
	}
}

// Start begins ticking a match this instance holds the lease for. Starting
// an already running match is a no-op.
func (r *Registry) Start(matchID string) error {
	r.mu.Lock()
	if _, ok := r.runners[matchID]; ok {
		r.mu.Unlock()
		return nil
	}
	if len(r.runners) >= r.poolSize {
		r.mu.Unlock()
		return ErrPoolExhausted
	}

	ctx, cancel := context.WithCancel(context.Background())
	rn := &runner{cancel: cancel, done: make(chan struct{})}
	r.runners[matchID] = rn
	metrics.LiveSchedulers.Set(float64(len(r.runners)))
	r.mu.Unlock()

	r.log.Info().Str("match", matchID).Msg("scheduler started")
	go r.run(ctx, matchID, rn)
	return nil
}

// Stop cancels a match's runner and releases its lease. Does not wait for
// the in-flight tick, so it is safe to call from inside one.
func (r *Registry) Stop(matchID string) {
	r.mu.Lock()
	rn, ok := r.runners[matchID]
	if ok {
		delete(r.runners, matchID)
		metrics.LiveSchedulers.Set(float64(len(r.runners)))
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	rn.cancel()
	go func() {
		<-rn.done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.lease.Release(ctx, matchID); err != nil {
			r.log.Warn().Err(err).Str("match", matchID).Msg("lease release failed")
		}
	}()
}

// Shutdown stops every runner and waits for their final ticks, so leases are
// released before the process exits and another instance can adopt quickly.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	running := make(map[string]*runner, len(r.runners))
	for id, rn := range r.runners {
		running[id] = rn
	}
	r.mu.Unlock()

	for id := range running {
		r.Stop(id)
	}
	for _, rn := range running {
		<-rn.done
	}
}

// Running reports whether a runner exists for the match on this instance.
func (r *Registry) Running(matchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runners[matchID]
	return ok
}

// Count returns the number of runners ticking on this instance.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runners)
}

func (r *Registry) run(ctx context.Context, matchID string, rn *runner) {
	defer close(rn.done)

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.tickOnce(ctx, matchID) {
				r.remove(matchID)
				return
			}
		}
	}
}

// remove drops the runner entry after the loop decided to stop itself.
func (r *Registry) remove(matchID string) {
	r.mu.Lock()
	if _, ok := r.runners[matchID]; ok {
		delete(r.runners, matchID)
		metrics.LiveSchedulers.Set(float64(len(r.runners)))
	}
	r.mu.Unlock()
}

// tickOnce performs one candle tick. Returns false when the runner must stop:
// lease lost, match terminal, or the final candle was consumed.
func (r *Registry) tickOnce(ctx context.Context, matchID string) bool {
	owned, err := r.lease.Renew(ctx, matchID)
	if err != nil {
		// Transient lease-store trouble: keep ticking while the claim may
		// still be live. A genuinely lost lease reports owned=false.
		r.log.Warn().Err(err).Str("match", matchID).Msg("lease renew errored")
		return true
	}
	if !owned {
		r.log.Warn().Str("match", matchID).Msg("lease lost; stopping scheduler")
		return false
	}

	m, err := r.store.GetMatch(matchID)
	if err != nil {
		r.log.Error().Err(err).Str("match", matchID).Msg("tick read failed")
		return !errors.Is(err, store.ErrMatchNotFound)
	}
	if m.Status != store.StatusActive {
		return false
	}

	if m.CandleIndex >= m.CandleCount-1 {
		r.finish(ctx, matchID)
		return false
	}

	advanced, err := r.store.AdvanceCandle(matchID, m.CandleIndex)
	if err != nil {
		r.log.Error().Err(err).Str("match", matchID).Msg("candle advance failed")
		return true
	}
	if !advanced {
		// Another writer moved the match first; this tick publishes nothing.
		return true
	}

	next := m.CandleIndex + 1
	c, err := r.candles.At(m.Symbol, next)
	if err != nil {
		r.log.Error().Err(err).Str("match", matchID).Int("index", next).Msg("candle read failed")
		return true
	}

	// Mark both risk traces at the new close so drawdown covers held
	// positions, not just trade-time equity.
	for _, uid := range []string{m.CreatorID, m.OpponentID} {
		if uid == "" {
			continue
		}
		// A missing entry is an adoption race; the next bind re-seeds it.
		_ = r.positions.Apply(matchID, uid, func(p *position.Position) error {
			p.ObserveEquity(c.Close)
			return nil
		})
	}

	metrics.CandleTicks.Inc()
	r.bus.Publish(ctx, fabric.MatchCandle(matchID), CandleEvent{
		MatchID:   matchID,
		Index:     next,
		Remaining: m.CandleCount - 1 - next,
		Date:      c.Date,
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
	})
	return true
}

// finish resolves the match with a bounded retry. Persistence is guarded in
// the store, so a retry after a half-applied attempt cannot double-settle.
func (r *Registry) finish(ctx context.Context, matchID string) {
	for attempt := 1; ; attempt++ {
		err := r.finisher.Finish(ctx, matchID)
		if err == nil || errors.Is(err, store.ErrInvalidState) {
			return
		}
		r.log.Error().Err(err).Str("match", matchID).Int("attempt", attempt).
			Msg("match finish failed")
		if attempt >= finishAttempts {
			return
		}
		metrics.FinishRetries.Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(finishRetryDelay):
		}
	}
}

// ActivateIfReady starts the match once both players are seated and
// connected: flips WAITING to ACTIVE under the lease, seeds positions, and
// begins ticking. Called after every session bind; early calls are no-ops.
func (r *Registry) ActivateIfReady(ctx context.Context, matchID string) error {
	m, err := r.store.GetMatch(matchID)
	if err != nil {
		return err
	}

	switch m.Status {
	case store.StatusActive:
		// Rejoin against a match this instance is not ticking. The sweep
		// would adopt it eventually; adopting now avoids a stalled clock.
		if r.Running(matchID) {
			return nil
		}
		return r.adopt(ctx, m)
	case store.StatusWaiting:
	default:
		return nil
	}

	if m.OpponentID == "" || len(r.rooms.Connected(matchID)) < 2 {
		return nil
	}

	owned, err := r.lease.Acquire(ctx, matchID)
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}

	if err := r.store.ActivateMatch(matchID); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			return nil
		}
		return err
	}

	players := []string{m.CreatorID, m.OpponentID}
	r.positions.Init(matchID, players, m.StartingBalance)

	r.bus.Publish(ctx, fabric.MatchStarted(matchID), StartedEvent{
		MatchID:         matchID,
		Symbol:          m.Symbol,
		CandleCount:     m.CandleCount,
		StartingBalance: m.StartingBalance,
		TickMillis:      r.tick.Milliseconds(),
		Players:         players,
	})
	r.log.Info().Str("match", matchID).Str("symbol", m.Symbol).
		Int("candles", m.CandleCount).Msg("match activated")

	return r.Start(matchID)
}

// adopt takes over an ACTIVE match whose previous owner lapsed: claims the
// lease, rebuilds local state, and resumes from the persisted candle index.
func (r *Registry) adopt(ctx context.Context, m *store.Match) error {
	owned, err := r.lease.Acquire(ctx, m.ID)
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}

	r.rooms.Register(m.ID)
	for _, uid := range []string{m.CreatorID, m.OpponentID} {
		if uid != "" {
			// Rebuilding a two-seat roster; Join cannot report a full room.
			_ = r.rooms.Join(m.ID, uid)
		}
	}
	r.positions.Init(m.ID, []string{m.CreatorID, m.OpponentID}, m.StartingBalance)

	r.log.Info().Str("match", m.ID).Int("index", m.CandleIndex).
		Msg("adopted match after lease takeover")
	return r.Start(m.ID)
}

// Run drives the periodic failover and orphan sweeps until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep adopts ACTIVE matches with no live scheduler anywhere, and evicts
// in-memory positions whose match has reached a terminal state.
func (r *Registry) Sweep(ctx context.Context) {
	active, err := r.store.ListActiveMatches()
	if err != nil {
		r.log.Error().Err(err).Msg("failover sweep query failed")
		return
	}

	activeIDs := make(map[string]bool, len(active))
	for i := range active {
		m := &active[i]
		activeIDs[m.ID] = true
		if r.Running(m.ID) {
			continue
		}
		// Acquire only succeeds once the previous owner's lease lapsed.
		if err := r.adopt(ctx, m); err != nil {
			r.log.Error().Err(err).Str("match", m.ID).Msg("adoption failed")
		}
	}

	for _, id := range r.positions.MatchIDs() {
		if activeIDs[id] {
			continue
		}
		m, err := r.store.GetMatch(id)
		if err == nil && m.Status == store.StatusWaiting {
			continue
		}
		r.positions.EvictMatch(id)
		r.log.Info().Str("match", id).Msg("evicted orphaned positions")
	}
}
