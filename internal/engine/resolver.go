package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stockduel/internal/candle"
	"stockduel/internal/fabric"
	"stockduel/internal/metrics"
	"stockduel/internal/position"
	"stockduel/internal/room"
	"stockduel/internal/stats"
	"stockduel/internal/store"
)

// roomCleanupGrace is how long room state survives a terminal match, so late
// subscribers still receive the finished event before eviction.
const roomCleanupGrace = 10 * time.Second

// Resolver drives a match to its terminal state: it computes final equities
// and stats, persists them atomically with the rating update, publishes the
// finished event, and evicts in-memory state.
type Resolver struct {
	store     *store.Store
	positions *position.Store
	rooms     *room.Manager
	candles   *candle.Source
	bus       Publisher
	log       zerolog.Logger

	// Injected by the scheduler registry so finishing from any path stops
	// the ticker without an import cycle.
	stopScheduler func(matchID string)
}

// NewResolver wires a match resolver.
func NewResolver(st *store.Store, positions *position.Store, rooms *room.Manager, candles *candle.Source, bus Publisher, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:         st,
		positions:     positions,
		rooms:         rooms,
		candles:       candles,
		bus:           bus,
		log:           log.With().Str("component", "resolver").Logger(),
		stopScheduler: func(string) {},
	}
}

// SetSchedulerStop registers the scheduler-cancel hook.
func (r *Resolver) SetSchedulerStop(fn func(matchID string)) {
	r.stopScheduler = fn
}

// PlayerResult is one player's final line in the finished event.
type PlayerResult struct {
	UserID      string  `json:"userId"`
	FinalEquity int64   `json:"finalEquity"`
	Score       int     `json:"score"`
	RatingDelta int     `json:"ratingDelta"`
	PeakEquity  int64   `json:"peakEquity"`
	MaxDrawdown float64 `json:"maxDrawdown"`
	Trades      int     `json:"trades"`
	Profitable  int     `json:"profitableTrades"`
}

// FinishedEvent is broadcast on the match finished channel.
type FinishedEvent struct {
	MatchID  string         `json:"matchId"`
	Reason   string         `json:"reason"` // "completed" or an abandonment reason
	WinnerID string         `json:"winnerId,omitempty"`
	Results  []PlayerResult `json:"results,omitempty"`
}

// Finish resolves an ACTIVE match at its current candle. Safe to call from
// the scheduler's last tick or from the administrative finish endpoint; a
// second call finds the match terminal and fails with ErrInvalidState.
func (r *Resolver) Finish(ctx context.Context, matchID string) error {
	m, err := r.store.GetMatch(matchID)
	if err != nil {
		return err
	}
	if m.Status != store.StatusActive {
		return fmt.Errorf("%w: finish %s match", store.ErrInvalidState, m.Status)
	}

	c, err := r.candles.At(m.Symbol, m.CandleIndex)
	if err != nil {
		return fmt.Errorf("final candle: %w", err)
	}
	price := c.Close

	creator := r.settlePlayer(m, m.CreatorID, price)
	opponent := r.settlePlayer(m, m.OpponentID, price)

	creatorUser, err := r.store.GetUser(m.CreatorID)
	if err != nil {
		return fmt.Errorf("creator rating: %w", err)
	}
	opponentUser, err := r.store.GetUser(m.OpponentID)
	if err != nil {
		return fmt.Errorf("opponent rating: %w", err)
	}

	outCreator, outOpponent := stats.Outcomes(creator.FinalEquity, opponent.FinalEquity)
	creator.RatingDelta = stats.EloDelta(creatorUser.Rating, opponentUser.Rating, outCreator)
	opponent.RatingDelta = stats.EloDelta(opponentUser.Rating, creatorUser.Rating, outOpponent)

	result := store.FinishResult{
		CreatorFinal:  creator.FinalEquity,
		OpponentFinal: opponent.FinalEquity,
		CreatorScore:  creator.Score,
		OpponentScore: opponent.Score,
		CreatorDelta:  creator.RatingDelta,
		OpponentDelta: opponent.RatingDelta,
		Stats: []store.MatchStats{
			statsRow(matchID, creator),
			statsRow(matchID, opponent),
		},
	}
	if err := r.store.FinishMatch(matchID, result); err != nil {
		return err
	}

	winnerID := ""
	switch {
	case creator.FinalEquity > opponent.FinalEquity:
		winnerID = m.CreatorID
	case opponent.FinalEquity > creator.FinalEquity:
		winnerID = m.OpponentID
	}

	r.bus.Publish(ctx, fabric.MatchFinished(matchID), FinishedEvent{
		MatchID:  matchID,
		Reason:   "completed",
		WinnerID: winnerID,
		Results:  []PlayerResult{creator, opponent},
	})
	metrics.MatchesFinished.WithLabelValues(store.StatusFinished).Inc()
	r.log.Info().Str("match", matchID).Str("winner", winnerID).
		Int64("creatorEquity", creator.FinalEquity).
		Int64("opponentEquity", opponent.FinalEquity).
		Msg("match finished")

	r.teardown(matchID)
	return nil
}

// Abandon marks a WAITING or ACTIVE match abandoned, publishes the finished
// event with the reason, and evicts state. No ratings change. Idempotent on
// terminal matches.
func (r *Resolver) Abandon(ctx context.Context, matchID, reason string) error {
	m, err := r.store.GetMatch(matchID)
	if err != nil {
		return err
	}
	if m.Status == store.StatusFinished || m.Status == store.StatusAbandoned {
		return nil
	}

	if err := r.store.AbandonMatch(matchID, reason); err != nil {
		return err
	}

	r.bus.Publish(ctx, fabric.MatchFinished(matchID), FinishedEvent{
		MatchID: matchID,
		Reason:  "abandoned: " + reason,
	})
	metrics.MatchesFinished.WithLabelValues(store.StatusAbandoned).Inc()
	r.log.Info().Str("match", matchID).Str("reason", reason).Msg("match abandoned")

	r.teardown(matchID)
	return nil
}

// settlePlayer values a player's position at the final price. If this
// instance never hosted the position (lease takeover late in the match),
// it is reconstructed by replaying the trade log.
func (r *Resolver) settlePlayer(m *store.Match, userID string, price int64) PlayerResult {
	snap, ok := r.positions.Snapshot(m.ID, userID)
	if !ok {
		snap = r.replay(m, userID)
	}
	snap.ObserveEquity(price)

	equity := snap.Equity(price)
	return PlayerResult{
		UserID:      userID,
		FinalEquity: equity,
		Score:       stats.Score(m.StartingBalance, equity, snap.MaxDrawdown, snap.Profitable, snap.Closing),
		PeakEquity:  snap.Peak,
		MaxDrawdown: snap.MaxDrawdown,
		Trades:      snap.Trades,
		Profitable:  snap.Profitable,
	}
}

// replay folds the persisted trade log into a position. The intra-match
// drawdown trace is approximated from trade-time prices only.
func (r *Resolver) replay(m *store.Match, userID string) position.Position {
	p := position.Position{Cash: m.StartingBalance, Peak: m.StartingBalance}
	trades, err := r.store.ListTrades(m.ID)
	if err != nil {
		r.log.Error().Err(err).Str("match", m.ID).Msg("trade replay failed")
		return p
	}
	for _, t := range trades {
		if t.UserID != userID {
			continue
		}
		if err := apply(&p, TradeType(t.Type), t.Quantity, t.Price); err != nil {
			r.log.Error().Err(err).Str("trade", t.ID).Msg("inconsistent trade during replay")
			continue
		}
		p.ObserveEquity(t.Price)
	}
	return p
}

func statsRow(matchID string, pr PlayerResult) store.MatchStats {
	return store.MatchStats{
		MatchID:          matchID,
		UserID:           pr.UserID,
		PeakEquity:       pr.PeakEquity,
		MaxDrawdown:      pr.MaxDrawdown,
		TotalTrades:      pr.Trades,
		ProfitableTrades: pr.Profitable,
		FinalEquity:      pr.FinalEquity,
		Score:            pr.Score,
	}
}

// teardown cancels the scheduler, evicts positions now, and removes the
// room after a short grace so late subscribers still see the final event.
func (r *Resolver) teardown(matchID string) {
	r.stopScheduler(matchID)
	r.positions.EvictMatch(matchID)
	rooms := r.rooms
	time.AfterFunc(roomCleanupGrace, func() { rooms.Remove(matchID) })
}
