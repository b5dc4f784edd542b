package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stockduel/internal/candle"
	"stockduel/internal/fabric"
	"stockduel/internal/metrics"
	"stockduel/internal/position"
	"stockduel/internal/store"
)

// Trade rejection taxonomy, surfaced verbatim to clients.
var (
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrInsufficientShares        = errors.New("insufficient shares")
	ErrInsufficientShortPosition = errors.New("insufficient short position")
	ErrInvalidQuantity           = errors.New("quantity must be a positive integer")
	ErrInvalidType               = errors.New("trade type must be BUY, SELL, SHORT, or COVER")
	ErrInvalidMatchState         = errors.New("match is not active")
	ErrNotParticipant            = errors.New("user is not a participant of this match")
	ErrSymbolMismatch            = errors.New("symbol does not match this match's instrument")
)

// TradeType enumerates the four order kinds.
type TradeType string

const (
	Buy   TradeType = "BUY"
	Sell  TradeType = "SELL"
	Short TradeType = "SHORT"
	Cover TradeType = "COVER"
)

// ParseTradeType validates a client-supplied trade type.
func ParseTradeType(s string) (TradeType, error) {
	switch TradeType(strings.ToUpper(s)) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	case Short:
		return Short, nil
	case Cover:
		return Cover, nil
	}
	return "", fmt.Errorf("unknown trade type %q", s)
}

// Publisher is the broadcast surface the executor emits on.
type Publisher interface {
	Publish(ctx context.Context, dest string, v interface{})
}

// Executor validates and applies trade submissions. The price is always the
// close of the match's current candle — never taken from the client.
type Executor struct {
	store     *store.Store
	positions *position.Store
	candles   *candle.Source
	bus       Publisher
	log       zerolog.Logger
}

// NewExecutor wires a trade executor.
func NewExecutor(st *store.Store, positions *position.Store, candles *candle.Source, bus Publisher, log zerolog.Logger) *Executor {
	return &Executor{
		store:     st,
		positions: positions,
		candles:   candles,
		bus:       bus,
		log:       log.With().Str("component", "executor").Logger(),
	}
}

// TradeEvent is broadcast on the match trade channel after execution.
type TradeEvent struct {
	ID          string `json:"id"`
	MatchID     string `json:"matchId"`
	UserID      string `json:"userId"`
	Symbol      string `json:"symbol"`
	Type        string `json:"type"`
	Quantity    int64  `json:"quantity"`
	Price       int64  `json:"price"`
	CandleIndex int    `json:"candleIndex"`
}

// Execute runs one trade end to end: preconditions, accounting under the
// position's single-writer lock, persistence, and broadcast. Rejections are
// not persisted; they emit a targeted error event to the originating user.
func (e *Executor) Execute(ctx context.Context, matchID, userID, symbol, typeStr string, quantity int64) (*store.Trade, error) {
	trade, err := e.execute(ctx, matchID, userID, symbol, typeStr, quantity)
	if err != nil {
		metrics.TradesRejected.WithLabelValues(rejectionReason(err)).Inc()
		e.bus.Publish(ctx, fabric.MatchError(matchID, userID), map[string]interface{}{
			"event":   "trade-rejected",
			"reason":  rejectionReason(err),
			"message": err.Error(),
		})
		return nil, err
	}
	return trade, nil
}

func (e *Executor) execute(ctx context.Context, matchID, userID, symbol, typeStr string, quantity int64) (*store.Trade, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	typ, err := ParseTradeType(typeStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, typeStr)
	}

	m, err := e.store.GetMatch(matchID)
	if err != nil {
		return nil, err
	}
	if m.Status != store.StatusActive {
		return nil, ErrInvalidMatchState
	}
	if !m.IsParticipant(userID) {
		return nil, ErrNotParticipant
	}
	if symbol != m.Symbol {
		return nil, ErrSymbolMismatch
	}

	c, err := e.candles.At(m.Symbol, m.CandleIndex)
	if err != nil {
		return nil, err
	}
	price := c.Close

	trade := &store.Trade{
		ID:       uuid.NewString(),
		MatchID:  matchID,
		UserID:   userID,
		Symbol:   symbol,
		Type:     string(typ),
		Quantity: quantity,
		Price:    price,
	}

	// Accounting and persistence both run under the position lock, so a
	// failed insert rolls the position back and no trade observes a partial
	// update of another.
	err = e.positions.Apply(matchID, userID, func(p *position.Position) error {
		if err := apply(p, typ, quantity, price); err != nil {
			return err
		}
		p.ObserveEquity(price)
		return e.store.InsertTrade(trade)
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesExecuted.WithLabelValues(string(typ)).Inc()
	e.log.Debug().Str("match", matchID).Str("user", userID).
		Str("type", string(typ)).Int64("qty", quantity).Int64("price", price).
		Msg("trade executed")

	e.bus.Publish(ctx, fabric.MatchTrade(matchID), TradeEvent{
		ID:          trade.ID,
		MatchID:     matchID,
		UserID:      userID,
		Symbol:      symbol,
		Type:        string(typ),
		Quantity:    quantity,
		Price:       price,
		CandleIndex: m.CandleIndex,
	})
	e.PublishState(ctx, m, price)

	return trade, nil
}

// apply mutates the position for one validated trade. SHORT holds q*p as
// collateral without transferring it; COVER realizes q*(short_avg - p).
func apply(p *position.Position, typ TradeType, q, price int64) error {
	cost := q * price

	switch typ {
	case Buy:
		if p.Cash < cost {
			return ErrInsufficientFunds
		}
		p.Cash -= cost
		p.Long += q
		p.LongCost += cost
	case Sell:
		if p.Long < q {
			return ErrInsufficientShares
		}
		avg := p.LongAvg()
		p.Cash += cost
		p.Long -= q
		p.LongCost -= q * avg
		if p.Long == 0 {
			p.LongCost = 0
		}
		p.Closing++
		if price > avg {
			p.Profitable++
		}
	case Short:
		if p.Cash < cost {
			return ErrInsufficientFunds
		}
		p.Short += q
		p.ShortCost += cost
	case Cover:
		if p.Short < q {
			return ErrInsufficientShortPosition
		}
		avg := p.ShortAvg()
		p.Cash += q * (avg - price)
		p.Short -= q
		p.ShortCost -= q * avg
		if p.Short == 0 {
			p.ShortCost = 0
		}
		p.Closing++
		if price < avg {
			p.Profitable++
		}
	}

	p.Trades++
	return nil
}

// PlayerState is one player's slice of the state snapshot.
type PlayerState struct {
	UserID   string `json:"userId"`
	Cash     int64  `json:"cash"`
	Long     int64  `json:"longShares"`
	LongAvg  int64  `json:"longAvgPrice"`
	Short    int64  `json:"shortShares"`
	ShortAvg int64  `json:"shortAvgPrice"`
	Equity   int64  `json:"equity"`
}

// StateEvent is the full position snapshot for both players, broadcast on
// the match state channel after every execution.
type StateEvent struct {
	MatchID     string        `json:"matchId"`
	CandleIndex int           `json:"candleIndex"`
	Price       int64         `json:"price"`
	Players     []PlayerState `json:"players"`
}

// StateFor builds the two-player position snapshot valued at price.
func (e *Executor) StateFor(m *store.Match, price int64) StateEvent {
	ev := StateEvent{MatchID: m.ID, CandleIndex: m.CandleIndex, Price: price}
	for _, uid := range []string{m.CreatorID, m.OpponentID} {
		if uid == "" {
			continue
		}
		snap, ok := e.positions.Snapshot(m.ID, uid)
		if !ok {
			continue
		}
		ev.Players = append(ev.Players, PlayerState{
			UserID:   uid,
			Cash:     snap.Cash,
			Long:     snap.Long,
			LongAvg:  snap.LongAvg(),
			Short:    snap.Short,
			ShortAvg: snap.ShortAvg(),
			Equity:   snap.Equity(price),
		})
	}
	return ev
}

// PublishState broadcasts both players' positions valued at price.
func (e *Executor) PublishState(ctx context.Context, m *store.Match, price int64) {
	e.bus.Publish(ctx, fabric.MatchState(m.ID), e.StateFor(m, price))
}

// rejectionReason maps a rejection to its wire label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "InsufficientFunds"
	case errors.Is(err, ErrInsufficientShares):
		return "InsufficientShares"
	case errors.Is(err, ErrInsufficientShortPosition):
		return "InsufficientShortPosition"
	case errors.Is(err, ErrInvalidQuantity):
		return "InvalidQuantity"
	case errors.Is(err, ErrInvalidType):
		return "InvalidType"
	case errors.Is(err, ErrInvalidMatchState):
		return "InvalidMatchState"
	case errors.Is(err, ErrNotParticipant):
		return "NotParticipant"
	case errors.Is(err, ErrSymbolMismatch):
		return "SymbolMismatch"
	case errors.Is(err, store.ErrMatchNotFound):
		return "MatchNotFound"
	default:
		return "Internal"
	}
}
