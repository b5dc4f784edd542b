package matchmaker

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stockduel/internal/candle"
	"stockduel/internal/fabric"
	"stockduel/internal/metrics"
	"stockduel/internal/room"
	"stockduel/internal/store"
)

const sweepCadence = time.Second

// Rating windows widen with a ticket's own wait, so a lopsided queue still
// drains eventually.
const (
	narrowWindow   = 100
	narrowDeadline = 20 * time.Second
	wideWindow     = 200
	wideDeadline   = 40 * time.Second
)

var ErrNoSymbols = errors.New("no symbols available for matchmaking")

// Ticket is one waiting player. The queue is totally ordered by
// (rating, enqueue time, user id), which makes the nearest-rated neighbors
// the adjacent slice entries.
type Ticket struct {
	UserID     string
	Name       string
	Rating     int
	EnqueuedAt time.Time
}

func (t *Ticket) less(o *Ticket) bool {
	if t.Rating != o.Rating {
		return t.Rating < o.Rating
	}
	if !t.EnqueuedAt.Equal(o.EnqueuedAt) {
		return t.EnqueuedAt.Before(o.EnqueuedAt)
	}
	return t.UserID < o.UserID
}

// Defaults configure the matches the matchmaker creates.
type Defaults struct {
	DurationMinutes int
	StartingBalance int64 // cents
	Tick            time.Duration
}

// Queue is the skill-bracketed matchmaking queue. All mutation happens under
// one lock, so a ticket is consumed by at most one pairing.
type Queue struct {
	store    *store.Store
	rooms    *room.Manager
	candles  *candle.Source
	bus      Publisher
	log      zerolog.Logger
	ttl      time.Duration
	defaults Defaults
	now      func() time.Time

	mu      sync.Mutex
	tickets []*Ticket
	byUser  map[string]*Ticket
}

// Publisher is the broadcast surface match-found and expiry events go out on.
type Publisher interface {
	Publish(ctx context.Context, dest string, v interface{})
}

// New creates a matchmaking queue.
func New(st *store.Store, rooms *room.Manager, candles *candle.Source,
	bus Publisher, ttl time.Duration, defaults Defaults, log zerolog.Logger) *Queue {
	return &Queue{
		store:    st,
		rooms:    rooms,
		candles:  candles,
		bus:      bus,
		log:      log.With().Str("component", "matchmaker").Logger(),
		ttl:      ttl,
		defaults: defaults,
		now:      time.Now,
		byUser:   make(map[string]*Ticket),
	}
}

// Enqueue adds a player to the queue and immediately tries the rating
// neighbors. Returns the new match id on an instant pair, or "" when queued.
// Re-enqueueing an already queued user keeps the original ticket.
func (q *Queue) Enqueue(ctx context.Context, userID, name string, rating int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byUser[userID]; ok {
		return "", nil
	}

	t := &Ticket{UserID: userID, Name: name, Rating: rating, EnqueuedAt: q.now()}
	q.insert(t)

	matchID, err := q.tryPair(ctx, t)
	if err != nil {
		return "", err
	}
	return matchID, nil
}

// Dequeue removes a user's ticket. Reports whether one existed.
func (q *Queue) Dequeue(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byUser[userID]
	if !ok {
		return false
	}
	q.remove(t)
	return true
}

// Depth returns the number of queued tickets.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tickets)
}

// Run drives the pairing and expiry sweep until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep(ctx)
		}
	}
}

// Sweep expires stale tickets and retries pairing for the rest.
func (q *Queue) Sweep(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, t := range append([]*Ticket(nil), q.tickets...) {
		if _, ok := q.byUser[t.UserID]; !ok {
			// Consumed by an earlier pairing in this sweep.
			continue
		}
		if now.Sub(t.EnqueuedAt) > q.ttl {
			q.remove(t)
			metrics.MatchmakerExpiries.Inc()
			q.bus.Publish(ctx, fabric.UserQueue(t.UserID), map[string]interface{}{
				"event": "match-expired",
			})
			q.log.Info().Str("user", t.UserID).Msg("matchmaking ticket expired")
			continue
		}
		if _, err := q.tryPair(ctx, t); err != nil {
			q.log.Error().Err(err).Str("user", t.UserID).Msg("pairing failed")
		}
	}
}

// insert places the ticket at its position in the total order.
func (q *Queue) insert(t *Ticket) {
	i := sort.Search(len(q.tickets), func(i int) bool { return t.less(q.tickets[i]) })
	q.tickets = append(q.tickets, nil)
	copy(q.tickets[i+1:], q.tickets[i:])
	q.tickets[i] = t
	q.byUser[t.UserID] = t
	metrics.QueueDepth.Set(float64(len(q.tickets)))
}

func (q *Queue) remove(t *Ticket) {
	for i, cur := range q.tickets {
		if cur == t {
			q.tickets = append(q.tickets[:i], q.tickets[i+1:]...)
			break
		}
	}
	delete(q.byUser, t.UserID)
	metrics.QueueDepth.Set(float64(len(q.tickets)))
}

// window returns the admissible rating gap for a ticket that has waited for
// the given duration; a negative value means unbounded.
func window(wait time.Duration) int {
	switch {
	case wait < narrowDeadline:
		return narrowWindow
	case wait < wideDeadline:
		return wideWindow
	default:
		return -1
	}
}

// tryPair examines the ticket's immediate rating neighbors and pairs with
// whichever admissible one enqueued first. Caller holds the lock.
func (q *Queue) tryPair(ctx context.Context, t *Ticket) (string, error) {
	i := q.position(t)
	if i < 0 {
		return "", nil
	}
	w := window(q.now().Sub(t.EnqueuedAt))

	var candidate *Ticket
	for _, j := range []int{i - 1, i + 1} {
		if j < 0 || j >= len(q.tickets) {
			continue
		}
		n := q.tickets[j]
		if w >= 0 && abs(n.Rating-t.Rating) > w {
			continue
		}
		if candidate == nil || n.EnqueuedAt.Before(candidate.EnqueuedAt) {
			candidate = n
		}
	}
	if candidate == nil {
		return "", nil
	}
	return q.pair(ctx, t, candidate)
}

func (q *Queue) position(t *Ticket) int {
	for i, cur := range q.tickets {
		if cur == t {
			return i
		}
	}
	return -1
}

// pair consumes both tickets, creates the match, and notifies both users.
// The earlier-enqueued player takes the creator seat. Caller holds the lock.
func (q *Queue) pair(ctx context.Context, a, b *Ticket) (string, error) {
	creator, opponent := a, b
	if b.EnqueuedAt.Before(a.EnqueuedAt) {
		creator, opponent = b, a
	}

	symbols, err := q.candles.Symbols()
	if err != nil {
		return "", err
	}
	if len(symbols) == 0 {
		return "", ErrNoSymbols
	}
	symbol := symbols[rand.Intn(len(symbols))]

	seriesLen, err := q.candles.Len(symbol)
	if err != nil {
		return "", err
	}
	count := q.defaults.DurationMinutes * int(time.Minute/q.defaults.Tick)
	if count > seriesLen {
		count = seriesLen
	}

	m := &store.Match{
		ID:              uuid.NewString(),
		Symbol:          symbol,
		DurationMinutes: q.defaults.DurationMinutes,
		CreatorID:       creator.UserID,
		StartingBalance: q.defaults.StartingBalance,
		CandleCount:     count,
	}
	if err := q.store.CreateMatch(m); err != nil {
		return "", err
	}
	if err := q.store.SetOpponent(m.ID, opponent.UserID, m.Version); err != nil {
		return "", err
	}

	q.remove(a)
	q.remove(b)

	q.rooms.Register(m.ID)
	// Join cannot fail on a room registered one line up with open seats.
	_ = q.rooms.Join(m.ID, creator.UserID)
	_ = q.rooms.Join(m.ID, opponent.UserID)

	for _, t := range []*Ticket{creator, opponent} {
		q.bus.Publish(ctx, fabric.UserQueue(t.UserID), map[string]interface{}{
			"event":    "match-found",
			"matchId":  m.ID,
			"symbol":   symbol,
			"opponent": other(t, creator, opponent).Name,
		})
	}

	metrics.MatchmakerPairs.Inc()
	q.log.Info().Str("match", m.ID).Str("creator", creator.UserID).
		Str("opponent", opponent.UserID).Str("symbol", symbol).Msg("players paired")
	return m.ID, nil
}

func other(t, a, b *Ticket) *Ticket {
	if t == a {
		return b
	}
	return a
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
