package position

import (
	"errors"
	"sync"
)

var ErrNoPosition = errors.New("no position for this match and user")

// Position is one player's holdings within one match. All money is int64
// cents. Cost bases are kept as running totals so weighted averages stay
// exact under integer arithmetic.
//
// Equity at price p = Cash + Long*p + (ShortCost - Short*p); the last term
// is the sum of short_shares*(short_avg - p) without the division.
type Position struct {
	Cash      int64
	Long      int64 // long share count
	LongCost  int64 // total cost basis of open long shares
	Short     int64 // short share count
	ShortCost int64 // total entry value of open short shares

	// Running risk trace, updated on every trade and candle tick.
	Peak        int64
	MaxDrawdown float64 // fraction of peak, 0..1

	Trades     int
	Profitable int
	Closing    int // SELL + COVER count; accuracy denominator
}

// LongAvg returns the weighted average entry price of the long position.
func (p *Position) LongAvg() int64 {
	if p.Long == 0 {
		return 0
	}
	return p.LongCost / p.Long
}

// ShortAvg returns the weighted average entry price of the short position.
func (p *Position) ShortAvg() int64 {
	if p.Short == 0 {
		return 0
	}
	return p.ShortCost / p.Short
}

// Equity values the position at price p.
func (p *Position) Equity(price int64) int64 {
	return p.Cash + p.Long*price + (p.ShortCost - p.Short*price)
}

// ObserveEquity folds the equity at price into the peak/drawdown trace.
func (p *Position) ObserveEquity(price int64) {
	eq := p.Equity(price)
	if eq > p.Peak {
		p.Peak = eq
	}
	if p.Peak > 0 {
		dd := float64(p.Peak-eq) / float64(p.Peak)
		if dd > p.MaxDrawdown {
			p.MaxDrawdown = dd
		}
	}
}

type key struct {
	matchID string
	userID  string
}

type entry struct {
	mu  sync.Mutex
	pos Position
}

// Store holds the canonical in-memory positions consulted by the trade path.
// Each (match, user) key has exactly one writer at a time: Apply holds the
// entry lock for the whole read-validate-mutate sequence.
type Store struct {
	mu      sync.RWMutex
	entries map[key]*entry
}

// NewStore creates an empty position store.
func NewStore() *Store {
	return &Store{entries: make(map[key]*entry)}
}

// Init creates zeroed positions with the given starting cash for every
// player of a match. Existing entries are left untouched so a lease
// takeover after failover does not reset live positions.
func (s *Store) Init(matchID string, userIDs []string, cash int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uid := range userIDs {
		k := key{matchID, uid}
		if _, ok := s.entries[k]; ok {
			continue
		}
		s.entries[k] = &entry{pos: Position{Cash: cash, Peak: cash}}
	}
}

// Apply runs fn under the entry's lock. If fn returns an error the position
// is restored to its pre-image, so a failed trade observes no partial update.
func (s *Store) Apply(matchID, userID string, fn func(*Position) error) error {
	s.mu.RLock()
	e, ok := s.entries[key{matchID, userID}]
	s.mu.RUnlock()
	if !ok {
		return ErrNoPosition
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.pos
	if err := fn(&e.pos); err != nil {
		e.pos = before
		return err
	}
	return nil
}

// Snapshot returns a consistent copy of the position.
func (s *Store) Snapshot(matchID, userID string) (Position, bool) {
	s.mu.RLock()
	e, ok := s.entries[key{matchID, userID}]
	s.mu.RUnlock()
	if !ok {
		return Position{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, true
}

// EvictMatch removes all positions belonging to a match.
func (s *Store) EvictMatch(matchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if k.matchID == matchID {
			delete(s.entries, k)
		}
	}
}

// MatchIDs returns the set of match ids with live positions; the orphan
// sweeper compares it against non-terminal matches in the store.
func (s *Store) MatchIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	for k := range s.entries {
		if !seen[k.matchID] {
			seen[k.matchID] = true
			ids = append(ids, k.matchID)
		}
	}
	return ids
}

// Len returns the number of live position entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
