package store

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrMatchNotFound = errors.New("match not found")
	ErrUserNotFound  = errors.New("user not found")
	// ErrInvalidState is returned when a guarded transition finds the match
	// in a status (or version) that no longer permits the write.
	ErrInvalidState = errors.New("match state does not permit this operation")
)

// Match lifecycle states. Transitions only along
// WAITING -> ACTIVE -> FINISHED, or WAITING/ACTIVE -> ABANDONED.
const (
	StatusWaiting   = "WAITING"
	StatusActive    = "ACTIVE"
	StatusFinished  = "FINISHED"
	StatusAbandoned = "ABANDONED"
)

// Store provides SQLite persistence for matches, trades, stats, and users.
type Store struct {
	db *sql.DB
}

// Open creates a Store and applies pending migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath == ":memory:" {
		dbPath = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Match is the durable record of a 1v1 trading match.
// All monetary values are int64 cents.
type Match struct {
	ID              string
	Symbol          string
	DurationMinutes int
	Status          string
	CreatorID       string
	OpponentID      string // empty while WAITING
	StartingBalance int64
	CandleIndex     int
	CandleCount     int
	StartedAt       sql.NullTime
	EndedAt         sql.NullTime
	CreatorFinal    int64
	OpponentFinal   int64
	CreatorScore    int
	OpponentScore   int
	CreatorDelta    int
	OpponentDelta   int
	EndReason       string // set for ABANDONED matches
	Version         int64
	CreatedAt       time.Time
}

// IsParticipant reports whether userID is the creator or opponent.
func (m *Match) IsParticipant(userID string) bool {
	return userID == m.CreatorID || (m.OpponentID != "" && userID == m.OpponentID)
}

// Opponent returns the other participant's id, or "" if userID is not a
// participant or the seat is empty.
func (m *Match) Opponent(userID string) string {
	switch userID {
	case m.CreatorID:
		return m.OpponentID
	case m.OpponentID:
		return m.CreatorID
	}
	return ""
}

// Trade is an append-only record of one executed order.
type Trade struct {
	ID        string
	MatchID   string
	UserID    string
	Symbol    string
	Type      string // BUY, SELL, SHORT, COVER
	Quantity  int64
	Price     int64 // cents, server-set from the current candle close
	CreatedAt time.Time
}

// MatchStats is the per-player risk and performance summary for one match.
type MatchStats struct {
	MatchID          string
	UserID           string
	PeakEquity       int64
	MaxDrawdown      float64 // fraction of peak, 0..1
	TotalTrades      int
	ProfitableTrades int
	FinalEquity      int64
	Score            int // composite, 0..100
}

// User is the rating-bearing player record. Identity is issued externally;
// rows are created on first sight of an authenticated user id.
type User struct {
	ID        string
	Name      string
	Rating    int
	CreatedAt time.Time
}
