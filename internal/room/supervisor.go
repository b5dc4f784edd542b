package room

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stockduel/internal/fabric"
	"stockduel/internal/store"
)

// MatchReader is the slice of the match store the supervisor needs.
type MatchReader interface {
	GetMatch(id string) (*store.Match, error)
}

// Publisher is the broadcast-fabric surface used for lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, dest string, v interface{})
}

// Ender terminates a match as abandoned: persists the status flip, cancels
// the scheduler, publishes finished, and evicts state.
type Ender interface {
	Abandon(ctx context.Context, matchID, reason string) error
}

// Supervisor translates socket-level disconnects into match-level
// abandonment decisions, with a reconnection grace window.
type Supervisor struct {
	rooms   *Manager
	matches MatchReader
	bus     Publisher
	ender   Ender
	grace   time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer // matchID+"/"+userID -> pending abandon
}

// NewSupervisor wires a disconnect supervisor.
func NewSupervisor(rooms *Manager, matches MatchReader, bus Publisher, ender Ender, grace time.Duration, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		rooms:   rooms,
		matches: matches,
		bus:     bus,
		ender:   ender,
		grace:   grace,
		log:     log.With().Str("component", "supervisor").Logger(),
	}
}

func graceKey(matchID, userID string) string { return matchID + "/" + userID }

// OnDisconnect handles the end of a socket session.
func (s *Supervisor) OnDisconnect(ctx context.Context, sessionID string) {
	matchID, userID, ok := s.rooms.UnregisterSession(sessionID)
	if !ok {
		return
	}

	m, err := s.matches.GetMatch(matchID)
	if err != nil {
		s.log.Warn().Err(err).Str("match", matchID).Msg("disconnect for unknown match")
		return
	}

	switch m.Status {
	case store.StatusWaiting:
		if userID == m.CreatorID {
			s.log.Info().Str("match", matchID).Msg("creator left waiting match; abandoning")
			if err := s.ender.Abandon(ctx, matchID, "creator left before start"); err != nil {
				s.log.Error().Err(err).Str("match", matchID).Msg("abandon failed")
			}
		}
	case store.StatusActive:
		s.bus.Publish(ctx, fabric.MatchState(matchID), map[string]interface{}{
			"event":  "player-disconnected",
			"userId": userID,
		})
		s.startGrace(matchID, userID)
	}
}

// startGrace arms the abandonment timer for a disconnected player.
func (s *Supervisor) startGrace(matchID, userID string) {
	key := graceKey(matchID, userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	if s.timers == nil {
		s.timers = make(map[string]*time.Timer)
	}
	s.timers[key] = time.AfterFunc(s.grace, func() {
		s.graceExpired(matchID, userID)
	})
	s.log.Info().Str("match", matchID).Str("user", userID).
		Dur("grace", s.grace).Msg("reconnect grace started")
}

func (s *Supervisor) graceExpired(matchID, userID string) {
	s.mu.Lock()
	delete(s.timers, graceKey(matchID, userID))
	s.mu.Unlock()

	// The player may have reconnected right at the boundary.
	if s.rooms.IsConnected(matchID, userID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.log.Info().Str("match", matchID).Str("user", userID).Msg("grace expired; abandoning match")
	if err := s.ender.Abandon(ctx, matchID, "player "+userID+" disconnected"); err != nil {
		s.log.Error().Err(err).Str("match", matchID).Msg("abandon after grace failed")
	}
}

// OnReconnect cancels a pending grace window after the same user rejoined.
func (s *Supervisor) OnReconnect(ctx context.Context, matchID, userID string) {
	s.mu.Lock()
	t, ok := s.timers[graceKey(matchID, userID)]
	if ok {
		t.Stop()
		delete(s.timers, graceKey(matchID, userID))
	}
	s.mu.Unlock()

	if ok {
		s.bus.Publish(ctx, fabric.MatchState(matchID), map[string]interface{}{
			"event":  "player-reconnected",
			"userId": userID,
		})
		s.log.Info().Str("match", matchID).Str("user", userID).Msg("player reconnected within grace")
	}
}

// Stop cancels all pending grace timers.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
}
