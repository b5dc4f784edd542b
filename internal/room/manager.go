package room

import (
	"errors"
	"sync"
	"time"

	"stockduel/internal/metrics"
)

var (
	ErrRoomFull     = errors.New("room already has two players")
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("user is not a member of this room")
)

type player struct {
	sessionID string // empty while disconnected
	ready     bool
}

// Room is the in-memory roster of one live match on this instance.
type Room struct {
	matchID      string
	players      map[string]*player
	lastActivity time.Time
}

type binding struct {
	matchID string
	userID  string
}

// Manager owns all live rooms on this instance. Every operation on a room
// is atomic with respect to the others; the trade path's participant check
// reads the same state under the same lock.
type Manager struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	sessions map[string]binding
}

// NewManager creates an empty room manager.
func NewManager() *Manager {
	return &Manager{
		rooms:    make(map[string]*Room),
		sessions: make(map[string]binding),
	}
}

// Register creates the room for a match if it does not exist yet.
func (m *Manager) Register(matchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerLocked(matchID)
}

func (m *Manager) registerLocked(matchID string) *Room {
	r, ok := m.rooms[matchID]
	if !ok {
		r = &Room{
			matchID:      matchID,
			players:      make(map[string]*player),
			lastActivity: time.Now(),
		}
		m.rooms[matchID] = r
		metrics.LiveRooms.Set(float64(len(m.rooms)))
	}
	return r
}

// Join adds a player to the room. Re-joining is idempotent; a third distinct
// player gets ErrRoomFull.
func (m *Manager) Join(matchID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.registerLocked(matchID)
	if _, ok := r.players[userID]; ok {
		return nil
	}
	if len(r.players) >= 2 {
		return ErrRoomFull
	}
	r.players[userID] = &player{}
	r.lastActivity = time.Now()
	return nil
}

// BindSession attaches a socket session to a member. A newer session
// replaces the member's previous one.
func (m *Manager) BindSession(matchID, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[matchID]
	if !ok {
		return ErrRoomNotFound
	}
	p, ok := r.players[userID]
	if !ok {
		return ErrNotMember
	}
	if p.sessionID != "" {
		delete(m.sessions, p.sessionID)
	}
	p.sessionID = sessionID
	m.sessions[sessionID] = binding{matchID, userID}
	r.lastActivity = time.Now()
	return nil
}

// MarkReady flags the player ready. Returns true iff both players of the
// room have issued ready at least once. Idempotent per user.
func (m *Manager) MarkReady(matchID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[matchID]
	if !ok {
		return false, ErrRoomNotFound
	}
	p, ok := r.players[userID]
	if !ok {
		return false, ErrNotMember
	}
	p.ready = true
	r.lastActivity = time.Now()

	if len(r.players) < 2 {
		return false, nil
	}
	for _, pl := range r.players {
		if !pl.ready {
			return false, nil
		}
	}
	return true, nil
}

// UnregisterSession removes a session binding and returns the (match, user)
// it was attached to. Applying it twice has no additional effect.
func (m *Manager) UnregisterSession(sessionID string) (matchID, userID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, found := m.sessions[sessionID]
	if !found {
		return "", "", false
	}
	delete(m.sessions, sessionID)

	if r, exists := m.rooms[b.matchID]; exists {
		if p, exists := r.players[b.userID]; exists && p.sessionID == sessionID {
			p.sessionID = ""
		}
		r.lastActivity = time.Now()
	}
	return b.matchID, b.userID, true
}

// SessionUser returns the (match, user) bound to a session.
func (m *Manager) SessionUser(sessionID string) (matchID, userID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, found := m.sessions[sessionID]
	return b.matchID, b.userID, found
}

// IsMember reports whether userID is on the room roster.
func (m *Manager) IsMember(matchID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[matchID]
	if !ok {
		return false
	}
	_, ok = r.players[userID]
	return ok
}

// IsConnected reports whether the member currently has a bound session.
func (m *Manager) IsConnected(matchID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[matchID]
	if !ok {
		return false
	}
	p, ok := r.players[userID]
	return ok && p.sessionID != ""
}

// Connected returns the user ids with a live session in the room.
func (m *Manager) Connected(matchID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[matchID]
	if !ok {
		return nil
	}
	var users []string
	for uid, p := range r.players {
		if p.sessionID != "" {
			users = append(users, uid)
		}
	}
	return users
}

// Members returns the full roster of the room.
func (m *Manager) Members(matchID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[matchID]
	if !ok {
		return nil
	}
	var users []string
	for uid := range r.players {
		users = append(users, uid)
	}
	return users
}

// Remove drops the room and all its session bindings.
func (m *Manager) Remove(matchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[matchID]
	if !ok {
		return
	}
	for _, p := range r.players {
		if p.sessionID != "" {
			delete(m.sessions, p.sessionID)
		}
	}
	delete(m.rooms, matchID)
	metrics.LiveRooms.Set(float64(len(m.rooms)))
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
