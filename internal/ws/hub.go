package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"stockduel/internal/auth"
	"stockduel/internal/candle"
	"stockduel/internal/engine"
	"stockduel/internal/fabric"
	"stockduel/internal/metrics"
	"stockduel/internal/room"
	"stockduel/internal/store"
)

const opTimeout = 10 * time.Second

// Activator starts a match once both players are seated and connected.
type Activator interface {
	ActivateIfReady(ctx context.Context, matchID string) error
}

// Supervisor receives socket lifecycle transitions.
type Supervisor interface {
	OnDisconnect(ctx context.Context, sessionID string)
	OnReconnect(ctx context.Context, matchID, userID string)
}

// clientFrame is what clients send: subscribe/unsubscribe to a topic, or
// send a command to an /app/game destination.
type clientFrame struct {
	Op   string          `json:"op"`
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body,omitempty"`
}

// serverFrame is what clients receive.
type serverFrame struct {
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

// Hub owns all WebSocket sessions on this instance and is the local leg of
// the broadcast fabric: Deliver fans a payload out to every session
// subscribed to the destination.
type Hub struct {
	verifier  *auth.Verifier
	rooms     *room.Manager
	store     *store.Store
	candles   *candle.Source
	exec      *engine.Executor
	sup       Supervisor
	activator Activator
	upgrader  websocket.Upgrader
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	subs     map[string]map[*session]struct{}
}

// NewHub creates the session hub. The hub is the fabric's local delivery
// leg and the executor publishes through the fabric, so the command-side
// collaborators arrive later via Wire.
func NewHub(verifier *auth.Verifier, rooms *room.Manager, st *store.Store,
	candles *candle.Source, allowedOrigins []string, log zerolog.Logger) *Hub {
	h := &Hub{
		verifier: verifier,
		rooms:    rooms,
		store:    st,
		candles:  candles,
		log:      log.With().Str("component", "ws").Logger(),
		sessions: make(map[string]*session),
		subs:     make(map[string]map[*session]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// Wire attaches the command-side collaborators. Must be called before the
// hub serves its first upgrade.
func (h *Hub) Wire(exec *engine.Executor, sup Supervisor, activator Activator) {
	h.exec = exec
	h.sup = sup
	h.activator = activator
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	wildcard := len(allowed) == 0
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return wildcard || origin == "" || set[origin]
	}
}

// ServeHTTP authenticates and upgrades the connection, then runs the read
// loop until the socket closes. The upgrade token's nonce is single-use.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if err := h.verifier.ConsumeNonce(claims); err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	s := &session{
		id:     uuid.NewString(),
		userID: claims.UserID,
		name:   claims.Name,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	h.register(s)
	h.log.Info().Str("session", s.id).Str("user", s.userID).Msg("session connected")

	go s.writePump()
	h.readPump(s)
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	metrics.ConnectedSessions.Set(float64(len(h.sessions)))
	h.mu.Unlock()
}

// unregister tears the session down exactly once and tells the supervisor.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	for dest, set := range h.subs {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, dest)
		}
	}
	close(s.send)
	metrics.ConnectedSessions.Set(float64(len(h.sessions)))
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	h.sup.OnDisconnect(ctx, s.id)
	h.log.Info().Str("session", s.id).Str("user", s.userID).Msg("session disconnected")
}

// Deliver implements the fabric's local leg.
func (h *Hub) Deliver(dest string, payload []byte) {
	frame, err := json.Marshal(serverFrame{Dest: dest, Body: payload})
	if err != nil {
		return
	}

	h.mu.Lock()
	var slow []*session
	for s := range h.subs[dest] {
		select {
		case s.send <- frame:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.Unlock()

	// A full outbound queue means the client stopped reading; close the
	// socket and let the read pump unregister it.
	for _, s := range slow {
		h.log.Warn().Str("session", s.id).Str("dest", dest).Msg("slow client; closing")
		s.conn.Close()
	}
}

// Shutdown closes every session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()

	for _, s := range all {
		s.conn.Close()
		h.unregister(s)
	}
}

func (h *Hub) readPump(s *session) {
	defer h.unregister(s)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(s, "", "malformed frame")
			continue
		}

		switch frame.Op {
		case "subscribe":
			h.subscribe(s, frame.Dest)
		case "unsubscribe":
			h.unsubscribe(s, frame.Dest)
		case "send":
			h.dispatch(s, frame)
		default:
			h.sendError(s, frame.Dest, "unknown op")
		}
	}
}

// subscribe authorizes and registers a topic subscription. Match topics
// require roster membership; user topics require identity.
func (h *Hub) subscribe(s *session, dest string) {
	if !h.authorized(s, dest) {
		h.log.Warn().Str("session", s.id).Str("user", s.userID).
			Str("dest", dest).Msg("subscription refused")
		h.sendError(s, dest, "subscription refused")
		return
	}

	h.mu.Lock()
	set, ok := h.subs[dest]
	if !ok {
		set = make(map[*session]struct{})
		h.subs[dest] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(s *session, dest string) {
	h.mu.Lock()
	if set, ok := h.subs[dest]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, dest)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) authorized(s *session, dest string) bool {
	switch {
	case strings.HasPrefix(dest, "/match/"):
		rest := strings.TrimPrefix(dest, "/match/")
		matchID, _, ok := strings.Cut(rest, "/")
		return ok && h.rooms.IsMember(matchID, s.userID)
	case strings.HasPrefix(dest, "/user/"):
		rest := strings.TrimPrefix(dest, "/user/")
		userID, _, ok := strings.Cut(rest, "/")
		return ok && userID == s.userID
	default:
		return false
	}
}

// dispatch routes an /app/game/{id}/{action} command frame.
func (h *Hub) dispatch(s *session, frame clientFrame) {
	rest := strings.TrimPrefix(frame.Dest, "/app/game/")
	matchID, action, ok := strings.Cut(rest, "/")
	if rest == frame.Dest || !ok || matchID == "" {
		h.sendError(s, frame.Dest, "unknown destination")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch action {
	case "trade":
		h.handleTrade(ctx, s, matchID, frame.Body)
	case "ready":
		h.handleReady(ctx, s, matchID)
	case "rejoin":
		h.handleRejoin(ctx, s, matchID)
	case "position":
		h.handlePosition(s, matchID)
	default:
		h.sendError(s, frame.Dest, "unknown destination")
	}
}

type tradeBody struct {
	Symbol   string `json:"symbol"`
	Type     string `json:"type"`
	Quantity int64  `json:"quantity"`
}

func (h *Hub) handleTrade(ctx context.Context, s *session, matchID string, body json.RawMessage) {
	var t tradeBody
	if err := json.Unmarshal(body, &t); err != nil {
		h.sendError(s, fabric.MatchError(matchID, s.userID), "malformed trade body")
		return
	}
	// Rejections are published on the user-scoped error topic by the
	// executor; nothing further to send here.
	h.exec.Execute(ctx, matchID, s.userID, t.Symbol, t.Type, t.Quantity)
}

// handleReady binds the session to its room seat, records readiness, and
// gives the match a chance to start.
func (h *Hub) handleReady(ctx context.Context, s *session, matchID string) {
	if err := h.rooms.BindSession(matchID, s.userID, s.id); err != nil {
		h.sendError(s, fabric.MatchError(matchID, s.userID), err.Error())
		return
	}
	if _, err := h.rooms.MarkReady(matchID, s.userID); err != nil {
		h.sendError(s, fabric.MatchError(matchID, s.userID), err.Error())
		return
	}
	if err := h.activator.ActivateIfReady(ctx, matchID); err != nil {
		h.log.Error().Err(err).Str("match", matchID).Msg("activation failed")
	}
}

// handleRejoin re-binds a returning player within the reconnect grace and
// replays the current state to the new session.
func (h *Hub) handleRejoin(ctx context.Context, s *session, matchID string) {
	if err := h.rooms.BindSession(matchID, s.userID, s.id); err != nil {
		h.sendError(s, fabric.MatchError(matchID, s.userID), err.Error())
		return
	}
	h.sup.OnReconnect(ctx, matchID, s.userID)
	if err := h.activator.ActivateIfReady(ctx, matchID); err != nil {
		h.log.Error().Err(err).Str("match", matchID).Msg("activation after rejoin failed")
	}
	h.handlePosition(s, matchID)
}

// handlePosition sends the caller a private snapshot of both positions at
// the current candle price.
func (h *Hub) handlePosition(s *session, matchID string) {
	m, err := h.store.GetMatch(matchID)
	if err != nil {
		h.sendError(s, fabric.MatchError(matchID, s.userID), "match not found")
		return
	}
	c, err := h.candles.At(m.Symbol, m.CandleIndex)
	if err != nil {
		h.sendError(s, fabric.MatchError(matchID, s.userID), "candle unavailable")
		return
	}
	h.sendJSON(s, fabric.MatchState(matchID), h.exec.StateFor(m, c.Close))
}

func (h *Hub) sendJSON(s *session, dest string, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	frame, err := json.Marshal(serverFrame{Dest: dest, Body: body})
	if err != nil {
		return
	}

	// The membership check under the lock keeps this from racing a close of
	// the send channel in unregister.
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; ok {
		select {
		case s.send <- frame:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) sendError(s *session, dest, msg string) {
	h.sendJSON(s, dest, map[string]string{"error": msg})
}
