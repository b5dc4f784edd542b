package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stockduel/internal/store"
)

const (
	minDurationMinutes = 1
	maxDurationMinutes = 60
	// Starting balance bounds in whole currency units.
	minStartingBalance = 10_000
	maxStartingBalance = 100_000_000
)

type matchView struct {
	ID              string `json:"id"`
	Symbol          string `json:"symbol"`
	Status          string `json:"status"`
	DurationMinutes int    `json:"durationMinutes"`
	CreatorID       string `json:"creatorId"`
	OpponentID      string `json:"opponentId,omitempty"`
	StartingBalance int64  `json:"startingBalance"` // cents
	CandleIndex     int    `json:"candleIndex"`
	CandleCount     int    `json:"candleCount"`
	CreatorFinal    int64  `json:"creatorFinal,omitempty"`
	OpponentFinal   int64  `json:"opponentFinal,omitempty"`
	CreatorScore    int    `json:"creatorScore,omitempty"`
	OpponentScore   int    `json:"opponentScore,omitempty"`
	CreatorDelta    int    `json:"creatorDelta,omitempty"`
	OpponentDelta   int    `json:"opponentDelta,omitempty"`
	EndReason       string `json:"endReason,omitempty"`
	CreatedAt       string `json:"createdAt,omitempty"`
}

func toMatchView(m *store.Match) matchView {
	v := matchView{
		ID:              m.ID,
		Symbol:          m.Symbol,
		Status:          m.Status,
		DurationMinutes: m.DurationMinutes,
		CreatorID:       m.CreatorID,
		OpponentID:      m.OpponentID,
		StartingBalance: m.StartingBalance,
		CandleIndex:     m.CandleIndex,
		CandleCount:     m.CandleCount,
		EndReason:       m.EndReason,
	}
	if !m.CreatedAt.IsZero() {
		v.CreatedAt = m.CreatedAt.UTC().Format(time.RFC3339)
	}
	if m.Status == store.StatusFinished {
		v.CreatorFinal = m.CreatorFinal
		v.OpponentFinal = m.OpponentFinal
		v.CreatorScore = m.CreatorScore
		v.OpponentScore = m.OpponentScore
		v.CreatorDelta = m.CreatorDelta
		v.OpponentDelta = m.OpponentDelta
	}
	return v
}

type createRequest struct {
	StockSymbol     string `json:"stockSymbol"`
	DurationMinutes int    `json:"durationMinutes"`
	StartingBalance int64  `json:"startingBalance"` // whole currency units
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, validationError(map[string]string{"body": "malformed JSON"}))
		return
	}

	fields := map[string]string{}
	if req.StockSymbol == "" {
		fields["stockSymbol"] = "required"
	} else if !s.candles.Has(req.StockSymbol) {
		fields["stockSymbol"] = "unknown symbol"
	}
	if req.DurationMinutes < minDurationMinutes || req.DurationMinutes > maxDurationMinutes {
		fields["durationMinutes"] = "must be between 1 and 60"
	}
	if req.StartingBalance < minStartingBalance || req.StartingBalance > maxStartingBalance {
		fields["startingBalance"] = "must be between 10000 and 100000000"
	}
	if len(fields) > 0 {
		writeError(w, r, validationError(fields))
		return
	}

	seriesLen, err := s.candles.Len(req.StockSymbol)
	if err != nil {
		writeError(w, r, err)
		return
	}
	count := req.DurationMinutes * int(time.Minute/s.tick)
	if count > seriesLen {
		count = seriesLen
	}

	userID := userIDFrom(r.Context())
	m := &store.Match{
		ID:              uuid.NewString(),
		Symbol:          req.StockSymbol,
		DurationMinutes: req.DurationMinutes,
		CreatorID:       userID,
		StartingBalance: req.StartingBalance * 100,
		CandleCount:     count,
	}
	if err := s.store.CreateMatch(m); err != nil {
		writeError(w, r, err)
		return
	}

	s.rooms.Register(m.ID)
	s.rooms.Join(m.ID, userID)

	s.log.Info().Str("match", m.ID).Str("symbol", m.Symbol).
		Str("creator", userID).Msg("match created")
	writeJSON(w, http.StatusOK, toMatchView(m))
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	matches, err := s.store.ListOpenMatches()
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]matchView, 0, len(matches))
	for i := range matches {
		views = append(views, toMatchView(&matches[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "id")
	userID := userIDFrom(r.Context())

	m, err := s.store.GetMatch(matchID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if m.IsParticipant(userID) {
		writeJSON(w, http.StatusOK, toMatchView(m))
		return
	}
	if m.Status != store.StatusWaiting || m.OpponentID != "" {
		writeError(w, r, &HTTPError{
			Status: http.StatusConflict, Label: "RoomFull",
			Message: "match already has two players",
		})
		return
	}

	// One local retry on a stale revision, per the optimistic-lock policy.
	err = s.store.SetOpponent(matchID, userID, m.Version)
	if errors.Is(err, store.ErrInvalidState) {
		if m, err = s.store.GetMatch(matchID); err == nil {
			if m.OpponentID != "" || m.Status != store.StatusWaiting {
				err = store.ErrInvalidState
			} else {
				err = s.store.SetOpponent(matchID, userID, m.Version)
			}
		}
	}
	if errors.Is(err, store.ErrInvalidState) {
		writeError(w, r, &HTTPError{
			Status: http.StatusConflict, Label: "RoomFull",
			Message: "match already has two players",
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.rooms.Join(matchID, userID); err != nil {
		writeError(w, r, err)
		return
	}

	m, err = s.store.GetMatch(matchID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.log.Info().Str("match", matchID).Str("opponent", userID).Msg("opponent joined")
	writeJSON(w, http.StatusOK, toMatchView(m))
}

type tradeRequest struct {
	GameID   string `json:"gameId"`
	Symbol   string `json:"symbol"`
	Type     string `json:"type"`
	Quantity int64  `json:"quantity"`
}

type tradeView struct {
	ID       string `json:"id"`
	MatchID  string `json:"matchId"`
	UserID   string `json:"userId"`
	Symbol   string `json:"symbol"`
	Type     string `json:"type"`
	Quantity int64  `json:"quantity"`
	Price    int64  `json:"price"` // cents, server-set
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, validationError(map[string]string{"body": "malformed JSON"}))
		return
	}
	if req.GameID == "" {
		writeError(w, r, validationError(map[string]string{"gameId": "required"}))
		return
	}

	trade, err := s.exec.Execute(r.Context(), req.GameID, userIDFrom(r.Context()),
		req.Symbol, req.Type, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tradeView{
		ID:       trade.ID,
		MatchID:  trade.MatchID,
		UserID:   trade.UserID,
		Symbol:   trade.Symbol,
		Type:     trade.Type,
		Quantity: trade.Quantity,
		Price:    trade.Price,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMatch(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMatchView(m))
}

func (s *Server) handleCandle(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMatch(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.candles.At(m.Symbol, m.CandleIndex)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"matchId": m.ID,
		"index":   m.CandleIndex,
		"date":    c.Date,
		"open":    c.Open,
		"high":    c.High,
		"low":     c.Low,
		"close":   c.Close,
		"volume":  c.Volume,
	})
}

func (s *Server) handleRemaining(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMatch(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	remaining := m.CandleCount - 1 - m.CandleIndex
	if remaining < 0 || m.Status != store.StatusActive {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"matchId":   m.ID,
		"remaining": remaining,
	})
}

// handleFinish ends an ACTIVE match early at its current candle. Restricted
// to participants.
func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "id")
	m, err := s.store.GetMatch(matchID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !m.IsParticipant(userIDFrom(r.Context())) {
		writeError(w, r, &HTTPError{
			Status: http.StatusForbidden, Label: "Forbidden",
			Message: "only participants may finish a match",
		})
		return
	}

	if err := s.resolver.Finish(r.Context(), matchID); err != nil {
		writeError(w, r, err)
		return
	}
	m, err = s.store.GetMatch(matchID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMatchView(m))
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	u, err := s.store.GetUser(claims.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	matchID, err := s.queue.Enqueue(r.Context(), u.ID, u.Name, u.Rating)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if matchID != "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "MATCHED",
			"gameId": matchID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "QUEUED"})
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	removed := s.queue.Dequeue(userIDFrom(r.Context()))
	status := "REMOVED"
	if !removed {
		status = "NOT_QUEUED"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"matches":    counts,
		"rooms":      s.rooms.Count(),
		"schedulers": s.registry.Count(),
		"queueDepth": s.queue.Depth(),
	})
}
