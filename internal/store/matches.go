package store

import (
	"database/sql"
	"fmt"
)

const matchColumns = `id, symbol, duration_minutes, status, creator_id, opponent_id,
	starting_balance, candle_index, candle_count, started_at, ended_at,
	creator_final, opponent_final, creator_score, opponent_score,
	creator_delta, opponent_delta, end_reason, version, created_at`

func scanMatch(row interface{ Scan(...interface{}) error }) (*Match, error) {
	var m Match
	err := row.Scan(
		&m.ID, &m.Symbol, &m.DurationMinutes, &m.Status, &m.CreatorID, &m.OpponentID,
		&m.StartingBalance, &m.CandleIndex, &m.CandleCount, &m.StartedAt, &m.EndedAt,
		&m.CreatorFinal, &m.OpponentFinal, &m.CreatorScore, &m.OpponentScore,
		&m.CreatorDelta, &m.OpponentDelta, &m.EndReason, &m.Version, &m.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMatch inserts a new WAITING match.
func (s *Store) CreateMatch(m *Match) error {
	m.Status = StatusWaiting
	m.Version = 1
	_, err := s.db.Exec(`
		INSERT INTO matches (id, symbol, duration_minutes, status, creator_id, opponent_id,
			starting_balance, candle_index, candle_count, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 1)
	`, m.ID, m.Symbol, m.DurationMinutes, m.Status, m.CreatorID, m.OpponentID,
		m.StartingBalance, m.CandleCount)
	return err
}

// GetMatch returns a match by id.
func (s *Store) GetMatch(id string) (*Match, error) {
	return scanMatch(s.db.QueryRow(
		"SELECT "+matchColumns+" FROM matches WHERE id = ?", id))
}

// ListOpenMatches returns matches still waiting for an opponent.
func (s *Store) ListOpenMatches() ([]Match, error) {
	rows, err := s.db.Query(
		"SELECT "+matchColumns+" FROM matches WHERE status = ? ORDER BY created_at DESC",
		StatusWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

// ListActiveMatches returns all ACTIVE matches; used by the failover sweeper.
func (s *Store) ListActiveMatches() ([]Match, error) {
	rows, err := s.db.Query(
		"SELECT "+matchColumns+" FROM matches WHERE status = ?", StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

// SetOpponent seats userID as the opponent of a WAITING match. Guarded by the
// version column; the single local retry is the caller's responsibility per
// the optimistic-lock policy.
func (s *Store) SetOpponent(id, userID string, version int64) error {
	res, err := s.db.Exec(`
		UPDATE matches SET opponent_id = ?, version = version + 1
		WHERE id = ? AND status = ? AND opponent_id = '' AND version = ?
	`, userID, id, StatusWaiting, version)
	if err != nil {
		return err
	}
	return s.oneRowOr(res, id, ErrInvalidState)
}

// ActivateMatch flips a fully seated WAITING match to ACTIVE.
func (s *Store) ActivateMatch(id string) error {
	res, err := s.db.Exec(`
		UPDATE matches SET status = ?, started_at = CURRENT_TIMESTAMP, version = version + 1
		WHERE id = ? AND status = ? AND opponent_id != ''
	`, StatusActive, id, StatusWaiting)
	if err != nil {
		return err
	}
	return s.oneRowOr(res, id, ErrInvalidState)
}

// AdvanceCandle moves candle_index from `from` to `from+1`. Returns false if
// another writer advanced (or ended) the match first; the tick that observes
// false must not publish. This is the exactly-once progression guard.
func (s *Store) AdvanceCandle(id string, from int) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE matches SET candle_index = candle_index + 1, version = version + 1
		WHERE id = ? AND status = ? AND candle_index = ?
	`, id, StatusActive, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishResult carries everything persisted atomically at end of match.
type FinishResult struct {
	CreatorFinal  int64
	OpponentFinal int64
	CreatorScore  int
	OpponentScore int
	CreatorDelta  int
	OpponentDelta int
	Stats         []MatchStats
}

// FinishMatch marks the match FINISHED, writes stats rows, and applies the
// rating deltas — all in one transaction so ratings update exactly once.
func (s *Store) FinishMatch(id string, res FinishResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m, err := scanMatch(tx.QueryRow(
		"SELECT "+matchColumns+" FROM matches WHERE id = ?", id))
	if err != nil {
		return err
	}
	if m.Status != StatusActive {
		return fmt.Errorf("%w: finish %s match", ErrInvalidState, m.Status)
	}

	upd, err := tx.Exec(`
		UPDATE matches SET status = ?, ended_at = CURRENT_TIMESTAMP,
			creator_final = ?, opponent_final = ?,
			creator_score = ?, opponent_score = ?,
			creator_delta = ?, opponent_delta = ?,
			version = version + 1
		WHERE id = ? AND status = ?
	`, StatusFinished, res.CreatorFinal, res.OpponentFinal,
		res.CreatorScore, res.OpponentScore,
		res.CreatorDelta, res.OpponentDelta, id, StatusActive)
	if err != nil {
		return err
	}
	if err := s.oneRowOr(upd, id, ErrInvalidState); err != nil {
		return err
	}

	for _, st := range res.Stats {
		if _, err := tx.Exec(`
			INSERT INTO match_stats (match_id, user_id, peak_equity, max_drawdown,
				total_trades, profitable_trades, final_equity, score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, st.UserID, st.PeakEquity, st.MaxDrawdown,
			st.TotalTrades, st.ProfitableTrades, st.FinalEquity, st.Score); err != nil {
			return err
		}
	}

	for userID, delta := range map[string]int{
		m.CreatorID: res.CreatorDelta, m.OpponentID: res.OpponentDelta,
	} {
		if userID == "" {
			continue
		}
		if _, err := tx.Exec(
			"UPDATE users SET rating = rating + ? WHERE id = ?", delta, userID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// AbandonMatch marks a WAITING or ACTIVE match ABANDONED.
func (s *Store) AbandonMatch(id, reason string) error {
	res, err := s.db.Exec(`
		UPDATE matches SET status = ?, ended_at = CURRENT_TIMESTAMP, end_reason = ?,
			version = version + 1
		WHERE id = ? AND status IN (?, ?)
	`, StatusAbandoned, reason, id, StatusWaiting, StatusActive)
	if err != nil {
		return err
	}
	return s.oneRowOr(res, id, ErrInvalidState)
}

// CountByStatus returns match counts per status for the health endpoint.
func (s *Store) CountByStatus() (map[string]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM matches GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// oneRowOr distinguishes "no such match" from "guard failed" after a guarded
// UPDATE that affected zero rows.
func (s *Store) oneRowOr(res sql.Result, id string, guardErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM matches WHERE id = ?", id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrMatchNotFound
	}
	return guardErr
}
