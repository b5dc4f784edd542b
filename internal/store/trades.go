package store

// InsertTrade appends an executed trade to the log.
func (s *Store) InsertTrade(t *Trade) error {
	_, err := s.db.Exec(`
		INSERT INTO trades (id, match_id, user_id, symbol, type, quantity, price)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.MatchID, t.UserID, t.Symbol, t.Type, t.Quantity, t.Price)
	return err
}

// ListTrades returns all trades for a match in execution order.
func (s *Store) ListTrades(matchID string) ([]Trade, error) {
	rows, err := s.db.Query(`
		SELECT id, match_id, user_id, symbol, type, quantity, price, created_at
		FROM trades WHERE match_id = ? ORDER BY created_at ASC, id ASC
	`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.MatchID, &t.UserID, &t.Symbol,
			&t.Type, &t.Quantity, &t.Price, &t.CreatedAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetMatchStats returns the persisted stats rows for a match.
func (s *Store) GetMatchStats(matchID string) ([]MatchStats, error) {
	rows, err := s.db.Query(`
		SELECT match_id, user_id, peak_equity, max_drawdown,
			total_trades, profitable_trades, final_equity, score
		FROM match_stats WHERE match_id = ?
	`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []MatchStats
	for rows.Next() {
		var st MatchStats
		if err := rows.Scan(&st.MatchID, &st.UserID, &st.PeakEquity, &st.MaxDrawdown,
			&st.TotalTrades, &st.ProfitableTrades, &st.FinalEquity, &st.Score); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
