package store

import "database/sql"

const defaultRating = 1000

// EnsureUser creates a rating-1000 user row on first sight of an
// authenticated user id. Idempotent; refreshes the display name.
func (s *Store) EnsureUser(id, name string) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, name, rating) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, id, name, defaultRating)
	return err
}

// GetUser returns a user by id.
func (s *Store) GetUser(id string) (*User, error) {
	var u User
	err := s.db.QueryRow(
		"SELECT id, name, rating, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Name, &u.Rating, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
