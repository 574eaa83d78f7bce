package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateUser inserts an API principal.
func (db *DB) CreateUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return db.pool.QueryRow(ctx, `
		INSERT INTO users (id, organization_id, username, email)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		u.ID, u.OrganizationID, u.Username, u.Email,
	).Scan(&u.CreatedAt)
}

// GetUserByUsername retrieves a user by username. Returns nil when no
// row exists.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := db.pool.QueryRow(ctx, `
		SELECT id, organization_id, username, email, created_at
		FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.OrganizationID, &u.Username, &u.Email, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
