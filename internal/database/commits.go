package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateCommit inserts an immutable commit snapshot.
func (db *DB) CreateCommit(ctx context.Context, c *Commit) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return db.pool.QueryRow(ctx, `
		INSERT INTO commits (id, hash, message, author_name, author_email)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		c.ID, c.Hash, c.Message, c.AuthorName, c.AuthorEmail,
	).Scan(&c.CreatedAt)
}

// GetCommit retrieves a commit by id. Returns nil when no row exists.
func (db *DB) GetCommit(ctx context.Context, id uuid.UUID) (*Commit, error) {
	var c Commit
	err := db.pool.QueryRow(ctx, `
		SELECT id, hash, message, author_name, author_email, created_at
		FROM commits WHERE id = $1`, id,
	).Scan(&c.ID, &c.Hash, &c.Message, &c.AuthorName, &c.AuthorEmail, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
