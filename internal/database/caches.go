package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateCache inserts a cache and its organization subscriptions.
func (db *DB) CreateCache(ctx context.Context, c *Cache, orgIDs []uuid.UUID) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx, `
		INSERT INTO caches (id, name, priority, signing_key, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		c.ID, c.Name, c.Priority, c.SigningKey, c.Active,
	).Scan(&c.CreatedAt); err != nil {
		return err
	}
	for _, orgID := range orgIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO cache_organizations (cache_id, organization_id) VALUES ($1, $2)`,
			c.ID, orgID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// SubscribedCaches returns the active caches the organization
// subscribes to, highest priority first.
func (db *DB) SubscribedCaches(ctx context.Context, orgID uuid.UUID) ([]*Cache, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT c.id, c.name, c.priority, c.signing_key, c.active, c.created_at
		FROM caches c
		JOIN cache_organizations co ON co.cache_id = c.id
		WHERE co.organization_id = $1 AND c.active
		ORDER BY c.priority`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caches []*Cache
	for rows.Next() {
		var c Cache
		if err := rows.Scan(&c.ID, &c.Name, &c.Priority, &c.SigningKey, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		caches = append(caches, &c)
	}
	return caches, rows.Err()
}

// GetCacheByName retrieves a cache by name. Returns nil when no row
// exists.
func (db *DB) GetCacheByName(ctx context.Context, name string) (*Cache, error) {
	var c Cache
	err := db.pool.QueryRow(ctx, `
		SELECT id, name, priority, signing_key, active, created_at
		FROM caches WHERE name = $1`, name,
	).Scan(&c.ID, &c.Name, &c.Priority, &c.SigningKey, &c.Active, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
