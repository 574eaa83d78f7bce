package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateOrganization inserts a new organization.
func (db *DB) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	return db.pool.QueryRow(ctx, `
		INSERT INTO organizations (id, name, public_key, private_key, use_shared_store)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		org.ID, org.Name, org.PublicKey, org.PrivateKey, org.UseSharedStore,
	).Scan(&org.CreatedAt)
}

// GetOrganization retrieves an organization by id. Returns nil when no
// row exists.
func (db *DB) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	var org Organization
	err := db.pool.QueryRow(ctx, `
		SELECT id, name, public_key, private_key, use_shared_store, created_at
		FROM organizations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.PublicKey, &org.PrivateKey, &org.UseSharedStore, &org.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// ListOrganizations returns all organizations.
func (db *DB) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, name, public_key, private_key, use_shared_store, created_at
		FROM organizations ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orgs []*Organization
	for rows.Next() {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.PublicKey, &org.PrivateKey,
			&org.UseSharedStore, &org.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, &org)
	}
	return orgs, rows.Err()
}
