package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

var errNoArchitectures = xerrors.New("server must provide at least one architecture")

// CreateServer inserts a server with its architecture and feature
// sets. A server must provide at least one architecture.
func (db *DB) CreateServer(ctx context.Context, s *Server) error {
	if len(s.Architectures) == 0 {
		return errNoArchitectures
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx, `
		INSERT INTO servers (id, organization_id, name, host, port, username, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		s.ID, s.OrganizationID, s.Name, s.Host, s.Port, s.Username, s.Active,
	).Scan(&s.CreatedAt); err != nil {
		return err
	}
	for _, arch := range s.Architectures {
		if _, err := tx.Exec(ctx, `
			INSERT INTO server_architectures (server_id, architecture) VALUES ($1, $2)`,
			s.ID, arch); err != nil {
			return err
		}
	}
	for _, feature := range s.Features {
		id, err := db.EnsureFeature(ctx, feature)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO server_features (server_id, feature_id) VALUES ($1, $2)`,
			s.ID, id); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListServers returns an organization's servers with their
// architecture and feature sets.
func (db *DB) ListServers(ctx context.Context, orgID uuid.UUID) ([]*Server, error) {
	return db.queryServers(ctx, `WHERE s.organization_id = $1`, orgID)
}

// CandidateServers returns the organization's active servers whose
// architecture set contains arch (or the BUILTIN sentinel) and whose
// feature set is a superset of the required features, in creation
// order. Whether a candidate is free is decided by the reservation
// transaction, not here.
func (db *DB) CandidateServers(ctx context.Context, orgID uuid.UUID, arch string, features []string) ([]*Server, error) {
	return db.queryServers(ctx, `
		WHERE s.organization_id = $1 AND s.active
		  AND EXISTS (SELECT 1 FROM server_architectures sa
		              WHERE sa.server_id = s.id AND sa.architecture IN ($2, $3))
		  AND NOT EXISTS (
		      SELECT 1 FROM unnest($4::text[]) AS required(name)
		      WHERE NOT EXISTS (
		          SELECT 1 FROM server_features sf
		          JOIN features f ON f.id = sf.feature_id
		          WHERE sf.server_id = s.id AND f.name = required.name))`,
		orgID, arch, ArchBuiltin, features)
}

func (db *DB) queryServers(ctx context.Context, where string, args ...any) ([]*Server, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT s.id, s.organization_id, s.name, s.host, s.port, s.username,
		       s.last_connection_at, s.active, s.created_at,
		       COALESCE((SELECT array_agg(sa.architecture) FROM server_architectures sa
		                 WHERE sa.server_id = s.id), '{}'),
		       COALESCE((SELECT array_agg(f.name) FROM server_features sf
		                 JOIN features f ON f.id = sf.feature_id
		                 WHERE sf.server_id = s.id), '{}')
		FROM servers s `+where+` ORDER BY s.created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var servers []*Server
	for rows.Next() {
		var s Server
		if err := rows.Scan(&s.ID, &s.OrganizationID, &s.Name, &s.Host, &s.Port, &s.Username,
			&s.LastConnectionAt, &s.Active, &s.CreatedAt, &s.Architectures, &s.Features); err != nil {
			return nil, err
		}
		servers = append(servers, &s)
	}
	return servers, rows.Err()
}

// OrgHasActiveServer reports whether the organization has at least one
// active server.
func (db *DB) OrgHasActiveServer(ctx context.Context, orgID uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM servers WHERE organization_id = $1 AND active)`,
		orgID).Scan(&exists)
	return exists, err
}

// SetServerLastConnection records a successful connection.
func (db *DB) SetServerLastConnection(ctx context.Context, serverID uuid.UUID, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE servers SET last_connection_at = $2 WHERE id = $1`, serverID, at)
	return err
}
