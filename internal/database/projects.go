package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const projectColumns = `id, organization_id, name, repository_url, wildcard,
	last_check_at, last_evaluation_id, force_evaluate, active, created_at`

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.RepositoryURL, &p.Wildcard,
		&p.LastCheckAt, &p.LastEvaluationID, &p.ForceEvaluate, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject inserts a new project.
func (db *DB) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return db.pool.QueryRow(ctx, `
		INSERT INTO projects (id, organization_id, name, repository_url, wildcard, force_evaluate, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		p.ID, p.OrganizationID, p.Name, p.RepositoryURL, p.Wildcard, p.ForceEvaluate, p.Active,
	).Scan(&p.CreatedAt)
}

// GetProject retrieves a project by id. Returns nil when no row exists.
func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	return scanProject(db.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
}

// ListProjects returns an organization's projects.
func (db *DB) ListProjects(ctx context.Context, orgID uuid.UUID) ([]*Project, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE organization_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// EligibleProjects selects the candidate set for re-evaluation: active
// projects whose last check is older than the cutoff, whose last
// evaluation is terminal (or absent, or force_evaluate is set), and
// whose organization has at least one active server. Projects failing
// the server requirement are silently skipped this cycle.
func (db *DB) EligibleProjects(ctx context.Context, cutoff time.Time) ([]*Project, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+projectColumns+`
		FROM projects p
		WHERE p.active
		  AND (p.last_check_at IS NULL OR p.last_check_at <= $1)
		  AND (p.force_evaluate
		       OR p.last_evaluation_id IS NULL
		       OR EXISTS (SELECT 1 FROM evaluations e
		                  WHERE e.id = p.last_evaluation_id
		                    AND e.status IN ('Completed', 'Failed', 'Aborted')))
		  AND EXISTS (SELECT 1 FROM servers s
		              WHERE s.organization_id = p.organization_id AND s.active)
		ORDER BY p.last_check_at NULLS FIRST`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// SetProjectEvaluated records a created evaluation on its project:
// bumps last_check_at, points last_evaluation_id at it and clears the
// force_evaluate flag.
func (db *DB) SetProjectEvaluated(ctx context.Context, projectID, evaluationID uuid.UUID, at time.Time) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE projects
		SET last_check_at = $2, last_evaluation_id = $3, force_evaluate = FALSE
		WHERE id = $1`, projectID, at, evaluationID)
	return err
}
