package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const evaluationColumns = `id, organization_id, project_id, repository_url, commit_id,
	wildcard, status, previous_id, next_id, error, created_at`

func scanEvaluation(row pgx.Row) (*Evaluation, error) {
	var e Evaluation
	err := row.Scan(&e.ID, &e.OrganizationID, &e.ProjectID, &e.RepositoryURL, &e.CommitID,
		&e.Wildcard, &e.Status, &e.PreviousID, &e.NextID, &e.Error, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEvaluation inserts a new evaluation. The caller links the
// predecessor's next pointer separately via SetEvaluationNext.
func (db *DB) CreateEvaluation(ctx context.Context, e *Evaluation) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return db.pool.QueryRow(ctx, `
		INSERT INTO evaluations (id, organization_id, project_id, repository_url,
			commit_id, wildcard, status, previous_id, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		e.ID, e.OrganizationID, e.ProjectID, e.RepositoryURL,
		e.CommitID, e.Wildcard, e.Status, e.PreviousID, e.Error,
	).Scan(&e.CreatedAt)
}

// SetEvaluationNext advances the predecessor's next pointer, keeping
// the per-project chain doubly linked.
func (db *DB) SetEvaluationNext(ctx context.Context, id, nextID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE evaluations SET next_id = $2 WHERE id = $1`, id, nextID)
	return err
}

// SetEvaluationStatus transitions an evaluation, recording an error
// text for Failed/Aborted. Terminal statuses are sticky.
func (db *DB) SetEvaluationStatus(ctx context.Context, id uuid.UUID, status EvaluationStatus, errText string) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE evaluations SET status = $2, error = $3
		WHERE id = $1 AND status NOT IN ('Completed', 'Failed', 'Aborted')`,
		id, status, errText)
	return err
}

// GetEvaluation retrieves an evaluation by id. Returns nil when no row
// exists.
func (db *DB) GetEvaluation(ctx context.Context, id uuid.UUID) (*Evaluation, error) {
	return scanEvaluation(db.pool.QueryRow(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE id = $1`, id))
}

// LastEvaluation returns a project's most recent evaluation, or nil.
func (db *DB) LastEvaluation(ctx context.Context, projectID uuid.UUID) (*Evaluation, error) {
	return scanEvaluation(db.pool.QueryRow(ctx, `
		SELECT `+evaluationColumns+` FROM evaluations
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT 1`, projectID))
}

// ListEvaluations returns a project's evaluations, newest first.
func (db *DB) ListEvaluations(ctx context.Context, projectID uuid.UUID, limit int) ([]*Evaluation, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+evaluationColumns+` FROM evaluations
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var evals []*Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, e)
	}
	return evals, rows.Err()
}

// BuildStatusCounts aggregates an evaluation's builds by status.
func (db *DB) BuildStatusCounts(ctx context.Context, evaluationID uuid.UUID) (map[BuildStatus]int, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT status, count(*) FROM builds
		WHERE evaluation_id = $1 GROUP BY status`, evaluationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[BuildStatus]int)
	for rows.Next() {
		var status BuildStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
