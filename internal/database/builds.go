package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const buildColumns = `b.id, b.evaluation_id, b.derivation_path, b.architecture,
	b.status, b.server_id, b.log, b.created_at, b.updated_at`

func scanBuild(row pgx.Row) (*Build, error) {
	var b Build
	err := row.Scan(&b.ID, &b.EvaluationID, &b.DerivationPath, &b.Architecture,
		&b.Status, &b.ServerID, &b.Log, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBuilds inserts builds in batches, registering their required
// features in the shared feature table.
func (db *DB) CreateBuilds(ctx context.Context, builds []*Build) error {
	for _, b := range builds {
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
	}
	for _, chunk := range chunks(len(builds)) {
		sub := builds[chunk.lo:chunk.hi]
		var (
			sb   strings.Builder
			args []any
		)
		sb.WriteString(`INSERT INTO builds (id, evaluation_id, derivation_path, architecture, status) VALUES `)
		for i, b := range sub {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)",
				len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5)
			args = append(args, b.ID, b.EvaluationID, b.DerivationPath, b.Architecture, b.Status)
		}
		if _, err := db.pool.Exec(ctx, sb.String(), args...); err != nil {
			return err
		}
	}
	return db.insertBuildFeatures(ctx, builds)
}

func (db *DB) insertBuildFeatures(ctx context.Context, builds []*Build) error {
	names := make(map[string]bool)
	for _, b := range builds {
		for _, f := range b.Features {
			names[f] = true
		}
	}
	if len(names) == 0 {
		return nil
	}
	ids := make(map[string]uuid.UUID, len(names))
	for name := range names {
		id, err := db.EnsureFeature(ctx, name)
		if err != nil {
			return err
		}
		ids[name] = id
	}
	type pair struct{ build, feature uuid.UUID }
	var pairs []pair
	for _, b := range builds {
		for _, f := range b.Features {
			pairs = append(pairs, pair{b.ID, ids[f]})
		}
	}
	for _, chunk := range chunks(len(pairs)) {
		sub := pairs[chunk.lo:chunk.hi]
		var (
			sb   strings.Builder
			args []any
		)
		sb.WriteString(`INSERT INTO build_features (build_id, feature_id) VALUES `)
		for i, p := range sub {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "($%d, $%d)", len(args)+1, len(args)+2)
			args = append(args, p.build, p.feature)
		}
		if _, err := db.pool.Exec(ctx, sb.String(), args...); err != nil {
			return err
		}
	}
	return nil
}

// CreateBuildDependencies inserts dependency edges in batches.
func (db *DB) CreateBuildDependencies(ctx context.Context, deps []BuildDependency) error {
	for _, chunk := range chunks(len(deps)) {
		sub := deps[chunk.lo:chunk.hi]
		var (
			sb   strings.Builder
			args []any
		)
		sb.WriteString(`INSERT INTO build_dependencies (build_id, dependency_id) VALUES `)
		for i, d := range sub {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "($%d, $%d)", len(args)+1, len(args)+2)
			args = append(args, d.BuildID, d.DependencyID)
		}
		sb.WriteString(` ON CONFLICT DO NOTHING`)
		if _, err := db.pool.Exec(ctx, sb.String(), args...); err != nil {
			return err
		}
	}
	return nil
}

// MarkBuildsQueued flips an evaluation's Created builds to Queued,
// releasing them to the build scheduler.
func (db *DB) MarkBuildsQueued(ctx context.Context, evaluationID uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE builds SET status = 'Queued', updated_at = now()
		WHERE evaluation_id = $1 AND status = 'Created'`, evaluationID)
	return err
}

// ReadyBuilds selects builds in status Queued with no outgoing
// dependency edge pointing at a build that is not Completed. Features
// are aggregated in the same query.
func (db *DB) ReadyBuilds(ctx context.Context) ([]*Build, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+buildColumns+`,
		       COALESCE(array_agg(f.name) FILTER (WHERE f.name IS NOT NULL), '{}')
		FROM builds b
		LEFT JOIN build_features bf ON bf.build_id = b.id
		LEFT JOIN features f ON f.id = bf.feature_id
		WHERE b.status = 'Queued'
		  AND NOT EXISTS (
		      SELECT 1 FROM build_dependencies d
		      JOIN builds dep ON dep.id = d.dependency_id
		      WHERE d.build_id = b.id AND dep.status <> 'Completed')
		GROUP BY b.id
		ORDER BY b.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var builds []*Build
	for rows.Next() {
		var b Build
		if err := rows.Scan(&b.ID, &b.EvaluationID, &b.DerivationPath, &b.Architecture,
			&b.Status, &b.ServerID, &b.Log, &b.CreatedAt, &b.UpdatedAt, &b.Features); err != nil {
			return nil, err
		}
		builds = append(builds, &b)
	}
	return builds, rows.Err()
}

// ReserveServer atomically assigns a server to a queued build and
// transitions it to Building, provided no other build is Building on
// that server. Returns false if the reservation lost the race.
func (db *DB) ReserveServer(ctx context.Context, buildID, serverID uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE builds SET server_id = $2, status = 'Building', updated_at = now()
		WHERE id = $1 AND status = 'Queued'
		  AND NOT EXISTS (
		      SELECT 1 FROM builds other
		      WHERE other.server_id = $2 AND other.status = 'Building')`,
		buildID, serverID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueBuild puts a build that failed to reach its server back into
// the queue with the server assignment cleared.
func (db *DB) RequeueBuild(ctx context.Context, buildID uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE builds SET status = 'Queued', server_id = NULL, updated_at = now()
		WHERE id = $1 AND status = 'Building'`, buildID)
	return err
}

// SetBuildStatus transitions a build. Terminal statuses are sticky:
// a build already Completed, Failed or Aborted is left untouched.
// Reports whether a row actually changed.
func (db *DB) SetBuildStatus(ctx context.Context, buildID uuid.UUID, status BuildStatus) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE builds SET status = $2, updated_at = now()
		WHERE id = $1 AND status <> $2
		  AND status NOT IN ('Completed', 'Failed', 'Aborted')`,
		buildID, status)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AppendBuildLog appends text to the build's accumulated log.
func (db *DB) AppendBuildLog(ctx context.Context, buildID uuid.UUID, text string) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE builds SET log = log || $2, updated_at = now() WHERE id = $1`,
		buildID, text)
	return err
}

// GetBuild retrieves a build by id. Returns nil when no row exists.
func (db *DB) GetBuild(ctx context.Context, id uuid.UUID) (*Build, error) {
	return scanBuild(db.pool.QueryRow(ctx,
		`SELECT `+buildColumns+` FROM builds b WHERE b.id = $1`, id))
}

// BuildsForEvaluation returns an evaluation's builds.
func (db *DB) BuildsForEvaluation(ctx context.Context, evaluationID uuid.UUID) ([]*Build, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+buildColumns+` FROM builds b
		WHERE b.evaluation_id = $1 ORDER BY b.created_at`, evaluationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// DirectDependencies returns the builds a build directly depends on.
func (db *DB) DirectDependencies(ctx context.Context, buildID uuid.UUID) ([]*Build, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+buildColumns+` FROM builds b
		JOIN build_dependencies d ON d.dependency_id = b.id
		WHERE d.build_id = $1`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// Dependents returns the builds that directly depend on a build.
func (db *DB) Dependents(ctx context.Context, buildID uuid.UUID) ([]*Build, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+buildColumns+` FROM builds b
		JOIN build_dependencies d ON d.build_id = b.id
		WHERE d.dependency_id = $1`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// HasSuccessfulBuild reports whether the organization already built
// this derivation successfully in any past evaluation.
func (db *DB) HasSuccessfulBuild(ctx context.Context, orgID uuid.UUID, derivationPath string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (
		    SELECT 1 FROM builds b
		    JOIN evaluations e ON e.id = b.evaluation_id
		    WHERE e.organization_id = $1
		      AND b.derivation_path = $2
		      AND b.status = 'Completed')`,
		orgID, derivationPath).Scan(&exists)
	return exists, err
}

// EnsureFeature upserts a feature name and returns its id.
func (db *DB) EnsureFeature(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx, `
		INSERT INTO features (id, name) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, uuid.New(), name).Scan(&id)
	return id, err
}

type span struct{ lo, hi int }

// chunks splits [0, n) into spans of at most batchSize elements.
func chunks(n int) []span {
	var spans []span
	for lo := 0; lo < n; lo += batchSize {
		hi := lo + batchSize
		if hi > n {
			hi = n
		}
		spans = append(spans, span{lo, hi})
	}
	return spans
}
