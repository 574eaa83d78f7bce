package scheduler

import (
	"context"

	"github.com/google/uuid"

	"github.com/nixforge/nixforge/internal/database"
)

// BuildGraph is the slice of the data store that status propagation
// needs.
type BuildGraph interface {
	Dependents(ctx context.Context, buildID uuid.UUID) ([]*database.Build, error)
	SetBuildStatus(ctx context.Context, buildID uuid.UUID, status database.BuildStatus) (bool, error)
}

// PropagateStatus walks the reverse dependency edges from the given
// build breadth-first and applies status to every non-terminal
// dependent. The visited set bounds the walk on the DAG; terminal
// statuses stay untouched, which makes the operation idempotent.
func PropagateStatus(ctx context.Context, g BuildGraph, from uuid.UUID, status database.BuildStatus) error {
	visited := map[uuid.UUID]bool{from: true}
	queue := []uuid.UUID{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		dependents, err := g.Dependents(ctx, id)
		if err != nil {
			return err
		}
		for _, dep := range dependents {
			if visited[dep.ID] {
				continue
			}
			visited[dep.ID] = true
			if !dep.Status.Terminal() {
				if _, err := g.SetBuildStatus(ctx, dep.ID, status); err != nil {
					return err
				}
			}
			queue = append(queue, dep.ID)
		}
	}
	return nil
}

// aggregateStatus derives the evaluation status from its builds'
// status counts. The second return is false when no transition should
// happen (work still in flight).
func aggregateStatus(counts map[database.BuildStatus]int) (database.EvaluationStatus, bool) {
	total := 0
	for _, n := range counts {
		total += n
	}
	switch {
	case total > 0 && counts[database.BuildCompleted] == total:
		return database.EvaluationCompleted, true
	case counts[database.BuildBuilding] > 0:
		// in-progress work pins the evaluation, even alongside
		// failures: the verdict waits until everything settles
		return "", false
	case counts[database.BuildAborted] > 0:
		return database.EvaluationAborted, true
	case counts[database.BuildFailed] > 0:
		return database.EvaluationFailed, true
	default:
		return "", false
	}
}

// evaluationStore is the slice of the data store needed to re-derive
// an evaluation's aggregate status.
type evaluationStore interface {
	BuildStatusCounts(ctx context.Context, evaluationID uuid.UUID) (map[database.BuildStatus]int, error)
	SetEvaluationStatus(ctx context.Context, id uuid.UUID, status database.EvaluationStatus, errText string) error
}

// RefreshEvaluationStatus re-derives and stores the evaluation's
// aggregate status after a build status change.
func RefreshEvaluationStatus(ctx context.Context, db evaluationStore, evaluationID uuid.UUID) error {
	counts, err := db.BuildStatusCounts(ctx, evaluationID)
	if err != nil {
		return err
	}
	status, ok := aggregateStatus(counts)
	if !ok {
		return nil
	}
	return db.SetEvaluationStatus(ctx, evaluationID, status, "")
}

func (s *Scheduler) refreshEvaluationStatus(ctx context.Context, evaluationID uuid.UUID) error {
	return RefreshEvaluationStatus(ctx, s.DB, evaluationID)
}
