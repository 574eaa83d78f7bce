package scheduler

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/nixforge/nixforge/internal/database"
)

// fakeGraph is an in-memory build DAG with the same sticky-terminal
// update rule as the data store.
type fakeGraph struct {
	builds     map[uuid.UUID]*database.Build
	dependents map[uuid.UUID][]uuid.UUID // dependency -> builds requiring it
	updates    int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		builds:     make(map[uuid.UUID]*database.Build),
		dependents: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (g *fakeGraph) add(status database.BuildStatus, deps ...uuid.UUID) uuid.UUID {
	id := uuid.New()
	g.builds[id] = &database.Build{ID: id, Status: status}
	for _, dep := range deps {
		g.dependents[dep] = append(g.dependents[dep], id)
	}
	return id
}

func (g *fakeGraph) Dependents(_ context.Context, buildID uuid.UUID) ([]*database.Build, error) {
	var out []*database.Build
	for _, id := range g.dependents[buildID] {
		out = append(out, g.builds[id])
	}
	return out, nil
}

func (g *fakeGraph) SetBuildStatus(_ context.Context, buildID uuid.UUID, status database.BuildStatus) (bool, error) {
	b := g.builds[buildID]
	if b.Status.Terminal() || b.Status == status {
		return false, nil
	}
	b.Status = status
	g.updates++
	return true, nil
}

func TestPropagateStatusChain(t *testing.T) {
	g := newFakeGraph()
	c := g.add(database.BuildQueued)
	b := g.add(database.BuildQueued, c)
	a := g.add(database.BuildQueued, b)

	if err := PropagateStatus(context.Background(), g, c, database.BuildFailed); err != nil {
		t.Fatal(err)
	}
	// the origin itself is not touched by propagation
	if got := g.builds[c].Status; got != database.BuildQueued {
		t.Errorf("origin status = %s, want untouched Queued", got)
	}
	for _, id := range []uuid.UUID{b, a} {
		if got := g.builds[id].Status; got != database.BuildFailed {
			t.Errorf("dependent status = %s, want Failed", got)
		}
	}
}

func TestPropagateStatusSkipsTerminal(t *testing.T) {
	g := newFakeGraph()
	c := g.add(database.BuildQueued)
	b := g.add(database.BuildCompleted, c)
	a := g.add(database.BuildQueued, b)

	if err := PropagateStatus(context.Background(), g, c, database.BuildAborted); err != nil {
		t.Fatal(err)
	}
	if got := g.builds[b].Status; got != database.BuildCompleted {
		t.Errorf("completed dependent rewritten to %s", got)
	}
	// the walk continues through terminal nodes
	if got := g.builds[a].Status; got != database.BuildAborted {
		t.Errorf("transitive dependent = %s, want Aborted", got)
	}
}

func TestPropagateStatusIdempotent(t *testing.T) {
	g := newFakeGraph()
	d := g.add(database.BuildQueued)
	mid1 := g.add(database.BuildQueued, d)
	mid2 := g.add(database.BuildQueued, d)
	g.add(database.BuildQueued, mid1, mid2) // diamond top

	if err := PropagateStatus(context.Background(), g, d, database.BuildFailed); err != nil {
		t.Fatal(err)
	}
	first := g.updates
	if first != 3 {
		t.Errorf("first pass made %d updates, want 3", first)
	}
	if err := PropagateStatus(context.Background(), g, d, database.BuildFailed); err != nil {
		t.Fatal(err)
	}
	if g.updates != first {
		t.Errorf("second pass made %d further updates, want 0", g.updates-first)
	}
}

func TestAggregateStatus(t *testing.T) {
	type counts = map[database.BuildStatus]int
	for _, tt := range []struct {
		name       string
		counts     counts
		want       database.EvaluationStatus
		transition bool
	}{
		{"all completed", counts{database.BuildCompleted: 3}, database.EvaluationCompleted, true},
		{"building pins", counts{database.BuildBuilding: 1, database.BuildFailed: 2}, "", false},
		{"aborted wins over failed", counts{database.BuildAborted: 1, database.BuildFailed: 1, database.BuildCompleted: 1}, database.EvaluationAborted, true},
		{"failed", counts{database.BuildFailed: 1, database.BuildCompleted: 2}, database.EvaluationFailed, true},
		{"queued work pending", counts{database.BuildQueued: 2, database.BuildCompleted: 1}, "", false},
		{"no builds", counts{}, "", false},
	} {
		got, ok := aggregateStatus(tt.counts)
		if ok != tt.transition || got != tt.want {
			t.Errorf("%s: aggregateStatus = (%q, %v), want (%q, %v)", tt.name, got, ok, tt.want, tt.transition)
		}
	}
}
