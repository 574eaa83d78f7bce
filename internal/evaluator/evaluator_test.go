package evaluator

import (
	"context"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/nixforge/nixforge/internal/database"
	"github.com/nixforge/nixforge/internal/nixstore"
)

const flakeURL = "git+https://git.example.org/proj?rev=0123456789abcdef0123456789abcdef01234567"

// fakeNix serves a static attribute tree and derivation graph.
type fakeNix struct {
	attrs map[string][]string    // attr path -> child names
	drvs  map[string]string      // attr path -> derivation path
	refs  map[string][]string    // derivation path -> references
	shows map[string]*Derivation // derivation path -> document
}

func attrOf(installable string) string {
	_, attr, _ := strings.Cut(installable, "#")
	return attr
}

func (f *fakeNix) AttrNames(_ context.Context, installable string) ([]string, error) {
	names, ok := f.attrs[attrOf(installable)]
	if !ok {
		return nil, xerrors.Errorf("%s: not an attribute set", installable)
	}
	return names, nil
}

func (f *fakeNix) IsDerivation(_ context.Context, installable string) (bool, error) {
	_, ok := f.drvs[attrOf(installable)]
	return ok, nil
}

func (f *fakeNix) DerivationInfo(_ context.Context, installable string) (string, []string, error) {
	drv, ok := f.drvs[attrOf(installable)]
	if !ok {
		return "", nil, xerrors.Errorf("%s does not evaluate to a derivation", installable)
	}
	return drv, f.refs[drv], nil
}

func (f *fakeNix) DrvReferences(_ context.Context, drvPath string) ([]string, error) {
	return f.refs[drvPath], nil
}

func (f *fakeNix) Show(_ context.Context, drvPath string) (*Derivation, error) {
	if drv, ok := f.shows[drvPath]; ok {
		return drv, nil
	}
	return &Derivation{System: "x86_64-linux"}, nil
}

// fakeStore tracks which store paths are valid.
type fakeStore struct {
	outputs map[string]map[string]string // drv path -> name -> store path
	valid   map[string]bool
}

func (f *fakeStore) QueryDerivationOutputMap(drvPath string) (map[string]string, error) {
	outs, ok := f.outputs[drvPath]
	if !ok {
		return nil, xerrors.Errorf("unknown derivation %s", drvPath)
	}
	return outs, nil
}

func (f *fakeStore) QueryValidPaths(paths []string, _ bool) ([]string, error) {
	var valid []string
	for _, p := range paths {
		if f.valid[p] {
			valid = append(valid, p)
		}
	}
	return valid, nil
}

func (f *fakeStore) QueryPathInfo(path string) (*nixstore.PathInfo, error) {
	if !f.valid[path] {
		return nil, nil
	}
	return &nixstore.PathInfo{Path: path}, nil
}

type fakeHistory map[string]bool

func (f fakeHistory) HasSuccessfulBuild(_ context.Context, _ uuid.UUID, drvPath string) (bool, error) {
	return f[drvPath], nil
}

func quietLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

const (
	drvA = "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-app-1.0.drv"
	drvB = "/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-lib-1.0.drv"
	outA = "/nix/store/00000000000000000000000000000000-app-1.0"
	outB = "/nix/store/11111111111111111111111111111111-lib-1.0"
)

func chainFixture() (*fakeNix, *fakeStore) {
	nix := &fakeNix{
		attrs: map[string][]string{
			"packages":              {"x86_64-linux"},
			"packages.x86_64-linux": {"app", "docs"},
		},
		drvs: map[string]string{"packages.x86_64-linux.app": drvA},
		refs: map[string][]string{
			drvA: {drvB, "/nix/store/cccccccccccccccccccccccccccccccc-src.tar.gz"},
		},
	}
	store := &fakeStore{
		outputs: map[string]map[string]string{
			drvA: {"out": outA},
			drvB: {"out": outB},
		},
		valid: map[string]bool{},
	}
	return nix, store
}

func run(t *testing.T, nix Nix, store Store, history History, wildcard string) *Result {
	t.Helper()
	e := &Evaluator{Nix: nix, Store: store, History: history, Log: quietLog()}
	res, err := e.Run(context.Background(), uuid.New(), uuid.New(), flakeURL, wildcard)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestRunDependencyChain(t *testing.T) {
	nix, store := chainFixture()
	res := run(t, nix, store, fakeHistory{}, "packages.x86_64-linux.#")

	if len(res.Builds) != 2 {
		t.Fatalf("got %d builds, want 2", len(res.Builds))
	}
	byDrv := make(map[string]*database.Build)
	for _, b := range res.Builds {
		byDrv[b.DerivationPath] = b
		if b.Status != database.BuildCreated {
			t.Errorf("%s: status %s, want Created", b.DerivationPath, b.Status)
		}
		if b.Architecture != "x86_64-linux" {
			t.Errorf("%s: architecture %q", b.DerivationPath, b.Architecture)
		}
	}
	if len(res.Edges) != 1 {
		t.Fatalf("got %d edges, want 1", len(res.Edges))
	}
	edge := res.Edges[0]
	if edge.BuildID != byDrv[drvA].ID || edge.DependencyID != byDrv[drvB].ID {
		t.Errorf("edge %v does not point from app to lib", edge)
	}
	if len(res.Outputs) != 0 {
		t.Errorf("got %d imported outputs, want 0", len(res.Outputs))
	}
}

func TestRunAllOutputsPresent(t *testing.T) {
	nix, store := chainFixture()
	store.valid[outA] = true
	res := run(t, nix, store, fakeHistory{}, "packages.x86_64-linux.app")

	if len(res.Builds) != 1 {
		t.Fatalf("got %d builds, want 1", len(res.Builds))
	}
	if res.Builds[0].Status != database.BuildCompleted {
		t.Errorf("status %s, want Completed", res.Builds[0].Status)
	}
	if len(res.Edges) != 0 {
		t.Errorf("got %d edges, want 0", len(res.Edges))
	}
	if len(res.Outputs) != 1 || res.Outputs[0].StorePath != outA {
		t.Fatalf("imported outputs = %+v", res.Outputs)
	}
	out := res.Outputs[0]
	if out.Hash != "00000000000000000000000000000000" || out.Package != "app-1.0" {
		t.Errorf("output hash/package = %q/%q", out.Hash, out.Package)
	}
}

func TestRunSkipsPreviouslyBuilt(t *testing.T) {
	nix, store := chainFixture()
	res := run(t, nix, store, fakeHistory{drvA: true}, "packages.x86_64-linux.app")
	if len(res.Builds) != 0 {
		t.Errorf("got %d builds, want 0 for already-built derivation", len(res.Builds))
	}
}

func TestRunFiltersPresentReferences(t *testing.T) {
	nix, store := chainFixture()
	store.valid[outB] = true // lib already realized locally
	res := run(t, nix, store, fakeHistory{}, "packages.x86_64-linux.app")

	if len(res.Builds) != 1 || res.Builds[0].DerivationPath != drvA {
		t.Fatalf("builds = %+v, want only app", res.Builds)
	}
	if len(res.Edges) != 0 {
		t.Errorf("got %d edges, want 0", len(res.Edges))
	}
}

func TestRunRequiredFeatures(t *testing.T) {
	nix, store := chainFixture()
	nix.refs = nil
	nix.shows = map[string]*Derivation{
		drvA: {
			System: "aarch64-linux",
			Env:    map[string]string{"requiredSystemFeatures": "big-parallel kvm"},
		},
	}
	res := run(t, nix, store, fakeHistory{}, "packages.x86_64-linux.app")
	if len(res.Builds) != 1 {
		t.Fatalf("got %d builds", len(res.Builds))
	}
	b := res.Builds[0]
	if b.Architecture != "aarch64-linux" {
		t.Errorf("architecture = %q", b.Architecture)
	}
	if diff := cmp.Diff([]string{"big-parallel", "kvm"}, b.Features); diff != "" {
		t.Errorf("features: diff (-want +got):\n%s", diff)
	}
}

func TestExpandGlobAndMemo(t *testing.T) {
	attrCalls := 0
	nix := &fakeNix{
		attrs: map[string][]string{
			"packages":              {"x86_64-linux"},
			"packages.x86_64-linux": {"app", "app-dev", "docs"},
		},
		drvs: map[string]string{
			"packages.x86_64-linux.app":     drvA,
			"packages.x86_64-linux.app-dev": drvB,
		},
	}
	counting := &countingNix{fakeNix: nix, attrCalls: &attrCalls}
	e := &Evaluator{Nix: counting, Store: &fakeStore{}, History: fakeHistory{}, Log: quietLog()}
	selectors, err := ParseWildcard("packages.*-linux.app*,packages.*-linux.docs")
	if err != nil {
		t.Fatal(err)
	}
	got := e.expand(context.Background(), flakeURL, selectors)
	sort.Strings(got)
	want := []string{
		"packages.x86_64-linux.app",
		"packages.x86_64-linux.app-dev",
		"packages.x86_64-linux.docs",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("expand: diff (-want +got):\n%s", diff)
	}
	// both selectors traverse packages.x86_64-linux; the memo must
	// collapse that to one enumeration per level
	if attrCalls != 2 {
		t.Errorf("attrNames invoked %d times, want 2", attrCalls)
	}
}

type countingNix struct {
	*fakeNix
	attrCalls *int
}

func (c *countingNix) AttrNames(ctx context.Context, installable string) ([]string, error) {
	*c.attrCalls++
	return c.fakeNix.AttrNames(ctx, installable)
}

func TestRunSkipsBrokenSelector(t *testing.T) {
	nix, store := chainFixture()
	// docs is matched by the literal selector but does not evaluate
	res := run(t, nix, store, fakeHistory{}, "packages.x86_64-linux.docs,packages.x86_64-linux.app")
	if len(res.Builds) != 2 {
		t.Errorf("got %d builds, want 2 (broken selector skipped, chain intact)", len(res.Builds))
	}
}
