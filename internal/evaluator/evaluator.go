// Package evaluator expands a project's wildcard against a repository
// snapshot into a concrete build graph: one Build per derivation that
// needs building, plus the dependency edges between them.
package evaluator

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/nixforge/nixforge"
	"github.com/nixforge/nixforge/internal/database"
	"github.com/nixforge/nixforge/internal/nixstore"
)

// FlakeRoots are the well-known attribute roots candidate at the first
// selector segment.
var FlakeRoots = []string{"packages", "checks", "devShells", "apps", "legacyPackages", "hydraJobs"}

// Store is the daemon surface the evaluator needs, a subset of
// *nixstore.Client.
type Store interface {
	QueryDerivationOutputMap(drvPath string) (map[string]string, error)
	QueryValidPaths(paths []string, substitute bool) ([]string, error)
	QueryPathInfo(path string) (*nixstore.PathInfo, error)
}

// History answers whether an organization already built a derivation.
type History interface {
	HasSuccessfulBuild(ctx context.Context, orgID uuid.UUID, derivationPath string) (bool, error)
}

// Result is one evaluation's build graph. Outputs belong to builds
// recorded Completed directly because their store paths already exist.
type Result struct {
	Builds  []*database.Build
	Edges   []database.BuildDependency
	Outputs []*database.BuildOutput
}

// Evaluator drives wildcard expansion and closure computation for one
// organization's local store.
type Evaluator struct {
	Nix     Nix
	Store   Store
	History History
	Log     *logrus.Entry
}

// Run evaluates flakeURL (already pinned to a commit) under wildcard
// and returns the graph of builds for evaluationID.
func (e *Evaluator) Run(ctx context.Context, orgID, evaluationID uuid.UUID, flakeURL, wildcard string) (*Result, error) {
	selectors, err := ParseWildcard(wildcard)
	if err != nil {
		return nil, err
	}
	attrPaths := e.expand(ctx, flakeURL, selectors)
	e.Log.WithFields(logrus.Fields{
		"evaluation": evaluationID,
		"selectors":  len(selectors),
		"resolved":   len(attrPaths),
	}).Info("wildcard expanded")

	res := &Result{}
	builds := make(map[string]*database.Build)
	for _, attr := range attrPaths {
		drvPath, _, err := e.Nix.DerivationInfo(ctx, flakeURL+"#"+attr)
		if err != nil {
			e.Log.WithField("attr", attr).WithError(err).Warn("skipping selector: cannot instantiate")
			continue
		}
		if _, ok := builds[drvPath]; ok {
			continue
		}
		missing, outputs, err := e.missingOutputs(drvPath)
		if err != nil {
			e.Log.WithField("drv", drvPath).WithError(err).Warn("skipping selector: output query failed")
			continue
		}
		if len(missing) == 0 {
			if err := e.recordExisting(ctx, evaluationID, drvPath, outputs, builds, res); err != nil {
				return nil, err
			}
			continue
		}
		done, err := e.History.HasSuccessfulBuild(ctx, orgID, drvPath)
		if err != nil {
			return nil, err
		}
		if done {
			continue
		}
		if err := e.traverse(ctx, evaluationID, drvPath, builds, res); err != nil {
			return nil, err
		}
	}
	if err := validateAcyclic(res); err != nil {
		return nil, err
	}
	return res, nil
}

// expand walks each selector's segments breadth-first over attribute
// paths. Attribute enumerations are memoized by joined dot path so
// overlapping selectors evaluate each level once. Per-path failures
// are logged and skipped.
func (e *Evaluator) expand(ctx context.Context, flakeURL string, selectors []Selector) []string {
	memo := make(map[string][]string)
	seen := make(map[string]bool)
	var resolved []string
	accept := func(path string) {
		if !seen[path] {
			seen[path] = true
			resolved = append(resolved, path)
		}
	}
	for _, sel := range selectors {
		paths := []string{""}
		for i, seg := range sel {
			last := i == len(sel)-1
			var next []string
			for _, path := range paths {
				for _, name := range e.candidates(ctx, flakeURL, path, i, memo) {
					if !seg.Matches(name) {
						continue
					}
					full := joinAttr(path, name)
					if seg.Any {
						isDrv, err := e.Nix.IsDerivation(ctx, flakeURL+"#"+full)
						if err != nil {
							e.Log.WithField("attr", full).WithError(err).Warn("skipping attribute: type check failed")
							continue
						}
						if isDrv {
							accept(full)
						} else if !last {
							next = append(next, full)
						}
						continue
					}
					if last {
						accept(full)
					} else {
						next = append(next, full)
					}
				}
			}
			paths = next
			if len(paths) == 0 {
				break
			}
		}
	}
	return resolved
}

func (e *Evaluator) candidates(ctx context.Context, flakeURL, path string, depth int, memo map[string][]string) []string {
	if depth == 0 {
		return FlakeRoots
	}
	names, ok := memo[path]
	if !ok {
		var err error
		names, err = e.Nix.AttrNames(ctx, flakeURL+"#"+path)
		if err != nil {
			e.Log.WithField("attr", path).WithError(err).Warn("skipping attribute: enumeration failed")
			names = nil
		}
		sort.Strings(names)
		memo[path] = names
	}
	return names
}

func joinAttr(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// missingOutputs resolves a derivation's declared outputs and splits
// them into the ones absent from the local store and the full map.
func (e *Evaluator) missingOutputs(drvPath string) (missing []string, outputs map[string]string, err error) {
	outputs, err = e.Store.QueryDerivationOutputMap(drvPath)
	if err != nil {
		return nil, nil, err
	}
	paths := make([]string, 0, len(outputs))
	for _, p := range outputs {
		paths = append(paths, p)
	}
	valid, err := e.Store.QueryValidPaths(paths, false)
	if err != nil {
		return nil, nil, err
	}
	validSet := make(map[string]bool, len(valid))
	for _, p := range valid {
		validSet[p] = true
	}
	for _, p := range paths {
		if !validSet[p] {
			missing = append(missing, p)
		}
	}
	return missing, outputs, nil
}

// recordExisting emits a Build already in Completed state for a
// derivation whose outputs are all present, importing the outputs
// from the local store.
func (e *Evaluator) recordExisting(ctx context.Context, evaluationID uuid.UUID, drvPath string, outputs map[string]string, builds map[string]*database.Build, res *Result) error {
	b, err := e.newBuild(ctx, evaluationID, drvPath)
	if err != nil {
		return err
	}
	b.Status = database.BuildCompleted
	builds[drvPath] = b
	res.Builds = append(res.Builds, b)
	for _, name := range sortedKeys(outputs) {
		storePath := outputs[name]
		parsed, err := nixforge.ParseStorePath(storePath)
		if err != nil {
			return xerrors.Errorf("output %s of %s: %w", name, drvPath, err)
		}
		out := &database.BuildOutput{
			ID:        uuid.New(),
			BuildID:   b.ID,
			Name:      name,
			StorePath: storePath,
			Hash:      parsed.Hash,
			Package:   parsed.Name,
		}
		if info, err := e.Store.QueryPathInfo(storePath); err == nil && info != nil {
			out.CA = info.CA
		}
		res.Outputs = append(res.Outputs, out)
	}
	return nil
}

// traverse runs the worklist over derivation references, creating one
// Build per unresolved path and one edge per requirement. References
// whose outputs already exist locally are filtered out; references
// already carrying a Build in this evaluation are merged by ID.
func (e *Evaluator) traverse(ctx context.Context, evaluationID uuid.UUID, seed string, builds map[string]*database.Build, res *Result) error {
	worklist := []string{seed}
	for len(worklist) > 0 {
		drvPath := worklist[0]
		worklist = worklist[1:]
		b, ok := builds[drvPath]
		if !ok {
			var err error
			b, err = e.newBuild(ctx, evaluationID, drvPath)
			if err != nil {
				return err
			}
			builds[drvPath] = b
			res.Builds = append(res.Builds, b)
		}
		refs, err := e.Nix.DrvReferences(ctx, drvPath)
		if err != nil {
			return xerrors.Errorf("references of %s: %w", drvPath, err)
		}
		for _, ref := range refs {
			if ref == drvPath || !nixforge.IsDerivationPath(ref) {
				continue
			}
			if dep, ok := builds[ref]; ok {
				res.Edges = append(res.Edges, database.BuildDependency{BuildID: b.ID, DependencyID: dep.ID})
				continue
			}
			missing, _, err := e.missingOutputs(ref)
			if err != nil {
				return err
			}
			if len(missing) == 0 {
				continue
			}
			dep, err := e.newBuild(ctx, evaluationID, ref)
			if err != nil {
				return err
			}
			builds[ref] = dep
			res.Builds = append(res.Builds, dep)
			res.Edges = append(res.Edges, database.BuildDependency{BuildID: b.ID, DependencyID: dep.ID})
			worklist = append(worklist, ref)
		}
	}
	return nil
}

func (e *Evaluator) newBuild(ctx context.Context, evaluationID uuid.UUID, drvPath string) (*database.Build, error) {
	drv, err := e.Nix.Show(ctx, drvPath)
	if err != nil {
		return nil, xerrors.Errorf("showing %s: %w", drvPath, err)
	}
	return &database.Build{
		ID:             uuid.New(),
		EvaluationID:   evaluationID,
		DerivationPath: drvPath,
		Architecture:   drv.System,
		Features:       drv.RequiredFeatures(),
		Status:         database.BuildCreated,
	}, nil
}

// validateAcyclic rejects graphs with dependency cycles. The worklist
// discipline cannot produce one, so a cycle means the reference data
// itself is inconsistent.
func validateAcyclic(res *Result) error {
	g := simple.NewDirectedGraph()
	ids := make(map[uuid.UUID]int64, len(res.Builds))
	for i, b := range res.Builds {
		ids[b.ID] = int64(i)
		g.AddNode(simple.Node(int64(i)))
	}
	for _, edge := range res.Edges {
		from, to := ids[edge.BuildID], ids[edge.DependencyID]
		if from == to {
			return xerrors.New("build graph contains a self-dependency")
		}
		g.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
	}
	if _, err := topo.Sort(g); err != nil {
		return xerrors.Errorf("build graph is cyclic: %v", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
