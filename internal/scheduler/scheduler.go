// Package scheduler runs the control loops: polling projects for new
// commits, expanding evaluations into build graphs and dispatching
// ready builds to remote servers.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nixforge/nixforge/internal/config"
	"github.com/nixforge/nixforge/internal/crypt"
	"github.com/nixforge/nixforge/internal/database"
	"github.com/nixforge/nixforge/internal/evaluator"
	"github.com/nixforge/nixforge/internal/nixstore"
	"github.com/nixforge/nixforge/internal/probe"
)

// tickInterval is how long an idle loop sleeps between passes.
const tickInterval = 5 * time.Second

// Scheduler owns the evaluation and build loops.
type Scheduler struct {
	DB     *database.DB
	Cfg    *config.Config
	Sealer *crypt.Sealer
	Log    *logrus.Entry

	// Fatal terminates the process on data inconsistency. Defaults
	// to logrus Fatal (exit status 1); tests substitute.
	Fatal func(args ...any)
}

// New returns a scheduler using the shared logger.
func New(db *database.DB, cfg *config.Config, sealer *crypt.Sealer, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		DB:     db,
		Cfg:    cfg,
		Sealer: sealer,
		Log:    log,
		Fatal:  log.Fatal,
	}
}

// Run starts both loops and blocks until the context is canceled or a
// loop returns an error.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runEvaluationLoop(ctx) })
	g.Go(func() error { return s.runBuildLoop(ctx) })
	return g.Wait()
}

// fatalInconsistency reports a broken foreign-key reference and exits.
// Continuing to schedule against missing rows would corrupt state.
func (s *Scheduler) fatalInconsistency(format string, args ...any) {
	s.Fatal(fmt.Sprintf("data inconsistency: "+format, args...))
}

// storeURI returns the store the organization's evaluations and local
// copies run against: the shared system store, or a private store
// rooted under the base path.
func (s *Scheduler) storeURI(org *database.Organization) string {
	if org.UseSharedStore {
		return ""
	}
	return "local?root=" + filepath.Join(s.Cfg.BasePath, "stores", org.ID.String())
}

// localStore opens a daemon client for the organization's local store.
func (s *Scheduler) localStore(ctx context.Context, org *database.Organization, opts ...nixstore.Option) (*nixstore.Client, error) {
	if org.UseSharedStore {
		return nixstore.DialUnix(ctx, nixstore.DefaultSocket, opts...)
	}
	return nixstore.StartLocal(ctx, s.Cfg.Bin.Nix, s.storeURI(org), opts...)
}

// nixCLI returns the derivation tool handle bound to the
// organization's store.
func (s *Scheduler) nixCLI(org *database.Organization) *evaluator.CLI {
	return &evaluator.CLI{Bin: s.Cfg.Bin.Nix, StoreURI: s.storeURI(org)}
}

// prober returns the git probe bound to this scheduler's key sealer.
func (s *Scheduler) prober() *probe.Prober {
	return &probe.Prober{GitBin: s.Cfg.Bin.Git, Sealer: s.Sealer, Log: s.Log}
}
