package scheduler

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/nixforge/nixforge"
	"github.com/nixforge/nixforge/internal/database"
	"github.com/nixforge/nixforge/internal/nar"
	"github.com/nixforge/nixforge/internal/nixstore"
)

const (
	connectAttempts = 3
	connectBackoff  = 5 * time.Second
)

// runBuild executes one reserved (build, server) pair: copy the
// dependency closure over, submit the derivation, stream the log and
// record the outcome.
func (s *Scheduler) runBuild(ctx context.Context, org *database.Organization, build *database.Build, server *database.Server) {
	log := s.Log.WithFields(logrus.Fields{
		"build":      build.ID,
		"evaluation": build.EvaluationID,
		"server":     server.ID,
		"drv":        build.DerivationPath,
	})

	local, err := s.localStore(ctx, org)
	if err != nil {
		log.WithError(err).Error("local store unavailable, re-queueing")
		s.requeue(ctx, build, log)
		return
	}
	defer local.Close()

	key, err := s.Sealer.Open(org.PrivateKey)
	if err != nil {
		log.WithError(err).Error("cannot unseal organization key")
		s.failBuild(ctx, build, "cannot unseal organization key: "+err.Error(), true, log)
		return
	}

	remote, err := s.connectRemote(ctx, build.ID, server, key, log)
	if err != nil {
		log.WithError(err).Error("server unreachable, re-queueing")
		s.requeue(ctx, build, log)
		return
	}
	defer remote.Close()
	if err := s.DB.SetServerLastConnection(ctx, server.ID, time.Now()); err != nil {
		log.WithError(err).Warn("recording server connection")
	}

	deps, err := s.DB.DirectDependencies(ctx, build.ID)
	if err != nil {
		log.WithError(err).Error("loading dependencies, re-queueing")
		s.requeue(ctx, build, log)
		return
	}
	depDrvs := make([]string, len(deps))
	for i, dep := range deps {
		depDrvs[i] = dep.DerivationPath
	}
	closure, err := computeClosure(local, depDrvs)
	if err != nil {
		s.failBuild(ctx, build, "resolving dependency closure: "+err.Error(), true, log)
		return
	}

	drv, err := s.nixCLI(org).Show(ctx, build.DerivationPath)
	if err != nil {
		s.failBuild(ctx, build, "reading derivation: "+err.Error(), true, log)
		return
	}

	toCopy := closure
	for _, src := range drv.InputSrcs {
		if !contains(closure, src) {
			toCopy = append(toCopy, src)
		}
	}
	if err := copyPaths(local, remote, toCopy); err != nil {
		// a copy failure is not a verdict on the dependents: they
		// may succeed after a re-evaluation, so no propagation
		log.WithError(err).Error("copying closure to server")
		s.failBuild(ctx, build, "copying closure: "+err.Error(), false, log)
		return
	}

	basic, err := drv.BasicDerivation(closure)
	if err != nil {
		s.failBuild(ctx, build, err.Error(), true, log)
		return
	}
	res, err := remote.BuildDerivation(build.DerivationPath, basic, nixstore.BuildModeNormal)
	if err != nil {
		s.failBuild(ctx, build, "build error: "+err.Error(), true, log)
		return
	}
	if !res.Success() {
		msg := res.ErrorMessage
		if msg == "" {
			msg = "build failed"
		}
		s.failBuild(ctx, build, msg, true, log)
		return
	}

	if err := s.importOutputs(ctx, local, remote, build); err != nil {
		log.WithError(err).Error("importing outputs")
		s.failBuild(ctx, build, "importing outputs: "+err.Error(), false, log)
		return
	}
	if _, err := s.DB.SetBuildStatus(ctx, build.ID, database.BuildCompleted); err != nil {
		log.WithError(err).Error("completing build")
		return
	}
	if err := s.refreshEvaluationStatus(ctx, build.EvaluationID); err != nil {
		log.WithError(err).Error("refreshing evaluation status")
	}
	log.Info("build completed")
}

// connectRemote dials the server's daemon over SSH, wiring progress
// events into the build log. Fixed policy: three attempts, five
// seconds apart.
func (s *Scheduler) connectRemote(ctx context.Context, buildID uuid.UUID, server *database.Server, key []byte, log *logrus.Entry) (*nixstore.Client, error) {
	sink := s.logSink(ctx, buildID, log)
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		client, err := nixstore.DialSSH(nixstore.SSHConfig{
			Host:          server.Host,
			Port:          server.Port,
			User:          server.Username,
			PrivateKeyPEM: key,
		}, nixstore.WithEvents(sink))
		if err == nil {
			return client, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("connecting to server")
		if attempt < connectAttempts {
			select {
			case <-time.After(connectBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// logSink appends build log lines carried by Result progress events.
func (s *Scheduler) logSink(ctx context.Context, buildID uuid.UUID, log *logrus.Entry) func(nixstore.ProgressEvent) {
	return func(ev nixstore.ProgressEvent) {
		if ev.Kind != nixstore.EventResult {
			return
		}
		if ev.Type != nixstore.ResultBuildLogLine && ev.Type != nixstore.ResultPostBuildLogLine {
			return
		}
		var lines []string
		for _, f := range ev.Fields {
			if f.IsString {
				if line := strings.TrimSpace(f.Str); line != "" {
					lines = append(lines, line)
				}
			}
		}
		if len(lines) == 0 {
			return
		}
		if err := s.DB.AppendBuildLog(ctx, buildID, strings.Join(lines, "\n")+"\n"); err != nil {
			log.WithError(err).Warn("appending build log")
		}
	}
}

// failBuild records a failure, optionally propagating it to all
// transitive dependents, and re-derives the evaluation status.
func (s *Scheduler) failBuild(ctx context.Context, build *database.Build, msg string, propagate bool, log *logrus.Entry) {
	if err := s.DB.AppendBuildLog(ctx, build.ID, msg+"\n"); err != nil {
		log.WithError(err).Warn("appending failure to build log")
	}
	if _, err := s.DB.SetBuildStatus(ctx, build.ID, database.BuildFailed); err != nil {
		log.WithError(err).Error("marking build failed")
		return
	}
	if propagate {
		if err := PropagateStatus(ctx, s.DB, build.ID, database.BuildFailed); err != nil {
			log.WithError(err).Error("propagating failure")
		}
	}
	if err := s.refreshEvaluationStatus(ctx, build.EvaluationID); err != nil {
		log.WithError(err).Error("refreshing evaluation status")
	}
}

func (s *Scheduler) requeue(ctx context.Context, build *database.Build, log *logrus.Entry) {
	if err := s.DB.RequeueBuild(ctx, build.ID); err != nil {
		log.WithError(err).Error("re-queueing build")
	}
}

// importOutputs copies the finished build's outputs back into the
// local store and persists BuildOutput rows.
func (s *Scheduler) importOutputs(ctx context.Context, local, remote *nixstore.Client, build *database.Build) error {
	outputMap, err := local.QueryDerivationOutputMap(build.DerivationPath)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(outputMap))
	for name := range outputMap {
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = outputMap[name]
	}
	if err := copyPaths(remote, local, paths); err != nil {
		return err
	}

	outputs := make([]*database.BuildOutput, 0, len(names))
	for _, name := range names {
		storePath := outputMap[name]
		parsed, err := nixforge.ParseStorePath(storePath)
		if err != nil {
			return xerrors.Errorf("output %s: %w", name, err)
		}
		out := &database.BuildOutput{
			BuildID:   build.ID,
			Name:      name,
			StorePath: storePath,
			Hash:      parsed.Hash,
			Package:   parsed.Name,
		}
		if info, err := local.QueryPathInfo(storePath); err == nil && info != nil {
			out.CA = info.CA
		}
		outputs = append(outputs, out)
	}
	return s.DB.CreateBuildOutputs(ctx, outputs)
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// storeReader is the local-store surface closure computation needs.
type storeReader interface {
	QueryDerivationOutputMap(drvPath string) (map[string]string, error)
	QueryValidPaths(paths []string, substitute bool) ([]string, error)
	QueryPathInfo(path string) (*nixstore.PathInfo, error)
}

// computeClosure resolves each dependency derivation to its locally
// present output paths and expands those to their full reference
// closure, dependencies before dependents.
func computeClosure(store storeReader, depDrvs []string) ([]string, error) {
	var roots []string
	for _, drvPath := range depDrvs {
		outputs, err := store.QueryDerivationOutputMap(drvPath)
		if err != nil {
			return nil, xerrors.Errorf("outputs of %s: %w", drvPath, err)
		}
		paths := make([]string, 0, len(outputs))
		for _, p := range outputs {
			paths = append(paths, p)
		}
		valid, err := store.QueryValidPaths(paths, false)
		if err != nil {
			return nil, err
		}
		sort.Strings(valid)
		roots = append(roots, valid...)
	}

	seen := make(map[string]bool)
	var order []string
	var visit func(path string) error
	visit = func(path string) error {
		if seen[path] {
			return nil
		}
		seen[path] = true
		info, err := store.QueryPathInfo(path)
		if err != nil {
			return err
		}
		if info == nil {
			return xerrors.Errorf("closure member %s vanished from the local store", path)
		}
		refs := append([]string(nil), info.References...)
		sort.Strings(refs)
		for _, ref := range refs {
			if ref == path {
				continue
			}
			if err := visit(ref); err != nil {
				return err
			}
		}
		order = append(order, path)
		return nil
	}
	for _, root := range roots {
		if err := visit(root); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// narSource is where copyPaths streams archives from.
type narSource interface {
	QueryPathInfo(path string) (*nixstore.PathInfo, error)
	NarFromPath(path string) (io.Reader, error)
}

// narSink is where copyPaths streams archives to.
type narSink interface {
	IsValidPath(path string) (bool, error)
	AddToStoreNar(info *nixstore.PathInfo, nar io.Reader, repair, dontCheckSigs bool) error
}

// copyPaths transfers store paths one by one, skipping paths already
// valid at the destination and verifying validity after each copy.
func copyPaths(src narSource, dst narSink, paths []string) error {
	for _, path := range paths {
		valid, err := dst.IsValidPath(path)
		if err != nil {
			return err
		}
		if valid {
			continue
		}
		info, err := src.QueryPathInfo(path)
		if err != nil {
			return err
		}
		if info == nil {
			return xerrors.Errorf("%s is not valid at the source", path)
		}
		stream, err := src.NarFromPath(path)
		if err != nil {
			return err
		}
		pr, pw := io.Pipe()
		go func() {
			_, err := nar.Copy(pw, stream)
			pw.CloseWithError(err)
		}()
		if err := dst.AddToStoreNar(info, pr, false, true); err != nil {
			pr.CloseWithError(err)
			return xerrors.Errorf("copying %s: %w", path, err)
		}
		valid, err = dst.IsValidPath(path)
		if err != nil {
			return err
		}
		if !valid {
			return xerrors.Errorf("%s did not become valid after copy", path)
		}
	}
	return nil
}
