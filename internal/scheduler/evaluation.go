package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nixforge/nixforge"
	"github.com/nixforge/nixforge/internal/database"
	"github.com/nixforge/nixforge/internal/evaluator"
	"github.com/nixforge/nixforge/internal/probe"
)

// runEvaluationLoop polls eligible projects every tick and dispatches
// at most one new evaluation per pass, bounded by the configured
// concurrency limit.
func (s *Scheduler) runEvaluationLoop(ctx context.Context) error {
	sem := make(chan struct{}, s.Cfg.Scheduler.MaxConcurrentEvaluations)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.evaluationPass(ctx, sem); err != nil {
			// transient store errors: log, retry next tick
			s.Log.WithError(err).Error("evaluation pass failed")
		}
	}
}

func (s *Scheduler) evaluationPass(ctx context.Context, sem chan struct{}) error {
	cutoff := time.Now().Add(-time.Duration(s.Cfg.Scheduler.EvaluationTimeout) * time.Second)
	projects, err := s.DB.EligibleProjects(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, project := range projects {
		eval, org, err := s.pollProject(ctx, project)
		if err != nil {
			s.Log.WithField("project", project.ID).WithError(err).Warn("probing project failed")
			continue
		}
		if eval == nil {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		go func() {
			defer func() { <-sem }()
			s.processEvaluation(ctx, org, eval)
		}()
		// one new evaluation per pass keeps probe traffic spread out
		return nil
	}
	return nil
}

// pollProject checks one project for updates and, if the remote moved,
// persists the commit and a fresh Queued evaluation chained onto its
// predecessor.
func (s *Scheduler) pollProject(ctx context.Context, project *database.Project) (*database.Evaluation, *database.Organization, error) {
	org, err := s.DB.GetOrganization(ctx, project.OrganizationID)
	if err != nil {
		return nil, nil, err
	}
	if org == nil {
		s.fatalInconsistency("project %s references missing organization %s", project.ID, project.OrganizationID)
		return nil, nil, nil
	}

	var (
		lastEval   *database.Evaluation
		lastCommit []byte
	)
	if project.LastEvaluationID != nil {
		lastEval, err = s.DB.GetEvaluation(ctx, *project.LastEvaluationID)
		if err != nil {
			return nil, nil, err
		}
		if lastEval == nil {
			s.fatalInconsistency("project %s references missing evaluation %s", project.ID, *project.LastEvaluationID)
			return nil, nil, nil
		}
		commit, err := s.DB.GetCommit(ctx, lastEval.CommitID)
		if err != nil {
			return nil, nil, err
		}
		if commit != nil {
			lastCommit = commit.Hash
		}
	}

	prober := s.prober()
	hasUpdate, head, err := prober.CheckUpdates(ctx, project, org, lastEval, lastCommit)
	if err != nil {
		return nil, nil, err
	}
	if !hasUpdate {
		return nil, nil, nil
	}

	info, err := prober.GetCommitInfo(ctx, project, org, head)
	if err != nil {
		s.Log.WithField("project", project.ID).WithError(err).Warn("commit metadata unavailable")
		info = &probe.CommitInfo{}
	}
	commit := &database.Commit{
		Hash:        head,
		Message:     info.Subject,
		AuthorName:  info.AuthorName,
		AuthorEmail: info.AuthorEmail,
	}
	if err := s.DB.CreateCommit(ctx, commit); err != nil {
		return nil, nil, err
	}

	eval := &database.Evaluation{
		OrganizationID: org.ID,
		ProjectID:      &project.ID,
		RepositoryURL:  project.RepositoryURL,
		CommitID:       commit.ID,
		Wildcard:       project.Wildcard,
		Status:         database.EvaluationQueued,
	}
	if lastEval != nil {
		eval.PreviousID = &lastEval.ID
	}
	if err := s.DB.CreateEvaluation(ctx, eval); err != nil {
		return nil, nil, err
	}
	if lastEval != nil {
		if err := s.DB.SetEvaluationNext(ctx, lastEval.ID, eval.ID); err != nil {
			return nil, nil, err
		}
	}
	if err := s.DB.SetProjectEvaluated(ctx, project.ID, eval.ID, time.Now()); err != nil {
		return nil, nil, err
	}
	s.Log.WithFields(logrus.Fields{
		"project":    project.ID,
		"evaluation": eval.ID,
		"commit":     nixforge.VecToHex(commit.Hash),
	}).Info("new evaluation queued")
	return eval, org, nil
}

// processEvaluation expands one evaluation into its build graph and
// persists it.
func (s *Scheduler) processEvaluation(ctx context.Context, org *database.Organization, eval *database.Evaluation) {
	log := s.Log.WithFields(logrus.Fields{"evaluation": eval.ID, "organization": org.ID})

	fail := func(err error) {
		log.WithError(err).Error("evaluation failed")
		if serr := s.DB.SetEvaluationStatus(ctx, eval.ID, database.EvaluationFailed, err.Error()); serr != nil {
			log.WithError(serr).Error("recording evaluation failure")
		}
	}

	if err := s.DB.SetEvaluationStatus(ctx, eval.ID, database.EvaluationEvaluating, ""); err != nil {
		fail(err)
		return
	}
	commit, err := s.DB.GetCommit(ctx, eval.CommitID)
	if err != nil {
		fail(err)
		return
	}
	if commit == nil {
		s.fatalInconsistency("evaluation %s references missing commit %s", eval.ID, eval.CommitID)
		return
	}
	flakeURL, err := probe.RewriteURL(eval.RepositoryURL, nixforge.VecToHex(commit.Hash))
	if err != nil {
		fail(err)
		return
	}

	store, err := s.localStore(ctx, org)
	if err != nil {
		fail(err)
		return
	}
	defer store.Close()

	ev := &evaluator.Evaluator{
		Nix:     s.nixCLI(org),
		Store:   store,
		History: s.DB,
		Log:     log,
	}
	res, err := ev.Run(ctx, org.ID, eval.ID, flakeURL, eval.Wildcard)
	if err != nil {
		fail(err)
		return
	}

	if err := s.DB.CreateBuilds(ctx, res.Builds); err != nil {
		fail(err)
		return
	}
	if err := s.DB.CreateBuildDependencies(ctx, res.Edges); err != nil {
		fail(err)
		return
	}
	if err := s.DB.CreateBuildOutputs(ctx, res.Outputs); err != nil {
		fail(err)
		return
	}
	if err := s.DB.MarkBuildsQueued(ctx, eval.ID); err != nil {
		fail(err)
		return
	}

	if len(res.Builds) == 0 {
		if err := s.DB.SetEvaluationStatus(ctx, eval.ID, database.EvaluationCompleted, ""); err != nil {
			log.WithError(err).Error("completing empty evaluation")
		}
		log.Info("evaluation produced no builds")
		return
	}
	if err := s.DB.SetEvaluationStatus(ctx, eval.ID, database.EvaluationBuilding, ""); err != nil {
		log.WithError(err).Error("advancing evaluation to building")
		return
	}
	// builds imported as already completed may satisfy the whole graph
	if err := s.refreshEvaluationStatus(ctx, eval.ID); err != nil {
		log.WithError(err).Error("refreshing evaluation status")
	}
	log.WithFields(logrus.Fields{
		"builds": len(res.Builds),
		"edges":  len(res.Edges),
	}).Info("evaluation expanded")
}
