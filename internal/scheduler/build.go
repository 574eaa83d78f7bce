package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nixforge/nixforge/internal/database"
)

// runBuildLoop selects ready builds every tick, reserves servers and
// dispatches build tasks bounded by the configured concurrency limit.
func (s *Scheduler) runBuildLoop(ctx context.Context) error {
	sem := make(chan struct{}, s.Cfg.Scheduler.MaxConcurrentBuilds)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.buildPass(ctx, sem); err != nil {
			s.Log.WithError(err).Error("build pass failed")
		}
	}
}

func (s *Scheduler) buildPass(ctx context.Context, sem chan struct{}) error {
	builds, err := s.DB.ReadyBuilds(ctx)
	if err != nil {
		return err
	}
	for _, build := range builds {
		eval, err := s.DB.GetEvaluation(ctx, build.EvaluationID)
		if err != nil {
			return err
		}
		if eval == nil {
			s.fatalInconsistency("build %s references missing evaluation %s", build.ID, build.EvaluationID)
			return nil
		}
		org, err := s.DB.GetOrganization(ctx, eval.OrganizationID)
		if err != nil {
			return err
		}
		if org == nil {
			s.fatalInconsistency("evaluation %s references missing organization %s", eval.ID, eval.OrganizationID)
			return nil
		}

		servers, err := s.DB.CandidateServers(ctx, org.ID, build.Architecture, build.Features)
		if err != nil {
			return err
		}
		if len(servers) == 0 {
			msg := fmt.Sprintf("no active server provides architecture %s", build.Architecture)
			if len(build.Features) > 0 {
				msg += " with features " + strings.Join(build.Features, ", ")
			}
			if err := s.abortBuild(ctx, build, eval, msg); err != nil {
				return err
			}
			continue
		}

		var reserved *database.Server
		for _, server := range servers {
			ok, err := s.DB.ReserveServer(ctx, build.ID, server.ID)
			if err != nil {
				return err
			}
			if ok {
				reserved = server
				break
			}
		}
		if reserved == nil {
			// every candidate is busy; the build stays Queued
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		build, org, server := build, org, reserved
		go func() {
			defer func() { <-sem }()
			s.runBuild(ctx, org, build, server)
		}()
	}
	return nil
}

// abortBuild marks a build and its dependents Aborted and records the
// reason on the enclosing evaluation.
func (s *Scheduler) abortBuild(ctx context.Context, build *database.Build, eval *database.Evaluation, reason string) error {
	s.Log.WithFields(logrus.Fields{
		"build":      build.ID,
		"evaluation": eval.ID,
		"drv":        build.DerivationPath,
	}).Warn("aborting build: " + reason)
	if _, err := s.DB.SetBuildStatus(ctx, build.ID, database.BuildAborted); err != nil {
		return err
	}
	if err := PropagateStatus(ctx, s.DB, build.ID, database.BuildAborted); err != nil {
		return err
	}
	return s.DB.SetEvaluationStatus(ctx, eval.ID, database.EvaluationAborted, reason)
}
