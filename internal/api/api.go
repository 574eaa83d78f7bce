// Package api exposes the HTTP surface: a small authenticated REST
// projection over the data model, plus the anonymous binary cache
// endpoints the package manager fetches from. Handlers stay thin;
// every decision of consequence lives in the schedulers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nixforge/nixforge/internal/database"
)

// Store is the slice of the data store the API reads and writes.
// *database.DB satisfies it; tests substitute a fake.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (*database.User, error)

	ListProjects(ctx context.Context, orgID uuid.UUID) ([]*database.Project, error)
	CreateProject(ctx context.Context, p *database.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*database.Project, error)

	ListEvaluations(ctx context.Context, projectID uuid.UUID, limit int) ([]*database.Evaluation, error)
	GetEvaluation(ctx context.Context, id uuid.UUID) (*database.Evaluation, error)
	BuildsForEvaluation(ctx context.Context, evaluationID uuid.UUID) ([]*database.Build, error)

	GetBuild(ctx context.Context, id uuid.UUID) (*database.Build, error)
	OutputsForBuild(ctx context.Context, buildID uuid.UUID) ([]*database.BuildOutput, error)
	SetBuildStatus(ctx context.Context, buildID uuid.UUID, status database.BuildStatus) (bool, error)
	Dependents(ctx context.Context, buildID uuid.UUID) ([]*database.Build, error)
	BuildStatusCounts(ctx context.Context, evaluationID uuid.UUID) (map[database.BuildStatus]int, error)
	SetEvaluationStatus(ctx context.Context, id uuid.UUID, status database.EvaluationStatus, errText string) error

	ListServers(ctx context.Context, orgID uuid.UUID) ([]*database.Server, error)

	GetCacheByName(ctx context.Context, name string) (*database.Cache, error)
	CachedOutput(ctx context.Context, cacheName, hashPart string) (*database.BuildOutput, string, error)
}

// Server holds the HTTP handler state.
type Server struct {
	DB        Store
	JWTSecret []byte
	// CacheDir is where the packer lands compressed archives.
	CacheDir string
	Log      *logrus.Entry
}

// Router assembles the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/projects", s.listProjects)
		r.Post("/projects", s.createProject)
		r.Get("/projects/{id}", s.getProject)
		r.Get("/projects/{id}/evaluations", s.listEvaluations)
		r.Get("/evaluations/{id}", s.getEvaluation)
		r.Get("/builds/{id}", s.getBuild)
		r.Get("/builds/{id}/log", s.getBuildLog)
		r.Post("/builds/{id}/abort", s.abortBuild)
		r.Get("/servers", s.listServers)
	})

	r.Route("/cache/{cache}", func(r chi.Router) {
		r.Get("/nix-cache-info", s.cacheInfo)
		r.Get("/{hash}.narinfo", s.narinfo)
		r.Get("/nar/{file}", s.narArchive)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Log.WithError(err).Error("encoding response")
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg})
}

// pathID parses the {id} route parameter.
func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}
