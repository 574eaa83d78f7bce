package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nixforge/nixforge/internal/database"
	"github.com/nixforge/nixforge/internal/evaluator"
	"github.com/nixforge/nixforge/internal/scheduler"
)

type projectResponse struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	RepositoryURL    string     `json:"repository_url"`
	Wildcard         string     `json:"wildcard"`
	Active           bool       `json:"active"`
	ForceEvaluate    bool       `json:"force_evaluate"`
	LastCheckAt      *time.Time `json:"last_check_at,omitempty"`
	LastEvaluationID *uuid.UUID `json:"last_evaluation_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func projectToResponse(p *database.Project) projectResponse {
	return projectResponse{
		ID:               p.ID,
		Name:             p.Name,
		RepositoryURL:    p.RepositoryURL,
		Wildcard:         p.Wildcard,
		Active:           p.Active,
		ForceEvaluate:    p.ForceEvaluate,
		LastCheckAt:      p.LastCheckAt,
		LastEvaluationID: p.LastEvaluationID,
		CreatedAt:        p.CreatedAt,
	}
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	projects, err := s.DB.ListProjects(r.Context(), user.OrganizationID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		resp = append(resp, projectToResponse(p))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type createProjectRequest struct {
	Name          string `json:"name"`
	RepositoryURL string `json:"repository_url"`
	Wildcard      string `json:"wildcard"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" || req.RepositoryURL == "" {
		s.writeError(w, http.StatusBadRequest, "name and repository_url are required")
		return
	}
	if _, err := evaluator.ParseWildcard(req.Wildcard); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid wildcard: "+err.Error())
		return
	}
	p := &database.Project{
		OrganizationID: user.OrganizationID,
		Name:           req.Name,
		RepositoryURL:  req.RepositoryURL,
		Wildcard:       req.Wildcard,
		Active:         true,
	}
	if err := s.DB.CreateProject(r.Context(), p); err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, projectToResponse(p))
}

// ownedProject loads the project and enforces that it belongs to the
// caller's organization. Writes the error response itself and returns
// nil when the request cannot proceed.
func (s *Server) ownedProject(w http.ResponseWriter, r *http.Request) *database.Project {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed id")
		return nil
	}
	p, err := s.DB.GetProject(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return nil
	}
	if p == nil || p.OrganizationID != requestUser(r).OrganizationID {
		s.writeError(w, http.StatusNotFound, "project not found")
		return nil
	}
	return p
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p := s.ownedProject(w, r)
	if p == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, projectToResponse(p))
}

type evaluationResponse struct {
	ID            uuid.UUID  `json:"id"`
	ProjectID     *uuid.UUID `json:"project_id,omitempty"`
	RepositoryURL string     `json:"repository_url"`
	CommitID      uuid.UUID  `json:"commit_id"`
	Wildcard      string     `json:"wildcard"`
	Status        string     `json:"status"`
	PreviousID    *uuid.UUID `json:"previous_id,omitempty"`
	NextID        *uuid.UUID `json:"next_id,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func evaluationToResponse(e *database.Evaluation) evaluationResponse {
	return evaluationResponse{
		ID:            e.ID,
		ProjectID:     e.ProjectID,
		RepositoryURL: e.RepositoryURL,
		CommitID:      e.CommitID,
		Wildcard:      e.Wildcard,
		Status:        string(e.Status),
		PreviousID:    e.PreviousID,
		NextID:        e.NextID,
		Error:         e.Error,
		CreatedAt:     e.CreatedAt,
	}
}

func (s *Server) listEvaluations(w http.ResponseWriter, r *http.Request) {
	p := s.ownedProject(w, r)
	if p == nil {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "malformed limit")
			return
		}
		limit = n
	}
	evals, err := s.DB.ListEvaluations(r.Context(), p.ID, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp := make([]evaluationResponse, 0, len(evals))
	for _, e := range evals {
		resp = append(resp, evaluationToResponse(e))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type buildResponse struct {
	ID             uuid.UUID        `json:"id"`
	EvaluationID   uuid.UUID        `json:"evaluation_id"`
	DerivationPath string           `json:"derivation_path"`
	Architecture   string           `json:"architecture"`
	Features       []string         `json:"features,omitempty"`
	Status         string           `json:"status"`
	ServerID       *uuid.UUID       `json:"server_id,omitempty"`
	Outputs        []outputResponse `json:"outputs,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type outputResponse struct {
	Name      string `json:"name"`
	StorePath string `json:"store_path"`
	Package   string `json:"package"`
	IsCached  bool   `json:"is_cached"`
}

func buildToResponse(b *database.Build, outputs []*database.BuildOutput) buildResponse {
	resp := buildResponse{
		ID:             b.ID,
		EvaluationID:   b.EvaluationID,
		DerivationPath: b.DerivationPath,
		Architecture:   b.Architecture,
		Features:       b.Features,
		Status:         string(b.Status),
		ServerID:       b.ServerID,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
	for _, o := range outputs {
		resp.Outputs = append(resp.Outputs, outputResponse{
			Name:      o.Name,
			StorePath: o.StorePath,
			Package:   o.Package,
			IsCached:  o.IsCached,
		})
	}
	return resp
}

type evaluationDetail struct {
	evaluationResponse
	Builds []buildResponse `json:"builds"`
}

func (s *Server) getEvaluation(w http.ResponseWriter, r *http.Request) {
	e := s.ownedEvaluation(w, r)
	if e == nil {
		return
	}
	builds, err := s.DB.BuildsForEvaluation(r.Context(), e.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	detail := evaluationDetail{
		evaluationResponse: evaluationToResponse(e),
		Builds:             make([]buildResponse, 0, len(builds)),
	}
	for _, b := range builds {
		detail.Builds = append(detail.Builds, buildToResponse(b, nil))
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) ownedEvaluation(w http.ResponseWriter, r *http.Request) *database.Evaluation {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed id")
		return nil
	}
	e, err := s.DB.GetEvaluation(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return nil
	}
	if e == nil || e.OrganizationID != requestUser(r).OrganizationID {
		s.writeError(w, http.StatusNotFound, "evaluation not found")
		return nil
	}
	return e
}

// ownedBuild loads the build and enforces ownership through its
// evaluation.
func (s *Server) ownedBuild(w http.ResponseWriter, r *http.Request) *database.Build {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed id")
		return nil
	}
	b, err := s.DB.GetBuild(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return nil
	}
	if b == nil {
		s.writeError(w, http.StatusNotFound, "build not found")
		return nil
	}
	e, err := s.DB.GetEvaluation(r.Context(), b.EvaluationID)
	if err != nil {
		s.internalError(w, r, err)
		return nil
	}
	if e == nil || e.OrganizationID != requestUser(r).OrganizationID {
		s.writeError(w, http.StatusNotFound, "build not found")
		return nil
	}
	return b
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBuild(w, r)
	if b == nil {
		return
	}
	outputs, err := s.DB.OutputsForBuild(r.Context(), b.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, buildToResponse(b, outputs))
}

func (s *Server) getBuildLog(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBuild(w, r)
	if b == nil {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(b.Log))
}

type abortResponse struct {
	Aborted bool `json:"aborted"`
}

// abortBuild requests cancellation of a build. Terminal statuses are
// sticky, so aborting a finished build is a no-op; an in-flight remote
// build keeps streaming, but its verdict no longer changes the record.
func (s *Server) abortBuild(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBuild(w, r)
	if b == nil {
		return
	}
	changed, err := s.DB.SetBuildStatus(r.Context(), b.ID, database.BuildAborted)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if changed {
		if err := scheduler.PropagateStatus(r.Context(), s.DB, b.ID, database.BuildAborted); err != nil {
			s.internalError(w, r, err)
			return
		}
		if err := scheduler.RefreshEvaluationStatus(r.Context(), s.DB, b.EvaluationID); err != nil {
			s.internalError(w, r, err)
			return
		}
		s.Log.WithFields(logrus.Fields{
			"build_id":      b.ID,
			"evaluation_id": b.EvaluationID,
		}).Info("build aborted via API")
	}
	s.writeJSON(w, http.StatusOK, abortResponse{Aborted: changed})
}

type serverResponse struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	Host             string     `json:"host"`
	Port             int        `json:"port"`
	Username         string     `json:"username"`
	Active           bool       `json:"active"`
	Architectures    []string   `json:"architectures"`
	Features         []string   `json:"features,omitempty"`
	LastConnectionAt *time.Time `json:"last_connection_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	servers, err := s.DB.ListServers(r.Context(), user.OrganizationID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp := make([]serverResponse, 0, len(servers))
	for _, srv := range servers {
		resp = append(resp, serverResponse{
			ID:               srv.ID,
			Name:             srv.Name,
			Host:             srv.Host,
			Port:             srv.Port,
			Username:         srv.Username,
			Active:           srv.Active,
			Architectures:    srv.Architectures,
			Features:         srv.Features,
			LastConnectionAt: srv.LastConnectionAt,
			CreatedAt:        srv.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.Log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
