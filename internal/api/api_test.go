package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixforge/nixforge"
	"github.com/nixforge/nixforge/internal/database"
)

type fakeStore struct {
	users       map[string]*database.User
	projects    map[uuid.UUID]*database.Project
	evaluations map[uuid.UUID]*database.Evaluation
	builds      map[uuid.UUID]*database.Build
	// edges maps a build to the builds depending on it
	edges   map[uuid.UUID][]uuid.UUID
	outputs map[uuid.UUID][]*database.BuildOutput
	servers []*database.Server
	caches  map[string]*database.Cache
	// cached maps "<cache>/<hashPart>" to an output + signature
	cached map[string]*database.BuildOutput
	sigs   map[string]string

	evalStatus map[uuid.UUID]database.EvaluationStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[string]*database.User),
		projects:    make(map[uuid.UUID]*database.Project),
		evaluations: make(map[uuid.UUID]*database.Evaluation),
		builds:      make(map[uuid.UUID]*database.Build),
		edges:       make(map[uuid.UUID][]uuid.UUID),
		outputs:     make(map[uuid.UUID][]*database.BuildOutput),
		caches:      make(map[string]*database.Cache),
		cached:      make(map[string]*database.BuildOutput),
		sigs:        make(map[string]string),
		evalStatus:  make(map[uuid.UUID]database.EvaluationStatus),
	}
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (*database.User, error) {
	return f.users[username], nil
}

func (f *fakeStore) ListProjects(_ context.Context, orgID uuid.UUID) ([]*database.Project, error) {
	var out []*database.Project
	for _, p := range f.projects {
		if p.OrganizationID == orgID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) CreateProject(_ context.Context, p *database.Project) error {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	f.projects[p.ID] = p
	return nil
}

func (f *fakeStore) GetProject(_ context.Context, id uuid.UUID) (*database.Project, error) {
	return f.projects[id], nil
}

func (f *fakeStore) ListEvaluations(_ context.Context, projectID uuid.UUID, limit int) ([]*database.Evaluation, error) {
	var out []*database.Evaluation
	for _, e := range f.evaluations {
		if e.ProjectID != nil && *e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetEvaluation(_ context.Context, id uuid.UUID) (*database.Evaluation, error) {
	return f.evaluations[id], nil
}

func (f *fakeStore) BuildsForEvaluation(_ context.Context, evaluationID uuid.UUID) ([]*database.Build, error) {
	var out []*database.Build
	for _, b := range f.builds {
		if b.EvaluationID == evaluationID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) GetBuild(_ context.Context, id uuid.UUID) (*database.Build, error) {
	return f.builds[id], nil
}

func (f *fakeStore) OutputsForBuild(_ context.Context, buildID uuid.UUID) ([]*database.BuildOutput, error) {
	return f.outputs[buildID], nil
}

func (f *fakeStore) SetBuildStatus(_ context.Context, buildID uuid.UUID, status database.BuildStatus) (bool, error) {
	b := f.builds[buildID]
	if b == nil || b.Status.Terminal() || b.Status == status {
		return false, nil
	}
	b.Status = status
	return true, nil
}

func (f *fakeStore) Dependents(_ context.Context, buildID uuid.UUID) ([]*database.Build, error) {
	var out []*database.Build
	for _, id := range f.edges[buildID] {
		out = append(out, f.builds[id])
	}
	return out, nil
}

func (f *fakeStore) BuildStatusCounts(_ context.Context, evaluationID uuid.UUID) (map[database.BuildStatus]int, error) {
	counts := make(map[database.BuildStatus]int)
	for _, b := range f.builds {
		if b.EvaluationID == evaluationID {
			counts[b.Status]++
		}
	}
	return counts, nil
}

func (f *fakeStore) SetEvaluationStatus(_ context.Context, id uuid.UUID, status database.EvaluationStatus, _ string) error {
	f.evalStatus[id] = status
	return nil
}

func (f *fakeStore) ListServers(_ context.Context, orgID uuid.UUID) ([]*database.Server, error) {
	var out []*database.Server
	for _, s := range f.servers {
		if s.OrganizationID == orgID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) GetCacheByName(_ context.Context, name string) (*database.Cache, error) {
	return f.caches[name], nil
}

func (f *fakeStore) CachedOutput(_ context.Context, cacheName, hashPart string) (*database.BuildOutput, string, error) {
	key := cacheName + "/" + hashPart
	return f.cached[key], f.sigs[key], nil
}

var testSecret = []byte("test-jwt-secret")

func testServer(t *testing.T, store *fakeStore) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Server{
		DB:        store,
		JWTSecret: testSecret,
		CacheDir:  t.TempDir(),
		Log:       logrus.NewEntry(logger),
	}
}

func bearerFor(t *testing.T, username string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": username,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)
	return "Bearer " + token
}

func doRequest(s *Server, method, target, bearer string, body []byte) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	s := testServer(t, newFakeStore())

	rec := doRequest(s, "GET", "/api/v1/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, "GET", "/api/v1/projects", bearerFor(t, "nobody"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unknown subject must not pass")
}

func TestAuthRejectsForgedToken(t *testing.T) {
	store := newFakeStore()
	store.users["alice"] = &database.User{ID: uuid.New(), OrganizationID: uuid.New(), Username: "alice"}
	s := testServer(t, store)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).
		SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	rec := doRequest(s, "GET", "/api/v1/projects", "Bearer "+forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProjectsScopedToOrganization(t *testing.T) {
	store := newFakeStore()
	orgA, orgB := uuid.New(), uuid.New()
	store.users["alice"] = &database.User{ID: uuid.New(), OrganizationID: orgA, Username: "alice"}
	mine := &database.Project{ID: uuid.New(), OrganizationID: orgA, Name: "mine", Wildcard: "packages.*"}
	other := &database.Project{ID: uuid.New(), OrganizationID: orgB, Name: "other", Wildcard: "packages.*"}
	store.projects[mine.ID] = mine
	store.projects[other.ID] = other
	s := testServer(t, store)

	rec := doRequest(s, "GET", "/api/v1/projects", bearerFor(t, "alice"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got []projectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "mine", got[0].Name)

	// fetching the foreign project by id must look like a missing row
	rec = doRequest(s, "GET", "/api/v1/projects/"+other.ID.String(), bearerFor(t, "alice"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateProject(t *testing.T) {
	store := newFakeStore()
	org := uuid.New()
	store.users["alice"] = &database.User{ID: uuid.New(), OrganizationID: org, Username: "alice"}
	s := testServer(t, store)

	body, _ := json.Marshal(createProjectRequest{
		Name:          "hello",
		RepositoryURL: "https://example.org/hello.git",
		Wildcard:      "packages.x86_64-linux.*",
	})
	rec := doRequest(s, "POST", "/api/v1/projects", bearerFor(t, "alice"), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var got projectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Active)
	require.NotNil(t, store.projects[got.ID])
	assert.Equal(t, org, store.projects[got.ID].OrganizationID)
}

func TestCreateProjectRejectsBadWildcard(t *testing.T) {
	store := newFakeStore()
	store.users["alice"] = &database.User{ID: uuid.New(), OrganizationID: uuid.New(), Username: "alice"}
	s := testServer(t, store)

	body, _ := json.Marshal(createProjectRequest{
		Name:          "hello",
		RepositoryURL: "https://example.org/hello.git",
		Wildcard:      "packages.a*b*c",
	})
	rec := doRequest(s, "POST", "/api/v1/projects", bearerFor(t, "alice"), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAbortBuildPropagates(t *testing.T) {
	store := newFakeStore()
	org := uuid.New()
	store.users["alice"] = &database.User{ID: uuid.New(), OrganizationID: org, Username: "alice"}
	eval := &database.Evaluation{ID: uuid.New(), OrganizationID: org, Status: database.EvaluationBuilding}
	store.evaluations[eval.ID] = eval
	dep := &database.Build{ID: uuid.New(), EvaluationID: eval.ID, Status: database.BuildQueued}
	top := &database.Build{ID: uuid.New(), EvaluationID: eval.ID, Status: database.BuildQueued}
	store.builds[dep.ID] = dep
	store.builds[top.ID] = top
	store.edges[dep.ID] = []uuid.UUID{top.ID}
	s := testServer(t, store)

	rec := doRequest(s, "POST", "/api/v1/builds/"+dep.ID.String()+"/abort", bearerFor(t, "alice"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got abortResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Aborted)
	assert.Equal(t, database.BuildAborted, dep.Status)
	assert.Equal(t, database.BuildAborted, top.Status, "dependents must be aborted too")
	assert.Equal(t, database.EvaluationAborted, store.evalStatus[eval.ID])
}

func TestAbortBuildLeavesTerminal(t *testing.T) {
	store := newFakeStore()
	org := uuid.New()
	store.users["alice"] = &database.User{ID: uuid.New(), OrganizationID: org, Username: "alice"}
	eval := &database.Evaluation{ID: uuid.New(), OrganizationID: org, Status: database.EvaluationCompleted}
	store.evaluations[eval.ID] = eval
	done := &database.Build{ID: uuid.New(), EvaluationID: eval.ID, Status: database.BuildCompleted}
	store.builds[done.ID] = done
	s := testServer(t, store)

	rec := doRequest(s, "POST", "/api/v1/builds/"+done.ID.String()+"/abort", bearerFor(t, "alice"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got abortResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Aborted)
	assert.Equal(t, database.BuildCompleted, done.Status)
}

func TestBuildLogIsPlainText(t *testing.T) {
	store := newFakeStore()
	org := uuid.New()
	store.users["alice"] = &database.User{ID: uuid.New(), OrganizationID: org, Username: "alice"}
	eval := &database.Evaluation{ID: uuid.New(), OrganizationID: org}
	store.evaluations[eval.ID] = eval
	b := &database.Build{ID: uuid.New(), EvaluationID: eval.ID, Status: database.BuildFailed, Log: "line one\nline two\n"}
	store.builds[b.ID] = b
	s := testServer(t, store)

	rec := doRequest(s, "GET", "/api/v1/builds/"+b.ID.String()+"/log", bearerFor(t, "alice"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "line one\nline two\n", rec.Body.String())
}

func TestCacheInfo(t *testing.T) {
	store := newFakeStore()
	store.caches["main"] = &database.Cache{ID: uuid.New(), Name: "main", Priority: 40, Active: true}
	store.caches["off"] = &database.Cache{ID: uuid.New(), Name: "off", Priority: 40, Active: false}
	s := testServer(t, store)

	rec := doRequest(s, "GET", "/cache/main/nix-cache-info", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "StoreDir: /nix/store\nWantMassQuery: 1\nPriority: 40\n", rec.Body.String())

	rec = doRequest(s, "GET", "/cache/off/nix-cache-info", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "inactive cache must not be served")

	rec = doRequest(s, "GET", "/cache/unknown/nix-cache-info", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNarinfo(t *testing.T) {
	store := newFakeStore()
	digest := sha256.Sum256([]byte("artifact"))
	fileHash := "sha256:" + nixforge.NixBase32(digest[:])
	fileSize := int64(1234)
	hashPart := strings.Repeat("1", 32)
	store.cached["main/"+hashPart] = &database.BuildOutput{
		StorePath: "/nix/store/" + hashPart + "-lib-1.0",
		FileHash:  &fileHash,
		FileSize:  &fileSize,
		NarHash:   "sha256:1b8m03r63zqhnjf7l5wnldhh7c134ap5vpj0850ymkq1iyzicy5z",
		NarSize:   9024,
		IsCached:  true,
	}
	store.sigs["main/"+hashPart] = "main:c2ln"
	s := testServer(t, store)

	rec := doRequest(s, "GET", "/cache/main/"+hashPart+".narinfo", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "StorePath: /nix/store/"+hashPart+"-lib-1.0\n")
	assert.Contains(t, rec.Body.String(), "FileHash: "+fileHash+"\n")
	assert.Contains(t, rec.Body.String(), "Sig: main:c2ln\n")

	rec = doRequest(s, "GET", "/cache/main/"+strings.Repeat("2", 32)+".narinfo", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// 'e' is not in the store's base-32 alphabet
	rec = doRequest(s, "GET", "/cache/main/"+strings.Repeat("e", 32)+".narinfo", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNarArchive(t *testing.T) {
	store := newFakeStore()
	store.caches["main"] = &database.Cache{ID: uuid.New(), Name: "main", Priority: 40, Active: true}
	s := testServer(t, store)

	payload := []byte("compressed archive bytes")
	digest := sha256.Sum256(payload)
	hex := nixforge.VecToHex(digest[:])
	dir := filepath.Join(s.CacheDir, hex[:2])
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, hex[2:]+".nar.zst"), payload, 0644))

	rec := doRequest(s, "GET", "/cache/main/nar/"+hex+".nar.zst", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())

	rec = doRequest(s, "GET", "/cache/main/nar/../../etc/passwd", "", nil)
	assert.NotEqual(t, http.StatusOK, rec.Code, "traversal attempts must not be served")
}
