// Package database owns the persisted state of nixforge: the logical
// data model, its migrations and the queries the schedulers, the
// evaluator, the packer and the API issue against PostgreSQL.
package database

import (
	"time"

	"github.com/google/uuid"
)

// EvaluationStatus is the lifecycle state of an evaluation.
type EvaluationStatus string

const (
	EvaluationQueued     EvaluationStatus = "Queued"
	EvaluationEvaluating EvaluationStatus = "Evaluating"
	EvaluationBuilding   EvaluationStatus = "Building"
	EvaluationCompleted  EvaluationStatus = "Completed"
	EvaluationFailed     EvaluationStatus = "Failed"
	EvaluationAborted    EvaluationStatus = "Aborted"
)

// Terminal reports whether the status is final.
func (s EvaluationStatus) Terminal() bool {
	switch s {
	case EvaluationCompleted, EvaluationFailed, EvaluationAborted:
		return true
	}
	return false
}

// BuildStatus is the lifecycle state of a build.
type BuildStatus string

const (
	BuildCreated   BuildStatus = "Created"
	BuildQueued    BuildStatus = "Queued"
	BuildBuilding  BuildStatus = "Building"
	BuildCompleted BuildStatus = "Completed"
	BuildFailed    BuildStatus = "Failed"
	BuildAborted   BuildStatus = "Aborted"
)

// Terminal reports whether the status is final. Terminal statuses are
// sticky: once assigned they are never overwritten.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildCompleted, BuildFailed, BuildAborted:
		return true
	}
	return false
}

// ArchBuiltin is the architecture sentinel matching any build.
const ArchBuiltin = "BUILTIN"

// Organization is a tenant. It owns projects, servers and cache
// subscriptions, and carries the SSH identity key pair used for both
// repository access and builder connections. The private key is sealed
// with the process secret.
type Organization struct {
	ID             uuid.UUID
	Name           string
	PublicKey      string
	PrivateKey     []byte // sealed
	UseSharedStore bool
	CreatedAt      time.Time
}

// Project points at a source repository and a wildcard selection.
type Project struct {
	ID               uuid.UUID
	OrganizationID   uuid.UUID
	Name             string
	RepositoryURL    string
	Wildcard         string
	LastCheckAt      *time.Time
	LastEvaluationID *uuid.UUID
	ForceEvaluate    bool
	Active           bool
	CreatedAt        time.Time
}

// Commit is an immutable snapshot of repository metadata.
type Commit struct {
	ID          uuid.UUID
	Hash        []byte // 20 bytes
	Message     string
	AuthorName  string
	AuthorEmail string
	CreatedAt   time.Time
}

// Evaluation is one attempt to expand a project's selection into a
// build graph and drive it to completion. ProjectID is nil for direct
// builds. PreviousID/NextID form a doubly-linked chain per project.
type Evaluation struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	ProjectID      *uuid.UUID
	RepositoryURL  string
	CommitID       uuid.UUID
	Wildcard       string
	Status         EvaluationStatus
	PreviousID     *uuid.UUID
	NextID         *uuid.UUID
	Error          string
	CreatedAt      time.Time
}

// Build is one derivation to realize on a builder.
type Build struct {
	ID             uuid.UUID
	EvaluationID   uuid.UUID
	DerivationPath string
	Architecture   string
	Features       []string
	Status         BuildStatus
	ServerID       *uuid.UUID
	Log            string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BuildDependency is the edge "build requires dependency to be
// Completed first".
type BuildDependency struct {
	BuildID      uuid.UUID
	DependencyID uuid.UUID
}

// BuildOutput is one output produced by a completed build. FileHash,
// FileSize, the NAR metadata and IsCached are set once by the packer.
type BuildOutput struct {
	ID         uuid.UUID
	BuildID    uuid.UUID
	Name       string // logical output name, e.g. out, dev
	StorePath  string
	Hash       string // hash part of the store path
	Package    string
	FileHash   *string
	FileSize   *int64
	NarHash    string
	NarSize    int64
	References string // space-separated store paths
	Deriver    string
	IsCached   bool
	CA         string
	CreatedAt  time.Time
}

// BuildOutputSignature is a detached signature over a store path,
// produced per cache subscription.
type BuildOutputSignature struct {
	ID            uuid.UUID
	BuildOutputID uuid.UUID
	CacheID       uuid.UUID
	Signature     string
	CreatedAt     time.Time
}

// Server is a remote builder host.
type Server struct {
	ID               uuid.UUID
	OrganizationID   uuid.UUID
	Name             string
	Host             string
	Port             int
	Username         string
	LastConnectionAt *time.Time
	Active           bool
	Architectures    []string
	Features         []string
	CreatedAt        time.Time
}

// Cache is a signed binary cache. Organizations subscribe to caches;
// the signing key is sealed with the process secret.
type Cache struct {
	ID         uuid.UUID
	Name       string
	Priority   int
	SigningKey []byte // sealed
	Active     bool
	CreatedAt  time.Time
}

// User is an API principal. Authentication itself happens outside the
// core; the row exists so tokens have a subject.
type User struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Username       string
	Email          string
	CreatedAt      time.Time
}
