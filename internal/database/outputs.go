package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const outputColumns = `o.id, o.build_id, o.name, o.store_path, o.hash, o.package,
       o.file_hash, o.file_size, o.nar_hash, o.nar_size, o.refs, o.deriver,
       o.is_cached, o.ca, o.created_at`

func scanOutput(row pgx.Row, o *BuildOutput) error {
	return row.Scan(&o.ID, &o.BuildID, &o.Name, &o.StorePath, &o.Hash, &o.Package,
		&o.FileHash, &o.FileSize, &o.NarHash, &o.NarSize, &o.References, &o.Deriver,
		&o.IsCached, &o.CA, &o.CreatedAt)
}

// CreateBuildOutputs inserts outputs in batches.
func (db *DB) CreateBuildOutputs(ctx context.Context, outputs []*BuildOutput) error {
	for _, o := range outputs {
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
	}
	for _, chunk := range chunks(len(outputs)) {
		sub := outputs[chunk.lo:chunk.hi]
		var (
			sb   strings.Builder
			args []any
		)
		sb.WriteString(`INSERT INTO build_outputs (id, build_id, name, store_path, hash, package, is_cached, ca) VALUES `)
		for i, o := range sub {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := len(args)
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
			args = append(args, o.ID, o.BuildID, o.Name, o.StorePath, o.Hash, o.Package, o.IsCached, o.CA)
		}
		if _, err := db.pool.Exec(ctx, sb.String(), args...); err != nil {
			return err
		}
	}
	return nil
}

// UncachedOutput is a BuildOutput together with the organization that
// owns it, as the packer needs both.
type UncachedOutput struct {
	BuildOutput
	OrganizationID uuid.UUID
}

// OldestUncachedOutput returns the oldest output not yet packed into
// the cache, or nil if everything is cached.
func (db *DB) OldestUncachedOutput(ctx context.Context) (*UncachedOutput, error) {
	var o UncachedOutput
	err := db.pool.QueryRow(ctx, `
		SELECT `+outputColumns+`, e.organization_id
		FROM build_outputs o
		JOIN builds b ON b.id = o.build_id
		JOIN evaluations e ON e.id = b.evaluation_id
		WHERE NOT o.is_cached
		ORDER BY o.created_at
		LIMIT 1`,
	).Scan(&o.ID, &o.BuildID, &o.Name, &o.StorePath, &o.Hash, &o.Package,
		&o.FileHash, &o.FileSize, &o.NarHash, &o.NarSize, &o.References, &o.Deriver,
		&o.IsCached, &o.CA, &o.CreatedAt, &o.OrganizationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CacheMetadata is everything the packer learns about an output while
// packing it.
type CacheMetadata struct {
	FileHash   string
	FileSize   int64
	NarHash    string
	NarSize    int64
	References string // space-separated store paths
	Deriver    string
}

// MarkOutputCached records the packed artifact's metadata and flips
// is_cached. This is the single mutation outputs receive.
func (db *DB) MarkOutputCached(ctx context.Context, outputID uuid.UUID, meta CacheMetadata) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE build_outputs
		SET file_hash = $2, file_size = $3, nar_hash = $4, nar_size = $5,
		    refs = $6, deriver = $7, is_cached = TRUE
		WHERE id = $1`,
		outputID, meta.FileHash, meta.FileSize, meta.NarHash, meta.NarSize,
		meta.References, meta.Deriver)
	return err
}

// OutputsForBuild returns a build's outputs.
func (db *DB) OutputsForBuild(ctx context.Context, buildID uuid.UUID) ([]*BuildOutput, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+outputColumns+`
		FROM build_outputs o WHERE o.build_id = $1 ORDER BY o.name`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var outputs []*BuildOutput
	for rows.Next() {
		var o BuildOutput
		if err := scanOutput(rows, &o); err != nil {
			return nil, err
		}
		outputs = append(outputs, &o)
	}
	return outputs, rows.Err()
}

// CreateOutputSignature records a detached signature for one cache.
func (db *DB) CreateOutputSignature(ctx context.Context, sig *BuildOutputSignature) error {
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	return db.pool.QueryRow(ctx, `
		INSERT INTO build_output_signatures (id, build_output_id, cache_id, signature)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		sig.ID, sig.BuildOutputID, sig.CacheID, sig.Signature,
	).Scan(&sig.CreatedAt)
}

// CachedOutput looks up a cached output by store hash part, restricted
// to outputs whose owning organization subscribes to the named cache.
// The signature for that cache is returned alongside.
func (db *DB) CachedOutput(ctx context.Context, cacheName, hashPart string) (*BuildOutput, string, error) {
	var (
		o   BuildOutput
		sig string
	)
	err := db.pool.QueryRow(ctx, `
		SELECT `+outputColumns+`, COALESCE(s.signature, '')
		FROM build_outputs o
		JOIN builds b ON b.id = o.build_id
		JOIN evaluations e ON e.id = b.evaluation_id
		JOIN cache_organizations co ON co.organization_id = e.organization_id
		JOIN caches c ON c.id = co.cache_id AND c.name = $1 AND c.active
		LEFT JOIN build_output_signatures s ON s.build_output_id = o.id AND s.cache_id = c.id
		WHERE o.hash = $2 AND o.is_cached
		LIMIT 1`, cacheName, hashPart,
	).Scan(&o.ID, &o.BuildID, &o.Name, &o.StorePath, &o.Hash, &o.Package,
		&o.FileHash, &o.FileSize, &o.NarHash, &o.NarSize, &o.References, &o.Deriver,
		&o.IsCached, &o.CA, &o.CreatedAt, &sig)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &o, sig, nil
}
