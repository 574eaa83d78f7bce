// Package packer drains finished build outputs into the binary cache:
// sign, pack into an archive, compress, land on disk, record metadata.
// The loop is deliberately single-threaded; outputs are processed
// oldest first and one at a time.
package packer

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/nixforge/nixforge"
	"github.com/nixforge/nixforge/internal/config"
	"github.com/nixforge/nixforge/internal/crypt"
	"github.com/nixforge/nixforge/internal/database"
	"github.com/nixforge/nixforge/internal/nar"
	"github.com/nixforge/nixforge/internal/nixstore"
)

const tickInterval = 5 * time.Second

// Packer owns the cache-packing loop.
type Packer struct {
	DB     *database.DB
	Cfg    *config.Config
	Sealer *crypt.Sealer
	Log    *logrus.Entry
}

// CacheDir is where compressed archives land.
func (p *Packer) CacheDir() string {
	return filepath.Join(p.Cfg.BasePath, "cache")
}

// Run drives the loop until the context is canceled. Per-output
// failures are logged and retried on a later pass; only signature
// bookkeeping failures abort an iteration early.
func (p *Packer) Run(ctx context.Context) error {
	if err := p.writeCacheInfo(); err != nil {
		return err
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for {
			worked, err := p.pass(ctx)
			if err != nil {
				p.Log.WithError(err).Error("packer pass failed")
				break
			}
			if !worked {
				break
			}
		}
	}
}

// writeCacheInfo keeps a static cache-info file at the cache root so
// the directory stays servable by a plain file server.
func (p *Packer) writeCacheInfo() error {
	if err := os.MkdirAll(p.CacheDir(), 0755); err != nil {
		return err
	}
	info := "StoreDir: " + nixforge.StoreDir + "\nWantMassQuery: 1\nPriority: 40\n"
	return renameio.WriteFile(filepath.Join(p.CacheDir(), "nix-cache-info"), []byte(info), 0644)
}

// pass packs the single oldest uncached output. It reports whether
// there was anything to do.
func (p *Packer) pass(ctx context.Context) (bool, error) {
	out, err := p.DB.OldestUncachedOutput(ctx)
	if err != nil {
		return false, err
	}
	if out == nil {
		return false, nil
	}
	log := p.Log.WithFields(logrus.Fields{"output": out.ID, "path": out.StorePath})

	org, err := p.DB.GetOrganization(ctx, out.OrganizationID)
	if err != nil {
		return false, err
	}
	if org == nil {
		return false, xerrors.Errorf("output %s belongs to missing organization %s", out.ID, out.OrganizationID)
	}

	store, err := p.localStore(ctx, org)
	if err != nil {
		log.WithError(err).Error("local store unavailable, skipping output this cycle")
		return false, nil
	}
	defer store.Close()

	info, err := p.sign(ctx, org, store, &out.BuildOutput)
	if err != nil {
		// signature bookkeeping failures end the iteration
		return false, err
	}

	meta, err := p.pack(store, out.StorePath)
	if err != nil {
		log.WithError(err).Error("packing failed, skipping output this cycle")
		return false, nil
	}
	meta.NarHash = info.NarHash
	meta.NarSize = int64(info.NarSize)
	meta.References = strings.Join(info.References, " ")
	meta.Deriver = info.Deriver

	if err := p.DB.MarkOutputCached(ctx, out.ID, *meta); err != nil {
		return false, err
	}
	log.WithFields(logrus.Fields{
		"file_hash": meta.FileHash,
		"file_size": meta.FileSize,
	}).Info("output cached")
	return true, nil
}

// sign produces one detached signature per cache subscription of the
// owning organization and records each in the data store. The signing
// tool registers signatures on the local path info, which is where
// they are read back from.
func (p *Packer) sign(ctx context.Context, org *database.Organization, store *nixstore.Client, out *database.BuildOutput) (*nixstore.PathInfo, error) {
	caches, err := p.DB.SubscribedCaches(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	for _, cache := range caches {
		key, err := p.Sealer.Open(cache.SigningKey)
		if err != nil {
			return nil, xerrors.Errorf("unsealing signing key of cache %s: %w", cache.Name, err)
		}
		err = crypt.WithKeyFile(key, func(keyFile string) error {
			return p.runSignTool(ctx, org, keyFile, out.StorePath)
		})
		if err != nil {
			return nil, xerrors.Errorf("signing %s for cache %s: %w", out.StorePath, cache.Name, err)
		}
	}

	info, err := store.QueryPathInfo(out.StorePath)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, xerrors.Errorf("%s is no longer valid in the local store", out.StorePath)
	}
	for _, cache := range caches {
		sig := signatureFor(info.Signatures, cache.Name)
		if sig == "" {
			return nil, xerrors.Errorf("signing tool left no %s signature on %s", cache.Name, out.StorePath)
		}
		if err := p.DB.CreateOutputSignature(ctx, &database.BuildOutputSignature{
			BuildOutputID: out.ID,
			CacheID:       cache.ID,
			Signature:     sig,
		}); err != nil {
			return nil, xerrors.Errorf("recording signature for cache %s: %w", cache.Name, err)
		}
	}
	return info, nil
}

func (p *Packer) runSignTool(ctx context.Context, org *database.Organization, keyFile, storePath string) error {
	args := []string{"store", "sign", "--key-file", keyFile,
		"--extra-experimental-features", "nix-command"}
	if uri := p.storeURI(org); uri != "" {
		args = append(args, "--store", uri)
	}
	args = append(args, storePath)
	out, err := exec.CommandContext(ctx, p.Cfg.Bin.Nix, args...).CombinedOutput()
	if err != nil {
		return xerrors.Errorf("%s store sign: %w: %s", p.Cfg.Bin.Nix, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// signatureFor selects the signature carried for the named key.
func signatureFor(signatures []string, cacheName string) string {
	for _, sig := range signatures {
		if strings.HasPrefix(sig, cacheName+":") {
			return sig
		}
	}
	return ""
}

// pack streams the path's archive through maximum-level parallel
// compression into the cache directory, hashing the compressed bytes
// on the way. The artifact is renamed into place only when complete.
func (p *Packer) pack(store *nixstore.Client, storePath string) (*database.CacheMetadata, error) {
	stream, err := store.NarFromPath(storePath)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(p.CacheDir(), ".pack-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	enc, err := zstd.NewWriter(io.MultiWriter(tmp, hasher),
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithEncoderConcurrency(runtime.NumCPU()))
	if err != nil {
		return nil, err
	}
	if _, err := nar.Copy(enc, stream); err != nil {
		enc.Close()
		return nil, xerrors.Errorf("archiving %s: %w", storePath, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, err
	}
	size, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	digest := hasher.Sum(nil)
	target := filepath.Join(p.CacheDir(), ArtifactPath(digest))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return nil, err
	}
	return &database.CacheMetadata{
		FileHash: "sha256:" + nixforge.NixBase32(digest),
		FileSize: size,
	}, nil
}

func (p *Packer) storeURI(org *database.Organization) string {
	if org.UseSharedStore {
		return ""
	}
	return "local?root=" + filepath.Join(p.Cfg.BasePath, "stores", org.ID.String())
}

func (p *Packer) localStore(ctx context.Context, org *database.Organization) (*nixstore.Client, error) {
	if org.UseSharedStore {
		return nixstore.DialUnix(ctx, nixstore.DefaultSocket)
	}
	return nixstore.StartLocal(ctx, p.Cfg.Bin.Nix, p.storeURI(org))
}
