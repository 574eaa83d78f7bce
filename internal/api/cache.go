package api

import (
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nixforge/nixforge"
	"github.com/nixforge/nixforge/internal/packer"
)

// The hash part of a store path: 32 characters of the store's base-32
// alphabet.
var hashPartRe = regexp.MustCompile(`^[0-9a-df-np-sv-z]{32}$`)

// Compressed archives are addressed by the hex digest of their
// compressed bytes.
var narFileRe = regexp.MustCompile(`^[0-9a-f]{64}\.nar\.zst$`)

// cacheInfo serves the substituter's discovery document. Priority comes
// from the cache row; lower values win during substitution.
func (s *Server) cacheInfo(w http.ResponseWriter, r *http.Request) {
	cache, err := s.DB.GetCacheByName(r.Context(), chi.URLParam(r, "cache"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if cache == nil || !cache.Active {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/x-nix-cache-info")
	w.Write([]byte("StoreDir: " + nixforge.StoreDir +
		"\nWantMassQuery: 1\nPriority: " + strconv.Itoa(cache.Priority) + "\n"))
}

// narinfo serves per-path metadata. The lookup is scoped to outputs
// whose owning organization subscribes to the cache, so one deployment
// can serve several caches without leaking paths across tenants.
func (s *Server) narinfo(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !hashPartRe.MatchString(hash) {
		http.NotFound(w, r)
		return
	}
	out, sig, err := s.DB.CachedOutput(r.Context(), chi.URLParam(r, "cache"), hash)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if out == nil {
		http.NotFound(w, r)
		return
	}
	doc, err := packer.NarInfo(out, sig)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	w.Write([]byte(doc))
}

// narArchive serves a compressed archive from the packer's on-disk
// layout. The URL carries the flat file name; on disk the first two
// hex characters form a fan-out directory.
func (s *Server) narArchive(w http.ResponseWriter, r *http.Request) {
	cache, err := s.DB.GetCacheByName(r.Context(), chi.URLParam(r, "cache"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if cache == nil || !cache.Active {
		http.NotFound(w, r)
		return
	}
	file := chi.URLParam(r, "file")
	if !narFileRe.MatchString(file) {
		http.NotFound(w, r)
		return
	}
	hex := strings.TrimSuffix(file, ".nar.zst")
	digest, err := nixforge.HexToVec(hex)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, filepath.Join(s.CacheDir, filepath.FromSlash(packer.ArtifactPath(digest))))
}
