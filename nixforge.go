// Package nixforge contains small helpers shared by all nixforge packages:
// store path parsing, hex conversion and the Nix base-32 alphabet.
package nixforge

import (
	"path"
	"strings"

	"golang.org/x/xerrors"
)

// StoreDir is the store prefix all derivation outputs live under.
const StoreDir = "/nix/store"

// StorePath is a parsed store path, e.g.
// /nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1.
type StorePath struct {
	// Hash is the 32-character base-32 hash part of the path.
	Hash string

	// Name is everything after the hash part, e.g. hello-2.12.1.
	Name string
}

// String returns the full store path.
func (sp StorePath) String() string {
	return StoreDir + "/" + sp.Hash + "-" + sp.Name
}

// PackageName returns the name with any trailing version stripped,
// e.g. hello for hello-2.12.1. A component counts as a version if it
// starts with a digit, following the store naming convention.
func (sp StorePath) PackageName() string {
	parts := strings.Split(sp.Name, "-")
	for i, part := range parts {
		if i > 0 && part != "" && part[0] >= '0' && part[0] <= '9' {
			return strings.Join(parts[:i], "-")
		}
	}
	return sp.Name
}

const hashPartLen = 32

// ParseStorePath splits a store path into its hash and name parts.
func ParseStorePath(p string) (StorePath, error) {
	base := path.Base(p)
	if !strings.HasPrefix(p, StoreDir+"/") || base != p[len(StoreDir)+1:] {
		return StorePath{}, xerrors.Errorf("path %q is not directly below %s", p, StoreDir)
	}
	if len(base) < hashPartLen+1 || base[hashPartLen] != '-' {
		return StorePath{}, xerrors.Errorf("path %q lacks a %d-character hash part", p, hashPartLen)
	}
	hash := base[:hashPartLen]
	for _, r := range hash {
		if !strings.ContainsRune(nixbase32Alphabet, r) {
			return StorePath{}, xerrors.Errorf("path %q: invalid base-32 digit %q in hash part", p, r)
		}
	}
	name := base[hashPartLen+1:]
	if name == "" {
		return StorePath{}, xerrors.Errorf("path %q has an empty name part", p)
	}
	return StorePath{Hash: hash, Name: name}, nil
}

// IsDerivationPath reports whether p names a derivation rather than an
// output.
func IsDerivationPath(p string) bool {
	return strings.HasSuffix(p, ".drv")
}
