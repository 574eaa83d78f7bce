package packer

import (
	"path"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/nixforge/nixforge"
	"github.com/nixforge/nixforge/internal/database"
)

// ArtifactPath returns the cache-relative location of a compressed
// archive: the first two hex characters of its hash as the directory,
// the remainder as the file name.
func ArtifactPath(digest []byte) string {
	hex := nixforge.VecToHex(digest)
	return path.Join(hex[:2], hex[2:]+".nar.zst")
}

// digestFromFileHash recovers the raw digest from a recorded
// "sha256:<base32>" file hash.
func digestFromFileHash(fileHash string) ([]byte, error) {
	_, b32, ok := strings.Cut(fileHash, ":")
	if !ok {
		return nil, xerrors.Errorf("file hash %q carries no algorithm prefix", fileHash)
	}
	return nixforge.NixBase32Decode(b32)
}

// ArtifactPathFromFileHash derives the artifact location from a
// recorded file hash.
func ArtifactPathFromFileHash(fileHash string) (string, error) {
	digest, err := digestFromFileHash(fileHash)
	if err != nil {
		return "", err
	}
	return ArtifactPath(digest), nil
}

// NarInfo renders the per-path metadata document served next to the
// archive. Optional fields are omitted when empty.
func NarInfo(out *database.BuildOutput, sig string) (string, error) {
	if !out.IsCached || out.FileHash == nil || out.FileSize == nil {
		return "", xerrors.Errorf("output %s is not cached yet", out.ID)
	}
	digest, err := digestFromFileHash(*out.FileHash)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString("StorePath: " + out.StorePath + "\n")
	sb.WriteString("URL: nar/" + nixforge.VecToHex(digest) + ".nar.zst\n")
	sb.WriteString("Compression: zstd\n")
	sb.WriteString("FileHash: " + *out.FileHash + "\n")
	sb.WriteString("FileSize: " + strconv.FormatInt(*out.FileSize, 10) + "\n")
	sb.WriteString("NarHash: " + out.NarHash + "\n")
	sb.WriteString("NarSize: " + strconv.FormatInt(out.NarSize, 10) + "\n")
	sb.WriteString("References: " + out.References + "\n")
	if out.Deriver != "" {
		sb.WriteString("Deriver: " + out.Deriver + "\n")
	}
	if sig != "" {
		sb.WriteString("Sig: " + sig + "\n")
	}
	if out.CA != "" {
		sb.WriteString("CA: " + out.CA + "\n")
	}
	return sb.String(), nil
}
