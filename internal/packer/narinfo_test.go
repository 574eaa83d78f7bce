package packer

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nixforge/nixforge"
	"github.com/nixforge/nixforge/internal/database"
)

func TestArtifactPathRoundTrip(t *testing.T) {
	digest := sha256.Sum256([]byte("artifact"))
	direct := ArtifactPath(digest[:])
	hex := nixforge.VecToHex(digest[:])
	if direct != hex[:2]+"/"+hex[2:]+".nar.zst" {
		t.Errorf("ArtifactPath = %q", direct)
	}
	derived, err := ArtifactPathFromFileHash("sha256:" + nixforge.NixBase32(digest[:]))
	if err != nil {
		t.Fatal(err)
	}
	if derived != direct {
		t.Errorf("derived path %q != direct path %q", derived, direct)
	}
}

func TestNarInfo(t *testing.T) {
	digest := sha256.Sum256([]byte("artifact"))
	fileHash := "sha256:" + nixforge.NixBase32(digest[:])
	fileSize := int64(3456)
	out := &database.BuildOutput{
		StorePath:  "/nix/store/11111111111111111111111111111111-lib-1.0",
		FileHash:   &fileHash,
		FileSize:   &fileSize,
		NarHash:    "sha256:1b8m03r63zqhnjf7l5wnldhh7c134ap5vpj0850ymkq1iyzicy5z",
		NarSize:    9024,
		References: "/nix/store/22222222222222222222222222222222-glibc-2.39",
		Deriver:    "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-lib-1.0.drv",
		IsCached:   true,
	}
	got, err := NarInfo(out, "cache.example.org-1:c2ln")
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"StorePath: /nix/store/11111111111111111111111111111111-lib-1.0",
		"URL: nar/" + nixforge.VecToHex(digest[:]) + ".nar.zst",
		"Compression: zstd",
		"FileHash: " + fileHash,
		"FileSize: 3456",
		"NarHash: sha256:1b8m03r63zqhnjf7l5wnldhh7c134ap5vpj0850ymkq1iyzicy5z",
		"NarSize: 9024",
		"References: /nix/store/22222222222222222222222222222222-glibc-2.39",
		"Deriver: /nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-lib-1.0.drv",
		"Sig: cache.example.org-1:c2ln",
		"",
	}, "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("narinfo: diff (-want +got):\n%s", diff)
	}
}

func TestNarInfoRequiresCachedOutput(t *testing.T) {
	if _, err := NarInfo(&database.BuildOutput{}, ""); err == nil {
		t.Error("NarInfo accepted an uncached output")
	}
}

func TestSignatureFor(t *testing.T) {
	sigs := []string{
		"other.example.org-1:YWJj",
		"cache.example.org-1:c2ln",
	}
	if got := signatureFor(sigs, "cache.example.org-1"); got != "cache.example.org-1:c2ln" {
		t.Errorf("signatureFor = %q", got)
	}
	if got := signatureFor(sigs, "missing"); got != "" {
		t.Errorf("signatureFor(missing) = %q, want empty", got)
	}
}
