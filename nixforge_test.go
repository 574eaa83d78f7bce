package nixforge

import (
	"crypto/sha256"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseStorePath(t *testing.T) {
	for _, tt := range []struct {
		path string
		want StorePath
	}{
		{
			path: "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",
			want: StorePath{Hash: "s66mzxpvicwk07gjbjfw9izjfa797vsw", Name: "hello-2.12.1"},
		},
		{
			path: "/nix/store/8c9kq3wc9vyxy0m2mio9vhgl9y3q9bs5-glibc-2.38-44.drv",
			want: StorePath{Hash: "8c9kq3wc9vyxy0m2mio9vhgl9y3q9bs5", Name: "glibc-2.38-44.drv"},
		},
	} {
		got, err := ParseStorePath(tt.path)
		if err != nil {
			t.Fatalf("ParseStorePath(%q): %v", tt.path, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseStorePath(%q): diff (-want +got):\n%s", tt.path, diff)
		}
		if got.String() != tt.path {
			t.Errorf("String() = %q, want %q", got.String(), tt.path)
		}
	}
}

func TestParseStorePathRejects(t *testing.T) {
	for _, p := range []string{
		"",
		"/nix/store",
		"/nix/store/",
		"/nix/store/tooshort-name",
		"/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw", // no name part
		"/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-", // empty name
		"/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw/nested-name",
		"/var/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello",
		"/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsE-hello", // E not in alphabet
	} {
		if _, err := ParseStorePath(p); err == nil {
			t.Errorf("ParseStorePath(%q): expected error", p)
		}
	}
}

func TestPackageName(t *testing.T) {
	for _, tt := range []struct {
		name string
		want string
	}{
		{"hello-2.12.1", "hello"},
		{"glibc-2.38-44", "glibc"},
		{"python3-minimal-3.11.6", "python3-minimal"},
		{"source", "source"},
	} {
		sp := StorePath{Hash: "s66mzxpvicwk07gjbjfw9izjfa797vsw", Name: tt.name}
		if got := sp.PackageName(); got != tt.want {
			t.Errorf("PackageName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNixBase32(t *testing.T) {
	// sha256 digests encode to 52 base-32 digits.
	sum := sha256.Sum256([]byte("nixforge"))
	enc := NixBase32(sum[:])
	if got, want := len(enc), 52; got != want {
		t.Fatalf("len(NixBase32(sha256)) = %d, want %d", got, want)
	}
	for _, r := range enc {
		if r == 'e' || r == 'o' || r == 'u' || r == 't' {
			t.Errorf("NixBase32 output contains forbidden digit %q", r)
		}
	}
	if NixBase32(nil) != "" {
		t.Error("NixBase32(nil) should be empty")
	}
}

func TestNixBase32RoundTrip(t *testing.T) {
	sum := sha256.Sum256([]byte("nixforge"))
	dec, err := NixBase32Decode(NixBase32(sum[:]))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sum[:], dec); diff != "" {
		t.Errorf("decode(encode(sha256)): diff (-want +got):\n%s", diff)
	}
}

func TestNixBase32DecodeRejects(t *testing.T) {
	if _, err := NixBase32Decode("0e0"); err == nil {
		t.Error("expected error for digit outside the alphabet")
	}
	// "zz" would need 10 bits but two characters decode to one byte;
	// the spilled bits make the string non-canonical.
	if _, err := NixBase32Decode("zz"); err == nil {
		t.Error("expected error for non-canonical encoding")
	}
}

func TestIsDerivationPath(t *testing.T) {
	if !IsDerivationPath("/nix/store/8c9kq3wc9vyxy0m2mio9vhgl9y3q9bs5-a.drv") {
		t.Error("expected .drv path to be a derivation")
	}
	if IsDerivationPath("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello") {
		t.Error("expected output path not to be a derivation")
	}
}
