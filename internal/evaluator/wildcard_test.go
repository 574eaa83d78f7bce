package evaluator

import "testing"

func TestParseWildcardAccepts(t *testing.T) {
	for _, w := range []string{
		"a.b",
		"a.b,c.d",
		"packages.x86_64-linux.#",
		"checks.*.hello",
		"legacyPackages.x86_64-linux.python3Packages.#",
	} {
		if _, err := ParseWildcard(w); err != nil {
			t.Errorf("ParseWildcard(%q): %v", w, err)
		}
	}
}

func TestParseWildcardRejects(t *testing.T) {
	for _, w := range []string{
		"",
		"a,,b",
		" a",
		"a ",
		"a b",
		".a",
		"a.",
		"a.**",
	} {
		if _, err := ParseWildcard(w); err == nil {
			t.Errorf("ParseWildcard(%q) accepted, want error", w)
		}
	}
}

func TestSegmentMatches(t *testing.T) {
	for _, tt := range []struct {
		segment string
		name    string
		want    bool
	}{
		{"hello", "hello", true},
		{"hello", "hello2", false},
		{"#", "anything", true},
		{"*", "anything", true},
		{"python*", "python3Packages", true},
		{"python*", "perl", false},
		{"*-linux", "x86_64-linux", true},
		{"*-linux", "x86_64-darwin", false},
		{"a*b", "ab", true},
		{"a*b", "b", false},
	} {
		seg, err := parseSegment(tt.segment)
		if err != nil {
			t.Fatalf("parseSegment(%q): %v", tt.segment, err)
		}
		if got := seg.Matches(tt.name); got != tt.want {
			t.Errorf("%q matches %q = %v, want %v", tt.segment, tt.name, got, tt.want)
		}
	}
}
