package evaluator

import (
	"strings"

	"golang.org/x/xerrors"
)

// A Selector is one dotted attribute path pattern, e.g.
// "packages.x86_64-linux.#".
type Selector []Segment

// A Segment matches attribute names at one depth. It is a literal, a
// single-star glob, or the "#" sentinel which matches everything and
// additionally accepts any attribute that is itself a derivation.
type Segment struct {
	Literal string
	Prefix  string
	Suffix  string
	Glob    bool
	Any     bool
}

// Matches reports whether the segment matches the attribute name.
func (s Segment) Matches(name string) bool {
	switch {
	case s.Any:
		return true
	case s.Glob:
		return len(name) >= len(s.Prefix)+len(s.Suffix) &&
			strings.HasPrefix(name, s.Prefix) &&
			strings.HasSuffix(name, s.Suffix)
	default:
		return name == s.Literal
	}
}

func (s Segment) String() string {
	switch {
	case s.Any:
		return "#"
	case s.Glob:
		return s.Prefix + "*" + s.Suffix
	default:
		return s.Literal
	}
}

// ParseWildcard parses a comma-separated list of dotted selectors.
// Selectors contain no whitespace and no empty segments.
func ParseWildcard(wildcard string) ([]Selector, error) {
	if wildcard == "" {
		return nil, xerrors.New("empty wildcard")
	}
	var selectors []Selector
	for _, raw := range strings.Split(wildcard, ",") {
		if raw == "" {
			return nil, xerrors.Errorf("wildcard %q: empty selector", wildcard)
		}
		var sel Selector
		for _, part := range strings.Split(raw, ".") {
			seg, err := parseSegment(part)
			if err != nil {
				return nil, xerrors.Errorf("wildcard %q: %w", wildcard, err)
			}
			sel = append(sel, seg)
		}
		selectors = append(selectors, sel)
	}
	return selectors, nil
}

func parseSegment(part string) (Segment, error) {
	if part == "" {
		return Segment{}, xerrors.New("empty segment")
	}
	if strings.ContainsAny(part, " \t") {
		return Segment{}, xerrors.Errorf("segment %q contains whitespace", part)
	}
	if part == "#" {
		return Segment{Any: true}, nil
	}
	if i := strings.IndexByte(part, '*'); i >= 0 {
		if strings.Count(part, "*") > 1 {
			return Segment{}, xerrors.Errorf("segment %q has more than one glob", part)
		}
		return Segment{Prefix: part[:i], Suffix: part[i+1:], Glob: true}, nil
	}
	return Segment{Literal: part}, nil
}
