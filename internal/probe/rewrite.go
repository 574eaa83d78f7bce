package probe

import (
	"strings"

	"golang.org/x/xerrors"
)

// RewriteURL turns a repository URL into a pinned flake reference for
// the given commit. URL schemes that the evaluator cannot consume
// directly are mapped onto their git+ flavors; scp-style URLs are kept
// as-is since git resolves them natively. Local file URLs are rejected
// because evaluation always runs against a fetched snapshot.
func RewriteURL(url, commitHex string) (string, error) {
	if len(commitHex) != 40 {
		return "", xerrors.Errorf("commit hash %q is not 40 characters", commitHex)
	}
	if strings.HasPrefix(url, "file://") {
		return "", xerrors.Errorf("refusing local repository URL %q", url)
	}
	for scheme, pinned := range map[string]string{
		"ssh://":   "git+ssh://",
		"http://":  "git+http://",
		"https://": "git+https://",
	} {
		if strings.HasPrefix(url, scheme) {
			url = pinned + strings.TrimPrefix(url, scheme)
			break
		}
	}
	sep := "?"
	if strings.ContainsRune(url, '?') {
		sep = "&"
	}
	return url + sep + "rev=" + commitHex, nil
}
