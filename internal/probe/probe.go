// Package probe polls source repositories for new commits and resolves
// commit metadata, shelling out to git. Repositories reached over SSH
// authenticate with the organization's key pair, which exists on disk
// only for the duration of a single git invocation.
package probe

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/nixforge/nixforge"
	"github.com/nixforge/nixforge/internal/crypt"
	"github.com/nixforge/nixforge/internal/database"
)

// Prober checks repositories for updates.
type Prober struct {
	GitBin string
	Sealer *crypt.Sealer
	Log    *logrus.Entry
}

var headLineRe = regexp.MustCompile(`^([0-9a-f]{40})\t(\S+)`)

// CheckUpdates reports whether the project's remote HEAD differs from
// the commit recorded on its last evaluation. When the last evaluation
// is still in flight the answer is always false, which is the guard
// against evaluating the same project concurrently. The force-evaluate
// flag overrides the comparison but not the in-flight guard.
func (p *Prober) CheckUpdates(ctx context.Context, project *database.Project, org *database.Organization, lastEval *database.Evaluation, lastCommit []byte) (bool, []byte, error) {
	if lastEval != nil && !lastEval.Status.Terminal() {
		return false, nil, nil
	}
	head, err := p.remoteHead(ctx, project.RepositoryURL, org)
	if err != nil {
		return false, nil, err
	}
	if project.ForceEvaluate {
		return true, head, nil
	}
	if lastCommit != nil && bytes.Equal(lastCommit, head) {
		return false, nil, nil
	}
	return true, head, nil
}

func (p *Prober) remoteHead(ctx context.Context, url string, org *database.Organization) ([]byte, error) {
	p.Log.WithField("url", url).Debug("polling remote HEAD")
	out, err := p.git(ctx, url, org, "", "ls-remote", url, "HEAD")
	if err != nil {
		return nil, xerrors.Errorf("ls-remote %s: %w", url, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	m := headLineRe.FindStringSubmatch(line)
	if m == nil {
		return nil, xerrors.Errorf("ls-remote %s: cannot parse %q", url, line)
	}
	return nixforge.HexToVec(m[1])
}

// CommitInfo is human-readable commit attribution.
type CommitInfo struct {
	Subject     string
	AuthorEmail string
	AuthorName  string
}

// GetCommitInfo resolves a commit's subject and author by cloning
// shallowly into a scratch directory. Failures are reported but the
// caller is expected to fall back to empty attribution; a commit
// without metadata still evaluates.
func (p *Prober) GetCommitInfo(ctx context.Context, project *database.Project, org *database.Organization, commit []byte) (*CommitInfo, error) {
	dir, err := os.MkdirTemp("", "nixforge-clone-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	url := project.RepositoryURL
	if _, err := p.git(ctx, url, org, "", "clone", "--depth", "1", url, dir); err != nil {
		return nil, xerrors.Errorf("shallow clone of %s: %w", url, err)
	}
	out, err := p.git(ctx, url, org, dir, "show", "-s", "--format=%s%n%ae%n%an", nixforge.VecToHex(commit))
	if err != nil {
		return nil, xerrors.Errorf("resolving commit metadata: %w", err)
	}
	lines := strings.SplitN(strings.TrimRight(string(out), "\n"), "\n", 3)
	info := &CommitInfo{Subject: lines[0]}
	if len(lines) > 1 {
		info.AuthorEmail = lines[1]
	}
	if len(lines) > 2 {
		info.AuthorName = lines[2]
	}
	return info, nil
}

// git runs one git invocation. For SSH-style URLs the organization's
// private key is unsealed, written to a mode-0600 temp file for the
// duration of the call and shredded afterwards.
func (p *Prober) git(ctx context.Context, url string, org *database.Organization, dir string, args ...string) ([]byte, error) {
	run := func(extra ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, p.GitBin, append(extra, args...)...)
		cmd.Dir = dir
		out, err := cmd.Output()
		if err != nil {
			var exitErr *exec.ExitError
			if xerrors.As(err, &exitErr) {
				return nil, xerrors.Errorf("git %s: %w: %s", args[0], err, bytes.TrimSpace(exitErr.Stderr))
			}
			return nil, xerrors.Errorf("git %s: %w", args[0], err)
		}
		return out, nil
	}
	if !IsSSHURL(url) {
		return run()
	}
	key, err := p.Sealer.Open(org.PrivateKey)
	if err != nil {
		return nil, xerrors.Errorf("unsealing key for organization %s: %w", org.ID, err)
	}
	var out []byte
	err = crypt.WithKeyFile(key, func(keyFile string) error {
		sshCmd := "ssh -i " + keyFile + " -o StrictHostKeyChecking=accept-new"
		out, err = run("-c", "core.sshCommand="+sshCmd)
		return err
	})
	return out, err
}

// IsSSHURL reports whether url needs SSH authentication: an ssh:// or
// git+ssh:// scheme, or the scp-style user@host:path form.
func IsSSHURL(url string) bool {
	if strings.HasPrefix(url, "ssh://") || strings.HasPrefix(url, "git+ssh://") {
		return true
	}
	if strings.Contains(url, "://") {
		return false
	}
	at := strings.IndexByte(url, '@')
	colon := strings.IndexByte(url, ':')
	return at > 0 && colon > at
}
