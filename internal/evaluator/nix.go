package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"golang.org/x/xerrors"
)

// Nix is the evaluator's view of the derivation tool CLI. The concrete
// implementation shells out; tests substitute a fake attribute tree.
type Nix interface {
	// AttrNames enumerates the attribute names of an installable.
	AttrNames(ctx context.Context, installable string) ([]string, error)
	// IsDerivation reports whether the installable's value carries
	// type = "derivation".
	IsDerivation(ctx context.Context, installable string) (bool, error)
	// DerivationInfo instantiates the installable and returns its
	// .drv store path together with the .drv's references.
	DerivationInfo(ctx context.Context, installable string) (drvPath string, references []string, err error)
	// DrvReferences returns the references of an existing .drv path.
	DrvReferences(ctx context.Context, drvPath string) ([]string, error)
	// Show returns the parsed derivation document for a .drv path.
	Show(ctx context.Context, drvPath string) (*Derivation, error)
}

// CLI runs the derivation tool as a subprocess. StoreURI selects the
// store the tool operates on ("daemon" for the shared store, a rooted
// store URI for organization-private stores).
type CLI struct {
	Bin      string
	StoreURI string
}

var _ Nix = (*CLI)(nil)

func (c *CLI) run(ctx context.Context, args ...string) ([]byte, error) {
	args = append(args, "--extra-experimental-features", "nix-command flakes")
	if c.StoreURI != "" {
		args = append(args, "--store", c.StoreURI)
	}
	cmd := exec.CommandContext(ctx, c.Bin, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if xerrors.As(err, &exitErr) {
			return nil, xerrors.Errorf("%s %s: %w: %s", c.Bin, args[0], err, bytes.TrimSpace(exitErr.Stderr))
		}
		return nil, xerrors.Errorf("%s %s: %w", c.Bin, args[0], err)
	}
	return out, nil
}

func (c *CLI) AttrNames(ctx context.Context, installable string) ([]string, error) {
	out, err := c.run(ctx, "eval", installable, "--apply", "builtins.attrNames", "--json")
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(out, &names); err != nil {
		return nil, xerrors.Errorf("parsing attrNames of %s: %w", installable, err)
	}
	return names, nil
}

func (c *CLI) IsDerivation(ctx context.Context, installable string) (bool, error) {
	out, err := c.run(ctx, "eval", installable, "--apply", `v: (v.type or "") == "derivation"`, "--json")
	if err != nil {
		return false, err
	}
	var isDrv bool
	if err := json.Unmarshal(out, &isDrv); err != nil {
		return false, xerrors.Errorf("parsing type check of %s: %w", installable, err)
	}
	return isDrv, nil
}

// pathInfoDoc is the per-path object of "path-info --json".
type pathInfoDoc struct {
	References []string `json:"references"`
}

func (c *CLI) DerivationInfo(ctx context.Context, installable string) (string, []string, error) {
	out, err := c.run(ctx, "path-info", "--derivation", "--json", installable)
	if err != nil {
		return "", nil, err
	}
	return parsePathInfo(out)
}

func (c *CLI) DrvReferences(ctx context.Context, drvPath string) ([]string, error) {
	out, err := c.run(ctx, "path-info", "--derivation", "--json", drvPath)
	if err != nil {
		return nil, err
	}
	_, refs, err := parsePathInfo(out)
	return refs, err
}

func parsePathInfo(out []byte) (string, []string, error) {
	var doc map[string]pathInfoDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		return "", nil, xerrors.Errorf("parsing path info: %w", err)
	}
	for path, info := range doc {
		return path, info.References, nil
	}
	return "", nil, xerrors.New("path info document is empty")
}

func (c *CLI) Show(ctx context.Context, drvPath string) (*Derivation, error) {
	out, err := c.run(ctx, "derivation", "show", drvPath)
	if err != nil {
		return nil, err
	}
	return ParseDerivation(out, drvPath)
}
