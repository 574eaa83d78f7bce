package nixstore

import (
	"io"
	"sort"
)

// BuildMode selects how the daemon treats existing outputs.
type BuildMode uint64

const (
	BuildModeNormal BuildMode = 0
	BuildModeRepair BuildMode = 1
	BuildModeCheck  BuildMode = 2
)

// Build statuses reported by the daemon.
const (
	BuildStatusBuilt            = 0
	BuildStatusSubstituted      = 1
	BuildStatusAlreadyValid     = 2
	BuildStatusPermanentFailure = 3
	BuildStatusInputRejected    = 4
	BuildStatusOutputRejected   = 5
	BuildStatusTransientFailure = 6
	BuildStatusCachedFailure    = 7
	BuildStatusTimedOut         = 8
	BuildStatusMiscFailure      = 9
	BuildStatusDependencyFailed = 10
)

// BuildResult is the daemon's verdict on one build.
type BuildResult struct {
	Status             uint64
	ErrorMessage       string
	TimesBuilt         uint64
	IsNonDeterministic bool
	StartTime          uint64
	StopTime           uint64
	BuiltOutputs       map[string]string // output id -> realisation JSON
}

// Success reports whether the result counts as a successful
// realization.
func (r *BuildResult) Success() bool {
	switch r.Status {
	case BuildStatusBuilt, BuildStatusSubstituted, BuildStatusAlreadyValid:
		return true
	}
	return false
}

func (c *Client) readBuildResult() (*BuildResult, error) {
	var (
		res BuildResult
		err error
	)
	if res.Status, err = readUint64(c.r); err != nil {
		return nil, err
	}
	if res.ErrorMessage, err = readString(c.r); err != nil {
		return nil, err
	}
	if res.TimesBuilt, err = readUint64(c.r); err != nil {
		return nil, err
	}
	if res.IsNonDeterministic, err = readBool(c.r); err != nil {
		return nil, err
	}
	if res.StartTime, err = readUint64(c.r); err != nil {
		return nil, err
	}
	if res.StopTime, err = readUint64(c.r); err != nil {
		return nil, err
	}
	res.BuiltOutputs, err = readStringMap(c.r)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DerivationOutput is one declared output of a basic derivation.
type DerivationOutput struct {
	Path     string
	HashAlgo string
	Hash     string
}

// BasicDerivation is a derivation with its input derivations already
// resolved to concrete store paths, the form the daemon accepts for
// building paths it does not hold the .drv file for.
type BasicDerivation struct {
	Outputs   map[string]DerivationOutput
	InputSrcs []string
	Platform  string
	Builder   string
	Args      []string
	Env       map[string]string
}

func writeBasicDerivation(w io.Writer, drv *BasicDerivation) error {
	if err := writeUint64(w, uint64(len(drv.Outputs))); err != nil {
		return err
	}
	for _, name := range sortedKeys(drv.Outputs) {
		out := drv.Outputs[name]
		for _, s := range []string{name, out.Path, out.HashAlgo, out.Hash} {
			if err := writeString(w, s); err != nil {
				return err
			}
		}
	}
	if err := writeStrings(w, drv.InputSrcs); err != nil {
		return err
	}
	if err := writeString(w, drv.Platform); err != nil {
		return err
	}
	if err := writeString(w, drv.Builder); err != nil {
		return err
	}
	if err := writeStrings(w, drv.Args); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(drv.Env))); err != nil {
		return err
	}
	for _, k := range sortedKeys(drv.Env) {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeString(w, drv.Env[k]); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuildDerivation submits a basic derivation for building. The drv
// path names the derivation but need not be valid on the daemon's
// store. Build log lines arrive through the event callback while the
// call is in flight.
func (c *Client) BuildDerivation(drvPath string, drv *BasicDerivation, mode BuildMode) (*BuildResult, error) {
	err := c.op(opBuildDerivation, func(w io.Writer) error {
		if err := writeString(w, drvPath); err != nil {
			return err
		}
		if err := writeBasicDerivation(w, drv); err != nil {
			return err
		}
		return writeUint64(w, uint64(mode))
	})
	if err != nil {
		return nil, err
	}
	return c.readBuildResult()
}

// PathResult pairs a requested target with its build result.
type PathResult struct {
	Path   string
	Result BuildResult
}

// BuildPathsWithResults realizes the given targets (store paths or
// installable expressions like "/nix/store/...drv^*") and returns a
// per-target result.
func (c *Client) BuildPathsWithResults(targets []string, mode BuildMode) ([]PathResult, error) {
	err := c.op(opBuildPathsWithResults, func(w io.Writer) error {
		if err := writeStrings(w, targets); err != nil {
			return err
		}
		return writeUint64(w, uint64(mode))
	})
	if err != nil {
		return nil, err
	}
	n, err := readUint64(c.r)
	if err != nil {
		return nil, err
	}
	results := make([]PathResult, 0, n)
	for i := uint64(0); i < n; i++ {
		path, err := readString(c.r)
		if err != nil {
			return nil, err
		}
		res, err := c.readBuildResult()
		if err != nil {
			return nil, err
		}
		results = append(results, PathResult{Path: path, Result: *res})
	}
	return results, nil
}
