package evaluator

import (
	"encoding/json"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/nixforge/nixforge/internal/nixstore"
)

// Derivation is the JSON document emitted by the derivation tool for
// one .drv path.
type Derivation struct {
	Name      string                      `json:"name"`
	System    string                      `json:"system"`
	Builder   string                      `json:"builder"`
	Args      []string                    `json:"args"`
	Env       map[string]string           `json:"env"`
	InputSrcs []string                    `json:"inputSrcs"`
	InputDrvs map[string]InputDrv         `json:"inputDrvs"`
	Outputs   map[string]DerivationOutput `json:"outputs"`
	// StructuredAttrs is present only for derivations using
	// structured attributes; its serialization replaces the __json
	// env key on the wire.
	StructuredAttrs map[string]json.RawMessage `json:"structuredAttrs"`
}

type InputDrv struct {
	Outputs []string `json:"outputs"`
}

type DerivationOutput struct {
	Path     string `json:"path"`
	HashAlgo string `json:"hashAlgo"`
	Hash     string `json:"hash"`
}

// ParseDerivation decodes the output of "derivation show", whose
// top-level object is keyed by the .drv path.
func ParseDerivation(data []byte, drvPath string) (*Derivation, error) {
	var doc map[string]*Derivation
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Errorf("parsing derivation document: %w", err)
	}
	drv, ok := doc[drvPath]
	if !ok {
		return nil, xerrors.Errorf("derivation document does not describe %s", drvPath)
	}
	return drv, nil
}

// RequiredFeatures returns the derivation's required system features,
// from the plain env or from structured attributes.
func (d *Derivation) RequiredFeatures() []string {
	if raw, ok := d.StructuredAttrs["requiredSystemFeatures"]; ok {
		var features []string
		if err := json.Unmarshal(raw, &features); err == nil {
			return features
		}
	}
	if v := d.Env["requiredSystemFeatures"]; v != "" {
		return strings.Fields(v)
	}
	return nil
}

// BasicDerivation converts the document into the resolved form the
// daemon accepts for building. The __json env key is dropped and
// re-added only when structured attributes are declared, carrying
// their canonical serialization. inputSrcs is the union of the
// declared sources and extraSrcs (the closure computed by the
// scheduler).
func (d *Derivation) BasicDerivation(extraSrcs []string) (*nixstore.BasicDerivation, error) {
	env := make(map[string]string, len(d.Env))
	for k, v := range d.Env {
		if k == "__json" {
			continue
		}
		env[k] = v
	}
	if len(d.StructuredAttrs) > 0 {
		encoded, err := json.Marshal(d.StructuredAttrs)
		if err != nil {
			return nil, xerrors.Errorf("serializing structured attrs: %w", err)
		}
		env["__json"] = string(encoded)
	}

	srcs := make(map[string]bool, len(d.InputSrcs)+len(extraSrcs))
	for _, s := range d.InputSrcs {
		srcs[s] = true
	}
	for _, s := range extraSrcs {
		srcs[s] = true
	}
	inputSrcs := make([]string, 0, len(srcs))
	for s := range srcs {
		inputSrcs = append(inputSrcs, s)
	}
	sort.Strings(inputSrcs)

	outputs := make(map[string]nixstore.DerivationOutput, len(d.Outputs))
	for name, out := range d.Outputs {
		outputs[name] = nixstore.DerivationOutput{
			Path:     out.Path,
			HashAlgo: out.HashAlgo,
			Hash:     out.Hash,
		}
	}
	return &nixstore.BasicDerivation{
		Outputs:   outputs,
		InputSrcs: inputSrcs,
		Platform:  d.System,
		Builder:   d.Builder,
		Args:      d.Args,
		Env:       env,
	}, nil
}
