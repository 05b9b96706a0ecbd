package tree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// LoadFile reads a pipeline definition. The format follows the extension:
// .yaml/.yml and .json hold a NodeSpec document, .hcl holds a pipeline block.
// vars are exposed to HCL expressions as var.<name>.
func LoadFile(path string, vars map[string]string) (*NodeSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return Load(path, data, vars)
}

// Load parses a pipeline definition held in memory; name selects the format
// by extension and is used in diagnostics.
func Load(name string, data []byte, vars map[string]string) (*NodeSpec, error) {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml", ".json":
		spec, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return spec, nil
	case ".hcl":
		return decodeHCL(name, data, vars)
	default:
		return nil, fmt.Errorf("%s: unsupported pipeline format %q", name, ext)
	}
}

// hclFile represents the top-level structure of a pipeline file for decoding.
type hclFile struct {
	Pipeline *hclNode `hcl:"pipeline,block"`
}

type hclNode struct {
	Name           string            `hcl:"name,label"`
	Kind           string            `hcl:"kind,optional"`
	Command        string            `hcl:"command,optional"`
	Entrypoint     string            `hcl:"entrypoint,optional"`
	Func           string            `hcl:"func,optional"`
	Args           hcl.Expression    `hcl:"args,optional"`
	Lazy           bool              `hcl:"lazy,optional"`
	Env            map[string]string `hcl:"env,optional"`
	CPU            *float64          `hcl:"cpu,optional"`
	Mem            *float64          `hcl:"mem,optional"`
	RequiresDocker *bool             `hcl:"requires_docker,optional"`
	SameContainer  *string           `hcl:"same_container,optional"`
	StopOnError    *bool             `hcl:"stop_on_error,optional"`
	MaxTime        *string           `hcl:"max_time,optional"`
	Skip           bool              `hcl:"skip,optional"`
	Doc            string            `hcl:"doc,optional"`
	Image          *hclImage         `hcl:"image,block"`
	Nodes          []*hclNode        `hcl:"node,block"`
}

type hclImage struct {
	Name        string            `hcl:"name,optional"`
	Dockerfile  string            `hcl:"dockerfile,optional"`
	Context     string            `hcl:"context,optional"`
	CopyContext bool              `hcl:"copy_context,optional"`
	CopyDir     string            `hcl:"copy_dir,optional"`
	CopyURL     string            `hcl:"copy_url,optional"`
	CopyBranch  string            `hcl:"copy_branch,optional"`
	PathMap     map[string]string `hcl:"path_map,optional"`
	ReqsPy      []string          `hcl:"reqs_py,optional"`
}

func decodeHCL(name string, data []byte, vars map[string]string) (*NodeSpec, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, name)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", name, diags)
	}

	evalCtx := evalContext(vars)
	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", name, diags)
	}
	if parsed.Pipeline == nil {
		return nil, fmt.Errorf("%s: missing pipeline block", name)
	}
	spec, err := parsed.Pipeline.toSpec(evalCtx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return spec, nil
}

// evalContext exposes var.* from the caller, env.* from the process and a
// handful of string functions.
func evalContext(vars map[string]string) *hcl.EvalContext {
	varVals := make(map[string]cty.Value, len(vars))
	for k, v := range vars {
		varVals[k] = cty.StringVal(v)
	}
	envVals := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			envVals[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"var": cty.ObjectVal(varVals),
			"env": cty.ObjectVal(envVals),
		},
		Functions: map[string]function.Function{
			"upper":  stdlib.UpperFunc,
			"lower":  stdlib.LowerFunc,
			"join":   stdlib.JoinFunc,
			"format": stdlib.FormatFunc,
			"concat": stdlib.ConcatFunc,
		},
	}
}

func (n *hclNode) toSpec(evalCtx *hcl.EvalContext) (*NodeSpec, error) {
	spec := &NodeSpec{
		Name: n.Name,
		Lazy: n.Lazy,
		Payload: domain.Payload{
			Command:    n.Command,
			Entrypoint: n.Entrypoint,
			Func:       n.Func,
		},
		Params: domain.Params{
			Env:            n.Env,
			CPU:            n.CPU,
			Mem:            n.Mem,
			RequiresDocker: n.RequiresDocker,
			StopOnError:    n.StopOnError,
			Skip:           n.Skip,
			Doc:            n.Doc,
		},
	}
	if n.Kind != "" {
		kind, err := domain.ParseKind(n.Kind)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		spec.Kind = kind
	}
	if n.SameContainer != nil {
		mode, err := domain.ParseSameContainer(*n.SameContainer)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		spec.SameContainer = &mode
	}
	if n.MaxTime != nil {
		var d domain.Duration
		if err := d.UnmarshalText([]byte(*n.MaxTime)); err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		spec.MaxTime = &d
	}
	if n.Image != nil {
		spec.Image = &domain.ImageSpec{
			Name:        n.Image.Name,
			Dockerfile:  n.Image.Dockerfile,
			Context:     n.Image.Context,
			CopyContext: n.Image.CopyContext,
			CopyDir:     n.Image.CopyDir,
			CopyURL:     n.Image.CopyURL,
			CopyBranch:  n.Image.CopyBranch,
			PathMap:     n.Image.PathMap,
			ReqsPy:      n.Image.ReqsPy,
		}
	}
	if n.Args != nil {
		args, err := decodeArgs(n.Args, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		spec.Args = args
	}
	for _, c := range n.Nodes {
		child, err := c.toSpec(evalCtx)
		if err != nil {
			return nil, err
		}
		spec.Children = append(spec.Children, child)
	}
	return spec, nil
}

// decodeArgs evaluates an args object and converts it to plain Go values by
// way of its JSON form, which keeps numbers, lists and nested objects intact.
func decodeArgs(expr hcl.Expression, evalCtx *hcl.EvalContext) (map[string]any, error) {
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("args: %w", diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("args must be an object, got %s", val.Type().FriendlyName())
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	return out, nil
}
