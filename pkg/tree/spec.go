package tree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// NodeSpec is the serialisable description of a subtree. Pipeline files,
// the builder API and lazy generators all produce NodeSpecs.
type NodeSpec struct {
	Name string      `json:"name,omitempty" yaml:"name,omitempty"`
	Kind domain.Kind `json:"kind,omitempty" yaml:"kind,omitempty"`

	domain.Payload `yaml:",inline"`
	domain.Params  `yaml:",inline"`

	// Lazy runs the payload as a generator whose output is the subtree.
	Lazy     bool        `json:"lazy,omitempty" yaml:"lazy,omitempty"`
	Children []*NodeSpec `json:"children,omitempty" yaml:"children,omitempty"`
}

func (s *NodeSpec) kind() domain.Kind {
	if s.Kind != "" {
		return domain.Kind(strings.ToLower(string(s.Kind)))
	}
	if s.Lazy {
		return domain.KindSerial
	}
	if !s.Payload.IsZero() {
		return domain.KindExec
	}
	return domain.KindSerial
}

func (s *NodeSpec) nameOr(i int) string {
	if s.Name != "" {
		return s.Name
	}
	return strconv.Itoa(i)
}

func (s *NodeSpec) validate(path string) error {
	kind := s.kind()
	if !kind.Valid() {
		return fmt.Errorf("%s: unknown node kind %q", path, s.Kind)
	}
	if err := s.Params.Validate(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	switch {
	case s.Lazy:
		if kind != domain.KindSerial {
			return fmt.Errorf("%s: lazy nodes are serial containers, got %q", path, kind)
		}
		if len(s.Children) > 0 {
			return &domain.InvalidParentError{Path: path, Reason: "children of a lazy node come from its generator"}
		}
		if _, err := s.Payload.CommandLine(); err != nil {
			return fmt.Errorf("%s: generator: %w", path, err)
		}
		return nil
	case kind == domain.KindExec:
		if len(s.Children) > 0 {
			return &domain.InvalidParentError{Path: path, Reason: "exec nodes cannot have children"}
		}
		if _, err := s.Payload.CommandLine(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	}

	if !s.Payload.IsZero() {
		return fmt.Errorf("%s: %w: %s nodes carry no command", path, domain.ErrInvalidPayload, kind)
	}
	seen := make(map[string]struct{}, len(s.Children))
	for i, c := range s.Children {
		if c == nil {
			return fmt.Errorf("%s: child %d is empty", path, i)
		}
		name := c.nameOr(i)
		if err := validName(name); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		cp := childPath(path, name)
		if _, dup := seen[name]; dup {
			return &domain.DuplicatePathError{Path: cp}
		}
		seen[name] = struct{}{}
		if err := c.validate(cp); err != nil {
			return err
		}
	}
	return nil
}

// Build creates a tree from a spec. The root must be a container.
func Build(spec *NodeSpec) (*Tree, error) {
	if spec == nil {
		return nil, errors.New("nil pipeline spec")
	}
	if !spec.kind().IsContainer() {
		return nil, fmt.Errorf("root must be serial or parallel, got %q", spec.kind())
	}
	if err := spec.validate(RootPath); err != nil {
		return nil, err
	}
	t := &Tree{byPath: make(map[string]NodeID)}
	t.insert(NoNode, "", spec)
	return t, nil
}

// Decode parses a subtree document. JSON objects are detected by their
// leading brace; anything else is read as YAML. Unknown fields are rejected.
func Decode(data []byte) (*NodeSpec, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty node spec document")
	}

	var spec NodeSpec
	if data[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("decode json node spec: %w", err)
		}
		return &spec, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml node spec: %w", err)
	}
	return &spec, nil
}

// Encode renders a spec as indented JSON, the format generators emit.
func Encode(spec *NodeSpec) ([]byte, error) {
	return json.MarshalIndent(spec, "", "  ")
}
