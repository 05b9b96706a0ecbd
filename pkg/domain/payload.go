package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Payload is the work of an Exec node: either a shell command or a function
// call rendered into one.
type Payload struct {
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	// Entrypoint is the program that dispatches function calls, for example
	// "python pipeline.py". Func and Args are appended as "<func> --k=v".
	Entrypoint string         `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Func       string         `json:"func,omitempty" yaml:"func,omitempty"`
	Args       map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// IsZero reports whether the payload carries no work.
func (p Payload) IsZero() bool {
	return p.Command == "" && p.Func == ""
}

// CommandLine renders the payload as a single shell command. Arguments are
// sorted by name; non-string values are JSON encoded so their type survives
// the trip through the command line.
func (p Payload) CommandLine() (string, error) {
	if p.Func == "" {
		if p.Command == "" {
			return "", fmt.Errorf("%w: empty command", ErrInvalidPayload)
		}
		return p.Command, nil
	}
	if p.Command != "" {
		return "", fmt.Errorf("%w: command and func are mutually exclusive", ErrInvalidPayload)
	}
	if p.Entrypoint == "" {
		return "", fmt.Errorf("%w: func %q has no entrypoint", ErrInvalidPayload, p.Func)
	}

	parts := []string{p.Entrypoint, ShellQuote(p.Func)}
	keys := make([]string, 0, len(p.Args))
	for k := range p.Args {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v, err := argString(p.Args[k])
		if err != nil {
			return "", fmt.Errorf("%w: arg %q: %v", ErrInvalidPayload, k, err)
		}
		parts = append(parts, ShellQuote("--"+k+"="+v))
	}
	return strings.Join(parts, " "), nil
}

func argString(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ShellQuote quotes s for POSIX sh when it contains anything beyond a safe
// character set.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
