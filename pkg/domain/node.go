package domain

import (
	"fmt"
	"strings"
)

// Kind identifies the node type.
type Kind string

const (
	KindExec     Kind = "exec"
	KindSerial   Kind = "serial"
	KindParallel Kind = "parallel"
)

// Valid reports whether k is a known node kind.
func (k Kind) Valid() bool {
	switch k {
	case KindExec, KindSerial, KindParallel:
		return true
	}
	return false
}

// IsContainer reports whether nodes of this kind hold children.
func (k Kind) IsContainer() bool {
	return k == KindSerial || k == KindParallel
}

// ParseKind converts a user supplied kind name, accepting any case.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindExec, KindSerial, KindParallel:
		return k, nil
	}
	return "", fmt.Errorf("unknown node kind %q", s)
}

// Status is the lifecycle state of a node.
type Status string

const (
	StatusPending Status = "pending"
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status ends a run of the node.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusSkipped
}

// Active reports whether the node has been handed to the pool.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// SameContainerMode controls container sharing between a node and its
// descendants.
type SameContainerMode string

const (
	// SameContainerDefault lets the pool pick any matching container. Under a
	// NEW ancestor it behaves like INHERIT.
	SameContainerDefault SameContainerMode = ""
	// SameContainerNew opens a scope: every Exec below shares one container.
	SameContainerNew SameContainerMode = "new"
	// SameContainerInherit joins the scope opened by an ancestor, if any.
	SameContainerInherit SameContainerMode = "inherit"
)

// ParseSameContainer converts a user supplied mode name.
func ParseSameContainer(s string) (SameContainerMode, error) {
	switch m := SameContainerMode(strings.ToLower(s)); m {
	case SameContainerDefault, SameContainerNew, SameContainerInherit:
		return m, nil
	}
	return "", fmt.Errorf("unknown same_container mode %q", s)
}
