// Package store persists the histories of completed jobs.
//
// Results are addressed by a kind and a scope: reports are scoped by
// (workflow, build), job descriptions by the job name.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	Reports      Kind = "reports"
	Descriptions Kind = "descriptions"
)

// ScopeLen returns how many scope components a kind is addressed by.
func (k Kind) ScopeLen() int {
	switch k {
	case Reports:
		return 2
	case Descriptions:
		return 1
	default:
		return 0
	}
}

var (
	ErrNotFound    = errors.New("result not found")
	ErrUnknownKind = errors.New("unknown result kind")
)

// ScopeError reports a scope that does not address a single result of Kind.
type ScopeError struct {
	Kind  Kind
	Scope []string
}

func (e ScopeError) Error() string {
	return fmt.Sprintf("%s expects %d non-empty scope components, got %q", e.Kind, e.Kind.ScopeLen(), e.Scope)
}

// Store is a durable map from (kind, scope) to an encoded history.
type Store interface {
	Get(ctx context.Context, kind Kind, scope ...string) ([]byte, error)
	Set(ctx context.Context, kind Kind, blob []byte, scope ...string) error
}

func checkScope(kind Kind, scope []string) error {
	n := kind.ScopeLen()
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if len(scope) != n {
		return ScopeError{Kind: kind, Scope: scope}
	}

	for _, s := range scope {
		if s == "" {
			return ScopeError{Kind: kind, Scope: scope}
		}
	}

	return nil
}

func cacheKey(kind Kind, scope []string) string {
	return string(kind) + "/" + strings.Join(scope, "\x00")
}
