// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a name to any data type that is "scoped".
package scoped

import (
	"github.com/gomlx/autoschedule/pkg/support/xslices"
)

// Scope provides a mapping from names to values of type T that is "scoped":
//
//   - Every Scope holds its own map of names to values, and an optional parent.
//   - Looking up a name searches from the current scope up to the root scope, the
//     first result found is returned.
//
// Example: let's say the scopes hold:
//
//	root:  { "x": [0, 9], "n": [1024, 1024] }
//	stage: { "x": [0, 63] }   (child of root)
//
//	stage.Get("x") -> [0, 63]
//	stage.Get("n") -> [1024, 1024]
//	root.Get("x")  -> [0, 9]
//
// Child scopes are cheap, and are used to push per-stage loop bounds on top of the shared
// estimates of the pipeline parameters, without copying them. A nil *Scope is a valid empty scope.
type Scope[T any] struct {
	parent *Scope[T]
	values map[string]T
}

// New creates an empty root Scope.
func New[T any]() *Scope[T] {
	return &Scope[T]{values: make(map[string]T)}
}

// Push creates a child scope of s. The parent must not be modified while the child is in use.
func (s *Scope[T]) Push() *Scope[T] {
	return &Scope[T]{parent: s, values: make(map[string]T)}
}

// Parent returns the parent scope, or nil for a root scope.
func (s *Scope[T]) Parent() *Scope[T] {
	if s == nil {
		return nil
	}
	return s.parent
}

// Set sets the value for the given name, in this scope only.
func (s *Scope[T]) Set(name string, value T) {
	s.values[name] = value
}

// Get retrieves the value for the given name in this scope or any parent scope.
//
// It returns the first value found if any, and whether some value was found.
func (s *Scope[T]) Get(name string) (value T, found bool) {
	for current := s; current != nil; current = current.parent {
		value, found = current.values[name]
		if found {
			return
		}
	}
	return
}

// Contains returns whether the name is defined in this scope or any parent scope.
func (s *Scope[T]) Contains(name string) bool {
	_, found := s.Get(name)
	return found
}

// Enumerate enumerates all names visible from this scope, in sorted order, with the values
// that Get would return for them.
func (s *Scope[T]) Enumerate(fn func(name string, value T)) {
	visible := make(map[string]T)
	for current := s; current != nil; current = current.parent {
		for name, value := range current.values {
			if _, shadowed := visible[name]; !shadowed {
				visible[name] = value
			}
		}
	}
	for _, name := range xslices.SortedKeys(visible) {
		fn(name, visible[name])
	}
}
