// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package expr

import (
	"github.com/gomlx/autoschedule/pkg/support/sets"
)

// Visit walks e in pre-order. If fn returns false the children of that node are skipped.
func Visit(e Expr, fn func(node Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch e := e.(type) {
	case *Binary:
		Visit(e.A, fn)
		Visit(e.B, fn)
	case *Not:
		Visit(e.A, fn)
	case *Select:
		Visit(e.Cond, fn)
		Visit(e.True, fn)
		Visit(e.False, fn)
	case *Cast:
		Visit(e.Value, fn)
	case *Call:
		for _, arg := range e.Args {
			Visit(arg, fn)
		}
	}
}

// Mutate rebuilds e bottom-up: children are mutated first, then fn is applied to the node
// with its new children. Nodes that fn does not want to change must be returned as is.
func Mutate(e Expr, fn func(node Expr) Expr) Expr {
	if e == nil {
		return nil
	}
	switch n := e.(type) {
	case *Binary:
		e = &Binary{Op: n.Op, A: Mutate(n.A, fn), B: Mutate(n.B, fn)}
	case *Not:
		e = &Not{A: Mutate(n.A, fn)}
	case *Select:
		e = &Select{Cond: Mutate(n.Cond, fn), True: Mutate(n.True, fn), False: Mutate(n.False, fn)}
	case *Cast:
		e = &Cast{DType: n.DType, Value: Mutate(n.Value, fn)}
	case *Call:
		args := make([]Expr, len(n.Args))
		for ii, arg := range n.Args {
			args[ii] = Mutate(arg, fn)
		}
		e = &Call{Name: n.Name, Kind: n.Kind, Index: n.Index, Args: args}
	}
	return fn(e)
}

// Substitute replaces every free variable found in replacements.
func Substitute(e Expr, replacements map[string]Expr) Expr {
	if len(replacements) == 0 {
		return e
	}
	return Mutate(e, func(node Expr) Expr {
		if v, ok := node.(*Var); ok {
			if r, found := replacements[v.Name]; found {
				return r
			}
		}
		return node
	})
}

// Calls returns the names of the functions and buffers loaded by e.
func Calls(e Expr) sets.Set[string] {
	names := sets.Make[string]()
	Visit(e, func(node Expr) bool {
		if call, ok := node.(*Call); ok && (call.Kind == CallFunc || call.Kind == CallImage) {
			names.Insert(call.Name)
		}
		return true
	})
	return names
}

// FreeVars returns the names of the variables referenced by e.
func FreeVars(e Expr) sets.Set[string] {
	names := sets.Make[string]()
	Visit(e, func(node Expr) bool {
		if v, ok := node.(*Var); ok {
			names.Insert(v.Name)
		}
		return true
	})
	return names
}
