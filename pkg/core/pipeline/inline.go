// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"slices"

	"github.com/gomlx/autoschedule/pkg/core/bounds"
	"github.com/gomlx/autoschedule/pkg/core/expr"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Inline substitutes the definitions of the named functions into all their callers, and removes
// them from the pipeline. Functions are inlined in topological order.
//
// Only pure functions with a single definition can be inlined, and not into extern functions.
// Outputs can't be inlined.
func (p *Pipeline) Inline(names ...string) error {
	toInline := slices.Clone(names)
	slices.SortFunc(toInline, func(a, b string) int { return p.Index(a) - p.Index(b) })
	for _, name := range toInline {
		f, found := p.funcs[name]
		if !found {
			return errors.Errorf("can't inline %q: not a function of pipeline %q", name, p.Name)
		}
		if !f.CanBeInlined() {
			return errors.Errorf("can't inline %q: it has updates or an extern definition", name)
		}
		if p.IsOutput(name) {
			return errors.Errorf("can't inline %q: it is an output of the pipeline", name)
		}
		if p.UsedByExtern(name) {
			return errors.Errorf("can't inline %q: it is used by an extern function", name)
		}
	}
	for _, name := range toInline {
		p.inlineOne(p.funcs[name])
	}
	return nil
}

// InlineCalls replaces every call to f in e by f's pure definition. f must be inlinable.
func InlineCalls(e expr.Expr, f *Function) expr.Expr {
	if e == nil {
		return nil
	}
	values := f.Pure().Values
	return expr.Mutate(e, func(node expr.Expr) expr.Expr {
		call, ok := node.(*expr.Call)
		if !ok || call.Kind != expr.CallFunc || call.Name != f.Name {
			return node
		}
		replacements := make(map[string]expr.Expr, len(f.Args))
		for ii, arg := range f.Args {
			replacements[arg] = call.Args[ii]
		}
		return expr.Substitute(values[call.Index], replacements)
	})
}

// InlineAll repeatedly inlines, into e, the calls to any of the named functions of the pipeline.
func (p *Pipeline) InlineAll(e expr.Expr, names sets.Set[string]) expr.Expr {
	if len(names) == 0 {
		return e
	}
	for {
		var next *Function
		for _, callee := range sets.Sorted(expr.Calls(e)) {
			if names.Has(callee) {
				next = p.funcs[callee]
				break
			}
		}
		if next == nil {
			return e
		}
		e = InlineCalls(e, next)
	}
}

func (p *Pipeline) inlineOne(f *Function) {
	klog.V(2).Infof("Inlining %q into its callers", f.Name)
	substitute := func(e expr.Expr) expr.Expr { return InlineCalls(e, f) }
	inlineComputed := func(c *Computed) *Computed {
		result := &Computed{
			Args:   make([]expr.Expr, len(c.Args)),
			Values: make([]expr.Expr, len(c.Values)),
			RDom:   make([]RVar, len(c.RDom)),
		}
		for ii, e := range c.Args {
			result.Args[ii] = substitute(e)
		}
		for ii, e := range c.Values {
			result.Values[ii] = substitute(e)
		}
		for ii, rv := range c.RDom {
			result.RDom[ii] = RVar{Name: rv.Name, Min: substitute(rv.Min), Extent: substitute(rv.Extent)}
		}
		return result
	}
	for _, caller := range p.funcs {
		if caller == f {
			continue
		}
		switch def := caller.Definition.(type) {
		case *Computed:
			caller.Definition = inlineComputed(def)
		case *Opaque:
			args := slices.Clone(def.Args)
			for ii := range args {
				if args[ii].Kind == ExternExprArg {
					args[ii].Expr = substitute(args[ii].Expr)
				}
			}
			caller.Definition = &Opaque{Routine: def.Routine, Args: args}
		}
		for ii, update := range caller.Updates {
			caller.Updates[ii] = inlineComputed(update)
		}
	}
	delete(p.funcs, f.Name)
	p.order = slices.DeleteFunc(p.order, func(name string) bool { return name == f.Name })
}

// TrivialFunctions returns the functions whose cost of computing is about the same as the cost
// of calling them: pure single valued functions defined as a constant, a variable or a load
// indexed by variables offset by constants (possibly cast). Outputs and functions passed to
// extern functions are never included.
func (p *Pipeline) TrivialFunctions() []string {
	var trivial []string
	for _, name := range p.order {
		f := p.funcs[name]
		if p.IsOutput(name) || !f.CanBeInlined() || p.UsedByExtern(name) || len(f.DTypes) != 1 {
			continue
		}
		if isTrivialExpr(f.Pure().Values[0]) {
			trivial = append(trivial, name)
		}
	}
	return trivial
}

func isTrivialExpr(e expr.Expr) bool {
	switch n := e.(type) {
	case *expr.Const, *expr.FloatConst, *expr.Var:
		return true
	case *expr.Cast:
		return isTrivialExpr(n.Value)
	case *expr.Call:
		if n.Kind != expr.CallFunc && n.Kind != expr.CallImage {
			return false
		}
		for _, arg := range n.Args {
			if !isTrivialIndex(arg) {
				return false
			}
		}
		return true
	}
	return false
}

func isTrivialIndex(e expr.Expr) bool {
	switch n := e.(type) {
	case *expr.Const, *expr.Var:
		return true
	case *expr.Binary:
		if n.Op != expr.OpAdd && n.Op != expr.OpSub {
			return false
		}
		_, isVar := n.A.(*expr.Var)
		_, isConst := expr.AsConst(n.B)
		return isVar && isConst
	}
	return false
}

// UnboundedFunctions returns the functions whose region in pipelineBounds is not bounded on
// some axis, and that can be inlined. Functions without pipeline bounds are skipped.
func (p *Pipeline) UnboundedFunctions(pipelineBounds bounds.Regions) []string {
	var unbounded []string
	for _, name := range p.order {
		box, found := pipelineBounds[name]
		if !found {
			continue
		}
		f := p.funcs[name]
		if p.IsOutput(name) || !f.CanBeInlined() || p.UsedByExtern(name) {
			continue
		}
		if slices.ContainsFunc(box, func(i bounds.Interval) bool { return !i.IsBounded() }) {
			unbounded = append(unbounded, name)
		}
	}
	return unbounded
}
