// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"strings"

	"github.com/gomlx/autoschedule/internal/scoped"
	"github.com/gomlx/autoschedule/pkg/core/bounds"
	"github.com/gomlx/autoschedule/pkg/core/expr"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/gomlx/exceptions"
)

// StageDim is one loop dimension of a stage.
type StageDim struct {
	Var    string
	IsRVar bool
}

// StageDims returns the loop dimensions of a stage, innermost first.
//
// For the pure stage (and extern functions) these are the pure arguments. For an update stage
// they are the reduction variables, followed by the pure variables used as plain arguments of
// the update.
func (p *Pipeline) StageDims(s Stage) []StageDim {
	f := p.MustFunc(s.Func)
	if s.Index == 0 {
		dims := make([]StageDim, len(f.Args))
		for ii, arg := range f.Args {
			dims[ii] = StageDim{Var: arg}
		}
		return dims
	}
	update := f.Updates[s.Index-1]
	var dims []StageDim
	for _, rv := range update.RDom {
		dims = append(dims, StageDim{Var: rv.Name, IsRVar: true})
	}
	pure := sets.MakeWith(f.Args...)
	for _, arg := range update.Args {
		if v, ok := arg.(*expr.Var); ok && pure.Has(v.Name) {
			dims = append(dims, StageDim{Var: v.Name})
		}
	}
	return dims
}

// StageDimVars returns the variable names of StageDims.
func (p *Pipeline) StageDimVars(s Stage) []string {
	dims := p.StageDims(s)
	vars := make([]string, len(dims))
	for ii, d := range dims {
		vars[ii] = d.Var
	}
	return vars
}

// PureDims returns the StageDims that are not reduction variables.
func (p *Pipeline) PureDims(s Stage) []string {
	var vars []string
	for _, d := range p.StageDims(s) {
		if !d.IsRVar {
			vars = append(vars, d.Var)
		}
	}
	return vars
}

// StageBounds returns the bounds of every loop variable of the stage, given the bounds of the
// pure variables of its function. Reduction variables span their domain [min, min+extent-1].
//
// The pure variable bounds are assumed to be the same across all the stages.
func (p *Pipeline) StageBounds(s Stage, pureBounds bounds.DimBounds) bounds.DimBounds {
	result := pureBounds.Clone()
	if s.Index == 0 {
		return result
	}
	update := p.MustFunc(s.Func).Updates[s.Index-1]
	estimates := p.ParamEstimates()
	for _, rv := range update.RDom {
		lower := expr.Substitute(rv.Min, estimates)
		upper := expr.Substitute(expr.Sub(expr.Add(rv.Min, rv.Extent), expr.Int(1)), estimates)
		result[rv.Name] = bounds.Interval{Min: expr.Simplify(lower), Max: expr.Simplify(upper)}
	}
	return result
}

// ParamEstimates maps the parameters with an estimate to their estimated value.
func (p *Pipeline) ParamEstimates() map[string]expr.Expr {
	estimates := make(map[string]expr.Expr, len(p.params))
	for name, param := range p.params {
		if param.Estimate != nil {
			estimates[name] = expr.Int(*param.Estimate)
		}
	}
	return estimates
}

// StageValues returns the expressions computed by a stage: for update stages the update
// coordinates are included, since they must be computed as well. It returns nil for extern stages.
func (p *Pipeline) StageValues(s Stage) []expr.Expr {
	f := p.MustFunc(s.Func)
	def, ok := f.StageDefinition(s.Index).(*Computed)
	if !ok {
		return nil
	}
	values := make([]expr.Expr, 0, len(def.Values)+len(def.Args))
	values = append(values, def.Values...)
	if s.Index > 0 {
		values = append(values, def.Args...)
	}
	return values
}

// Parents returns the names of the functions and buffers read by the given stage.
// A stage reading from its own function is not included.
func (p *Pipeline) Parents(s Stage) sets.Set[string] {
	f := p.MustFunc(s.Func)
	parents := sets.Make[string]()
	switch def := f.StageDefinition(s.Index).(type) {
	case *Opaque:
		for _, arg := range def.Args {
			if arg.Kind == ExternExprArg {
				parents.Union(expr.Calls(arg.Expr))
			} else {
				parents.Insert(arg.Name)
			}
		}
	case *Computed:
		for _, e := range def.Values {
			parents.Union(expr.Calls(e))
		}
		for _, e := range def.Args {
			parents.Union(expr.Calls(e))
		}
		for _, rv := range def.RDom {
			parents.Union(expr.Calls(rv.Min), expr.Calls(rv.Extent))
		}
	}
	parents.Remove(s.Func)
	return parents
}

// ValueSize returns the number of bytes of one point of the named function (the sum over its
// tuple values) or input buffer. It panics if the name is unknown.
func (p *Pipeline) ValueSize(name string) int64 {
	if f, found := p.funcs[name]; found {
		var size int64
		for _, dtype := range f.DTypes {
			size += int64(dtype.Size())
		}
		return size
	}
	if input, found := p.inputs[name]; found {
		return int64(input.DType.Size())
	}
	exceptions.Panicf("pipeline %q has no function or buffer named %q", p.Name, name)
	return 0
}

// InputEstimates returns a scope with the estimated values of the scalar parameters, to be used
// as the root scope of bounds evaluation.
func (p *Pipeline) InputEstimates() *scoped.Scope[bounds.Interval] {
	scope := scoped.New[bounds.Interval]()
	for name, param := range p.params {
		if param.Estimate != nil {
			scope.Set(name, bounds.Point(expr.Int(*param.Estimate)))
		}
	}
	return scope
}

// EstimateBox returns the box given by the function's estimates. Dimensions without an estimate
// are unbounded.
func (p *Pipeline) EstimateBox(name string) bounds.Box {
	if f, found := p.funcs[name]; found {
		box := make(bounds.Box, len(f.Args))
		for ii, arg := range f.Args {
			if est, found := f.Estimates[arg]; found {
				box[ii] = bounds.Range(est.Min, est.Max())
			}
		}
		return box
	}
	if input, found := p.inputs[name]; found {
		box := make(bounds.Box, input.Dims)
		for ii := range box {
			if ii < len(input.Estimates) {
				est := input.Estimates[ii]
				box[ii] = bounds.Range(est.Min, est.Max())
			}
		}
		return box
	}
	exceptions.Panicf("pipeline %q has no function or buffer named %q", p.Name, name)
	return nil
}

// Dims returns the number of dimensions of the named function or input buffer, or -1 if unknown.
func (p *Pipeline) Dims(name string) int {
	if f, found := p.funcs[name]; found {
		return f.Dims()
	}
	if input, found := p.inputs[name]; found {
		return input.Dims
	}
	return -1
}

var boundaryConditionMarkers = []string{"constant_exterior", "repeat_edge", "repeat_image", "mirror_image", "mirror_interior"}

// IsBoundaryCondition returns whether the function was generated by a boundary condition helper,
// which are recognized by name.
func IsBoundaryCondition(name string) bool {
	for _, marker := range boundaryConditionMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// UsedByExtern returns whether the named function is passed whole to an extern function.
func (p *Pipeline) UsedByExtern(name string) bool {
	for _, f := range p.funcs {
		opaque, ok := f.Definition.(*Opaque)
		if !ok {
			continue
		}
		for _, arg := range opaque.Args {
			if arg.Kind == ExternFuncArg && arg.Name == name {
				return true
			}
		}
	}
	return false
}
