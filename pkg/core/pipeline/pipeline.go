// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline holds the stage graph being scheduled: a set of functions, each defined by
// expressions over its pure arguments (its pure stage) plus optional update stages over reduction
// domains, reading from other functions, input buffers and scalar parameters.
//
// A Pipeline is built with New (or loaded with LoadYAML / ParseYAML), which checks its structure
// and computes a topological order of the functions, producers first.
package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/golang-collections/collections/queue"
	"github.com/gomlx/autoschedule/pkg/core/dtypes"
	"github.com/gomlx/autoschedule/pkg/core/expr"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Stage identifies one definition of a function: Index 0 is the pure definition, Index k >= 1 is
// the k-th update.
type Stage struct {
	Func  string
	Index int
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	return fmt.Sprintf("%s.%d", s.Func, s.Index)
}

// IsPure returns whether this is the pure (initial) definition stage.
func (s Stage) IsPure() bool { return s.Index == 0 }

// Estimate is a user provided estimate of the range [Min, Min+Extent-1] of one dimension.
type Estimate struct {
	Min, Extent int64
}

// Max returns Min+Extent-1.
func (e Estimate) Max() int64 { return e.Min + e.Extent - 1 }

// StageDefinition is either a *Computed definition or an *Opaque (extern) one.
type StageDefinition interface {
	isStageDefinition()
}

// RVar is one dimension of a reduction domain.
type RVar struct {
	Name        string
	Min, Extent expr.Expr
}

// Computed is a definition given by expressions.
//
// For the pure stage Args is nil: the stage is defined over the function's pure arguments.
// For an update stage Args are the coordinates being updated, and RDom the reduction
// domain iterated over (it may be empty).
type Computed struct {
	Args   []expr.Expr
	Values []expr.Expr
	RDom   []RVar
}

// ExternArgKind tells what an argument of an opaque definition refers to.
type ExternArgKind int

const (
	// ExternFuncArg passes a whole function to the extern routine.
	ExternFuncArg ExternArgKind = iota
	// ExternBufferArg passes an input buffer.
	ExternBufferArg
	// ExternExprArg passes a scalar expression.
	ExternExprArg
)

// ExternArg is one argument of an opaque definition.
type ExternArg struct {
	Kind ExternArgKind
	Name string    // For ExternFuncArg and ExternBufferArg.
	Expr expr.Expr // For ExternExprArg.
}

// Opaque is a definition computed by an external routine, whose access pattern is unknown.
type Opaque struct {
	Routine string
	Args    []ExternArg
}

func (*Computed) isStageDefinition() {}
func (*Opaque) isStageDefinition()   {}

// Function is one node of the stage graph.
type Function struct {
	Name string

	// Args are the pure variables, innermost (storage axis 0) first.
	Args []string

	// DTypes of each of the function values: more than one for tuple valued functions.
	DTypes []dtypes.DType

	Definition StageDefinition
	Updates    []*Computed

	// Estimates of the pure variables. Required for the outputs.
	Estimates map[string]Estimate

	// Schedule holds directives already set by the user: the auto-scheduler refuses to run on
	// functions with a partial schedule.
	Schedule []string
}

// NumStages returns 1 plus the number of updates.
func (f *Function) NumStages() int { return 1 + len(f.Updates) }

// Dims returns the number of pure dimensions.
func (f *Function) Dims() int { return len(f.Args) }

// IsExtern returns whether the function is computed by an external routine.
func (f *Function) IsExtern() bool {
	_, ok := f.Definition.(*Opaque)
	return ok
}

// CanBeInlined returns whether the function can be substituted into its callers: it must be
// computed with a single pure definition.
func (f *Function) CanBeInlined() bool {
	_, ok := f.Definition.(*Computed)
	return ok && len(f.Updates) == 0
}

// Pure returns the pure definition. It panics for extern functions.
func (f *Function) Pure() *Computed {
	computed, ok := f.Definition.(*Computed)
	if !ok {
		exceptions.Panicf("function %q has an extern definition", f.Name)
	}
	return computed
}

// StageDefinition returns the definition of the given stage: the function's Definition
// for stage 0, the update otherwise.
func (f *Function) StageDefinition(index int) StageDefinition {
	if index == 0 {
		return f.Definition
	}
	return f.Updates[index-1]
}

// LastStage returns the final stage of the function.
func (f *Function) LastStage() Stage {
	return Stage{Func: f.Name, Index: len(f.Updates)}
}

// Stages lists all stages of the function in order.
func (f *Function) Stages() []Stage {
	stages := make([]Stage, f.NumStages())
	for ii := range stages {
		stages[ii] = Stage{Func: f.Name, Index: ii}
	}
	return stages
}

// Estimate returns the estimate of the given pure variable, if one was given.
func (f *Function) Estimate(arg string) (Estimate, bool) {
	est, found := f.Estimates[arg]
	return est, found
}

func (f *Function) clone() *Function {
	c := *f
	if computed, ok := f.Definition.(*Computed); ok {
		c.Definition = computed.clone()
	}
	c.Updates = make([]*Computed, len(f.Updates))
	for ii, update := range f.Updates {
		c.Updates[ii] = update.clone()
	}
	return &c
}

func (c *Computed) clone() *Computed {
	return &Computed{Args: slices.Clone(c.Args), Values: slices.Clone(c.Values), RDom: slices.Clone(c.RDom)}
}

// Input is a buffer read by the pipeline.
type Input struct {
	Name  string
	DType dtypes.DType
	Dims  int

	// Estimates per dimension, optional.
	Estimates []Estimate
}

// Param is a scalar parameter of the pipeline, referred to as a variable in expressions.
type Param struct {
	Name     string
	DType    dtypes.DType
	Estimate *int64
}

// Pipeline is the stage graph being scheduled.
type Pipeline struct {
	Name string

	funcs   map[string]*Function
	inputs  map[string]*Input
	params  map[string]*Param
	outputs []string

	// order of the functions, producers first.
	order []string

	// index of each function in the topological order computed when the pipeline was built,
	// before any inlining.
	index map[string]int
}

// New creates a pipeline with the given inputs, parameters and functions, and the names of the
// functions it outputs. Only functions reachable from the outputs are kept.
//
// It returns an error wrapping ErrInvalidPipeline if names are duplicated or unknown, if calls
// have the wrong number of arguments, or if the graph has a cycle.
func New(name string, inputs []*Input, params []*Param, funcs []*Function, outputs []string) (*Pipeline, error) {
	p := &Pipeline{
		Name:    name,
		funcs:   make(map[string]*Function, len(funcs)),
		inputs:  make(map[string]*Input, len(inputs)),
		params:  make(map[string]*Param, len(params)),
		outputs: slices.Clone(outputs),
	}
	names := sets.Make[string]()
	addName := func(n string) error {
		if n == "" {
			return errors.Wrapf(ErrInvalidPipeline, "empty name in pipeline %q", name)
		}
		if names.Has(n) {
			return errors.Wrapf(ErrInvalidPipeline, "name %q defined more than once", n)
		}
		names.Insert(n)
		return nil
	}
	for _, input := range inputs {
		if err := addName(input.Name); err != nil {
			return nil, err
		}
		p.inputs[input.Name] = input
	}
	for _, param := range params {
		if err := addName(param.Name); err != nil {
			return nil, err
		}
		p.params[param.Name] = param
	}
	var declared []string
	for _, f := range funcs {
		if err := addName(f.Name); err != nil {
			return nil, err
		}
		p.funcs[f.Name] = f
		declared = append(declared, f.Name)
	}
	if len(outputs) == 0 {
		return nil, errors.Wrapf(ErrInvalidPipeline, "pipeline %q has no outputs", name)
	}
	for _, out := range outputs {
		if _, found := p.funcs[out]; !found {
			return nil, errors.Wrapf(ErrInvalidPipeline, "output %q is not a function of the pipeline", out)
		}
	}
	for _, fName := range declared {
		if err := p.checkFunction(p.funcs[fName]); err != nil {
			return nil, err
		}
	}
	p.dropUnreachable(declared)
	if err := p.computeOrder(declared); err != nil {
		return nil, err
	}
	p.index = make(map[string]int, len(p.order))
	for ii, fName := range p.order {
		p.index[fName] = ii
	}
	return p, nil
}

// checkFunction verifies that all references from f are defined and have the right arity.
func (p *Pipeline) checkFunction(f *Function) error {
	if len(f.DTypes) == 0 {
		return errors.Wrapf(ErrInvalidPipeline, "function %q has no values", f.Name)
	}
	switch def := f.Definition.(type) {
	case *Computed:
		if len(def.Values) != len(f.DTypes) {
			return errors.Wrapf(ErrInvalidPipeline, "function %q defines %d values but has %d types",
				f.Name, len(def.Values), len(f.DTypes))
		}
	case *Opaque:
		if len(f.Updates) > 0 {
			return errors.Wrapf(ErrInvalidPipeline, "extern function %q can't have updates", f.Name)
		}
		for _, arg := range def.Args {
			switch arg.Kind {
			case ExternFuncArg:
				if _, found := p.funcs[arg.Name]; !found {
					return errors.Wrapf(ErrInvalidPipeline, "extern function %q uses undefined function %q", f.Name, arg.Name)
				}
			case ExternBufferArg:
				if _, found := p.inputs[arg.Name]; !found {
					return errors.Wrapf(ErrInvalidPipeline, "extern function %q uses undefined buffer %q", f.Name, arg.Name)
				}
			}
		}
	default:
		return errors.Wrapf(ErrInvalidPipeline, "function %q has no definition", f.Name)
	}
	for ii, update := range f.Updates {
		if len(update.Args) != len(f.Args) {
			return errors.Wrapf(ErrInvalidPipeline, "update %d of %q has %d args, expected %d",
				ii+1, f.Name, len(update.Args), len(f.Args))
		}
		if len(update.Values) != len(f.DTypes) {
			return errors.Wrapf(ErrInvalidPipeline, "update %d of %q defines %d values, expected %d",
				ii+1, f.Name, len(update.Values), len(f.DTypes))
		}
	}
	var err error
	f.forEachExpr(func(e expr.Expr) {
		expr.Visit(e, func(node expr.Expr) bool {
			call, ok := node.(*expr.Call)
			if !ok || err != nil {
				return err == nil
			}
			switch call.Kind {
			case expr.CallFunc:
				callee, found := p.funcs[call.Name]
				switch {
				case !found:
					err = errors.Wrapf(ErrInvalidPipeline, "%q calls undefined function %q", f.Name, call.Name)
				case len(call.Args) != callee.Dims():
					err = errors.Wrapf(ErrInvalidPipeline, "%q calls %q with %d args, expected %d",
						f.Name, call.Name, len(call.Args), callee.Dims())
				case call.Index < 0 || call.Index >= len(callee.DTypes):
					err = errors.Wrapf(ErrInvalidPipeline, "%q reads value %d of %q, which has %d values",
						f.Name, call.Index, call.Name, len(callee.DTypes))
				}
			case expr.CallImage:
				input, found := p.inputs[call.Name]
				switch {
				case !found:
					err = errors.Wrapf(ErrInvalidPipeline, "%q reads undefined buffer %q", f.Name, call.Name)
				case len(call.Args) != input.Dims:
					err = errors.Wrapf(ErrInvalidPipeline, "%q reads buffer %q with %d args, expected %d",
						f.Name, call.Name, len(call.Args), input.Dims)
				}
			}
			return err == nil
		})
	})
	return err
}

// forEachExpr calls fn on every expression in the function's definitions.
func (f *Function) forEachExpr(fn func(e expr.Expr)) {
	visitComputed := func(c *Computed) {
		for _, e := range c.Args {
			fn(e)
		}
		for _, e := range c.Values {
			fn(e)
		}
		for _, rv := range c.RDom {
			fn(rv.Min)
			fn(rv.Extent)
		}
	}
	switch def := f.Definition.(type) {
	case *Computed:
		visitComputed(def)
	case *Opaque:
		for _, arg := range def.Args {
			if arg.Kind == ExternExprArg {
				fn(arg.Expr)
			}
		}
	}
	for _, update := range f.Updates {
		visitComputed(update)
	}
}

// Callees returns the names of the functions and buffers read by any stage of f.
func (f *Function) Callees() sets.Set[string] {
	callees := sets.Make[string]()
	f.forEachExpr(func(e expr.Expr) {
		callees.Union(expr.Calls(e))
	})
	if opaque, ok := f.Definition.(*Opaque); ok {
		for _, arg := range opaque.Args {
			if arg.Kind != ExternExprArg {
				callees.Insert(arg.Name)
			}
		}
	}
	callees.Remove(f.Name)
	return callees
}

// funcCallees returns Callees restricted to functions of the pipeline.
func (p *Pipeline) funcCallees(f *Function) []string {
	var result []string
	for _, name := range sets.Sorted(f.Callees()) {
		if _, found := p.funcs[name]; found {
			result = append(result, name)
		}
	}
	return result
}

// dropUnreachable removes functions that don't contribute to the outputs.
func (p *Pipeline) dropUnreachable(declared []string) {
	reachable := sets.Make[string]()
	var visit func(name string)
	visit = func(name string) {
		if reachable.Has(name) {
			return
		}
		reachable.Insert(name)
		for _, callee := range p.funcCallees(p.funcs[name]) {
			visit(callee)
		}
	}
	for _, out := range p.outputs {
		visit(out)
	}
	for _, name := range declared {
		if !reachable.Has(name) {
			delete(p.funcs, name)
		}
	}
}

// computeOrder sorts the functions with Kahn's algorithm. Ties are broken by declaration order.
func (p *Pipeline) computeOrder(declared []string) error {
	pending := make(map[string]int, len(p.funcs))
	consumers := make(map[string][]string, len(p.funcs))
	for _, name := range declared {
		f, found := p.funcs[name]
		if !found {
			continue
		}
		callees := p.funcCallees(f)
		pending[name] = len(callees)
		for _, callee := range callees {
			consumers[callee] = append(consumers[callee], name)
		}
	}
	q := queue.New()
	for _, name := range declared {
		if count, found := pending[name]; found && count == 0 {
			q.Enqueue(name)
		}
	}
	p.order = p.order[:0]
	for q.Len() > 0 {
		name := q.Dequeue().(string)
		p.order = append(p.order, name)
		for _, consumer := range consumers[name] {
			pending[consumer]--
			if pending[consumer] == 0 {
				q.Enqueue(consumer)
			}
		}
	}
	if len(p.order) != len(p.funcs) {
		var cycle []string
		for _, name := range declared {
			if pending[name] > 0 {
				cycle = append(cycle, name)
			}
		}
		return errors.Wrapf(ErrInvalidPipeline, "pipeline %q has a cycle among functions %s",
			p.Name, strings.Join(cycle, ", "))
	}
	return nil
}

// Clone returns a copy of the pipeline that can be modified (e.g. by Inline) without affecting p.
func (p *Pipeline) Clone() *Pipeline {
	c := *p
	c.funcs = make(map[string]*Function, len(p.funcs))
	for name, f := range p.funcs {
		c.funcs[name] = f.clone()
	}
	c.order = slices.Clone(p.order)
	c.outputs = slices.Clone(p.outputs)
	return &c
}

// Func returns the named function, or nil if it is not part of the pipeline.
func (p *Pipeline) Func(name string) *Function { return p.funcs[name] }

// MustFunc returns the named function, and panics if it doesn't exist.
func (p *Pipeline) MustFunc(name string) *Function {
	f, found := p.funcs[name]
	if !found {
		exceptions.Panicf("function %q not found in pipeline %q", name, p.Name)
	}
	return f
}

// Input returns the named input buffer, or nil.
func (p *Pipeline) Input(name string) *Input { return p.inputs[name] }

// Param returns the named parameter, or nil.
func (p *Pipeline) Param(name string) *Param { return p.params[name] }

// Env returns the functions of the pipeline by name. It must not be modified.
func (p *Pipeline) Env() map[string]*Function { return p.funcs }

// Order returns the function names in topological order, producers first. It must not be modified.
func (p *Pipeline) Order() []string { return p.order }

// OutputNames returns the names of the output functions.
func (p *Pipeline) OutputNames() []string { return p.outputs }

// Outputs returns the output functions.
func (p *Pipeline) Outputs() []*Function {
	outputs := make([]*Function, len(p.outputs))
	for ii, name := range p.outputs {
		outputs[ii] = p.funcs[name]
	}
	return outputs
}

// IsOutput returns whether the named function is an output of the pipeline.
func (p *Pipeline) IsOutput(name string) bool {
	return slices.Contains(p.outputs, name)
}

// Index returns the position of the function in the topological order computed when the pipeline
// was created. It is stable across inlining.
func (p *Pipeline) Index(name string) int {
	idx, found := p.index[name]
	if !found {
		return -1
	}
	return idx
}

// Stages returns all stages of all functions, in topological order.
func (p *Pipeline) Stages() []Stage {
	var stages []Stage
	for _, name := range p.order {
		stages = append(stages, p.funcs[name].Stages()...)
	}
	return stages
}
