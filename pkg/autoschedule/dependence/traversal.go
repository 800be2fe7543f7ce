// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dependence

import (
	"slices"

	"github.com/gomlx/autoschedule/internal/scoped"
	"github.com/gomlx/autoschedule/pkg/core/bounds"
	"github.com/gomlx/autoschedule/pkg/core/expr"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/gomlx/autoschedule/pkg/support/xslices"
	"github.com/gomlx/exceptions"
)

// traversal holds the state of one RegionsRequired query.
type traversal struct {
	a            *Analysis
	prods        sets.Set[string]
	onlyComputed bool

	// regions accumulated so far.
	regions bounds.Regions

	// queue of stages to visit, with the bounds of their loop variables.
	queue map[pipeline.Stage]bounds.DimBounds

	// visited bounds per stage: a stage is not queued again with the same bounds.
	visited map[pipeline.Stage][]bounds.DimBounds

	// estimates of the scalar parameters, substituted in all expressions.
	estimates map[string]expr.Expr
}

func (t *traversal) substitute(e expr.Expr) expr.Expr {
	if e == nil {
		return nil
	}
	return expr.Substitute(e, t.estimates)
}

func (t *traversal) substituteRegions(regions bounds.Regions) {
	for _, box := range regions {
		for ii := range box {
			box[ii] = bounds.Interval{Min: t.substitute(box[ii].Min), Max: t.substitute(box[ii].Max)}
		}
	}
}

// visit computes the regions required by stage s over stageBounds, merges them into the
// accumulated regions and queues the producers.
func (t *traversal) visit(s pipeline.Stage, stageBounds bounds.DimBounds, estimates *scoped.Scope[bounds.Interval]) {
	t.visited[s] = append(t.visited[s], stageBounds)
	p := t.a.p
	f := p.MustFunc(s.Func)
	scope := estimates.Push()

	switch def := f.StageDefinition(s.Index).(type) {
	case *pipeline.Opaque:
		// Extern definitions are not visible: functions and buffers passed whole are required
		// entirely.
		for _, arg := range def.Args {
			switch arg.Kind {
			case pipeline.ExternFuncArg:
				producer := p.MustFunc(arg.Name)
				t.mergeAndQueue(bounds.Regions{arg.Name: make(bounds.Box, producer.Dims())}, s.Func)
			case pipeline.ExternExprArg:
				argRegions := bounds.BoxesRequired(t.substitute(arg.Expr), scope)
				t.substituteRegions(argRegions)
				t.mergeAndQueue(argRegions, s.Func)
			case pipeline.ExternBufferArg:
				dims := p.Dims(arg.Name)
				if dims < 0 {
					exceptions.Panicf("extern %q of %s reads unknown buffer %q", def.Routine, s, arg.Name)
				}
				t.regions.Merge(bounds.Regions{arg.Name: make(bounds.Box, dims)})
			}
		}

	case *pipeline.Computed:
		for _, v := range p.StageDimVars(s) {
			interval, found := stageBounds[v]
			if !found {
				exceptions.Panicf("bounds of %s are missing loop variable %q: %s", s, v, stageBounds)
			}
			scope.Set(v, bounds.Interval{Min: t.substitute(interval.Min), Max: t.substitute(interval.Max)})
		}
		stored := def.Args
		if s.Index == 0 {
			stored = xslices.Map(f.Args, expr.Variable)
		}
		for _, value := range def.Values {
			currRegions := bounds.BoxesRequired(t.substitute(value), scope)
			t.substituteRegions(currRegions)

			// The coordinates stored to may read from other functions (e.g. histograms).
			stores := make(bounds.Box, len(stored))
			for ii, arg := range stored {
				argRegions := bounds.BoxesRequired(t.substitute(arg), scope)
				t.substituteRegions(argRegions)
				currRegions.Merge(argRegions)
				stores[ii] = bounds.Of(t.substitute(arg), scope)
			}
			currRegions.Merge(bounds.Regions{s.Func: stores})
			t.mergeAndQueue(currRegions, s.Func)
		}
	}
}

// mergeAndQueue merges currRegions, required by a stage of function consumer, into the
// accumulated regions, and queues the stages of the producers in t.prods.
func (t *traversal) mergeAndQueue(currRegions bounds.Regions, consumer string) {
	p := t.a.p
	for _, name := range xslices.SortedKeys(currRegions) {
		box := currRegions[name]
		producer := p.Func(name)
		if producer == nil && p.Input(name) == nil {
			exceptions.Panicf("%q, read by %q, is neither a function nor an input of pipeline %q", name, consumer, p.Name)
		}
		if !t.onlyComputed || name != consumer {
			if current, found := t.regions[name]; found {
				t.regions[name] = bounds.MergeBox(current, box)
			} else {
				t.regions[name] = box.Clone()
			}
		}
		if !t.prods.Has(name) || producer == nil || name == consumer {
			continue
		}
		t.queueFunc(producer, box)
	}
}

// queueFunc queues all stages of the producer function over region.
func (t *traversal) queueFunc(producer *pipeline.Function, region bounds.Box) {
	if len(region) != producer.Dims() {
		exceptions.Panicf("region %s of %q has %d axes, but the function has %d dimensions",
			region, producer.Name, len(region), producer.Dims())
	}
	pureBounds := make(bounds.DimBounds, len(region))
	for ii, arg := range producer.Args {
		pureBounds[arg] = region[ii]
	}
	for _, s := range producer.Stages() {
		stageBounds := t.a.p.StageBounds(s, pureBounds)
		if slices.ContainsFunc(t.visited[s], stageBounds.Equal) {
			continue
		}
		current, found := t.queue[s]
		if !found {
			t.queue[s] = stageBounds
			continue
		}
		for v, interval := range stageBounds {
			if existing, found := current[v]; found {
				current[v] = bounds.Union(existing, interval)
			} else {
				current[v] = interval
			}
		}
	}
}
