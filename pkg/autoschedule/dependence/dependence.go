// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dependence computes the regions of the producers of a pipeline that are required to
// compute a bounded region of one of its stages.
//
// Regions are propagated from consumers to producers, in reverse topological order, until no
// stage is left to visit. Queries are memoized: the partitioner asks the same question many times
// while evaluating candidate groupings.
package dependence

import (
	"github.com/gomlx/autoschedule/internal/scoped"
	"github.com/gomlx/autoschedule/pkg/core/bounds"
	"github.com/gomlx/autoschedule/pkg/core/expr"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Analysis answers region queries over a pipeline, caching the results.
//
// It is not safe for concurrent use.
type Analysis struct {
	p *pipeline.Pipeline

	cache        map[query][]cachedRegions
	hits, misses int
}

// query identifies a family of cached region queries: the bounds are compared separately.
type query struct {
	fn           string
	stage        int
	prods        string // sets.Key of the producers.
	onlyComputed bool
}

type cachedRegions struct {
	bounds  bounds.DimBounds
	regions bounds.Regions
}

// New creates an Analysis of p. The pipeline must not be modified while the Analysis is in use.
func New(p *pipeline.Pipeline) *Analysis {
	return &Analysis{p: p, cache: make(map[query][]cachedRegions)}
}

// Pipeline being analyzed.
func (a *Analysis) Pipeline() *pipeline.Pipeline { return a.p }

// ClearCache drops all memoized queries.
func (a *Analysis) ClearCache() {
	if len(a.cache) > 0 {
		klog.V(2).Infof("Clearing regions cache: %d queries, %d hits, %d misses", len(a.cache), a.hits, a.misses)
	}
	clear(a.cache)
}

// CachedQueries returns the number of region queries memoized.
func (a *Analysis) CachedQueries() int {
	n := 0
	for _, entries := range a.cache {
		n += len(entries)
	}
	return n
}

// CacheStats returns the number of cache hits and misses since the Analysis was created.
func (a *Analysis) CacheStats() (hits, misses int) { return a.hits, a.misses }

// RegionsRequired returns the regions of the producers required to compute the region of stage s
// given by stageBounds, the bounds of each of its loop variables.
//
// Only the producers in prods are traversed: the regions of other functions and buffers read
// directly by traversed stages are included, but their own producers are not. When onlyComputed
// is set, the region of a traversed function that is only read by itself (e.g. the pure region
// read by its update stages) is not included.
//
// estimates holds the bounds of the scalar parameters, see pipeline.Pipeline.InputEstimates.
//
// Bounds that can't be resolved to constants are replaced by the estimates of the function (or
// input buffer) dimension, when available.
//
// The returned Regions is owned by the caller.
func (a *Analysis) RegionsRequired(s pipeline.Stage, stageBounds bounds.DimBounds, prods sets.Set[string],
	onlyComputed bool, estimates *scoped.Scope[bounds.Interval]) bounds.Regions {
	q := query{fn: s.Func, stage: s.Index, prods: sets.Key(prods), onlyComputed: onlyComputed}
	for _, entry := range a.cache[q] {
		if entry.bounds.Equal(stageBounds) {
			a.hits++
			return entry.regions.Clone()
		}
	}
	a.misses++

	t := &traversal{
		a:            a,
		prods:        prods,
		onlyComputed: onlyComputed,
		regions:      make(bounds.Regions),
		queue:        map[pipeline.Stage]bounds.DimBounds{s: stageBounds.Clone()},
		visited:      make(map[pipeline.Stage][]bounds.DimBounds),
		estimates:    a.p.ParamEstimates(),
	}
	order := a.p.Order()
	for len(t.queue) > 0 {
		for ii := len(order) - 1; ii >= 0; ii-- {
			f := a.p.MustFunc(order[ii])
			for _, stage := range f.Stages() {
				if current, found := t.queue[stage]; found {
					t.visit(stage, current, estimates)
					delete(t.queue, stage)
				}
			}
		}
	}

	concrete := a.concretize(t.regions)
	a.cache[q] = append(a.cache[q], cachedRegions{bounds: stageBounds.Clone(), regions: concrete})
	return concrete.Clone()
}

// concretize simplifies the regions and replaces non-constant bounds by the estimates.
func (a *Analysis) concretize(regions bounds.Regions) bounds.Regions {
	concrete := make(bounds.Regions, len(regions))
	for name, box := range regions {
		box = box.Simplify()
		estimateBox := a.estimateBox(name)
		for ii := range box {
			if ii >= len(estimateBox) {
				break
			}
			est := estimateBox[ii]
			if _, ok := expr.AsConst(box[ii].Min); !ok && est.Min != nil {
				box[ii].Min = est.Min
			}
			if _, ok := expr.AsConst(box[ii].Max); !ok && est.Max != nil {
				box[ii].Max = est.Max
			}
		}
		concrete[name] = box
	}
	return concrete
}

// estimateBox returns the estimates of the named function or input buffer, or nil if not known.
func (a *Analysis) estimateBox(name string) bounds.Box {
	if a.p.Func(name) == nil && a.p.Input(name) == nil {
		return nil
	}
	return a.p.EstimateBox(name)
}

// RegionsRequiredPure returns the regions of the producers required to compute all stages of fn
// over the region given by the bounds of its pure variables.
func (a *Analysis) RegionsRequiredPure(fn string, pureBounds bounds.DimBounds, prods sets.Set[string],
	onlyComputed bool, estimates *scoped.Scope[bounds.Interval]) bounds.Regions {
	regions := make(bounds.Regions)
	for _, s := range a.p.MustFunc(fn).Stages() {
		regions.Merge(a.RegionsRequired(s, a.p.StageBounds(s, pureBounds), prods, onlyComputed, estimates))
	}
	return regions
}

// RedundantRegions returns the regions of the producers that are computed by both the region of
// stage s given by stageBounds and its neighbor region along the loop variable axis: the region
// shifted by its own extent along axis.
func (a *Analysis) RedundantRegions(s pipeline.Stage, axis string, stageBounds bounds.DimBounds, prods sets.Set[string],
	onlyComputed bool, estimates *scoped.Scope[bounds.Interval]) bounds.Regions {
	if _, found := stageBounds[axis]; !found {
		exceptions.Panicf("dependence.RedundantRegions(): stage %s has no bounds for axis %q: %s", s, axis, stageBounds)
	}
	regions := a.RegionsRequired(s, stageBounds, prods, onlyComputed, estimates)

	shifted := stageBounds.Clone()
	shifted[axis] = shiftInterval(stageBounds[axis])
	shiftedRegions := a.RegionsRequired(s, shifted, prods, onlyComputed, estimates)

	overlaps := make(bounds.Regions, len(regions))
	for name, box := range regions {
		shiftedBox, found := shiftedRegions[name]
		if !found {
			klog.V(3).Infof("%q required by %s but not by its neighbor along %q", name, s, axis)
			continue
		}
		if len(box) != len(shiftedBox) {
			exceptions.Panicf("dependence.RedundantRegions(): region of %q has %d axes, but %d when shifted along %q",
				name, len(box), len(shiftedBox), axis)
		}
		overlaps[name] = bounds.IntersectBox(box, shiftedBox).Simplify()
	}
	return overlaps
}

// shiftInterval moves i by its own length. An interval not bounded on both sides is unbounded
// once shifted.
func shiftInterval(i bounds.Interval) bounds.Interval {
	if !i.IsBounded() {
		return bounds.Everything()
	}
	length := expr.Add(expr.Sub(i.Max, i.Min), expr.Int(1))
	return bounds.Interval{Min: expr.Add(i.Min, length), Max: expr.Add(i.Max, length)}.Simplify()
}

// OverlapRegions returns, for each loop variable of stage s (in the order of
// pipeline.Pipeline.StageDims), the redundant regions along that axis.
func (a *Analysis) OverlapRegions(s pipeline.Stage, stageBounds bounds.DimBounds, prods sets.Set[string],
	onlyComputed bool, estimates *scoped.Scope[bounds.Interval]) []bounds.Regions {
	dims := a.p.StageDimVars(s)
	overlaps := make([]bounds.Regions, len(dims))
	for ii, v := range dims {
		overlaps[ii] = a.RedundantRegions(s, v, stageBounds, prods, onlyComputed, estimates)
	}
	return overlaps
}

// PipelineBounds returns the regions of every function and input buffer required to compute the
// outputs of the pipeline over their estimates.
//
// It panics if an output lacks an estimate: use pipeline.Pipeline.Validate before.
func (a *Analysis) PipelineBounds() bounds.Regions {
	prods := sets.Make[string]()
	for name := range a.p.Env() {
		prods.Insert(name)
	}
	estimates := a.p.InputEstimates()
	pipelineBounds := make(bounds.Regions)
	for _, out := range a.p.Outputs() {
		pureBounds := make(bounds.DimBounds, len(out.Args))
		outBox := make(bounds.Box, len(out.Args))
		for ii, arg := range out.Args {
			est, found := out.Estimate(arg)
			if !found {
				exceptions.Panicf("dependence.PipelineBounds(): no estimate for dimension %q of output %q", arg, out.Name)
			}
			outBox[ii] = bounds.Range(est.Min, est.Max())
			pureBounds[arg] = outBox[ii]
		}
		regions := a.RegionsRequiredPure(out.Name, pureBounds, prods, false, estimates)
		if _, found := regions[out.Name]; !found {
			regions[out.Name] = outBox
		}
		pipelineBounds.Merge(regions)
	}
	if klog.V(3).Enabled() {
		klog.Infof("Pipeline bounds of %q:\n%s", a.p.Name, pipelineBounds)
	}
	return pipelineBounds
}
