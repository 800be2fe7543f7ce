// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package regioncosts estimates the arithmetic and memory cost of computing regions of the
// functions of a pipeline, as well as the bytes loaded from each producer and the size of
// the allocations.
//
// All results are cost.Value: a region whose size can't be determined has an Unknown cost.
package regioncosts

import (
	"strings"

	"github.com/gomlx/autoschedule/pkg/core/bounds"
	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/expr"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// RegionCosts is the cost model used by the partitioner.
//
// The inlines set lists the functions whose definitions are inlined into their callers: their
// cost is accounted in the callers, and they are skipped when listed in regions.
type RegionCosts interface {
	// RegionCost of computing all the given regions.
	RegionCost(regions bounds.Regions, inlines sets.Set[string]) cost.Cost

	// FuncRegionCost of computing all stages of fn over the region of its pure dimensions.
	FuncRegionCost(fn string, region bounds.Box, inlines sets.Set[string]) cost.Cost

	// StageRegionCost of computing a stage over the given bounds of its loop variables.
	StageRegionCost(s pipeline.Stage, stageBounds bounds.DimBounds, inlines sets.Set[string]) cost.Cost

	// DetailedLoadCosts returns the bytes loaded from each function or buffer (including the
	// stores to the functions themselves) to compute the regions.
	DetailedLoadCosts(regions bounds.Regions, inlines sets.Set[string]) map[string]cost.Value

	// StageDetailedLoadCosts is like DetailedLoadCosts for one stage over the given bounds.
	StageDetailedLoadCosts(s pipeline.Stage, stageBounds bounds.DimBounds, inlines sets.Set[string]) map[string]cost.Value

	// RegionSize in bytes of the region of a function.
	RegionSize(fn string, region bounds.Box) cost.Value

	// RegionFootprint is the peak size in bytes of the allocations needed to compute the
	// regions in order, releasing each allocation once its consumers are computed.
	RegionFootprint(regions bounds.Regions, inlined sets.Set[string]) cost.Value

	// InputRegionSize in bytes of the region of an input buffer.
	InputRegionSize(input string, region bounds.Box) cost.Value

	// InputRegionsSize is the total size of the regions of the input buffers.
	InputRegionsSize(regions bounds.Regions) cost.Value

	// ValueSize returns the bytes of one point of a function or input buffer.
	ValueSize(name string) int64
}

// Analytic implements RegionCosts by counting the operations of the function definitions.
type Analytic struct {
	p *pipeline.Pipeline

	// costs per stage of each function, per set of inlined functions.
	funcCosts map[string][]cost.Cost
	// loads per stage of each function, per set of inlined functions.
	funcLoads map[string][]map[string]int64
}

var _ RegionCosts = (*Analytic)(nil)

// New creates the analytic cost model of the functions of p.
func New(p *pipeline.Pipeline) *Analytic {
	a := &Analytic{
		p:         p,
		funcCosts: make(map[string][]cost.Cost),
		funcLoads: make(map[string][]map[string]int64),
	}
	if klog.V(3).Enabled() {
		for _, name := range p.Order() {
			for ii, c := range a.FuncCost(name, nil) {
				klog.Infof("Cost per point of %s: %s", pipeline.Stage{Func: name, Index: ii}, c)
			}
		}
	}
	return a
}

// Pipeline returns the pipeline being modeled.
func (a *Analytic) Pipeline() *pipeline.Pipeline { return a.p }

func cacheKey(fn string, inlines sets.Set[string]) string {
	return fn + "\x01" + sets.Key(inlines)
}

// FuncCost returns the cost of computing one point of each stage of fn, with the inlines
// functions inlined. The cost of extern functions is Unknown.
func (a *Analytic) FuncCost(fn string, inlines sets.Set[string]) []cost.Cost {
	key := cacheKey(fn, inlines)
	if costs, found := a.funcCosts[key]; found {
		return costs
	}
	f := a.p.MustFunc(fn)
	if f.IsExtern() {
		costs := []cost.Cost{cost.UnknownCost}
		a.funcCosts[key] = costs
		a.funcLoads[key] = []map[string]int64{nil}
		return costs
	}
	costs := make([]cost.Cost, f.NumStages())
	loads := make([]map[string]int64, f.NumStages())
	for stage := range costs {
		def := f.StageDefinition(stage).(*pipeline.Computed)
		counter := newExprCost(a.p)
		for ii, e := range def.Values {
			counter.add(expr.Simplify(a.p.InlineAll(e, inlines)))
			// Store.
			bytes := int64(f.DTypes[ii].Size())
			counter.arith++
			counter.memory += bytes
			counter.loads[fn] += bytes
		}
		loadsOfValues := make(map[string]int64, len(counter.loads))
		for name, bytes := range counter.loads {
			loadsOfValues[name] = bytes
		}
		for _, e := range def.Args {
			counter.add(expr.Simplify(a.p.InlineAll(e, inlines)))
		}
		costs[stage] = counter.cost()
		loads[stage] = loadsOfValues
	}
	a.funcCosts[key] = costs
	a.funcLoads[key] = loads
	return costs
}

// funcLoadsPerPoint returns the bytes loaded per point of each stage of fn.
func (a *Analytic) funcLoadsPerPoint(fn string, inlines sets.Set[string]) []map[string]int64 {
	a.FuncCost(fn, inlines)
	return a.funcLoads[cacheKey(fn, inlines)]
}

// stageRegion returns the box spanned by the loop variables of the stage.
func (a *Analytic) stageRegion(s pipeline.Stage, stageBounds bounds.DimBounds) bounds.Box {
	dims := a.p.StageDimVars(s)
	region := make(bounds.Box, len(dims))
	for ii, v := range dims {
		interval, found := stageBounds[v]
		if !found {
			exceptions.Panicf("bounds of variable %q of stage %s not given: %s", v, s, stageBounds)
		}
		region[ii] = interval
	}
	return region
}

// pureBounds maps the pure variables of fn to the axes of region.
func (a *Analytic) pureBounds(fn string, region bounds.Box) bounds.DimBounds {
	f := a.p.MustFunc(fn)
	if len(region) != f.Dims() {
		exceptions.Panicf("region %s of %q has %d axes, but the function has %d dimensions",
			region, fn, len(region), f.Dims())
	}
	pure := make(bounds.DimBounds, len(region))
	for ii, arg := range f.Args {
		pure[arg] = region[ii]
	}
	return pure
}

// StageRegionCost implements RegionCosts.
func (a *Analytic) StageRegionCost(s pipeline.Stage, stageBounds bounds.DimBounds, inlines sets.Set[string]) cost.Cost {
	size := bounds.Size(a.stageRegion(s, stageBounds))
	if !size.IsKnown() {
		return cost.UnknownCost
	}
	return a.FuncCost(s.Func, inlines)[s.Index].Scale(size)
}

// FuncRegionCost implements RegionCosts.
func (a *Analytic) FuncRegionCost(fn string, region bounds.Box, inlines sets.Set[string]) cost.Cost {
	f := a.p.MustFunc(fn)
	pure := a.pureBounds(fn, region)
	total := cost.Zero
	for _, s := range f.Stages() {
		stageCost := a.StageRegionCost(s, a.p.StageBounds(s, pure), inlines)
		if !stageCost.IsKnown() {
			return cost.UnknownCost
		}
		total = total.Add(stageCost)
	}
	return total
}

// RegionCost implements RegionCosts.
func (a *Analytic) RegionCost(regions bounds.Regions, inlines sets.Set[string]) cost.Cost {
	total := cost.Zero
	for name, region := range regions {
		if inlines.Has(name) || a.p.Func(name) == nil {
			continue
		}
		c := a.FuncRegionCost(name, region, inlines)
		if !c.IsKnown() {
			return cost.UnknownCost
		}
		total = total.Add(c)
	}
	return total
}

// scaleLoads multiplies bytes per point by size: every entry is Unknown if size is.
func scaleLoads(loads map[string]int64, size cost.Value) map[string]cost.Value {
	scaled := make(map[string]cost.Value, len(loads))
	for name, bytes := range loads {
		scaled[name] = cost.Of(bytes).Mul(size)
	}
	return scaled
}

// CombineLoadCosts adds the partial load costs into result. Unknown values are sticky.
func CombineLoadCosts(result, partial map[string]cost.Value) {
	for name, value := range partial {
		if current, found := result[name]; found {
			result[name] = current.Add(value)
		} else {
			result[name] = value
		}
	}
}

// StageDetailedLoadCosts implements RegionCosts.
func (a *Analytic) StageDetailedLoadCosts(s pipeline.Stage, stageBounds bounds.DimBounds, inlines sets.Set[string]) map[string]cost.Value {
	size := bounds.Size(a.stageRegion(s, stageBounds))
	return scaleLoads(a.funcLoadsPerPoint(s.Func, inlines)[s.Index], size)
}

// DetailedLoadCosts implements RegionCosts.
func (a *Analytic) DetailedLoadCosts(regions bounds.Regions, inlines sets.Set[string]) map[string]cost.Value {
	result := make(map[string]cost.Value)
	for name, region := range regions {
		if inlines.Has(name) || a.p.Func(name) == nil {
			continue
		}
		f := a.p.MustFunc(name)
		pure := a.pureBounds(name, region)
		for _, s := range f.Stages() {
			CombineLoadCosts(result, a.StageDetailedLoadCosts(s, a.p.StageBounds(s, pure), inlines))
		}
	}
	return result
}

// RegionSize implements RegionCosts.
func (a *Analytic) RegionSize(fn string, region bounds.Box) cost.Value {
	return bounds.Size(region).Mul(cost.Of(a.p.ValueSize(fn)))
}

// InputRegionSize implements RegionCosts.
func (a *Analytic) InputRegionSize(input string, region bounds.Box) cost.Value {
	if a.p.Input(input) == nil {
		exceptions.Panicf("%q is not an input buffer of pipeline %q", input, a.p.Name)
	}
	return bounds.Size(region).Mul(cost.Of(a.p.ValueSize(input)))
}

// InputRegionsSize implements RegionCosts.
func (a *Analytic) InputRegionsSize(regions bounds.Regions) cost.Value {
	total := cost.Of(0)
	for name, region := range regions {
		total = total.Add(a.InputRegionSize(name, region))
	}
	return total
}

// RegionFootprint implements RegionCosts.
func (a *Analytic) RegionFootprint(regions bounds.Regions, inlined sets.Set[string]) cost.Value {
	consumers := make(map[string]int, len(regions))
	sizes := make(map[string]cost.Value, len(regions))
	for name, region := range regions {
		if a.p.Func(name) == nil {
			continue
		}
		consumers[name] = 0
		if inlined.Has(name) {
			sizes[name] = cost.Of(0)
		} else {
			sizes[name] = a.RegionSize(name, region)
		}
		if !sizes[name].IsKnown() {
			return cost.Unknown
		}
	}
	for name := range consumers {
		for producer := range a.p.MustFunc(name).Callees() {
			if _, found := consumers[producer]; found {
				consumers[producer]++
			}
		}
	}

	workingSet, current := cost.Of(0), cost.Of(0)
	for _, name := range a.p.Order() {
		if _, found := consumers[name]; !found {
			continue
		}
		current = current.Add(sizes[name])
		workingSet = workingSet.Max(current)
		for producer := range a.p.MustFunc(name).Callees() {
			if count, found := consumers[producer]; found {
				consumers[producer] = count - 1
				if count == 1 {
					current = current.Sub(sizes[producer])
				}
			}
		}
	}
	return workingSet
}

// ValueSize implements RegionCosts.
func (a *Analytic) ValueSize(name string) int64 { return a.p.ValueSize(name) }

// String lists the per point cost of every stage.
func (a *Analytic) String() string {
	var sb strings.Builder
	for _, name := range a.p.Order() {
		for ii, c := range a.FuncCost(name, nil) {
			sb.WriteString(pipeline.Stage{Func: name, Index: ii}.String())
			sb.WriteString(": ")
			sb.WriteString(c.String())
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
