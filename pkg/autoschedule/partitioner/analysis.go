// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partitioner

import (
	"math"

	"github.com/gomlx/autoschedule/pkg/autoschedule/regioncosts"
	"github.com/gomlx/autoschedule/pkg/core/bounds"
	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/gomlx/autoschedule/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

const (
	// minOccupancy of any member of a valid grouping.
	minOccupancy = 0.1

	// minRegsPerThread available to any member of a valid grouping.
	minRegsPerThread = 64

	sharedMemLoadScale = 48 * 1024
	globalLoadScale    = 64 * 1024
)

// loadCost of loading load bytes from a memory level with the given cost factor, given the
// footprint of the data in that level: loads get more expensive with the footprint, up to the
// factor.
func loadCost(load, footprint cost.Value, factor, scale float64) cost.Value {
	slope := cost.Of(factor / scale)
	return load.Mul(cost.Of(1).Add(footprint.Mul(slope)).Min(cost.Of(factor)))
}

// pureStageBounds returns the bounds of the loop variables of stage s computing the region box
// of its function.
func (pt *Partitioner) pureStageBounds(s pipeline.Stage, box bounds.Box) bounds.DimBounds {
	f := pt.p.MustFunc(s.Func)
	if len(box) != f.Dims() {
		exceptions.Panicf("region %s of %q has %d axes, but the function has %d dimensions",
			box, s.Func, len(box), f.Dims())
	}
	pure := make(bounds.DimBounds, len(box))
	for ii, arg := range f.Args {
		pure[arg] = box[ii]
	}
	return pt.p.StageBounds(s, pure)
}

// soloBounds returns the bounds of each stage computed by one tile of the output of g.
func (pt *Partitioner) soloBounds(g *Group) map[pipeline.Stage]bounds.DimBounds {
	tileBounds := pt.boundsFromTileSizes(g.Output, g.TileSizes)
	regions := pt.deps.RegionsRequired(g.Output, tileBounds, g.FuncNames(), false, pt.estimates)
	result := make(map[pipeline.Stage]bounds.DimBounds)
	for _, s := range pt.allStages {
		if box, found := regions[s.Func]; found {
			result[s] = pt.boxBounds(s, box)
		}
	}
	return result
}

// threadCounter accumulates the threads used along the thread variables of a group.
type threadCounter struct {
	pt         *Partitioner
	threadDims sets.Set[string]

	// maxThreads per thread variable, over all members.
	maxThreads map[string]cost.Value
}

// count returns the threads spawned by stage s computing tileBounds: along each thread variable,
// the tile extent if the variable spans at least 2 tiles, or its full extent otherwise.
func (tc *threadCounter) count(s pipeline.Stage, tileBounds bounds.DimBounds) cost.Value {
	stageBounds := tc.pt.Bounds(s)
	threads := cost.Of(1)
	for _, v := range xslices.SortedKeys(tileBounds) {
		if !tc.threadDims.Has(v) {
			continue
		}
		extent := bounds.Extent(stageBounds[v])
		if !extent.GT(cost.Of(0)) {
			continue
		}
		tileExtent := bounds.Extent(tileBounds[v])
		used := extent
		if extent.Div(tileExtent).Floor().GE(cost.Of(2)) {
			used = tileExtent
		}
		if current, found := tc.maxThreads[v]; found {
			tc.maxThreads[v] = current.Max(used)
		} else {
			tc.maxThreads[v] = used
		}
		threads = threads.Mul(used)
	}
	return threads
}

// AnalyzeGroup estimates the cost of computing group g with its tile sizes.
//
// Loads are weighted by the memory level they come from: shared memory for the members of the
// group, global memory for the input buffers and L2 for everything else. With toInline the group
// is costed without the GPU occupancy model, and the thread counts are all 1.
//
// The returned analysis is undefined if the costs can't be estimated or if some member would
// leave the GPU underused (low occupancy or register starvation).
func (pt *Partitioner) AnalyzeGroup(g *Group, toInline bool) GroupAnalysis {
	p := pt.p
	members := g.FuncNames()
	threadDims := pt.DimsToTile(g.Output)
	stageBounds := pt.Bounds(g.Output)
	isExtern := p.MustFunc(g.Output.Func).IsExtern()

	estimateTiles, estimateBlocks := cost.Of(1), cost.Of(1)
	colTile := cost.Unknown
	colVar := ""
	dims := p.StageDims(g.Output)
	for _, d := range dims {
		if !d.IsRVar {
			colVar = d.Var
			break
		}
	}
	for _, d := range dims {
		if size, tiled := g.TileSizes[d.Var]; tiled && !isExtern {
			extent := bounds.Extent(stageBounds[d.Var])
			if !extent.IsKnown() {
				return GroupAnalysis{}
			}
			dimTiles := extent.Div(cost.Of(size)).Ceil()
			if threadDims.Has(d.Var) {
				estimateBlocks = estimateBlocks.Mul(dimTiles)
			}
			estimateTiles = estimateTiles.Mul(dimTiles)
			if d.Var == colVar {
				colTile = cost.Of(size)
			}
		}
		if d.Var == colVar && !colTile.IsKnown() {
			colTile = bounds.Extent(stageBounds[d.Var])
		}
	}

	tileBounds := pt.boundsFromTileSizes(g.Output, g.TileSizes)
	allocRegions := pt.deps.RegionsRequired(g.Output, tileBounds, members, false, pt.estimates)
	computeRegions := pt.deps.RegionsRequired(g.Output, tileBounds, members, true, pt.estimates)
	groupRegions := make(bounds.Regions)
	for name, box := range computeRegions {
		if members.Has(name) && name != g.Output.Func {
			groupRegions[name] = box
		}
	}

	tileCost := pt.costs.RegionCost(groupRegions, g.Inlined)
	if !tileCost.IsKnown() {
		return GroupAnalysis{}
	}
	solo := pt.soloBounds(g)
	colDims := make(map[string]cost.Value)
	for _, s := range pt.allStages {
		sb, found := solo[s]
		if !found {
			continue
		}
		if _, done := colDims[s.Func]; done {
			continue
		}
		if pure := p.PureDims(s); len(pure) > 0 {
			colDims[s.Func] = bounds.Extent(sb[pure[0]])
		}
	}
	outCost := pt.costs.StageRegionCost(g.Output, tileBounds, g.Inlined)
	if !outCost.IsKnown() {
		return GroupAnalysis{}
	}
	groupCost := tileCost.Add(outCost)

	loads := pt.costs.DetailedLoadCosts(groupRegions, g.Inlined)
	regioncosts.CombineLoadCosts(loads, pt.costs.StageDetailedLoadCosts(g.Output, tileBounds, g.Inlined))
	outFunc := p.MustFunc(g.Output.Func)
	outTileExtent := make(bounds.Box, len(outFunc.Args))
	for ii, arg := range outFunc.Args {
		outTileExtent[ii] = tileBounds[arg]
	}

	sharedCost, l2Cost, globalCost := pt.config.SharedMemCost, pt.config.L2Cost, pt.config.GlobalCost
	sharedMem := cost.Of(0)
	partial := cost.Of(0)
	for _, name := range xslices.SortedKeys(loads) {
		load := loads[name]
		if g.Inlined.Has(name) {
			exceptions.Panicf("partitioner: loads of %q inlined in group %s should have been accounted in its callers",
				name, g.Output)
		}
		maxTile := cost.Of(tileCacheLineBytes / max(pt.costs.ValueSize(name), 1))
		allocBox, found := allocRegions[name]
		if !found {
			exceptions.Panicf("partitioner: %q is loaded by group %s but has no allocated region", name, g.Output)
		}
		isOutput := name == g.Output.Func

		if members.Has(name) && !isOutput {
			footprint := pt.costs.RegionSize(name, allocBox)
			sharedMem = sharedMem.Add(footprint)
			partial = partial.Add(loadCost(load, footprint, sharedCost, sharedMemLoadScale))
			continue
		}

		var footprint cost.Value
		switch {
		case p.Func(name) == nil:
			initial := pt.costs.InputRegionSize(name, pt.pipelineBounds[name])
			footprint = pt.costs.InputRegionSize(name, allocBox)
			if toInline {
				partial = partial.Add(loadCost(load, initial, globalCost, globalLoadScale))
			} else {
				colDim := colTile.Min(maxTile)
				partial = partial.Add(loadCost(footprint, initial, globalCost, globalLoadScale).Div(colDim))
				partial = partial.Add(loadCost(load, footprint, globalCost, globalLoadScale).Div(colDim))
			}

		case isOutput:
			initial := pt.costs.RegionSize(name, pt.pipelineBounds[name])
			footprint = pt.costs.RegionSize(name, outTileExtent)
			switch {
			case toInline:
				partial = partial.Add(loadCost(load, initial, l2Cost, globalLoadScale))
			case g.Output.Index > 0:
				partial = partial.Add(loadCost(footprint, initial, l2Cost, globalLoadScale))
				partial = partial.Add(loadCost(load, footprint, l2Cost, globalLoadScale))
			default:
				colDim := colTile.Min(maxTile)
				partial = partial.Add(loadCost(footprint, initial, l2Cost, globalLoadScale).Div(colDim))
				partial = partial.Add(loadCost(load, footprint, l2Cost, globalLoadScale).Div(colDim))
			}

		default:
			initial := pt.costs.RegionSize(name, pt.pipelineBounds[name])
			footprint = pt.costs.RegionSize(name, allocBox)
			if toInline {
				partial = partial.Add(loadCost(load, initial, l2Cost, globalLoadScale))
			} else {
				colDim := colTile
				if d, found := colDims[name]; found {
					colDim = d
				}
				colDim = colDim.Min(colTile).Min(maxTile)
				partial = partial.Add(loadCost(footprint, initial, l2Cost, globalLoadScale).Div(colDim))
				partial = partial.Add(loadCost(load, footprint, l2Cost, globalLoadScale).Div(colDim))
			}
		}
		if !footprint.IsKnown() {
			return GroupAnalysis{}
		}
	}

	analysis := GroupAnalysis{
		Cost:      cost.Cost{Arith: groupCost.Arith.Mul(estimateTiles), Memory: partial.Mul(estimateTiles)},
		SharedMem: sharedMem,
	}
	if toInline {
		one := cost.Of(1)
		analysis.ThreadsOut, analysis.NThreads, analysis.Occupancy = one, one, one
		analysis.ActiveThreads, analysis.Parallelism, analysis.NBlocks = one, one, one
		return analysis
	}

	tc := &threadCounter{pt: pt, threadDims: threadDims, maxThreads: make(map[string]cost.Value)}
	memberThreads := map[pipeline.Stage]cost.Value{g.Output: tc.count(g.Output, tileBounds)}
	for _, s := range pt.allStages {
		sb, found := solo[s]
		if !found || s == g.Output || !members.Has(s.Func) || g.Inlined.Has(s.Func) {
			continue
		}
		memberThreads[s] = tc.count(s, sb)
	}
	nThreads := cost.Of(1)
	for _, v := range xslices.SortedKeys(tc.maxThreads) {
		nThreads = nThreads.Mul(tc.maxThreads[v])
	}

	inf := cost.Of(math.Inf(1))
	minThreads, occupancy, activeThreads, parallelism := inf, inf, inf, inf
	arith := cost.Of(0)
	for _, m := range g.Members {
		if g.Inlined.Has(m.Func) {
			continue
		}
		stageCost := outCost
		if m != g.Output {
			box, found := computeRegions[m.Func]
			if !found {
				box = allocRegions[m.Func]
			}
			if box == nil {
				klog.V(2).Infof("Member %s of group %s computes no region", m, g.Output)
				return GroupAnalysis{}
			}
			stageCost = pt.costs.StageRegionCost(m, pt.pureStageBounds(m, box), g.Inlined)
		}
		threads, found := memberThreads[m]
		if !found {
			return GroupAnalysis{}
		}
		occ := EstimateOccupancy(pt.config.GPU, threads, sharedMem, estimateBlocks)
		if !occ.Occupancy.IsKnown() || occ.Occupancy.LT(cost.Of(minOccupancy)) ||
			occ.NumRegs.LT(cost.Of(minRegsPerThread)) {
			return GroupAnalysis{}
		}
		arith = arith.Add(stageCost.Arith.Div(occ.Occupancy.Mul(occ.ActiveThreads)))
		minThreads = minThreads.Min(threads)
		occupancy = occupancy.Min(occ.Occupancy)
		activeThreads = activeThreads.Min(occ.ActiveThreads)
		parallelism = parallelism.Min(occ.ActiveSMs)
	}

	analysis.Cost.Arith = arith.Mul(estimateTiles)
	analysis.ThreadsOut = minThreads
	analysis.NThreads = nThreads
	analysis.Occupancy = occupancy
	analysis.ActiveThreads = activeThreads
	analysis.Parallelism = parallelism
	analysis.NBlocks = estimateBlocks
	return analysis
}
