// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partitioner

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/autoschedule/pkg/autoschedule/schedule"
	"github.com/gomlx/autoschedule/pkg/core/bounds"
	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/gomlx/autoschedule/pkg/support/xslices"
	"k8s.io/klog/v2"
)

const (
	maxGPUBlockDims  = 3
	maxGPUThreadDims = 3

	// maxUnrollExtent is the largest loop fully unrolled.
	maxUnrollExtent = 4

	// Thresholds above (or below, for occupancy) which a group is folded.
	foldSharedMem     = 2 * 16384
	foldOccupancy     = 0.3
	foldActiveThreads = 900
)

// loopVar is a loop variable of a stage, possibly created by a split.
type loopVar struct {
	name   string
	isRVar bool
}

// placement is where a group member is computed: at loop level of function stage.
type placement struct {
	stage string
	level string
}

// GenerateSchedule pushes the scheduling directives of every group into sched.
func (pt *Partitioner) GenerateSchedule(sched *schedule.AutoSchedule) {
	inlines := sets.Make[string]()
	fold := sets.Make[pipeline.Stage]()
	for el := pt.groups.Front(); el != nil; el = el.Next() {
		g := el.Value
		inlines.Union(g.Inlined)
		if !pt.config.FoldedFusion {
			continue
		}
		nonInlined := 0
		for _, m := range g.Members {
			if !g.Inlined.Has(m.Func) {
				nonInlined++
			}
		}
		if nonInlined <= 1 {
			continue
		}
		analysis := pt.AnalyzeGroup(g, false)
		if analysis.SharedMem.GT(cost.Of(foldSharedMem)) || analysis.Occupancy.LT(cost.Of(foldOccupancy)) ||
			analysis.ActiveThreads.GT(cost.Of(foldActiveThreads)) {
			fold.Insert(el.Key)
		}
	}
	for _, name := range pt.p.Order() {
		if inlines.Has(name) {
			sched.PushSchedule(pipeline.Stage{Func: name}, "compute_inline()")
		}
	}
	for el := pt.groups.Front(); el != nil; el = el.Next() {
		pt.generateGroupSchedule(el.Value, sched, fold.Has(el.Key))
	}
}

// optimizeGranularity places each non-inlined member of g at the consumer (and loop level of
// the consumer) with which it has a non-zero reuse, preferring later consumers. Members with
// several consumers in the group are computed at the output.
func (pt *Partitioner) optimizeGranularity(g *Group, sched *schedule.AutoSchedule) map[pipeline.Stage]placement {
	placements := make(map[pipeline.Stage]placement)
	members := g.FuncNames()
	for _, st := range g.Members {
		if st.Func == g.Output.Func || g.Inlined.Has(st.Func) {
			continue
		}
		for _, cons := range g.Members {
			if cons.Func == st.Func {
				continue
			}
			perVar, found := pt.reusePerStage[cons][st.Func]
			if !found {
				continue
			}
			for _, v := range xslices.SortedKeys(perVar) {
				size := perVar[v]
				if !size.IsKnown() || size.EQ(cost.Of(0)) {
					continue
				}
				if current, placed := placements[st]; placed && sched.FuncIndex(cons.Func) < sched.FuncIndex(current.stage) {
					continue
				}
				placements[st] = placement{stage: cons.Func, level: v}
			}
		}
	}

	for _, st := range g.Members {
		if st.Func == g.Output.Func || g.Inlined.Has(st.Func) {
			continue
		}
		pl := placements[st]
		if g.Inlined.Has(pl.stage) {
			pl.stage = g.Output.Func
		}
		consumers, found := pt.initialChildren[st]
		if !found {
			pl.stage = g.Output.Func
		} else {
			count := 0
			for c := range consumers {
				if c.Func == st.Func {
					continue
				}
				if members.Has(c.Func) || g.Inlined.Has(c.Func) {
					count++
				}
			}
			switch {
			case count > 1:
				pl = placement{stage: g.Output.Func}
			case count == 1:
				pl.stage = g.Output.Func
			}
		}
		placements[st] = pl
		klog.V(2).Infof("Folded %s at %s, level %q", st, pl.stage, pl.level)
	}
	return placements
}

// groupLoopBounds returns the bounds of the loops of each member computed per tile of the output.
func (pt *Partitioner) groupLoopBounds(g *Group) map[pipeline.Stage]bounds.DimBounds {
	tileBounds := pt.boundsFromTileSizes(g.Output, g.TileSizes)
	regions := pt.deps.RegionsRequired(g.Output, tileBounds, g.FuncNames(), true, pt.estimates)
	result := make(map[pipeline.Stage]bounds.DimBounds)
	for _, m := range g.Members {
		if box, found := regions[m.Func]; found {
			result[m] = pt.boxBounds(m, box)
		}
	}
	return result
}

func loopVarNames(vars []loopVar) []string {
	return xslices.Map(vars, func(v loopVar) string { return v.name })
}

// pushGPUThreads maps up to 3 of the candidates among vars (innermost first) with known
// estimates to GPU threads. Reduction variables are kept sequential.
func pushGPUThreads(sched *schedule.AutoSchedule, s pipeline.Stage, vars []loopVar, candidates []string,
	estimates map[string]cost.Value) sets.Set[string] {
	threads := sets.Make[string]()
	for _, v := range vars {
		if len(threads) >= maxGPUThreadDims {
			break
		}
		if v.isRVar || !slices.Contains(candidates, v.name) || !estimates[v.name].IsKnown() {
			continue
		}
		sched.PushSchedule(s, fmt.Sprintf("gpu_threads(%s)", v.name), v.name)
		threads.Insert(v.name)
	}
	return threads
}

// unrollInner unrolls the loops of stage s inside its first GPU thread loop that are neither
// thread nor block candidates and have an extent of at most maxUnrollExtent. Pure loops are
// only unrolled if the output of the group has an estimate for them.
func (pt *Partitioner) unrollInner(sched *schedule.AutoSchedule, g *Group, s pipeline.Stage, vars []loopVar,
	gpuThreads sets.Set[string], excluded []string, estimates map[string]cost.Value) {
	outFunc := pt.p.MustFunc(g.Output.Func)
	for _, v := range vars {
		if gpuThreads.Has(v.name) {
			break
		}
		estimate, found := estimates[v.name]
		if !found || !estimate.IsKnown() || slices.Contains(excluded, v.name) {
			continue
		}
		if _, bounded := outFunc.Estimate(v.name); !v.isRVar && !bounded {
			continue
		}
		if estimate.LE(cost.Of(maxUnrollExtent)) {
			sched.PushSchedule(s, fmt.Sprintf("unroll(%s)", v.name), v.name)
		}
	}
}

func (pt *Partitioner) generateGroupSchedule(g *Group, sched *schedule.AutoSchedule, fold bool) {
	var placements map[pipeline.Stage]placement
	if fold {
		placements = pt.optimizeGranularity(g, sched)
	}
	out := g.Output
	if pt.p.MustFunc(out.Func).IsExtern() {
		sched.PushSchedule(out, "compute_root()")
		return
	}
	sched.PushSchedule(pipeline.Stage{Func: out.Func}, "compute_root()")

	estimates := pt.Extents(out)
	threadEsts := pt.DimsToTile(out)
	var outer, inner, innerNonThreads []loopVar
	var threadDims, threadDimsOut, blockDims []string
	dims := pt.p.StageDims(out)
	for _, d := range dims {
		v := loopVar{name: d.Var, isRVar: d.IsRVar}
		tile, tiled := g.TileSizes[d.Var]
		if !tiled || !estimates[d.Var].GT(cost.Of(tile)) {
			if len(threadEsts) <= 1 && !d.IsRVar {
				outer = append(outer, v)
				blockDims = append(blockDims, v.name)
			} else {
				innerNonThreads = append(innerNonThreads, v)
			}
			continue
		}
		if tile == 1 {
			outer = append(outer, v)
			if len(threadEsts) < 2 {
				blockDims = append(blockDims, v.name)
			}
			continue
		}

		innerVar := loopVar{name: d.Var + "_i", isRVar: d.IsRVar}
		outerVar := loopVar{name: d.Var + "_o", isRVar: d.IsRVar}
		sched.DeclareVar(innerVar.name, innerVar.isRVar)
		sched.DeclareVar(outerVar.name, outerVar.isRVar)
		tail := ")"
		if out.Index > 0 && !d.IsRVar {
			tail = ", TailStrategy::RoundUp)"
		}
		sched.PushSchedule(out, fmt.Sprintf("split(%s, %s, %s, %d%s", d.Var, outerVar.name, innerVar.name, tile, tail),
			d.Var, outerVar.name, innerVar.name)
		estimates[innerVar.name] = cost.Of(tile)
		estimates[outerVar.name] = estimates[d.Var].Div(cost.Of(tile)).Ceil()
		delete(estimates, d.Var)

		inner = append(inner, innerVar)
		if threadEsts.Has(d.Var) {
			threadDims = append(threadDims, d.Var)
			threadDimsOut = append(threadDimsOut, innerVar.name)
			blockDims = append(blockDims, outerVar.name)
		}
		outer = append(outer, outerVar)
	}

	ordering := xslices.Map(dims, func(d pipeline.StageDim) loopVar { return loopVar{name: d.Var, isRVar: d.IsRVar} })
	if len(outer) > 0 {
		reordered := slices.Concat(innerNonThreads, inner, outer)
		if !slices.Equal(loopVarNames(reordered), loopVarNames(ordering)) {
			names := loopVarNames(reordered)
			sched.PushSchedule(out, "reorder("+strings.Join(names, ", ")+")", names...)
		}
		ordering = reordered
	}

	gpuThreads := pushGPUThreads(sched, out, ordering, threadDimsOut, estimates)
	if len(gpuThreads) == 0 {
		sched.PushSchedule(out, "gpu_single_thread()")
	}
	pt.unrollInner(sched, g, out, ordering, gpuThreads, slices.Concat(threadDimsOut, blockDims), estimates)

	parallelism := cost.Of(1)
	seqVar := ""
	nBlocks := 0
	for ii := len(ordering) - 1; ii >= 0; ii-- {
		v := ordering[ii]
		if gpuThreads.Has(v.name) {
			break
		}
		if v.isRVar {
			if seqVar == "" {
				seqVar = v.name
			}
			continue
		}
		estimate := estimates[v.name]
		if !estimate.IsKnown() || !slices.Contains(blockDims, v.name) {
			continue
		}
		if seqVar != "" {
			sched.PushSchedule(out, fmt.Sprintf("reorder(%s, %s)", seqVar, v.name), seqVar, v.name)
		}
		if nBlocks < maxGPUBlockDims {
			sched.PushSchedule(out, fmt.Sprintf("gpu_blocks(%s)", v.name), v.name)
			nBlocks++
		}
		parallelism = parallelism.Mul(estimate)
	}
	if parallelism.LT(cost.Of(pt.config.Machine.Parallelism)) {
		klog.Warningf("Insufficient parallelism for %s", out)
	}

	var tileInnerVar string
	if len(outer) > 0 {
		tileInnerVar = ordering[len(ordering)-len(outer)].name
	}

	loopBounds := pt.groupLoopBounds(g)
	for _, m := range g.Members {
		if m.Func == out.Func {
			continue
		}
		memBounds, found := loopBounds[m]
		if !found {
			continue
		}

		computeAt, level := out.Func, tileInnerVar
		folded := false
		if pl, placed := placements[m]; placed {
			computeAt, level, folded = pt.foldedLevel(g, pl, out, ordering)
			if !folded {
				computeAt, level = out.Func, tileInnerVar
			}
		}
		if m.Index == 0 {
			if len(outer) > 0 {
				handle, lvl := schedule.SanitizedName(computeAt), schedule.SanitizedName(level)
				sched.PushSchedule(m, fmt.Sprintf("compute_at(%s, %s)", handle, lvl), handle, lvl)
			} else {
				klog.Warningf("Degenerate tiling, no dimensions are tiled: computing %q at root", m.Func)
				sched.PushSchedule(m, "compute_root()")
			}
		}
		if !folded {
			memEstimates := make(map[string]cost.Value, len(memBounds))
			for v, interval := range memBounds {
				memEstimates[v] = bounds.Extent(interval)
			}
			memVars := xslices.Map(pt.p.StageDims(m), func(d pipeline.StageDim) loopVar {
				return loopVar{name: d.Var, isRVar: d.IsRVar}
			})
			memThreads := pushGPUThreads(sched, m, memVars, threadDims, memEstimates)
			pt.unrollInner(sched, g, m, memVars, memThreads, slices.Concat(threadDims, blockDims), memEstimates)
		}
	}

	if out.Index > 0 && len(g.TileSizes) == 0 {
		sched.PushSchedule(pipeline.Stage{Func: out.Func, Index: out.Index - 1}, "gpu_single_thread()")
	}
}

// foldedLevel resolves the placement of a folded member to the function and loop variable it is
// computed at: the loop right inside the placement level. It returns false if the placement
// can't be resolved.
func (pt *Partitioner) foldedLevel(g *Group, pl placement, out pipeline.Stage, outOrdering []loopVar) (string, string, bool) {
	for _, memb := range g.Members {
		if memb.Func != pl.stage || !pt.isFinalStage(memb) {
			continue
		}
		vars := outOrdering
		if memb != out {
			vars = xslices.Map(pt.p.StageDims(memb), func(d pipeline.StageDim) loopVar {
				return loopVar{name: d.Var, isRVar: d.IsRVar}
			})
		}
		for ii, v := range vars {
			if v.name != pl.level {
				continue
			}
			if ii+1 < len(vars) {
				return memb.Func, vars[ii+1].name, true
			}
			return memb.Func, v.name, true
		}
	}
	return "", "", false
}
