// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partitioner

import (
	"math"

	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/exceptions"
)

// minThreadsOut is the minimum number of threads per block of a valid GPU grouping.
const minThreadsOut = 16

// estimateBenefit of replacing the old grouping by the new one, as the reduction of arithmetic
// and memory costs. It is unknown if any of the costs is unknown, or if noRedundantWork is set
// and the new grouping performs more arithmetic.
func estimateBenefit(old, new GroupAnalysis, noRedundantWork bool) cost.Value {
	if !old.Cost.IsKnown() || !new.Cost.IsKnown() {
		return cost.Unknown
	}
	arithBenefit := old.Cost.Arith.Sub(new.Cost.Arith)
	if noRedundantWork && !arithBenefit.GE(cost.Of(0)) {
		return cost.Unknown
	}
	memBenefit := old.Cost.Memory.Sub(new.Cost.Memory)
	return memBenefit.Add(arithBenefit)
}

// estimateTileBenefit of replacing the old grouping (or tiling) by the new one.
//
// The new grouping must fit the GPU: it is unknown if it exceeds the shared memory or threads
// per block, or if it leaves streaming multiprocessors or threads idle (when ensureParallelism is
// set). With finalTiles the number of threads must be a multiple of the warp size, and memory
// costs are weighted by the inverse of the concurrency of the kernels.
func (pt *Partitioner) estimateTileBenefit(old, new GroupAnalysis, finalTiles, ensureParallelism bool) cost.Value {
	if ensureParallelism {
		if !new.Parallelism.GE(cost.Of(pt.config.Machine.Parallelism)) {
			return cost.Unknown
		}
		if !new.ThreadsOut.GE(cost.Of(minThreadsOut)) {
			return cost.Unknown
		}
	}
	if !old.Cost.IsKnown() || !new.Cost.IsKnown() {
		return cost.Unknown
	}
	if new.SharedMem.GT(cost.Of(pt.config.GPU.LimitSharedMemPerBlock)) {
		return cost.Unknown
	}
	if new.NThreads.GT(cost.Of(pt.config.GPU.LimitThreadsPerBlock)) {
		return cost.Unknown
	}
	if finalTiles {
		if nThreads, ok := new.NThreads.Get(); ok && math.Mod(nThreads, pt.config.GPU.LimitThreadsPerWarp) != 0 {
			return cost.Unknown
		}
	}

	arithBenefit := old.Cost.Arith.Sub(new.Cost.Arith)
	if finalTiles {
		oldMem := old.Cost.Memory.Div(old.ActiveThreads.Mul(old.Occupancy))
		newMem := new.Cost.Memory.Div(new.ActiveThreads.Mul(new.Occupancy))
		return oldMem.Sub(newMem).Add(arithBenefit)
	}
	return old.Cost.Memory.Sub(new.Cost.Memory).Add(arithBenefit)
}

// aggregateBenefit of committing all the evaluated choices of one candidate producer, compared
// to keeping the groups they merge.
func (pt *Partitioner) aggregateBenefit(choices []groupingChoice, configs []groupConfig, level Level) cost.Value {
	inf := cost.Of(math.Inf(1))
	newAnalysis := GroupAnalysis{
		Cost:          cost.Zero,
		Parallelism:   inf,
		ThreadsOut:    inf,
		NThreads:      cost.Of(1),
		ActiveThreads: inf,
		Occupancy:     cost.Of(1),
		SharedMem:     cost.Of(0),
	}
	for _, config := range configs {
		analysis := config.analysis
		if !analysis.IsDefined() {
			newAnalysis.Cost = cost.UnknownCost
			newAnalysis.Parallelism = cost.Unknown
			break
		}
		newAnalysis.Cost = newAnalysis.Cost.Add(analysis.Cost)
		newAnalysis.SharedMem = newAnalysis.SharedMem.Add(analysis.SharedMem)
		newAnalysis.ThreadsOut = newAnalysis.ThreadsOut.Min(analysis.ThreadsOut)
		newAnalysis.ActiveThreads = newAnalysis.ActiveThreads.Min(analysis.ActiveThreads)
		newAnalysis.NThreads = newAnalysis.NThreads.Max(analysis.NThreads)
		newAnalysis.Parallelism = newAnalysis.Parallelism.Min(analysis.Parallelism)
		newAnalysis.Occupancy = newAnalysis.Occupancy.Min(analysis.Occupancy)
	}

	var oldStages []pipeline.Stage
	seen := make(map[pipeline.Stage]bool)
	for _, choice := range choices {
		for _, s := range pt.p.MustFunc(choice.prod).Stages() {
			if !seen[s] {
				seen[s] = true
				oldStages = append(oldStages, s)
			}
		}
		if !seen[choice.cons] {
			seen[choice.cons] = true
			oldStages = append(oldStages, choice.cons)
		}
	}
	oldAnalysis := GroupAnalysis{
		Cost:          cost.Zero,
		Parallelism:   inf,
		ThreadsOut:    inf,
		NThreads:      cost.Of(0),
		ActiveThreads: inf,
		Occupancy:     cost.Of(1),
		SharedMem:     cost.Of(0),
	}
	for _, s := range oldStages {
		analysis, found := pt.groupCosts[s]
		if !found {
			exceptions.Panicf("partitioner: group %s was not analyzed", s)
		}
		if !analysis.IsDefined() {
			oldAnalysis.Cost = cost.UnknownCost
			oldAnalysis.Parallelism = cost.Unknown
			break
		}
		oldAnalysis.Cost = oldAnalysis.Cost.Add(analysis.Cost)
		oldAnalysis.SharedMem = oldAnalysis.SharedMem.Add(analysis.SharedMem)
		oldAnalysis.Parallelism = oldAnalysis.Parallelism.Min(analysis.Parallelism)
		oldAnalysis.ThreadsOut = oldAnalysis.ThreadsOut.Min(analysis.ThreadsOut)
		oldAnalysis.ActiveThreads = oldAnalysis.ActiveThreads.Min(analysis.ActiveThreads)
		oldAnalysis.Occupancy = oldAnalysis.Occupancy.Min(analysis.Occupancy)
		oldAnalysis.NThreads = oldAnalysis.NThreads.Max(analysis.NThreads)
	}

	if level == Inline {
		return estimateBenefit(oldAnalysis, newAnalysis, false)
	}
	return pt.estimateTileBenefit(oldAnalysis, newAnalysis, false, true)
}
