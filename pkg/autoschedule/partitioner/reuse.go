// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partitioner

import (
	"github.com/gomlx/autoschedule/pkg/core/bounds"
	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/gomlx/autoschedule/pkg/support/xslices"
)

// EvaluateReuse returns, for each producer in prods and each loop variable of stage s, the size
// of the producer region computed both by a 2-wide tile of s and by its neighbor tile along the
// variable.
//
// Variables along which some overlap has an unknown size are left out for the remaining
// producers.
func (pt *Partitioner) EvaluateReuse(s pipeline.Stage, prods sets.Set[string]) map[string]map[string]cost.Value {
	dims := pt.p.StageDimVars(s)
	tiles := make(TileConfig, len(dims))
	for _, v := range dims {
		tiles[v] = 2
	}
	tileBounds := pt.boundsFromTileSizes(s, tiles)
	overlaps := pt.deps.OverlapRegions(s, tileBounds, prods, false, pt.estimates)

	result := make(reuse)
	for ii, v := range dims {
		for _, name := range xslices.SortedKeys(overlaps[ii]) {
			size := bounds.Size(overlaps[ii][name])
			if !size.IsKnown() {
				break
			}
			if result[name] == nil {
				result[name] = make(map[string]cost.Value)
			}
			result[name][v] = size
		}
	}
	return result
}

// EvaluateAllReuse computes and stores the reuse of every stage with respect to the functions it
// calls, to be used when placing group members closer to their consumers.
func (pt *Partitioner) EvaluateAllReuse() {
	for _, s := range pt.allStages {
		pt.reusePerStage[s] = pt.EvaluateReuse(s, pt.p.MustFunc(s.Func).Callees())
	}
}

// Reuse returns the reuse stored for stage s by EvaluateAllReuse.
func (pt *Partitioner) Reuse(s pipeline.Stage) map[string]map[string]cost.Value {
	return pt.reusePerStage[s]
}
