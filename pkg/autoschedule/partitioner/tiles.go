// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partitioner

import (
	"slices"

	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"k8s.io/klog/v2"
)

const (
	// maxThreadVars is the maximum number of variables mapped to GPU thread dimensions.
	maxThreadVars = 3

	// tileCacheLineBytes bounds the bytes of the innermost dimension of a tile.
	tileCacheLineBytes = 64
)

var (
	singleVarSizesFewThreads = []int64{2, 4, 8, 16, 32, 64, 128, 256}
	singleVarSizesManyThread = []int64{2, 4, 8, 16, 32}
)

// DimsToTile returns the pure variables of stage s to be mapped to GPU threads: the first pure
// variable, plus up to 2 more taken by decreasing extent among those with extent > 16 (or > 8 if
// fewer than 2 were chosen).
//
// It is empty for stages with a single dimension. Variables with unknown extents are never
// chosen.
func (pt *Partitioner) DimsToTile(s pipeline.Stage) sets.Set[string] {
	chosen := sets.Make[string]()
	if len(pt.p.StageDims(s)) <= 1 {
		return chosen
	}
	pure := pt.p.PureDims(s)
	if len(pure) == 0 {
		return chosen
	}
	extents := pt.Extents(s)
	if extents[pure[0]].IsKnown() {
		chosen.Insert(pure[0])
	}

	byExtent := slices.Clone(pure)
	slices.SortStableFunc(byExtent, func(a, b string) int {
		ea, eb := extents[a].Or(-1), extents[b].Or(-1)
		switch {
		case ea > eb:
			return -1
		case ea < eb:
			return 1
		}
		return 0
	})
	addAbove := func(threshold int) {
		for _, v := range byExtent {
			if len(chosen) >= maxThreadVars {
				return
			}
			if !chosen.Has(v) && extents[v].GT(cost.Of(threshold)) {
				chosen.Insert(v)
			}
		}
	}
	addAbove(16)
	if len(chosen) < 2 {
		addAbove(8)
	}
	return chosen
}

// tileVar is one digit of the TileIterator.
type tileVar struct {
	name    string
	extent  int64
	thread  bool
	initial int64
}

// tilePruneRule tells whether the tile just stepped at digit idx is out of range, in which case
// the digit overflows into the next one. previous is the tile before the step.
type tilePruneRule struct {
	name      string
	overflows func(it *TileIterator, idx int, previous int64) bool
}

var tilePruneRules = []tilePruneRule{
	{"max-tile", func(it *TileIterator, idx int, _ int64) bool {
		v := it.vars[idx]
		if !v.thread {
			return false
		}
		if it.numThreadVars <= 2 {
			return it.tiles[idx] > 2*it.maxTile
		}
		return it.tiles[idx] > it.maxTile
	}},
	{"min-tiles-per-dim", func(it *TileIterator, idx int, _ int64) bool {
		v := it.vars[idx]
		return v.thread && v.extent/it.tiles[idx] <= 2
	}},
	{"large-first-extent", func(it *TileIterator, idx int, _ int64) bool {
		extent0 := it.vars[0].extent
		return extent0 > 1024 && it.tiles[idx] >= extent0/32
	}},
	{"small-first-extent", func(it *TileIterator, idx int, _ int64) bool {
		extent0 := it.vars[0].extent
		return extent0 < 1024 && it.tiles[idx] > extent0/2
	}},
	{"full-extent", func(it *TileIterator, idx int, previous int64) bool {
		v := it.vars[idx]
		return !v.thread && previous >= v.extent
	}},
}

// TileIterator enumerates tile configurations of several variables as an odometer: the first
// variable steps fastest, and a variable that overflows (by any of the prune rules) resets to its
// initial tile and steps the next one.
//
// Thread variables step by doubling (or by +2 for the final tiles), other variables jump to their
// full extent.
type TileIterator struct {
	vars          []tileVar
	tiles         []int64
	numThreadVars int
	maxTile       int64
	final         bool
	done          bool

	// pruned counts the overflows per rule name.
	pruned map[string]int
}

func newTileIterator(vars []tileVar, maxTile int64, final bool) *TileIterator {
	it := &TileIterator{vars: vars, maxTile: maxTile, final: final, pruned: make(map[string]int)}
	for _, v := range vars {
		if v.thread {
			it.numThreadVars++
		}
	}
	for ii := range it.vars {
		v := &it.vars[ii]
		switch {
		case v.thread && v.extent > 64:
			v.initial = 8
		case v.thread:
			v.initial = 2
		case it.numThreadVars >= 2:
			v.initial = v.extent
		default:
			v.initial = 1
		}
	}
	it.Reset()
	return it
}

// Reset restarts the enumeration.
func (it *TileIterator) Reset() {
	it.tiles = make([]int64, len(it.vars))
	for ii, v := range it.vars {
		it.tiles[ii] = v.initial
	}
	it.done = len(it.vars) == 0
}

// Next returns the current configuration, with tiles capped at the extents, and advances. It
// returns false when the enumeration is exhausted.
func (it *TileIterator) Next() (TileConfig, bool) {
	if it.done {
		return nil, false
	}
	config := make(TileConfig, len(it.vars))
	for ii, v := range it.vars {
		config[v.name] = min(it.tiles[ii], v.extent)
	}
	it.advance()
	return config, true
}

func (it *TileIterator) step(idx int) {
	v := it.vars[idx]
	switch {
	case v.thread && it.final:
		it.tiles[idx] += 2
	case v.thread:
		it.tiles[idx] *= 2
	default:
		it.tiles[idx] = v.extent
	}
}

func (it *TileIterator) overflows(idx int, previous int64) bool {
	for _, rule := range tilePruneRules {
		if rule.overflows(it, idx, previous) {
			it.pruned[rule.name]++
			return true
		}
	}
	return false
}

func (it *TileIterator) advance() {
	idx := 0
	previous := it.tiles[idx]
	it.step(idx)
	for it.overflows(idx, previous) {
		if idx == len(it.vars)-1 {
			it.done = true
			return
		}
		it.tiles[idx] = it.vars[idx].initial
		idx++
		previous = it.tiles[idx]
		it.step(idx)
	}
}

// GenerateTileConfigs returns the candidate tile configurations of stage s, without duplicates.
// The final tiles are enumerated in finer steps.
//
// No configuration is generated if the extent of a pure variable is unknown.
func (pt *Partitioner) GenerateTileConfigs(s pipeline.Stage, final bool) []TileConfig {
	bytesPerElement := max(pt.p.ValueSize(s.Func), 1)
	maxTile := tileCacheLineBytes / bytesPerElement
	tileVars := pt.p.PureDims(s)
	if len(tileVars) == 0 {
		return nil
	}
	threadVars := pt.DimsToTile(s)
	extents := pt.Extents(s)
	vars := make([]tileVar, len(tileVars))
	for ii, name := range tileVars {
		extent, ok := extents[name].Get()
		if !ok {
			klog.V(2).Infof("No tile configurations for %s: unknown extent of %q", s, name)
			return nil
		}
		vars[ii] = tileVar{name: name, extent: int64(extent), thread: threadVars.Has(name)}
	}

	var configs []TileConfig
	appendUnique := func(config TileConfig) {
		if !slices.ContainsFunc(configs, config.Equal) {
			configs = append(configs, config)
		}
	}

	if len(vars) > 1 {
		it := newTileIterator(vars, maxTile, final)
		for config, ok := it.Next(); ok; config, ok = it.Next() {
			appendUnique(config)
		}
		if klog.V(3).Enabled() {
			klog.Infof("%d tile configurations for %s, pruned: %v", len(configs), s, it.pruned)
		}
		return configs
	}

	sizes := singleVarSizesFewThreads
	if len(threadVars) > 1 {
		sizes = singleVarSizesManyThread
	}
	extent := vars[0].extent
	for _, size := range sizes {
		if s.Index > 0 {
			if extent > 1024 && size >= extent/128 {
				continue
			}
			if extent < 1024 && size > extent/32 {
				continue
			}
		}
		appendUnique(TileConfig{vars[0].name: size})
	}
	return configs
}

// FindBestTileConfig searches the tile configuration of group g with the best estimated benefit.
//
// With isInit the group is analyzed once with tiles of size 1 along the thread variables, and
// costed as computed inline. With isFinal the configurations are enumerated in finer steps, and
// must use a multiple of the warp size in threads.
//
// The returned analysis is undefined if no configuration is feasible.
func (pt *Partitioner) FindBestTileConfig(g *Group, isInit, isFinal bool) (TileConfig, GroupAnalysis) {
	dims := pt.p.StageDims(g.Output)
	allRVars := true
	for _, d := range dims {
		if !d.IsRVar {
			allRVars = false
			break
		}
	}
	if allRVars {
		return TileConfig{}, GroupAnalysis{}
	}

	if isInit {
		config := TileConfig{}
		for v := range pt.DimsToTile(g.Output) {
			config[v] = 1
		}
		initGroup := g.Clone()
		initGroup.TileSizes = config
		return config, pt.AnalyzeGroup(initGroup, true)
	}
	if len(dims) == 1 {
		untiled := g.Clone()
		untiled.TileSizes = TileConfig{}
		return TileConfig{}, pt.AnalyzeGroup(untiled, false)
	}

	smallExtents := true
	for _, extent := range pt.Extents(g.Output) {
		if extent.Div(cost.Of(32)).Floor().GE(cost.Of(8)) {
			smallExtents = false
		}
	}

	configs, found := pt.tileConfigs[g.Output]
	if isFinal {
		configs = pt.GenerateTileConfigs(g.Output, true)
	} else if !found {
		configs = pt.GenerateTileConfigs(g.Output, false)
		pt.tileConfigs[g.Output] = configs
	}

	bestConfig := TileConfig{}
	var best GroupAnalysis
	hasBaseline := false
	for _, config := range configs {
		candidate := g.Clone()
		candidate.TileSizes = config
		analysis := pt.AnalyzeGroup(candidate, false)
		if !analysis.IsDefined() {
			continue
		}
		if !hasBaseline && (smallExtents || analysis.ThreadsOut.GE(cost.Of(minThreadsOut))) {
			best, bestConfig, hasBaseline = analysis, config, true
			continue
		}
		if !hasBaseline {
			continue
		}
		benefit := pt.estimateTileBenefit(best, analysis, isFinal, true)
		if benefit.GT(cost.Of(0)) {
			best, bestConfig = analysis, config
		}
	}
	klog.V(2).Infof("Best tiles for %s (init=%v, final=%v): %s %s", g.Output, isInit, isFinal, bestConfig, best)
	return bestConfig, best
}
