// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partitioner

import (
	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// InitializeGroups analyzes every group as computed inline, with tiles of size 1 along its
// thread variables.
func (pt *Partitioner) InitializeGroups() {
	for el := pt.groups.Front(); el != nil; el = el.Next() {
		config, analysis := pt.FindBestTileConfig(el.Value, true, false)
		el.Value.TileSizes = config
		pt.groupCosts[el.Key] = analysis
	}
	pt.ClearGroupingCache()
}

// EvaluateNewTiles re-tiles every group with the coarse tile configurations.
func (pt *Partitioner) EvaluateNewTiles() {
	pt.evaluateTiles(false)
}

// EvaluateFinalTiles re-tiles every group with the fine tile configurations, requiring a
// multiple of the warp size in threads.
func (pt *Partitioner) EvaluateFinalTiles() {
	pt.evaluateTiles(true)
}

func (pt *Partitioner) evaluateTiles(final bool) {
	clear(pt.groupCosts)
	for el := pt.groups.Front(); el != nil; el = el.Next() {
		config, analysis := pt.FindBestTileConfig(el.Value, false, final)
		el.Value.TileSizes = config
		pt.groupCosts[el.Key] = analysis
	}
	pt.ClearGroupingCache()
}

// Group merges producers into their consumers at the given level, one producer at a time, for
// as long as some merge has a non-negative estimated benefit. It returns the number of
// producers merged.
func (pt *Partitioner) Group(level Level) int {
	if len(pt.groupCosts) == 0 {
		exceptions.Panicf("partitioner.Group(%s): groups were not initialized", level)
	}
	merged := 0
	for {
		candidates := pt.candidates(level)
		if len(candidates) == 0 {
			break
		}
		choices, configs := pt.chooseCandidateGrouping(candidates, level)
		if len(choices) == 0 {
			break
		}
		pt.commit(choices, configs, level)
		merged++
	}
	klog.V(1).Infof("Grouping at level %s merged %d producers, %d groups left", level, merged, pt.groups.Len())
	return merged
}

// candidates returns the names of the functions that can be merged into all their consumers
// at the given level, in topological order.
func (pt *Partitioner) candidates(level Level) []string {
	var names []string
	for el := pt.groups.Front(); el != nil; el = el.Next() {
		s := el.Key
		f := pt.p.MustFunc(s.Func)
		if pt.p.IsOutput(s.Func) || !pt.isFinalStage(s) || len(pt.children[s]) == 0 {
			continue
		}
		switch level {
		case Inline:
			if !f.CanBeInlined() || pt.p.UsedByExtern(s.Func) {
				continue
			}
		case FastMem:
			// Members are computed per tile of a single consumer stage, so that no stage is
			// a member of two groups.
			if len(pt.children[s]) != 1 {
				continue
			}
		}
		names = append(names, s.Func)
	}
	return names
}

// mergedGroup returns the group resulting of merging all stages of function prod into the
// group of cons.
func (pt *Partitioner) mergedGroup(prod string, cons pipeline.Stage, level Level) *Group {
	consGroup, found := pt.groups.Get(cons)
	if !found {
		exceptions.Panicf("partitioner: no group for consumer %s", cons)
	}
	merged := consGroup.Clone()
	pt.absorb(merged, prod, level)
	return merged
}

// absorb moves the groups of all stages of function prod into g. At the Inline level their
// functions become inlined functions of g, and at the FastMem level their members become
// members of g.
func (pt *Partitioner) absorb(g *Group, prod string, level Level) {
	var prodMembers []pipeline.Stage
	for _, s := range pt.p.MustFunc(prod).Stages() {
		prodGroup, found := pt.groups.Get(s)
		if !found {
			exceptions.Panicf("partitioner: no group for producer %s", s)
		}
		g.Inlined.Union(prodGroup.Inlined)
		if level == Inline {
			for _, m := range prodGroup.Members {
				g.Inlined.Insert(m.Func)
			}
			continue
		}
		prodMembers = append(prodMembers, prodGroup.Members...)
	}
	g.Members = append(prodMembers, g.Members...)
}

// evaluateChoice returns the tile sizes and analysis of the merged group.
func (pt *Partitioner) evaluateChoice(g *Group, level Level) groupConfig {
	if level == Inline {
		tiles := TileConfig{}
		for v := range pt.DimsToTile(g.Output) {
			tiles[v] = 1
		}
		g.TileSizes = tiles
		return groupConfig{tileSizes: tiles, analysis: pt.AnalyzeGroup(g, true)}
	}
	for _, m := range g.Members {
		if !g.Inlined.Has(m.Func) && pipeline.IsBoundaryCondition(m.Func) {
			klog.V(2).Infof("Not merging into %s: member %s is a boundary condition", g.Output, m)
			return groupConfig{tileSizes: TileConfig{}}
		}
	}
	tiles, analysis := pt.FindBestTileConfig(g, false, false)
	return groupConfig{tileSizes: tiles, analysis: analysis}
}

// chooseCandidateGrouping evaluates merging each candidate producer into all its consumers, and
// returns the merges of the candidate with the largest non-negative benefit. Ties are won by the
// earliest candidate. It returns nil if no candidate has a known non-negative benefit.
func (pt *Partitioner) chooseCandidateGrouping(candidates []string, level Level) ([]groupingChoice, []groupConfig) {
	var (
		bestChoices []groupingChoice
		bestConfigs []groupConfig
		bestBenefit cost.Value
	)
	for _, prod := range candidates {
		prodFinal := pt.p.MustFunc(prod).LastStage()
		var choices []groupingChoice
		var configs []groupConfig
		for _, c := range pt.Children(prodFinal) {
			choice := groupingChoice{prod: prod, cons: c}
			config, found := pt.groupingCache[choice]
			if !found {
				config = pt.evaluateChoice(pt.mergedGroup(prod, c, level), level)
				pt.groupingCache[choice] = config
			}
			choices = append(choices, choice)
			configs = append(configs, config)
		}
		benefit := pt.aggregateBenefit(choices, configs, level)
		klog.V(3).Infof("Candidate %s at level %s: benefit %s", prod, level, benefit)
		if !benefit.GE(cost.Of(0)) {
			continue
		}
		if bestChoices == nil || benefit.GT(bestBenefit) {
			bestChoices, bestConfigs, bestBenefit = choices, configs, benefit
		}
	}
	if bestChoices != nil {
		klog.V(2).Infof("Best grouping %v, benefit %s", bestChoices, bestBenefit)
	}
	return bestChoices, bestConfigs
}

// commit merges the producer of the choices into the groups of its consumers.
func (pt *Partitioner) commit(choices []groupingChoice, configs []groupConfig, level Level) {
	prod := pt.p.MustFunc(choices[0].prod)
	prodChildren := pt.children[prod.LastStage()].Clone()

	for key := range pt.groupingCache {
		for _, choice := range choices {
			if key.prod == choice.cons.Func || key.cons == choice.cons || key.prod == choice.prod {
				delete(pt.groupingCache, key)
				break
			}
		}
	}
	// Most cached region queries are keyed by the member sets of the groups being replaced,
	// which are not asked about again.
	pt.deps.ClearCache()

	for ii, choice := range choices {
		pt.mergeGroups(choice, configs[ii], level)
	}

	prodStages := prod.Stages()
	for _, s := range prodStages {
		pt.groups.Delete(s)
		delete(pt.groupCosts, s)
		delete(pt.children, s)
	}
	for _, consumers := range pt.children {
		replaced := false
		for _, s := range prodStages {
			if consumers.Has(s) {
				consumers.Remove(s)
				replaced = true
			}
		}
		if replaced {
			consumers.Union(prodChildren)
		}
	}
}

// mergeGroups moves all stages of the producer into the group of the consumer.
func (pt *Partitioner) mergeGroups(choice groupingChoice, config groupConfig, level Level) {
	child, found := pt.groups.Get(choice.cons)
	if !found {
		exceptions.Panicf("partitioner: no group for consumer %s", choice.cons)
	}
	pt.absorb(child, choice.prod, level)
	child.TileSizes = config.tileSizes.Clone()
	pt.groupCosts[choice.cons] = config.analysis
	klog.V(1).Infof("Merged %s into %s at level %s", choice.prod, choice.cons, level)
}
