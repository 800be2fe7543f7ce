// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package partitioner groups the stages of a pipeline into GPU kernels.
//
// Every stage starts in its own group. Groups are then greedily merged into their consumers,
// first by inlining cheap producers and then by computing producers per tile of their consumers
// (in fast memory), as long as the cost model estimates a benefit. Finally, the tile sizes of
// every group are chosen and the schedule is generated.
//
// A Partitioner is not safe for concurrent use.
package partitioner

import (
	"fmt"
	"slices"
	"strings"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/gomlx/autoschedule/internal/scoped"
	"github.com/gomlx/autoschedule/pkg/autoschedule/dependence"
	"github.com/gomlx/autoschedule/pkg/autoschedule/regioncosts"
	"github.com/gomlx/autoschedule/pkg/core/bounds"
	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/machine"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/sets"
	"github.com/gomlx/autoschedule/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Level of grouping.
type Level int

const (
	// Inline merges a producer by substituting its definition into its consumers.
	Inline Level = iota

	// FastMem merges a producer by computing it per tile of its consumer.
	FastMem
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case Inline:
		return "Inline"
	case FastMem:
		return "FastMem"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// TileConfig maps loop variables of a stage to their tile size.
type TileConfig map[string]int64

// Clone returns a copy of the config.
func (c TileConfig) Clone() TileConfig {
	clone := make(TileConfig, len(c))
	for k, v := range c {
		clone[k] = v
	}
	return clone
}

// Equal returns whether both configs tile the same variables with the same sizes.
func (c TileConfig) Equal(other TileConfig) bool {
	if len(c) != len(other) {
		return false
	}
	for k, v := range c {
		if otherV, found := other[k]; !found || otherV != v {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer, listing variables in sorted order.
func (c TileConfig) String() string {
	parts := xslices.Map(xslices.SortedKeys(c), func(k string) string { return fmt.Sprintf("%s: %d", k, c[k]) })
	return "{" + strings.Join(parts, ", ") + "}"
}

// Group is a set of stages scheduled together: the members are computed per tile of the output
// stage, and the inlined functions are computed at their point of use.
//
// Every stage is a member of exactly one group, unless its function is inlined: then it is a
// member of no group, and may be inlined in several.
type Group struct {
	Output    pipeline.Stage
	Members   []pipeline.Stage
	Inlined   sets.Set[string]
	TileSizes TileConfig
}

func newGroup(output pipeline.Stage, members ...pipeline.Stage) *Group {
	return &Group{Output: output, Members: members, Inlined: sets.Make[string](), TileSizes: TileConfig{}}
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	return &Group{
		Output:    g.Output,
		Members:   slices.Clone(g.Members),
		Inlined:   g.Inlined.Clone(),
		TileSizes: g.TileSizes.Clone(),
	}
}

// FuncNames returns the names of the functions computed by the group: the functions of its
// members and the inlined ones.
func (g *Group) FuncNames() sets.Set[string] {
	names := sets.Make[string](len(g.Members) + len(g.Inlined))
	for _, m := range g.Members {
		names.Insert(m.Func)
	}
	return names.Union(g.Inlined)
}

// String implements fmt.Stringer.
func (g *Group) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "group %s: members [", g.Output)
	sb.WriteString(strings.Join(xslices.Map(g.Members, pipeline.Stage.String), ", "))
	sb.WriteString("]")
	if len(g.Inlined) > 0 {
		fmt.Fprintf(&sb, ", inlined %v", sets.Sorted(g.Inlined))
	}
	if len(g.TileSizes) > 0 {
		fmt.Fprintf(&sb, ", tiles %s", g.TileSizes)
	}
	return sb.String()
}

// GroupAnalysis is the cost estimate of a group. The zero value is undefined: the group could
// not be evaluated or is infeasible.
type GroupAnalysis struct {
	Cost cost.Cost

	// Parallelism is the estimated number of streaming multiprocessors kept busy.
	Parallelism cost.Value

	// ThreadsOut is the minimum number of threads spawned per block by any member.
	ThreadsOut cost.Value

	// NThreads is the number of threads per block.
	NThreads cost.Value

	ActiveThreads cost.Value
	Occupancy     cost.Value
	NBlocks       cost.Value
	SharedMem     cost.Value
}

// IsDefined returns whether the analysis can be used to compare groupings.
func (a GroupAnalysis) IsDefined() bool {
	return a.Cost.IsKnown() && a.Parallelism.IsKnown() && a.ThreadsOut.IsKnown() &&
		a.NThreads.IsKnown() && a.Occupancy.IsKnown() && a.ActiveThreads.IsKnown()
}

// String implements fmt.Stringer.
func (a GroupAnalysis) String() string {
	return fmt.Sprintf("[cost: %s, parallelism: %s, threads out: %s, threads: %s, active threads: %s, "+
		"occupancy: %s, blocks: %s, shared mem: %s]", a.Cost, a.Parallelism, a.ThreadsOut, a.NThreads,
		a.ActiveThreads, a.Occupancy, a.NBlocks, a.SharedMem)
}

// Config holds the target parameters and the cost factors of the memory hierarchy.
type Config struct {
	Machine machine.MachineParams
	GPU     machine.GPUParams

	// SharedMemCost, L2Cost and GlobalCost weight the loads from shared memory (group members),
	// from other groups and from the input buffers.
	SharedMemCost, L2Cost, GlobalCost float64

	// FoldedFusion enables moving group members closer to the consumer they share data with.
	FoldedFusion bool
}

// groupingChoice is a candidate merge of all stages of function prod into the group of cons.
type groupingChoice struct {
	prod string
	cons pipeline.Stage
}

func (c groupingChoice) String() string { return fmt.Sprintf("(%s -> %s)", c.prod, c.cons) }

// groupConfig is the evaluation of a grouping choice.
type groupConfig struct {
	tileSizes TileConfig
	analysis  GroupAnalysis
}

// reuse maps a producer name to the size of its region recomputed when moving along each loop
// variable of a consumer stage.
type reuse map[string]map[string]cost.Value

// Partitioner holds the grouping state of a pipeline.
type Partitioner struct {
	p              *pipeline.Pipeline
	pipelineBounds bounds.Regions
	deps           *dependence.Analysis
	costs          regioncosts.RegionCosts
	config         Config
	estimates      *scoped.Scope[bounds.Interval]

	// groups indexed by their output stage, in topological order of the stages.
	groups *orderedmap.OrderedMap[pipeline.Stage, *Group]

	// groupCosts indexed by the output stage of the group.
	groupCosts map[pipeline.Stage]GroupAnalysis

	// children maps each stage to the stages consuming it.
	children map[pipeline.Stage]sets.Set[pipeline.Stage]

	// initialChildren is children before any merge.
	initialChildren map[pipeline.Stage]sets.Set[pipeline.Stage]

	groupingCache map[groupingChoice]groupConfig
	tileConfigs   map[pipeline.Stage][]TileConfig
	reusePerStage map[pipeline.Stage]reuse
	allStages     []pipeline.Stage
}

// New creates a Partitioner with one group per stage of the functions with pipeline bounds.
//
// pipelineBounds is the result of dependence.Analysis.PipelineBounds.
func New(p *pipeline.Pipeline, pipelineBounds bounds.Regions, deps *dependence.Analysis,
	costs regioncosts.RegionCosts, config Config) *Partitioner {
	pt := &Partitioner{
		p:               p,
		pipelineBounds:  pipelineBounds,
		deps:            deps,
		costs:           costs,
		config:          config,
		estimates:       p.InputEstimates(),
		groups:          orderedmap.NewOrderedMap[pipeline.Stage, *Group](),
		groupCosts:      make(map[pipeline.Stage]GroupAnalysis),
		children:        make(map[pipeline.Stage]sets.Set[pipeline.Stage]),
		groupingCache:   make(map[groupingChoice]groupConfig),
		tileConfigs:     make(map[pipeline.Stage][]TileConfig),
		reusePerStage:   make(map[pipeline.Stage]reuse),
		initialChildren: make(map[pipeline.Stage]sets.Set[pipeline.Stage]),
	}

	for _, name := range p.Order() {
		if _, found := pipelineBounds[name]; !found {
			klog.V(1).Infof("Skipping %q: it has no pipeline bounds", name)
			continue
		}
		for _, s := range p.MustFunc(name).Stages() {
			pt.groups.Set(s, newGroup(s, s))
			pt.allStages = append(pt.allStages, s)
		}
	}

	addChild := func(producer, consumer pipeline.Stage) {
		if pt.children[producer] == nil {
			pt.children[producer] = sets.Make[pipeline.Stage]()
		}
		pt.children[producer].Insert(consumer)
	}
	for el := pt.groups.Front(); el != nil; el = el.Next() {
		s := el.Key
		for parent := range p.Parents(s) {
			producer := p.Func(parent)
			if producer == nil || parent == s.Func {
				continue
			}
			if _, found := pt.groups.Get(producer.LastStage()); !found {
				continue
			}
			addChild(producer.LastStage(), s)
		}
		if s.Index > 0 {
			addChild(pipeline.Stage{Func: s.Func, Index: s.Index - 1}, s)
		}
	}
	for s, consumers := range pt.children {
		pt.initialChildren[s] = consumers.Clone()
	}
	return pt
}

// Pipeline being partitioned.
func (pt *Partitioner) Pipeline() *pipeline.Pipeline { return pt.p }

// Groups returns the current groups, in topological order of their output stages.
func (pt *Partitioner) Groups() []*Group {
	groups := make([]*Group, 0, pt.groups.Len())
	for el := pt.groups.Front(); el != nil; el = el.Next() {
		groups = append(groups, el.Value)
	}
	return groups
}

// GroupOf returns the group whose output is stage s.
func (pt *Partitioner) GroupOf(s pipeline.Stage) (*Group, bool) {
	return pt.groups.Get(s)
}

// Analysis returns the analysis of the group whose output is stage s.
func (pt *Partitioner) Analysis(s pipeline.Stage) (GroupAnalysis, bool) {
	analysis, found := pt.groupCosts[s]
	return analysis, found
}

// Children returns the stages consuming stage s, sorted in topological order.
func (pt *Partitioner) Children(s pipeline.Stage) []pipeline.Stage {
	return pt.sortedStages(pt.children[s])
}

// Stages returns all the stages being partitioned, in topological order.
func (pt *Partitioner) Stages() []pipeline.Stage { return slices.Clone(pt.allStages) }

// PipelineCost is the sum of the costs of all groups. It is unknown if any group is.
func (pt *Partitioner) PipelineCost() cost.Cost {
	if len(pt.groupCosts) == 0 {
		exceptions.Panicf("partitioner.PipelineCost(): groups were not analyzed yet")
	}
	total := cost.Zero
	for el := pt.groups.Front(); el != nil; el = el.Next() {
		analysis, found := pt.groupCosts[el.Key]
		if !found || !analysis.Cost.IsKnown() {
			return cost.UnknownCost
		}
		total = total.Add(analysis.Cost)
	}
	return total
}

// ClearGroupingCache drops the evaluations of grouping choices.
func (pt *Partitioner) ClearGroupingCache() {
	clear(pt.groupingCache)
}

// compareStages orders stages topologically.
func (pt *Partitioner) compareStages(a, b pipeline.Stage) int {
	if a.Func != b.Func {
		return pt.p.Index(a.Func) - pt.p.Index(b.Func)
	}
	return a.Index - b.Index
}

func (pt *Partitioner) sortedStages(stages sets.Set[pipeline.Stage]) []pipeline.Stage {
	sorted := xslices.Keys(stages)
	slices.SortFunc(sorted, pt.compareStages)
	return sorted
}

// Bounds returns the bounds of the loop variables of stage s over the pipeline bounds of its
// function.
func (pt *Partitioner) Bounds(s pipeline.Stage) bounds.DimBounds {
	box, found := pt.pipelineBounds[s.Func]
	if !found {
		exceptions.Panicf("partitioner.Bounds(): no pipeline bounds for %s", s)
	}
	f := pt.p.MustFunc(s.Func)
	if len(box) != f.Dims() {
		exceptions.Panicf("partitioner.Bounds(): pipeline bounds %s of %q have %d axes, but the function has %d dimensions",
			box, s.Func, len(box), f.Dims())
	}
	pure := make(bounds.DimBounds, len(box))
	for ii, arg := range f.Args {
		pure[arg] = box[ii]
	}
	return pt.p.StageBounds(s, pure)
}

// Extents returns the extent of every loop variable of stage s over the pipeline bounds.
func (pt *Partitioner) Extents(s pipeline.Stage) map[string]cost.Value {
	stageBounds := pt.Bounds(s)
	extents := make(map[string]cost.Value, len(stageBounds))
	for _, v := range pt.p.StageDimVars(s) {
		extents[v] = bounds.Extent(stageBounds[v])
	}
	return extents
}

// boundsFromTileSizes returns the bounds of one tile of stage s. A variable is tiled only if
// its extent fits at least 2 tiles, otherwise it spans its full bounds.
func (pt *Partitioner) boundsFromTileSizes(s pipeline.Stage, tiles TileConfig) bounds.DimBounds {
	stageBounds := pt.Bounds(s)
	result := make(bounds.DimBounds, len(stageBounds))
	for v, interval := range stageBounds {
		if size, found := tiles[v]; found && bounds.Extent(interval).GE(cost.Of(2*size)) {
			result[v] = bounds.Range(0, size-1)
		} else {
			result[v] = interval
		}
	}
	return result
}

// boxBounds maps the pure variables of the function of stage s to the axes of box, and returns
// the bounds of the stage tiled by the extents of box.
func (pt *Partitioner) boxBounds(s pipeline.Stage, box bounds.Box) bounds.DimBounds {
	f := pt.p.MustFunc(s.Func)
	if len(box) != f.Dims() {
		exceptions.Panicf("region %s of %q has %d axes, but the function has %d dimensions",
			box, s.Func, len(box), f.Dims())
	}
	tiles := TileConfig{}
	for ii, arg := range f.Args {
		if extent, ok := bounds.Extent(box[ii]).Get(); ok {
			tiles[arg] = int64(extent)
		}
	}
	return pt.boundsFromTileSizes(s, tiles)
}

// isFinalStage returns whether s is the last stage of its function.
func (pt *Partitioner) isFinalStage(s pipeline.Stage) bool {
	return s == pt.p.MustFunc(s.Func).LastStage()
}

// String lists the groups and their analyses.
func (pt *Partitioner) String() string {
	var sb strings.Builder
	for el := pt.groups.Front(); el != nil; el = el.Next() {
		sb.WriteString(el.Value.String())
		if analysis, found := pt.groupCosts[el.Key]; found {
			sb.WriteString("\n  ")
			sb.WriteString(analysis.String())
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
